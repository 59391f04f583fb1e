// Package tap implements the bounded byte pipe that connects the single
// producer of an audio stream to exactly one downstream consumer.
//
// A tap is created as a pair: the [Writer] is owned by the producer (a
// broadcaster or the encoder), the [Reader] by the consumer. The buffer
// capacity is fixed at creation. Closing either end immediately unblocks
// the other end: a blocked reader drains what is buffered and then sees
// [io.EOF], a blocked writer fails with [ErrClosedTap].
package tap

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// MaxCapacity is the largest buffer a single tap may allocate.
const MaxCapacity = 64 << 20

// Sentinel errors for tap operations.
var (
	ErrClosedTap    = errors.New("tap: closed")
	ErrTapCreation  = errors.New("tap: cannot create")
	ErrWriteTimeout = errors.New("tap: write timed out")
	ErrReadTimeout  = errors.New("tap: read timed out")
)

// expired is a permanently ready channel used when a deadline has already
// passed before an operation starts.
var expired = func() chan time.Time {
	ch := make(chan time.Time)
	close(ch)
	return ch
}()

// pipe is the ring buffer shared by a Reader/Writer pair.
type pipe struct {
	mu           sync.Mutex
	buf          []byte
	r            int // read position
	n            int // bytes buffered
	readerClosed bool
	writerClosed bool
	rdeadline    time.Time
	wdeadline    time.Time

	// readable and writable carry at most one pending wakeup each. With a
	// single reader and a single writer a one-slot signal cannot be lost.
	readable chan struct{}
	writable chan struct{}

	done      chan struct{} // closed when either end closes
	closeOnce sync.Once
}

// Reader is the consumer end of a tap.
type Reader struct {
	p *pipe
}

// Writer is the producer end of a tap.
type Writer struct {
	p *pipe
}

// New creates a tap with a fixed buffer of capacity bytes and returns its
// two ends. The capacity must be in (0, MaxCapacity].
func New(capacity int) (*Reader, *Writer, error) {
	if capacity <= 0 || capacity > MaxCapacity {
		return nil, nil, fmt.Errorf("%w: capacity %d outside (0, %d]", ErrTapCreation, capacity, MaxCapacity)
	}
	p := &pipe{
		buf:      make([]byte, capacity),
		readable: make(chan struct{}, 1),
		writable: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	return &Reader{p: p}, &Writer{p: p}, nil
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// timer returns a channel that fires when deadline passes, or nil if no
// deadline is set. The returned stop func must always be called.
func timer(deadline time.Time) (<-chan time.Time, func()) {
	if deadline.IsZero() {
		return nil, func() {}
	}
	d := time.Until(deadline)
	if d <= 0 {
		return expired, func() {}
	}
	t := time.NewTimer(d)
	return t.C, func() { t.Stop() }
}

// put copies as much of b as fits into the ring. Caller holds mu.
func (p *pipe) put(b []byte) int {
	size := len(p.buf)
	free := size - p.n
	if free == 0 || len(b) == 0 {
		return 0
	}
	if len(b) > free {
		b = b[:free]
	}
	end := (p.r + p.n) % size
	m := copy(p.buf[end:], b)
	if m < len(b) {
		m += copy(p.buf, b[m:])
	}
	p.n += m
	return m
}

// get copies up to len(b) buffered bytes into b. Caller holds mu.
func (p *pipe) get(b []byte) int {
	size := len(p.buf)
	if len(b) > p.n {
		b = b[:p.n]
	}
	m := copy(b, p.buf[p.r:min(p.r+len(b), size)])
	if m < len(b) {
		m += copy(b[m:], p.buf)
	}
	p.r = (p.r + m) % size
	p.n -= m
	return m
}

func (p *pipe) write(b []byte) (int, error) {
	p.mu.Lock()
	deadline := p.wdeadline
	p.mu.Unlock()

	timeout, stop := timer(deadline)
	defer stop()

	written := 0
	for {
		p.mu.Lock()
		if p.readerClosed || p.writerClosed {
			p.mu.Unlock()
			return written, ErrClosedTap
		}
		m := p.put(b)
		p.mu.Unlock()

		if m > 0 {
			written += m
			b = b[m:]
			notify(p.readable)
		}
		if len(b) == 0 {
			return written, nil
		}

		select {
		case <-p.writable:
		case <-p.done:
		case <-timeout:
			return written, ErrWriteTimeout
		}
	}
}

func (p *pipe) read(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}

	p.mu.Lock()
	deadline := p.rdeadline
	p.mu.Unlock()

	timeout, stop := timer(deadline)
	defer stop()

	for {
		p.mu.Lock()
		if p.readerClosed {
			p.mu.Unlock()
			return 0, ErrClosedTap
		}
		if p.n > 0 {
			m := p.get(b)
			p.mu.Unlock()
			notify(p.writable)
			return m, nil
		}
		if p.writerClosed {
			p.mu.Unlock()
			return 0, io.EOF
		}
		p.mu.Unlock()

		select {
		case <-p.readable:
		case <-p.done:
		case <-timeout:
			return 0, ErrReadTimeout
		}
	}
}

func (p *pipe) close(reader bool) {
	p.mu.Lock()
	if reader {
		p.readerClosed = true
	} else {
		p.writerClosed = true
	}
	p.mu.Unlock()
	p.closeOnce.Do(func() { close(p.done) })
}

// Read reads up to len(b) bytes. It blocks until at least one byte is
// buffered, the writer closes (io.EOF once drained), the reader itself is
// closed (ErrClosedTap), or the read deadline passes (ErrReadTimeout).
func (r *Reader) Read(b []byte) (int, error) {
	return r.p.read(b)
}

// SetReadDeadline bounds subsequent Read calls. A zero time means no deadline.
func (r *Reader) SetReadDeadline(t time.Time) {
	r.p.mu.Lock()
	r.p.rdeadline = t
	r.p.mu.Unlock()
}

// Buffered returns the number of bytes waiting to be read.
func (r *Reader) Buffered() int {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()
	return r.p.n
}

// Cap returns the fixed buffer capacity of the tap.
func (r *Reader) Cap() int {
	return len(r.p.buf)
}

// Close closes the consumer end. Any blocked or future Write fails with
// ErrClosedTap. Close is idempotent and always returns nil.
func (r *Reader) Close() error {
	r.p.close(true)
	return nil
}

// Write writes all of b, blocking while the buffer is full. It returns the
// number of bytes written and ErrClosedTap if either end closes first, or
// ErrWriteTimeout if the write deadline passes first. The tap copies b;
// the caller may reuse it once Write returns.
func (w *Writer) Write(b []byte) (int, error) {
	return w.p.write(b)
}

// SetWriteDeadline bounds subsequent Write calls. A zero time means no deadline.
func (w *Writer) SetWriteDeadline(t time.Time) {
	w.p.mu.Lock()
	w.p.wdeadline = t
	w.p.mu.Unlock()
}

// Buffered returns the number of bytes the reader has not consumed yet.
func (w *Writer) Buffered() int {
	w.p.mu.Lock()
	defer w.p.mu.Unlock()
	return w.p.n
}

// Close closes the producer end. The reader drains any buffered bytes and
// then observes io.EOF. Close is idempotent and always returns nil.
func (w *Writer) Close() error {
	w.p.close(false)
	return nil
}

// Done returns a channel that is closed once either end has been closed.
func (w *Writer) Done() <-chan struct{} {
	return w.p.done
}
