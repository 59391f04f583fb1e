package distribution

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/vinylcast/internal/media"
	"github.com/zsiec/vinylcast/internal/tap"
)

// DefaultWriteTimeout bounds how long a single slow consumer may hold up
// delivery of one frame before it is evicted.
const DefaultWriteTimeout = 20 * time.Millisecond

// BroadcasterConfig configures a Broadcaster.
type BroadcasterConfig struct {
	// Name identifies the broadcaster in logs and tap IDs, e.g. "raw".
	Name string
	// Format is advertised on every tap handed out.
	Format media.AudioFormat
	// WriteTimeout bounds each per-tap write. Zero selects
	// DefaultWriteTimeout; a negative value disables the bound.
	WriteTimeout time.Duration
	Logger       *slog.Logger
}

// Tap is the consumer end of one broadcaster subscription. Reading yields
// every frame written after the tap was requested, in order, with no
// framing between frames. Closing the tap unsubscribes it on the next
// frame delivery.
type Tap struct {
	*tap.Reader
	ID     string
	Format media.AudioFormat
}

// tapEntry is the producer-side state of one registered tap.
type tapEntry struct {
	id       string
	w        *tap.Writer
	capacity int
	created  time.Time

	frames atomic.Int64
	bytes  atomic.Int64
}

func (e *tapEntry) write(frame []byte, timeout time.Duration) error {
	if timeout > 0 {
		e.w.SetWriteDeadline(time.Now().Add(timeout))
	}
	n, err := e.w.Write(frame)
	e.bytes.Add(int64(n))
	if err != nil {
		return err
	}
	e.frames.Add(1)
	return nil
}

// Broadcaster is the fan-out hub for one byte stream. A single producer
// calls OnFrame; every registered tap receives an identical copy of each
// frame. A tap that cannot accept a frame within the write timeout, or
// whose reader has been closed, is evicted without affecting the others.
//
// The registry is copy-on-write: OnFrame iterates an immutable snapshot
// and never holds the lock, so registering or evicting taps never blocks
// delivery and delivery never blocks registration.
type Broadcaster struct {
	log          *slog.Logger
	name         string
	format       media.AudioFormat
	writeTimeout time.Duration

	mu      sync.Mutex // serializes registry swaps and the stop transition
	entries atomic.Pointer[[]*tapEntry]
	stopped atomic.Bool
	nextID  atomic.Uint64
	idle    atomic.Bool // set while frames are discarded for lack of taps

	frames     atomic.Int64
	bytes      atomic.Int64
	idleFrames atomic.Int64
	evictions  atomic.Int64
	created    time.Time
}

// NewBroadcaster creates a Broadcaster with no taps.
func NewBroadcaster(cfg BroadcasterConfig) *Broadcaster {
	if cfg.Name == "" {
		cfg.Name = "broadcaster"
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	b := &Broadcaster{
		log:          log.With("component", "broadcaster", "broadcaster", cfg.Name),
		name:         cfg.Name,
		format:       cfg.Format,
		writeTimeout: cfg.WriteTimeout,
		created:      time.Now(),
	}
	b.entries.Store(&[]*tapEntry{})
	return b
}

// Format returns the format advertised on this broadcaster's taps.
func (b *Broadcaster) Format() media.AudioFormat {
	return b.format
}

// RequestTap registers a new consumer with a buffer of capacity bytes. The
// tap receives only frames delivered after registration. A tap requested
// after Stop is returned already closed, so its first read yields io.EOF.
func (b *Broadcaster) RequestTap(capacity int) (*Tap, error) {
	r, w, err := tap.New(capacity)
	if err != nil {
		return nil, err
	}
	e := &tapEntry{
		id:       fmt.Sprintf("%s-%d", b.name, b.nextID.Add(1)),
		w:        w,
		capacity: capacity,
		created:  time.Now(),
	}
	t := &Tap{Reader: r, ID: e.id, Format: b.format}

	b.mu.Lock()
	if b.stopped.Load() {
		b.mu.Unlock()
		w.Close()
		b.log.Debug("tap requested after stop", "tap", e.id)
		return t, nil
	}
	cur := *b.entries.Load()
	next := make([]*tapEntry, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, e)
	b.entries.Store(&next)
	b.mu.Unlock()

	b.idle.Store(false)
	b.log.Info("tap added", "tap", e.id, "capacity", capacity, "taps", len(next))
	return t, nil
}

// OnFrame delivers a copy of frame to every registered tap. It must only be
// called from the single producer goroutine. frame may be reused by the
// caller once OnFrame returns.
func (b *Broadcaster) OnFrame(frame []byte) {
	if b.stopped.Load() {
		return
	}
	b.frames.Add(1)
	b.bytes.Add(int64(len(frame)))

	entries := *b.entries.Load()
	if len(entries) == 0 {
		b.idleFrames.Add(1)
		if !b.idle.Swap(true) {
			b.log.Warn("no open taps, discarding frames")
		}
		return
	}

	evicted := false
	for _, e := range entries {
		if err := e.write(frame, b.writeTimeout); err != nil {
			b.evict(e, &ConsumerWriteError{TapID: e.id, Err: err})
			evicted = true
		}
	}
	if evicted && b.TapCount() == 0 && !b.idle.Swap(true) {
		b.log.Warn("no open taps, discarding frames")
	}
}

// evict removes e from the registry and closes its writer.
func (b *Broadcaster) evict(e *tapEntry, err *ConsumerWriteError) {
	b.mu.Lock()
	cur := *b.entries.Load()
	found := false
	next := make([]*tapEntry, 0, len(cur))
	for _, x := range cur {
		if x == e {
			found = true
			continue
		}
		next = append(next, x)
	}
	if found {
		b.entries.Store(&next)
	}
	b.mu.Unlock()

	e.w.Close()
	if !found {
		return
	}
	b.evictions.Add(1)
	b.log.Warn("tap evicted", "tap", e.id, "error", err, "taps", len(next))
}

// Stop closes every tap so readers drain and see io.EOF, and makes the
// broadcaster discard further frames. Stop is idempotent.
func (b *Broadcaster) Stop() {
	b.mu.Lock()
	if b.stopped.Swap(true) {
		b.mu.Unlock()
		return
	}
	entries := *b.entries.Swap(&[]*tapEntry{})
	b.mu.Unlock()

	for _, e := range entries {
		e.w.Close()
	}
	b.log.Info("broadcaster stopped", "closedTaps", len(entries), "frames", b.frames.Load())
}

// Stopped reports whether Stop has been called.
func (b *Broadcaster) Stopped() bool {
	return b.stopped.Load()
}

// TapCount returns the number of registered taps.
func (b *Broadcaster) TapCount() int {
	return len(*b.entries.Load())
}

// Stats returns a point-in-time summary of the broadcaster.
func (b *Broadcaster) Stats() BroadcasterStats {
	return BroadcasterStats{
		Name:       b.name,
		Format:     b.format,
		Frames:     b.frames.Load(),
		Bytes:      b.bytes.Load(),
		IdleFrames: b.idleFrames.Load(),
		Evictions:  b.evictions.Load(),
		TapCount:   b.TapCount(),
		Stopped:    b.stopped.Load(),
		UptimeMs:   time.Since(b.created).Milliseconds(),
	}
}

// TapStatsAll returns delivery stats for every registered tap.
func (b *Broadcaster) TapStatsAll() []TapStats {
	entries := *b.entries.Load()
	stats := make([]TapStats, 0, len(entries))
	for _, e := range entries {
		stats = append(stats, TapStats{
			ID:         e.id,
			Capacity:   e.capacity,
			Buffered:   e.w.Buffered(),
			FramesSent: e.frames.Load(),
			BytesSent:  e.bytes.Load(),
			AgeMs:      time.Since(e.created).Milliseconds(),
		})
	}
	return stats
}
