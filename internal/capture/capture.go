// Package capture provides the raw PCM sources that feed a pipeline: a
// PortAudio input device, a decoded MP3 file, a synthetic tone and any
// io.Reader carrying s16le PCM (for example `arecord -t raw`).
//
// Every source delivers signed 16-bit little-endian interleaved frames to
// a single callback from a single goroutine.
package capture

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/vinylcast/internal/media"
)

// DefaultFramesPerBuffer is the number of PCM frames delivered per callback.
const DefaultFramesPerBuffer = 1024

// Sentinel errors for capture sources.
var (
	ErrUnsupported    = errors.New("capture: not supported in this build")
	ErrAlreadyStarted = errors.New("capture: already started")
	ErrDeviceNotFound = errors.New("capture: input device not found")
)

// Source produces raw PCM frames.
type Source interface {
	// Name identifies the source in logs and stats.
	Name() string
	// Format is the PCM format of delivered frames. It is known before
	// Start.
	Format() media.AudioFormat
	// Start begins delivery to onFrame from a dedicated goroutine. The
	// frame slice is reused after onFrame returns. onFrame must not call
	// Stop.
	Start(onFrame func(frame []byte)) error
	// Stop ends delivery and waits for the delivery goroutine. It is
	// idempotent and safe before Start.
	Stop() error
	// Done is closed when delivery has ended, by Stop or by the source
	// running out.
	Done() <-chan struct{}
	// Err reports why delivery ended on its own; nil for a clean end or
	// after Stop.
	Err() error
}

// lifecycle is the start/stop bookkeeping shared by the sources.
type lifecycle struct {
	started  atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	mu  sync.Mutex
	err error
}

func newLifecycle() *lifecycle {
	return &lifecycle{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

func (l *lifecycle) begin() error {
	if !l.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	return nil
}

// run executes loop on its own goroutine and records how it ended.
func (l *lifecycle) run(loop func(stop <-chan struct{}) error) {
	go func() {
		l.finish(loop(l.stop))
	}()
}

func (l *lifecycle) finish(err error) {
	l.mu.Lock()
	l.err = err
	l.mu.Unlock()
	close(l.done)
}

// signal asks the delivery loop to end without waiting for it.
func (l *lifecycle) signal() {
	l.stopOnce.Do(func() { close(l.stop) })
}

func (l *lifecycle) Stop() error {
	l.signal()
	if l.started.CompareAndSwap(false, true) {
		close(l.done)
		return nil
	}
	<-l.done
	return nil
}

func (l *lifecycle) Done() <-chan struct{} {
	return l.done
}

func (l *lifecycle) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// pacer throttles delivery to real time against a fixed start, so a long
// run does not drift.
type pacer struct {
	start       time.Time
	bytesPerSec float64
	sent        int64
}

func newPacer(f media.AudioFormat) *pacer {
	return &pacer{start: time.Now(), bytesPerSec: float64(f.BytesPerSecond())}
}

// wait records n delivered bytes and sleeps until they are due. It returns
// false if stop closes first.
func (p *pacer) wait(n int, stop <-chan struct{}) bool {
	p.sent += int64(n)
	due := p.start.Add(time.Duration(float64(p.sent) / p.bytesPerSec * float64(time.Second)))
	d := time.Until(due)
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-stop:
		return false
	}
}

func stopped(stop <-chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

// PortAudioConfig configures a PortAudio source.
type PortAudioConfig struct {
	// Device is the PortAudio device name; empty selects the default input.
	Device          string
	SampleRate      int
	Channels        int
	FramesPerBuffer int
	Logger          *slog.Logger
}

func (c PortAudioConfig) withDefaults() PortAudioConfig {
	if c.SampleRate <= 0 {
		c.SampleRate = 44100
	}
	if c.Channels <= 0 {
		c.Channels = 2
	}
	if c.FramesPerBuffer <= 0 {
		c.FramesPerBuffer = DefaultFramesPerBuffer
	}
	return c
}
