// Package visualizer turns a raw PCM tap into coarse spectrum levels for a
// live level meter. Each window of samples is reduced to a handful of
// frequency bins plus peak and RMS, and pushed to subscribers.
package visualizer

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"math"
	"math/cmplx"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mjibson/go-dsp/fft"
	"github.com/mjibson/go-dsp/window"

	"github.com/zsiec/vinylcast/internal/media"
	"github.com/zsiec/vinylcast/internal/tap"
)

// Defaults for Config.
const (
	DefaultWindowSize = 256
	DefaultBins       = 16
)

// Config configures a Visualizer.
type Config struct {
	// WindowSize is the number of mono samples per analysis; a power of two.
	WindowSize int
	// Bins is the number of output bands; must divide WindowSize/2.
	Bins   int
	Logger *slog.Logger
}

// Levels is one analysis result. Bins and Peak are normalized to full
// scale.
type Levels struct {
	Timestamp int64     `json:"ts"`
	Bins      []float64 `json:"bins"`
	Peak      float64   `json:"peak"`
	RMS       float64   `json:"rms"`
}

// Visualizer analyzes PCM and fans the results out, latest-wins, to any
// number of subscribers.
type Visualizer struct {
	log    *slog.Logger
	cfg    Config
	format media.AudioFormat
	hann   []float64

	mu     sync.Mutex
	subs   map[uint64]chan Levels
	nextID uint64

	latest  atomic.Pointer[Levels]
	windows atomic.Int64
}

// New returns a Visualizer for PCM in format f.
func New(f media.AudioFormat, cfg Config) *Visualizer {
	if cfg.WindowSize <= 0 || cfg.WindowSize&(cfg.WindowSize-1) != 0 {
		cfg.WindowSize = DefaultWindowSize
	}
	if cfg.Bins <= 0 || (cfg.WindowSize/2)%cfg.Bins != 0 {
		cfg.Bins = DefaultBins
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Visualizer{
		log:    log.With("component", "visualizer"),
		cfg:    cfg,
		format: f,
		hann:   window.Hann(cfg.WindowSize),
		subs:   make(map[uint64]chan Levels),
	}
}

// Run analyzes PCM from r until EOF or ctx is cancelled. If r is an
// io.Closer it is closed on cancellation so a blocked read returns.
func (v *Visualizer) Run(ctx context.Context, r io.Reader) error {
	if c, ok := r.(io.Closer); ok {
		stop := context.AfterFunc(ctx, func() { c.Close() })
		defer stop()
	}

	fs := v.format.FrameSize()
	buf := make([]byte, fs*v.cfg.WindowSize+fs)
	samples := make([]float64, 0, v.cfg.WindowSize)
	carry := 0
	for {
		n, err := r.Read(buf[carry:])
		n += carry
		whole := n - n%fs
		for i := 0; i < whole; i += fs {
			samples = append(samples, v.mono(buf[i:i+fs]))
			if len(samples) == v.cfg.WindowSize {
				v.publish(v.analyze(samples))
				samples = samples[:0]
			}
		}
		carry = copy(buf, buf[whole:n])

		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil || errors.Is(err, tap.ErrClosedTap) {
				v.log.Debug("visualizer stopped", "windows", v.windows.Load())
				return nil
			}
			return err
		}
	}
}

// mono averages one s16le frame across channels into [-1, 1).
func (v *Visualizer) mono(frame []byte) float64 {
	sum := 0.0
	for ch := 0; ch < v.format.Channels; ch++ {
		sum += float64(int16(binary.LittleEndian.Uint16(frame[2*ch:])))
	}
	return sum / float64(v.format.Channels) / 32768
}

func (v *Visualizer) analyze(samples []float64) Levels {
	n := len(samples)
	windowed := make([]float64, n)
	peak, sumSq := 0.0, 0.0
	for i, s := range samples {
		peak = math.Max(peak, math.Abs(s))
		sumSq += s * s
		windowed[i] = s * v.hann[i]
	}
	spectrum := fft.FFTReal(windowed)

	// A full-scale sine through a Hann window peaks at n/4.
	scale := float64(n) / 4
	per := n / 2 / v.cfg.Bins
	bins := make([]float64, v.cfg.Bins)
	for b := range bins {
		for k := 1 + b*per; k <= (b+1)*per; k++ {
			bins[b] = math.Max(bins[b], cmplx.Abs(spectrum[k])/scale)
		}
		bins[b] = math.Min(bins[b], 1)
	}
	return Levels{
		Timestamp: time.Now().UnixMilli(),
		Bins:      bins,
		Peak:      peak,
		RMS:       math.Sqrt(sumSq / float64(n)),
	}
}

func (v *Visualizer) publish(l Levels) {
	v.windows.Add(1)
	v.latest.Store(&l)

	v.mu.Lock()
	defer v.mu.Unlock()
	for _, ch := range v.subs {
		select {
		case ch <- l:
		default:
			// Replace the stale value so slow subscribers see the newest.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- l:
			default:
			}
		}
	}
}

// Subscribe returns a channel carrying the most recent Levels and a func
// that unsubscribes and closes the channel.
func (v *Visualizer) Subscribe() (<-chan Levels, func()) {
	ch := make(chan Levels, 1)
	v.mu.Lock()
	id := v.nextID
	v.nextID++
	v.subs[id] = ch
	v.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			v.mu.Lock()
			delete(v.subs, id)
			close(ch)
			v.mu.Unlock()
		})
	}
}

// Latest returns the most recent analysis, if any.
func (v *Visualizer) Latest() (Levels, bool) {
	l := v.latest.Load()
	if l == nil {
		return Levels{}, false
	}
	return *l, true
}

// Subscribers returns the number of active subscribers.
func (v *Visualizer) Subscribers() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.subs)
}
