// Package pipeline wires one capture source to its distribution: raw PCM
// fans out through a broadcaster, one tap of which feeds the AAC encoder,
// whose ADTS output fans out through a second broadcaster.
//
//	source -> raw broadcaster -+-> raw taps (WAV, SRT, visualizer)
//	                           +-> encoder -> pump -> encoded broadcaster -> AAC taps
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/vinylcast/internal/aacenc"
	"github.com/zsiec/vinylcast/internal/adts"
	"github.com/zsiec/vinylcast/internal/capture"
	"github.com/zsiec/vinylcast/internal/distribution"
	"github.com/zsiec/vinylcast/internal/media"
)

// DefaultEncoderInputCapacity buffers ~1.5s of 44.1 kHz stereo ahead of
// the encoder so codec hiccups do not get its tap evicted.
const DefaultEncoderInputCapacity = 256 << 10

// Sentinel errors for pipeline operations.
var (
	ErrEncodingDisabled = errors.New("pipeline: encoding disabled")
	ErrAlreadyStarted   = errors.New("pipeline: already started")
	ErrNotStarted       = errors.New("pipeline: not started")
)

// Config configures a Pipeline.
type Config struct {
	// Encode enables the AAC encoder and the encoded broadcaster.
	Encode bool
	// NewCodec builds the codec for the session; nil selects ffmpeg.
	NewCodec func() aacenc.Codec
	// Encoder settings; Format is always taken from the source.
	Encoder              aacenc.Config
	EncoderInputCapacity int
	// WriteTimeout bounds each per-tap write in both broadcasters.
	WriteTimeout time.Duration
	Logger       *slog.Logger
}

// Pipeline runs capture, fan-out and encoding for a single stream.
type Pipeline struct {
	log       *slog.Logger
	streamKey string
	source    capture.Source
	cfg       Config

	raw     *distribution.Broadcaster
	encoded *distribution.Broadcaster
	encoder *aacenc.Encoder

	started   atomic.Bool
	startTime time.Time
	cancel    context.CancelFunc
	done      chan struct{}
	err       error

	captureFrames    atomic.Int64
	captureBytes     atomic.Int64
	encodedForwarded atomic.Int64

	stopOnce sync.Once
}

// New creates a Pipeline. Taps may be requested before Start; they receive
// frames from the first captured buffer on.
func New(streamKey string, source capture.Source, cfg Config) *Pipeline {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("stream", streamKey)
	if cfg.EncoderInputCapacity <= 0 {
		cfg.EncoderInputCapacity = DefaultEncoderInputCapacity
	}
	if cfg.NewCodec == nil {
		cfg.NewCodec = func() aacenc.Codec {
			return aacenc.NewFFmpegCodec(aacenc.FFmpegOptions{Logger: log})
		}
	}

	format := source.Format()
	p := &Pipeline{
		log:       log,
		streamKey: streamKey,
		source:    source,
		cfg:       cfg,
		done:      make(chan struct{}),
		raw: distribution.NewBroadcaster(distribution.BroadcasterConfig{
			Name:         "raw",
			Format:       format,
			WriteTimeout: cfg.WriteTimeout,
			Logger:       log,
		}),
	}
	if cfg.Encode {
		bitRate := cfg.Encoder.BitRate
		if bitRate == 0 {
			bitRate = aacenc.DefaultBitRate
		}
		p.encoded = distribution.NewBroadcaster(distribution.BroadcasterConfig{
			Name: "aac",
			Format: media.AudioFormat{
				SampleRate: format.SampleRate,
				Channels:   format.Channels,
				BitRate:    bitRate,
				Encoding:   media.EncodingAACADTS,
			},
			WriteTimeout: cfg.WriteTimeout,
			Logger:       log,
		})
	}
	return p
}

// Key returns the stream key.
func (p *Pipeline) Key() string {
	return p.streamKey
}

// Format returns the raw capture format.
func (p *Pipeline) Format() media.AudioFormat {
	return p.source.Format()
}

// RawTap subscribes a consumer to raw PCM.
func (p *Pipeline) RawTap(capacity int) (*distribution.Tap, error) {
	return p.raw.RequestTap(capacity)
}

// EncodedTap subscribes a consumer to the ADTS stream.
func (p *Pipeline) EncodedTap(capacity int) (*distribution.Tap, error) {
	if p.encoded == nil {
		return nil, ErrEncodingDisabled
	}
	return p.encoded.RequestTap(capacity)
}

// Start sets up the encoder, starts capture and returns. Encoder setup
// failures are returned as *aacenc.InitError before capture starts. The
// pipeline runs until ctx is cancelled, Stop is called or the source ends.
func (p *Pipeline) Start(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	p.startTime = time.Now()

	if p.cfg.Encode {
		if err := p.startEncoder(); err != nil {
			p.abort(err)
			return err
		}
	}

	if err := p.source.Start(p.onFrame); err != nil {
		err = fmt.Errorf("start capture %s: %w", p.source.Name(), err)
		if p.encoder != nil {
			// A cancelled run releases the codec without encoding.
			cctx, cancel := context.WithCancel(context.Background())
			cancel()
			p.encoder.Run(cctx)
		}
		p.abort(err)
		return err
	}
	p.log.Info("pipeline started", "source", p.source.Name(), "format", p.source.Format().String(), "encode", p.cfg.Encode)

	ctx, p.cancel = context.WithCancel(ctx)
	var g errgroup.Group
	if p.encoder != nil {
		g.Go(func() error { return p.encoder.Run(ctx) })
		g.Go(p.pump)
	}
	g.Go(func() error {
		p.supervise(ctx)
		return nil
	})
	go func() {
		p.err = g.Wait()
		p.cancel()
		p.log.Info("pipeline stopped", "error", p.err, "captureBytes", p.captureBytes.Load())
		close(p.done)
	}()
	return nil
}

func (p *Pipeline) startEncoder() error {
	in, err := p.raw.RequestTap(p.cfg.EncoderInputCapacity)
	if err != nil {
		return fmt.Errorf("encoder input tap: %w", err)
	}
	encCfg := p.cfg.Encoder
	encCfg.Format = p.source.Format()
	if encCfg.Logger == nil {
		encCfg.Logger = p.log
	}
	enc, err := aacenc.New(p.cfg.NewCodec(), in.Reader, encCfg)
	if err != nil {
		in.Close()
		return err
	}
	p.encoder = enc
	return nil
}

// abort finalizes a pipeline that failed to start.
func (p *Pipeline) abort(err error) {
	p.raw.Stop()
	if p.encoded != nil {
		p.encoded.Stop()
	}
	p.err = err
	p.cancel = func() {}
	close(p.done)
}

func (p *Pipeline) onFrame(frame []byte) {
	p.captureFrames.Add(1)
	p.captureBytes.Add(int64(len(frame)))
	p.raw.OnFrame(frame)
}

// supervise waits for the source to end or the context to be cancelled,
// then shuts capture and raw fan-out down. Closing the raw taps is what
// lets the encoder drain to end of stream.
func (p *Pipeline) supervise(ctx context.Context) {
	select {
	case <-ctx.Done():
		p.log.Debug("pipeline cancelled")
	case <-p.source.Done():
		if err := p.source.Err(); err != nil {
			p.log.Error("capture failed", "source", p.source.Name(), "error", err)
		} else {
			p.log.Info("capture ended", "source", p.source.Name())
		}
	}
	if err := p.source.Stop(); err != nil {
		p.log.Warn("capture stop", "error", err)
	}
	p.raw.Stop()
}

// pump forwards ADTS frames from the encoder output to the encoded
// broadcaster, one frame per OnFrame call, until the encoder stops.
func (p *Pipeline) pump() error {
	defer p.encoded.Stop()

	r := adts.NewReader(p.encoder.Output())
	for {
		frame, err := r.ReadFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				p.log.Warn("encoder output ended mid-frame", "error", err)
			}
			return nil
		}
		p.encoded.OnFrame(frame)
		p.encodedForwarded.Add(1)
	}
}

// Run starts the pipeline and blocks until it has fully stopped.
func (p *Pipeline) Run(ctx context.Context) error {
	if err := p.Start(ctx); err != nil {
		return err
	}
	return p.Wait()
}

// Wait blocks until the pipeline has stopped and returns the encoder's
// fatal error, if any.
func (p *Pipeline) Wait() error {
	if !p.started.Load() {
		return ErrNotStarted
	}
	<-p.done
	return p.err
}

// Done is closed once the pipeline has fully stopped.
func (p *Pipeline) Done() <-chan struct{} {
	return p.done
}

// Stop ends capture. Buffered audio still drains through the encoder, so
// AAC listeners receive the tail of the stream before EOF.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		if err := p.source.Stop(); err != nil {
			p.log.Warn("capture stop", "error", err)
		}
	})
}

// StreamSnapshot returns a point-in-time view of the stream's health.
func (p *Pipeline) StreamSnapshot() distribution.StreamSnapshot {
	var uptime time.Duration
	if p.started.Load() {
		uptime = time.Since(p.startTime)
	}
	snap := distribution.StreamSnapshot{
		Timestamp:     time.Now().UnixMilli(),
		Key:           p.streamKey,
		UptimeMs:      uptime.Milliseconds(),
		Source:        p.source.Name(),
		Format:        p.source.Format(),
		CaptureFrames: p.captureFrames.Load(),
		CaptureBytes:  p.captureBytes.Load(),
		Raw:           p.raw.Stats(),
		RawTaps:       p.raw.TapStatsAll(),
	}
	if s := uptime.Seconds(); s > 0 {
		snap.CaptureKbps = float64(snap.CaptureBytes) * 8 / s / 1000
	}
	if p.encoded != nil {
		es := p.encoded.Stats()
		snap.Encoded = &es
		snap.EncodedTaps = p.encoded.TapStatsAll()
	}
	if p.encoder != nil {
		s := p.encoder.Stats()
		snap.Encoder = &distribution.EncoderStats{
			Codec:          s.Codec,
			State:          s.State.String(),
			BytesSubmitted: s.BytesSubmitted,
			BytesEmitted:   s.BytesEmitted,
			AccessUnits:    s.AccessUnits,
			InputExhausted: s.InputExhausted,
			Ratio:          s.Ratio(),
		}
	}
	return snap
}
