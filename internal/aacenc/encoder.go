package aacenc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/zsiec/vinylcast/internal/adts"
	"github.com/zsiec/vinylcast/internal/media"
	"github.com/zsiec/vinylcast/internal/tap"
)

// Defaults applied by New for zero Config fields.
const (
	DefaultBitRate            = 192000
	DefaultCodecTimeout       = 10 * time.Millisecond
	DefaultOutputCapacity     = 64 << 10
	DefaultOutputWriteTimeout = time.Second
)

// ratioTolerance is how far the emitted/submitted byte ratio may stray from
// the configured compression ratio before a warning is logged.
const ratioTolerance = 0.10

// Config configures an encoding session.
type Config struct {
	// Format is the raw PCM format of the input tap.
	Format  media.AudioFormat
	BitRate int
	// Profile is the AAC audio object type; zero selects AAC-LC.
	Profile int
	// SampleRateIndex and ChannelConfig override the ADTS header fields.
	// Zero derives them from Format; a non-zero value must agree with it.
	SampleRateIndex int
	ChannelConfig   int
	// CodecTimeout bounds each dequeue and each input read.
	CodecTimeout       time.Duration
	OutputCapacity     int
	OutputWriteTimeout time.Duration
	Logger             *slog.Logger
}

// State is the lifecycle state of an encoding session.
type State int32

const (
	StateStarting State = iota
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// SessionStats is a snapshot of encoder progress.
type SessionStats struct {
	Codec          string
	State          State
	BytesSubmitted int64
	BytesEmitted   int64
	AccessUnits    int64
	InputExhausted bool
}

// Ratio is emitted payload bytes over submitted raw bytes, or 0 before any
// input was submitted.
func (s SessionStats) Ratio() float64 {
	if s.BytesSubmitted == 0 {
		return 0
	}
	return float64(s.BytesEmitted) / float64(s.BytesSubmitted)
}

// Encoder runs one encoding session: raw PCM from an input tap through a
// Codec to ADTS frames on an output tap.
type Encoder struct {
	log     *slog.Logger
	codec   Codec
	cfg     Config
	input   *tap.Reader
	out     *tap.Writer
	output  *tap.Reader
	sri     int
	chanCfg int

	started  atomic.Bool
	state    atomic.Int32
	forceEOS bool // loop goroutine only

	bytesSubmitted atomic.Int64
	bytesEmitted   atomic.Int64
	accessUnits    atomic.Int64
	inputExhausted atomic.Bool
}

// New validates cfg, configures codec and allocates the output tap. On
// failure it releases the codec and returns an *InitError; the input tap
// is left to the caller.
func New(codec Codec, input *tap.Reader, cfg Config) (*Encoder, error) {
	cfg = withDefaults(cfg)
	e := &Encoder{
		log:   cfg.Logger.With("component", "encoder", "codec", codec.Name()),
		codec: codec,
		cfg:   cfg,
		input: input,
	}
	if err := e.init(); err != nil {
		if rerr := codec.Release(); rerr != nil {
			e.log.Warn("codec release after init failure", "error", rerr)
		}
		return nil, err
	}
	e.log.Info("encoder configured",
		"format", cfg.Format.String(),
		"bitRate", cfg.BitRate,
		"sampleRateIndex", e.sri,
		"channelConfig", e.chanCfg)
	return e, nil
}

func withDefaults(cfg Config) Config {
	if cfg.BitRate == 0 {
		cfg.BitRate = DefaultBitRate
	}
	if cfg.Profile == 0 {
		cfg.Profile = adts.ProfileAACLC
	}
	if cfg.CodecTimeout <= 0 {
		cfg.CodecTimeout = DefaultCodecTimeout
	}
	if cfg.OutputCapacity == 0 {
		cfg.OutputCapacity = DefaultOutputCapacity
	}
	if cfg.OutputWriteTimeout == 0 {
		cfg.OutputWriteTimeout = DefaultOutputWriteTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}

func (e *Encoder) init() error {
	f := e.cfg.Format
	if err := f.Validate(); err != nil {
		return &InitError{Op: "validate format", Err: err}
	}
	if f.Encoding != media.EncodingRawPCM {
		return &InitError{Op: "validate format", Err: fmt.Errorf("input must be raw PCM, got %s", f.Encoding)}
	}
	if e.cfg.BitRate < 0 {
		return &InitError{Op: "validate bit rate", Err: fmt.Errorf("negative bit rate %d", e.cfg.BitRate)}
	}

	sri, err := adts.SampleRateIndex(f.SampleRate)
	if err != nil {
		return &InitError{Op: "derive sample rate index", Err: err}
	}
	if e.cfg.SampleRateIndex != 0 && e.cfg.SampleRateIndex != sri {
		return &InitError{Op: "validate sample rate index", Err: fmt.Errorf(
			"index %d (%d Hz) does not match input rate %d Hz",
			e.cfg.SampleRateIndex, adts.SampleRate(e.cfg.SampleRateIndex), f.SampleRate)}
	}
	chanCfg, err := adts.ChannelConfig(f.Channels)
	if err != nil {
		return &InitError{Op: "derive channel config", Err: err}
	}
	if e.cfg.ChannelConfig != 0 && e.cfg.ChannelConfig != chanCfg {
		return &InitError{Op: "validate channel config", Err: fmt.Errorf(
			"config %d does not match %d input channels", e.cfg.ChannelConfig, f.Channels)}
	}
	if _, err := adts.BuildHeader(0, e.cfg.Profile, sri, chanCfg); err != nil {
		return &InitError{Op: "validate profile", Err: err}
	}
	e.sri, e.chanCfg = sri, chanCfg

	r, w, err := tap.New(e.cfg.OutputCapacity)
	if err != nil {
		return &InitError{Op: "allocate output", Err: err}
	}

	err = e.codec.Configure(CodecConfig{
		SampleRate: f.SampleRate,
		Channels:   f.Channels,
		BitRate:    e.cfg.BitRate,
		Profile:    e.cfg.Profile,
	})
	if err != nil {
		w.Close()
		return &InitError{Op: "configure codec", Err: err}
	}
	e.output, e.out = r, w
	return nil
}

// Output returns the consumer end of the ADTS output. It reaches io.EOF
// once the session has stopped.
func (e *Encoder) Output() *tap.Reader {
	return e.output
}

// State returns the current lifecycle state.
func (e *Encoder) State() State {
	return State(e.state.Load())
}

// Stats returns a snapshot of session counters.
func (e *Encoder) Stats() SessionStats {
	return SessionStats{
		Codec:          e.codec.Name(),
		State:          e.State(),
		BytesSubmitted: e.bytesSubmitted.Load(),
		BytesEmitted:   e.bytesEmitted.Load(),
		AccessUnits:    e.accessUnits.Load(),
		InputExhausted: e.inputExhausted.Load(),
	}
}

// Run drives the codec until it reports end of stream, ctx is cancelled or
// a fatal error occurs. Input end of stream is propagated to the codec and
// its remaining output drained; cancellation stops at once. On return the
// codec is released, the input tap is closed and the output tap is closed
// so its reader sees io.EOF. A fatal error is returned as *RuntimeError.
func (e *Encoder) Run(ctx context.Context) (err error) {
	if !e.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	e.state.Store(int32(StateRunning))
	defer func() { e.finish(err) }()

	eosQueued := false
	for {
		if ctx.Err() != nil {
			e.log.Info("encoder cancelled", "state", e.State())
			return nil
		}

		if !eosQueued {
			eosQueued, err = e.feedInput()
			if err != nil {
				return err
			}
			if eosQueued {
				e.state.Store(int32(StateDraining))
			}
		}

		done, err := e.drainOutput()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// feedInput performs the input half of one loop iteration. It reports
// whether the end-of-stream marker has now been queued.
func (e *Encoder) feedInput() (bool, error) {
	slot, buf, err := e.codec.DequeueInput(e.cfg.CodecTimeout)
	if errors.Is(err, ErrTryAgain) {
		return false, nil
	}
	if err != nil {
		return false, &RuntimeError{Op: "dequeue input", Err: err}
	}
	if e.forceEOS {
		return true, e.queueEOS(slot)
	}

	e.input.SetReadDeadline(time.Now().Add(e.cfg.CodecTimeout))
	n, rerr := e.input.Read(buf)
	switch {
	case rerr == nil:
	case errors.Is(rerr, tap.ErrReadTimeout):
		n = 0
	case errors.Is(rerr, io.EOF):
		e.inputExhausted.Store(true)
		e.log.Debug("input exhausted, queueing end of stream")
		return true, e.queueEOS(slot)
	default:
		e.log.Warn("raw input read failed, queueing end of stream", "error", rerr)
		return true, e.queueEOS(slot)
	}

	// Zero-length submissions keep the slot cycling while capture is idle.
	if err := e.codec.QueueInput(slot, n, 0); err != nil {
		e.log.Warn("queue input failed, forcing end of stream", "error", err)
		e.forceEOS = true
		return false, nil
	}
	e.bytesSubmitted.Add(int64(n))
	return false, nil
}

func (e *Encoder) queueEOS(slot int) error {
	if err := e.codec.QueueInput(slot, 0, FlagEndOfStream); err != nil {
		return &RuntimeError{Op: "queue end of stream", Err: err}
	}
	return nil
}

// drainOutput performs the output half of one loop iteration. It reports
// whether the codec has signalled end of stream.
func (e *Encoder) drainOutput() (bool, error) {
	slot, info, err := e.codec.DequeueOutput(e.cfg.CodecTimeout)
	if errors.Is(err, ErrTryAgain) {
		return false, nil
	}
	if err != nil {
		return false, &RuntimeError{Op: "dequeue output", Err: err}
	}

	var emitErr error
	switch {
	case info.Flags&FlagCodecConfig != 0:
		e.log.Debug("skipping codec config buffer", "size", info.Size)
	case info.Size > 0:
		emitErr = e.emit(e.codec.OutputBuffer(slot)[:info.Size])
	}

	if err := e.codec.ReleaseOutput(slot); err != nil && emitErr == nil {
		emitErr = &RuntimeError{Op: "release output", Err: err}
	}
	if emitErr != nil {
		return false, emitErr
	}
	return info.Flags&FlagEndOfStream != 0, nil
}

// emit writes one ADTS frame carrying payload to the output tap.
func (e *Encoder) emit(payload []byte) error {
	hdr, err := adts.BuildHeader(len(payload), e.cfg.Profile, e.sri, e.chanCfg)
	if err != nil {
		return &RuntimeError{Op: "build adts header", Err: err}
	}
	frame := make([]byte, adts.HeaderSize+len(payload))
	copy(frame, hdr[:])
	copy(frame[adts.HeaderSize:], payload)

	if e.cfg.OutputWriteTimeout > 0 {
		e.out.SetWriteDeadline(time.Now().Add(e.cfg.OutputWriteTimeout))
	}
	if _, err := e.out.Write(frame); err != nil {
		return &RuntimeError{Op: "write output", Err: err}
	}
	e.bytesEmitted.Add(int64(len(payload)))
	e.accessUnits.Add(1)
	return nil
}

// finish tears the session down. It runs exactly once, on every exit path.
func (e *Encoder) finish(runErr error) {
	if err := e.codec.Release(); err != nil {
		e.log.Warn("codec release failed", "error", err)
	}
	e.input.Close()
	e.out.Close()
	e.state.Store(int32(StateStopped))

	e.checkRatio()
	s := e.Stats()
	if runErr != nil {
		e.log.Error("encoder aborted", "error", runErr,
			"submitted", s.BytesSubmitted, "emitted", s.BytesEmitted)
		return
	}
	e.log.Info("encoder stopped",
		"submitted", s.BytesSubmitted,
		"emitted", s.BytesEmitted,
		"accessUnits", s.AccessUnits)
}

// checkRatio warns when the achieved compression strays from the target.
func (e *Encoder) checkRatio() {
	s := e.Stats()
	if s.BytesSubmitted == 0 {
		return
	}
	desired := float64(e.cfg.BitRate) / float64(e.cfg.Format.PCMBitRate())
	actual := s.Ratio()
	if actual < desired*(1-ratioTolerance) || actual > desired*(1+ratioTolerance) {
		e.log.Warn("encoded byte ratio off target",
			"desired", desired,
			"actual", actual,
			"submitted", s.BytesSubmitted,
			"emitted", s.BytesEmitted)
	}
}
