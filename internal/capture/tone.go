package capture

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/zsiec/vinylcast/internal/media"
)

// ToneConfig configures a Tone source.
type ToneConfig struct {
	SampleRate      int
	Channels        int
	Frequency       float64
	Amplitude       float64 // 0..1 of full scale
	FramesPerBuffer int
	// Duration limits the tone; zero runs until Stop.
	Duration time.Duration
	// Unpaced delivers as fast as the consumer accepts instead of in
	// real time.
	Unpaced bool
}

// Tone is a Source generating a sine wave, used for soak tests and for
// checking a listening setup without a turntable attached.
type Tone struct {
	*lifecycle
	cfg    ToneConfig
	format media.AudioFormat
}

// NewTone returns a Tone source. Zero fields default to 44.1 kHz stereo
// 440 Hz at half scale.
func NewTone(cfg ToneConfig) *Tone {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 44100
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 2
	}
	if cfg.Frequency <= 0 {
		cfg.Frequency = 440
	}
	if cfg.Amplitude <= 0 || cfg.Amplitude > 1 {
		cfg.Amplitude = 0.5
	}
	if cfg.FramesPerBuffer <= 0 {
		cfg.FramesPerBuffer = DefaultFramesPerBuffer
	}
	return &Tone{
		lifecycle: newLifecycle(),
		cfg:       cfg,
		format:    media.PCM(cfg.SampleRate, cfg.Channels),
	}
}

func (t *Tone) Name() string {
	return fmt.Sprintf("tone:%gHz", t.cfg.Frequency)
}

func (t *Tone) Format() media.AudioFormat {
	return t.format
}

func (t *Tone) Start(onFrame func([]byte)) error {
	if err := t.begin(); err != nil {
		return err
	}
	t.run(func(stop <-chan struct{}) error {
		limit := -1
		if t.cfg.Duration > 0 {
			limit = int(t.cfg.Duration.Seconds() * float64(t.cfg.SampleRate))
		}
		p := newPacer(t.format)
		buf := make([]byte, t.cfg.FramesPerBuffer*t.format.FrameSize())
		for pos := 0; limit < 0 || pos < limit; {
			if stopped(stop) {
				return nil
			}
			n := t.cfg.FramesPerBuffer
			if limit >= 0 {
				n = min(n, limit-pos)
			}
			frame := buf[:n*t.format.FrameSize()]
			SineInto(frame, t.format, t.cfg.Frequency, t.cfg.Amplitude, pos)
			onFrame(frame)
			pos += n
			if !t.cfg.Unpaced && !p.wait(len(frame), stop) {
				return nil
			}
		}
		return nil
	})
	return nil
}

// SineInto fills dst with whole s16le frames of a sine wave starting at
// frame index startFrame. Every channel carries the same signal.
func SineInto(dst []byte, f media.AudioFormat, freq, amplitude float64, startFrame int) {
	fs := f.FrameSize()
	for i := 0; i+fs <= len(dst); i += fs {
		n := startFrame + i/fs
		v := int16(math.Sin(2*math.Pi*freq*float64(n)/float64(f.SampleRate)) * amplitude * math.MaxInt16)
		for ch := 0; ch < f.Channels; ch++ {
			binary.LittleEndian.PutUint16(dst[i+2*ch:], uint16(v))
		}
	}
}
