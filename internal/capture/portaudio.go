//go:build cgo

package capture

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gordonklaus/portaudio"

	"github.com/zsiec/vinylcast/internal/media"
)

// maxConsecutiveReadErrors ends capture when the device keeps failing.
const maxConsecutiveReadErrors = 50

// PortAudio is a Source reading from a PortAudio input device, typically
// the USB interface a turntable preamp is plugged into.
type PortAudio struct {
	*lifecycle
	log    *slog.Logger
	cfg    PortAudioConfig
	format media.AudioFormat
	stream *portaudio.Stream
	buf    []int16
}

// NewPortAudio returns a PortAudio source. The device is opened by Start.
func NewPortAudio(cfg PortAudioConfig) *PortAudio {
	cfg = cfg.withDefaults()
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &PortAudio{
		lifecycle: newLifecycle(),
		log:       log.With("component", "capture", "source", "portaudio"),
		cfg:       cfg,
		format:    media.PCM(cfg.SampleRate, cfg.Channels),
		buf:       make([]int16, cfg.FramesPerBuffer*cfg.Channels),
	}
}

func (p *PortAudio) Name() string {
	if p.cfg.Device != "" {
		return "portaudio:" + p.cfg.Device
	}
	return "portaudio:default"
}

func (p *PortAudio) Format() media.AudioFormat {
	return p.format
}

func (p *PortAudio) open() (*portaudio.Stream, error) {
	if p.cfg.Device == "" {
		return portaudio.OpenDefaultStream(p.cfg.Channels, 0, float64(p.cfg.SampleRate), p.cfg.FramesPerBuffer, p.buf)
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	for _, d := range devices {
		if d.Name != p.cfg.Device || d.MaxInputChannels < p.cfg.Channels {
			continue
		}
		params := portaudio.LowLatencyParameters(d, nil)
		params.Input.Channels = p.cfg.Channels
		params.SampleRate = float64(p.cfg.SampleRate)
		params.FramesPerBuffer = p.cfg.FramesPerBuffer
		return portaudio.OpenStream(params, p.buf)
	}
	return nil, fmt.Errorf("%w: %q with %d input channels", ErrDeviceNotFound, p.cfg.Device, p.cfg.Channels)
}

// Start initializes PortAudio, opens the device and starts reading. Open
// failures are returned synchronously.
func (p *PortAudio) Start(onFrame func([]byte)) error {
	if err := p.begin(); err != nil {
		return err
	}
	if err := portaudio.Initialize(); err != nil {
		err = fmt.Errorf("portaudio init: %w", err)
		p.finish(err)
		return err
	}
	stream, err := p.open()
	if err == nil {
		err = stream.Start()
		if err != nil {
			stream.Close()
		}
	}
	if err != nil {
		portaudio.Terminate()
		err = fmt.Errorf("portaudio open: %w", err)
		p.finish(err)
		return err
	}
	p.stream = stream
	p.log.Info("capture started", "device", p.Name(), "format", p.format.String(), "framesPerBuffer", p.cfg.FramesPerBuffer)

	p.run(func(stop <-chan struct{}) error {
		defer func() {
			p.stream.Stop()
			p.stream.Close()
			portaudio.Terminate()
		}()

		frame := make([]byte, len(p.buf)*2)
		failures := 0
		for !stopped(stop) {
			if err := p.stream.Read(); err != nil {
				if errors.Is(err, portaudio.InputOverflowed) {
					p.log.Debug("input overflowed")
				} else {
					failures++
					p.log.Warn("capture read failed", "error", err, "consecutive", failures)
					if failures >= maxConsecutiveReadErrors {
						return fmt.Errorf("portaudio read: %w", err)
					}
					continue
				}
			}
			failures = 0
			for i, s := range p.buf {
				binary.LittleEndian.PutUint16(frame[2*i:], uint16(s))
			}
			onFrame(frame)
		}
		return nil
	})
	return nil
}
