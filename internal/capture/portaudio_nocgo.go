//go:build !cgo

package capture

import "github.com/zsiec/vinylcast/internal/media"

// PortAudio is unavailable without cgo; Start always fails.
type PortAudio struct {
	*lifecycle
	cfg PortAudioConfig
}

func NewPortAudio(cfg PortAudioConfig) *PortAudio {
	return &PortAudio{lifecycle: newLifecycle(), cfg: cfg.withDefaults()}
}

func (p *PortAudio) Name() string { return "portaudio:unavailable" }

func (p *PortAudio) Format() media.AudioFormat {
	return media.PCM(p.cfg.SampleRate, p.cfg.Channels)
}

func (p *PortAudio) Start(func([]byte)) error {
	return ErrUnsupported
}
