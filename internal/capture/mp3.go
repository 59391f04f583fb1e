package capture

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/hajimehoshi/go-mp3"

	"github.com/zsiec/vinylcast/internal/media"
)

// MP3Config configures an MP3File source.
type MP3Config struct {
	Path            string
	Loop            bool
	FramesPerBuffer int
	Logger          *slog.Logger
}

// MP3File is a Source decoding an MP3 file in real time. go-mp3 always
// decodes to 16-bit stereo, so the format is stereo at the file's rate.
type MP3File struct {
	*lifecycle
	log    *slog.Logger
	cfg    MP3Config
	f      *os.File
	dec    *mp3.Decoder
	format media.AudioFormat
}

// OpenMP3 opens and probes path. The file stays open until delivery ends.
func OpenMP3(cfg MP3Config) (*MP3File, error) {
	if cfg.FramesPerBuffer <= 0 {
		cfg.FramesPerBuffer = DefaultFramesPerBuffer
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	f, dec, err := openMP3(cfg.Path)
	if err != nil {
		return nil, err
	}
	return &MP3File{
		lifecycle: newLifecycle(),
		log:       log.With("component", "capture", "source", "mp3"),
		cfg:       cfg,
		f:         f,
		dec:       dec,
		format:    media.PCM(dec.SampleRate(), 2),
	}, nil
}

func openMP3(path string) (*os.File, *mp3.Decoder, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open mp3: %w", err)
	}
	dec, err := mp3.NewDecoder(f)
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("decode mp3 %s: %w", path, err)
	}
	return f, dec, nil
}

func (m *MP3File) Name() string {
	return "mp3:" + filepath.Base(m.cfg.Path)
}

func (m *MP3File) Format() media.AudioFormat {
	return m.format
}

func (m *MP3File) Start(onFrame func([]byte)) error {
	if err := m.begin(); err != nil {
		return err
	}
	m.run(func(stop <-chan struct{}) error {
		defer func() { m.f.Close() }()

		buf := make([]byte, m.cfg.FramesPerBuffer*m.format.FrameSize())
		p := newPacer(m.format)
		for loop := 1; ; loop++ {
			for {
				if stopped(stop) {
					return nil
				}
				n, err := io.ReadFull(m.dec, buf)
				if n > 0 {
					onFrame(buf[:n])
					if !p.wait(n, stop) {
						return nil
					}
				}
				if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
					break
				}
				if err != nil {
					return fmt.Errorf("decode %s: %w", m.cfg.Path, err)
				}
			}
			if !m.cfg.Loop {
				m.log.Info("mp3 finished", "path", m.cfg.Path)
				return nil
			}

			m.f.Close()
			f, dec, err := openMP3(m.cfg.Path)
			if err != nil {
				return err
			}
			if dec.SampleRate() != m.format.SampleRate {
				f.Close()
				return fmt.Errorf("mp3 %s changed sample rate on reopen", m.cfg.Path)
			}
			m.f, m.dec = f, dec
			m.log.Debug("mp3 looped", "path", m.cfg.Path, "loop", loop)
		}
	})
	return nil
}

// Stop ends delivery. Before Start it closes the file opened by OpenMP3.
func (m *MP3File) Stop() error {
	if !m.started.Load() {
		m.f.Close()
	}
	return m.lifecycle.Stop()
}
