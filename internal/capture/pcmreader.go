package capture

import (
	"errors"
	"fmt"
	"io"

	"github.com/zsiec/vinylcast/internal/media"
)

// PCMReaderConfig configures a PCMReader.
type PCMReaderConfig struct {
	Name            string
	Format          media.AudioFormat
	FramesPerBuffer int
	// Paced throttles delivery to real time, for readers such as files
	// that would otherwise be drained at disk speed.
	Paced bool
}

// PCMReader is a Source reading s16le PCM from an io.Reader, such as the
// stdout of `arecord -f S16_LE -t raw`.
type PCMReader struct {
	*lifecycle
	r   io.Reader
	cfg PCMReaderConfig
}

// NewPCMReader returns a source reading from r. If r is an io.Closer it is
// closed when delivery ends.
func NewPCMReader(r io.Reader, cfg PCMReaderConfig) *PCMReader {
	if cfg.Name == "" {
		cfg.Name = "pcm"
	}
	if cfg.FramesPerBuffer <= 0 {
		cfg.FramesPerBuffer = DefaultFramesPerBuffer
	}
	return &PCMReader{lifecycle: newLifecycle(), r: r, cfg: cfg}
}

func (s *PCMReader) Name() string { return s.cfg.Name }

func (s *PCMReader) Format() media.AudioFormat { return s.cfg.Format }

func (s *PCMReader) Start(onFrame func([]byte)) error {
	if err := s.cfg.Format.Validate(); err != nil {
		return err
	}
	if err := s.begin(); err != nil {
		return err
	}
	s.run(func(stop <-chan struct{}) error {
		if c, ok := s.r.(io.Closer); ok {
			defer c.Close()
		}
		fs := s.cfg.Format.FrameSize()
		buf := make([]byte, s.cfg.FramesPerBuffer*fs)
		p := newPacer(s.cfg.Format)
		for !stopped(stop) {
			n, err := io.ReadFull(s.r, buf)
			// Deliver only whole frames; a trailing partial frame is noise.
			if n -= n % fs; n > 0 {
				onFrame(buf[:n])
				if s.cfg.Paced && !p.wait(n, stop) {
					return nil
				}
			}
			switch {
			case err == nil:
			case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
				return nil
			default:
				if stopped(stop) {
					return nil
				}
				return fmt.Errorf("read %s: %w", s.cfg.Name, err)
			}
		}
		return nil
	})
	return nil
}

// Stop ends delivery. The underlying reader is closed first when it is an
// io.Closer so a blocked read returns.
func (s *PCMReader) Stop() error {
	s.signal()
	if c, ok := s.r.(io.Closer); ok {
		c.Close()
	}
	return s.lifecycle.Stop()
}
