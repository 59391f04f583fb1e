package adts

import (
	"bufio"
	"errors"
	"io"
)

// Reader reads whole ADTS frames from a byte stream, resynchronizing on the
// next sync word when it meets garbage.
type Reader struct {
	br      *bufio.Reader
	skipped int64
}

// NewReader returns a Reader over r.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, 2*maxFrameLength)}
}

// ReadFrame returns the next complete frame, header included, in a newly
// allocated slice. It returns io.EOF at a clean end of stream and
// io.ErrUnexpectedEOF if the stream ends inside a frame.
func (r *Reader) ReadFrame() ([]byte, error) {
	for {
		hdr, err := r.br.Peek(HeaderSize)
		if err != nil {
			if errors.Is(err, io.EOF) && len(hdr) > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		if !hasSync(hdr) || FrameLength(hdr) < headerLen(hdr) {
			r.br.Discard(1)
			r.skipped++
			continue
		}

		frame := make([]byte, FrameLength(hdr))
		if _, err := io.ReadFull(r.br, frame); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
		return frame, nil
	}
}

// Skipped reports how many bytes were discarded while searching for sync.
func (r *Reader) Skipped() int64 {
	return r.skipped
}
