package srt

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/zsiec/vinylcast/internal/distribution"
)

// Stream kinds.
const (
	KindAAC = "aac"
	KindPCM = "pcm"
)

// maxPayload is the largest SRT live-mode message. Writes are split so no
// message exceeds it.
const maxPayload = 1316

// srtLatencyNs is the SRT latency setting in nanoseconds (120ms).
const srtLatencyNs = 120_000_000

// ErrUnknownKind is returned for a stream ID whose kind is not aac or pcm.
var ErrUnknownKind = errors.New("srt: unknown stream kind")

// Streams gives the SRT egress access to live streams by key.
type Streams interface {
	Lookup(key string) (TapSource, bool)
}

// TapSource hands out taps on one stream's raw and encoded broadcasters.
type TapSource interface {
	RawTap(capacity int) (*distribution.Tap, error)
	EncodedTap(capacity int) (*distribution.Tap, error)
}

// StreamsFunc adapts a function to Streams.
type StreamsFunc func(key string) (TapSource, bool)

// Lookup calls f.
func (f StreamsFunc) Lookup(key string) (TapSource, bool) { return f(key) }

// parseStreamID splits an SRT stream ID into kind and key.
func parseStreamID(streamID string) (kind, key string, err error) {
	streamID = strings.TrimPrefix(streamID, "/")
	kind, key, found := strings.Cut(streamID, "/")
	if !found {
		return KindAAC, streamID, nil
	}
	switch kind {
	case KindAAC, KindPCM:
	case "live":
		kind = KindAAC
	default:
		return "", "", fmt.Errorf("%w %q", ErrUnknownKind, kind)
	}
	if key == "" {
		return "", "", errors.New("srt: empty stream key")
	}
	return kind, key, nil
}

func openTap(src TapSource, kind string, capacity int) (*distribution.Tap, error) {
	if kind == KindPCM {
		return src.RawTap(capacity)
	}
	return src.EncodedTap(capacity)
}

// copyChunked forwards everything from r to w in writes of at most
// maxPayload bytes. It returns the bytes written and the error that ended
// the copy; io.EOF from r is reported as nil.
func copyChunked(w io.Writer, r io.Reader, sent func(int)) (int64, error) {
	buf := make([]byte, maxPayload*8)
	var total int64
	for {
		n, rerr := r.Read(buf)
		for i := 0; i < n; i += maxPayload {
			end := min(i+maxPayload, n)
			m, err := w.Write(buf[i:end])
			total += int64(m)
			if sent != nil {
				sent(m)
			}
			if err != nil {
				return total, err
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return total, nil
			}
			return total, rerr
		}
	}
}
