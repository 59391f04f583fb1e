package srt

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/zsiec/vinylcast/internal/distribution"
	"github.com/zsiec/vinylcast/internal/media"
)

func TestParseStreamID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		streamID string
		kind     string
		key      string
		wantErr  bool
	}{
		{name: "bare key", streamID: "deck", kind: KindAAC, key: "deck"},
		{name: "aac prefix", streamID: "aac/deck", kind: KindAAC, key: "deck"},
		{name: "pcm prefix", streamID: "pcm/deck", kind: KindPCM, key: "deck"},
		{name: "leading slash", streamID: "/pcm/deck", kind: KindPCM, key: "deck"},
		{name: "live prefix", streamID: "live/deck", kind: KindAAC, key: "deck"},
		{name: "unknown kind", streamID: "flac/deck", wantErr: true},
		{name: "empty key", streamID: "aac/", wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			kind, key, err := parseStreamID(tc.streamID)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("parseStreamID(%q) = %q, %q; want error", tc.streamID, kind, key)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseStreamID(%q): %v", tc.streamID, err)
			}
			if kind != tc.kind || key != tc.key {
				t.Errorf("parseStreamID(%q) = %q, %q; want %q, %q", tc.streamID, kind, key, tc.kind, tc.key)
			}
		})
	}
}

type recordingWriter struct {
	writes [][]byte
	failAt int
}

func (w *recordingWriter) Write(p []byte) (int, error) {
	if w.failAt > 0 && len(w.writes) == w.failAt {
		return 0, errors.New("connection reset")
	}
	w.writes = append(w.writes, bytes.Clone(p))
	return len(p), nil
}

func TestCopyChunked(t *testing.T) {
	t.Parallel()

	data := bytes.Repeat([]byte("vinyl"), 2000) // 10000 bytes
	w := &recordingWriter{}
	var counted int
	n, err := copyChunked(w, bytes.NewReader(data), func(m int) { counted += m })
	if err != nil {
		t.Fatalf("copyChunked: %v", err)
	}
	if n != int64(len(data)) || counted != len(data) {
		t.Errorf("copied %d (counted %d), want %d", n, counted, len(data))
	}

	var joined []byte
	for _, p := range w.writes {
		if len(p) > maxPayload {
			t.Fatalf("write of %d bytes exceeds %d", len(p), maxPayload)
		}
		joined = append(joined, p...)
	}
	if !bytes.Equal(joined, data) {
		t.Error("reassembled data differs")
	}
}

func TestCopyChunkedErrors(t *testing.T) {
	t.Parallel()

	w := &recordingWriter{failAt: 1}
	_, err := copyChunked(w, bytes.NewReader(make([]byte, 4*maxPayload)), nil)
	if err == nil || !strings.Contains(err.Error(), "reset") {
		t.Errorf("write failure err = %v", err)
	}

	readErr := errors.New("tap gone")
	_, err = copyChunked(io.Discard, iotest.ErrReader(readErr), nil)
	if !errors.Is(err, readErr) {
		t.Errorf("read failure err = %v, want %v", err, readErr)
	}
}

type fakeStream struct {
	raw *distribution.Broadcaster
	enc *distribution.Broadcaster
}

func newFakeStream() *fakeStream {
	f := media.PCM(44100, 2)
	ef := f
	ef.Encoding = media.EncodingAACADTS
	return &fakeStream{
		raw: distribution.NewBroadcaster(distribution.BroadcasterConfig{Name: "raw", Format: f}),
		enc: distribution.NewBroadcaster(distribution.BroadcasterConfig{Name: "aac", Format: ef}),
	}
}

func (f *fakeStream) RawTap(c int) (*distribution.Tap, error)     { return f.raw.RequestTap(c) }
func (f *fakeStream) EncodedTap(c int) (*distribution.Tap, error) { return f.enc.RequestTap(c) }

func streamsOf(m map[string]*fakeStream) Streams {
	return StreamsFunc(func(key string) (TapSource, bool) {
		s, ok := m[key]
		return s, ok
	})
}

func TestOpenTapSelectsKind(t *testing.T) {
	t.Parallel()

	s := newFakeStream()
	pcm, err := openTap(s, KindPCM, 1024)
	if err != nil {
		t.Fatal(err)
	}
	defer pcm.Close()
	aac, err := openTap(s, KindAAC, 1024)
	if err != nil {
		t.Fatal(err)
	}
	defer aac.Close()

	if pcm.Format.Encoding != media.EncodingRawPCM {
		t.Errorf("pcm tap encoding = %v", pcm.Format.Encoding)
	}
	if aac.Format.Encoding != media.EncodingAACADTS {
		t.Errorf("aac tap encoding = %v", aac.Format.Encoding)
	}
	if s.raw.TapCount() != 1 || s.enc.TapCount() != 1 {
		t.Errorf("tap counts raw=%d enc=%d, want 1 each", s.raw.TapCount(), s.enc.TapCount())
	}
}

func TestServerAccept(t *testing.T) {
	t.Parallel()

	srv := NewServer(":0", streamsOf(map[string]*fakeStream{"deck": newFakeStream()}), nil)
	for id, want := range map[string]bool{
		"deck":      true,
		"pcm/deck":  true,
		"aac/other": false,
		"ogg/deck":  false,
		"":          false,
	} {
		if got := srv.accept(id); got != want {
			t.Errorf("accept(%q) = %v, want %v", id, got, want)
		}
	}
}

func TestCallerValidation(t *testing.T) {
	t.Parallel()

	c := NewCaller(streamsOf(map[string]*fakeStream{"deck": newFakeStream()}), nil)
	ctx := context.Background()

	tests := []struct {
		name string
		req  distribution.SRTPushRequest
		want error
	}{
		{name: "missing address", req: distribution.SRTPushRequest{StreamKey: "deck"}},
		{name: "missing key", req: distribution.SRTPushRequest{Address: "127.0.0.1:9000"}},
		{name: "bad kind", req: distribution.SRTPushRequest{Address: "127.0.0.1:9000", StreamKey: "deck", Kind: "ogg"}, want: ErrUnknownKind},
		{name: "unknown stream", req: distribution.SRTPushRequest{Address: "127.0.0.1:9000", StreamKey: "nope"}, want: distribution.ErrStreamNotFound},
	}
	for _, tc := range tests {
		err := c.Push(ctx, tc.req)
		if err == nil {
			t.Errorf("%s: expected error", tc.name)
			continue
		}
		if tc.want != nil && !errors.Is(err, tc.want) {
			t.Errorf("%s: err = %v, want %v", tc.name, err, tc.want)
		}
	}

	if err := c.Stop("deck"); err == nil {
		t.Error("Stop with no active push should fail")
	}
	if got := c.ActivePushes(); len(got) != 0 {
		t.Errorf("ActivePushes = %v, want empty", got)
	}
	c.StopAll()
}
