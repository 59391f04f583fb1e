package adts

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func buildFrame(t *testing.T, payload []byte) []byte {
	t.Helper()
	h, err := BuildHeader(len(payload), ProfileAACLC, 4, 2)
	if err != nil {
		t.Fatalf("BuildHeader: %v", err)
	}
	return append(h[:], payload...)
}

func TestBuildHeaderKnownBytes(t *testing.T) {
	t.Parallel()

	h, err := BuildHeader(100, ProfileAACLC, 4, 2)
	if err != nil {
		t.Fatal(err)
	}
	want := [HeaderSize]byte{0xFF, 0xF9, 0x50, 0x80, 0x0D, 0x7F, 0xFC}
	if h != want {
		t.Errorf("header = % X, want % X", h, want)
	}
	if got := FrameLength(h[:]); got != 107 {
		t.Errorf("FrameLength = %d, want 107", got)
	}
}

func TestBuildHeaderLengthRoundTrip(t *testing.T) {
	t.Parallel()

	for n := 0; n <= MaxPayload; n++ {
		h, err := BuildHeader(n, ProfileAACLC, 3, 2)
		if err != nil {
			t.Fatalf("BuildHeader(%d): %v", n, err)
		}
		if got := FrameLength(h[:]); got != n+HeaderSize {
			t.Fatalf("payload %d: FrameLength = %d, want %d", n, got, n+HeaderSize)
		}
	}
}

func TestBuildHeaderRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name                         string
		payload, profile, sri, chans int
	}{
		{"negative payload", -1, 2, 4, 2},
		{"payload too large", MaxPayload + 1, 2, 4, 2},
		{"profile zero", 10, 0, 4, 2},
		{"profile five", 10, 5, 4, 2},
		{"reserved rate index", 10, 2, 13, 2},
		{"channel config", 10, 2, 4, 8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := BuildHeader(tt.payload, tt.profile, tt.sri, tt.chans)
			if !errors.Is(err, ErrInvalidHeaderParams) {
				t.Errorf("err = %v, want ErrInvalidHeaderParams", err)
			}
		})
	}
}

func TestSampleRateIndex(t *testing.T) {
	t.Parallel()

	tests := []struct {
		rate, idx int
	}{
		{96000, 0}, {48000, 3}, {44100, 4}, {22050, 7}, {7350, 12},
	}
	for _, tt := range tests {
		got, err := SampleRateIndex(tt.rate)
		if err != nil || got != tt.idx {
			t.Errorf("SampleRateIndex(%d) = %d, %v; want %d", tt.rate, got, err, tt.idx)
		}
		if SampleRate(tt.idx) != tt.rate {
			t.Errorf("SampleRate(%d) = %d", tt.idx, SampleRate(tt.idx))
		}
	}
	if _, err := SampleRateIndex(44000); !errors.Is(err, ErrInvalidHeaderParams) {
		t.Errorf("44000 err = %v", err)
	}
	if SampleRate(15) != 0 {
		t.Error("reserved index should map to 0")
	}
}

func TestChannelConfig(t *testing.T) {
	t.Parallel()

	if c, _ := ChannelConfig(2); c != 2 {
		t.Errorf("stereo = %d", c)
	}
	if c, _ := ChannelConfig(8); c != 7 {
		t.Errorf("7.1 = %d", c)
	}
	if _, err := ChannelConfig(7); err == nil {
		t.Error("expected error for 7 channels")
	}
}

func TestParseADTS(t *testing.T) {
	t.Parallel()

	a := buildFrame(t, []byte{0xDE, 0xAD, 0xBE, 0xEF})
	b := buildFrame(t, bytes.Repeat([]byte{0x11}, 300))
	stream := append([]byte{0x00, 0x01}, a...)
	stream = append(stream, b...)
	stream = append(stream, b[:20]...) // truncated tail

	frames, err := ParseADTS(stream)
	if err != nil {
		t.Fatalf("ParseADTS: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	f := frames[0]
	if f.SampleRate != 44100 || f.Channels != 2 || f.Profile != ProfileAACLC {
		t.Errorf("frame 0 = %d Hz %d ch profile %d", f.SampleRate, f.Channels, f.Profile)
	}
	if !bytes.Equal(f.Payload(), []byte{0xDE, 0xAD, 0xBE, 0xEF}) {
		t.Errorf("payload = % X", f.Payload())
	}
	if len(frames[1].Data) != 307 {
		t.Errorf("frame 1 len = %d", len(frames[1].Data))
	}
}

func TestParseADTSEmpty(t *testing.T) {
	t.Parallel()
	frames, err := ParseADTS(nil)
	if err != nil || len(frames) != 0 {
		t.Errorf("ParseADTS(nil) = %d frames, %v", len(frames), err)
	}
}

func TestPayload(t *testing.T) {
	t.Parallel()

	p, err := Payload(buildFrame(t, []byte("au")))
	if err != nil || string(p) != "au" {
		t.Errorf("Payload = %q, %v", p, err)
	}
	if _, err := Payload([]byte{0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06}); !errors.Is(err, ErrInvalidADTS) {
		t.Errorf("garbage err = %v", err)
	}
}

func TestReaderResyncs(t *testing.T) {
	t.Parallel()

	var stream bytes.Buffer
	stream.WriteString("junk")
	for i := 0; i < 5; i++ {
		stream.Write(buildFrame(t, bytes.Repeat([]byte{byte(i)}, 50+i)))
		if i == 2 {
			stream.WriteString("more junk")
		}
	}

	r := NewReader(&stream)
	for i := 0; i < 5; i++ {
		frame, err := r.ReadFrame()
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if FrameLength(frame) != len(frame) || len(frame) != HeaderSize+50+i {
			t.Fatalf("frame %d: len %d, header says %d", i, len(frame), FrameLength(frame))
		}
	}
	if _, err := r.ReadFrame(); !errors.Is(err, io.EOF) {
		t.Errorf("end err = %v, want io.EOF", err)
	}
	if r.Skipped() != int64(len("junk")+len("more junk")) {
		t.Errorf("Skipped = %d", r.Skipped())
	}
}

func TestReaderTruncated(t *testing.T) {
	t.Parallel()

	frame := buildFrame(t, make([]byte, 40))
	r := NewReader(bytes.NewReader(frame[:30]))
	if _, err := r.ReadFrame(); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("err = %v, want io.ErrUnexpectedEOF", err)
	}
}
