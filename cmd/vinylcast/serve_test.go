package main

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/zsiec/vinylcast/internal/config"
)

func TestBuildSource(t *testing.T) {
	t.Parallel()

	sc := config.Default().Source
	tests := []struct {
		typ      string
		wantName string
		wantErr  bool
	}{
		{typ: config.SourceTone, wantName: "tone"},
		{typ: config.SourceStdin, wantName: "stdin"},
		{typ: config.SourcePortAudio, wantName: "portaudio"},
		{typ: config.SourceMP3, wantErr: true},
		{typ: "cassette", wantErr: true},
	}
	for _, tc := range tests {
		c := sc
		c.Type = tc.typ
		src, err := buildSource(c, slog.Default())
		if tc.wantErr {
			if err == nil {
				t.Errorf("%s: expected error", tc.typ)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: %v", tc.typ, err)
		}
		if !strings.HasPrefix(src.Name(), tc.wantName) {
			t.Errorf("%s: name = %q, want prefix %q", tc.typ, src.Name(), tc.wantName)
		}
		if f := src.Format(); f.SampleRate != 44100 || f.Channels != 2 {
			t.Errorf("%s: format = %v", tc.typ, f)
		}
		src.Stop()
	}
}

func TestPipelineConfig(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Encoder.CodecTimeoutMicros = 25000
	cfg.Encoder.ADTSChannelConfig = 2
	pc := pipelineConfig(cfg, slog.Default())

	if !pc.Encode {
		t.Error("Encode = false, want true")
	}
	if pc.Encoder.CodecTimeout != 25*time.Millisecond {
		t.Errorf("CodecTimeout = %v, want 25ms", pc.Encoder.CodecTimeout)
	}
	if pc.Encoder.BitRate != 192000 || pc.Encoder.Profile != 2 || pc.Encoder.ChannelConfig != 2 {
		t.Errorf("encoder config = %+v", pc.Encoder)
	}
	if pc.EncoderInputCapacity != cfg.Encoder.BufferCapacityBytes {
		t.Errorf("EncoderInputCapacity = %d", pc.EncoderInputCapacity)
	}
	if codec := pc.NewCodec(); codec.Name() == "" {
		t.Error("codec has no name")
	} else {
		codec.Release()
	}
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	versionCmd.SetOut(&out)
	versionCmd.Run(versionCmd, nil)
	if !strings.Contains(out.String(), "vinylcast "+version) {
		t.Errorf("version output = %q", out.String())
	}
}
