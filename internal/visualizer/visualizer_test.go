package visualizer

import (
	"bytes"
	"context"
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/zsiec/vinylcast/internal/media"
	"github.com/zsiec/vinylcast/internal/tap"
)

// sine returns frames of stereo s16le at 44.1 kHz.
func sine(freq, amp float64, frames int) []byte {
	buf := make([]byte, frames*4)
	for i := 0; i < frames; i++ {
		v := int16(math.Sin(2*math.Pi*freq*float64(i)/44100) * amp * 32767)
		binary.LittleEndian.PutUint16(buf[i*4:], uint16(v))
		binary.LittleEndian.PutUint16(buf[i*4+2:], uint16(v))
	}
	return buf
}

func TestAnalyzeBinCenteredTone(t *testing.T) {
	t.Parallel()

	v := New(media.PCM(44100, 2), Config{})
	// Exactly on FFT coefficient 20 of a 256-point window: band 2 of 16.
	freq := 44100.0 * 20 / 256
	pcm := sine(freq, 0.8, 256)

	samples := make([]float64, 256)
	for i := range samples {
		samples[i] = v.mono(pcm[i*4 : i*4+4])
	}
	l := v.analyze(samples)

	if len(l.Bins) != DefaultBins {
		t.Fatalf("got %d bins", len(l.Bins))
	}
	if l.Bins[2] < 0.7 {
		t.Errorf("band 2 = %.3f, want ~0.8", l.Bins[2])
	}
	for b, level := range l.Bins {
		if b != 2 && level > 0.1 {
			t.Errorf("band %d = %.3f, want near zero", b, level)
		}
	}
	if math.Abs(l.Peak-0.8) > 0.02 {
		t.Errorf("Peak = %.3f", l.Peak)
	}
	if math.Abs(l.RMS-0.8/math.Sqrt2) > 0.02 {
		t.Errorf("RMS = %.3f", l.RMS)
	}
}

func TestRunPublishesWindows(t *testing.T) {
	t.Parallel()

	v := New(media.PCM(44100, 2), Config{})
	ch, unsubscribe := v.Subscribe()
	defer unsubscribe()

	// 10 windows plus a partial frame that must be carried, not analyzed.
	pcm := append(sine(1000, 0.5, 2560), 0x01, 0x02)
	if err := v.Run(context.Background(), bytes.NewReader(pcm)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := v.windows.Load(); got != 10 {
		t.Errorf("analyzed %d windows, want 10", got)
	}
	select {
	case l := <-ch:
		if len(l.Bins) != DefaultBins {
			t.Errorf("bins = %d", len(l.Bins))
		}
	default:
		t.Fatal("subscriber received nothing")
	}
	if _, ok := v.Latest(); !ok {
		t.Error("Latest should be set after Run")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	r, _, _ := tap.New(1024)
	v := New(media.PCM(44100, 2), Config{})
	ctx, cancel := context.WithCancel(context.Background())

	errc := make(chan error, 1)
	go func() { errc <- v.Run(ctx, r) }()
	cancel()

	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Run = %v, want nil on cancel", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestUnsubscribe(t *testing.T) {
	t.Parallel()

	v := New(media.PCM(48000, 1), Config{WindowSize: 100, Bins: 7})
	if v.cfg.WindowSize != DefaultWindowSize || v.cfg.Bins != DefaultBins {
		t.Errorf("invalid config not defaulted: %+v", v.cfg)
	}
	ch, unsubscribe := v.Subscribe()
	if v.Subscribers() != 1 {
		t.Fatal("subscriber not registered")
	}
	unsubscribe()
	unsubscribe()
	if _, ok := <-ch; ok {
		t.Error("channel should be closed")
	}
	if v.Subscribers() != 0 {
		t.Error("subscriber not removed")
	}
	v.publish(Levels{})
}
