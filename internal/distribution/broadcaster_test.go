package distribution

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/zsiec/vinylcast/internal/media"
)

func newTestBroadcaster(timeout time.Duration) *Broadcaster {
	return NewBroadcaster(BroadcasterConfig{
		Name:         "test",
		Format:       media.PCM(44100, 2),
		WriteTimeout: timeout,
	})
}

func readN(t *testing.T, r io.Reader, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	done := make(chan error, 1)
	go func() {
		_, err := io.ReadFull(r, buf)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("read: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("read timed out")
	}
	return buf
}

func TestBroadcasterIdenticalCopies(t *testing.T) {
	t.Parallel()

	b := newTestBroadcaster(time.Second)
	const n = 5
	taps := make([]*Tap, n)
	for i := range taps {
		tp, err := b.RequestTap(1024)
		if err != nil {
			t.Fatal(err)
		}
		taps[i] = tp
	}
	if b.TapCount() != n {
		t.Fatalf("TapCount = %d, want %d", b.TapCount(), n)
	}

	b.OnFrame([]byte("frame-one|"))
	b.OnFrame([]byte("frame-two"))

	want := []byte("frame-one|frame-two")
	for i, tp := range taps {
		if got := readN(t, tp, len(want)); !bytes.Equal(got, want) {
			t.Errorf("tap %d got %q", i, got)
		}
		if tp.Format != media.PCM(44100, 2) {
			t.Errorf("tap %d format = %v", i, tp.Format)
		}
	}
}

func TestBroadcasterNoTaps(t *testing.T) {
	t.Parallel()

	b := newTestBroadcaster(0)
	b.OnFrame([]byte("dropped"))
	b.OnFrame([]byte("dropped"))

	s := b.Stats()
	if s.IdleFrames != 2 || s.Frames != 2 {
		t.Errorf("stats = %+v, want 2 idle frames", s)
	}
}

func TestBroadcasterLateTapSeesOnlyNewFrames(t *testing.T) {
	t.Parallel()

	b := newTestBroadcaster(time.Second)
	early, _ := b.RequestTap(64)
	b.OnFrame([]byte("before"))
	late, _ := b.RequestTap(64)
	b.OnFrame([]byte("after"))
	b.Stop()

	got, _ := io.ReadAll(late)
	if string(got) != "after" {
		t.Errorf("late tap got %q, want after", got)
	}
	got, _ = io.ReadAll(early)
	if string(got) != "beforeafter" {
		t.Errorf("early tap got %q", got)
	}
}

func TestBroadcasterEvictsSlowTap(t *testing.T) {
	t.Parallel()

	b := newTestBroadcaster(5 * time.Millisecond)
	slow, _ := b.RequestTap(8)
	fast, _ := b.RequestTap(1024)

	b.OnFrame([]byte("12345678")) // fills slow exactly
	if b.TapCount() != 2 {
		t.Fatalf("TapCount = %d after filling frame", b.TapCount())
	}
	b.OnFrame([]byte("abc"))

	if b.TapCount() != 1 {
		t.Fatalf("TapCount = %d, want 1 after eviction", b.TapCount())
	}
	if b.Stats().Evictions != 1 {
		t.Errorf("Evictions = %d", b.Stats().Evictions)
	}

	if got := readN(t, fast, 11); string(got) != "12345678abc" {
		t.Errorf("fast tap got %q", got)
	}

	// The evicted tap drains what it had buffered, then ends.
	got, err := io.ReadAll(slow)
	if err != nil {
		t.Fatalf("ReadAll slow: %v", err)
	}
	if string(got) != "12345678" {
		t.Errorf("slow tap got %q", got)
	}
}

func TestBroadcasterEvictsClosedTap(t *testing.T) {
	t.Parallel()

	b := newTestBroadcaster(time.Second)
	tp, _ := b.RequestTap(64)
	keep, _ := b.RequestTap(64)
	tp.Close()

	b.OnFrame([]byte("x"))
	if b.TapCount() != 1 {
		t.Errorf("TapCount = %d, want 1", b.TapCount())
	}
	if stats := b.TapStatsAll(); len(stats) != 1 || stats[0].ID != keep.ID {
		t.Errorf("remaining taps = %+v", stats)
	}
}

func TestConsumerWriteErrorUnwraps(t *testing.T) {
	t.Parallel()

	base := errors.New("boom")
	err := error(&ConsumerWriteError{TapID: "raw-1", Err: base})
	if !errors.Is(err, base) {
		t.Error("ConsumerWriteError should unwrap to its cause")
	}
	var cwe *ConsumerWriteError
	if !errors.As(err, &cwe) || cwe.TapID != "raw-1" {
		t.Error("errors.As failed")
	}
}

func TestBroadcasterStopClosesTaps(t *testing.T) {
	t.Parallel()

	b := newTestBroadcaster(time.Second)
	var taps []*Tap
	for i := 0; i < 10; i++ {
		tp, _ := b.RequestTap(64)
		taps = append(taps, tp)
	}

	var wg sync.WaitGroup
	for _, tp := range taps {
		wg.Add(1)
		go func(tp *Tap) {
			defer wg.Done()
			io.Copy(io.Discard, tp)
		}(tp)
	}
	b.Stop()
	b.Stop()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("readers did not observe EOF after Stop")
	}
	if b.TapCount() != 0 {
		t.Errorf("TapCount = %d after Stop", b.TapCount())
	}
}

func TestBroadcasterTapAfterStop(t *testing.T) {
	t.Parallel()

	b := newTestBroadcaster(0)
	b.Stop()

	tp, err := b.RequestTap(64)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tp.Read(make([]byte, 8)); !errors.Is(err, io.EOF) {
		t.Errorf("first read = %v, want io.EOF", err)
	}
	b.OnFrame([]byte("ignored"))
	if b.Stats().Frames != 0 {
		t.Error("frames counted after stop")
	}
}

func TestBroadcasterRejectsBadCapacity(t *testing.T) {
	t.Parallel()

	b := newTestBroadcaster(0)
	if _, err := b.RequestTap(0); err == nil {
		t.Error("expected error for zero capacity")
	}
}

func TestBroadcasterConcurrentRegistration(t *testing.T) {
	t.Parallel()

	b := newTestBroadcaster(time.Millisecond)
	stop := make(chan struct{})
	go func() {
		frame := make([]byte, 32)
		for {
			select {
			case <-stop:
				return
			default:
				b.OnFrame(frame)
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tp, err := b.RequestTap(256)
			if err != nil {
				t.Error(err)
				return
			}
			buf := make([]byte, 64)
			for j := 0; j < 10; j++ {
				tp.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
				if _, err := tp.Read(buf); err != nil {
					break
				}
			}
			tp.Close()
		}()
	}
	wg.Wait()
	close(stop)
	b.Stop()
}
