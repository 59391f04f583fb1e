package tap

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"testing"
	"time"
)

func TestNewRejectsBadCapacity(t *testing.T) {
	t.Parallel()

	for _, c := range []int{0, -1, MaxCapacity + 1} {
		_, _, err := New(c)
		if !errors.Is(err, ErrTapCreation) {
			t.Errorf("New(%d) error = %v, want ErrTapCreation", c, err)
		}
	}
}

func TestFIFOAcrossWraparound(t *testing.T) {
	t.Parallel()

	r, w, err := New(8)
	if err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 8)
	if _, err := w.Write([]byte("abcdef")); err != nil {
		t.Fatal(err)
	}
	n, _ := r.Read(buf[:4])
	if got := string(buf[:n]); got != "abcd" {
		t.Fatalf("first read = %q", got)
	}
	if _, err := w.Write([]byte("ghijk")); err != nil {
		t.Fatal(err)
	}
	if r.Buffered() != 7 {
		t.Fatalf("Buffered = %d, want 7", r.Buffered())
	}
	n, _ = r.Read(buf)
	if got := string(buf[:n]); got != "efghijk" {
		t.Errorf("second read = %q, want efghijk", got)
	}
}

func TestWriterCloseDrainsThenEOF(t *testing.T) {
	t.Parallel()

	r, w, _ := New(16)
	w.Write([]byte("tail"))
	w.Close()

	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != "tail" {
		t.Errorf("got %q, want tail", got)
	}
	if _, err := w.Write([]byte("x")); !errors.Is(err, ErrClosedTap) {
		t.Errorf("write after close = %v, want ErrClosedTap", err)
	}
}

func TestReaderCloseUnblocksWriter(t *testing.T) {
	t.Parallel()

	r, w, _ := New(4)
	errc := make(chan error, 1)
	go func() {
		_, err := w.Write(make([]byte, 64))
		errc <- err
	}()

	time.Sleep(10 * time.Millisecond)
	r.Close()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrClosedTap) {
			t.Errorf("Write = %v, want ErrClosedTap", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("writer still blocked after reader close")
	}
	if _, err := r.Read(make([]byte, 1)); !errors.Is(err, ErrClosedTap) {
		t.Errorf("read on closed reader = %v, want ErrClosedTap", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	r, w, _ := New(4)
	for i := 0; i < 3; i++ {
		if err := r.Close(); err != nil {
			t.Fatal(err)
		}
		if err := w.Close(); err != nil {
			t.Fatal(err)
		}
	}
}

func TestWriteDeadline(t *testing.T) {
	t.Parallel()

	_, w, _ := New(4)
	w.SetWriteDeadline(time.Now().Add(20 * time.Millisecond))

	start := time.Now()
	n, err := w.Write([]byte("123456"))
	if !errors.Is(err, ErrWriteTimeout) {
		t.Fatalf("err = %v, want ErrWriteTimeout", err)
	}
	if n != 4 {
		t.Errorf("n = %d, want 4 (partial write)", n)
	}
	if time.Since(start) > time.Second {
		t.Error("deadline not honored")
	}
}

func TestReadDeadline(t *testing.T) {
	t.Parallel()

	r, _, _ := New(4)
	r.SetReadDeadline(time.Now().Add(-time.Second))
	if _, err := r.Read(make([]byte, 4)); !errors.Is(err, ErrReadTimeout) {
		t.Fatalf("err = %v, want ErrReadTimeout", err)
	}
}

func TestStreamsThroughSmallBuffer(t *testing.T) {
	t.Parallel()

	r, w, _ := New(100)
	src := make([]byte, 1<<20)
	for i := range src {
		src[i] = byte(i * 7)
	}

	go func() {
		for off := 0; off < len(src); off += 333 {
			end := min(off+333, len(src))
			if _, err := w.Write(src[off:end]); err != nil {
				return
			}
		}
		w.Close()
	}()

	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, src) {
		t.Fatal("stream corrupted through ring buffer")
	}
}

func TestCloseStress(t *testing.T) {
	t.Parallel()

	const taps = 200
	var wg sync.WaitGroup
	for i := 0; i < taps; i++ {
		r, w, _ := New(64)
		wg.Add(2)
		go func() {
			defer wg.Done()
			buf := make([]byte, 32)
			for {
				if _, err := r.Read(buf); err != nil {
					return
				}
			}
		}()
		go func() {
			defer wg.Done()
			chunk := make([]byte, 48)
			for {
				if _, err := w.Write(chunk); err != nil {
					return
				}
			}
		}()
		if i%2 == 0 {
			r.Close()
		} else {
			w.Close()
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("goroutines still blocked after closing one end of every tap")
	}
}
