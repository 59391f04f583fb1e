package srt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/vinylcast/internal/distribution"
	"github.com/zsiec/vinylcast/internal/media"
	"github.com/zsiec/vinylcast/internal/tap"
)

const dialTimeout = 10 * time.Second

type activePush struct {
	req         distribution.SRTPushRequest
	cancel      context.CancelFunc
	connectedAt time.Time
	sent        atomic.Int64
}

// Caller manages caller-mode SRT pushes, one per stream key.
type Caller struct {
	log     *slog.Logger
	streams Streams

	mu     sync.Mutex
	pushes map[string]*activePush
	wg     sync.WaitGroup
}

// NewCaller creates a Caller pushing streams found through streams. If log
// is nil, slog.Default() is used.
func NewCaller(streams Streams, log *slog.Logger) *Caller {
	if log == nil {
		log = slog.Default()
	}
	return &Caller{
		log:     log.With("component", "srt-caller"),
		streams: streams,
		pushes:  make(map[string]*activePush),
	}
}

// Push dials the remote SRT listener synchronously (with a timeout),
// returning an error if the connection fails. On success the stream is
// pushed from a background goroutine until Stop, ctx cancellation, a
// write failure or the end of the stream.
func (c *Caller) Push(ctx context.Context, req distribution.SRTPushRequest) error {
	if req.Address == "" {
		return errors.New("address is required")
	}
	if req.StreamKey == "" {
		return errors.New("streamKey is required")
	}
	if req.Kind == "" {
		req.Kind = KindAAC
	}
	if req.Kind != KindAAC && req.Kind != KindPCM {
		return fmt.Errorf("%w %q", ErrUnknownKind, req.Kind)
	}
	src, ok := c.streams.Lookup(req.StreamKey)
	if !ok {
		return distribution.ErrStreamNotFound
	}

	c.mu.Lock()
	if _, exists := c.pushes[req.StreamKey]; exists {
		c.mu.Unlock()
		return fmt.Errorf("push already active for stream key %q", req.StreamKey)
	}
	c.mu.Unlock()

	if req.StreamID == "" {
		req.StreamID = req.Kind + "/" + req.StreamKey
	}
	c.log.Info("dialing", "address", req.Address, "stream_key", req.StreamKey, "stream_id", req.StreamID)

	conn, err := dial(ctx, req.Address, req.StreamID)
	if err != nil {
		return err
	}

	t, err := openTap(src, req.Kind, media.DefaultTapCapacity)
	if err != nil {
		conn.Close()
		return err
	}
	return c.startPushing(ctx, req, conn, t)
}

func dial(ctx context.Context, addr, streamID string) (*srtgo.Conn, error) {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs
	cfg.StreamID = streamID

	type dialResult struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(addr, cfg)
		ch <- dialResult{conn, err}
	}()

	// Close any connection that completes after we stopped waiting.
	abandon := func() {
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
	}

	timer := time.NewTimer(dialTimeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("SRT dial failed: %w", res.err)
		}
		return res.conn, nil
	case <-timer.C:
		abandon()
		return nil, fmt.Errorf("SRT dial timed out after %s", dialTimeout)
	case <-ctx.Done():
		abandon()
		return nil, ctx.Err()
	}
}

func (c *Caller) startPushing(ctx context.Context, req distribution.SRTPushRequest, conn *srtgo.Conn, t *distribution.Tap) error {
	pushCtx, cancel := context.WithCancel(ctx)
	ap := &activePush{req: req, cancel: cancel, connectedAt: time.Now()}

	c.mu.Lock()
	if _, exists := c.pushes[req.StreamKey]; exists {
		c.mu.Unlock()
		cancel()
		t.Close()
		conn.Close()
		return fmt.Errorf("push already active for stream key %q", req.StreamKey)
	}
	c.pushes[req.StreamKey] = ap
	c.mu.Unlock()

	c.log.Info("connected", "address", req.Address, "stream_key", req.StreamKey)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		stop := context.AfterFunc(pushCtx, func() { t.Close() })
		defer func() {
			stop()
			cancel()
			t.Close()
			conn.Close()
			c.mu.Lock()
			if c.pushes[req.StreamKey] == ap {
				delete(c.pushes, req.StreamKey)
			}
			c.mu.Unlock()
			c.log.Info("push ended", "stream_key", req.StreamKey,
				"bytes", ap.sent.Load(),
				"uptime_ms", time.Since(ap.connectedAt).Milliseconds())
		}()

		_, err := copyChunked(conn, t, func(n int) { ap.sent.Add(int64(n)) })
		if err != nil && !errors.Is(err, tap.ErrClosedTap) {
			c.log.Debug("write error", "stream_key", req.StreamKey, "error", err)
		}
	}()
	return nil
}

// Stop ends the push for streamKey.
func (c *Caller) Stop(streamKey string) error {
	c.mu.Lock()
	ap, ok := c.pushes[streamKey]
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("no active push for stream key %q", streamKey)
	}
	ap.cancel()
	return nil
}

// StopAll ends every push and waits for their goroutines to exit.
func (c *Caller) StopAll() {
	c.mu.Lock()
	for _, ap := range c.pushes {
		ap.cancel()
	}
	c.mu.Unlock()
	c.wg.Wait()
}

// ActivePushes returns every active push ordered by stream key.
func (c *Caller) ActivePushes() []distribution.SRTPushInfo {
	c.mu.Lock()
	out := make([]distribution.SRTPushInfo, 0, len(c.pushes))
	for _, ap := range c.pushes {
		out = append(out, distribution.SRTPushInfo{
			Address:     ap.req.Address,
			StreamKey:   ap.req.StreamKey,
			StreamID:    ap.req.StreamID,
			Kind:        ap.req.Kind,
			BytesSent:   ap.sent.Load(),
			ConnectedAt: ap.connectedAt.UnixMilli(),
		})
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StreamKey < out[j].StreamKey })
	return out
}
