package srt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/vinylcast/internal/media"
	"github.com/zsiec/vinylcast/internal/tap"
)

// Server accepts SRT receivers and streams the requested stream to each.
type Server struct {
	log         *slog.Logger
	addr        string
	streams     Streams
	tapCapacity int
}

// NewServer creates an SRT listener on addr serving streams. If log is nil,
// slog.Default() is used.
func NewServer(addr string, streams Streams, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:         log.With("component", "srt-server"),
		addr:        addr,
		streams:     streams,
		tapCapacity: media.DefaultTapCapacity,
	}
}

// Start accepts SRT connections until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs

	l, err := srtgo.Listen(s.addr, cfg)
	if err != nil {
		return fmt.Errorf("SRT listen on %s: %w", s.addr, err)
	}
	s.log.Info("listening", "addr", s.addr)

	l.SetAcceptRejectFunc(func(req srtgo.ConnRequest) srtgo.RejectReason {
		if s.accept(req.StreamID) {
			return 0
		}
		return srtgo.RejPeer
	})

	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("accept error", "error", err)
			continue
		}
		go s.handleConnection(ctx, conn)
	}
}

// accept reports whether a connection asking for streamID can be served.
func (s *Server) accept(streamID string) bool {
	_, key, err := parseStreamID(streamID)
	if err != nil {
		s.log.Debug("rejecting stream id", "stream_id", streamID, "error", err)
		return false
	}
	if _, ok := s.streams.Lookup(key); !ok {
		s.log.Debug("rejecting unknown stream", "stream_key", key)
		return false
	}
	return true
}

func (s *Server) handleConnection(ctx context.Context, conn *srtgo.Conn) {
	defer conn.Close()

	kind, key, err := parseStreamID(conn.StreamID())
	if err != nil {
		return
	}
	src, ok := s.streams.Lookup(key)
	if !ok {
		return
	}
	t, err := openTap(src, kind, s.tapCapacity)
	if err != nil {
		s.log.Warn("tap request failed", "stream_key", key, "kind", kind, "error", err)
		return
	}
	defer t.Close()
	stop := context.AfterFunc(ctx, func() { t.Close() })
	defer stop()

	log := s.log.With("stream_key", key, "kind", kind, "remote", conn.RemoteAddr(), "tap", t.ID)
	log.Info("receiver connected")
	n, err := copyChunked(conn, t, nil)
	if err != nil && !errors.Is(err, tap.ErrClosedTap) {
		log.Debug("write error", "error", err)
	}
	log.Info("receiver disconnected", "bytes", n)
}
