package distribution

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/vinylcast/internal/certs"
	"github.com/zsiec/vinylcast/internal/media"
	"github.com/zsiec/vinylcast/internal/visualizer"
)

// StreamSource is implemented by Pipeline: the taps and stats the server
// needs to serve one stream.
type StreamSource interface {
	Format() media.AudioFormat
	RawTap(capacity int) (*Tap, error)
	EncodedTap(capacity int) (*Tap, error)
	StreamSnapshot() StreamSnapshot
}

// LevelSource feeds the websocket level meter.
type LevelSource interface {
	Subscribe() (<-chan visualizer.Levels, func())
}

// StreamInfo is the summary of a live stream returned by /api/streams.
type StreamInfo struct {
	Key       string            `json:"key"`
	Source    string            `json:"source"`
	Format    media.AudioFormat `json:"format"`
	Encoded   bool              `json:"encoded"`
	Listeners int               `json:"listeners"`
	UptimeMs  int64             `json:"uptimeMs"`
}

// SRTPushRequest asks for a caller-mode SRT push of one stream.
type SRTPushRequest struct {
	Address   string `json:"address"`
	StreamKey string `json:"streamKey"`
	StreamID  string `json:"streamId,omitempty"`
	// Kind is "aac" (default) or "pcm".
	Kind string `json:"kind,omitempty"`
}

// SRTPushInfo describes an active SRT push, returned by GET /api/srt-push.
type SRTPushInfo struct {
	Address     string `json:"address"`
	StreamKey   string `json:"streamKey"`
	StreamID    string `json:"streamId,omitempty"`
	Kind        string `json:"kind"`
	BytesSent   int64  `json:"bytesSent"`
	ConnectedAt int64  `json:"connectedAt"`
}

// SRTPushFunc starts an SRT caller-mode push.
type SRTPushFunc func(req SRTPushRequest) error

// SRTStopFunc stops an active SRT push by stream key.
type SRTStopFunc func(streamKey string) error

// SRTListFunc returns all active SRT pushes.
type SRTListFunc func() []SRTPushInfo

// ServerConfig holds the configuration for the distribution Server.
type ServerConfig struct {
	// Addr is the plain HTTP listen address.
	Addr string
	// HTTP3Addr enables an HTTP/3 listener serving the same routes.
	HTTP3Addr string
	// Cert is required when HTTP3Addr is set.
	Cert *certs.CertInfo
	// TapCapacity is the buffer given to each HTTP listener's tap.
	TapCapacity int
	SRTPush     SRTPushFunc
	SRTStop     SRTStopFunc
	SRTList     SRTListFunc
	Logger      *slog.Logger
}

// streamResources bundles what the server knows about one stream.
type streamResources struct {
	source     StreamSource
	levels     LevelSource
	registered time.Time
	listeners  atomic.Int64
}

// Server serves live streams over HTTP (and optionally HTTP/3) along with
// the REST API and the level meter websocket.
type Server struct {
	config  ServerConfig
	log     *slog.Logger
	h3      *http3.Server
	started time.Time

	mu      sync.RWMutex
	streams map[string]*streamResources

	listeners atomic.Int64
	status    *processSampler
}

// NewServer creates a distribution Server. It returns an error if required
// fields are missing.
func NewServer(config ServerConfig) (*Server, error) {
	if config.Addr == "" && config.HTTP3Addr == "" {
		return nil, errors.New("distribution: Addr or HTTP3Addr is required")
	}
	if config.HTTP3Addr != "" && config.Cert == nil {
		return nil, errors.New("distribution: Cert is required for HTTP/3")
	}
	if config.TapCapacity <= 0 {
		config.TapCapacity = media.DefaultTapCapacity
	}
	log := config.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		config:  config,
		log:     log.With("component", "http"),
		started: time.Now(),
		streams: make(map[string]*streamResources),
		status:  newProcessSampler(),
	}
	if config.HTTP3Addr != "" {
		s.h3 = &http3.Server{
			Addr: config.HTTP3Addr,
			TLSConfig: &tls.Config{
				Certificates: []tls.Certificate{config.Cert.TLSCert},
			},
			QUICConfig: &quic.Config{
				MaxIdleTimeout: 30 * time.Second,
			},
		}
	}
	return s, nil
}

// RegisterStream makes a stream servable under key, replacing any previous
// registration.
func (s *Server) RegisterStream(key string, src StreamSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams[key] = &streamResources{source: src, registered: time.Now()}
	s.log.Info("stream registered", "key", key)
}

// SetLevels attaches a level source to a registered stream.
func (s *Server) SetLevels(key string, l LevelSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sr, ok := s.streams[key]; ok {
		sr.levels = l
	}
}

// UnregisterStream removes a stream. Listeners already connected keep
// their taps until the stream's broadcasters stop.
func (s *Server) UnregisterStream(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.streams, key)
}

func (s *Server) lookup(key string) *streamResources {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.streams[key]
}

// ListStreams returns a summary of every registered stream, ordered by key.
func (s *Server) ListStreams() []StreamInfo {
	s.mu.RLock()
	infos := make([]StreamInfo, 0, len(s.streams))
	for key, sr := range s.streams {
		snap := sr.source.StreamSnapshot()
		infos = append(infos, StreamInfo{
			Key:       key,
			Source:    snap.Source,
			Format:    sr.source.Format(),
			Encoded:   snap.Encoded != nil,
			Listeners: int(sr.listeners.Load()),
			UptimeMs:  snap.UptimeMs,
		})
	}
	s.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /streams/{key}/stream.aac", s.handleAAC)
	mux.HandleFunc("GET /streams/{key}/stream.wav", s.handleWAV)
	mux.HandleFunc("GET /streams/{key}/levels", s.handleLevels)

	mux.HandleFunc("GET /api/streams", s.handleListStreams)
	mux.HandleFunc("GET /api/streams/{key}/debug", s.handleStreamDebug)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/cert-hash", s.handleCertHash)
	mux.HandleFunc("GET /api/srt-push", s.handleSRTPushList)
	mux.HandleFunc("POST /api/srt-push", s.handleSRTPushCreate)
	mux.HandleFunc("DELETE /api/srt-push", s.handleSRTPushStop)
	mux.HandleFunc("OPTIONS /api/srt-push", s.handleSRTPushOptions)
}

// Handler returns the http.Handler serving every route.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return corsMiddleware(s.altSvcMiddleware(mux))
}

// altSvcMiddleware advertises the HTTP/3 listener to HTTP/1.1 and HTTP/2
// clients.
func (s *Server) altSvcMiddleware(next http.Handler) http.Handler {
	if s.h3 == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ProtoMajor < 3 {
			if err := s.h3.SetQUICHeaders(w.Header()); err != nil {
				s.log.Debug("set Alt-Svc", "error", err)
			}
		}
		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// Start runs the HTTP listener, and the HTTP/3 listener when configured,
// until ctx is cancelled or one of them fails.
func (s *Server) Start(ctx context.Context) error {
	handler := s.Handler()
	g, gctx := errgroup.WithContext(ctx)

	if s.config.Addr != "" {
		srv := &http.Server{
			Addr:              s.config.Addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			// Request contexts end with the server so streaming
			// handlers release their taps on shutdown.
			BaseContext: func(net.Listener) context.Context { return gctx },
		}
		g.Go(func() error {
			stop := context.AfterFunc(gctx, func() {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(sctx)
			})
			defer stop()

			s.log.Info("HTTP server listening", "addr", s.config.Addr)
			err := srv.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) || gctx.Err() != nil {
				return nil
			}
			return err
		})
	}

	if s.h3 != nil {
		s.h3.Handler = handler
		g.Go(func() error {
			stop := context.AfterFunc(gctx, func() { s.h3.Close() })
			defer stop()

			s.log.Info("HTTP/3 server listening", "addr", s.config.HTTP3Addr)
			err := s.h3.ListenAndServe()
			if gctx.Err() != nil {
				return nil
			}
			return err
		})
	}

	return g.Wait()
}

func (s *Server) handleAAC(w http.ResponseWriter, r *http.Request) {
	sr := s.lookup(r.PathValue("key"))
	if sr == nil {
		writeError(w, http.StatusNotFound, ErrStreamNotFound.Error())
		return
	}
	t, err := sr.source.EncodedTap(s.config.TapCapacity)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.serveTap(w, r, sr, t, media.ContentTypeAAC, nil)
}

func (s *Server) handleWAV(w http.ResponseWriter, r *http.Request) {
	sr := s.lookup(r.PathValue("key"))
	if sr == nil {
		writeError(w, http.StatusNotFound, ErrStreamNotFound.Error())
		return
	}
	t, err := sr.source.RawTap(s.config.TapCapacity)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.serveTap(w, r, sr, t, media.ContentTypeWAV, media.WAVHeader(t.Format))
}

// serveTap streams a tap to an HTTP listener until either side goes away.
func (s *Server) serveTap(w http.ResponseWriter, r *http.Request, sr *streamResources, t *Tap, contentType string, preamble []byte) {
	defer t.Close()
	stop := context.AfterFunc(r.Context(), func() { t.Close() })
	defer stop()

	h := w.Header()
	h.Set("Content-Type", contentType)
	h.Set("Cache-Control", "no-cache, no-store")
	h.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)

	n := s.listeners.Add(1)
	sr.listeners.Add(1)
	defer func() {
		s.listeners.Add(-1)
		sr.listeners.Add(-1)
	}()

	log := s.log.With("tap", t.ID, "remote", r.RemoteAddr)
	log.Info("listener connected", "contentType", contentType, "listeners", n)
	written, err := copyTap(w, t, preamble)
	log.Info("listener disconnected", "bytes", written, "reason", err)
}

func copyTap(w http.ResponseWriter, t *Tap, preamble []byte) (int64, error) {
	flusher, _ := w.(http.Flusher)
	var total int64
	write := func(b []byte) error {
		n, err := w.Write(b)
		total += int64(n)
		if err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	}

	if len(preamble) > 0 {
		if err := write(preamble); err != nil {
			return total, err
		}
	}
	buf := make([]byte, 4096)
	for {
		n, err := t.Read(buf)
		if n > 0 {
			if werr := write(buf[:n]); werr != nil {
				return total, werr
			}
		}
		if err != nil {
			return total, err
		}
	}
}

func (s *Server) handleListStreams(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ListStreams())
}

func (s *Server) handleStreamDebug(w http.ResponseWriter, r *http.Request) {
	sr := s.lookup(r.PathValue("key"))
	if sr == nil {
		writeError(w, http.StatusNotFound, ErrStreamNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, sr.source.StreamSnapshot())
}

type certHashResponse struct {
	Hash string `json:"hash"`
	Addr string `json:"addr"`
}

func (s *Server) handleCertHash(w http.ResponseWriter, _ *http.Request) {
	if s.config.Cert == nil {
		writeError(w, http.StatusNotFound, "no certificate configured")
		return
	}
	writeJSON(w, http.StatusOK, certHashResponse{
		Hash: s.config.Cert.FingerprintBase64(),
		Addr: s.config.HTTP3Addr,
	})
}

func (s *Server) handleSRTPushOptions(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.WriteHeader(http.StatusNoContent)
}

// SECURITY: the push endpoint dials arbitrary addresses. Expose the API to
// operators on a trusted network only.
func (s *Server) handleSRTPushList(w http.ResponseWriter, _ *http.Request) {
	if s.config.SRTList == nil {
		writeJSON(w, http.StatusOK, []SRTPushInfo{})
		return
	}
	writeJSON(w, http.StatusOK, s.config.SRTList())
}

func (s *Server) handleSRTPushCreate(w http.ResponseWriter, r *http.Request) {
	if s.config.SRTPush == nil {
		writeError(w, http.StatusNotImplemented, "SRT push not configured")
		return
	}
	var req SRTPushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Address == "" || req.StreamKey == "" {
		writeError(w, http.StatusBadRequest, "address and streamKey are required")
		return
	}
	if s.lookup(req.StreamKey) == nil {
		writeError(w, http.StatusNotFound, ErrStreamNotFound.Error())
		return
	}
	if err := s.config.SRTPush(req); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "pushing", "streamKey": req.StreamKey})
}

func (s *Server) handleSRTPushStop(w http.ResponseWriter, r *http.Request) {
	if s.config.SRTStop == nil {
		writeError(w, http.StatusNotImplemented, "SRT push not configured")
		return
	}
	streamKey := r.URL.Query().Get("streamKey")
	if streamKey == "" {
		writeError(w, http.StatusBadRequest, "streamKey query parameter required")
		return
	}
	if err := s.config.SRTStop(streamKey); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped", "streamKey": streamKey})
}
