package distribution

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	levelsWriteWait = 2 * time.Second
	levelsPongWait  = 60 * time.Second
	levelsPing      = (levelsPongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The level feed is read-only and carries no credentials.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleLevels pushes visualizer level snapshots to a websocket client as
// JSON messages, one per analysis window, until the client leaves or the
// stream ends.
func (s *Server) handleLevels(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	sr := s.lookup(key)
	if sr == nil {
		writeError(w, http.StatusNotFound, ErrStreamNotFound.Error())
		return
	}
	s.mu.RLock()
	src := sr.levels
	s.mu.RUnlock()
	if src == nil {
		writeError(w, http.StatusNotFound, "no level meter for stream")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("levels upgrade failed", "key", key, "error", err)
		return
	}
	defer conn.Close()

	levels, unsubscribe := src.Subscribe()
	defer unsubscribe()

	// Control frames are only processed while reading; the read loop
	// also tells us when the client goes away.
	gone := make(chan struct{})
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(levelsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(levelsPongWait))
	})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(levelsPing)
	defer ping.Stop()

	log := s.log.With("key", key, "remote", r.RemoteAddr)
	log.Debug("levels client connected")
	for {
		select {
		case lv, ok := <-levels:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream ended"),
					time.Now().Add(levelsWriteWait))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(levelsWriteWait))
			if err := conn.WriteJSON(lv); err != nil {
				log.Debug("levels write failed", "error", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(levelsWriteWait)); err != nil {
				return
			}
		case <-gone:
			log.Debug("levels client disconnected")
			return
		case <-r.Context().Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(levelsWriteWait))
			return
		}
	}
}
