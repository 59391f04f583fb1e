// Package session tracks the capture sessions a vinylcast process is
// running, keyed by stream key.
package session

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/zsiec/vinylcast/internal/pipeline"
)

// Session is one running capture-to-stream pipeline.
type Session struct {
	Key       string
	StartedAt time.Time
	Pipeline  *pipeline.Pipeline
	done      chan struct{}
}

// Done is closed when the session is removed from its Manager.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Manager manages the lifecycle of sessions.
type Manager struct {
	log      *slog.Logger
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a session manager. If log is nil, slog.Default() is used.
func NewManager(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:      log.With("component", "session-manager"),
		sessions: make(map[string]*Session),
	}
}

// Create registers a session for p. It returns false if the key is taken.
func (m *Manager) Create(key string, p *pipeline.Pipeline) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[key]; ok {
		m.log.Warn("session already exists, rejecting duplicate", "key", key)
		return nil, false
	}
	s := &Session{
		Key:       key,
		StartedAt: time.Now(),
		Pipeline:  p,
		done:      make(chan struct{}),
	}
	m.sessions[key] = s
	m.log.Info("session created", "key", key)
	return s, true
}

// Get returns the session for key.
func (m *Manager) Get(key string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[key]
	return s, ok
}

// Remove unregisters a session. It does not stop the pipeline.
func (m *Manager) Remove(key string) {
	m.mu.Lock()
	s, ok := m.sessions[key]
	if ok {
		delete(m.sessions, key)
	}
	m.mu.Unlock()

	if ok {
		close(s.done)
		m.log.Info("session removed", "key", key, "duration", time.Since(s.StartedAt).Truncate(time.Second))
	}
}

// List returns all sessions ordered by key.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool { return sessions[i].Key < sessions[j].Key })
	return sessions
}
