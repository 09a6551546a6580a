package session

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"toolhost/internal/metrics"
	"toolhost/internal/tracing"
)

// ErrClosed is returned by Connect once the manager has shut down.
var ErrClosed = errors.New("session manager closed")

// Session holds the metadata for one connected client.
type Session struct {
	ID          string    `json:"id"`
	ConnectedAt time.Time `json:"connected_at"`
	LastSeen    time.Time `json:"last_seen"`
	Calls       int       `json:"calls"`
}

// CleanupFunc is called with the session ID after a client disconnects.
type CleanupFunc func(sessionID string)

// Manager tracks connected client sessions and fans disconnects out to
// cleanup callbacks. It is thread-safe.
type Manager struct {
	sessions map[string]*Session
	mutex    sync.RWMutex
	logger   *slog.Logger
	cleanups []CleanupFunc
	closed   bool
}

// NewManager creates and returns a new session Manager.
func NewManager(logger *slog.Logger) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		logger:   logger.With("component", "session-manager"),
	}
}

// OnDisconnect adds a callback run for every session that goes away,
// including sessions dropped by Shutdown.
func (m *Manager) OnDisconnect(fn CleanupFunc) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.cleanups = append(m.cleanups, fn)
}

// Connect registers a new session. Connecting an existing ID refreshes it.
func (m *Manager) Connect(ctx context.Context, id string) error {
	_, span := tracing.SessionSpan(ctx, "connect", id)
	defer span.End()

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.closed {
		return ErrClosed
	}
	now := time.Now()
	if s, ok := m.sessions[id]; ok {
		s.LastSeen = now
		return nil
	}
	m.sessions[id] = &Session{ID: id, ConnectedAt: now, LastSeen: now}
	metrics.ActiveSessions.Inc()
	m.logger.Info("session connected", "session_id", id, "active", len(m.sessions))
	return nil
}

// Touch records activity for a session. Unknown IDs are ignored.
func (m *Manager) Touch(id string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.LastSeen = time.Now()
		s.Calls++
	}
}

// Get retrieves a copy of a session by its ID.
func (m *Manager) Get(id string) (Session, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// List returns copies of all sessions, oldest first.
func (m *Manager) List() []Session {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	sessions := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, *s)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].ConnectedAt.Before(sessions[j].ConnectedAt)
	})
	return sessions
}

// Count returns the number of connected sessions.
func (m *Manager) Count() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.sessions)
}

// Disconnect removes a session and runs the cleanup callbacks.
func (m *Manager) Disconnect(ctx context.Context, id string) {
	_, span := tracing.SessionSpan(ctx, "disconnect", id)
	defer span.End()

	m.mutex.Lock()
	_, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
		metrics.ActiveSessions.Dec()
	}
	cleanups := append([]CleanupFunc(nil), m.cleanups...)
	m.mutex.Unlock()

	if !ok {
		return
	}
	m.logger.Info("session disconnected", "session_id", id)
	for _, fn := range cleanups {
		fn(id)
	}
}

// Shutdown refuses new sessions and disconnects the remaining ones.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mutex.Lock()
	m.closed = true
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mutex.Unlock()

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		m.Disconnect(ctx, id)
	}
	if len(ids) > 0 {
		m.logger.Info("dropped remaining sessions", "count", len(ids))
	}
	return nil
}
