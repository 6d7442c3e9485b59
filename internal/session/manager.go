package session

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// CreatedCallback is called when a session is created.
type CreatedCallback func(session *Session)

// DestroyedCallback is called after a session is removed.
type DestroyedCallback func(session *Session)

// Manager manages all sessions.
type Manager struct {
	sessions    map[string]*Session
	onCreated   CreatedCallback
	onDestroyed DestroyedCallback
	mu          sync.RWMutex
}

// NewManager creates a new session manager.
func NewManager() *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
	}
}

// SetOnCreated sets a callback called when a session is created.
func (m *Manager) SetOnCreated(callback CreatedCallback) {
	m.onCreated = callback
}

// SetOnDestroyed sets a callback called when a session is destroyed.
func (m *Manager) SetOnDestroyed(callback DestroyedCallback) {
	m.onDestroyed = callback
}

// Create registers a new session with a fresh ID.
func (m *Manager) Create(remoteAddr, userAgent string) *Session {
	s := NewSession(GenerateID(), remoteAddr, userAgent)

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	if m.onCreated != nil {
		m.onCreated(s)
	}
	return s
}

// Get retrieves a session by ID. Returns nil if not found.
func (m *Manager) Get(id string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id]
}

// Destroy closes and removes a session. It reports whether it existed.
func (m *Manager) Destroy(id string) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if !ok {
		return false
	}
	s.Close()
	if m.onDestroyed != nil {
		m.onDestroyed(s)
	}
	return true
}

// Count returns the number of sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// All returns every session, oldest first.
func (m *Manager) All() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].createdAt.Before(out[j].createdAt) })
	return out
}

// Inactive returns the sessions idle for longer than timeout.
func (m *Manager) Inactive(timeout time.Duration) []*Session {
	cutoff := time.Now().Add(-timeout)
	var out []*Session
	for _, s := range m.All() {
		if s.LastActivity().Before(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

// GenerateID returns a new session ID.
func GenerateID() string {
	return uuid.NewString()
}
