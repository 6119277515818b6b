package session

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Manager creates and tracks sessions. Sessions are independent; turns in
// one never block turns in another.
type Manager struct {
	opts Options

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager validates the options and returns a manager with defaults
// applied.
func NewManager(opts Options) (*Manager, error) {
	if opts.Resolve == nil {
		return nil, errors.New("session manager needs a streamer resolver")
	}
	opts.setDefaults()
	return &Manager{
		opts:     opts,
		sessions: map[string]*Session{},
	}, nil
}

// Open creates a fresh session and registers it.
func (m *Manager) Open() *Session {
	s := newSession(m.opts)
	m.mu.Lock()
	m.sessions[s.ID] = s
	n := len(m.sessions)
	m.mu.Unlock()
	log.Debug().Str("component", "session").Str("session_id", s.ID).
		Int("open_sessions", n).Msg("session opened")
	return s
}

// Get looks up an open session by id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Close closes the session and forgets it. Closing an unknown id is a no-op.
func (m *Manager) Close(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if ok {
		s.Close()
	}
}

// CloseAll shuts every open session down, cancelling their active turns.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.sessions = map[string]*Session{}
	m.mu.Unlock()
	for _, s := range all {
		s.Close()
	}
}

// Len reports the number of open sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
