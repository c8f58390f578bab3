package serial

import (
	"fmt"
	"sync"
)

// Manager enforces at-most-one live Session per device path. Exclusivity is
// decided at open time; there is no after-the-fact conflict resolution.
type Manager struct {
	opener    Opener
	subBuffer int

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager(opener Opener, subBuffer int) *Manager {
	return &Manager{
		opener:    opener,
		subBuffer: subBuffer,
		sessions:  map[string]*Session{},
	}
}

// Open claims the port. A second Open on a live port fails with ErrPortBusy.
// A session that died since its last use is replaced transparently.
func (m *Manager) Open(path string, baud int) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.sessions[path]; ok {
		select {
		case <-existing.Closed():
			delete(m.sessions, path)
		default:
			return nil, fmt.Errorf("%w: %s", ErrPortBusy, path)
		}
	}
	conn, err := m.opener.Open(path, baud)
	if err != nil {
		return nil, err
	}
	s := newSession(path, baud, conn, m.subBuffer)
	m.sessions[path] = s
	return s, nil
}

// Get returns the live session for a path, if any.
func (m *Manager) Get(path string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[path]
	if !ok {
		return nil, false
	}
	select {
	case <-s.Closed():
		delete(m.sessions, path)
		return nil, false
	default:
		return s, true
	}
}

// Busy reports whether the path is owned by a live session.
func (m *Manager) Busy(path string) bool {
	_, ok := m.Get(path)
	return ok
}

// Release closes the session and forgets it.
func (m *Manager) Release(s *Session) {
	if s == nil {
		return
	}
	_ = s.Close()
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.sessions[s.Path()]; ok && cur == s {
		delete(m.sessions, s.Path())
	}
}

// CloseAll shuts down every live session, for daemon shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for path, s := range m.sessions {
		_ = s.Close()
		delete(m.sessions, path)
	}
}
