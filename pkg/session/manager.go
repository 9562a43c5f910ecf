package session

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"nzbstream/pkg/logger"
	"nzbstream/pkg/sparsebuffer"
)

// Manager is the process-wide session registry.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	dataDir  string
	ttl      time.Duration
}

func NewManager(dataDir string, ttl time.Duration) *Manager {
	m := &Manager{
		sessions: make(map[string]*Session),
		dataDir:  dataDir,
		ttl:      ttl,
	}
	go m.reaperLoop()
	return m
}

// Create allocates a new session with a sparse buffer sized to hold
// totalSize bytes, backed by a file in a per-session directory under
// the manager's data directory.
func (m *Manager) Create(id string, totalSize int64) (*Session, error) {
	dir := filepath.Join(m.dataDir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("session: create dir: %w", err)
	}
	path := filepath.Join(dir, "stream.buf")
	buf, err := sparsebuffer.New(path, totalSize)
	if err != nil {
		return nil, fmt.Errorf("session: create buffer: %w", err)
	}

	s := newSession(id, buf)

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()
	return s, nil
}

func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if ok {
		s.touch()
	}
	return s, ok
}

func (m *Manager) Delete(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if ok {
		s.Close()
	}
}

func (m *Manager) reaperLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		m.reap()
	}
}

// reap evicts sessions idle past TTL with no connected clients. The
// registry lock is dropped before closing any session, since Close
// must never run while m.mu is held (Session.Close and Manager.mu
// guard different things and closing under the registry lock would
// serialize unrelated sessions' teardown behind one buffer unmap).
func (m *Manager) reap() {
	m.mu.Lock()
	var expired []*Session
	for id, s := range m.sessions {
		if s.idleFor(m.ttl) {
			delete(m.sessions, id)
			expired = append(expired, s)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		logger.Info("session: reaping idle session", "session_id", s.ID)
		s.Close()
	}
}

// Shutdown closes every active session, for process teardown.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range all {
		s.Close()
	}
}
