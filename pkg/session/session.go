// Package session holds the process-wide registry of active streaming
// sessions: one per uploaded NZB, each owning a sparse buffer, its
// download jobs, and the playback position the stream orchestrator
// reads to compute buffer health.
//
// Grounded on the teacher's session manager: a map guarded by a
// RWMutex, a TTL reaper goroutine, and per-session state guarded by its
// own mutex so the registry lock is never held for long.
package session

import (
	"context"
	"sync"
	"time"

	"nzbstream/pkg/nzbmodel"
	"nzbstream/pkg/par2"
	"nzbstream/pkg/scheduler"
	"nzbstream/pkg/sparsebuffer"
)

// Session is one active stream: the resolved file list, the sparse
// buffer its segments land in, and the playback cursor the stream
// orchestrator advances as the client consumes bytes.
type Session struct {
	ID    string
	Files []nzbmodel.PostedFile
	Par2  *par2.Manifest
	Jobs  []scheduler.Job

	mu         sync.Mutex
	buffer     *sparsebuffer.Buffer
	totalSize  int64
	position   int64
	createdAt  time.Time
	lastAccess time.Time
	clients    int

	ctx    context.Context
	cancel context.CancelFunc
}

func newSession(id string, buf *sparsebuffer.Buffer) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	return &Session{
		ID:         id,
		buffer:     buf,
		totalSize:  buf.Size(),
		createdAt:  now,
		lastAccess: now,
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (s *Session) Context() context.Context { return s.ctx }

func (s *Session) Buffer() *sparsebuffer.Buffer { return s.buffer }

func (s *Session) TotalSize() int64 { return s.totalSize }

func (s *Session) Position() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position
}

// SetPosition records the byte offset the client is currently playing
// from, called by the stream orchestrator as range requests advance.
func (s *Session) SetPosition(offset int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.position = offset
}

func (s *Session) touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastAccess = time.Now()
}

// AddClient/RemoveClient track in-flight playback connections so the
// reaper never evicts a session with an active viewer, even past TTL.
func (s *Session) AddClient() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients++
}

func (s *Session) RemoveClient() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clients > 0 {
		s.clients--
	}
}

func (s *Session) idleFor(ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clients == 0 && time.Since(s.lastAccess) > ttl
}

// Close cancels the session's context and releases its sparse buffer.
// It takes no lock of its own; the Manager drops its registry mutex
// before calling it, so one buffer unmap never holds up registry access.
func (s *Session) Close() {
	s.cancel()
	if s.buffer != nil {
		s.buffer.Close()
	}
}
