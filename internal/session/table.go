// Package session holds the per-user-connection state shared by the edge
// and agent: a UID-keyed table of live sockets, safe for concurrent use by
// the accept/dial path and the frame-dispatch path.
package session

import (
	"net"
	"sync"
	"sync/atomic"
)

// Session is one end-user connection's local socket: the user socket on
// the edge, the backend socket on the agent. It is exclusively owned by
// the side-local process that created it.
type Session struct {
	UID  uint32
	Conn net.Conn

	closeOnce sync.Once
	done      chan struct{}
}

// New wraps a socket as a session for the given UID.
func New(uid uint32, conn net.Conn) *Session {
	return &Session{UID: uid, Conn: conn, done: make(chan struct{})}
}

// Close closes the underlying socket exactly once. Safe to call more than once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.Conn.Close()
		close(s.done)
	})
	return err
}

// Done returns a channel closed once the session's socket has been closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Table maps UID to Session. On the edge it is also the source of new UIDs.
type Table struct {
	mu       sync.Mutex
	sessions map[uint32]*Session
	nextUID  atomic.Uint32
}

// NewTable creates an empty session table.
func NewTable() *Table {
	return &Table{sessions: make(map[uint32]*Session)}
}

// Allocate returns the next UID, starting at 1 and strictly increasing for
// the lifetime of the table. Only the edge calls this; the agent receives
// UIDs chosen by the edge.
func (t *Table) Allocate() uint32 {
	return t.nextUID.Add(1)
}

// Insert registers a session under its UID, replacing any prior entry for
// that UID (callers are expected to have allocated a fresh one).
func (t *Table) Insert(s *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[s.UID] = s
}

// Lookup returns the session for uid, if any.
func (t *Table) Lookup(uid uint32) (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[uid]
	return s, ok
}

// Remove deletes the session for uid and returns it. Idempotent: removing
// an already-absent UID returns (nil, false) without error.
func (t *Table) Remove(uid uint32) (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[uid]
	if !ok {
		return nil, false
	}
	delete(t.sessions, uid)
	return s, true
}

// Len returns the number of live sessions.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// Snapshot returns a point-in-time copy of the live sessions, ordered by
// nothing in particular. Used by the admin surface; callers must not
// mutate the returned sessions.
func (t *Table) Snapshot() []*Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s)
	}
	return out
}
