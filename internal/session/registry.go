// Package session owns the set of live authenticated connections. Sessions
// are purely in-memory: created after credential verification, destroyed on
// disconnect, never persisted.
package session

import (
	"sync"
	"time"
)

// Session is the live representation of one authenticated connection: the
// identity verified at connect time plus the groups the connection is
// currently subscribed to.
type Session struct {
	ConnID    string
	UserID    string
	Role      string // platform role claim at connect time; group roles come from memberships
	CreatedAt time.Time

	mu     sync.Mutex
	groups map[string]struct{}
}

// Groups returns a snapshot of the session's subscribed group IDs.
func (s *Session) Groups() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.groups))
	for g := range s.groups {
		out = append(out, g)
	}
	return out
}

func (s *Session) addGroup(groupID string) {
	s.mu.Lock()
	s.groups[groupID] = struct{}{}
	s.mu.Unlock()
}

func (s *Session) removeGroup(groupID string) {
	s.mu.Lock()
	delete(s.groups, groupID)
	s.mu.Unlock()
}

// Subscribed reports whether the session currently holds a subscription to
// the group.
func (s *Session) Subscribed(groupID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.groups[groupID]
	return ok
}

// Registry is the thread-safe set of live sessions, indexed by connection ID
// and by user ID (one user may hold several connections).
type Registry struct {
	mu     sync.RWMutex
	byConn map[string]*Session
	byUser map[string]map[string]*Session // user_id -> conn_id -> session
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byConn: make(map[string]*Session),
		byUser: make(map[string]map[string]*Session),
	}
}

// Add creates and registers a session for a verified connection.
func (r *Registry) Add(connID, userID, role string) *Session {
	s := &Session{
		ConnID:    connID,
		UserID:    userID,
		Role:      role,
		CreatedAt: time.Now(),
		groups:    make(map[string]struct{}),
	}

	r.mu.Lock()
	r.byConn[connID] = s
	conns := r.byUser[userID]
	if conns == nil {
		conns = make(map[string]*Session)
		r.byUser[userID] = conns
	}
	conns[connID] = s
	r.mu.Unlock()
	return s
}

// Get returns the session for a connection, or nil.
func (r *Registry) Get(connID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byConn[connID]
}

// OfUser returns all live sessions for a user.
func (r *Registry) OfUser(userID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.byUser[userID]))
	for _, s := range r.byUser[userID] {
		out = append(out, s)
	}
	return out
}

// Remove deletes the session and returns it (with its final group set
// intact) so the caller can unsubscribe the broadcast hub synchronously.
// Returns nil if the connection was already gone.
func (r *Registry) Remove(connID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byConn[connID]
	if !ok {
		return nil
	}
	delete(r.byConn, connID)
	if conns := r.byUser[s.UserID]; conns != nil {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(r.byUser, s.UserID)
		}
	}
	return s
}

// AddGroup records a subscription on the session.
func (r *Registry) AddGroup(connID, groupID string) {
	if s := r.Get(connID); s != nil {
		s.addGroup(groupID)
	}
}

// RemoveGroup removes a subscription from the session. Idempotent.
func (r *Registry) RemoveGroup(connID, groupID string) {
	if s := r.Get(connID); s != nil {
		s.removeGroup(groupID)
	}
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}
