package http

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session is per-client state owned by the application. Requests only hold
// a weak reference to it.
type Session struct {
	mu       sync.RWMutex
	id       string
	user     string
	created  time.Time
	lastUsed time.Time
	values   map[string]any
}

// NewSession creates a session without a user.
func NewSession(id string) *Session {
	now := time.Now()
	return &Session{id: id, created: now, lastUsed: now, values: make(map[string]any)}
}

// ID identifies the session in cookies and headers.
func (s *Session) ID() string { return s.id }

func (s *Session) Created() time.Time { return s.created }

// HasUser reports whether a user is logged in.
func (s *Session) HasUser() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user != ""
}

func (s *Session) User() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user
}

func (s *Session) SetUser(user string) {
	s.mu.Lock()
	s.user = user
	s.mu.Unlock()
}

// Get returns an application value stored in the session.
func (s *Session) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

func (s *Session) Set(key string, v any) {
	s.mu.Lock()
	s.values[key] = v
	s.mu.Unlock()
}

// SessionStore holds the sessions requests refer to by id. Sessions idle
// for longer than maxIdle are dropped on lookup and by Sweep.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	maxIdle  time.Duration
	now      func() time.Time
}

// NewSessionStore creates a store. maxIdle <= 0 keeps sessions until
// Delete.
func NewSessionStore(maxIdle time.Duration) *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*Session),
		maxIdle:  maxIdle,
		now:      time.Now,
	}
}

// Create starts a session with a random id for user.
func (st *SessionStore) Create(user string) *Session {
	s := NewSession(uuid.NewString())
	s.user = user
	s.lastUsed = st.now()

	st.mu.Lock()
	st.sessions[s.id] = s
	st.mu.Unlock()
	return s
}

// Lookup returns the live session with id and marks it used.
func (st *SessionStore) Lookup(id string) (*Session, bool) {
	if id == "" {
		return nil, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.sessions[id]
	if !ok {
		return nil, false
	}
	now := st.now()
	if st.expired(s, now) {
		delete(st.sessions, id)
		return nil, false
	}
	s.mu.Lock()
	s.lastUsed = now
	s.mu.Unlock()
	return s, true
}

// Delete ends a session.
func (st *SessionStore) Delete(id string) {
	st.mu.Lock()
	delete(st.sessions, id)
	st.mu.Unlock()
}

// Sweep drops idle sessions and returns how many were removed.
func (st *SessionStore) Sweep() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	now := st.now()
	n := 0
	for id, s := range st.sessions {
		if st.expired(s, now) {
			delete(st.sessions, id)
			n++
		}
	}
	return n
}

func (st *SessionStore) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}

func (st *SessionStore) expired(s *Session, now time.Time) bool {
	if st.maxIdle <= 0 {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return now.Sub(s.lastUsed) > st.maxIdle
}
