package server

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"modulbank/modulbank"
)

// Session is one browser's authorization flow. The adapter it holds keeps the
// issued state and the bearer token and must only be used under mu.
// ExpiresAt is guarded by the store.
type Session struct {
	ID        string
	CreatedAt time.Time
	ExpiresAt time.Time

	mu            sync.Mutex
	provider      *modulbank.Provider
	authenticated bool
}

// Provider returns the session's adapter. Callers must hold the lock.
func (s *Session) Provider() *modulbank.Provider { return s.provider }

// Authenticated reports whether the code exchange completed.
func (s *Session) Authenticated() bool { return s.authenticated }

func (s *Session) Lock()   { s.mu.Lock() }
func (s *Session) Unlock() { s.mu.Unlock() }

// InMemoryStore keeps sessions for the lifetime of the process.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewInMemoryStore constructs the store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{sessions: make(map[string]*Session)}
}

// NewID generates a random session identifier.
func (s *InMemoryStore) NewID() string {
	return uuid.NewString()
}

// SaveSession stores or replaces a session.
func (s *InMemoryStore) SaveSession(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
}

// GetSession retrieves a session by ID.
func (s *InMemoryStore) GetSession(id string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// TouchSession returns the session if it is still live at now and extends
// its expiry to now+ttl. Expired sessions are removed.
func (s *InMemoryStore) TouchSession(id string, now time.Time, ttl time.Duration) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	if now.After(sess.ExpiresAt) {
		delete(s.sessions, id)
		return nil, false
	}
	sess.ExpiresAt = now.Add(ttl)
	return sess, true
}

// DeleteSession removes a session.
func (s *InMemoryStore) DeleteSession(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

// Len returns the number of stored sessions.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Sweep drops sessions that expired before now and returns how many.
func (s *InMemoryStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, sess := range s.sessions {
		if now.After(sess.ExpiresAt) {
			delete(s.sessions, id)
			n++
		}
	}
	return n
}
