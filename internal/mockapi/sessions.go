package mockapi

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session is a login session. Every token issued for it, refreshed or not,
// carries its ID; deleting the session revokes them all.
type Session struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// SessionStore manages active login sessions
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]Session // key: sessionId
	ttl      time.Duration
}

// NewSessionStore creates a store whose sessions live for ttl.
func NewSessionStore(ttl time.Duration) *SessionStore {
	return &SessionStore{
		sessions: make(map[string]Session),
		ttl:      ttl,
	}
}

// CreateSession starts a session for username
func (s *SessionStore) CreateSession(username string) Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	session := Session{
		ID:        uuid.New().String(),
		Username:  username,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}

	s.sessions[session.ID] = session

	// Clean up expired sessions opportunistically
	s.cleanupExpiredLocked()

	return session
}

// GetSession retrieves a live session by ID
func (s *SessionStore) GetSession(sessionID string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, exists := s.sessions[sessionID]
	if !exists || time.Now().UTC().After(session.ExpiresAt) {
		return Session{}, false
	}
	return session, true
}

// DeleteSession removes a session
func (s *SessionStore) DeleteSession(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, exists := s.sessions[sessionID]
	if exists {
		delete(s.sessions, sessionID)
	}
	return exists
}

// DeleteUserSessions removes all sessions for a given user and returns how
// many were removed.
func (s *SessionStore) DeleteUserSessions(username string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for id, sess := range s.sessions {
		if sess.Username == username {
			delete(s.sessions, id)
			count++
		}
	}
	return count
}

// cleanupExpiredLocked removes expired sessions (caller must hold write lock)
func (s *SessionStore) cleanupExpiredLocked() {
	now := time.Now().UTC()
	for id, session := range s.sessions {
		if now.After(session.ExpiresAt) {
			delete(s.sessions, id)
		}
	}
}
