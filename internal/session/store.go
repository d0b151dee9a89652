// Package session holds the in-memory table of resumable sessions. A session
// binds an opaque session id to a stable player id; it survives a dropped
// connection but not a process restart.
package session

import (
	"sync"

	"github.com/google/uuid"

	"github.com/optionpit/game-engine/internal/model"
)

// Store is a process-lifetime session table, safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]model.Session
}

// NewStore creates an empty session table.
func NewStore() *Store {
	return &Store{sessions: make(map[string]model.Session)}
}

// Resume returns the session for sessionID if it is known.
func (s *Store) Resume(sessionID string) (model.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[sessionID]
	return sess, ok
}

// Persist records the sessionID → playerID binding, replacing any prior one.
func (s *Store) Persist(sessionID, playerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[sessionID] = model.Session{SessionID: sessionID, PlayerID: playerID}
}

// Mint creates and persists a fresh session with random opaque identifiers.
// Called whenever resumption fails.
func (s *Store) Mint() model.Session {
	sess := model.Session{
		SessionID: uuid.NewString(),
		PlayerID:  uuid.NewString(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.SessionID] = sess
	return sess
}

// Len reports the number of known sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
