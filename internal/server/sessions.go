package server

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Session is one MCP session created by a successful initialize call.
type Session struct {
	ID              string
	ProtocolVersion string
	ClientName      string
	ClientVersion   string
	Subject         string
	CreatedAt       time.Time

	lastSeen time.Time
}

// SessionStore is the synchronized registry of live sessions. All transport
// goroutines share one store; every access goes through the mutex.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSessionStore creates an empty session store.
func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]*Session)}
}

// Create registers a new session and returns a snapshot of it.
func (s *SessionStore) Create(protocolVersion, clientName, clientVersion, subject string) Session {
	now := time.Now().UTC()
	sess := &Session{
		ID:              uuid.New().String(),
		ProtocolVersion: protocolVersion,
		ClientName:      strings.TrimSpace(clientName),
		ClientVersion:   strings.TrimSpace(clientVersion),
		Subject:         strings.TrimSpace(subject),
		CreatedAt:       now,
		lastSeen:        now,
	}
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
	return *sess
}

// Get returns a snapshot of the session and marks it as active. The second
// return is false when the ID is unknown or already deleted.
func (s *SessionStore) Get(id string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[strings.TrimSpace(id)]
	if !ok {
		return Session{}, false
	}
	sess.lastSeen = time.Now().UTC()
	return *sess, true
}

// Delete removes a session. It reports whether the session existed, so the
// transport can distinguish teardown of a live session from a stale retry.
func (s *SessionStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, existed := s.sessions[strings.TrimSpace(id)]
	delete(s.sessions, strings.TrimSpace(id))
	return existed
}

// Len returns the number of live sessions.
func (s *SessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// PruneIdle removes sessions whose last activity is older than maxIdle and
// returns how many were removed.
func (s *SessionStore) PruneIdle(maxIdle time.Duration) int {
	if maxIdle <= 0 {
		return 0
	}
	cutoff := time.Now().UTC().Add(-maxIdle)

	s.mu.Lock()
	defer s.mu.Unlock()
	pruned := 0
	for id, sess := range s.sessions {
		if sess.lastSeen.Before(cutoff) {
			delete(s.sessions, id)
			pruned++
		}
	}
	return pruned
}

// StartJanitor launches a background loop that prunes idle sessions until
// ctx is canceled. The sweep interval is derived from maxIdle.
func (s *SessionStore) StartJanitor(ctx context.Context, maxIdle time.Duration, logger zerolog.Logger) {
	if maxIdle <= 0 {
		return
	}
	interval := maxIdle / 4
	if interval < time.Minute {
		interval = time.Minute
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if pruned := s.PruneIdle(maxIdle); pruned > 0 {
					logger.Info().
						Int("pruned", pruned).
						Int("remaining", s.Len()).
						Msg("pruned idle sessions")
				}
			}
		}
	}()
}
