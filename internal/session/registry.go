// Package session tracks live connection sessions and their identities.
package session

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/reelworks/reelgate/internal/domain"
)

// ErrNotFound is returned for lookups of unknown or already-closed sessions.
// Callers treat it as "connection already closed", never as fatal.
var ErrNotFound = errors.New("session not found")

// Registry tracks live sessions. Safe for concurrent use from multiple
// connection handlers.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*domain.Session
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*domain.Session),
	}
}

// Register assigns a fresh session id and records the session. Session ids
// are opaque, connection-scoped and never reused.
func (r *Registry) Register(identity domain.Identity, remoteAddr string) *domain.Session {
	now := time.Now().UTC()
	sess := &domain.Session{
		ID:             uuid.NewString(),
		Identity:       identity,
		RemoteAddr:     remoteAddr,
		ConnectedAt:    now,
		LastActivityAt: now,
	}

	r.mu.Lock()
	r.sessions[sess.ID] = sess
	r.mu.Unlock()

	slog.Info("session registered", "session_id", sess.ID, "identity", identity.Key())
	return sess
}

// Lookup returns the session for the given id.
func (r *Registry) Lookup(sessionID string) (*domain.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return sess, nil
}

// IdentityOf returns the identity bound to a session.
func (r *Registry) IdentityOf(sessionID string) (domain.Identity, error) {
	sess, err := r.Lookup(sessionID)
	if err != nil {
		return domain.Identity{}, err
	}
	return sess.Identity, nil
}

// Touch updates the session's last-activity timestamp. Unknown ids are
// ignored: the connection may have closed between read and touch.
func (r *Registry) Touch(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sess, ok := r.sessions[sessionID]; ok {
		sess.LastActivityAt = time.Now().UTC()
	}
}

// Remove drops the session from the registry.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	_, existed := r.sessions[sessionID]
	delete(r.sessions, sessionID)
	r.mu.Unlock()

	if existed {
		slog.Info("session removed", "session_id", sessionID)
	}
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
