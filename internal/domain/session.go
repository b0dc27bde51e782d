package domain

import (
	"time"
)

// Session represents one live client connection. Sessions exist only for the
// lifetime of the process; history survives in the message store.
type Session struct {
	ID             string
	Identity       Identity
	RemoteAddr     string
	ConnectedAt    time.Time
	LastActivityAt time.Time
}

// RateKey returns the key used for per-identity throttling. Sessions without
// a resolved identity fall back to the network address so pre-handshake
// traffic is still bounded.
func (s *Session) RateKey() string {
	if s.Identity.Kind != "" {
		return s.Identity.Key()
	}
	return "addr:" + s.RemoteAddr
}

// IdleFor returns how long the session has been without inbound activity.
func (s *Session) IdleFor(now time.Time) time.Duration {
	return now.Sub(s.LastActivityAt)
}
