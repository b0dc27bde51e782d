// Package domain contains core domain types for the reelgate server.
package domain

// IdentityKind discriminates the identity union.
type IdentityKind string

const (
	// IdentityAuthenticated marks an identity resolved from a verified credential.
	IdentityAuthenticated IdentityKind = "authenticated"
	// IdentityAnonymous marks a first-class anonymous identity. Anonymous is a
	// normal mode of operation, not a missing-user error state.
	IdentityAnonymous IdentityKind = "anonymous"
)

// Identity is the tagged union of who a session belongs to.
// Exactly one of UserID (authenticated) or PseudoID (anonymous) is set.
type Identity struct {
	Kind     IdentityKind `json:"kind"`
	UserID   string       `json:"user_id,omitempty"`
	Roles    []string     `json:"roles,omitempty"`
	PseudoID string       `json:"pseudo_id,omitempty"`
}

// Authenticated builds an authenticated identity.
func Authenticated(userID string, roles ...string) Identity {
	return Identity{Kind: IdentityAuthenticated, UserID: userID, Roles: roles}
}

// Anonymous builds an anonymous identity around a generated pseudo id.
func Anonymous(pseudoID string) Identity {
	return Identity{Kind: IdentityAnonymous, PseudoID: pseudoID}
}

// IsAuthenticated reports whether the identity carries a verified user.
func (i Identity) IsAuthenticated() bool {
	return i.Kind == IdentityAuthenticated
}

// Key returns the stable string used to key rate-limit windows and logs.
func (i Identity) Key() string {
	if i.Kind == IdentityAuthenticated {
		return "user:" + i.UserID
	}
	return "anon:" + i.PseudoID
}
