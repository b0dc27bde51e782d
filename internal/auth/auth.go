// Package auth verifies client credentials and mints identities.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/reelworks/reelgate/internal/domain"
	"github.com/reelworks/reelgate/internal/store"
)

// ErrInvalidCredential is returned for malformed, unknown or mismatched
// credentials. Handshake-fatal when authentication is mandatory.
var ErrInvalidCredential = errors.New("invalid credential")

// Authenticator validates a credential and resolves the identity behind it.
type Authenticator interface {
	Verify(ctx context.Context, credential string) (domain.Identity, error)
}

// KeyAuthenticator verifies "userID:apiKey" credentials against bcrypt
// hashes in the user store.
type KeyAuthenticator struct {
	repo store.Repository
}

// NewKeyAuthenticator creates an authenticator backed by the given repository.
func NewKeyAuthenticator(repo store.Repository) *KeyAuthenticator {
	return &KeyAuthenticator{repo: repo}
}

// Verify resolves a credential to an authenticated identity.
func (a *KeyAuthenticator) Verify(ctx context.Context, credential string) (domain.Identity, error) {
	userID, key, ok := strings.Cut(credential, ":")
	if !ok || userID == "" || key == "" {
		return domain.Identity{}, ErrInvalidCredential
	}

	user, err := a.repo.GetUser(ctx, userID)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("lookup user: %w", err)
	}
	if user == nil {
		return domain.Identity{}, ErrInvalidCredential
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.APIKeyHash), []byte(key)); err != nil {
		return domain.Identity{}, ErrInvalidCredential
	}

	if err := a.repo.UpdateLastSeen(ctx, userID, time.Now()); err != nil {
		slog.Warn("failed to update last seen", "user_id", userID, "error", err)
	}

	return domain.Authenticated(user.UserID, user.Roles...), nil
}

// HashKey produces the bcrypt hash stored for an API key.
func HashKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash api key: %w", err)
	}
	return string(hash), nil
}

// NewPseudoID mints the opaque id carried by anonymous identities.
func NewPseudoID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate pseudo id: %w", err)
	}
	return "anon_" + hex.EncodeToString(buf), nil
}
