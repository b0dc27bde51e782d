// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/reelworks/reelgate/internal/domain"
)

// ErrTurnNotFound is returned when updating a turn that was never appended.
var ErrTurnNotFound = errors.New("turn not found")

// Page bounds a history listing.
type Page struct {
	Offset int
	Limit  int
}

// MessageStore is the durable append-only history of chat turns. The gateway
// core never mutates stored history except through this contract.
type MessageStore interface {
	// AppendTurn persists a turn and returns its id. A missing id is
	// generated; CreatedAt defaults to now.
	AppendTurn(ctx context.Context, turn *domain.ChatTurn) (string, error)

	// UpdateTurn patches a stored turn. Nil patch fields are left untouched.
	UpdateTurn(ctx context.Context, turnID string, patch domain.TurnPatch) error

	// ListByConversation returns turns for a conversation in creation order.
	ListByConversation(ctx context.Context, conversationID string, page Page) ([]*domain.ChatTurn, error)
}

// Repository is the full persistence surface: message history plus the user
// records backing API-key authentication.
type Repository interface {
	MessageStore

	// GetUser retrieves a user by id. Returns (nil, nil) when absent.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// UpdateLastSeen updates the last_seen_at timestamp for a user.
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
