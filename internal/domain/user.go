package domain

import (
	"time"
)

// User is a registered account able to authenticate with an API key.
// Anonymous visitors never get a User record.
type User struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	APIKeyHash  string    `json:"-"`
	Roles       []string  `json:"roles,omitempty"`
	LastSeenAt  time.Time `json:"last_seen_at"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
