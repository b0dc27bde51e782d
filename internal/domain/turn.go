package domain

import (
	"time"
)

// TurnRole identifies the author of a chat turn.
type TurnRole string

const (
	RoleUser      TurnRole = "user"
	RoleAssistant TurnRole = "assistant"
	RoleSystem    TurnRole = "system"
)

// ChatTurn is one inbound or outbound message in a conversation. Turns are
// owned by the message store; the gateway only appends and patches them
// through the store contract.
type ChatTurn struct {
	ID             string    `json:"id"`
	SessionID      string    `json:"session_id"`
	ConversationID string    `json:"conversation_id"`
	Role           TurnRole  `json:"role"`
	Body           string    `json:"body"`
	OperationID    string    `json:"operation_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// TurnPatch carries the mutable fields of a stored turn. Nil fields are left
// untouched by MessageStore.Update.
type TurnPatch struct {
	Body        *string
	OperationID *string
}
