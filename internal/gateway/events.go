package gateway

import (
	"encoding/json"

	"github.com/reelworks/reelgate/internal/domain"
)

// Event type identifiers on the websocket wire. Inbound and outbound frames
// share one envelope shape.
const (
	// Inbound.
	EventAuth            = "auth"
	EventChatSend        = "chat.send"
	EventOperationCancel = "operation.cancel"
	EventHistoryFetch    = "history.fetch"

	// Outbound.
	EventAuthOK             = "auth.ok"
	EventAuthError          = "error.auth"
	EventChatReceived       = "chat.received"
	EventChatReply          = "chat.reply"
	EventOperationStarted   = "operation.started"
	EventOperationProgress  = "operation.progress"
	EventOperationCompleted = "operation.completed"
	EventOperationFailed    = "operation.failed"
	EventRateLimited        = "error.rateLimited"
	EventError              = "error"
	EventHistory            = "history"
)

// envelope is the wire frame: a type tag plus a type-specific payload.
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// outEvent is an outbound frame before marshaling.
type outEvent struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

type authPayload struct {
	Credential string `json:"credential,omitempty"`
}

type authOKPayload struct {
	SessionID string          `json:"session_id"`
	Identity  domain.Identity `json:"identity"`
}

type authErrorPayload struct {
	Reason string `json:"reason"`
}

type chatSendPayload struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Body           string `json:"body"`
}

type chatReceivedPayload struct {
	TurnID         string `json:"turn_id"`
	ConversationID string `json:"conversation_id"`
	Persisted      bool   `json:"persisted"`
}

type chatReplyPayload struct {
	TurnID         string `json:"turn_id"`
	ConversationID string `json:"conversation_id"`
	Body           string `json:"body"`
}

type operationPayload struct {
	OperationID string          `json:"operation_id"`
	TurnID      string          `json:"turn_id,omitempty"`
	Command     string          `json:"command,omitempty"`
	Progress    int             `json:"progress,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
}

type operationCancelPayload struct {
	OperationID string `json:"operation_id"`
}

type rateLimitedPayload struct {
	Category     string `json:"category"`
	RetryAfterMs int64  `json:"retryAfterMs"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

type historyFetchPayload struct {
	ConversationID string `json:"conversation_id"`
	Offset         int    `json:"offset,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}

type historyPayload struct {
	ConversationID string             `json:"conversation_id"`
	Turns          []*domain.ChatTurn `json:"turns"`
	Operations     []domain.Operation `json:"operations,omitempty"`
}
