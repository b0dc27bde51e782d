package domain

import (
	"encoding/json"
	"time"
)

// OperationState is the lifecycle state of a dispatched command.
type OperationState string

const (
	OperationPending    OperationState = "pending"
	OperationProcessing OperationState = "processing"
	OperationCompleted  OperationState = "completed"
	OperationFailed     OperationState = "failed"
)

// Terminal reports whether the state accepts no further transitions.
func (s OperationState) Terminal() bool {
	return s == OperationCompleted || s == OperationFailed
}

// Operation is the tracked lifecycle of one dispatched asynchronous command.
// ID is the correlation key across executor callbacks, tracker state, and the
// chat turn that requested the work. SessionID is immutable after creation
// and only routes events; operation lifetime is independent of the connection.
type Operation struct {
	ID         string          `json:"id"`
	SessionID  string          `json:"session_id"`
	TurnID     string          `json:"turn_id,omitempty"`
	Command    Command         `json:"command"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
	State      OperationState  `json:"state"`
	Progress   int             `json:"progress"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	StartedAt  time.Time       `json:"started_at,omitempty"`
	FinishedAt time.Time       `json:"finished_at,omitempty"`
}

// Duration returns wall time from start to finish, or zero when the
// operation has not finished or never started.
func (o *Operation) Duration() time.Duration {
	if o.StartedAt.IsZero() || o.FinishedAt.IsZero() {
		return 0
	}
	return o.FinishedAt.Sub(o.StartedAt)
}
