// Package operation tracks the lifecycle of dispatched asynchronous commands.
package operation

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/reelworks/reelgate/internal/domain"
)

var (
	// ErrNotFound is returned for lookups of unknown operation ids.
	ErrNotFound = errors.New("operation not found")

	// ErrInvalidTransition signals a transition attempt that the state
	// machine rejects. Duplicate executor callbacks land here; callers log
	// and move on, they never surface this to the client.
	ErrInvalidTransition = errors.New("invalid operation transition")
)

// StateChange is emitted on every accepted transition. Operation is a
// snapshot taken under the operation's lock.
type StateChange struct {
	Operation domain.Operation
	Previous  domain.OperationState
}

type tracked struct {
	mu sync.Mutex // serializes transitions for this operation id
	op domain.Operation
}

// Tracker owns the state machine for every dispatched command and the
// correlation between operation id, session id and stored turn id.
type Tracker struct {
	mu     sync.RWMutex
	ops    map[string]*tracked
	events chan StateChange
}

// NewTracker creates a tracker. Transition notifications are delivered on
// Events; the consumer must keep draining it for the lifetime of the tracker.
func NewTracker(buffer int) *Tracker {
	if buffer <= 0 {
		buffer = 256
	}
	return &Tracker{
		ops:    make(map[string]*tracked),
		events: make(chan StateChange, buffer),
	}
}

// Events returns the transition notification stream.
func (t *Tracker) Events() <-chan StateChange {
	return t.events
}

// Create registers a new operation in Pending state and returns a snapshot.
func (t *Tracker) Create(sessionID, turnID string, command domain.Command, parameters json.RawMessage) domain.Operation {
	op := domain.Operation{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		TurnID:     turnID,
		Command:    command,
		Parameters: parameters,
		State:      domain.OperationPending,
		CreatedAt:  time.Now().UTC(),
	}

	t.mu.Lock()
	t.ops[op.ID] = &tracked{op: op}
	t.mu.Unlock()

	slog.Info("operation created", "operation_id", op.ID, "session_id", sessionID, "command", command)
	return op
}

// MarkStarted transitions Pending -> Processing once the executor
// acknowledges it has begun work.
func (t *Tracker) MarkStarted(operationID string) error {
	return t.transition(operationID, func(op *domain.Operation) error {
		if op.State != domain.OperationPending {
			return ErrInvalidTransition
		}
		op.State = domain.OperationProcessing
		op.StartedAt = time.Now().UTC()
		return nil
	})
}

// ReportProgress records progress while Processing. Regressing values are
// rejected: progress is monotonic within one operation.
func (t *Tracker) ReportProgress(operationID string, progress int) error {
	return t.transition(operationID, func(op *domain.Operation) error {
		if op.State != domain.OperationProcessing {
			return ErrInvalidTransition
		}
		if progress < op.Progress {
			return ErrInvalidTransition
		}
		if progress > 100 {
			progress = 100
		}
		op.Progress = progress
		return nil
	})
}

// MarkCompleted transitions Processing -> Completed with the final result.
func (t *Tracker) MarkCompleted(operationID string, result json.RawMessage) error {
	return t.transition(operationID, func(op *domain.Operation) error {
		if op.State != domain.OperationProcessing {
			return ErrInvalidTransition
		}
		op.State = domain.OperationCompleted
		op.Result = result
		op.Progress = 100
		op.FinishedAt = time.Now().UTC()
		return nil
	})
}

// MarkFailed transitions Pending or Processing -> Failed. Operations may
// fail before ever starting when the executor rejects synchronously.
func (t *Tracker) MarkFailed(operationID string, opErr string) error {
	return t.transition(operationID, func(op *domain.Operation) error {
		if op.State.Terminal() {
			return ErrInvalidTransition
		}
		op.State = domain.OperationFailed
		op.Error = opErr
		op.FinishedAt = time.Now().UTC()
		return nil
	})
}

// Get returns a snapshot of the operation.
func (t *Tracker) Get(operationID string) (domain.Operation, error) {
	tr, err := t.lookup(operationID)
	if err != nil {
		return domain.Operation{}, err
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.op, nil
}

// ListBySession returns snapshots of all operations owned by a session,
// oldest first. Used for reconnect and history queries.
func (t *Tracker) ListBySession(sessionID string) []domain.Operation {
	t.mu.RLock()
	all := make([]*tracked, 0, len(t.ops))
	for _, tr := range t.ops {
		all = append(all, tr)
	}
	t.mu.RUnlock()

	var out []domain.Operation
	for _, tr := range all {
		tr.mu.Lock()
		if tr.op.SessionID == sessionID {
			out = append(out, tr.op)
		}
		tr.mu.Unlock()
	}
	sortByCreation(out)
	return out
}

func sortByCreation(ops []domain.Operation) {
	for i := 1; i < len(ops); i++ {
		for j := i; j > 0 && ops[j].CreatedAt.Before(ops[j-1].CreatedAt); j-- {
			ops[j], ops[j-1] = ops[j-1], ops[j]
		}
	}
}

func (t *Tracker) lookup(operationID string) (*tracked, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	tr, ok := t.ops[operationID]
	if !ok {
		return nil, ErrNotFound
	}
	return tr, nil
}

func (t *Tracker) transition(operationID string, apply func(*domain.Operation) error) error {
	tr, err := t.lookup(operationID)
	if err != nil {
		return err
	}

	tr.mu.Lock()
	previous := tr.op.State
	if err := apply(&tr.op); err != nil {
		tr.mu.Unlock()
		if errors.Is(err, ErrInvalidTransition) {
			slog.Warn("operation transition rejected",
				"operation_id", operationID,
				"state", previous)
		}
		return err
	}
	// Emit while still holding the operation's lock so the event order on
	// the channel matches the accepted transition order. The channel is
	// buffered and the consumer is required to keep draining.
	t.events <- StateChange{Operation: tr.op, Previous: previous}
	tr.mu.Unlock()
	return nil
}
