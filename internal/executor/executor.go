// Package executor runs dispatched commands out-of-band and reports their
// lifecycle through callbacks.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/reelworks/reelgate/internal/domain"
)

var (
	// ErrUnknownCommand is the synchronous rejection for commands with no
	// registered handler.
	ErrUnknownCommand = errors.New("no handler registered for command")

	// ErrQueueFull is the synchronous rejection when the work queue is at
	// capacity. The operation fails immediately instead of waiting.
	ErrQueueFull = errors.New("executor queue full")

	// ErrStopped is returned for dispatch attempts after shutdown began.
	ErrStopped = errors.New("executor stopped")
)

// Job is one unit of dispatched work. Parameters are opaque to the executor
// and passed through to the handler.
type Job struct {
	OperationID string
	Command     domain.Command
	Parameters  json.RawMessage
}

// Callbacks deliver job lifecycle events. They are invoked from worker
// goroutines; implementations must be safe for that.
type Callbacks struct {
	OnStart    func(operationID string)
	OnProgress func(operationID string, progress int)
	OnComplete func(operationID string, result json.RawMessage)
	OnFail     func(operationID string, err error)
}

// Executor performs long-running command work asynchronously. Execute
// returns an error only for synchronous rejections; accepted jobs report
// through the callbacks.
type Executor interface {
	Execute(ctx context.Context, job Job, cb Callbacks) error
	Cancel(operationID string)
}

// Handler performs the work for one command. It reports progress through the
// given function and must honor ctx cancellation.
type Handler func(ctx context.Context, job Job, progress func(int)) (json.RawMessage, error)

// Registry maps the closed command set to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[domain.Command]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[domain.Command]Handler)}
}

// Register binds a handler to a command, replacing any previous binding.
func (r *Registry) Register(cmd domain.Command, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[cmd] = h
}

// Lookup returns the handler for a command.
func (r *Registry) Lookup(cmd domain.Command) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[cmd]
	return h, ok
}
