package executor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

type task struct {
	job     Job
	ctx     context.Context
	cb      Callbacks
	cleanup func()
}

// Pool is a bounded worker-pool executor. Work runs on a fixed set of
// workers so a burst of dispatches cannot spawn unbounded goroutines, and
// every job context is cancelable by operation id.
type Pool struct {
	registry *Registry
	tasks    chan task

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	stopped bool

	wg sync.WaitGroup
}

// NewPool creates a pool with the given worker count and queue depth.
func NewPool(registry *Registry, workers, queueDepth int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueDepth <= 0 {
		queueDepth = workers * 4
	}
	return &Pool{
		registry: registry,
		tasks:    make(chan task, queueDepth),
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Start launches the workers. They drain the queue until Stop is called.
func (p *Pool) Start(workers int) {
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	slog.Info("executor pool started", "workers", workers, "queue_depth", cap(p.tasks))
}

// Stop rejects new work, cancels everything in flight and waits for the
// workers to drain.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	for _, cancel := range p.cancels {
		cancel()
	}
	p.mu.Unlock()

	close(p.tasks)
	p.wg.Wait()
	slog.Info("executor pool stopped")
}

// Execute enqueues a job. Unknown commands and a full queue reject
// synchronously; the caller transitions the operation straight to Failed.
func (p *Pool) Execute(ctx context.Context, job Job, cb Callbacks) error {
	if _, ok := p.registry.Lookup(job.Command); !ok {
		return ErrUnknownCommand
	}

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrStopped
	}
	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancels[job.OperationID] = cancel
	p.mu.Unlock()

	cleanup := func() {
		p.mu.Lock()
		delete(p.cancels, job.OperationID)
		p.mu.Unlock()
		cancel()
	}

	select {
	case p.tasks <- task{job: job, ctx: jobCtx, cb: cb, cleanup: cleanup}:
		return nil
	default:
		cleanup()
		return ErrQueueFull
	}
}

// Cancel aborts the job for an operation. Unknown or finished operations
// are ignored.
func (p *Pool) Cancel(operationID string) {
	p.mu.Lock()
	cancel, ok := p.cancels[operationID]
	p.mu.Unlock()
	if ok {
		slog.Info("canceling operation", "operation_id", operationID)
		cancel()
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for t := range p.tasks {
		p.run(t)
	}
}

func (p *Pool) run(t task) {
	defer t.cleanup()

	handler, ok := p.registry.Lookup(t.job.Command)
	if !ok {
		t.cb.OnFail(t.job.OperationID, ErrUnknownCommand)
		return
	}

	// A job canceled while still queued fails without starting.
	if err := t.ctx.Err(); err != nil {
		t.cb.OnFail(t.job.OperationID, err)
		return
	}

	t.cb.OnStart(t.job.OperationID)

	progress := func(pct int) {
		t.cb.OnProgress(t.job.OperationID, pct)
	}

	result, err := handler(t.ctx, t.job, progress)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			slog.Info("operation canceled", "operation_id", t.job.OperationID)
		} else {
			slog.Warn("operation handler failed", "operation_id", t.job.OperationID, "error", err)
		}
		t.cb.OnFail(t.job.OperationID, err)
		return
	}
	t.cb.OnComplete(t.job.OperationID, result)
}
