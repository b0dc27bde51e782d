// Package ratelimit provides a per-identity fixed-window event throttle.
package ratelimit

import (
	"log/slog"
	"sync"
	"time"
)

// Category separates independently configured event classes. Chat messages
// and command dispatch carry different budgets.
type Category string

const (
	CategoryChat     Category = "chat"
	CategoryDispatch Category = "dispatch"
)

// Limit bounds one category: at most MaxEvents per Window.
type Limit struct {
	MaxEvents int
	Window    time.Duration
}

type window struct {
	count   int
	started time.Time
	limit   Limit
}

// Limiter is a fixed-window counter keyed by category and identity. Window
// expiry resets the counter outright rather than decaying it; the sweep
// goroutine only reclaims memory for idle keys, correctness comes from the
// lazy reset in Allow.
type Limiter struct {
	mu      sync.Mutex
	limits  map[Category]Limit
	windows map[string]*window

	sweepEvery time.Duration
	done       chan struct{}
	stopOnce   sync.Once
}

// New creates a limiter with the given per-category limits.
func New(limits map[Category]Limit) *Limiter {
	return &Limiter{
		limits:     limits,
		windows:    make(map[string]*window),
		sweepEvery: time.Minute,
		done:       make(chan struct{}),
	}
}

// Allow records cost events against the key's current window and reports
// whether they fit the budget. When the budget is exceeded it returns false
// and how long the caller should wait before retrying. Unknown categories
// are never throttled.
func (l *Limiter) Allow(cat Category, key string, cost int) (bool, time.Duration) {
	limit, ok := l.limits[cat]
	if !ok {
		return true, 0
	}
	if cost <= 0 {
		cost = 1
	}

	now := time.Now()
	mapKey := string(cat) + "|" + key

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[mapKey]
	if !ok || now.Sub(w.started) > limit.Window {
		l.windows[mapKey] = &window{count: cost, started: now, limit: limit}
		return cost <= limit.MaxEvents, 0
	}

	if w.count+cost > limit.MaxEvents {
		retryAfter := w.started.Add(limit.Window).Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return false, retryAfter
	}

	w.count += cost
	return true, 0
}

// StartSweep launches the background goroutine that reclaims expired
// windows. Stop terminates it; both are idempotent enough for server wiring.
func (l *Limiter) StartSweep() {
	go func() {
		ticker := time.NewTicker(l.sweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.sweep(time.Now())
			case <-l.done:
				return
			}
		}
	}()
}

// Stop terminates the sweep goroutine.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.done) })
}

func (l *Limiter) sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, w := range l.windows {
		if now.Sub(w.started) > w.limit.Window {
			delete(l.windows, key)
			removed++
		}
	}
	if removed > 0 {
		slog.Debug("rate limiter sweep reclaimed windows", "count", removed)
	}
}
