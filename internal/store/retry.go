package store

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// isSQLiteConflict reports SQLITE_BUSY / "database is locked" errors, which
// warrant a short retry while another connection finishes a write.
func isSQLiteConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// withBusyRetry runs fn, retrying with exponential backoff on SQLite
// concurrency conflicts. Non-conflict errors return immediately.
func (s *SQLiteStore) withBusyRetry(ctx context.Context, fn func() error) error {
	const maxRetries = 3
	baseDelay := 50 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		err = fn()
		if err == nil || !isSQLiteConflict(err) {
			return err
		}
		if i < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<i)
			slog.Debug("sqlite conflict, retrying", "attempt", i+1, "delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return err
}
