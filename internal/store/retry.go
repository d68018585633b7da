package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/lexigen/internal/shared"
)

const (
	maxRetries = 3
	baseDelay  = 100 * time.Millisecond
)

// withRetry runs fn, retrying SQLITE_BUSY and "database is locked" failures
// with exponential backoff: 100ms, 200ms.
func withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for i := 0; i < maxRetries; i++ {
		err = fn()
		if err == nil || !shared.IsSQLiteConflictError(err) {
			return err
		}
		if i == maxRetries-1 {
			break
		}

		delay := baseDelay * time.Duration(1<<i)
		slog.Debug("SQLite write conflict, retrying", "op", op, "attempt", i+1, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op, maxRetries, err)
}
