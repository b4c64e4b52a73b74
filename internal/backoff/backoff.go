// Package backoff retries transient infrastructure failures (Redis,
// Postgres) with capped exponential backoff.
package backoff

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/example/face-enroll/internal/logging"
)

// Policy bounds a retry loop. Attempts counts the first call.
type Policy struct {
	Attempts int
	Initial  time.Duration
	Max      time.Duration
}

// DefaultPolicy is three attempts starting at 50ms, capped at one second.
func DefaultPolicy() Policy {
	return Policy{Attempts: 3, Initial: 50 * time.Millisecond, Max: time.Second}
}

// Do runs fn until it succeeds, fails with a non-transient error, or the
// attempts run out. Failures come back as *logging.OperationError.
func Do(ctx context.Context, p Policy, logger *zap.Logger, operation, subjectID string, fn func(ctx context.Context) error) error {
	if p.Attempts <= 1 {
		return logging.NewOperationError(operation, subjectID, fn(ctx))
	}

	opLogger := logging.WithOperation(logger, operation, subjectID)
	b := retry.NewExponential(p.Initial)
	if p.Max > 0 {
		b = retry.WithCappedDuration(p.Max, b)
	}
	b = retry.WithMaxRetries(uint64(p.Attempts-1), b)

	attempt := 0
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				opLogger.Info("operation succeeded after retry", zap.Int("attempt", attempt))
			}
			return nil
		}
		if !IsTransient(err) || attempt == p.Attempts {
			opLogger.Error("operation failed", zap.Error(err), zap.Int("attempt", attempt))
			return err
		}
		opLogger.Warn("transient error", zap.Error(err), zap.Int("attempt", attempt))
		return retry.RetryableError(err)
	})
	return logging.NewOperationError(operation, subjectID, err)
}

// IsTransient reports whether err looks like a timeout or a temporary
// network condition.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
