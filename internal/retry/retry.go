// Package retry wraps fallible operations in a bounded retry loop driven by
// the apperr classification table: structured failures retry immediately,
// upstream failures back off exponentially, everything else is terminal.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/starford/ansuz/internal/apperr"
)

// Policy controls backoff spacing for retryable failures.
type Policy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultPolicy is the standard backoff schedule: 2s, 4s, 8s, ... capped
// at 32s.
var DefaultPolicy = Policy{
	BaseDelay: 2 * time.Second,
	MaxDelay:  32 * time.Second,
}

// ShouldRetry reports whether another attempt is worthwhile: the error's
// code must classify as retryable and attempts must not be exhausted.
func ShouldRetry(err error, attempt, maxAttempts int) bool {
	return apperr.ClassifyErr(err).Retryable && attempt < maxAttempts
}

// WaitTime returns how long to wait before the next attempt after err
// failed the given attempt. Structured and terminal failures wait nothing;
// backoff failures wait min(base * 2^(attempt-1), max).
func (p Policy) WaitTime(err error, attempt int) time.Duration {
	if apperr.ClassifyErr(err).Strategy != apperr.StrategyBackoff {
		return 0
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Operation is one retryable unit of work. It receives the current attempt
// (1-based) and the history of prior failures so an adaptive caller (e.g. a
// prompt builder) can learn from them.
type Operation[T any] func(ctx context.Context, attempt int, history []apperr.TaskError) (T, error)

// Error is the terminal failure returned when an operation is given up on.
type Error struct {
	Attempts int
	History  []apperr.TaskError
	Err      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("retried %d times, giving up: %v", e.Attempts, e.Err)
}

// Unwrap returns the last underlying error.
func (e *Error) Unwrap() error { return e.Err }

// Do runs op until it succeeds, its error classifies as non-retryable, or
// maxAttempts is reached. Retryable failures are appended to the history
// passed back into op. Waits respect ctx cancellation.
func Do[T any](ctx context.Context, p Policy, maxAttempts int, op Operation[T]) (T, error) {
	var zero T
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var history []apperr.TaskError
	for attempt := 1; ; attempt++ {
		result, err := op(ctx, attempt, history)
		if err == nil {
			return result, nil
		}
		if !ShouldRetry(err, attempt, maxAttempts) {
			return zero, &Error{Attempts: attempt, History: history, Err: err}
		}
		history = append(history, apperr.Record(err, attempt))
		if err := sleep(ctx, p.WaitTime(err, attempt)); err != nil {
			return zero, &Error{Attempts: attempt, History: history, Err: err}
		}
	}
}

// sleep waits d or until ctx is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
