package backoff

import (
	"context"
	"errors"
	"time"
)

// ErrAttemptsExhausted is returned when all retry attempts have failed.
var ErrAttemptsExhausted = errors.New("retry attempts exhausted")

// RetryableFunc reports whether an error is worth retrying. Errors for which
// it returns false abort the retry loop immediately.
type RetryableFunc func(error) bool

// Retry executes fn with exponential backoff, retrying only errors the
// retryable predicate accepts. fn receives the 1-indexed attempt number.
// Context cancellation is honoured between attempts and during backoff
// sleeps. On exhaustion the last error is returned wrapped with
// ErrAttemptsExhausted so callers can match either.
func Retry[T any](
	ctx context.Context,
	policy Policy,
	maxAttempts int,
	retryable RetryableFunc,
	fn func(attempt int) (T, error),
) (T, error) {
	var zero T
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		value, err := fn(attempt)
		if err == nil {
			return value, nil
		}
		lastErr = err

		if retryable != nil && !retryable(err) {
			return zero, err
		}
		if attempt < maxAttempts {
			if err := sleep(ctx, Compute(policy, attempt)); err != nil {
				return zero, err
			}
		}
	}

	return zero, errors.Join(ErrAttemptsExhausted, lastErr)
}

// sleep waits for the duration, respecting context cancellation.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
