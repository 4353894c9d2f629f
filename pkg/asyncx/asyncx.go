// Package asyncx holds small context-aware helpers for retrying and waiting.
package asyncx

import (
	"context"
	"time"
)

// Sleep pauses for d or until ctx is done, whichever comes first.
// It returns ctx.Err() when the wait was cut short.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Retry calls fn up to attempts times, returning as soon as fn succeeds.
// Returns the last error if all attempts fail.
func Retry[T any](ctx context.Context, attempts int, fn func(context.Context) (T, error)) (T, error) {
	return RetryWithBackoffIf(ctx, attempts, 0, nil, fn)
}

// RetryWithBackoff calls fn up to attempts times with exponential backoff
// starting at initialDelay. The delay doubles after each failed attempt.
func RetryWithBackoff[T any](
	ctx context.Context,
	attempts int,
	initialDelay time.Duration,
	fn func(context.Context) (T, error),
) (T, error) {
	return RetryWithBackoffIf(ctx, attempts, initialDelay, nil, fn)
}

// RetryWithBackoffIf is RetryWithBackoff that only retries errors for which
// retryable returns true. A nil retryable retries every error.
func RetryWithBackoffIf[T any](
	ctx context.Context,
	attempts int,
	initialDelay time.Duration,
	retryable func(error) bool,
	fn func(context.Context) (T, error),
) (T, error) {
	var (
		zero  T
		val   T
		err   error
		delay = initialDelay
	)
	if attempts < 1 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if err != nil {
				return zero, err
			}
			return zero, ctxErr
		}

		val, err = fn(ctx)
		if err == nil {
			return val, nil
		}
		if retryable != nil && !retryable(err) {
			return zero, err
		}

		if i < attempts-1 && delay > 0 {
			if Sleep(ctx, delay) != nil {
				return zero, err
			}
			delay *= 2
		}
	}
	return zero, err
}
