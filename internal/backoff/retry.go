package backoff

import (
	"context"
	"errors"
)

// ErrMaxAttemptsExhausted is returned when all retry attempts have been exhausted.
var ErrMaxAttemptsExhausted = errors.New("max retry attempts exhausted")

// RetryResult holds the result of a retry operation.
type RetryResult[T any] struct {
	// Value is the successful result value.
	Value T
	// Attempts is the number of attempts made (1-indexed).
	Attempts int
	// LastError is the last error encountered, if any.
	LastError error
}

// RetryOptions tunes RetryWithBackoff.
type RetryOptions struct {
	MaxAttempts int
	// DelayFirst sleeps before every attempt, including the first. Reconnect
	// loops use this so a dropped connection is not redialed immediately.
	DelayFirst bool
	// OnRetry is called after each failed attempt.
	OnRetry func(attempt int, err error)
}

// RetryWithBackoff calls fn until it succeeds, the attempts run out or ctx is
// cancelled. fn receives the 1-indexed attempt number.
func RetryWithBackoff[T any](
	ctx context.Context,
	policy Policy,
	opts RetryOptions,
	fn func(attempt int) (T, error),
) (RetryResult[T], error) {
	var result RetryResult[T]

	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		result.Attempts = attempt

		if opts.DelayFirst {
			if err := SleepWithBackoff(ctx, policy, attempt); err != nil {
				return result, err
			}
		} else if err := ctx.Err(); err != nil {
			return result, err
		}

		value, err := fn(attempt)
		if err == nil {
			result.Value = value
			result.LastError = nil
			return result, nil
		}
		result.LastError = err
		if opts.OnRetry != nil {
			opts.OnRetry(attempt, err)
		}

		if !opts.DelayFirst && attempt < opts.MaxAttempts {
			if err := SleepWithBackoff(ctx, policy, attempt); err != nil {
				return result, err
			}
		}
	}

	return result, ErrMaxAttemptsExhausted
}
