package backoff

import (
	"context"
	"errors"
)

// ErrExhausted is returned when every allowed attempt has failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// Retry runs fn up to attempts times, sleeping the policy's delay between
// failures. fn receives the 1-indexed attempt number. The first nil return
// wins; after the last failure Retry returns ErrExhausted joined with the
// last error. Context cancellation is observed both between attempts and
// during sleeps.
func Retry(ctx context.Context, p Policy, attempts int, fn func(attempt int) error) error {
	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if last = fn(attempt); last == nil {
			return nil
		}
		if attempt < attempts {
			if err := SleepAttempt(ctx, p, attempt); err != nil {
				return err
			}
		}
	}
	return errors.Join(ErrExhausted, last)
}

// RetryValue is Retry for functions that produce a value. On exhaustion the
// zero value is returned alongside the joined error.
func RetryValue[T any](ctx context.Context, p Policy, attempts int, fn func(attempt int) (T, error)) (T, error) {
	var value T
	err := Retry(ctx, p, attempts, func(attempt int) error {
		var ferr error
		value, ferr = fn(attempt)
		return ferr
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return value, nil
}
