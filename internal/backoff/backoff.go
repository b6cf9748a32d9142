// Package backoff provides jittered exponential delays for the retry loops
// webster runs around persistence writes and task re-enqueues.
package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy defines an exponential backoff curve.
type Policy struct {
	// Initial is the delay before the second attempt.
	Initial time.Duration
	// Max caps the computed delay.
	Max time.Duration
	// Factor multiplies the delay each attempt.
	Factor float64
	// Jitter is the randomization fraction (0.0 to 1.0) added on top.
	Jitter float64
}

// Default is the general-purpose curve: 100ms doubling to 30s, 10% jitter.
func Default() Policy {
	return Policy{Initial: 100 * time.Millisecond, Max: 30 * time.Second, Factor: 2, Jitter: 0.1}
}

// Persistence is the curve for database write retries. Short and tight so a
// transient blip resolves well inside a task's progress checkpoint.
func Persistence() Policy {
	return Policy{Initial: 50 * time.Millisecond, Max: 2 * time.Second, Factor: 2, Jitter: 0.1}
}

// Requeue is the curve for task-level retry delays after a retryable
// failure. Slower start so a struggling provider or browser gets room.
func Requeue() Policy {
	return Policy{Initial: 500 * time.Millisecond, Max: 15 * time.Second, Factor: 2, Jitter: 0.2}
}

// Delay computes the backoff for an attempt number. Attempts are 1-indexed;
// values below 1 are treated as 1.
func Delay(p Policy, attempt int) time.Duration {
	return delayWithRand(p, attempt, rand.Float64()) // #nosec G404 -- jitter needs no crypto randomness
}

// DelayWithRand is Delay with the random value injected, for deterministic
// tests. randomValue is expected in [0.0, 1.0).
func DelayWithRand(p Policy, attempt int, randomValue float64) time.Duration {
	return delayWithRand(p, attempt, randomValue)
}

func delayWithRand(p Policy, attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	jitter := base * p.Jitter * randomValue
	total := math.Min(float64(p.Max), base+jitter)
	return time.Duration(total)
}

// Sleep blocks for d or until ctx is done, whichever comes first. Returns
// ctx.Err() on cancellation, nil otherwise.
func Sleep(ctx context.Context, d time.Duration) error {
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

// SleepAttempt computes the delay for attempt under p and sleeps it.
func SleepAttempt(ctx context.Context, p Policy, attempt int) error {
	return Sleep(ctx, Delay(p, attempt))
}
