// Package retry runs an operation a bounded number of times with a pause between attempts.
package retry

import (
	"context"
	"time"
)

// Policy bounds how often and how patiently an operation is retried. The zero value makes a
// single attempt.
type Policy struct {
	MaxAttempts int
	// Backoff returns the pause after the given failed attempt (1-based).
	Backoff func(attempt int) time.Duration
	// Sleep waits for d or until ctx is done. Nil means a real timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Fixed returns a backoff that always waits d.
func Fixed(d time.Duration) func(int) time.Duration {
	return func(int) time.Duration { return d }
}

// Do calls fn until it succeeds, returns an error retryable rejects, or the attempts run out.
// It returns the number of attempts made and the last error.
func Do(ctx context.Context, p Policy, retryable func(error) bool, fn func(ctx context.Context) error) (int, error) {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = Sleep
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			return attempt, nil
		}
		if retryable != nil && !retryable(err) {
			return attempt, err
		}
		if attempt == attempts {
			break
		}
		var wait time.Duration
		if p.Backoff != nil {
			wait = p.Backoff(attempt)
		}
		if sleepErr := sleep(ctx, wait); sleepErr != nil {
			return attempt, sleepErr
		}
	}
	return attempts, err
}

// Sleep waits for d, returning early with ctx.Err() when ctx is cancelled.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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
