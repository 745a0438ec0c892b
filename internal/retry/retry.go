// Package retry holds the one retry policy shared by the fetch and upload paths.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Policy bounds attempts and spaces them with exponential backoff plus jitter.
type Policy struct {
	// MaxAttempts counts the first try; values below 1 mean a single attempt.
	MaxAttempts int
	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration
	// MaxDelay caps the exponential part of the delay.
	MaxDelay time.Duration
	// Factor is the growth base per attempt (default 1.5).
	Factor float64
	// Jitter adds a uniform random delay in [0, Jitter).
	Jitter time.Duration
	// Retryable decides whether an error deserves another attempt. nil retries everything.
	Retryable func(error) bool
	// OnRetry is invoked before sleeping ahead of attempt number `attempt` (1-based).
	OnRetry func(attempt int, err error, delay time.Duration)
}

// Default backs off 1.5^n seconds capped at 30s, with up to 750ms of
// jitter, over five attempts.
func Default() Policy {
	return Policy{
		MaxAttempts:  5,
		InitialDelay: 1500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Factor:       1.5,
		Jitter:       750 * time.Millisecond,
	}
}

// Backoff returns the delay before retry number attempt (1-based).
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	factor := p.Factor
	if factor < 1 {
		factor = 1.5
	}
	base := float64(p.InitialDelay) * math.Pow(factor, float64(attempt-1))
	if p.MaxDelay > 0 && base > float64(p.MaxDelay) {
		base = float64(p.MaxDelay)
	}
	delay := time.Duration(base)
	if p.Jitter > 0 {
		delay += time.Duration(rand.Int63n(int64(p.Jitter)))
	}
	return delay
}

// ExhaustedError wraps the last failure once the attempt budget is spent.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Do runs op until it succeeds, returns a non-retryable error, the context
// ends, or the attempt budget is spent. op receives the 0-based attempt number.
func (p Policy) Do(ctx context.Context, op func(attempt int) error) error {
	attempts := max(p.MaxAttempts, 1)
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := p.Backoff(attempt)
			if p.OnRetry != nil {
				p.OnRetry(attempt, lastErr, delay)
			}
			if err := Sleep(ctx, delay); err != nil {
				return err
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		err := op(attempt)
		if err == nil {
			return nil
		}
		lastErr = err
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
	}
	return &ExhaustedError{Attempts: attempts, Err: lastErr}
}

// Sleep waits for d or until ctx is done.
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
