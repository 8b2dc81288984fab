// Package retry provides bounded retries with exponential backoff for
// foreground remote calls, and the backoff schedule used by the background
// dispatcher.
package retry

import (
	"context"
	"math"
	"time"

	"github.com/roach88/routinesync/internal/model"
)

// Defaults for foreground retries.
const (
	DefaultAttempts  = 3
	DefaultBaseDelay = 350 * time.Millisecond
)

// Policy configures Do.
type Policy struct {
	// Attempts is the total number of tries, including the first (>= 1).
	Attempts int

	// BaseDelay is the wait after the first failure; it doubles each time.
	BaseDelay time.Duration

	// Retryable decides whether an error is worth another attempt.
	// Nil means model.IsTransient.
	Retryable func(error) bool
}

// DefaultPolicy returns 3 attempts, 350ms base delay, retrying transient
// network failures only.
func DefaultPolicy() Policy {
	return Policy{
		Attempts:  DefaultAttempts,
		BaseDelay: DefaultBaseDelay,
		Retryable: model.IsTransient,
	}
}

// Do calls fn until it succeeds, returns a non-retryable error, or the
// attempts run out. The last error is returned unchanged.
//
// Waiting between attempts honors ctx: cancellation returns ctx.Err().
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	_, err := DoValue(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoValue is Do for functions that return a value.
func DoValue[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = model.IsTransient
	}
	backoff := Backoff{Base: p.BaseDelay, Multiplier: 2}

	var (
		zero T
		err  error
	)
	for attempt := 0; attempt < attempts; attempt++ {
		var v T
		v, err = fn(ctx)
		if err == nil {
			return v, nil
		}
		if !retryable(err) || attempt == attempts-1 {
			return zero, err
		}
		if werr := Sleep(ctx, backoff.Delay(attempt)); werr != nil {
			return zero, werr
		}
	}
	return zero, err
}

// Backoff is an exponential delay schedule without jitter, so test runs are
// reproducible.
type Backoff struct {
	// Base is the delay for attempt 0.
	Base time.Duration

	// Max caps the delay. Zero means uncapped.
	Max time.Duration

	// Multiplier grows the delay per attempt. Values < 1 mean 2.
	Multiplier float64
}

// Delay returns the wait before retry number attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 2
	}

	delay := float64(b.Base) * math.Pow(mult, float64(attempt))
	if b.Max > 0 && delay > float64(b.Max) {
		return b.Max
	}
	if delay > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

// Sleep waits for d or until ctx ends, whichever comes first.
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
