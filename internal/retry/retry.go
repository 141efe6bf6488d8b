// Package retry runs idempotent calls against the ledger node and the
// session store until they succeed, hit a permanent error, or run out of
// attempts.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// PermanentError marks an error that another attempt cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the retry loop stops and returns err unwrapped.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Policy describes how often and how far apart attempts are made.
type Policy struct {
	Attempts int
	Delay    time.Duration
	// Multiplier scales Delay after every failed attempt. Values below 1
	// keep the delay fixed.
	Multiplier float64
	// Jitter spreads each sleep uniformly over Delay ± Delay*Jitter.
	Jitter float64
}

// Run calls fn until it returns nil or a permanent error, the attempts are
// spent, or ctx ends. The last error from fn is returned; a cancelled
// context returns ctx.Err() instead.
func (p Policy) Run(ctx context.Context, fn func() error) error {
	attempts := max(p.Attempts, 1)
	delay := p.Delay

	var err error
	for i := 1; ; i++ {
		if err = fn(); err == nil {
			return nil
		}
		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}
		if i == attempts {
			return err
		}

		t := time.NewTimer(p.spread(delay))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		if p.Multiplier > 1 {
			delay = time.Duration(float64(delay) * p.Multiplier)
		}
	}
}

func (p Policy) spread(d time.Duration) time.Duration {
	if p.Jitter <= 0 || d <= 0 {
		return d
	}
	span := float64(d) * p.Jitter
	return time.Duration(float64(d) - span + rand.Float64()*2*span)
}

// Do retries with exponential backoff from baseDelay and ±25% jitter.
func Do(ctx context.Context, attempts int, baseDelay time.Duration, fn func() error) error {
	return Policy{Attempts: attempts, Delay: baseDelay, Multiplier: 2, Jitter: 0.25}.Run(ctx, fn)
}

// Poll retries at a fixed interval. It suits state that changes on its own
// schedule, such as a transaction reaching confirmation.
func Poll(ctx context.Context, attempts int, interval time.Duration, fn func() error) error {
	return Policy{Attempts: attempts, Delay: interval}.Run(ctx, fn)
}
