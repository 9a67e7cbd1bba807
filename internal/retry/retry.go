// Package retry applies a bounded exponential-backoff policy to calls into
// external services.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/jmerrifield20/cdrledger/internal/faults"
)

// Policy describes how an operation is retried.
type Policy struct {
	Attempts   int           // total attempts including the first; default 3
	Initial    time.Duration // delay before the second attempt; default 500ms
	Max        time.Duration // cap on any single delay; default 10s
	Multiplier float64       // growth factor between delays; default 2
	Timeout    time.Duration // per-attempt deadline; 0 means none

	// OnRetry, when set, is called after each failed attempt that will be
	// retried.
	OnRetry func(op string, attempt int, err error)
}

// DefaultPolicy is used by components that are not given one.
var DefaultPolicy = Policy{
	Attempts:   3,
	Initial:    500 * time.Millisecond,
	Max:        10 * time.Second,
	Multiplier: 2,
	Timeout:    30 * time.Second,
}

func (p Policy) withDefaults() Policy {
	if p.Attempts <= 0 {
		p.Attempts = 3
	}
	if p.Initial <= 0 {
		p.Initial = 500 * time.Millisecond
	}
	if p.Max <= 0 {
		p.Max = 10 * time.Second
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2
	}
	return p
}

// Delay returns the wait before attempt n+1, where n counts from 1.
func (p Policy) Delay(n int) time.Duration {
	p = p.withDefaults()
	d := float64(p.Initial)
	for i := 1; i < n; i++ {
		d *= p.Multiplier
		if d >= float64(p.Max) {
			return p.Max
		}
	}
	return time.Duration(d)
}

// Do runs fn until it succeeds, returns a non-retryable error, the attempts
// are exhausted, or ctx is done. Each attempt receives a context bounded by
// p.Timeout. The returned error wraps the last failure.
func Do(ctx context.Context, p Policy, op string, fn func(ctx context.Context) error) error {
	p = p.withDefaults()

	var err error
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		err = runOnce(ctx, p.Timeout, fn)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", op, ctx.Err())
		}
		if !faults.IsRetryable(err) {
			return fmt.Errorf("%s: %w", op, err)
		}
		if attempt == p.Attempts {
			break
		}
		if p.OnRetry != nil {
			p.OnRetry(op, attempt, err)
		}

		t := time.NewTimer(p.Delay(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("%s: %w", op, ctx.Err())
		case <-t.C:
		}
	}
	return fmt.Errorf("%s: giving up after %d attempts: %w", op, p.Attempts, err)
}

func runOnce(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(ctx)
}
