// Package retry implements the bounded retry loop used for optimistic
// concurrency. Read-check-then-conditional-write sequences are retried as
// a unit when the version check fails; all other errors propagate
// immediately.
package retry

import (
	"context"
	"math/rand"
	"time"

	"tallybook/internal/core/apperror"
	"tallybook/pkg/logger"
)

// Policy bounds the retry loop.
type Policy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int

	// BaseDelay is the sleep before the second attempt; doubled each
	// further attempt up to MaxDelay.
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// Jitter is the random fraction (0..1) added to each delay to avoid
	// retry storms between colliding writers.
	Jitter float64
}

// DefaultPolicy matches the observed conflict-retry behavior: a handful
// of attempts with short exponential backoff before surfacing the
// conflict to the caller.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    250 * time.Millisecond,
		Jitter:      0.5,
	}
}

// Do runs fn, retrying while it fails with CONCURRENT_MODIFICATION.
// The last conflict error is returned once the attempt budget is spent.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}

	var err error
	delay := p.BaseDelay

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if !apperror.IsConcurrentModification(err) {
			return err
		}
		if attempt == p.MaxAttempts {
			break
		}

		logger.Debug(ctx, "write conflict, retrying",
			"attempt", attempt,
			"delay", delay.String(),
		)

		if err := sleep(ctx, withJitter(delay, p.Jitter)); err != nil {
			return err
		}
		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}

	return err
}

func withJitter(d time.Duration, jitter float64) time.Duration {
	if jitter <= 0 || d <= 0 {
		return d
	}
	return d + time.Duration(rand.Float64()*jitter*float64(d))
}

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
