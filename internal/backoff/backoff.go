// Package backoff computes the exponential-with-jitter retry delay used by
// the Outbox, Inbox, and Join dispatch loops. It wraps
// github.com/sethvargo/go-retry's backoff generator rather than
// hand-rolling the exponential/jitter math the way the teacher's
// PostgresCoordinator.calculateRetryDelay once did.
package backoff

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"
)

// Policy is the configurable schedule of spec.md §4.4: exponential with
// jitter, capped. Default schedule in seconds: 1, 2, 4, 8, 16, 32, 60,
// 60, ... with +/-10% jitter.
type Policy struct {
	Base           time.Duration
	Cap            time.Duration
	JitterPercent  uint64
}

// DefaultPolicy matches spec.md's default schedule.
func DefaultPolicy() Policy {
	return Policy{
		Base:          1 * time.Second,
		Cap:           60 * time.Second,
		JitterPercent: 10,
	}
}

// DelayForAttempt returns the delay to apply before retrying the attempt'th
// failure (1-indexed: the delay after the first failure is DelayForAttempt(1)).
// It rebuilds a fresh go-retry backoff generator and advances it attempt
// times rather than keeping long-lived per-row state, since attempt counts
// are persisted on the row, not held in memory between dispatches.
func (p Policy) DelayForAttempt(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	b, err := retry.NewExponential(p.Base)
	if err != nil {
		// Base <= 0 is a configuration error caught by Validate; fall back
		// to the unjittered cap so a misconfigured policy degrades safely
		// instead of panicking deep inside a dispatch loop.
		return p.Cap
	}
	b = retry.WithCappedDuration(p.Cap, b)
	b = retry.WithJitterPercent(p.JitterPercent, b)

	var delay time.Duration
	for i := 0; i < attempt; i++ {
		d, stop := b.Next()
		if stop {
			return p.Cap
		}
		delay = d
	}
	return delay
}

// Validate reports whether the policy is usable.
func (p Policy) Validate() error {
	if p.Base <= 0 {
		return errInvalid("base must be positive")
	}
	if p.Cap < p.Base {
		return errInvalid("cap must be >= base")
	}
	if p.JitterPercent > 100 {
		return errInvalid("jitter percent must be between 0 and 100")
	}
	return nil
}

type errInvalid string

func (e errInvalid) Error() string { return "backoff: " + string(e) }

// JoinRetryDelay is the short, fixed-cadence delay the fan-in join handler
// uses when a sibling member is still non-terminal (spec.md §4.9): 2s *
// (attempt % 10), plus jitter, rather than the full exponential schedule —
// a join is expected to resolve soon, not after minutes of backoff.
func JoinRetryDelay(ctx context.Context, attempt int) time.Duration {
	n := attempt % 10
	base := time.Duration(n) * 2 * time.Second
	if base == 0 {
		base = 2 * time.Second
	}
	b, err := retry.NewConstant(base)
	if err != nil {
		return base
	}
	b = retry.WithJitterPercent(20, b)
	d, stop := b.Next()
	if stop {
		return base
	}
	return d
}
