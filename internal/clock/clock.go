// Package clock separates wall-clock time (persisted, business-facing) from
// monotonic time (timeouts, retry delays, lease renewal), so that NTP
// corrections, DST transitions, or a paused VM never masquerade as elapsed
// work.
package clock

import "time"

// Wall produces UTC timestamps for database columns and business scheduling.
// It is injectable so tests can simulate time without sleeping.
type Wall interface {
	Now() time.Time
}

// Monotonic returns a non-decreasing high-resolution instant. Its values are
// never persisted; they only ever feed Deadline arithmetic.
type Monotonic interface {
	Now() Instant
}

// Instant is an opaque point on a monotonic clock. The only meaningful
// operations on it are comparison and subtraction against another Instant
// from the same clock.
type Instant struct {
	t time.Time
}

// Sub returns the duration elapsed from other to i. Negative if other is
// later.
func (i Instant) Sub(other Instant) time.Duration {
	return i.t.Sub(other.t)
}

// Add returns the Instant d later than i.
func (i Instant) Add(d time.Duration) Instant {
	return Instant{t: i.t.Add(d)}
}

// After reports whether i is strictly later than other.
func (i Instant) After(other Instant) bool {
	return i.t.After(other.t)
}

// Before reports whether i is strictly earlier than other.
func (i Instant) Before(other Instant) bool {
	return i.t.Before(other.t)
}

// SystemWall is the production Wall clock backed by time.Now().UTC().
type SystemWall struct{}

func (SystemWall) Now() time.Time { return time.Now().UTC() }

// SystemMonotonic is the production Monotonic clock backed by time.Now(),
// which on all supported platforms carries a monotonic reading alongside
// the wall-clock one; only Instant.Sub/Add/After/Before ever touch it.
type SystemMonotonic struct{}

func (SystemMonotonic) Now() Instant { return Instant{t: time.Now()} }

// Deadline wraps a monotonic instant and answers whether it has elapsed
// relative to a given Monotonic clock. Deadlines are never serialized; they
// exist only for the lifetime of an in-process timeout or renewal schedule.
type Deadline struct {
	at Instant
}

// NewDeadline returns a Deadline d from now, measured against mono.
func NewDeadline(mono Monotonic, d time.Duration) Deadline {
	return Deadline{at: mono.Now().Add(d)}
}

// DeadlineAt wraps an already-computed Instant.
func DeadlineAt(at Instant) Deadline {
	return Deadline{at: at}
}

// Expired reports whether the deadline has passed according to mono.
func (d Deadline) Expired(mono Monotonic) bool {
	return !mono.Now().Before(d.at)
}

// Remaining returns the duration left until the deadline, measured against
// mono. Zero or negative once expired.
func (d Deadline) Remaining(mono Monotonic) time.Duration {
	return d.at.Sub(mono.Now())
}

// Instant exposes the underlying monotonic instant, e.g. to chain a renewal
// schedule off a previous deadline rather than off "now".
func (d Deadline) Instant() Instant {
	return d.at
}
