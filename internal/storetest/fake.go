package storetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/incursa/platform-sub002/internal/wqueue"
)

// Accessor lets FakeStore manipulate the work-queue metadata of an opaque
// row type R without knowing its concrete shape: each primitive's row
// struct differs (OutboxRow has correlationId, InboxRow has source/hash,
// ...) but all share the same status/owner/lease/retry fields by
// convention, not by a shared Go type. Each primitive's package supplies one
// Accessor alongside its own tests.
type Accessor[R wqueue.Row] struct {
	WithID            func(R, string) R
	Status            func(R) wqueue.Status
	WithStatus        func(R, wqueue.Status) R
	OwnerToken        func(R) string
	WithOwnerToken     func(R, string) R
	LockedUntil       func(R) time.Time
	WithLockedUntil   func(R, time.Time) R
	NextAttemptAt     func(R) time.Time
	WithNextAttemptAt func(R, time.Time) R
	DueTime           func(R) *time.Time
	RetryCount        func(R) int
	IncRetryCount     func(R) R
	WithLastError     func(R, string) R
	CreatedAt         func(R) time.Time
}

// FakeStore is an in-memory wqueue.Store[R] for unit tests: no database,
// but the same claim-atomicity and ordering contract, guarded by a mutex
// standing in for row-level locking.
type FakeStore[R wqueue.Row] struct {
	acc  Accessor[R]
	now  func() time.Time
	dead wqueue.Status // StatusFailed or StatusDead, whichever this primitive's Fail targets

	mu   sync.Mutex
	rows map[string]R
	seq  []string // insertion order, for createdAt tie-break
}

// NewFakeStore constructs a FakeStore. deadStatus is the terminal status
// Fail transitions rows into (StatusFailed for outbox/timers/job-runs,
// StatusDead for inbox).
func NewFakeStore[R wqueue.Row](acc Accessor[R], now func() time.Time, deadStatus wqueue.Status) *FakeStore[R] {
	return &FakeStore[R]{acc: acc, now: now, dead: deadStatus, rows: make(map[string]R)}
}

func (f *FakeStore[R]) Enqueue(ctx context.Context, tx wqueue.Tx, row R) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := row.RowID()
	if id == "" {
		id = uuid.NewString()
		row = f.acc.WithID(row, id)
	}
	if _, exists := f.rows[id]; exists {
		return "", fmt.Errorf("storetest: row %s already exists", id)
	}
	f.rows[id] = row
	f.seq = append(f.seq, id)
	return id, nil
}

func (f *FakeStore[R]) Claim(ctx context.Context, opts wqueue.ClaimOptions) ([]R, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	var eligible []string
	for _, id := range f.seq {
		row := f.rows[id]
		if f.acc.Status(row) != wqueue.StatusReady {
			continue
		}
		if due := f.acc.DueTime(row); due != nil && due.After(now) {
			continue
		}
		if naa := f.acc.NextAttemptAt(row); !naa.IsZero() && naa.After(now) {
			continue
		}
		eligible = append(eligible, id)
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		ri, rj := f.rows[eligible[i]], f.rows[eligible[j]]
		ai, aj := f.acc.NextAttemptAt(ri), f.acc.NextAttemptAt(rj)
		if !ai.Equal(aj) {
			return ai.Before(aj)
		}
		ci, cj := f.acc.CreatedAt(ri), f.acc.CreatedAt(rj)
		if !ci.Equal(cj) {
			return ci.Before(cj)
		}
		return eligible[i] < eligible[j]
	})

	if opts.BatchSize > 0 && len(eligible) > opts.BatchSize {
		eligible = eligible[:opts.BatchSize]
	}

	out := make([]R, 0, len(eligible))
	for _, id := range eligible {
		row := f.rows[id]
		row = f.acc.WithStatus(row, wqueue.StatusInProgress)
		row = f.acc.WithOwnerToken(row, opts.OwnerToken)
		row = f.acc.WithLockedUntil(row, now.Add(opts.LeaseFor))
		f.rows[id] = row
		out = append(out, row)
	}
	return out, nil
}

func (f *FakeStore[R]) AckTx(ctx context.Context, tx wqueue.Tx, ownerToken string, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		row, ok := f.rows[id]
		if !ok || f.acc.OwnerToken(row) != ownerToken {
			continue
		}
		row = f.acc.WithStatus(row, wqueue.StatusDone)
		f.rows[id] = row
	}
	return nil
}

func (f *FakeStore[R]) Abandon(ctx context.Context, ownerToken string, ids []string, lastErr string, delay time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.now()
	for _, id := range ids {
		row, ok := f.rows[id]
		if !ok || (ownerToken != "" && f.acc.OwnerToken(row) != ownerToken) {
			continue
		}
		row = f.acc.WithStatus(row, wqueue.StatusReady)
		row = f.acc.WithOwnerToken(row, "")
		row = f.acc.WithLockedUntil(row, time.Time{})
		row = f.acc.WithNextAttemptAt(row, now.Add(delay))
		row = f.acc.WithLastError(row, lastErr)
		row = f.acc.IncRetryCount(row)
		f.rows[id] = row
	}
	return nil
}

func (f *FakeStore[R]) Fail(ctx context.Context, ownerToken string, ids []string, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		row, ok := f.rows[id]
		if !ok || (ownerToken != "" && f.acc.OwnerToken(row) != ownerToken) {
			continue
		}
		row = f.acc.WithStatus(row, f.dead)
		row = f.acc.WithLastError(row, errMsg)
		f.rows[id] = row
	}
	return nil
}

func (f *FakeStore[R]) Reap(ctx context.Context, now time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for id, row := range f.rows {
		if f.acc.Status(row) != wqueue.StatusInProgress {
			continue
		}
		lu := f.acc.LockedUntil(row)
		if lu.IsZero() || lu.After(now) {
			continue
		}
		row = f.acc.WithStatus(row, wqueue.StatusReady)
		row = f.acc.WithOwnerToken(row, "")
		row = f.acc.WithLockedUntil(row, time.Time{})
		f.rows[id] = row
		n++
	}
	return n, nil
}

func (f *FakeStore[R]) Revive(ctx context.Context, ids []string, delay time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.now()
	for _, id := range ids {
		row, ok := f.rows[id]
		if !ok {
			continue
		}
		row = f.acc.WithStatus(row, wqueue.StatusReady)
		row = f.acc.WithNextAttemptAt(row, now.Add(delay))
		f.rows[id] = row
	}
	return nil
}

func (f *FakeStore[R]) Get(ctx context.Context, id string) (R, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok {
		var zero R
		return zero, wqueue.ErrNotFound
	}
	return row, nil
}

func (f *FakeStore[R]) RunInTx(ctx context.Context, fn func(ctx context.Context, tx wqueue.Tx) error) error {
	// The fake has no real transactions; fn's writes simply happen against
	// the same in-memory map under the store's own mutex-free reentrancy
	// contract, matching how tests use it for the scheduler/join hand-off.
	return fn(ctx, nil)
}
