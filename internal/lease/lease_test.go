package lease_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/incursa/platform-sub002/internal/clock"
	"github.com/incursa/platform-sub002/internal/lease"
)

// fakeLeaseStore mimics the single-row-per-name upsert semantics of the
// Postgres lease store closely enough to drive Runner through its state
// machine without a database.
type fakeLeaseStore struct {
	mu sync.Mutex

	owner        string
	leaseUntil   time.Time
	fencingToken int64

	denyRenew bool
}

func (s *fakeLeaseStore) Acquire(ctx context.Context, name, owner string, dur time.Duration) (lease.AcquireResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if s.owner != "" && s.owner != owner && s.leaseUntil.After(now) {
		return lease.AcquireResult{Acquired: false, ServerNow: now}, nil
	}
	s.owner = owner
	s.leaseUntil = now.Add(dur)
	s.fencingToken++
	return lease.AcquireResult{
		Acquired:     true,
		LeaseUntil:   s.leaseUntil,
		FencingToken: s.fencingToken,
		ServerNow:    now,
	}, nil
}

func (s *fakeLeaseStore) Renew(ctx context.Context, name, owner string, dur time.Duration) (lease.RenewResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if s.denyRenew || s.owner != owner {
		return lease.RenewResult{Renewed: false, ServerNow: now}, nil
	}
	s.leaseUntil = now.Add(dur)
	return lease.RenewResult{Renewed: true, LeaseUntil: s.leaseUntil, ServerNow: now}, nil
}

func (s *fakeLeaseStore) Release(ctx context.Context, name, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owner == owner {
		s.owner = ""
	}
	return nil
}

func TestLeaseAcquireRejectsConcurrentOwner(t *testing.T) {
	store := &fakeLeaseStore{}
	mono := clock.SystemMonotonic{}

	r1, err := lease.Acquire(context.Background(), store, mono, "job", "owner-a", time.Minute, 0.6)
	require.NoError(t, err)
	require.NotNil(t, r1)
	assert.Equal(t, lease.StateHeld, r1.State())
	assert.Equal(t, int64(1), r1.FencingToken())

	r2, err := lease.Acquire(context.Background(), store, mono, "job", "owner-b", time.Minute, 0.6)
	require.NoError(t, err)
	assert.Nil(t, r2, "lease already held by owner-a")

	require.NoError(t, r1.Release(context.Background()))
}

func TestLeaseRenewsBeforeExpiry(t *testing.T) {
	store := &fakeLeaseStore{}
	mono := clock.SystemMonotonic{}

	r, err := lease.Acquire(context.Background(), store, mono, "job", "owner-a", 60*time.Millisecond, 0.5)
	require.NoError(t, err)
	require.NotNil(t, r)

	select {
	case <-r.Done():
		t.Fatal("lease reported lost before any renewal failure occurred")
	case <-time.After(150 * time.Millisecond):
	}
	assert.Equal(t, lease.StateHeld, r.State())

	require.NoError(t, r.Release(context.Background()))
	<-r.Done()
	assert.Equal(t, lease.StateReleased, r.State())
}

func TestLeaseLostAfterRenewalDenied(t *testing.T) {
	store := &fakeLeaseStore{}
	mono := clock.SystemMonotonic{}

	r, err := lease.Acquire(context.Background(), store, mono, "job", "owner-a", 40*time.Millisecond, 0.5)
	require.NoError(t, err)
	require.NotNil(t, r)

	store.mu.Lock()
	store.denyRenew = true
	store.mu.Unlock()

	select {
	case <-r.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("lease never reported lost after renewal was denied")
	}
	assert.Equal(t, lease.StateLost, r.State())
	assert.Error(t, r.ThrowIfLost())
}
