package dispatcher_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/incursa/platform-sub002/internal/clock"
	"github.com/incursa/platform-sub002/internal/dispatcher"
	"github.com/incursa/platform-sub002/internal/lease"
	"github.com/incursa/platform-sub002/internal/storeprovider"
)

type oneStoreProvider struct{ store storeprovider.Store }

func (p oneStoreProvider) GetAllStores(ctx context.Context) ([]storeprovider.Store, error) {
	return []storeprovider.Store{p.store}, nil
}
func (p oneStoreProvider) GetStoreByKey(ctx context.Context, key string) (storeprovider.Store, error) {
	return p.store, nil
}
func (p oneStoreProvider) GetStoreIdentifier(s storeprovider.Store) string { return s.ID }

func runFor(t *testing.T, l *dispatcher.Loop, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	_ = l.Run(ctx)
}

func TestLoopDispatchesRepeatedlyUntilCancelled(t *testing.T) {
	var calls int64
	provider := oneStoreProvider{store: storeprovider.Store{ID: "s1"}}
	l := dispatcher.New("test", provider, &storeprovider.RoundRobin{},
		func(ctx context.Context, s storeprovider.Store) (int, error) {
			atomic.AddInt64(&calls, 1)
			return 0, nil
		}, nil, nil, clock.SystemMonotonic{},
		dispatcher.Options{Interval: 5 * time.Millisecond})

	runFor(t, l, 60*time.Millisecond)
	assert.GreaterOrEqual(t, atomic.LoadInt64(&calls), int64(3))
}

func TestLoopReapsOnFirstPassThenOnInterval(t *testing.T) {
	var reaps int64
	provider := oneStoreProvider{store: storeprovider.Store{ID: "s1"}}
	l := dispatcher.New("test", provider, &storeprovider.RoundRobin{},
		func(ctx context.Context, s storeprovider.Store) (int, error) { return 0, nil },
		func(ctx context.Context, s storeprovider.Store) (int, error) {
			atomic.AddInt64(&reaps, 1)
			return 0, nil
		}, nil, clock.SystemMonotonic{},
		dispatcher.Options{Interval: 5 * time.Millisecond, ReapInterval: time.Hour})

	runFor(t, l, 30*time.Millisecond)
	assert.Equal(t, int64(1), atomic.LoadInt64(&reaps), "reap interval is an hour, only the first-pass reap should fire")
}

type alwaysDenyLeaseStore struct{}

func (alwaysDenyLeaseStore) Acquire(ctx context.Context, name, owner string, dur time.Duration) (lease.AcquireResult, error) {
	return lease.AcquireResult{Acquired: false}, nil
}
func (alwaysDenyLeaseStore) Renew(ctx context.Context, name, owner string, dur time.Duration) (lease.RenewResult, error) {
	return lease.RenewResult{Renewed: false}, nil
}
func (alwaysDenyLeaseStore) Release(ctx context.Context, name, owner string) error { return nil }

func TestLoopSkipsDispatchWhenExclusivityLeaseUnavailable(t *testing.T) {
	var calls int64
	provider := oneStoreProvider{store: storeprovider.Store{ID: "s1"}}
	mono := clock.SystemMonotonic{}
	leaseStore := alwaysDenyLeaseStore{}

	acquire := func(ctx context.Context, s storeprovider.Store) (*lease.Runner, error) {
		return lease.Acquire(ctx, leaseStore, mono, "lease-"+s.ID, "owner", time.Minute, 0.6)
	}

	l := dispatcher.New("test", provider, &storeprovider.RoundRobin{},
		func(ctx context.Context, s storeprovider.Store) (int, error) {
			atomic.AddInt64(&calls, 1)
			return 0, nil
		}, nil, acquire, mono,
		dispatcher.Options{Interval: 5 * time.Millisecond})

	runFor(t, l, 30*time.Millisecond)
	assert.Equal(t, int64(0), atomic.LoadInt64(&calls), "another fleet member holds the exclusivity lease; this loop must not dispatch")
}

type alwaysGrantLeaseStore struct{}

func (alwaysGrantLeaseStore) Acquire(ctx context.Context, name, owner string, dur time.Duration) (lease.AcquireResult, error) {
	return lease.AcquireResult{Acquired: true, FencingToken: 1}, nil
}
func (alwaysGrantLeaseStore) Renew(ctx context.Context, name, owner string, dur time.Duration) (lease.RenewResult, error) {
	return lease.RenewResult{Renewed: true}, nil
}
func (alwaysGrantLeaseStore) Release(ctx context.Context, name, owner string) error { return nil }

func TestLoopDispatchesWhenExclusivityLeaseGranted(t *testing.T) {
	var calls int64
	provider := oneStoreProvider{store: storeprovider.Store{ID: "s1"}}
	mono := clock.SystemMonotonic{}
	leaseStore := alwaysGrantLeaseStore{}

	acquire := func(ctx context.Context, s storeprovider.Store) (*lease.Runner, error) {
		return lease.Acquire(ctx, leaseStore, mono, "lease-"+s.ID, "owner", time.Minute, 0.6)
	}

	l := dispatcher.New("test", provider, &storeprovider.RoundRobin{},
		func(ctx context.Context, s storeprovider.Store) (int, error) {
			atomic.AddInt64(&calls, 1)
			return 0, nil
		}, nil, acquire, mono,
		dispatcher.Options{Interval: 5 * time.Millisecond})

	runFor(t, l, 30*time.Millisecond)
	assert.Greater(t, atomic.LoadInt64(&calls), int64(0))
}

func TestLoopIsolatesDispatchErrorsAcrossTicks(t *testing.T) {
	var calls int64
	provider := oneStoreProvider{store: storeprovider.Store{ID: "s1"}}
	l := dispatcher.New("test", provider, &storeprovider.RoundRobin{},
		func(ctx context.Context, s storeprovider.Store) (int, error) {
			n := atomic.AddInt64(&calls, 1)
			if n == 1 {
				return 0, assert.AnError
			}
			return 0, nil
		}, nil, nil, clock.SystemMonotonic{},
		dispatcher.Options{Interval: 5 * time.Millisecond})

	runFor(t, l, 40*time.Millisecond)
	require.GreaterOrEqual(t, atomic.LoadInt64(&calls), int64(2), "a dispatch error on one tick must not stop subsequent ticks")
}
