package storeprovider_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/incursa/platform-sub002/internal/storeprovider"
)

func TestConfiguredResolvesByRoutingKey(t *testing.T) {
	stores := []storeprovider.Store{{ID: "a"}, {ID: "b"}}
	p := storeprovider.NewConfigured(stores, func(s storeprovider.Store) []string {
		if s.ID == "a" {
			return []string{"tenant-1"}
		}
		return []string{"tenant-2"}
	})

	all, err := p.GetAllStores(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 2)

	s, err := p.GetStoreByKey(context.Background(), "tenant-2")
	require.NoError(t, err)
	assert.Equal(t, "b", s.ID)

	_, err = p.GetStoreByKey(context.Background(), "no-such-tenant")
	assert.Error(t, err)
}

func TestRoundRobinCyclesEvenly(t *testing.T) {
	stores := []storeprovider.Store{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	rr := &storeprovider.RoundRobin{}

	var seen []string
	for i := 0; i < 6; i++ {
		s := rr.SelectNext(stores, nil, 0)
		require.NotNil(t, s)
		seen = append(seen, s.ID)
	}
	assert.Equal(t, []string{"a", "b", "c", "a", "b", "c"}, seen)
}

func TestRoundRobinEmptyStoreListReturnsNil(t *testing.T) {
	rr := &storeprovider.RoundRobin{}
	assert.Nil(t, rr.SelectNext(nil, nil, 0))
}

func TestDrainFirstRepollsBusyStore(t *testing.T) {
	stores := []storeprovider.Store{{ID: "a"}, {ID: "b"}}
	d := &storeprovider.DrainFirst{}

	first := d.SelectNext(stores, nil, 0)
	require.NotNil(t, first)

	// A full batch from "a" means DrainFirst should re-select "a" rather
	// than rotate away from a store that still has backlog.
	again := d.SelectNext(stores, first, 50)
	require.NotNil(t, again)
	assert.Equal(t, first.ID, again.ID)

	// An empty batch means the store is drained; move on.
	next := d.SelectNext(stores, again, 0)
	require.NotNil(t, next)
	assert.NotEqual(t, again.ID, next.ID)
}

type fakeDiscovery struct {
	mu     sync.Mutex
	stores []storeprovider.Store
}

func (f *fakeDiscovery) Discover(ctx context.Context) ([]storeprovider.Store, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]storeprovider.Store, len(f.stores))
	copy(out, f.stores)
	return out, nil
}

func (f *fakeDiscovery) set(stores []storeprovider.Store) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stores = stores
}

func TestDynamicRefreshPicksUpNewAndRemovedStores(t *testing.T) {
	disc := &fakeDiscovery{stores: []storeprovider.Store{{ID: "a"}}}
	d, err := storeprovider.NewDynamic(context.Background(), disc, time.Hour, nil)
	require.NoError(t, err)

	all, err := d.GetAllStores(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "a", all[0].ID)

	disc.set([]storeprovider.Store{{ID: "b"}, {ID: "c"}})

	// Run() only refreshes on its own ticker; a short-interval Dynamic proves
	// the same discovery seam picks up the change without waiting an hour.
	fast, err := storeprovider.NewDynamic(context.Background(), disc, 10*time.Millisecond, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go fast.Run(ctx)
	defer cancel()

	require.Eventually(t, func() bool {
		all, err := fast.GetAllStores(context.Background())
		return err == nil && len(all) == 2
	}, time.Second, 5*time.Millisecond)
}
