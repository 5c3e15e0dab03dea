// Package storetest runs one behavioral test battery against any
// wqueue.Store implementation, adapted from the teacher's
// storage/compliance.RunStorageComplianceTest pattern: an in-memory fake
// used in unit tests, and the real PostgreSQL implementation under
// integration tests.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/incursa/platform-sub002/internal/wqueue"
)

// NewRowFunc builds a fresh Ready row with the given topic/id for the
// primitive under test.
type NewRowFunc[R wqueue.Row] func(id, topic string) R

// Setup returns a clean Store instance plus a teardown func, mirroring the
// teacher's `setup func() (core.Storage, func())` shape.
type Setup[R wqueue.Row] func() (wqueue.Store[R], func())

// RunStoreComplianceTest runs the shared battery of claim/ack/abandon/fail/
// reap/revive behavior against setup().
func RunStoreComplianceTest[R wqueue.Row](t *testing.T, setup Setup[R], newRow NewRowFunc[R]) {
	t.Run("EnqueueThenGet", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()
		ctx := context.Background()

		row := newRow("", "topic-a")
		id, err := store.Enqueue(ctx, nil, row)
		require.NoError(t, err)
		require.NotEmpty(t, id)

		fetched, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, id, fetched.RowID())
	})

	t.Run("ClaimIsAtomicAcrossConcurrentClaimers", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()
		ctx := context.Background()

		const n = 20
		for i := 0; i < n; i++ {
			_, err := store.Enqueue(ctx, nil, newRow("", "topic-a"))
			require.NoError(t, err)
		}

		var mu sync.Mutex
		seen := make(map[string]int)
		var wg sync.WaitGroup
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func(owner int) {
				defer wg.Done()
				token := ownerToken(owner)
				rows, err := store.Claim(ctx, wqueue.ClaimOptions{OwnerToken: token, LeaseFor: time.Minute, BatchSize: n})
				if err != nil {
					return
				}
				mu.Lock()
				for _, r := range rows {
					seen[r.RowID()]++
				}
				mu.Unlock()
			}(w)
		}
		wg.Wait()

		for id, count := range seen {
			assert.Equalf(t, 1, count, "row %s claimed by more than one worker", id)
		}
	})

	t.Run("AckRequiresMatchingOwnerToken", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()
		ctx := context.Background()

		id, err := store.Enqueue(ctx, nil, newRow("", "topic-a"))
		require.NoError(t, err)

		rows, err := store.Claim(ctx, wqueue.ClaimOptions{OwnerToken: "owner-1", LeaseFor: time.Minute, BatchSize: 1})
		require.NoError(t, err)
		require.Len(t, rows, 1)

		// A stale/mismatched owner's ack is a silent no-op: the row is
		// still claimable by no one (still InProgress under owner-1) until
		// the correct owner acks it.
		require.NoError(t, store.AckTx(ctx, nil, "owner-2", []string{id}))
		require.NoError(t, store.AckTx(ctx, nil, "owner-1", []string{id}))
	})

	t.Run("AbandonReturnsRowToReadyAfterDelay", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()
		ctx := context.Background()

		id, err := store.Enqueue(ctx, nil, newRow("", "topic-a"))
		require.NoError(t, err)

		rows, err := store.Claim(ctx, wqueue.ClaimOptions{OwnerToken: "owner-1", LeaseFor: time.Minute, BatchSize: 1})
		require.NoError(t, err)
		require.Len(t, rows, 1)

		require.NoError(t, store.Abandon(ctx, "owner-1", []string{id}, "boom", 0))

		rows2, err := store.Claim(ctx, wqueue.ClaimOptions{OwnerToken: "owner-2", LeaseFor: time.Minute, BatchSize: 1})
		require.NoError(t, err)
		require.Len(t, rows2, 1)
		assert.Equal(t, id, rows2[0].RowID())
	})

	t.Run("FailIsTerminal", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()
		ctx := context.Background()

		id, err := store.Enqueue(ctx, nil, newRow("", "topic-a"))
		require.NoError(t, err)

		rows, err := store.Claim(ctx, wqueue.ClaimOptions{OwnerToken: "owner-1", LeaseFor: time.Minute, BatchSize: 1})
		require.NoError(t, err)
		require.Len(t, rows, 1)
		require.NoError(t, store.Fail(ctx, "owner-1", []string{id}, "poison"))

		rows2, err := store.Claim(ctx, wqueue.ClaimOptions{OwnerToken: "owner-2", LeaseFor: time.Minute, BatchSize: 50})
		require.NoError(t, err)
		for _, r := range rows2 {
			assert.NotEqual(t, id, r.RowID(), "a failed row must not be re-claimable")
		}
	})

	t.Run("ReapReclaimsExpiredLeases", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()
		ctx := context.Background()

		id, err := store.Enqueue(ctx, nil, newRow("", "topic-a"))
		require.NoError(t, err)

		_, err = store.Claim(ctx, wqueue.ClaimOptions{OwnerToken: "owner-1", LeaseFor: -time.Second, BatchSize: 1})
		require.NoError(t, err)

		n, err := store.Reap(ctx, time.Now().UTC())
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, 1)

		rows, err := store.Claim(ctx, wqueue.ClaimOptions{OwnerToken: "owner-2", LeaseFor: time.Minute, BatchSize: 1})
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, id, rows[0].RowID())
	})

	t.Run("ReviveMovesTerminalRowsBackToReady", func(t *testing.T) {
		store, teardown := setup()
		defer teardown()
		ctx := context.Background()

		id, err := store.Enqueue(ctx, nil, newRow("", "topic-a"))
		require.NoError(t, err)
		rows, err := store.Claim(ctx, wqueue.ClaimOptions{OwnerToken: "owner-1", LeaseFor: time.Minute, BatchSize: 1})
		require.NoError(t, err)
		require.Len(t, rows, 1)
		require.NoError(t, store.Fail(ctx, "owner-1", []string{id}, "poison"))

		require.NoError(t, store.Revive(ctx, []string{id}, 0))

		rows2, err := store.Claim(ctx, wqueue.ClaimOptions{OwnerToken: "owner-2", LeaseFor: time.Minute, BatchSize: 1})
		require.NoError(t, err)
		require.Len(t, rows2, 1)
		assert.Equal(t, id, rows2[0].RowID())
	})
}

func ownerToken(n int) string {
	const alphabet = "abcdefghijklmnopqrstuvwxyz"
	return "owner-" + string(alphabet[n%len(alphabet)])
}
