package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/incursa/platform-sub002/internal/outbox"
	"github.com/incursa/platform-sub002/internal/postgres"
	"github.com/incursa/platform-sub002/internal/storetest"
	"github.com/incursa/platform-sub002/internal/wqueue"
)

func TestOutboxStoreCompliance(t *testing.T) {
	pool, cleanup := SetupPool(t)
	defer cleanup()

	newRow := func(id, topic string) outbox.Row {
		now := time.Now().UTC()
		return outbox.Row{ID: id, Topic: topic, Status: wqueue.StatusReady, CreatedAt: now, NextAttemptAt: now}
	}
	storetest.RunStoreComplianceTest[outbox.Row](t, func() (wqueue.Store[outbox.Row], func()) {
		return postgres.NewOutboxStore(pool, "infra", ""), func() {}
	}, newRow)
}

func TestOutboxStoreClaimThenAckInSameTransaction(t *testing.T) {
	pool, cleanup := SetupPool(t)
	defer cleanup()
	store := postgres.NewOutboxStore(pool, "infra", "")
	ctx := context.Background()

	now := time.Now().UTC()
	id, err := store.Enqueue(ctx, nil, outbox.Row{Topic: "t", Status: wqueue.StatusReady, CreatedAt: now, NextAttemptAt: now})
	require.NoError(t, err)

	rows, err := store.Claim(ctx, wqueue.ClaimOptions{OwnerToken: "owner-1", LeaseFor: time.Minute, BatchSize: 1})
	require.NoError(t, err)
	require.Len(t, rows, 1)

	err = store.RunInTx(ctx, func(ctx context.Context, tx wqueue.Tx) error {
		return store.AckTx(ctx, tx, "owner-1", []string{id})
	})
	require.NoError(t, err)

	row, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, wqueue.StatusDone, row.Status)
}
