package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/incursa/platform-sub002/internal/postgres"
)

func TestLeaseStoreFencingTokenIncreasesAcrossTakeover(t *testing.T) {
	pool, cleanup := SetupPool(t)
	defer cleanup()
	store := postgres.NewLeaseStore(pool, "infra", "")
	ctx := context.Background()

	res1, err := store.Acquire(ctx, "job-x", "owner-a", 10*time.Millisecond)
	require.NoError(t, err)
	require.True(t, res1.Acquired)

	time.Sleep(20 * time.Millisecond) // let owner-a's lease expire

	res2, err := store.Acquire(ctx, "job-x", "owner-b", time.Minute)
	require.NoError(t, err)
	require.True(t, res2.Acquired)
	assert.Greater(t, res2.FencingToken, res1.FencingToken)
}

func TestLeaseStoreRenewRejectsWrongOwner(t *testing.T) {
	pool, cleanup := SetupPool(t)
	defer cleanup()
	store := postgres.NewLeaseStore(pool, "infra", "")
	ctx := context.Background()

	_, err := store.Acquire(ctx, "job-y", "owner-a", time.Minute)
	require.NoError(t, err)

	res, err := store.Renew(ctx, "job-y", "owner-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, res.Renewed)

	res, err = store.Renew(ctx, "job-y", "owner-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Renewed)
}
