package integration

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/incursa/platform-sub002/internal/postgres"
)

func TestInboxStoreAlreadyProcessedDedupesBySourceAndMessageID(t *testing.T) {
	pool, cleanup := SetupPool(t)
	defer cleanup()
	store := postgres.NewInboxStore(pool, "infra", "")
	ctx := context.Background()

	already, err := store.AlreadyProcessed(ctx, "msg-1", "svc-a", nil)
	require.NoError(t, err)
	assert.False(t, already, "first sighting of (svc-a, msg-1) must not be reported as already processed")

	already, err = store.AlreadyProcessed(ctx, "msg-1", "svc-a", nil)
	require.NoError(t, err)
	assert.False(t, already, "still Seen (not Done), so not yet processed")

	require.NoError(t, store.MarkProcessed(ctx, "msg-1", "svc-a"))

	already, err = store.AlreadyProcessed(ctx, "msg-1", "svc-a", nil)
	require.NoError(t, err)
	assert.True(t, already)

	already, err = store.AlreadyProcessed(ctx, "msg-1", "svc-b", nil)
	require.NoError(t, err)
	assert.False(t, already, "same messageId under a different source is a distinct key")
}
