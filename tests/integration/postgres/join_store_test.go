package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/google/uuid"

	"github.com/incursa/platform-sub002/internal/join"
	"github.com/incursa/platform-sub002/internal/outbox"
	"github.com/incursa/platform-sub002/internal/postgres"
	"github.com/incursa/platform-sub002/internal/wqueue"
)

func TestJoinStoreMemberStatusesReflectOutboxState(t *testing.T) {
	pool, cleanup := SetupPool(t)
	defer cleanup()
	ctx := context.Background()

	outboxStore := postgres.NewOutboxStore(pool, "infra", "")
	joinStore := postgres.NewJoinStore(pool, "infra")

	now := time.Now().UTC()
	memberID, err := outboxStore.Enqueue(ctx, nil, outbox.Row{Topic: "step", Status: wqueue.StatusReady, CreatedAt: now, NextAttemptAt: now})
	require.NoError(t, err)

	joinID := uuid.NewString()
	require.NoError(t, outboxStore.RunInTx(ctx, func(ctx context.Context, tx wqueue.Tx) error {
		if err := joinStore.CreateJoin(ctx, tx, joinID, false); err != nil {
			return err
		}
		return joinStore.AddMember(ctx, tx, joinID, memberID)
	}))

	statuses, err := joinStore.MemberStatuses(ctx, joinID)
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, join.MemberNonTerminal, statuses[0])

	rows, err := outboxStore.Claim(ctx, wqueue.ClaimOptions{OwnerToken: "owner-1", LeaseFor: time.Minute, BatchSize: 1})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.NoError(t, outboxStore.RunInTx(ctx, func(ctx context.Context, tx wqueue.Tx) error {
		return outboxStore.AckTx(ctx, tx, "owner-1", []string{memberID})
	}))

	statuses, err = joinStore.MemberStatuses(ctx, joinID)
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, join.MemberSucceeded, statuses[0])

	require.NoError(t, outboxStore.RunInTx(ctx, func(ctx context.Context, tx wqueue.Tx) error {
		return joinStore.MarkCompleted(ctx, tx, joinID)
	}))
	// Idempotent: marking failed afterward must not override completion.
	require.NoError(t, outboxStore.RunInTx(ctx, func(ctx context.Context, tx wqueue.Tx) error {
		return joinStore.MarkFailed(ctx, tx, joinID)
	}))
}
