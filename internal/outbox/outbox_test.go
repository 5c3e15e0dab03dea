package outbox_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/incursa/platform-sub002/internal/clock"
	"github.com/incursa/platform-sub002/internal/corr"
	"github.com/incursa/platform-sub002/internal/outbox"
	"github.com/incursa/platform-sub002/internal/storetest"
	"github.com/incursa/platform-sub002/internal/wqueue"
)

func accessor() storetest.Accessor[outbox.Row] {
	return storetest.Accessor[outbox.Row]{
		WithID:     func(r outbox.Row, id string) outbox.Row { r.ID = id; return r },
		Status:     func(r outbox.Row) wqueue.Status { return r.Status },
		WithStatus: func(r outbox.Row, s wqueue.Status) outbox.Row { r.Status = s; return r },
		OwnerToken: func(r outbox.Row) string { return r.OwnerToken },
		WithOwnerToken: func(r outbox.Row, t string) outbox.Row { r.OwnerToken = t; return r },
		LockedUntil:     func(r outbox.Row) time.Time { return r.LockedUntil },
		WithLockedUntil: func(r outbox.Row, t time.Time) outbox.Row { r.LockedUntil = t; return r },
		NextAttemptAt:     func(r outbox.Row) time.Time { return r.NextAttemptAt },
		WithNextAttemptAt: func(r outbox.Row, t time.Time) outbox.Row { r.NextAttemptAt = t; return r },
		DueTime:    func(r outbox.Row) *time.Time { return r.DueTimeUtc },
		RetryCount: func(r outbox.Row) int { return r.RetryCount },
		IncRetryCount: func(r outbox.Row) outbox.Row { r.RetryCount++; return r },
		WithLastError: func(r outbox.Row, e string) outbox.Row { r.LastError = e; return r },
		CreatedAt:     func(r outbox.Row) time.Time { return r.CreatedAt },
	}
}

func newStore(wall clock.Wall) *storetest.FakeStore[outbox.Row] {
	return storetest.NewFakeStore[outbox.Row](accessor(), wall.Now, wqueue.StatusFailed)
}

func TestOutboxHappyPath(t *testing.T) {
	wall := clock.NewFake(time.Unix(1700000000, 0).UTC())
	store := newStore(wall)
	ob := outbox.New(store, wall, outbox.DefaultOptions())

	var gotTopic string
	ob.RegisterHandler("t", func(ctx context.Context, row outbox.Row, cc corr.Context) error {
		gotTopic = row.Topic
		return nil
	})

	id, err := ob.Enqueue(context.Background(), nil, "t", []byte("p"), "", nil)
	require.NoError(t, err)

	n, err := ob.DispatchBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "t", gotTopic)

	row, err := ob.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, wqueue.StatusDone, row.Status)
	assert.Equal(t, 0, row.RetryCount)
}

func TestOutboxTransientRetryThenSucceeds(t *testing.T) {
	wall := clock.NewFake(time.Unix(1700000000, 0).UTC())
	store := newStore(wall)
	ob := outbox.New(store, wall, outbox.DefaultOptions())

	calls := 0
	ob.RegisterHandler("t", func(ctx context.Context, row outbox.Row, cc corr.Context) error {
		calls++
		if calls == 1 {
			return errors.New("boom")
		}
		return nil
	})

	id, err := ob.Enqueue(context.Background(), nil, "t", []byte("p"), "", nil)
	require.NoError(t, err)

	_, err = ob.DispatchBatch(context.Background())
	require.NoError(t, err)

	row, err := ob.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, wqueue.StatusReady, row.Status)
	assert.Equal(t, 1, row.RetryCount)
	assert.NotEmpty(t, row.LastError)

	wall.Advance(2 * time.Second)
	n, err := ob.DispatchBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	row, err = ob.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, wqueue.StatusDone, row.Status)
}

func TestOutboxPermanentFailureGoesToFailed(t *testing.T) {
	wall := clock.NewFake(time.Unix(1700000000, 0).UTC())
	store := newStore(wall)
	ob := outbox.New(store, wall, outbox.DefaultOptions())

	ob.RegisterHandler("t", func(ctx context.Context, row outbox.Row, cc corr.Context) error {
		return &wqueue.PermanentFailure{Err: errors.New("poison")}
	})

	id, err := ob.Enqueue(context.Background(), nil, "t", []byte("p"), "", nil)
	require.NoError(t, err)

	_, err = ob.DispatchBatch(context.Background())
	require.NoError(t, err)

	row, err := ob.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, wqueue.StatusFailed, row.Status)
}

func TestOutboxRunsComplianceSuite(t *testing.T) {
	storetestRunner(t)
}

func storetestRunner(t *testing.T) {
	wall := clock.NewFake(time.Unix(1700000000, 0).UTC())
	newRow := func(id, topic string) outbox.Row {
		now := wall.Now()
		return outbox.Row{ID: id, Topic: topic, Status: wqueue.StatusReady, CreatedAt: now, NextAttemptAt: now}
	}
	storetest.RunStoreComplianceTest[outbox.Row](t, func() (wqueue.Store[outbox.Row], func()) {
		return newStore(wall), func() {}
	}, newRow)
}
