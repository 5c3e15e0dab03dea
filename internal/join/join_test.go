package join_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/incursa/platform-sub002/internal/clock"
	"github.com/incursa/platform-sub002/internal/corr"
	"github.com/incursa/platform-sub002/internal/join"
	"github.com/incursa/platform-sub002/internal/outbox"
	"github.com/incursa/platform-sub002/internal/storetest"
	"github.com/incursa/platform-sub002/internal/wqueue"
)

// fakeJoinStore lets each test script a join's member statuses and records
// whether/how it was marked terminal.
type fakeJoinStore struct {
	mu        sync.Mutex
	statuses  map[string][]join.MemberStatus
	completed map[string]bool
	failed    map[string]bool
}

func newFakeJoinStore() *fakeJoinStore {
	return &fakeJoinStore{
		statuses:  map[string][]join.MemberStatus{},
		completed: map[string]bool{},
		failed:    map[string]bool{},
	}
}

func (s *fakeJoinStore) MemberStatuses(ctx context.Context, joinID string) ([]join.MemberStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statuses[joinID], nil
}

func (s *fakeJoinStore) MarkCompleted(ctx context.Context, tx wqueue.Tx, joinID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completed[joinID] || s.failed[joinID] {
		return nil
	}
	s.completed[joinID] = true
	return nil
}

func (s *fakeJoinStore) MarkFailed(ctx context.Context, tx wqueue.Tx, joinID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completed[joinID] || s.failed[joinID] {
		return nil
	}
	s.failed[joinID] = true
	return nil
}

func outboxAccessor() storetest.Accessor[outbox.Row] {
	return storetest.Accessor[outbox.Row]{
		WithID:            func(r outbox.Row, id string) outbox.Row { r.ID = id; return r },
		Status:            func(r outbox.Row) wqueue.Status { return r.Status },
		WithStatus:        func(r outbox.Row, s wqueue.Status) outbox.Row { r.Status = s; return r },
		OwnerToken:        func(r outbox.Row) string { return r.OwnerToken },
		WithOwnerToken:    func(r outbox.Row, t string) outbox.Row { r.OwnerToken = t; return r },
		LockedUntil:       func(r outbox.Row) time.Time { return r.LockedUntil },
		WithLockedUntil:   func(r outbox.Row, t time.Time) outbox.Row { r.LockedUntil = t; return r },
		NextAttemptAt:     func(r outbox.Row) time.Time { return r.NextAttemptAt },
		WithNextAttemptAt: func(r outbox.Row, t time.Time) outbox.Row { r.NextAttemptAt = t; return r },
		DueTime:           func(r outbox.Row) *time.Time { return r.DueTimeUtc },
		RetryCount:        func(r outbox.Row) int { return r.RetryCount },
		IncRetryCount:     func(r outbox.Row) outbox.Row { r.RetryCount++; return r },
		WithLastError:     func(r outbox.Row, e string) outbox.Row { r.LastError = e; return r },
		CreatedAt:         func(r outbox.Row) time.Time { return r.CreatedAt },
	}
}

func newOutbox(wall clock.Wall) (*outbox.Outbox, *storetest.FakeStore[outbox.Row]) {
	store := storetest.NewFakeStore[outbox.Row](outboxAccessor(), wall.Now, wqueue.StatusFailed)
	return outbox.New(store, wall, outbox.DefaultOptions()), store
}

func TestJoinWaitsUntilAllMembersTerminal(t *testing.T) {
	wall := clock.NewFake(time.Unix(1700000000, 0).UTC())
	ob, store := newOutbox(wall)
	joinStore := newFakeJoinStore()
	coord := join.New(joinStore, ob, store)
	coord.RegisterHandler()

	joinStore.statuses["j1"] = []join.MemberStatus{join.MemberSucceeded, join.MemberNonTerminal}

	id, err := join.EnqueueJoinWait(context.Background(), ob, nil, join.WaitPayload{
		JoinID: "j1", OnCompleteTopic: "done",
	})
	require.NoError(t, err)

	n, err := ob.DispatchBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	row, err := ob.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, wqueue.StatusReady, row.Status, "join.wait must retry while a sibling is non-terminal")
	assert.False(t, joinStore.completed["j1"])

	joinStore.mu.Lock()
	joinStore.statuses["j1"] = []join.MemberStatus{join.MemberSucceeded, join.MemberSucceeded}
	joinStore.mu.Unlock()

	wall.Advance(time.Minute)
	_, err = ob.DispatchBatch(context.Background())
	require.NoError(t, err)

	row, err = ob.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, wqueue.StatusDone, row.Status)
	assert.True(t, joinStore.completed["j1"])
}

func TestJoinFailsWhenAnyMemberFailedAndConfigured(t *testing.T) {
	wall := clock.NewFake(time.Unix(1700000000, 0).UTC())
	ob, store := newOutbox(wall)
	joinStore := newFakeJoinStore()
	coord := join.New(joinStore, ob, store)
	coord.RegisterHandler()

	joinStore.statuses["j2"] = []join.MemberStatus{join.MemberSucceeded, join.MemberFailed}

	var onFailCalls int
	ob.RegisterHandler("on-fail", func(ctx context.Context, row outbox.Row, cc corr.Context) error {
		onFailCalls++
		return nil
	})

	_, err := join.EnqueueJoinWait(context.Background(), ob, nil, join.WaitPayload{
		JoinID: "j2", FailIfAnyStepFailed: true, OnFailTopic: "on-fail",
	})
	require.NoError(t, err)

	_, err = ob.DispatchBatch(context.Background())
	require.NoError(t, err)

	assert.True(t, joinStore.failed["j2"])
	assert.False(t, joinStore.completed["j2"])

	wall.Advance(time.Minute)
	_, err = ob.DispatchBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, onFailCalls)
}

func TestJoinMarkCompletedIsIdempotent(t *testing.T) {
	joinStore := newFakeJoinStore()
	require.NoError(t, joinStore.MarkCompleted(context.Background(), nil, "j3"))
	require.NoError(t, joinStore.MarkFailed(context.Background(), nil, "j3"))
	assert.True(t, joinStore.completed["j3"])
	assert.False(t, joinStore.failed["j3"], "a join already completed must not also be marked failed")
}
