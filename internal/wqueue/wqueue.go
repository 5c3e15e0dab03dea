// Package wqueue defines the work-queue Store contract shared by the
// Outbox, Inbox, Scheduler (timers and job runs) primitives: enqueue, claim,
// ack, abandon, fail, reap, revive, get. Rather than four parallel
// interfaces, the contract is one generic WorkQueueStore[Row], with each
// primitive supplying its own Row specialization.
package wqueue

import (
	"context"
	"time"
)

// Status is the lifecycle state of a work-queue row. The same status set
// is shared by every primitive; Inbox is the only one that uses Dead
// (terminal-failure) instead of Failed, by convention rather than by type.
type Status string

const (
	StatusReady      Status = "ready"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
	StatusDead       Status = "dead"
)

// Row is the minimal shape every work-queue row specialization must expose
// so that generic dispatch code (the multi-store polling loop, the reap
// pass) can operate over it without knowing the concrete primitive.
type Row interface {
	RowID() string
}

// Tx is an opaque caller-supplied transaction handle. Store implementations
// type-assert it to their own driver's transaction type (e.g. pgx.Tx); core
// packages never inspect it. A nil Tx means "enlist in an internal,
// store-managed transaction."
type Tx any

// ClaimOptions bounds one claim call.
type ClaimOptions struct {
	OwnerToken  string
	LeaseFor    time.Duration
	BatchSize   int
}

// Store is the uniform work-queue contract of DESIGN NOTES §9's
// WorkQueueStore[Row]. Implementations must guarantee claim atomicity
// (select-with-skip-lock and update in one statement or row-locked
// transaction) so concurrent claimers observe disjoint row sets, ordered by
// (nextAttemptAt, createdAt, id).
type Store[R Row] interface {
	// Enqueue inserts a Ready row. If tx is non-nil the insert is enlisted
	// in the caller's transaction instead of an internally managed one.
	Enqueue(ctx context.Context, tx Tx, row R) (string, error)

	// Claim atomically selects up to opts.BatchSize eligible rows, marks
	// them InProgress under opts.OwnerToken with lockedUntil = now +
	// opts.LeaseFor, and returns them. Never blocks waiting on rows locked
	// by another claimer.
	Claim(ctx context.Context, opts ClaimOptions) ([]R, error)

	// Ack marks the given ids Done, but only those whose current owner
	// token matches ownerToken. Mismatches are silently skipped: a reap
	// between claim and ack is indistinguishable from a crashed worker. A
	// non-nil tx lets the scheduler and join coordinator co-transact the ack
	// with a dependent insert (the outbox row a timer/job-run/join hands
	// off into), guaranteeing exactly-once hand-off per spec.md §4.6/§4.9.
	AckTx(ctx context.Context, tx Tx, ownerToken string, ids []string) error

	// Abandon releases ownership, returns matching rows to Ready after
	// delay, increments their retry counter, and records lastErr.
	Abandon(ctx context.Context, ownerToken string, ids []string, lastErr string, delay time.Duration) error

	// Fail marks matching rows terminally Failed/Dead and records err.
	Fail(ctx context.Context, ownerToken string, ids []string, err string) error

	// Reap reclaims all InProgress rows whose lockedUntil has elapsed,
	// returning them to Ready as if an error-less Abandon had occurred. It
	// is the only mutation permitted without an owner-token match. Returns
	// the count reclaimed.
	Reap(ctx context.Context, now time.Time) (int, error)

	// Revive moves Failed/Dead rows back to Ready, optionally delayed.
	Revive(ctx context.Context, ids []string, delay time.Duration) error

	// Get fetches one row's full projection.
	Get(ctx context.Context, id string) (R, error)

	// RunInTx runs fn inside a store-managed transaction and passes the
	// handle as Tx, for callers that need to co-transact an Ack with a
	// dependent write but don't otherwise hold a transaction.
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Ack is a convenience wrapper for the common case of acking outside any
// caller-managed transaction.
func Ack[R Row](ctx context.Context, s Store[R], ownerToken string, ids []string) error {
	return s.AckTx(ctx, nil, ownerToken, ids)
}
