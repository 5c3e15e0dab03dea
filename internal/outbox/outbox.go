// Package outbox implements the enqueue+dispatch side of the transactional
// outbox pattern (C4): enqueue standalone or inside a caller's transaction,
// dispatch via a topic handler registry, classify handler outcomes, and
// retry with exponential backoff.
package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/incursa/platform-sub002/internal/backoff"
	"github.com/incursa/platform-sub002/internal/clock"
	"github.com/incursa/platform-sub002/internal/corr"
	"github.com/incursa/platform-sub002/internal/wqueue"
)

// Row is the OutboxRow of spec.md §3.
type Row struct {
	ID            string
	Topic         string
	Payload       []byte
	CreatedAt     time.Time
	DueTimeUtc    *time.Time
	CorrelationID string
	MessageID     string
	Status        wqueue.Status
	OwnerToken    string
	LockedUntil   time.Time
	RetryCount    int
	NextAttemptAt time.Time
	LastError     string
	ProcessedAt   *time.Time
	ProcessedBy   string
}

func (r Row) RowID() string { return r.ID }

// Handler processes one claimed row. It returns nil on success, or one of
// *wqueue.PermanentFailure / *wqueue.JoinNotReady / *wqueue.JobCancelled to
// steer classification; any other error (including a bare one) is treated
// as Transient per spec.md §7.
type Handler func(ctx context.Context, row Row, cc corr.Context) error

// UnknownTopicPolicy decides what happens when a row's topic has no
// registered handler.
type UnknownTopicPolicy int

const (
	// PolicyRetry abandons with a retryable error, on the theory that a
	// handler may be registered later in the process lifetime (a rolling
	// deploy where not every instance has every handler yet).
	PolicyRetry UnknownTopicPolicy = iota
	// PolicyComplete acks the row as if a no-op handler ran.
	PolicyComplete
	// PolicyPoison fails the row immediately.
	PolicyPoison
)

// Options configures an Outbox.
type Options struct {
	BackoffPolicy      backoff.Policy
	UnknownTopicPolicy UnknownTopicPolicy
	LeaseFor           time.Duration
	BatchSize          int

	// InterItemDelay, if non-zero, is slept between handler invocations
	// within a claimed batch — a relief valve for a noisy-neighbor store,
	// grounded in ReconciliationConfig.RateLimitDelay. Zero (the default)
	// disables rate limiting.
	InterItemDelay time.Duration
}

// DefaultOptions matches spec.md §6's configuration defaults.
func DefaultOptions() Options {
	return Options{
		BackoffPolicy:      backoff.DefaultPolicy(),
		UnknownTopicPolicy: PolicyRetry,
		LeaseFor:           300 * time.Second,
		BatchSize:          50,
	}
}

// Outbox enqueues and dispatches OutboxRows against a Store.
type Outbox struct {
	store    wqueue.Store[Row]
	wall     clock.Wall
	opts     Options
	handlers map[string]Handler
}

// New constructs an Outbox bound to store.
func New(store wqueue.Store[Row], wall clock.Wall, opts Options) *Outbox {
	return &Outbox{
		store:    store,
		wall:     wall,
		opts:     opts,
		handlers: make(map[string]Handler),
	}
}

// RegisterHandler binds topic to h. Registration is an explicit parameter
// of construction/use, never global mutable state (DESIGN NOTES §9).
func (o *Outbox) RegisterHandler(topic string, h Handler) {
	o.handlers[topic] = h
}

// Enqueue inserts a Ready row, optionally inside tx so it commits atomically
// with the caller's own business data. A nil tx uses an internally managed
// transaction. MessageID is always a freshly generated UUID.
func (o *Outbox) Enqueue(ctx context.Context, tx wqueue.Tx, topic string, payload []byte, correlationID string, dueTimeUtc *time.Time) (string, error) {
	if topic == "" {
		return "", &wqueue.ValidationError{Field: "topic", Err: fmt.Errorf("must not be empty")}
	}
	now := o.wall.Now()
	row := Row{
		ID:            uuid.Must(uuid.NewV7()).String(),
		Topic:         topic,
		Payload:       payload,
		CreatedAt:     now,
		DueTimeUtc:    dueTimeUtc,
		CorrelationID: correlationID,
		MessageID:     uuid.NewString(),
		Status:        wqueue.StatusReady,
		NextAttemptAt: now,
	}
	return o.store.Enqueue(ctx, tx, row)
}

// DispatchBatch claims up to BatchSize rows under a freshly minted owner
// token, invokes the registered handler for each, classifies the outcome,
// and issues batched ack/abandon/fail calls. It returns the number of rows
// claimed. A single row's handler error never aborts the batch (spec.md
// §7).
func (o *Outbox) DispatchBatch(ctx context.Context) (int, error) {
	ownerToken := uuid.NewString()
	rows, err := o.store.Claim(ctx, wqueue.ClaimOptions{
		OwnerToken: ownerToken,
		LeaseFor:   o.opts.LeaseFor,
		BatchSize:  o.opts.BatchSize,
	})
	if err != nil {
		return 0, fmt.Errorf("outbox: claim: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	var toAck []string
	type abandonment struct {
		id    string
		err   string
		delay time.Duration
	}
	var toAbandon []abandonment
	var toFail []struct {
		id  string
		err string
	}

	for i, row := range rows {
		if o.opts.InterItemDelay > 0 && i > 0 {
			select {
			case <-ctx.Done():
				rows = rows[:i]
			case <-time.After(o.opts.InterItemDelay):
			}
			if len(rows) == i {
				break
			}
		}

		cc := corr.Context{CorrelationID: row.CorrelationID, OwnerToken: ownerToken}.WithRow(row.ID, row.Topic)
		handleErr := o.invoke(ctx, row, cc, ownerToken)

		switch {
		case handleErr == nil:
			toAck = append(toAck, row.ID)
		case wqueue.IsPermanentFailure(handleErr), wqueue.IsPanic(handleErr), wqueue.IsJobCancelled(handleErr):
			toFail = append(toFail, struct {
				id  string
				err string
			}{row.ID, handleErr.Error()})
		case wqueue.IsJoinNotReady(handleErr):
			toAbandon = append(toAbandon, abandonment{
				id: row.ID, err: handleErr.Error(),
				delay: backoff.JoinRetryDelay(ctx, row.RetryCount+1),
			})
		default:
			toAbandon = append(toAbandon, abandonment{
				id: row.ID, err: handleErr.Error(),
				delay: o.opts.BackoffPolicy.DelayForAttempt(row.RetryCount + 1),
			})
		}
	}

	if len(toAck) > 0 {
		if err := o.store.AckTx(ctx, nil, ownerToken, toAck); err != nil {
			return len(rows), fmt.Errorf("outbox: ack: %w", err)
		}
	}
	for _, a := range toAbandon {
		if err := o.store.Abandon(ctx, ownerToken, []string{a.id}, a.err, a.delay); err != nil {
			slog.ErrorContext(ctx, "outbox: abandon failed", "row_id", a.id, "error", err)
		}
	}
	for _, f := range toFail {
		if err := o.store.Fail(ctx, ownerToken, []string{f.id}, f.err); err != nil {
			slog.ErrorContext(ctx, "outbox: fail failed", "row_id", f.id, "error", err)
		}
	}

	return len(rows), nil
}

func (o *Outbox) invoke(ctx context.Context, row Row, cc corr.Context, ownerToken string) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &wqueue.PanicError{Value: p, Stack: debug.Stack()}
			slog.ErrorContext(ctx, "outbox: handler panicked",
				append(cc.LogAttrs(), "panic", p)...)
		}
	}()

	h, ok := o.handlers[row.Topic]
	if !ok {
		switch o.opts.UnknownTopicPolicy {
		case PolicyComplete:
			return nil
		case PolicyPoison:
			return &wqueue.PermanentFailure{Err: fmt.Errorf("no handler registered for topic %q", row.Topic)}
		default:
			return &wqueue.Transient{Err: fmt.Errorf("no handler registered for topic %q", row.Topic)}
		}
	}
	return h(ctx, row, cc)
}

// Get fetches one row's full projection.
func (o *Outbox) Get(ctx context.Context, id string) (Row, error) {
	return o.store.Get(ctx, id)
}

// Revive moves a Failed row back to Ready.
func (o *Outbox) Revive(ctx context.Context, ids []string, delay time.Duration) error {
	return o.store.Revive(ctx, ids, delay)
}

// Reap reclaims rows whose lease elapsed.
func (o *Outbox) Reap(ctx context.Context) (int, error) {
	return o.store.Reap(ctx, o.wall.Now())
}
