// Package inbox implements the deduplicating, retriable inbound-message
// queue (C5): a synchronous dedupe surface for edges (alreadyProcessed) plus
// an asynchronous queued pipeline that reuses the work-queue protocol.
package inbox

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

// Row is the InboxRow of spec.md §3. Primary key is (Source, MessageID).
type Row struct {
	MessageID     string
	Source        string
	Topic         string
	Payload       []byte
	Hash          []byte
	FirstSeenUtc  time.Time
	LastSeenUtc   time.Time
	DueTimeUtc    *time.Time
	Attempt       int
	Status        wqueue.Status
	OwnerToken    string
	LockedUntil   time.Time
	NextAttemptAt time.Time
	LastError     string
}

func (r Row) RowID() string { return r.Source + "\x00" + r.MessageID }

// Handler processes one claimed queued-inbox row.
type Handler func(ctx context.Context, row Row, cc corr.Context) error

// Dedupe is the synchronous edge surface of spec.md §4.5(a): an atomic
// upsert keyed by (source, messageId[, hash]).
type Dedupe interface {
	// AlreadyProcessed performs the atomic upsert. Returns alreadyProcessed
	// = (the row already existed AND its status is Done); a brand-new key
	// always returns false. A differing hash for an existing key is
	// treated as a distinct logical message per the Open Question decision
	// recorded in DESIGN.md: derive the stored key from (source, messageId,
	// hash) when hash is non-empty.
	AlreadyProcessed(ctx context.Context, messageID, source string, hash []byte) (bool, error)
	MarkProcessing(ctx context.Context, messageID, source string) error
	MarkProcessed(ctx context.Context, messageID, source string) error
	MarkDead(ctx context.Context, messageID, source string) error
}

// Options configures an Inbox.
type Options struct {
	BackoffPolicy backoff.Policy
	MaxAttempts   int
	LeaseFor      time.Duration
	BatchSize     int

	// InterItemDelay, if non-zero, is slept between handler invocations
	// within a claimed batch. See Options.InterItemDelay in package outbox.
	InterItemDelay time.Duration
}

// DefaultOptions matches spec.md §6: inbox maxAttempts default 5.
func DefaultOptions() Options {
	return Options{
		BackoffPolicy: backoff.DefaultPolicy(),
		MaxAttempts:   5,
		LeaseFor:      300 * time.Second,
		BatchSize:     50,
	}
}

// Inbox queues and dispatches Rows against a Store, and exposes the
// synchronous Dedupe surface against the same underlying table.
type Inbox struct {
	store    wqueue.Store[Row]
	dedupe   Dedupe
	wall     clock.Wall
	opts     Options
	handlers map[string]Handler
}

func New(store wqueue.Store[Row], dedupe Dedupe, wall clock.Wall, opts Options) *Inbox {
	return &Inbox{store: store, dedupe: dedupe, wall: wall, opts: opts, handlers: make(map[string]Handler)}
}

func (ib *Inbox) RegisterHandler(topic string, h Handler) {
	ib.handlers[topic] = h
}

// AlreadyProcessed is the synchronous dedupe entry point. See Dedupe.
func (ib *Inbox) AlreadyProcessed(ctx context.Context, messageID, source string, hash []byte) (bool, error) {
	if messageID == "" || source == "" {
		return false, &wqueue.ValidationError{Field: "messageID/source", Err: fmt.Errorf("must not be empty")}
	}
	return ib.dedupe.AlreadyProcessed(ctx, messageID, source, hash)
}

func (ib *Inbox) MarkProcessing(ctx context.Context, messageID, source string) error {
	return ib.dedupe.MarkProcessing(ctx, messageID, source)
}

func (ib *Inbox) MarkProcessed(ctx context.Context, messageID, source string) error {
	return ib.dedupe.MarkProcessed(ctx, messageID, source)
}

func (ib *Inbox) MarkDead(ctx context.Context, messageID, source string) error {
	return ib.dedupe.MarkDead(ctx, messageID, source)
}

// Enqueue inserts a Ready row eligible for the queued-inbox dispatcher.
func (ib *Inbox) Enqueue(ctx context.Context, topic, source, messageID string, payload, hash []byte, dueTimeUtc *time.Time) error {
	if topic == "" || source == "" || messageID == "" {
		return &wqueue.ValidationError{Field: "topic/source/messageID", Err: fmt.Errorf("must not be empty")}
	}
	now := ib.wall.Now()
	row := Row{
		MessageID:     messageID,
		Source:        source,
		Topic:         topic,
		Payload:       payload,
		Hash:          hash,
		FirstSeenUtc:  now,
		LastSeenUtc:   now,
		DueTimeUtc:    dueTimeUtc,
		Status:        wqueue.StatusReady,
		NextAttemptAt: now,
	}
	_, err := ib.store.Enqueue(ctx, nil, row)
	return err
}

// DispatchBatch mirrors Outbox.DispatchBatch but routes rows exceeding
// MaxAttempts to Fail (Dead) instead of retrying forever, since inbox
// attempts are bounded unlike outbox's unlimited-until-terminal-kind policy.
func (ib *Inbox) DispatchBatch(ctx context.Context) (int, error) {
	ownerToken := uuid.NewString()
	rows, err := ib.store.Claim(ctx, wqueue.ClaimOptions{
		OwnerToken: ownerToken,
		LeaseFor:   ib.opts.LeaseFor,
		BatchSize:  ib.opts.BatchSize,
	})
	if err != nil {
		return 0, fmt.Errorf("inbox: claim: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	var toAck []string
	var toFail []struct {
		id  string
		err string
	}
	var toAbandon []struct {
		id    string
		err   string
		delay time.Duration
	}

	for i, row := range rows {
		if ib.opts.InterItemDelay > 0 && i > 0 {
			select {
			case <-ctx.Done():
				rows = rows[:i]
			case <-time.After(ib.opts.InterItemDelay):
			}
			if len(rows) == i {
				break
			}
		}

		cc := corr.Context{OwnerToken: ownerToken}.WithRow(row.RowID(), row.Topic)
		handleErr := ib.invoke(ctx, row, cc)

		switch {
		case handleErr == nil:
			toAck = append(toAck, row.RowID())
		case wqueue.IsPermanentFailure(handleErr), wqueue.IsPanic(handleErr), wqueue.IsJobCancelled(handleErr):
			toFail = append(toFail, struct {
				id  string
				err string
			}{row.RowID(), handleErr.Error()})
		case ib.opts.MaxAttempts > 0 && row.Attempt+1 >= ib.opts.MaxAttempts:
			toFail = append(toFail, struct {
				id  string
				err string
			}{row.RowID(), fmt.Sprintf("max attempts exceeded: %v", handleErr)})
		default:
			toAbandon = append(toAbandon, struct {
				id    string
				err   string
				delay time.Duration
			}{row.RowID(), handleErr.Error(), ib.opts.BackoffPolicy.DelayForAttempt(row.Attempt + 1)})
		}
	}

	if len(toAck) > 0 {
		if err := ib.store.AckTx(ctx, nil, ownerToken, toAck); err != nil {
			return len(rows), fmt.Errorf("inbox: ack: %w", err)
		}
	}
	for _, f := range toFail {
		if err := ib.store.Fail(ctx, ownerToken, []string{f.id}, f.err); err != nil {
			slog.ErrorContext(ctx, "inbox: fail failed", "row_id", f.id, "error", err)
		}
	}
	for _, a := range toAbandon {
		if err := ib.store.Abandon(ctx, ownerToken, []string{a.id}, a.err, a.delay); err != nil {
			slog.ErrorContext(ctx, "inbox: abandon failed", "row_id", a.id, "error", err)
		}
	}

	return len(rows), nil
}

func (ib *Inbox) invoke(ctx context.Context, row Row, cc corr.Context) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &wqueue.PanicError{Value: p, Stack: debug.Stack()}
			slog.ErrorContext(ctx, "inbox: handler panicked", append(cc.LogAttrs(), "panic", p)...)
		}
	}()
	h, ok := ib.handlers[row.Topic]
	if !ok {
		return &wqueue.Transient{Err: fmt.Errorf("no handler registered for topic %q", row.Topic)}
	}
	return h(ctx, row, cc)
}

func (ib *Inbox) Reap(ctx context.Context) (int, error) {
	return ib.store.Reap(ctx, ib.wall.Now())
}

func (ib *Inbox) Revive(ctx context.Context, ids []string, delay time.Duration) error {
	return ib.store.Revive(ctx, ids, delay)
}
