// Package join implements the fan-in "join" coordinator (C9): wait until
// every sibling outbox message of a join is terminal, then emit a single
// downstream completion or failure message.
package join

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/incursa/platform-sub002/internal/corr"
	"github.com/incursa/platform-sub002/internal/outbox"
	"github.com/incursa/platform-sub002/internal/wqueue"
)

// WaitTopic is the reserved outbox topic the coordinator's handler is
// registered against.
const WaitTopic = "join.wait"

// MemberStatus is a sibling outbox message's terminal-ness as observed by
// the join coordinator; it tracks wqueue.Status but only the terminal
// subset matters here.
type MemberStatus string

const (
	MemberNonTerminal MemberStatus = "non_terminal"
	MemberSucceeded   MemberStatus = "succeeded"
	MemberFailed      MemberStatus = "failed"
)

// WaitPayload is the payload shape of a join.wait message.
type WaitPayload struct {
	JoinID               string `json:"joinId"`
	FailIfAnyStepFailed  bool   `json:"failIfAnyStepFailed"`
	OnCompleteTopic      string `json:"onCompleteTopic,omitempty"`
	OnCompletePayload    []byte `json:"onCompletePayload,omitempty"`
	OnFailTopic          string `json:"onFailTopic,omitempty"`
	OnFailPayload        []byte `json:"onFailPayload,omitempty"`
}

// Store is the persistence seam for join membership: JoinRow/JoinMemberRow
// of spec.md §3.
type Store interface {
	// MemberStatuses returns the terminal-ness of every member of joinID.
	MemberStatuses(ctx context.Context, joinID string) ([]MemberStatus, error)
	// MarkCompleted/MarkFailed record the join's terminal outcome inside tx,
	// idempotently: a second call after the join is already terminal is a
	// no-op, satisfying invariant 7 (completion is idempotent).
	MarkCompleted(ctx context.Context, tx wqueue.Tx, joinID string) error
	MarkFailed(ctx context.Context, tx wqueue.Tx, joinID string) error
}

// Coordinator wires a Store against an Outbox so join.wait messages can
// co-transact their completion/fail hand-off with the ack of the wait
// message itself.
type Coordinator struct {
	store Store
	out   *outbox.Outbox
	outTx wqueue.Store[outbox.Row]
}

// New constructs a Coordinator. outTx is the same underlying store `out`
// dispatches against; it is needed separately because RunInTx/AckTx live on
// the Store interface, not on the higher-level Outbox facade.
func New(store Store, out *outbox.Outbox, outTx wqueue.Store[outbox.Row]) *Coordinator {
	return &Coordinator{store: store, out: out, outTx: outTx}
}

// RegisterHandler binds the join.wait handler onto the Outbox's handler
// registry. Call this once during composition.
func (c *Coordinator) RegisterHandler() {
	c.out.RegisterHandler(WaitTopic, c.handleWait)
}

func (c *Coordinator) handleWait(ctx context.Context, row outbox.Row, _ corr.Context) error {
	var payload WaitPayload
	if err := json.Unmarshal(row.Payload, &payload); err != nil {
		return &wqueue.PermanentFailure{Err: fmt.Errorf("join.wait: malformed payload: %w", err)}
	}

	statuses, err := c.store.MemberStatuses(ctx, payload.JoinID)
	if err != nil {
		return &wqueue.Transient{Err: fmt.Errorf("join.wait: member statuses: %w", err)}
	}

	anyFailed := false
	for _, st := range statuses {
		if st == MemberNonTerminal {
			return &wqueue.JoinNotReady{JoinID: payload.JoinID}
		}
		if st == MemberFailed {
			anyFailed = true
		}
	}

	return c.outTx.RunInTx(ctx, func(ctx context.Context, tx wqueue.Tx) error {
		if anyFailed && payload.FailIfAnyStepFailed {
			if err := c.store.MarkFailed(ctx, tx, payload.JoinID); err != nil {
				return err
			}
			if payload.OnFailTopic != "" {
				if _, err := c.out.Enqueue(ctx, tx, payload.OnFailTopic, payload.OnFailPayload, row.CorrelationID, nil); err != nil {
					return err
				}
			}
			return nil
		}
		if err := c.store.MarkCompleted(ctx, tx, payload.JoinID); err != nil {
			return err
		}
		if payload.OnCompleteTopic != "" {
			if _, err := c.out.Enqueue(ctx, tx, payload.OnCompleteTopic, payload.OnCompletePayload, row.CorrelationID, nil); err != nil {
				return err
			}
		}
		return nil
	})
}

// EnqueueJoinWait enqueues the join.wait outbox message for joinID.
func EnqueueJoinWait(ctx context.Context, out *outbox.Outbox, tx wqueue.Tx, p WaitPayload) (string, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("join: marshal wait payload: %w", err)
	}
	return out.Enqueue(ctx, tx, WaitTopic, body, "", nil)
}
