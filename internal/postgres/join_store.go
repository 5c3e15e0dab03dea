package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/incursa/platform-sub002/internal/join"
	"github.com/incursa/platform-sub002/internal/wqueue"
)

// JoinStore implements join.Store against infra.joins/infra.join_members. A
// member's terminal-ness is read straight off the status of the outbox row
// it references, so the join coordinator never keeps its own duplicate copy
// of member state.
type JoinStore struct {
	pool   *pgxpool.Pool
	schema string
}

func NewJoinStore(pool *pgxpool.Pool, schema string) *JoinStore {
	if schema == "" {
		schema = "infra"
	}
	return &JoinStore{pool: pool, schema: schema}
}

func (s *JoinStore) joinsTable() string   { return s.schema + ".joins" }
func (s *JoinStore) membersTable() string { return s.schema + ".join_members" }
func (s *JoinStore) outboxTable() string  { return s.schema + ".outbox" }

func (s *JoinStore) MemberStatuses(ctx context.Context, joinID string) ([]join.MemberStatus, error) {
	q := fmt.Sprintf(`SELECT o.status FROM %s m JOIN %s o ON o.id = m.outbox_message_id
		WHERE m.join_id = $1`, s.membersTable(), s.outboxTable())
	rows, err := s.pool.Query(ctx, q, joinID)
	if err != nil {
		return nil, fmt.Errorf("postgres: member statuses for join %q: %w", joinID, err)
	}
	defer rows.Close()

	var out []join.MemberStatus
	for rows.Next() {
		var status string
		if err := rows.Scan(&status); err != nil {
			return nil, fmt.Errorf("postgres: scan member status: %w", err)
		}
		switch wqueue.Status(status) {
		case wqueue.StatusDone:
			out = append(out, join.MemberSucceeded)
		case wqueue.StatusFailed, wqueue.StatusDead:
			out = append(out, join.MemberFailed)
		default:
			out = append(out, join.MemberNonTerminal)
		}
	}
	return out, rows.Err()
}

func (s *JoinStore) resolveQuerier(tx wqueue.Tx) (pgx.Tx, bool) {
	if tx == nil {
		return nil, false
	}
	t, ok := tx.(pgx.Tx)
	return t, ok
}

func (s *JoinStore) MarkCompleted(ctx context.Context, tx wqueue.Tx, joinID string) error {
	q := fmt.Sprintf(`UPDATE %s SET completed_at = now() WHERE join_id = $1 AND completed_at IS NULL AND failed_at IS NULL`, s.joinsTable())
	if pt, ok := s.resolveQuerier(tx); ok {
		_, err := pt.Exec(ctx, q, joinID)
		return err
	}
	_, err := s.pool.Exec(ctx, q, joinID)
	return err
}

func (s *JoinStore) MarkFailed(ctx context.Context, tx wqueue.Tx, joinID string) error {
	q := fmt.Sprintf(`UPDATE %s SET failed_at = now() WHERE join_id = $1 AND completed_at IS NULL AND failed_at IS NULL`, s.joinsTable())
	if pt, ok := s.resolveQuerier(tx); ok {
		_, err := pt.Exec(ctx, q, joinID)
		return err
	}
	_, err := s.pool.Exec(ctx, q, joinID)
	return err
}

// CreateJoin inserts the JoinRow a caller groups outbox messages under
// before enqueueing its join.wait message.
func (s *JoinStore) CreateJoin(ctx context.Context, tx wqueue.Tx, joinID string, failIfAnyStepFailed bool) error {
	q := fmt.Sprintf(`INSERT INTO %s (join_id, fail_if_any_step_failed) VALUES ($1, $2)`, s.joinsTable())
	if pt, ok := s.resolveQuerier(tx); ok {
		_, err := pt.Exec(ctx, q, joinID, failIfAnyStepFailed)
		return err
	}
	_, err := s.pool.Exec(ctx, q, joinID, failIfAnyStepFailed)
	return err
}

// AddMember attaches an outbox message as a member of joinID.
func (s *JoinStore) AddMember(ctx context.Context, tx wqueue.Tx, joinID, outboxMessageID string) error {
	q := fmt.Sprintf(`INSERT INTO %s (join_id, outbox_message_id) VALUES ($1, $2)`, s.membersTable())
	if pt, ok := s.resolveQuerier(tx); ok {
		_, err := pt.Exec(ctx, q, joinID, outboxMessageID)
		return err
	}
	_, err := s.pool.Exec(ctx, q, joinID, outboxMessageID)
	return err
}
