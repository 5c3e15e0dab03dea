package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/incursa/platform-sub002/internal/outbox"
	"github.com/incursa/platform-sub002/internal/wqueue"
)

// OutboxStore implements wqueue.Store[outbox.Row] against a pgxpool.Pool
// using raw pgx/v5 queries (no sqlc layer) with FOR UPDATE SKIP LOCKED for
// claim atomicity, grounded on the same hand-written-pgx style a plain
// job-scheduler reference repository uses for its ClaimAndFire query.
type OutboxStore struct {
	pool      *pgxpool.Pool
	schema    string
	tableName string
}

func NewOutboxStore(pool *pgxpool.Pool, schema, tableName string) *OutboxStore {
	if schema == "" {
		schema = "infra"
	}
	if tableName == "" {
		tableName = "outbox"
	}
	return &OutboxStore{pool: pool, schema: schema, tableName: tableName}
}

func (s *OutboxStore) table() string { return s.schema + "." + s.tableName }

// resolveQuerier type-asserts an opaque wqueue.Tx back to a pgx.Tx so a
// method can run either inside a caller's transaction or directly against
// the pool when tx is nil.
func (s *OutboxStore) resolveQuerier(tx wqueue.Tx) (pgx.Tx, bool) {
	if tx == nil {
		return nil, false
	}
	t, ok := tx.(pgx.Tx)
	return t, ok
}

func (s *OutboxStore) Enqueue(ctx context.Context, tx wqueue.Tx, row outbox.Row) (string, error) {
	const q = `INSERT INTO %s
		(id, topic, payload, created_at, due_time_utc, correlation_id, message_id, status, next_attempt_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`

	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if row.MessageID == "" {
		row.MessageID = uuid.NewString()
	}
	if row.Payload == nil {
		row.Payload = []byte{}
	}
	if pt, ok := s.resolveQuerier(tx); ok {
		_, err := pt.Exec(ctx, fmt.Sprintf(q, s.table()), row.ID, row.Topic, row.Payload, row.CreatedAt, row.DueTimeUtc, row.CorrelationID, row.MessageID, string(wqueue.StatusReady), row.NextAttemptAt)
		if err != nil {
			return "", fmt.Errorf("postgres: enqueue outbox row: %w", err)
		}
		return row.ID, nil
	}
	_, err := s.pool.Exec(ctx, fmt.Sprintf(q, s.table()), row.ID, row.Topic, row.Payload, row.CreatedAt, row.DueTimeUtc, row.CorrelationID, row.MessageID, string(wqueue.StatusReady), row.NextAttemptAt)
	if err != nil {
		return "", fmt.Errorf("postgres: enqueue outbox row: %w", err)
	}
	return row.ID, nil
}

func (s *OutboxStore) Claim(ctx context.Context, opts wqueue.ClaimOptions) ([]outbox.Row, error) {
	q := fmt.Sprintf(`
		WITH claimed AS (
			SELECT id FROM %s
			WHERE status = 'ready'
			  AND next_attempt_at <= now()
			  AND (due_time_utc IS NULL OR due_time_utc <= now())
			ORDER BY next_attempt_at ASC, created_at ASC, id ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE %s o
		SET status = 'in_progress', owner_token = $2, locked_until = now() + $3
		FROM claimed
		WHERE o.id = claimed.id
		RETURNING o.id, o.topic, o.payload, o.created_at, o.due_time_utc, o.correlation_id,
		          o.message_id, o.status, o.owner_token, o.locked_until, o.retry_count,
		          o.next_attempt_at, o.last_error, o.processed_at, o.processed_by`, s.table(), s.table())

	rows, err := s.pool.Query(ctx, q, opts.BatchSize, opts.OwnerToken, opts.LeaseFor)
	if err != nil {
		return nil, fmt.Errorf("postgres: claim outbox rows: %w", err)
	}
	defer rows.Close()

	var out []outbox.Row
	for rows.Next() {
		var r outbox.Row
		var status string
		if err := rows.Scan(&r.ID, &r.Topic, &r.Payload, &r.CreatedAt, &r.DueTimeUtc, &r.CorrelationID,
			&r.MessageID, &status, &r.OwnerToken, &r.LockedUntil, &r.RetryCount,
			&r.NextAttemptAt, &r.LastError, &r.ProcessedAt, &r.ProcessedBy); err != nil {
			return nil, fmt.Errorf("postgres: scan claimed outbox row: %w", err)
		}
		r.Status = wqueue.Status(status)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *OutboxStore) AckTx(ctx context.Context, tx wqueue.Tx, ownerToken string, ids []string) error {
	q := fmt.Sprintf(`UPDATE %s SET status = 'done', processed_at = now(), processed_by = $1
		WHERE id = ANY($2) AND owner_token = $1`, s.table())
	if pt, ok := s.resolveQuerier(tx); ok {
		_, err := pt.Exec(ctx, q, ownerToken, ids)
		return err
	}
	_, err := s.pool.Exec(ctx, q, ownerToken, ids)
	return err
}

func (s *OutboxStore) Abandon(ctx context.Context, ownerToken string, ids []string, lastErr string, delay time.Duration) error {
	q := fmt.Sprintf(`UPDATE %s SET status = 'ready', owner_token = NULL, locked_until = NULL,
		retry_count = retry_count + 1, next_attempt_at = now() + $1, last_error = $2
		WHERE id = ANY($3) AND owner_token = $4`, s.table())
	_, err := s.pool.Exec(ctx, q, delay, lastErr, ids, ownerToken)
	return err
}

// Fail marks matching rows terminally Failed and writes an audit-trail copy
// into infra.dead_letter in the same statement, modeled on the teacher's
// MoveToDeadLetter: the row itself never leaves infra.outbox, so Revive
// keeps working against it unmodified.
func (s *OutboxStore) Fail(ctx context.Context, ownerToken string, ids []string, errMsg string) error {
	q := fmt.Sprintf(`
		WITH dead AS (
			UPDATE %s SET status = 'failed', last_error = $1
			WHERE id = ANY($2) AND owner_token = $3
			RETURNING id, topic, payload, retry_count
		)
		INSERT INTO %s (store, row_id, topic, payload, attempt, last_error)
		SELECT 'outbox', id, topic, payload, retry_count, $1 FROM dead`,
		s.table(), deadLetterTableName(s.schema))
	_, err := s.pool.Exec(ctx, q, errMsg, ids, ownerToken)
	return err
}

func (s *OutboxStore) Reap(ctx context.Context, now time.Time) (int, error) {
	q := fmt.Sprintf(`UPDATE %s SET status = 'ready', owner_token = NULL, locked_until = NULL
		WHERE status = 'in_progress' AND locked_until < $1`, s.table())
	tag, err := s.pool.Exec(ctx, q, now)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *OutboxStore) Revive(ctx context.Context, ids []string, delay time.Duration) error {
	q := fmt.Sprintf(`UPDATE %s SET status = 'ready', next_attempt_at = now() + $1 WHERE id = ANY($2)`, s.table())
	if _, err := s.pool.Exec(ctx, q, delay, ids); err != nil {
		return err
	}
	return markDeadLetterRevived(ctx, s.pool, s.schema, "outbox", ids)
}

func (s *OutboxStore) Get(ctx context.Context, id string) (outbox.Row, error) {
	q := fmt.Sprintf(`SELECT id, topic, payload, created_at, due_time_utc, correlation_id, message_id,
		status, owner_token, locked_until, retry_count, next_attempt_at, last_error, processed_at, processed_by
		FROM %s WHERE id = $1`, s.table())
	var r outbox.Row
	var status string
	err := s.pool.QueryRow(ctx, q, id).Scan(&r.ID, &r.Topic, &r.Payload, &r.CreatedAt, &r.DueTimeUtc, &r.CorrelationID,
		&r.MessageID, &status, &r.OwnerToken, &r.LockedUntil, &r.RetryCount, &r.NextAttemptAt, &r.LastError,
		&r.ProcessedAt, &r.ProcessedBy)
	if err == pgx.ErrNoRows {
		return outbox.Row{}, wqueue.ErrNotFound
	}
	if err != nil {
		return outbox.Row{}, fmt.Errorf("postgres: get outbox row: %w", err)
	}
	r.Status = wqueue.Status(status)
	return r, nil
}

// Cleanup deletes Done rows that finished before olderThan, implementing
// spec.md §6's retention sweep: terminal Failed/Dead rows are left alone for
// manual revive, only rows that actually completed age out.
func (s *OutboxStore) Cleanup(ctx context.Context, olderThan time.Time) (int, error) {
	q := fmt.Sprintf(`DELETE FROM %s WHERE status = 'done' AND processed_at < $1`, s.table())
	tag, err := s.pool.Exec(ctx, q, olderThan)
	if err != nil {
		return 0, fmt.Errorf("postgres: cleanup outbox rows: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *OutboxStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx wqueue.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	if err := fn(ctx, tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}
