package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/incursa/platform-sub002/internal/scheduler"
	"github.com/incursa/platform-sub002/internal/wqueue"
)

// JobRunStore implements wqueue.Store[scheduler.JobRunRow] against
// infra.job_runs.
type JobRunStore struct {
	pool      *pgxpool.Pool
	schema    string
	tableName string
}

func NewJobRunStore(pool *pgxpool.Pool, schema, tableName string) *JobRunStore {
	if schema == "" {
		schema = "infra"
	}
	if tableName == "" {
		tableName = "job_runs"
	}
	return &JobRunStore{pool: pool, schema: schema, tableName: tableName}
}

func (s *JobRunStore) table() string { return s.schema + "." + s.tableName }

func (s *JobRunStore) resolveQuerier(tx wqueue.Tx) (pgx.Tx, bool) {
	if tx == nil {
		return nil, false
	}
	t, ok := tx.(pgx.Tx)
	return t, ok
}

func (s *JobRunStore) Enqueue(ctx context.Context, tx wqueue.Tx, row scheduler.JobRunRow) (string, error) {
	q := fmt.Sprintf(`INSERT INTO %s (id, job_name, scheduled_for, topic, payload, status, next_attempt_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`, s.table())
	args := []any{row.ID, row.JobName, row.ScheduledFor, row.Topic, row.Payload, string(wqueue.StatusReady), row.NextAttemptAt}
	if pt, ok := s.resolveQuerier(tx); ok {
		_, err := pt.Exec(ctx, q, args...)
		return row.ID, err
	}
	_, err := s.pool.Exec(ctx, q, args...)
	if err != nil {
		return "", fmt.Errorf("postgres: enqueue job run row: %w", err)
	}
	return row.ID, nil
}

func (s *JobRunStore) Claim(ctx context.Context, opts wqueue.ClaimOptions) ([]scheduler.JobRunRow, error) {
	q := fmt.Sprintf(`
		WITH claimed AS (
			SELECT id FROM %s
			WHERE status = 'ready' AND next_attempt_at <= now()
			ORDER BY next_attempt_at ASC, created_at ASC, id ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE %s j
		SET status = 'in_progress', owner_token = $2, locked_until = now() + $3
		FROM claimed
		WHERE j.id = claimed.id
		RETURNING j.id, j.job_name, j.scheduled_for, j.topic, j.payload, j.status, j.owner_token,
		          j.locked_until, j.retry_count, j.next_attempt_at, j.last_error`, s.table(), s.table())

	rows, err := s.pool.Query(ctx, q, opts.BatchSize, opts.OwnerToken, opts.LeaseFor)
	if err != nil {
		return nil, fmt.Errorf("postgres: claim job run rows: %w", err)
	}
	defer rows.Close()

	var out []scheduler.JobRunRow
	for rows.Next() {
		var r scheduler.JobRunRow
		var status string
		if err := rows.Scan(&r.ID, &r.JobName, &r.ScheduledFor, &r.Topic, &r.Payload, &status, &r.OwnerToken,
			&r.LockedUntil, &r.RetryCount, &r.NextAttemptAt, &r.LastError); err != nil {
			return nil, fmt.Errorf("postgres: scan claimed job run row: %w", err)
		}
		r.Status = wqueue.Status(status)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *JobRunStore) AckTx(ctx context.Context, tx wqueue.Tx, ownerToken string, ids []string) error {
	q := fmt.Sprintf(`UPDATE %s SET status = 'done', updated_at = now() WHERE id = ANY($1) AND owner_token = $2`, s.table())
	if pt, ok := s.resolveQuerier(tx); ok {
		_, err := pt.Exec(ctx, q, ids, ownerToken)
		return err
	}
	_, err := s.pool.Exec(ctx, q, ids, ownerToken)
	return err
}

func (s *JobRunStore) Abandon(ctx context.Context, ownerToken string, ids []string, lastErr string, delay time.Duration) error {
	q := fmt.Sprintf(`UPDATE %s SET status = 'ready', owner_token = NULL, locked_until = NULL,
		retry_count = retry_count + 1, next_attempt_at = now() + $1, last_error = $2
		WHERE id = ANY($3) AND owner_token = $4`, s.table())
	_, err := s.pool.Exec(ctx, q, delay, lastErr, ids, ownerToken)
	return err
}

func (s *JobRunStore) Fail(ctx context.Context, ownerToken string, ids []string, errMsg string) error {
	q := fmt.Sprintf(`
		WITH dead AS (
			UPDATE %s SET status = 'failed', last_error = $1 WHERE id = ANY($2)
			RETURNING id, topic, payload, retry_count
		)
		INSERT INTO %s (store, row_id, topic, payload, attempt, last_error)
		SELECT 'job_run', id, topic, payload, retry_count, $1 FROM dead`,
		s.table(), deadLetterTableName(s.schema))
	_, err := s.pool.Exec(ctx, q, errMsg, ids)
	return err
}

func (s *JobRunStore) Reap(ctx context.Context, now time.Time) (int, error) {
	q := fmt.Sprintf(`UPDATE %s SET status = 'ready', owner_token = NULL, locked_until = NULL
		WHERE status = 'in_progress' AND locked_until < $1`, s.table())
	tag, err := s.pool.Exec(ctx, q, now)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *JobRunStore) Revive(ctx context.Context, ids []string, delay time.Duration) error {
	q := fmt.Sprintf(`UPDATE %s SET status = 'ready', next_attempt_at = now() + $1 WHERE id = ANY($2)`, s.table())
	if _, err := s.pool.Exec(ctx, q, delay, ids); err != nil {
		return err
	}
	return markDeadLetterRevived(ctx, s.pool, s.schema, "job_run", ids)
}

func (s *JobRunStore) Get(ctx context.Context, id string) (scheduler.JobRunRow, error) {
	q := fmt.Sprintf(`SELECT id, job_name, scheduled_for, topic, payload, status, owner_token, locked_until,
		retry_count, next_attempt_at, last_error FROM %s WHERE id = $1`, s.table())
	var r scheduler.JobRunRow
	var status string
	err := s.pool.QueryRow(ctx, q, id).Scan(&r.ID, &r.JobName, &r.ScheduledFor, &r.Topic, &r.Payload, &status,
		&r.OwnerToken, &r.LockedUntil, &r.RetryCount, &r.NextAttemptAt, &r.LastError)
	if err == pgx.ErrNoRows {
		return scheduler.JobRunRow{}, wqueue.ErrNotFound
	}
	if err != nil {
		return scheduler.JobRunRow{}, fmt.Errorf("postgres: get job run row: %w", err)
	}
	r.Status = wqueue.Status(status)
	return r, nil
}

// Cleanup deletes Done rows last touched before olderThan, implementing
// spec.md §6's retention sweep.
func (s *JobRunStore) Cleanup(ctx context.Context, olderThan time.Time) (int, error) {
	q := fmt.Sprintf(`DELETE FROM %s WHERE status = 'done' AND updated_at < $1`, s.table())
	tag, err := s.pool.Exec(ctx, q, olderThan)
	if err != nil {
		return 0, fmt.Errorf("postgres: cleanup job run rows: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *JobRunStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx wqueue.Tx) error) error {
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
