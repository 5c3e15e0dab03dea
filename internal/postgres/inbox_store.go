package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/incursa/platform-sub002/internal/inbox"
	"github.com/incursa/platform-sub002/internal/wqueue"
)

// InboxStore implements wqueue.Store[inbox.Row] and inbox.Dedupe against
// infra.inbox. Row identity on the wire is inbox.Row.RowID(), which packs
// (source, messageId) with a NUL separator; every query here splits that
// back apart to address the physical (source, message_id) columns.
type InboxStore struct {
	pool      *pgxpool.Pool
	schema    string
	tableName string
}

func NewInboxStore(pool *pgxpool.Pool, schema, tableName string) *InboxStore {
	if schema == "" {
		schema = "infra"
	}
	if tableName == "" {
		tableName = "inbox"
	}
	return &InboxStore{pool: pool, schema: schema, tableName: tableName}
}

func (s *InboxStore) table() string { return s.schema + "." + s.tableName }

func splitRowID(id string) (source, messageID string) {
	parts := strings.SplitN(id, "\x00", 2)
	if len(parts) != 2 {
		return "", id
	}
	return parts[0], parts[1]
}

func (s *InboxStore) Enqueue(ctx context.Context, tx wqueue.Tx, row inbox.Row) (string, error) {
	q := fmt.Sprintf(`INSERT INTO %s
		(id, source, message_id, hash, topic, payload, first_seen_utc, last_seen_utc, due_time_utc, status, next_attempt_at)
		VALUES (gen_random_uuid(), $1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (source, message_id, coalesce(hash, '\x'::bytea)) DO UPDATE SET last_seen_utc = EXCLUDED.last_seen_utc`,
		s.table())
	now := row.FirstSeenUtc
	nextAttemptAt := row.NextAttemptAt
	if nextAttemptAt.IsZero() {
		nextAttemptAt = now
	}
	exec := s.pool.Exec
	if pt, ok := tx.(pgx.Tx); ok {
		exec = pt.Exec
	}
	_, err := exec(ctx, q, row.Source, row.MessageID, row.Hash, row.Topic, row.Payload, now, now, row.DueTimeUtc, string(wqueue.StatusReady), nextAttemptAt)
	if err != nil {
		return "", fmt.Errorf("postgres: enqueue inbox row: %w", err)
	}
	return row.RowID(), nil
}

func (s *InboxStore) Claim(ctx context.Context, opts wqueue.ClaimOptions) ([]inbox.Row, error) {
	q := fmt.Sprintf(`
		WITH claimed AS (
			SELECT id FROM %s
			WHERE status = 'ready'
			  AND next_attempt_at <= now()
			  AND (due_time_utc IS NULL OR due_time_utc <= now())
			ORDER BY next_attempt_at ASC, first_seen_utc ASC, id ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE %s i
		SET status = 'in_progress', owner_token = $2, locked_until = now() + $3, last_seen_utc = now()
		FROM claimed
		WHERE i.id = claimed.id
		RETURNING i.message_id, i.source, i.topic, i.payload, i.hash, i.first_seen_utc, i.last_seen_utc,
		          i.due_time_utc, i.attempt, i.status, i.owner_token, i.locked_until, i.next_attempt_at, i.last_error`,
		s.table(), s.table())

	rows, err := s.pool.Query(ctx, q, opts.BatchSize, opts.OwnerToken, opts.LeaseFor)
	if err != nil {
		return nil, fmt.Errorf("postgres: claim inbox rows: %w", err)
	}
	defer rows.Close()

	var out []inbox.Row
	for rows.Next() {
		var r inbox.Row
		var status string
		if err := rows.Scan(&r.MessageID, &r.Source, &r.Topic, &r.Payload, &r.Hash, &r.FirstSeenUtc, &r.LastSeenUtc,
			&r.DueTimeUtc, &r.Attempt, &status, &r.OwnerToken, &r.LockedUntil, &r.NextAttemptAt, &r.LastError); err != nil {
			return nil, fmt.Errorf("postgres: scan claimed inbox row: %w", err)
		}
		r.Status = wqueue.Status(status)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *InboxStore) AckTx(ctx context.Context, tx wqueue.Tx, ownerToken string, ids []string) error {
	exec := s.pool.Exec
	if pt, ok := tx.(pgx.Tx); ok {
		exec = pt.Exec
	}
	for _, id := range ids {
		source, messageID := splitRowID(id)
		q := fmt.Sprintf(`UPDATE %s SET status = 'done' WHERE source = $1 AND message_id = $2 AND owner_token = $3`, s.table())
		if _, err := exec(ctx, q, source, messageID, ownerToken); err != nil {
			return err
		}
	}
	return nil
}

func (s *InboxStore) Abandon(ctx context.Context, ownerToken string, ids []string, lastErr string, delay time.Duration) error {
	for _, id := range ids {
		source, messageID := splitRowID(id)
		q := fmt.Sprintf(`UPDATE %s SET status = 'ready', owner_token = NULL, locked_until = NULL,
			attempt = attempt + 1, next_attempt_at = now() + $1, last_error = $2
			WHERE source = $3 AND message_id = $4 AND owner_token = $5`, s.table())
		if _, err := s.pool.Exec(ctx, q, delay, lastErr, source, messageID, ownerToken); err != nil {
			return err
		}
	}
	return nil
}

// Fail marks matching rows terminally Dead and writes an audit-trail copy
// into infra.dead_letter, modeled on the teacher's MoveToDeadLetter: the
// row itself never leaves infra.inbox, so Revive keeps working against it.
func (s *InboxStore) Fail(ctx context.Context, ownerToken string, ids []string, errMsg string) error {
	for _, id := range ids {
		source, messageID := splitRowID(id)
		q := fmt.Sprintf(`
			WITH dead AS (
				UPDATE %s SET status = 'dead', last_error = $1
				WHERE source = $2 AND message_id = $3 AND owner_token = $4
				RETURNING topic, payload, attempt
			)
			INSERT INTO %s (store, row_id, topic, payload, attempt, last_error)
			SELECT 'inbox', $5, topic, payload, attempt, $1 FROM dead`,
			s.table(), deadLetterTableName(s.schema))
		if _, err := s.pool.Exec(ctx, q, errMsg, source, messageID, ownerToken, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *InboxStore) Reap(ctx context.Context, now time.Time) (int, error) {
	q := fmt.Sprintf(`UPDATE %s SET status = 'ready', owner_token = NULL, locked_until = NULL
		WHERE status = 'in_progress' AND locked_until < $1`, s.table())
	tag, err := s.pool.Exec(ctx, q, now)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *InboxStore) Revive(ctx context.Context, ids []string, delay time.Duration) error {
	for _, id := range ids {
		source, messageID := splitRowID(id)
		q := fmt.Sprintf(`UPDATE %s SET status = 'ready', next_attempt_at = now() + $1
			WHERE source = $2 AND message_id = $3`, s.table())
		if _, err := s.pool.Exec(ctx, q, delay, source, messageID); err != nil {
			return err
		}
	}
	return markDeadLetterRevived(ctx, s.pool, s.schema, "inbox", ids)
}

func (s *InboxStore) Get(ctx context.Context, id string) (inbox.Row, error) {
	source, messageID := splitRowID(id)
	q := fmt.Sprintf(`SELECT message_id, source, topic, payload, hash, first_seen_utc, last_seen_utc,
		due_time_utc, attempt, status, owner_token, locked_until, next_attempt_at, last_error
		FROM %s WHERE source = $1 AND message_id = $2`, s.table())
	var r inbox.Row
	var status string
	err := s.pool.QueryRow(ctx, q, source, messageID).Scan(&r.MessageID, &r.Source, &r.Topic, &r.Payload, &r.Hash,
		&r.FirstSeenUtc, &r.LastSeenUtc, &r.DueTimeUtc, &r.Attempt, &status, &r.OwnerToken, &r.LockedUntil, &r.NextAttemptAt, &r.LastError)
	if err == pgx.ErrNoRows {
		return inbox.Row{}, wqueue.ErrNotFound
	}
	if err != nil {
		return inbox.Row{}, fmt.Errorf("postgres: get inbox row: %w", err)
	}
	r.Status = wqueue.Status(status)
	return r, nil
}

// Cleanup deletes Done rows last touched before olderThan, implementing
// spec.md §6's retention sweep.
func (s *InboxStore) Cleanup(ctx context.Context, olderThan time.Time) (int, error) {
	q := fmt.Sprintf(`DELETE FROM %s WHERE status = 'done' AND last_seen_utc < $1`, s.table())
	tag, err := s.pool.Exec(ctx, q, olderThan)
	if err != nil {
		return 0, fmt.Errorf("postgres: cleanup inbox rows: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *InboxStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx wqueue.Tx) error) error {
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

// AlreadyProcessed implements inbox.Dedupe's synchronous edge surface: an
// atomic upsert keyed by (source, messageId[, hash]). A brand-new key is
// inserted as Seen and returns false; an existing key returns whether it
// had already reached Done.
func (s *InboxStore) AlreadyProcessed(ctx context.Context, messageID, source string, hash []byte) (bool, error) {
	q := fmt.Sprintf(`
		INSERT INTO %s (id, source, message_id, hash, topic, first_seen_utc, last_seen_utc, status, next_attempt_at, attempt)
		VALUES (gen_random_uuid(), $1, $2, $3, '', now(), now(), 'seen', now(), 1)
		ON CONFLICT (source, message_id, coalesce(hash, '\x'::bytea))
		DO UPDATE SET last_seen_utc = now(), attempt = %s.attempt + 1
		RETURNING status`, s.table(), s.table())
	var status string
	if err := s.pool.QueryRow(ctx, q, source, messageID, hash).Scan(&status); err != nil {
		return false, fmt.Errorf("postgres: already-processed upsert: %w", err)
	}
	return status == string(wqueue.StatusDone), nil
}

func (s *InboxStore) MarkProcessing(ctx context.Context, messageID, source string) error {
	q := fmt.Sprintf(`UPDATE %s SET status = 'in_progress', last_seen_utc = now(), attempt = attempt + 1 WHERE source = $1 AND message_id = $2`, s.table())
	_, err := s.pool.Exec(ctx, q, source, messageID)
	return err
}

func (s *InboxStore) MarkProcessed(ctx context.Context, messageID, source string) error {
	q := fmt.Sprintf(`UPDATE %s SET status = 'done', last_seen_utc = now() WHERE source = $1 AND message_id = $2`, s.table())
	_, err := s.pool.Exec(ctx, q, source, messageID)
	return err
}

func (s *InboxStore) MarkDead(ctx context.Context, messageID, source string) error {
	q := fmt.Sprintf(`
		WITH dead AS (
			UPDATE %s SET status = 'dead', last_seen_utc = now() WHERE source = $1 AND message_id = $2
			RETURNING topic, payload, attempt
		)
		INSERT INTO %s (store, row_id, topic, payload, attempt, last_error)
		SELECT 'inbox', $3, topic, payload, attempt, '' FROM dead`,
		s.table(), deadLetterTableName(s.schema))
	_, err := s.pool.Exec(ctx, q, source, messageID, source+"\x00"+messageID)
	return err
}
