package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DeadLetterRecord is one audit entry written by a Store.Fail call, mirroring
// worker.GenerationCoordinator's dead_letter_jobs rows: the (store, rowID)
// pair identifies which primitive and row failed, the originating row itself
// is untouched in its own table so Store.Revive continues to work against it.
type DeadLetterRecord struct {
	ID        string
	Store     string
	RowID     string
	Topic     string
	Payload   []byte
	Attempt   int
	LastError string
	FailedAt  time.Time
	RevivedAt *time.Time
}

// DeadLetterStore is the operator-facing read/discard surface over
// infra.dead_letter, grounded on the teacher's dead-letter HTTP handler
// (ListDeadLetterJobs/DiscardDeadLetterJob). Reviving a row is done through
// the originating primitive's own Store.Revive, which is what actually flips
// the row back to Ready; this store only tracks and stamps that history.
type DeadLetterStore struct {
	pool   *pgxpool.Pool
	schema string
}

func NewDeadLetterStore(pool *pgxpool.Pool, schema string) *DeadLetterStore {
	if schema == "" {
		schema = "infra"
	}
	return &DeadLetterStore{pool: pool, schema: schema}
}

func (s *DeadLetterStore) table() string { return deadLetterTableName(s.schema) }

// List returns dead-letter entries for one primitive ("outbox", "inbox",
// "timer", "job_run"), most recently failed first.
func (s *DeadLetterStore) List(ctx context.Context, store string, onlyUnrevived bool, limit int) ([]DeadLetterRecord, error) {
	q := fmt.Sprintf(`SELECT id, store, row_id, topic, payload, attempt, last_error, failed_at, revived_at
		FROM %s WHERE store = $1 AND ($2 = false OR revived_at IS NULL)
		ORDER BY failed_at DESC LIMIT $3`, s.table())
	rows, err := s.pool.Query(ctx, q, store, onlyUnrevived, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list dead letters: %w", err)
	}
	defer rows.Close()

	var out []DeadLetterRecord
	for rows.Next() {
		var r DeadLetterRecord
		if err := rows.Scan(&r.ID, &r.Store, &r.RowID, &r.Topic, &r.Payload, &r.Attempt, &r.LastError, &r.FailedAt, &r.RevivedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan dead letter: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Discard permanently removes a dead-letter audit entry without reviving the
// underlying row, mirroring DiscardDeadLetterJob.
func (s *DeadLetterStore) Discard(ctx context.Context, id string) error {
	q := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.table())
	_, err := s.pool.Exec(ctx, q, id)
	return err
}

func deadLetterTableName(schema string) string { return schema + ".dead_letter" }

// markDeadLetterRevived stamps revived_at on every still-open dead-letter
// entry for the given store's rows, called from each primitive's
// Store.Revive right after it flips the rows back to Ready.
func markDeadLetterRevived(ctx context.Context, pool *pgxpool.Pool, schema, store string, rowIDs []string) error {
	q := fmt.Sprintf(`UPDATE %s SET revived_at = now() WHERE store = $1 AND row_id = ANY($2) AND revived_at IS NULL`,
		deadLetterTableName(schema))
	_, err := pool.Exec(ctx, q, store, rowIDs)
	return err
}
