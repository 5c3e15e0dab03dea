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

// JobStore implements scheduler.JobStore against infra.jobs.
type JobStore struct {
	pool      *pgxpool.Pool
	schema    string
	tableName string
}

func NewJobStore(pool *pgxpool.Pool, schema, tableName string) *JobStore {
	if schema == "" {
		schema = "infra"
	}
	if tableName == "" {
		tableName = "jobs"
	}
	return &JobStore{pool: pool, schema: schema, tableName: tableName}
}

func (s *JobStore) table() string { return s.schema + "." + s.tableName }

func (s *JobStore) Upsert(ctx context.Context, job scheduler.JobRow) error {
	q := fmt.Sprintf(`INSERT INTO %s (name, topic, cron_expression, payload, enabled, last_scheduled_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (name) DO UPDATE SET topic = EXCLUDED.topic, cron_expression = EXCLUDED.cron_expression,
			payload = EXCLUDED.payload, enabled = EXCLUDED.enabled`, s.table())
	_, err := s.pool.Exec(ctx, q, job.Name, job.Topic, job.CronExpression, job.Payload, job.Enabled, job.LastScheduledAt)
	if err != nil {
		return fmt.Errorf("postgres: upsert job: %w", err)
	}
	return nil
}

func (s *JobStore) Get(ctx context.Context, name string) (scheduler.JobRow, error) {
	q := fmt.Sprintf(`SELECT name, topic, cron_expression, payload, last_scheduled_at, enabled
		FROM %s WHERE name = $1`, s.table())
	var j scheduler.JobRow
	err := s.pool.QueryRow(ctx, q, name).Scan(&j.Name, &j.Topic, &j.CronExpression, &j.Payload, &j.LastScheduledAt, &j.Enabled)
	if err == pgx.ErrNoRows {
		return scheduler.JobRow{}, wqueue.ErrNotFound
	}
	if err != nil {
		return scheduler.JobRow{}, fmt.Errorf("postgres: get job: %w", err)
	}
	return j, nil
}

func (s *JobStore) Delete(ctx context.Context, name string) error {
	q := fmt.Sprintf(`DELETE FROM %s WHERE name = $1`, s.table())
	_, err := s.pool.Exec(ctx, q, name)
	return err
}

func (s *JobStore) ListEnabled(ctx context.Context) ([]scheduler.JobRow, error) {
	q := fmt.Sprintf(`SELECT name, topic, cron_expression, payload, last_scheduled_at, enabled
		FROM %s WHERE enabled = true`, s.table())
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("postgres: list enabled jobs: %w", err)
	}
	defer rows.Close()

	var out []scheduler.JobRow
	for rows.Next() {
		var j scheduler.JobRow
		if err := rows.Scan(&j.Name, &j.Topic, &j.CronExpression, &j.Payload, &j.LastScheduledAt, &j.Enabled); err != nil {
			return nil, fmt.Errorf("postgres: scan job row: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *JobStore) AdvanceLastScheduled(ctx context.Context, name string, to time.Time) error {
	q := fmt.Sprintf(`UPDATE %s SET last_scheduled_at = $1 WHERE name = $2`, s.table())
	_, err := s.pool.Exec(ctx, q, to, name)
	return err
}
