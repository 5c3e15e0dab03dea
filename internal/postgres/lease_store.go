package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/incursa/platform-sub002/internal/lease"
)

// LeaseStore implements lease.Store against infra.leases. Fencing tokens are
// issued by a per-row counter column, incremented atomically on every
// successful acquire — strictly greater than any token previously issued for
// the same name, satisfying invariant 5.
type LeaseStore struct {
	pool      *pgxpool.Pool
	schema    string
	tableName string
}

func NewLeaseStore(pool *pgxpool.Pool, schema, tableName string) *LeaseStore {
	if schema == "" {
		schema = "infra"
	}
	if tableName == "" {
		tableName = "leases"
	}
	return &LeaseStore{pool: pool, schema: schema, tableName: tableName}
}

func (s *LeaseStore) table() string { return s.schema + "." + s.tableName }

func (s *LeaseStore) Acquire(ctx context.Context, name, owner string, dur time.Duration) (lease.AcquireResult, error) {
	q := fmt.Sprintf(`
		INSERT INTO %s (name, owner, acquired_at, lease_until_utc, fencing_token)
		VALUES ($1, $2, now(), now() + $3, 1)
		ON CONFLICT (name) DO UPDATE SET
			owner = CASE WHEN %s.lease_until_utc < now() THEN EXCLUDED.owner ELSE %s.owner END,
			acquired_at = CASE WHEN %s.lease_until_utc < now() THEN now() ELSE %s.acquired_at END,
			lease_until_utc = CASE WHEN %s.lease_until_utc < now() THEN now() + $3 ELSE %s.lease_until_utc END,
			fencing_token = CASE WHEN %s.lease_until_utc < now() THEN %s.fencing_token + 1 ELSE %s.fencing_token END
		RETURNING owner, lease_until_utc, fencing_token, now()`,
		s.table(), s.table(), s.table(), s.table(), s.table(), s.table(), s.table(), s.table(), s.table(), s.table())

	var gotOwner string
	var res lease.AcquireResult
	err := s.pool.QueryRow(ctx, q, name, owner, dur).Scan(&gotOwner, &res.LeaseUntil, &res.FencingToken, &res.ServerNow)
	if err != nil {
		return lease.AcquireResult{}, fmt.Errorf("postgres: acquire lease %q: %w", name, err)
	}
	res.Acquired = gotOwner == owner
	return res, nil
}

func (s *LeaseStore) Renew(ctx context.Context, name, owner string, dur time.Duration) (lease.RenewResult, error) {
	q := fmt.Sprintf(`UPDATE %s SET lease_until_utc = now() + $1
		WHERE name = $2 AND owner = $3 AND lease_until_utc >= now()
		RETURNING lease_until_utc, now()`, s.table())
	var res lease.RenewResult
	err := s.pool.QueryRow(ctx, q, dur, name, owner).Scan(&res.LeaseUntil, &res.ServerNow)
	if err == pgx.ErrNoRows {
		var serverNow time.Time
		if qErr := s.pool.QueryRow(ctx, "SELECT now()").Scan(&serverNow); qErr != nil {
			return lease.RenewResult{}, fmt.Errorf("postgres: renew lease %q: server time: %w", name, qErr)
		}
		return lease.RenewResult{Renewed: false, ServerNow: serverNow}, nil
	}
	if err != nil {
		return lease.RenewResult{}, fmt.Errorf("postgres: renew lease %q: %w", name, err)
	}
	res.Renewed = true
	return res, nil
}

func (s *LeaseStore) Release(ctx context.Context, name, owner string) error {
	q := fmt.Sprintf(`UPDATE %s SET lease_until_utc = 'epoch' WHERE name = $1 AND owner = $2`, s.table())
	_, err := s.pool.Exec(ctx, q, name, owner)
	return err
}
