// Package integration holds integration tests that exercise the real
// PostgreSQL store implementations end to end (schema migration, claim/ack
// atomicity, fencing tokens) against a live database, skipped when one isn't
// configured.
package integration

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/incursa/platform-sub002/internal/postgres"
)

// dsnEnvVar mirrors config.Config.ConnectionString's own env tag, so a
// developer who has INFRA_CONNECTION_STRING set for outboxd/schedulerd can
// run these tests against the same database without any extra setup.
const dsnEnvVar = "INFRA_CONNECTION_STRING"

// testSchema matches config.Config.Schema's own default, so these tests
// exercise the same migrations/queries a deployed outboxd/schedulerd would.
const testSchema = "infra"

// RequireDSN returns the configured test database DSN, or skips the test.
func RequireDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv(dsnEnvVar)
	if dsn == "" {
		t.Skipf("integration: %s not set, skipping (set it to a PostgreSQL DSN to run)", dsnEnvVar)
	}
	return dsn
}

// SetupPool deploys the embedded schema and returns a pool plus a cleanup
// func that truncates every infra table and closes the pool.
func SetupPool(t *testing.T) (*pgxpool.Pool, func()) {
	t.Helper()
	dsn := RequireDSN(t)
	ctx := context.Background()

	require.NoError(t, postgres.DeploySchema(ctx, dsn))

	pool, err := postgres.NewPool(ctx, postgres.DBConfig{DSN: dsn, SchemaName: testSchema})
	require.NoError(t, err)

	cleanup := func() {
		_, _ = pool.Exec(ctx, fmt.Sprintf(
			"TRUNCATE TABLE %[1]s.outbox, %[1]s.inbox, %[1]s.timers, %[1]s.jobs, %[1]s.job_runs, %[1]s.leases, %[1]s.joins, %[1]s.join_members, %[1]s.dead_letter, %[1]s.store_registry CASCADE",
			testSchema))
		pool.Close()
	}
	return pool, cleanup
}
