package config

import (
	"fmt"
	"time"
)

// TableNames holds the per-primitive table name overrides of spec.md §6.
type TableNames struct {
	Outbox  string `env:"INFRA_TABLE_OUTBOX"`
	Inbox   string `env:"INFRA_TABLE_INBOX"`
	Timers  string `env:"INFRA_TABLE_TIMERS"`
	Jobs    string `env:"INFRA_TABLE_JOBS"`
	JobRuns string `env:"INFRA_TABLE_JOB_RUNS"`
	Lease   string `env:"INFRA_TABLE_LEASE"`
}

func (t *TableNames) Validate() error {
	if t.Outbox == "" {
		t.Outbox = "outbox"
	}
	if t.Inbox == "" {
		t.Inbox = "inbox"
	}
	if t.Timers == "" {
		t.Timers = "timers"
	}
	if t.Jobs == "" {
		t.Jobs = "jobs"
	}
	if t.JobRuns == "" {
		t.JobRuns = "job_runs"
	}
	if t.Lease == "" {
		t.Lease = "leases"
	}
	return nil
}

// BackoffPolicyConfig mirrors backoff.Policy as env-loadable fields.
type BackoffPolicyConfig struct {
	BaseMillis    int64   `env:"INFRA_BACKOFF_BASE_MS"`
	CapMillis     int64   `env:"INFRA_BACKOFF_CAP_MS"`
	JitterPercent int64   `env:"INFRA_BACKOFF_JITTER_PERCENT"`
}

func (b *BackoffPolicyConfig) Validate() error {
	if b.BaseMillis == 0 {
		b.BaseMillis = 1000
	}
	if b.CapMillis == 0 {
		b.CapMillis = 60000
	}
	if b.JitterPercent == 0 {
		b.JitterPercent = 10
	}
	if b.CapMillis < b.BaseMillis {
		return fmt.Errorf("backoff cap (%dms) must be >= base (%dms)", b.CapMillis, b.BaseMillis)
	}
	return nil
}

func (b BackoffPolicyConfig) Base() time.Duration { return time.Duration(b.BaseMillis) * time.Millisecond }
func (b BackoffPolicyConfig) Cap() time.Duration  { return time.Duration(b.CapMillis) * time.Millisecond }

// SelectionStrategyKind enumerates spec.md §6's selectionStrategy values.
type SelectionStrategyKind string

const (
	SelectionRoundRobin SelectionStrategyKind = "round-robin"
	SelectionDrainFirst SelectionStrategyKind = "drain-first"
	SelectionCustom     SelectionStrategyKind = "custom"
)

// Config is the complete set of options an application passes in, per
// spec.md §6.
type Config struct {
	ConnectionString string `env:"INFRA_CONNECTION_STRING"`
	Schema           string `env:"INFRA_SCHEMA"`

	Tables TableNames

	EnableSchemaDeployment bool `env:"INFRA_ENABLE_SCHEMA_DEPLOYMENT"`

	PollInterval time.Duration `env:"INFRA_POLL_INTERVAL"`
	BatchSize    int64         `env:"INFRA_BATCH_SIZE"`
	LeaseSeconds int64         `env:"INFRA_LEASE_SECONDS"`
	ReapInterval time.Duration `env:"INFRA_REAP_INTERVAL"`

	MaxAttemptsInbox int64 `env:"INFRA_MAX_ATTEMPTS_INBOX"`

	// InterItemDelay, if non-zero, is slept between handler invocations
	// within a single claimed batch, in both outbox and inbox dispatch.
	// Zero (the default) disables rate limiting.
	InterItemDelay time.Duration `env:"INFRA_INTER_ITEM_DELAY"`

	Backoff BackoffPolicyConfig

	RetentionPeriod       time.Duration `env:"INFRA_RETENTION_PERIOD"`
	EnableAutomaticCleanup bool         `env:"INFRA_ENABLE_AUTOMATIC_CLEANUP"`
	CleanupInterval       time.Duration `env:"INFRA_CLEANUP_INTERVAL"`

	SelectionStrategy string `env:"INFRA_SELECTION_STRATEGY"`

	DynamicRefreshInterval time.Duration `env:"INFRA_DYNAMIC_REFRESH_INTERVAL"`

	RenewPercent float64 `env:"INFRA_RENEW_PERCENT"`
}

// Validate fills defaults and rejects out-of-range values, mirroring the
// teacher's pattern of validating each nested config independently. Called
// automatically by Load since Config implements Validator.
func (c *Config) Validate() error {
	if c.ConnectionString == "" {
		return &fieldError{"ConnectionString", "must not be empty"}
	}
	if c.Schema == "" {
		c.Schema = "infra"
	}
	if c.PollInterval == 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	if c.BatchSize == 0 {
		c.BatchSize = 50
	}
	if c.LeaseSeconds == 0 {
		c.LeaseSeconds = 300
	}
	if c.ReapInterval == 0 {
		c.ReapInterval = 30 * time.Second
	}
	if c.MaxAttemptsInbox == 0 {
		c.MaxAttemptsInbox = 5
	}
	if c.RetentionPeriod == 0 {
		c.RetentionPeriod = 7 * 24 * time.Hour
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = time.Hour
	}
	if c.SelectionStrategy == "" {
		c.SelectionStrategy = string(SelectionRoundRobin)
	}
	switch SelectionStrategyKind(c.SelectionStrategy) {
	case SelectionRoundRobin, SelectionDrainFirst, SelectionCustom:
	default:
		return &fieldError{"SelectionStrategy", fmt.Sprintf("unknown strategy %q", c.SelectionStrategy)}
	}
	if c.DynamicRefreshInterval == 0 {
		c.DynamicRefreshInterval = 5 * time.Minute
	}
	if c.RenewPercent == 0 {
		c.RenewPercent = 0.6
	}
	if c.RenewPercent <= 0 || c.RenewPercent >= 1 {
		return &fieldError{"RenewPercent", "must be in (0, 1)"}
	}
	return nil
}

type fieldError struct {
	Field string
	Msg   string
}

func (e *fieldError) Error() string {
	return fmt.Sprintf("config: field %s: %s", e.Field, e.Msg)
}
