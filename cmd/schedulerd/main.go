// Command schedulerd drives the durable timer and cron-job scheduler loops,
// the fan-in join coordinator, and lease-gated exclusivity against a single
// configured PostgreSQL store.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/incursa/platform-sub002/internal/backoff"
	"github.com/incursa/platform-sub002/internal/clock"
	"github.com/incursa/platform-sub002/internal/config"
	"github.com/incursa/platform-sub002/internal/dispatcher"
	"github.com/incursa/platform-sub002/internal/join"
	"github.com/incursa/platform-sub002/internal/lease"
	"github.com/incursa/platform-sub002/internal/outbox"
	"github.com/incursa/platform-sub002/internal/postgres"
	"github.com/incursa/platform-sub002/internal/scheduler"
	"github.com/incursa/platform-sub002/internal/storeprovider"
)

// cancellationChannel is the single Postgres NOTIFY channel every schedulerd
// instance LISTENs on for explicit timer/job-run cancellations.
const cancellationChannel = "wqueue_cancellations"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cfg config.Config
	if err := config.Load(&cfg); err != nil {
		log.Fatalf("schedulerd: load config: %v", err)
	}

	if cfg.EnableSchemaDeployment {
		if err := postgres.DeploySchema(ctx, cfg.ConnectionString); err != nil {
			log.Fatalf("schedulerd: deploy schema: %v", err)
		}
	}

	pool, err := postgres.NewPool(ctx, postgres.DBConfig{DSN: cfg.ConnectionString, SchemaName: cfg.Schema})
	if err != nil {
		log.Fatalf("schedulerd: connect: %v", err)
	}
	defer pool.Close()

	wall := clock.SystemWall{}
	mono := clock.SystemMonotonic{}

	outboxStore := postgres.NewOutboxStore(pool, cfg.Schema, cfg.Tables.Outbox)
	ob := outbox.New(outboxStore, wall, outbox.Options{
		BackoffPolicy:      toBackoffPolicy(cfg),
		UnknownTopicPolicy: outbox.PolicyRetry,
		LeaseFor:           time.Duration(cfg.LeaseSeconds) * time.Second,
		BatchSize:          int(cfg.BatchSize),
		InterItemDelay:     cfg.InterItemDelay,
	})

	timerStore := postgres.NewTimerStore(pool, cfg.Schema, cfg.Tables.Timers)
	jobStore := postgres.NewJobStore(pool, cfg.Schema, cfg.Tables.Jobs)
	jobRunStore := postgres.NewJobRunStore(pool, cfg.Schema, cfg.Tables.JobRuns)
	sched := scheduler.New(timerStore, jobStore, jobRunStore, ob, wall, scheduler.Options{
		LeaseFor:  time.Duration(cfg.LeaseSeconds) * time.Second,
		BatchSize: int(cfg.BatchSize),
	}).WithNotifier(postgres.NewCancellationNotifier(pool, cancellationChannel))

	joinStore := postgres.NewJoinStore(pool, cfg.Schema)
	coordinator := join.New(joinStore, ob, outboxStore)
	coordinator.RegisterHandler()

	leaseStore := postgres.NewLeaseStore(pool, cfg.Schema, cfg.Tables.Lease)
	ownerID := uuid.NewString()

	provider := storeprovider.NewConfigured([]storeprovider.Store{{ID: "default", Conn: pool}}, nil)
	strategy := selectionStrategy(cfg)

	acquireLease := func(ctx context.Context, s storeprovider.Store) (*lease.Runner, error) {
		return lease.Acquire(ctx, leaseStore, mono, "scheduler-"+s.ID, ownerID,
			time.Duration(cfg.LeaseSeconds)*time.Second, cfg.RenewPercent)
	}

	subscribeCancellations := func(ctx context.Context, s storeprovider.Store) (<-chan string, error) {
		return postgres.SubscribeCancellations(ctx, s.Conn.(*pgxpool.Pool), cancellationChannel)
	}

	timerLoop := dispatcher.New("timers", provider, strategy,
		func(ctx context.Context, _ storeprovider.Store) (int, error) { return sched.DispatchTimers(ctx) },
		func(ctx context.Context, _ storeprovider.Store) (int, error) { return sched.ReapTimers(ctx) },
		acquireLease, mono, dispatcher.Options{Interval: cfg.PollInterval, ReapInterval: cfg.ReapInterval, InterItemDelay: cfg.InterItemDelay}).
		Subscribe(subscribeCancellations)

	jobTickLoop := dispatcher.New("job-ticks", provider, strategy,
		func(ctx context.Context, _ storeprovider.Store) (int, error) { return sched.TickJobs(ctx) },
		nil, acquireLease, mono, dispatcher.Options{Interval: time.Second, ReapInterval: cfg.ReapInterval, InterItemDelay: cfg.InterItemDelay})

	jobRunLoop := dispatcher.New("job-runs", provider, strategy,
		func(ctx context.Context, _ storeprovider.Store) (int, error) { return sched.DispatchJobRuns(ctx) },
		func(ctx context.Context, _ storeprovider.Store) (int, error) { return sched.ReapJobRuns(ctx) },
		acquireLease, mono, dispatcher.Options{Interval: cfg.PollInterval, ReapInterval: cfg.ReapInterval, InterItemDelay: cfg.InterItemDelay}).
		Subscribe(subscribeCancellations)

	outboxLoop := dispatcher.New("outbox", provider, strategy,
		func(ctx context.Context, _ storeprovider.Store) (int, error) { return ob.DispatchBatch(ctx) },
		func(ctx context.Context, _ storeprovider.Store) (int, error) { return ob.Reap(ctx) },
		nil, mono, dispatcher.Options{Interval: cfg.PollInterval, ReapInterval: cfg.ReapInterval, InterItemDelay: cfg.InterItemDelay})

	slog.InfoContext(ctx, "schedulerd: starting timer/job/outbox loops", "owner", ownerID)

	loops := []*dispatcher.Loop{timerLoop, jobTickLoop, jobRunLoop, outboxLoop}
	done := make(chan struct{}, len(loops))
	for _, l := range loops {
		l := l
		go func() { _ = l.Run(ctx); done <- struct{}{} }()
	}

	if cfg.EnableAutomaticCleanup {
		go runCleanupSweep(ctx, wall, cfg.CleanupInterval, cfg.RetentionPeriod,
			timerStore.Cleanup, jobRunStore.Cleanup, outboxStore.Cleanup)
	}

	<-ctx.Done()
	slog.InfoContext(context.Background(), "schedulerd: shutting down")
	for range loops {
		<-done
	}
}

// runCleanupSweep deletes Done rows older than retentionPeriod on every
// tick, per spec.md §6's cleanup config surface; left unwired entirely
// unless EnableAutomaticCleanup is set.
func runCleanupSweep(ctx context.Context, wall clock.Wall, interval, retentionPeriod time.Duration, sweepers ...func(ctx context.Context, olderThan time.Time) (int, error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := wall.Now().Add(-retentionPeriod)
			for _, sweep := range sweepers {
				n, err := sweep(ctx, cutoff)
				if err != nil {
					slog.ErrorContext(ctx, "schedulerd: cleanup sweep failed", "error", err)
					continue
				}
				if n > 0 {
					slog.InfoContext(ctx, "schedulerd: cleanup sweep reclaimed rows", "count", n)
				}
			}
		}
	}
}

func toBackoffPolicy(cfg config.Config) backoff.Policy {
	return backoff.Policy{
		Base:          cfg.Backoff.Base(),
		Cap:           cfg.Backoff.Cap(),
		JitterPercent: uint64(cfg.Backoff.JitterPercent),
	}
}

func selectionStrategy(cfg config.Config) storeprovider.SelectionStrategy {
	switch config.SelectionStrategyKind(cfg.SelectionStrategy) {
	case config.SelectionDrainFirst:
		return &storeprovider.DrainFirst{}
	default:
		return &storeprovider.RoundRobin{}
	}
}
