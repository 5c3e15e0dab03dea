// Command outboxd runs the outbox and inbox dispatch loops against a single
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

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/incursa/platform-sub002/internal/backoff"
	"github.com/incursa/platform-sub002/internal/clock"
	"github.com/incursa/platform-sub002/internal/config"
	"github.com/incursa/platform-sub002/internal/dispatcher"
	"github.com/incursa/platform-sub002/internal/inbox"
	"github.com/incursa/platform-sub002/internal/outbox"
	"github.com/incursa/platform-sub002/internal/postgres"
	"github.com/incursa/platform-sub002/internal/storeprovider"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cfg config.Config
	if err := config.Load(&cfg); err != nil {
		log.Fatalf("outboxd: load config: %v", err)
	}

	if cfg.EnableSchemaDeployment {
		if err := postgres.DeploySchema(ctx, cfg.ConnectionString); err != nil {
			log.Fatalf("outboxd: deploy schema: %v", err)
		}
	}

	pool, err := postgres.NewPool(ctx, postgres.DBConfig{DSN: cfg.ConnectionString, SchemaName: cfg.Schema})
	if err != nil {
		log.Fatalf("outboxd: connect: %v", err)
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

	inboxStore := postgres.NewInboxStore(pool, cfg.Schema, cfg.Tables.Inbox)
	ib := inbox.New(inboxStore, inboxStore, wall, inbox.Options{
		BackoffPolicy:  toBackoffPolicy(cfg),
		MaxAttempts:    int(cfg.MaxAttemptsInbox),
		LeaseFor:       time.Duration(cfg.LeaseSeconds) * time.Second,
		BatchSize:      int(cfg.BatchSize),
		InterItemDelay: cfg.InterItemDelay,
	})

	provider := storeprovider.NewConfigured([]storeprovider.Store{{ID: "default", Conn: pool}},
		func(s storeprovider.Store) []string { return []string{s.ID} })
	strategy := selectionStrategy(cfg)

	outboxRouter := storeprovider.NewRouter(provider, func(s storeprovider.Store) (*outbox.Outbox, error) {
		st := postgres.NewOutboxStore(s.Conn.(*pgxpool.Pool), cfg.Schema, cfg.Tables.Outbox)
		return outbox.New(st, wall, outbox.Options{
			BackoffPolicy:      toBackoffPolicy(cfg),
			UnknownTopicPolicy: outbox.PolicyRetry,
			LeaseFor:           time.Duration(cfg.LeaseSeconds) * time.Second,
			BatchSize:          int(cfg.BatchSize),
			InterItemDelay:     cfg.InterItemDelay,
		}), nil
	})
	inboxRouter := storeprovider.NewRouter(provider, func(s storeprovider.Store) (*inbox.Inbox, error) {
		st := postgres.NewInboxStore(s.Conn.(*pgxpool.Pool), cfg.Schema, cfg.Tables.Inbox)
		return inbox.New(st, st, wall, inbox.Options{
			BackoffPolicy:  toBackoffPolicy(cfg),
			MaxAttempts:    int(cfg.MaxAttemptsInbox),
			LeaseFor:       time.Duration(cfg.LeaseSeconds) * time.Second,
			BatchSize:      int(cfg.BatchSize),
			InterItemDelay: cfg.InterItemDelay,
		}), nil
	})

	registerHandlers(ob, ib, outboxRouter, inboxRouter)

	outboxLoop := dispatcher.New("outbox", provider, strategy,
		func(ctx context.Context, _ storeprovider.Store) (int, error) { return ob.DispatchBatch(ctx) },
		func(ctx context.Context, _ storeprovider.Store) (int, error) { return ob.Reap(ctx) },
		nil, mono, dispatcher.Options{Interval: cfg.PollInterval, ReapInterval: cfg.ReapInterval, InterItemDelay: cfg.InterItemDelay})

	inboxLoop := dispatcher.New("inbox", provider, strategy,
		func(ctx context.Context, _ storeprovider.Store) (int, error) { return ib.DispatchBatch(ctx) },
		func(ctx context.Context, _ storeprovider.Store) (int, error) { return ib.Reap(ctx) },
		nil, mono, dispatcher.Options{Interval: cfg.PollInterval, ReapInterval: cfg.ReapInterval, InterItemDelay: cfg.InterItemDelay})

	slog.InfoContext(ctx, "outboxd: starting dispatch loops", "poll_interval", cfg.PollInterval, "batch_size", cfg.BatchSize)

	done := make(chan struct{}, 2)
	go func() { _ = outboxLoop.Run(ctx); done <- struct{}{} }()
	go func() { _ = inboxLoop.Run(ctx); done <- struct{}{} }()

	if cfg.EnableAutomaticCleanup {
		go runCleanupSweep(ctx, wall, cfg.CleanupInterval, cfg.RetentionPeriod, outboxStore.Cleanup, inboxStore.Cleanup)
	}

	<-ctx.Done()
	slog.InfoContext(context.Background(), "outboxd: shutting down")
	<-done
	<-done
}

// runCleanupSweep deletes Done rows older than retentionPeriod on every
// tick, per spec.md §6's cleanup config surface. sweepers are each store's
// Cleanup method; left unwired entirely unless EnableAutomaticCleanup is
// set, since manual revive is the default retention policy for terminal
// rows and this only ever touches rows that already completed.
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
					slog.ErrorContext(ctx, "outboxd: cleanup sweep failed", "error", err)
					continue
				}
				if n > 0 {
					slog.InfoContext(ctx, "outboxd: cleanup sweep reclaimed rows", "count", n)
				}
			}
		}
	}
}

// registerHandlers is where topic handlers for this deployment's outbox and
// inbox messages are bound, and where application code would route
// tenant-keyed writes through outboxRouter/inboxRouter instead of the
// single default instances; this binary ships with none of its own, since
// handler registration is a concern of the service embedding this queue, not
// of the substrate itself.
func registerHandlers(ob *outbox.Outbox, ib *inbox.Inbox, outboxRouter *storeprovider.Router[*outbox.Outbox], inboxRouter *storeprovider.Router[*inbox.Inbox]) {
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
