// Package dispatcher implements the multi-store polling loop of C8: a
// long-running cooperative task per primitive that asks the store provider
// for the current stores, lets the selection strategy pick one, dispatches
// a batch, and sleeps until the next monotonic tick deadline.
package dispatcher

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/incursa/platform-sub002/internal/clock"
	"github.com/incursa/platform-sub002/internal/lease"
	"github.com/incursa/platform-sub002/internal/storeprovider"
)

// DispatchFunc dispatches one batch against the given store and returns how
// many rows it processed. Implementations close over a per-store
// outbox/inbox/scheduler instance bound to that store's connection.
type DispatchFunc func(ctx context.Context, store storeprovider.Store) (processed int, err error)

// ReapFunc reclaims expired leases on one store.
type ReapFunc func(ctx context.Context, store storeprovider.Store) (reclaimed int, err error)

// LeaseAcquireFunc optionally acquires a per-store exclusivity lease named
// per (primitive, storeId), so only one fleet member polls a given store at
// a time. A nil LeaseAcquireFunc means "no exclusivity, rely on claim
// atomicity for fairness" (spec.md §4.8).
type LeaseAcquireFunc func(ctx context.Context, store storeprovider.Store) (*lease.Runner, error)

// CancelSubscribeFunc opens a per-store cancellation feed: any string sent
// on the returned channel aborts that store's in-flight handler contexts
// promptly instead of waiting for the next poll tick. Called once per store
// for the lifetime of the Loop; implementations typically wrap Postgres
// LISTEN/NOTIFY (postgres.SubscribeCancellations).
type CancelSubscribeFunc func(ctx context.Context, store storeprovider.Store) (<-chan string, error)

// Options configures a Loop. Defaults match spec.md §4.8 / §6.
type Options struct {
	Interval         time.Duration
	ReapInterval     time.Duration
	MaxStartupJitter time.Duration

	// InterItemDelay, if non-zero, is slept between claimed-batch items
	// within a single dispatch call — a relief valve for a noisy-neighbor
	// store, grounded in ReconciliationConfig.RateLimitDelay. Zero (the
	// default) disables rate limiting. DispatchFunc implementations that
	// want this honored read it back via Loop.InterItemDelay().
	InterItemDelay time.Duration
}

func DefaultOptions() Options {
	return Options{
		Interval:         250 * time.Millisecond,
		ReapInterval:     30 * time.Second,
		MaxStartupJitter: 0,
		InterItemDelay:   0,
	}
}

// Loop is one primitive's multi-store polling loop.
type Loop struct {
	name      string
	provider  storeprovider.Provider
	strategy  storeprovider.SelectionStrategy
	dispatch  DispatchFunc
	reap      ReapFunc
	acquire   LeaseAcquireFunc
	subscribe CancelSubscribeFunc
	mono      clock.Monotonic
	opts      Options

	lastStore *storeprovider.Store
	lastCount int

	cancelFeeds map[string]<-chan string
}

// New constructs a Loop. reap and acquire may be nil.
func New(name string, provider storeprovider.Provider, strategy storeprovider.SelectionStrategy, dispatch DispatchFunc, reap ReapFunc, acquire LeaseAcquireFunc, mono clock.Monotonic, opts Options) *Loop {
	return &Loop{name: name, provider: provider, strategy: strategy, dispatch: dispatch, reap: reap, acquire: acquire, mono: mono, opts: opts}
}

// Subscribe registers fn as this Loop's per-store cancellation feed and
// returns the Loop, so callers can chain it onto New. Optional: a Loop with
// no subscriber behaves exactly as before, relying only on the next poll
// tick (and lease loss, if exclusivity is configured) to stop in-flight work.
func (l *Loop) Subscribe(fn CancelSubscribeFunc) *Loop {
	l.subscribe = fn
	return l
}

// InterItemDelay returns the configured inter-item rate limit, for
// DispatchFunc implementations that claim a batch and want to pace their
// per-row handler invocations.
func (l *Loop) InterItemDelay() time.Duration { return l.opts.InterItemDelay }

// Run blocks until ctx is cancelled, polling stores per spec.md §4.8's
// pseudocode. Structured error isolation: an error from one store's
// dispatch or reap never halts the others'.
func (l *Loop) Run(ctx context.Context) error {
	if l.opts.MaxStartupJitter > 0 {
		jitter := time.Duration(rand.Int64N(int64(l.opts.MaxStartupJitter)))
		timer := time.NewTimer(jitter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	var lastReap clock.Instant
	firstPass := true

	for {
		tickDeadline := clock.NewDeadline(l.mono, l.opts.Interval)

		stores, err := l.provider.GetAllStores(ctx)
		if err != nil {
			slog.ErrorContext(ctx, "dispatcher: list stores failed", "primitive", l.name, "error", err)
			stores = nil
		}

		store := l.strategy.SelectNext(stores, l.lastStore, l.lastCount)
		if store == nil {
			l.lastStore, l.lastCount = nil, 0
		} else {
			l.dispatchOne(ctx, *store)
		}

		if l.reap != nil && len(stores) > 0 {
			now := l.mono.Now()
			if firstPass || now.Sub(lastReap) >= l.opts.ReapInterval {
				for _, s := range stores {
					l.reapOne(ctx, s)
				}
				lastReap = now
				firstPass = false
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if wait := tickDeadline.Remaining(l.mono); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
}

func (l *Loop) dispatchOne(ctx context.Context, store storeprovider.Store) {
	storeCtx := ctx
	if l.acquire != nil {
		r, err := l.acquire(ctx, store)
		if err != nil {
			slog.ErrorContext(ctx, "dispatcher: acquire exclusivity lease failed",
				"primitive", l.name, "store_id", store.ID, "error", err)
			return
		}
		if r == nil {
			// another fleet member holds exclusivity for this store; skip.
			l.lastStore, l.lastCount = &store, 0
			return
		}
		defer func() { _ = r.Release(context.Background()) }()

		// Derive a context that's cancelled the instant the lease is lost,
		// so in-flight handler work aborts promptly instead of continuing
		// to mutate rows this worker no longer owns.
		var cancel context.CancelFunc
		storeCtx, cancel = context.WithCancel(ctx)
		defer cancel()
		go func() {
			select {
			case <-r.Done():
				cancel()
			case <-storeCtx.Done():
			}
		}()
	}

	if l.subscribe != nil {
		if feed := l.cancelFeed(ctx, store); feed != nil {
			var cancel context.CancelFunc
			storeCtx, cancel = context.WithCancel(storeCtx)
			defer cancel()
			go func() {
				select {
				case _, ok := <-feed:
					if ok {
						cancel()
					}
				case <-storeCtx.Done():
				}
			}()
		}
	}

	count, err := l.dispatch(storeCtx, store)
	if err != nil {
		slog.ErrorContext(ctx, "dispatcher: dispatch failed",
			"primitive", l.name, "store_id", store.ID, "error", err)
	}
	l.lastStore, l.lastCount = &store, count
}

// cancelFeed returns the cached cancellation channel for store, opening one
// via l.subscribe on first use. A subscribe failure is logged once and
// treated as "no cancellation feed for this store" rather than aborting the
// dispatch; the next poll tick still sees the row.
func (l *Loop) cancelFeed(ctx context.Context, store storeprovider.Store) <-chan string {
	if l.cancelFeeds == nil {
		l.cancelFeeds = make(map[string]<-chan string)
	}
	feed, ok := l.cancelFeeds[store.ID]
	if ok {
		return feed
	}
	feed, err := l.subscribe(context.Background(), store)
	if err != nil {
		slog.ErrorContext(ctx, "dispatcher: subscribe to cancellations failed",
			"primitive", l.name, "store_id", store.ID, "error", err)
		feed = nil
	}
	l.cancelFeeds[store.ID] = feed
	return feed
}

func (l *Loop) reapOne(ctx context.Context, store storeprovider.Store) {
	n, err := l.reap(ctx, store)
	if err != nil {
		slog.ErrorContext(ctx, "dispatcher: reap failed",
			"primitive", l.name, "store_id", store.ID, "error", err)
		return
	}
	if n > 0 {
		slog.InfoContext(ctx, "dispatcher: reclaimed expired leases",
			"primitive", l.name, "store_id", store.ID, "count", n)
	}
}
