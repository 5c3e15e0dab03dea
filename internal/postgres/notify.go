package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// SubscribeCancellations opens a dedicated pool connection, LISTENs on
// channel, and streams notification payloads on the returned channel until
// ctx is cancelled, grounded on the teacher's
// PostgresCoordinator.SubscribeToCancellations. The returned channel is
// closed and the connection released once ctx is done.
func SubscribeCancellations(ctx context.Context, pool *pgxpool.Pool, channel string) (<-chan string, error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: acquire listen connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgQuoteIdent(channel)); err != nil {
		conn.Release()
		return nil, fmt.Errorf("postgres: listen %s: %w", channel, err)
	}

	ch := make(chan string, 10)
	go func() {
		defer close(ch)
		defer conn.Release()
		defer func() { _, _ = conn.Exec(context.Background(), "UNLISTEN "+pgQuoteIdent(channel)) }()

		for {
			notification, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				continue
			}
			select {
			case ch <- notification.Payload:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// NotifyCancellation publishes payload on channel via pg_notify, waking any
// SubscribeCancellations listener promptly instead of leaving it to the next
// poll tick.
func NotifyCancellation(ctx context.Context, pool *pgxpool.Pool, channel, payload string) error {
	_, err := pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload)
	if err != nil {
		return fmt.Errorf("postgres: notify %s: %w", channel, err)
	}
	return nil
}

// pgQuoteIdent wraps a channel name as a double-quoted identifier; LISTEN
// doesn't accept parameter placeholders, so the channel name (always an
// internally chosen constant, never user input) is inlined instead.
func pgQuoteIdent(ident string) string {
	return `"` + ident + `"`
}

// CancellationNotifier adapts NotifyCancellation to scheduler.Notifier,
// publishing on a single fixed channel shared by every subscriber
// (SubscribeCancellations is likewise expected to LISTEN on that channel).
type CancellationNotifier struct {
	pool    *pgxpool.Pool
	channel string
}

func NewCancellationNotifier(pool *pgxpool.Pool, channel string) *CancellationNotifier {
	return &CancellationNotifier{pool: pool, channel: channel}
}

func (n *CancellationNotifier) NotifyCancellation(ctx context.Context, id string) error {
	return NotifyCancellation(ctx, n.pool, n.channel, id)
}
