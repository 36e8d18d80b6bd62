package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Listener bridges a Postgres LISTEN channel to a Go channel of wake
// signals, per §4.H: "Listener: LISTENs on job_execution channel; any
// NOTIFY wakes the poller." It reconnects with backoff if the connection
// drops, since a lost LISTEN session must not silently stop waking the
// poller (the poll ticker remains a correctness backstop either way).
type Listener struct {
	Pool    *pgxpool.Pool
	Channel string
}

// NewListener constructs a Listener for the given channel name.
func NewListener(pool *pgxpool.Pool, channel string) *Listener {
	return &Listener{Pool: pool, Channel: channel}
}

// Listen runs until ctx is cancelled, sending on wake whenever a NOTIFY
// arrives. wake should be a small buffered channel; sends are non-blocking
// so a slow consumer never stalls delivery of the next notification.
func (l *Listener) Listen(ctx context.Context, wake chan<- struct{}) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		if err := l.listenOnce(ctx, wake); err != nil {
			slog.Warn("jobs: listener connection lost, retrying", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second
	}
}

func (l *Listener) listenOnce(ctx context.Context, wake chan<- struct{}) error {
	conn, err := l.Pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.Channel}.Sanitize()); err != nil {
		return err
	}
	for {
		if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
			return err
		}
		select {
		case wake <- struct{}{}:
		default:
		}
	}
}
