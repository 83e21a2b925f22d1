package eventarchive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyang/agent-coordinator/internal/domain/event"
)

// Listen LISTENs on the channel's NOTIFY stream and calls handler for every
// archived event announced there until ctx is done. It returns once the LISTEN
// is active; the returned channel closes when the listener stops.
func Listen(ctx context.Context, pool *pgxpool.Pool, ch event.Channel, handler func(context.Context, event.Event)) (<-chan struct{}, error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring connection for LISTEN: %w", err)
	}

	channel := ChannelName(ch)
	if _, err := conn.Exec(ctx, "LISTEN "+channel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("executing LISTEN on channel %s: %w", channel, err)
	}

	done := make(chan struct{})
	go func() {
		defer func() {
			conn.Exec(context.Background(), "UNLISTEN "+channel) //nolint:errcheck
			conn.Release()
			close(done)
		}()

		for {
			n, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Warn("archive listener: wait failed", "channel", channel, "error", err)
				continue
			}

			var e event.Event
			if err := json.Unmarshal([]byte(n.Payload), &e); err != nil {
				continue
			}
			handler(ctx, e)
		}
	}()
	return done, nil
}
