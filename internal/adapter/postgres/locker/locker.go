package locker

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	portlocker "github.com/alanyang/agent-coordinator/internal/port/locker"
)

var _ portlocker.AdvisoryLocker = (*Locker)(nil)

// Locker holds session advisory locks keyed by hashtextextended(name). Lock and
// unlock run on one acquired connection; unlocking on another is a no-op.
type Locker struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Locker {
	return &Locker{pool: pool}
}

func (l *Locker) WithLock(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection for lock %q: %w", name, err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock(hashtextextended($1, 0))", name); err != nil {
		return fmt.Errorf("acquire lock %q: %w", name, err)
	}
	// Background so the unlock still runs when ctx was cancelled inside fn.
	defer conn.Exec(context.Background(), "SELECT pg_advisory_unlock(hashtextextended($1, 0))", name) //nolint:errcheck

	return fn(ctx)
}

// TryWithLock runs fn only if the lock is free and reports whether it ran.
func (l *Locker) TryWithLock(ctx context.Context, name string, fn func(ctx context.Context) error) (bool, error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire connection for lock %q: %w", name, err)
	}
	defer conn.Release()

	var got bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock(hashtextextended($1, 0))", name).Scan(&got); err != nil {
		return false, fmt.Errorf("try lock %q: %w", name, err)
	}
	if !got {
		return false, nil
	}
	defer conn.Exec(context.Background(), "SELECT pg_advisory_unlock(hashtextextended($1, 0))", name) //nolint:errcheck

	return true, fn(ctx)
}
