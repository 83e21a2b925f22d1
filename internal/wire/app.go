package wire

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyang/agent-coordinator/internal/adapter/memory/cache"
	"github.com/alanyang/agent-coordinator/internal/adapter/memory/eventbus"
	pgdb "github.com/alanyang/agent-coordinator/internal/adapter/postgres"
	"github.com/alanyang/agent-coordinator/internal/adapter/postgres/eventarchive"
	"github.com/alanyang/agent-coordinator/internal/adapter/postgres/locker"
	"github.com/alanyang/agent-coordinator/internal/adapter/postgres/migrations"
	"github.com/alanyang/agent-coordinator/internal/config"
	"github.com/alanyang/agent-coordinator/internal/domain/event"
	portarchive "github.com/alanyang/agent-coordinator/internal/port/archive"
	"github.com/alanyang/agent-coordinator/internal/service/archiver"
	"github.com/alanyang/agent-coordinator/internal/service/coordinator"
	"github.com/alanyang/agent-coordinator/internal/service/health"
	"github.com/alanyang/agent-coordinator/internal/transport"
	mcptransport "github.com/alanyang/agent-coordinator/internal/transport/mcp"
	wshandler "github.com/alanyang/agent-coordinator/internal/transport/ws"
)

const migrationLock = "agent-coordinator:migrations"

// App holds the top-level resources needed to run and gracefully stop the server.
type App struct {
	Server      *http.Server
	Coordinator *coordinator.Coordinator
	Bus         *eventbus.Bus
	// Pool is nil when no database is configured.
	Pool  *pgxpool.Pool
	RunID uuid.UUID

	relay *wshandler.Relay
	loops []loop
}

// loop is a background task that runs until its context is done.
type loop struct {
	name string
	run  func(ctx context.Context) error
}

// Build is the composition root: the only place concrete types are wired to their
// interface dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	app := &App{RunID: uuid.New()}

	// ── Core ─────────────────────────────────────────────────────────────────
	app.Bus = eventbus.New(
		eventbus.WithRetention(cfg.Events.Retention),
		eventbus.WithSubscriberBuffer(cfg.Events.SubscriberBuffer),
	)
	coord, err := coordinator.New(cfg.Coordinator(), app.Bus)
	if err != nil {
		return nil, fmt.Errorf("building coordinator: %w", err)
	}
	app.Coordinator = coord

	app.loops = append(app.loops, loop{"health monitor", health.NewMonitor(coord, cfg.Health.Interval).Run})
	if cfg.Health.ReapAfter > 0 {
		r := newReaper(coord, cfg.Health.ReapAfter)
		app.loops = append(app.loops, loop{"reaper", func(ctx context.Context) error { return r.run(ctx, app.Bus) }})
	}

	// ── Database (optional) ──────────────────────────────────────────────────
	var archive portarchive.Reader
	if cfg.Database.URL != "" {
		pool, err := pgdb.Connect(ctx, cfg.Database.URL, cfg.Database.MaxConns)
		if err != nil {
			return nil, fmt.Errorf("connecting to database: %w", err)
		}
		// Processes sharing the database start concurrently; one migrates at a time.
		err = locker.New(pool).WithLock(ctx, migrationLock, func(ctx context.Context) error {
			return migrations.Apply(ctx, pool)
		})
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("migrating database: %w", err)
		}
		app.Pool = pool

		store := eventarchive.New(pool)
		archive = store
		arch := archiver.New(app.Bus, store, app.RunID)
		app.loops = append(app.loops,
			loop{"archiver", arch.Run},
			loop{"lag watcher", func(ctx context.Context) error { return watchLag(ctx, pool) }},
		)
	}

	// ── Transport ────────────────────────────────────────────────────────────
	responses := cache.New()
	app.loops = append(app.loops, loop{"idempotency sweeper", func(ctx context.Context) error {
		return sweep(ctx, responses, cfg.Server.IdempotencyTTL)
	}})

	reg := mcptransport.NewSessionRegistry()
	mcpServer := mcptransport.New(reg, coord)
	app.loops = append(app.loops, loop{"mcp forwarder", func(ctx context.Context) error { return reg.Forward(ctx, app.Bus) }})

	app.relay = wshandler.NewRelay(app.Bus)
	router := transport.NewRouter(transport.Deps{
		Coordinator:    coord,
		Relay:          app.relay,
		MCP:            mcpServer,
		Responses:      responses,
		IdempotencyTTL: cfg.Server.IdempotencyTTL,
		Archive:        archive,
		RunID:          app.RunID,
	})

	app.Server = &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.InfoContext(ctx, "application wired",
		"port", cfg.Server.Port,
		"run_id", app.RunID,
		"archive", app.Pool != nil,
		"reap_after", cfg.Health.ReapAfter,
	)
	return app, nil
}

// Start launches the background loops. The returned func blocks until they
// have all returned, which happens once ctx is done.
func (a *App) Start(ctx context.Context) (wait func()) {
	var wg sync.WaitGroup
	for _, l := range a.loops {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.ErrorContext(ctx, "background loop stopped", "loop", l.name, "error", err)
			}
		}()
	}
	return wg.Wait
}

// Close releases subscriptions, websocket clients and the database pool.
func (a *App) Close() {
	a.relay.Close()
	a.Bus.Close()
	if a.Pool != nil {
		a.Pool.Close()
	}
}

// sweep evicts expired idempotency entries every ttl/4.
func sweep(ctx context.Context, c *cache.Cache, ttl time.Duration) error {
	ticker := time.NewTicker(max(ttl/4, time.Second))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				slog.DebugContext(ctx, "idempotency cache swept", "evicted", n, "remaining", c.Len())
			}
		}
	}
}

// watchLag reports slow event consumers announced on the archive's system
// channel, including those of other coordinator processes sharing the database.
func watchLag(ctx context.Context, pool *pgxpool.Pool) error {
	done, err := eventarchive.Listen(ctx, pool, event.ChannelSystem, func(ctx context.Context, e event.Event) {
		if e.Type != event.TypeSubscriberLagged {
			return
		}
		var p event.LaggedPayload
		if err := e.Decode(&p); err != nil {
			return
		}
		slog.WarnContext(ctx, "event subscriber lagging",
			"subscriber_id", p.SubscriberID,
			"first_dropped_seq", p.FirstDroppedSeq,
		)
	})
	if err != nil {
		return err
	}
	<-done
	return ctx.Err()
}
