package archiver

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyang/agent-coordinator/internal/domain/event"
	portarchive "github.com/alanyang/agent-coordinator/internal/port/archive"
	portbus "github.com/alanyang/agent-coordinator/internal/port/eventbus"
)

const (
	DefaultBatchSize     = 100
	DefaultFlushInterval = 500 * time.Millisecond
	maxBackoff           = 30 * time.Second
)

// Archiver copies the event feed into durable storage. It reads through its
// own subscription, so a slow or failing store never touches coordinator
// state; it only risks this subscriber lagging.
type Archiver struct {
	feed      portbus.Feed
	store     portarchive.Writer
	runID     uuid.UUID
	batchSize int
	flush     time.Duration
}

func New(feed portbus.Feed, store portarchive.Writer, runID uuid.UUID) *Archiver {
	return &Archiver{
		feed:      feed,
		store:     store,
		runID:     runID,
		batchSize: DefaultBatchSize,
		flush:     DefaultFlushInterval,
	}
}

func (a *Archiver) WithBatch(size int, flush time.Duration) *Archiver {
	if size > 0 {
		a.batchSize = size
	}
	if flush > 0 {
		a.flush = flush
	}
	return a
}

func (a *Archiver) RunID() uuid.UUID { return a.runID }

// Run archives until ctx is done. It resumes after the last seq the store
// already holds for this run.
func (a *Archiver) Run(ctx context.Context) error {
	last, err := a.store.LastSequence(ctx, a.runID)
	if err != nil {
		return err
	}

	sub, err := a.feed.Subscribe(ctx, last+1)
	if err != nil {
		return err
	}
	defer sub.Close()

	slog.InfoContext(ctx, "archiver started", "run_id", a.runID, "from_seq", last+1)

	var batch []event.Event
	for {
		waitCtx, cancel := context.WithTimeout(ctx, a.flush)
		e, err := sub.Next(waitCtx)
		cancel()

		switch {
		case err == nil:
			batch = append(batch, e)
			if len(batch) < a.batchSize {
				continue
			}
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			// Flush interval elapsed.
		default:
			if len(batch) > 0 {
				a.drain(ctx, batch)
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		if len(batch) > 0 {
			if !a.write(ctx, batch) {
				return ctx.Err()
			}
			batch = nil
		}
	}
}

// drain makes one last bounded attempt to store batch after ctx has ended.
func (a *Archiver) drain(ctx context.Context, batch []event.Event) {
	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := a.store.Append(drainCtx, a.runID, batch); err != nil {
		slog.ErrorContext(ctx, "archiver: final append failed", "count", len(batch), "error", err)
	}
}

// write retries with capped exponential backoff. It reports false only when
// ctx ends first.
func (a *Archiver) write(ctx context.Context, batch []event.Event) bool {
	backoff := 100 * time.Millisecond
	for {
		err := a.store.Append(ctx, a.runID, batch)
		if err == nil {
			return true
		}
		slog.ErrorContext(ctx, "archiver: append failed",
			"first_seq", batch[0].Seq, "count", len(batch), "retry_in", backoff, "error", err)

		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}
