package wire

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyang/agent-coordinator/internal/domain/event"
	"github.com/alanyang/agent-coordinator/internal/domain/worker"
	porteventbus "github.com/alanyang/agent-coordinator/internal/port/eventbus"
)

type workerReaper interface {
	ListWorkers(ctx context.Context) []worker.Worker
	DeregisterWorker(ctx context.Context, id string, force bool) (worker.Worker, error)
}

// reaper deregisters workers that stay unreachable for a grace period. It
// follows the feed: worker_unreachable schedules a timer, and a recovery,
// re-registration or manual deregistration cancels it.
type reaper struct {
	svc   workerReaper
	grace time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer
}

func newReaper(svc workerReaper, grace time.Duration) *reaper {
	return &reaper{svc: svc, grace: grace, timers: make(map[string]*time.Timer)}
}

// run blocks until ctx is done. Workers already unreachable when it starts are
// scheduled immediately, since their events happened before the subscription.
func (r *reaper) run(ctx context.Context, feed porteventbus.Feed) error {
	sub, err := feed.Subscribe(ctx, feed.LastSequence()+1)
	if err != nil {
		return err
	}
	defer sub.Close()
	defer r.stopAll()

	orphans := 0
	for _, w := range r.svc.ListWorkers(ctx) {
		if w.Health == worker.HealthUnreachable {
			r.schedule(ctx, w.ID)
			orphans++
		}
	}
	if orphans > 0 {
		slog.InfoContext(ctx, "reaper: startup scan scheduled unreachable workers", "count", orphans)
	}

	for e := range sub.All(ctx) {
		switch e.Type {
		case event.TypeWorkerUnreachable:
			r.schedule(ctx, e.SubjectID)
		case event.TypeWorkerRecovered, event.TypeWorkerRegistered, event.TypeWorkerDeregistered:
			r.cancel(e.SubjectID)
		}
	}
	return ctx.Err()
}

func (r *reaper) schedule(ctx context.Context, workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.timers[workerID]; ok {
		return
	}
	r.timers[workerID] = time.AfterFunc(r.grace, func() {
		r.mu.Lock()
		delete(r.timers, workerID)
		r.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		// Unreachable workers hold no assignments; force only guards a race
		// with a task bound between the timer firing and this call.
		if _, err := r.svc.DeregisterWorker(ctx, workerID, true); err != nil {
			if errors.Is(err, worker.ErrUnknown) {
				return
			}
			slog.ErrorContext(ctx, "reaper: deregister failed", "worker_id", workerID, "error", err)
			return
		}
		slog.InfoContext(ctx, "reaper: deregistered unreachable worker", "worker_id", workerID, "grace", r.grace)
	})
}

func (r *reaper) cancel(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.timers[workerID]; ok {
		t.Stop()
		delete(r.timers, workerID)
	}
}

func (r *reaper) pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}

func (r *reaper) stopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, t := range r.timers {
		t.Stop()
		delete(r.timers, id)
	}
}
