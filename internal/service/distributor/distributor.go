package distributor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyang/agent-coordinator/internal/domain/assignment"
	"github.com/alanyang/agent-coordinator/internal/domain/event"
	"github.com/alanyang/agent-coordinator/internal/domain/task"
	portbus "github.com/alanyang/agent-coordinator/internal/port/eventbus"
	"github.com/alanyang/agent-coordinator/internal/service/ledger"
	"github.com/alanyang/agent-coordinator/internal/service/queue"
	"github.com/alanyang/agent-coordinator/internal/service/registry"
)

const (
	ReasonWorkerUnreachable = "worker_unreachable"
	ReasonTaskTimeout       = "task_timeout"
	ReasonDeregistered      = "worker_deregistered"
)

// Engine binds queued tasks to eligible workers and resolves finished
// assignments. It runs inside the coordinator's lock and never blocks.
// [SRP] Matching and outcome bookkeeping only; admission and health live elsewhere.
// [ISP] Publishes through portbus.Publisher, never reads the feed.
type Engine struct {
	queue      *queue.Queue
	registry   *registry.Registry
	ledger     *ledger.Ledger
	bus        portbus.Publisher
	maxRetries int
}

func NewEngine(q *queue.Queue, r *registry.Registry, l *ledger.Ledger, bus portbus.Publisher, maxRetries int) *Engine {
	return &Engine{queue: q, registry: r, ledger: l, bus: bus, maxRetries: maxRetries}
}

func (e *Engine) MaxRetries() int { return e.maxRetries }

// Pass assigns queued tasks until no queued task has an eligible worker.
// Higher-priority tasks with no eligible worker are skipped, not waited on.
func (e *Engine) Pass(ctx context.Context, now time.Time) []assignment.Assignment {
	var made []assignment.Assignment
	// Loads only grow during a pass, so a capability with no eligible worker
	// stays blocked until the pass ends.
	blocked := make(map[string]bool)

	for {
		t, ok := e.queue.DequeueEligible(func(t *task.Task) bool {
			if blocked[t.Capability] {
				return false
			}
			if len(e.registry.FindEligible(t.Capability)) == 0 {
				blocked[t.Capability] = true
				return false
			}
			return true
		})
		if !ok {
			return made
		}

		w := e.registry.FindEligible(t.Capability)[0]
		if err := e.registry.AddLoad(w.ID, 1); err != nil {
			// FindEligible guarantees headroom; reaching here is a bug.
			slog.ErrorContext(ctx, "assign: load bound violated", "task_id", t.ID, "worker_id", w.ID, "error", err)
			e.queue.Requeue(t) //nolint:errcheck
			return made
		}

		if err := t.TransitionTo(task.StatusAssigned); err != nil {
			slog.ErrorContext(ctx, "assign: bad transition", "task_id", t.ID, "error", err)
			e.registry.AddLoad(w.ID, -1) //nolint:errcheck
			return made
		}
		workerID := w.ID
		assignedAt := now.UTC()
		t.AssignedWorker = &workerID
		t.AssignedAt = &assignedAt

		a := e.ledger.Bind(t, workerID, now)
		made = append(made, *a)
		e.publish(ctx, event.TypeTaskAssigned, t, workerID, "")
	}
}

// Complete records success for an assigned task.
func (e *Engine) Complete(ctx context.Context, taskID uuid.UUID, result []byte, now time.Time) (*task.Task, error) {
	t, workerID, err := e.assigned(taskID)
	if err != nil {
		return nil, err
	}
	if _, err := e.ledger.Close(taskID, assignment.StatusCompleted, "", now); err != nil {
		return nil, fmt.Errorf("close assignment: %w", err)
	}
	e.releaseLoad(ctx, workerID)

	if err := t.TransitionTo(task.StatusCompleted); err != nil {
		return nil, err
	}
	t.Result = result
	e.finish(t, now)
	e.publish(ctx, event.TypeTaskCompleted, t, workerID, "")
	return t, nil
}

// Fail records a failed attempt. The task is requeued while retries remain;
// otherwise it ends Failed. A task with a pending cancel request ends Cancelled.
func (e *Engine) Fail(ctx context.Context, taskID uuid.UUID, reason string, now time.Time) (*task.Task, error) {
	t, workerID, err := e.assigned(taskID)
	if err != nil {
		return nil, err
	}
	if _, err := e.ledger.Close(taskID, assignment.StatusFailed, reason, now); err != nil {
		return nil, fmt.Errorf("close assignment: %w", err)
	}
	e.releaseLoad(ctx, workerID)
	t.LastError = reason

	switch {
	case t.CancelRequested:
		if err := t.TransitionTo(task.StatusCancelled); err != nil {
			return nil, err
		}
		e.finish(t, now)
		e.publish(ctx, event.TypeTaskCancelled, t, workerID, reason)

	case t.RetryCount < e.maxRetries:
		if err := t.TransitionTo(task.StatusQueued); err != nil {
			return nil, err
		}
		t.RetryCount++
		e.unbind(t)
		if err := e.queue.Requeue(t); err != nil {
			return nil, fmt.Errorf("requeue task: %w", err)
		}
		e.publish(ctx, event.TypeTaskRetried, t, workerID, reason)

	default:
		if err := t.TransitionTo(task.StatusFailed); err != nil {
			return nil, err
		}
		e.finish(t, now)
		e.publish(ctx, event.TypeTaskFailed, t, workerID, reason)
	}
	return t, nil
}

// Release returns an assigned task to the queue without consuming a retry.
func (e *Engine) Release(ctx context.Context, taskID uuid.UUID, reason string, now time.Time) (*task.Task, error) {
	t, workerID, err := e.assigned(taskID)
	if err != nil {
		return nil, err
	}
	if _, err := e.ledger.Close(taskID, assignment.StatusReassigned, reason, now); err != nil {
		return nil, fmt.Errorf("close assignment: %w", err)
	}
	e.releaseLoad(ctx, workerID)

	if t.CancelRequested {
		if err := t.TransitionTo(task.StatusCancelled); err != nil {
			return nil, err
		}
		e.finish(t, now)
		e.publish(ctx, event.TypeTaskCancelled, t, workerID, reason)
		return t, nil
	}

	if err := t.TransitionTo(task.StatusQueued); err != nil {
		return nil, err
	}
	e.unbind(t)
	if err := e.queue.Requeue(t); err != nil {
		return nil, fmt.Errorf("requeue task: %w", err)
	}
	e.publish(ctx, event.TypeTaskReassigned, t, workerID, reason)
	return t, nil
}

func (e *Engine) assigned(taskID uuid.UUID) (*task.Task, string, error) {
	t, err := e.ledger.Task(taskID)
	if err != nil {
		return nil, "", err
	}
	if t.Status != task.StatusAssigned || t.AssignedWorker == nil {
		return nil, "", fmt.Errorf("%w: %s is %s", task.ErrNotAssigned, taskID, t.Status)
	}
	return t, *t.AssignedWorker, nil
}

func (e *Engine) releaseLoad(ctx context.Context, workerID string) {
	if err := e.registry.AddLoad(workerID, -1); err != nil {
		slog.ErrorContext(ctx, "release load", "worker_id", workerID, "error", err)
	}
}

func (e *Engine) unbind(t *task.Task) {
	t.AssignedWorker = nil
	t.AssignedAt = nil
}

func (e *Engine) finish(t *task.Task, now time.Time) {
	e.unbind(t)
	finished := now.UTC()
	t.FinishedAt = &finished
	e.ledger.Finish(t.ID)
}

func (e *Engine) publish(ctx context.Context, typ event.Type, t *task.Task, workerID, reason string) {
	_, err := e.bus.Publish(ctx, event.New(typ, t.ID.String(), event.TaskPayload{
		TaskID:     t.ID.String(),
		Capability: t.Capability,
		Priority:   string(t.Priority),
		WorkerID:   workerID,
		RetryCount: t.RetryCount,
		Reason:     reason,
	}))
	if err != nil {
		slog.ErrorContext(ctx, "failed to publish event", "type", typ, "task_id", t.ID, "error", err)
	}
}
