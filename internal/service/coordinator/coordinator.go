package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyang/agent-coordinator/internal/domain/assignment"
	"github.com/alanyang/agent-coordinator/internal/domain/event"
	"github.com/alanyang/agent-coordinator/internal/domain/task"
	"github.com/alanyang/agent-coordinator/internal/domain/worker"
	portbus "github.com/alanyang/agent-coordinator/internal/port/eventbus"
	"github.com/alanyang/agent-coordinator/internal/service/distributor"
	"github.com/alanyang/agent-coordinator/internal/service/health"
	"github.com/alanyang/agent-coordinator/internal/service/ledger"
	"github.com/alanyang/agent-coordinator/internal/service/queue"
	"github.com/alanyang/agent-coordinator/internal/service/registry"
)

const DefaultMaxRetries = 3

type Config struct {
	MaxRetries    int
	MaxQueueDepth int
	// FinishedRetention bounds how many terminal tasks stay queryable; 0 keeps all.
	FinishedRetention int
	Thresholds        health.Thresholds
}

var _ health.Checker = (*Coordinator)(nil)

// Coordinator is the public operation set. One mutex guards the queue, the
// registry, the ledger and the engine, so no caller ever observes a partial
// update. Events are published while the mutex is held; the bus has its own
// lock and never blocks, so sequence order matches causal order.
// [DIP] Depends on the eventbus port; the in-memory bus is injected by wire.
type Coordinator struct {
	mu         sync.Mutex
	queue      *queue.Queue
	registry   *registry.Registry
	ledger     *ledger.Ledger
	engine     *distributor.Engine
	bus        portbus.EventBus
	thresholds health.Thresholds
	now        func() time.Time
}

type Option func(*Coordinator)

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func New(cfg Config, bus portbus.EventBus, opts ...Option) (*Coordinator, error) {
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("max retries must not be negative, got %d", cfg.MaxRetries)
	}
	if cfg.FinishedRetention < 0 {
		return nil, fmt.Errorf("finished retention must not be negative, got %d", cfg.FinishedRetention)
	}
	if err := cfg.Thresholds.Validate(); err != nil {
		return nil, err
	}

	c := &Coordinator{
		queue:      queue.New(cfg.MaxQueueDepth),
		registry:   registry.New(),
		ledger:     ledger.New(ledger.WithRetention(cfg.FinishedRetention)),
		bus:        bus,
		thresholds: cfg.Thresholds,
		now:        time.Now,
	}
	c.engine = distributor.NewEngine(c.queue, c.registry, c.ledger, bus, cfg.MaxRetries)
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// ── Tasks ────────────────────────────────────────────────────────────────────

type SubmitRequest struct {
	Capability  string
	Priority    task.Priority
	Payload     []byte
	Title       string
	Description string
}

// SubmitTask queues a new task and runs an assignment pass. The returned
// snapshot is already Assigned if a worker was free.
func (c *Coordinator) SubmitTask(ctx context.Context, req SubmitRequest) (task.Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()

	if req.Priority == "" {
		req.Priority = task.PriorityMedium
	}
	t := task.New(req.Capability, req.Priority, req.Payload, now)
	t.Title = strings.TrimSpace(req.Title)
	t.Description = req.Description
	if err := c.queue.Enqueue(&t); err != nil {
		return task.Task{}, fmt.Errorf("submit task: %w", err)
	}
	c.ledger.AddTask(&t)
	c.publishTask(ctx, event.TypeTaskSubmitted, &t, "")

	c.engine.Pass(ctx, now)
	return t.Clone(), nil
}

// CancelTask cancels a queued task outright. For an assigned task it only
// records the request; the worker's own outcome resolves it.
func (c *Coordinator) CancelTask(ctx context.Context, id uuid.UUID) (task.Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()

	t, err := c.ledger.Task(id)
	if err != nil {
		return task.Task{}, err
	}
	if t.Status.IsTerminal() {
		return task.Task{}, fmt.Errorf("%w: %s is %s", task.ErrAlreadyFinished, id, t.Status)
	}

	switch t.Status {
	case task.StatusQueued:
		if _, err := c.queue.Remove(id); err != nil {
			return task.Task{}, fmt.Errorf("cancel task: %w", err)
		}
		if err := t.TransitionTo(task.StatusCancelled); err != nil {
			return task.Task{}, err
		}
		finished := now.UTC()
		t.FinishedAt = &finished
		c.ledger.Finish(t.ID)
		c.publishTask(ctx, event.TypeTaskCancelled, t, "")

	case task.StatusAssigned:
		if !t.CancelRequested {
			t.CancelRequested = true
			c.publishTask(ctx, event.TypeTaskCancelRequested, t, "")
		}
	}
	return t.Clone(), nil
}

// CompleteTask records success. The result is opaque and stored the same way
// as a submitted payload.
func (c *Coordinator) CompleteTask(ctx context.Context, id uuid.UUID, result []byte) (task.Task, error) {
	result = task.EncodeOpaque(result)

	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()

	t, err := c.engine.Complete(ctx, id, result, now)
	if err != nil {
		return task.Task{}, fmt.Errorf("complete task: %w", err)
	}
	snapshot := t.Clone()
	c.engine.Pass(ctx, now)
	return snapshot, nil
}

func (c *Coordinator) FailTask(ctx context.Context, id uuid.UUID, reason string) (task.Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()

	t, err := c.engine.Fail(ctx, id, reason, now)
	if err != nil {
		return task.Task{}, fmt.Errorf("fail task: %w", err)
	}
	snapshot := t.Clone()
	c.engine.Pass(ctx, now)
	return snapshot, nil
}

func (c *Coordinator) GetTaskStatus(_ context.Context, id uuid.UUID) (task.Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, err := c.ledger.Task(id)
	if err != nil {
		return task.Task{}, err
	}
	return t.Clone(), nil
}

// ListTasks returns snapshots in submission order. An empty status lists all.
func (c *Coordinator) ListTasks(_ context.Context, status task.Status) []task.Task {
	c.mu.Lock()
	defer c.mu.Unlock()

	live := c.ledger.Tasks(status)
	out := make([]task.Task, len(live))
	for i, t := range live {
		out[i] = t.Clone()
	}
	return out
}

func (c *Coordinator) TaskHistory(_ context.Context, id uuid.UUID) ([]assignment.Assignment, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ledger.History(id)
}

// ── Workers ──────────────────────────────────────────────────────────────────

type RegisterRequest struct {
	ID             string
	Capabilities   []string
	Template       string
	MaxConcurrency int
}

// RegisterWorker adds a worker and runs an assignment pass. A named template
// contributes its capabilities and, when MaxConcurrency is zero, its capacity.
func (c *Coordinator) RegisterWorker(ctx context.Context, req RegisterRequest) (worker.Worker, error) {
	caps := req.Capabilities
	maxConc := req.MaxConcurrency
	if req.Template != "" {
		tmpl, ok := worker.LookupTemplate(req.Template)
		if !ok {
			return worker.Worker{}, fmt.Errorf("%w: unknown template %q", worker.ErrInvalid, req.Template)
		}
		caps = append(slices.Clone(tmpl.Capabilities), caps...)
		if maxConc == 0 {
			maxConc = tmpl.MaxConcurrency
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()

	w := worker.New(req.ID, caps, maxConc, now)
	if err := c.registry.Register(w); err != nil {
		return worker.Worker{}, fmt.Errorf("register worker: %w", err)
	}
	c.publishWorker(ctx, event.TypeWorkerRegistered, w.ID, "")

	c.engine.Pass(ctx, now)
	return c.registry.Get(w.ID)
}

// DeregisterWorker removes a worker. Without force it refuses a worker that
// still has active assignments; with force those tasks go back to the queue
// without consuming a retry.
func (c *Coordinator) DeregisterWorker(ctx context.Context, id string, force bool) (worker.Worker, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()

	w, err := c.registry.Get(id)
	if err != nil {
		return worker.Worker{}, fmt.Errorf("%w: %s", worker.ErrUnknown, id)
	}
	if w.Load > 0 && !force {
		return worker.Worker{}, fmt.Errorf("%w: %s has %d active tasks", worker.ErrBusy, id, w.Load)
	}

	for _, a := range c.ledger.ActiveByWorker(id) {
		if _, err := c.engine.Release(ctx, a.TaskID, distributor.ReasonDeregistered, now); err != nil {
			slog.ErrorContext(ctx, "deregister: release task", "task_id", a.TaskID, "worker_id", id, "error", err)
		}
	}

	payload := workerPayload(w, "")
	removed, err := c.registry.Deregister(id, force)
	if err != nil {
		return worker.Worker{}, fmt.Errorf("deregister worker: %w", err)
	}
	c.publish(ctx, event.New(event.TypeWorkerDeregistered, id, payload))

	c.engine.Pass(ctx, now)
	return removed, nil
}

// Heartbeat records liveness. A worker coming back from Degraded or
// Unreachable is announced as recovered; its failed assignments stay failed.
// reportedLoad < 0 means the worker did not report one.
func (c *Coordinator) Heartbeat(ctx context.Context, id string, reportedLoad int) (worker.Worker, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()

	prev, err := c.registry.Heartbeat(id, reportedLoad, now)
	if err != nil {
		return worker.Worker{}, err
	}
	if prev != worker.HealthHealthy {
		c.publishWorker(ctx, event.TypeWorkerRecovered, id, prev)
	} else {
		c.publishWorker(ctx, event.TypeWorkerHeartbeat, id, "")
	}

	c.engine.Pass(ctx, now)
	return c.registry.Get(id)
}

func (c *Coordinator) GetWorkerStatus(_ context.Context, id string) (worker.Worker, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registry.Get(id)
}

func (c *Coordinator) ListWorkers(_ context.Context) []worker.Worker {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registry.List()
}

// WorkerTasks returns snapshots of the tasks currently assigned to a worker.
func (c *Coordinator) WorkerTasks(_ context.Context, workerID string) ([]task.Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.registry.Get(workerID); err != nil {
		return nil, err
	}
	active := c.ledger.ActiveByWorker(workerID)
	out := make([]task.Task, 0, len(active))
	for _, a := range active {
		t, err := c.ledger.Task(a.TaskID)
		if err != nil {
			continue
		}
		out = append(out, t.Clone())
	}
	return out, nil
}

// ── Health ───────────────────────────────────────────────────────────────────

// CheckHealth degrades silent workers, fails the active assignments of
// unreachable ones, and fails assignments that overran the task timeout.
func (c *Coordinator) CheckHealth(ctx context.Context, now time.Time) (health.Report, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var report health.Report
	for _, w := range c.registry.List() {
		target := health.Evaluate(w, now, c.thresholds)
		if target == w.Health {
			continue
		}
		previous := w.Health
		// A late sweep still walks Healthy → Degraded → Unreachable, so
		// observers see every step.
		if previous == worker.HealthHealthy {
			if err := c.registry.SetHealth(w.ID, worker.HealthDegraded); err != nil {
				return report, err
			}
			report.Degraded = append(report.Degraded, w.ID)
			c.publishWorker(ctx, event.TypeWorkerDegraded, w.ID, previous)
			previous = worker.HealthDegraded
		}
		if target != worker.HealthUnreachable {
			continue
		}

		if err := c.registry.SetHealth(w.ID, target); err != nil {
			return report, err
		}
		report.Unreachable = append(report.Unreachable, w.ID)
		c.publishWorker(ctx, event.TypeWorkerUnreachable, w.ID, previous)
		for _, a := range c.ledger.ActiveByWorker(w.ID) {
			if _, err := c.engine.Fail(ctx, a.TaskID, distributor.ReasonWorkerUnreachable, now); err != nil {
				slog.ErrorContext(ctx, "health: fail task", "task_id", a.TaskID, "worker_id", w.ID, "error", err)
				continue
			}
			report.FailedTasks++
		}
	}

	if c.thresholds.TaskTimeout > 0 {
		active := c.ledger.AllActive()
		slices.SortFunc(active, func(a, b *assignment.Assignment) int {
			return a.StartedAt.Compare(b.StartedAt)
		})
		for _, a := range active {
			if !c.thresholds.TimedOut(a.StartedAt, now) {
				continue
			}
			if _, err := c.engine.Fail(ctx, a.TaskID, distributor.ReasonTaskTimeout, now); err != nil {
				slog.ErrorContext(ctx, "health: time out task", "task_id", a.TaskID, "error", err)
				continue
			}
			report.TimedOut++
		}
	}

	if report.FailedTasks > 0 || report.TimedOut > 0 {
		c.engine.Pass(ctx, now)
	}
	return report, nil
}

// ── Events & status ──────────────────────────────────────────────────────────

// SubscribeEvents replays events from fromSeq and then follows the live log.
// It does not take the state lock.
func (c *Coordinator) SubscribeEvents(ctx context.Context, fromSeq uint64) (portbus.Subscription, error) {
	return c.bus.Subscribe(ctx, fromSeq)
}

type Snapshot struct {
	QueueDepth      int                   `json:"queue_depth"`
	QueueByPriority map[task.Priority]int `json:"queue_by_priority"`
	Tasks           map[task.Status]int   `json:"tasks"`
	Workers         map[worker.Health]int `json:"workers"`
	TotalLoad       int                   `json:"total_load"`
	TotalCapacity   int                   `json:"total_capacity"`
	LastSequence    uint64                `json:"last_sequence"`
}

func (c *Coordinator) Status(_ context.Context) Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{
		QueueDepth:      c.queue.Len(),
		QueueByPriority: c.queue.LenByPriority(),
		Tasks:           c.ledger.Counts(),
		Workers:         make(map[worker.Health]int),
		LastSequence:    c.bus.LastSequence(),
	}
	for _, w := range c.registry.List() {
		s.Workers[w.Health]++
		s.TotalLoad += w.Load
		s.TotalCapacity += w.MaxConcurrency
	}
	return s
}

// ── publishing ───────────────────────────────────────────────────────────────

func (c *Coordinator) publishTask(ctx context.Context, typ event.Type, t *task.Task, reason string) {
	p := event.TaskPayload{
		TaskID:     t.ID.String(),
		Capability: t.Capability,
		Priority:   string(t.Priority),
		RetryCount: t.RetryCount,
		Reason:     reason,
	}
	if t.AssignedWorker != nil {
		p.WorkerID = *t.AssignedWorker
	}
	c.publish(ctx, event.New(typ, t.ID.String(), p))
}

func (c *Coordinator) publishWorker(ctx context.Context, typ event.Type, id string, previous worker.Health) {
	w, err := c.registry.Get(id)
	if err != nil {
		slog.ErrorContext(ctx, "publish worker event", "worker_id", id, "error", err)
		return
	}
	c.publish(ctx, event.New(typ, id, workerPayload(w, previous)))
}

func (c *Coordinator) publish(ctx context.Context, e event.Event) {
	if _, err := c.bus.Publish(ctx, e); err != nil {
		slog.ErrorContext(ctx, "failed to publish event", "type", e.Type, "subject_id", e.SubjectID, "error", err)
	}
}

func workerPayload(w worker.Worker, previous worker.Health) event.WorkerPayload {
	return event.WorkerPayload{
		WorkerID:       w.ID,
		Capabilities:   w.Capabilities,
		Load:           w.Load,
		ReportedLoad:   w.ReportedLoad,
		MaxConcurrency: w.MaxConcurrency,
		Health:         string(w.Health),
		PreviousHealth: string(previous),
		ActiveTasks:    w.Load,
	}
}
