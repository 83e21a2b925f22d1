package coordinator_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyang/agent-coordinator/internal/adapter/memory/eventbus"
	"github.com/alanyang/agent-coordinator/internal/domain/assignment"
	"github.com/alanyang/agent-coordinator/internal/domain/event"
	"github.com/alanyang/agent-coordinator/internal/domain/task"
	"github.com/alanyang/agent-coordinator/internal/domain/worker"
	"github.com/alanyang/agent-coordinator/internal/service/coordinator"
	"github.com/alanyang/agent-coordinator/internal/service/health"
)

var thresholds = health.Thresholds{
	DegradedAfter:    30 * time.Second,
	UnreachableAfter: 90 * time.Second,
	TaskTimeout:      time.Hour,
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
	return c.t
}

type harness struct {
	coord *coordinator.Coordinator
	bus   *eventbus.Bus
	clock *clock
}

func newHarness(t *testing.T, maxRetries int) *harness {
	t.Helper()
	clk := &clock{t: time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)}
	bus := eventbus.New(eventbus.WithClock(clk.Now), eventbus.WithSubscriberBuffer(100_000))
	c, err := coordinator.New(coordinator.Config{
		MaxRetries: maxRetries,
		Thresholds: thresholds,
	}, bus, coordinator.WithClock(clk.Now))
	require.NoError(t, err)
	return &harness{coord: c, bus: bus, clock: clk}
}

func (h *harness) submit(t *testing.T, capability string, p task.Priority) task.Task {
	t.Helper()
	tk, err := h.coord.SubmitTask(context.Background(), coordinator.SubmitRequest{Capability: capability, Priority: p})
	require.NoError(t, err)
	return tk
}

func (h *harness) register(t *testing.T, id string, maxConc int, caps ...string) {
	t.Helper()
	_, err := h.coord.RegisterWorker(context.Background(), coordinator.RegisterRequest{
		ID: id, Capabilities: caps, MaxConcurrency: maxConc,
	})
	require.NoError(t, err)
}

func (h *harness) status(t *testing.T, id uuid.UUID) task.Task {
	t.Helper()
	tk, err := h.coord.GetTaskStatus(context.Background(), id)
	require.NoError(t, err)
	return tk
}

// eventsFrom returns every event with Seq >= from up to the current head.
func (h *harness) eventsFrom(t *testing.T, from uint64) []event.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sub, err := h.coord.SubscribeEvents(ctx, from)
	require.NoError(t, err)
	defer sub.Close()

	head := h.bus.LastSequence()
	var out []event.Event
	for seq := from; seq <= head; seq++ {
		e, err := sub.Next(ctx)
		require.NoError(t, err)
		out = append(out, e)
	}
	return out
}

func countTypes(events []event.Event) map[event.Type]int {
	out := make(map[event.Type]int)
	for _, e := range events {
		out[e.Type]++
	}
	return out
}

func TestPriorityOrder_CriticalFirst(t *testing.T) {
	h := newHarness(t, 3)
	low := h.submit(t, "go", task.PriorityLow)
	crit := h.submit(t, "go", task.PriorityCritical)
	med := h.submit(t, "go", task.PriorityMedium)

	h.register(t, "w1", 1, "go")

	assert.Equal(t, task.StatusAssigned, h.status(t, crit.ID).Status)
	assert.Equal(t, task.StatusQueued, h.status(t, low.ID).Status)
	assert.Equal(t, task.StatusQueued, h.status(t, med.ID).Status)

	_, err := h.coord.CompleteTask(context.Background(), crit.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, task.StatusAssigned, h.status(t, med.ID).Status)
	assert.Equal(t, task.StatusQueued, h.status(t, low.ID).Status)
}

func TestSkipAhead(t *testing.T) {
	h := newHarness(t, 3)
	blocked := h.submit(t, "gpu", task.PriorityCritical)
	runnable := h.submit(t, "go", task.PriorityLow)
	h.register(t, "w1", 1, "go")

	assert.Equal(t, task.StatusQueued, h.status(t, blocked.ID).Status)
	assert.Equal(t, task.StatusAssigned, h.status(t, runnable.ID).Status)

	h.register(t, "g1", 1, "gpu")
	assert.Equal(t, task.StatusAssigned, h.status(t, blocked.ID).Status)
}

func TestRetryBound(t *testing.T) {
	const maxRetries = 3
	h := newHarness(t, maxRetries)
	h.register(t, "w1", 1, "go")
	tk := h.submit(t, "go", task.PriorityHigh)

	for attempt := 0; attempt <= maxRetries; attempt++ {
		require.Equal(t, task.StatusAssigned, h.status(t, tk.ID).Status, "attempt %d", attempt)
		_, err := h.coord.FailTask(context.Background(), tk.ID, fmt.Sprintf("err-%d", attempt))
		require.NoError(t, err)
	}

	final := h.status(t, tk.ID)
	assert.Equal(t, task.StatusFailed, final.Status)
	assert.Equal(t, maxRetries, final.RetryCount)

	counts := countTypes(h.eventsFrom(t, 1))
	assert.Equal(t, maxRetries+1, counts[event.TypeTaskAssigned], "assigned exactly MaxRetries+1 times")
	assert.Equal(t, maxRetries, counts[event.TypeTaskRetried])
	assert.Equal(t, 1, counts[event.TypeTaskFailed])

	hist, err := h.coord.TaskHistory(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Len(t, hist, maxRetries+1)

	_, err = h.coord.FailTask(context.Background(), tk.ID, "late")
	assert.True(t, errors.Is(err, task.ErrNotAssigned))
}

func TestUnreachableWorker_FailsActiveAssignments(t *testing.T) {
	h := newHarness(t, 3)
	h.register(t, "w1", 2, "go")
	a := h.submit(t, "go", task.PriorityHigh)
	b := h.submit(t, "go", task.PriorityHigh)

	_, err := h.coord.CheckHealth(context.Background(), h.clock.Advance(thresholds.DegradedAfter))
	require.NoError(t, err)

	from := h.bus.LastSequence() + 1
	now := h.clock.Advance(thresholds.UnreachableAfter - thresholds.DegradedAfter + time.Second)
	report, err := h.coord.CheckHealth(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, []string{"w1"}, report.Unreachable)
	assert.Equal(t, 2, report.FailedTasks)

	events := h.eventsFrom(t, from)
	counts := countTypes(events)
	assert.Equal(t, 1, counts[event.TypeWorkerUnreachable])
	assert.Equal(t, 2, counts[event.TypeTaskRetried]+counts[event.TypeTaskFailed])
	assert.Len(t, events, 3)
	assert.Equal(t, event.TypeWorkerUnreachable, events[0].Type, "health transition precedes its consequences")

	for _, id := range []uuid.UUID{a.ID, b.ID} {
		tk := h.status(t, id)
		assert.Equal(t, task.StatusQueued, tk.Status)
		assert.Equal(t, 1, tk.RetryCount)
		assert.Equal(t, "worker_unreachable", tk.LastError)
	}

	w, err := h.coord.GetWorkerStatus(context.Background(), "w1")
	require.NoError(t, err)
	assert.Equal(t, worker.HealthUnreachable, w.Health)
	assert.Zero(t, w.Load)

	// A second sweep is a no-op.
	report, err = h.coord.CheckHealth(context.Background(), h.clock.Advance(time.Minute))
	require.NoError(t, err)
	assert.True(t, report.Empty())
}

func TestLateSweep_StillReportsDegradedStep(t *testing.T) {
	h := newHarness(t, 3)
	h.register(t, "w1", 1, "go")
	h.submit(t, "go", task.PriorityHigh)

	from := h.bus.LastSequence() + 1
	report, err := h.coord.CheckHealth(context.Background(), h.clock.Advance(thresholds.UnreachableAfter+time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{"w1"}, report.Degraded)
	assert.Equal(t, []string{"w1"}, report.Unreachable)
	assert.Equal(t, 1, report.FailedTasks)

	events := h.eventsFrom(t, from)
	require.Len(t, events, 3)
	assert.Equal(t, event.TypeWorkerDegraded, events[0].Type)
	assert.Equal(t, event.TypeWorkerUnreachable, events[1].Type)
	assert.Equal(t, event.TypeTaskRetried, events[2].Type)

	var p event.WorkerPayload
	require.NoError(t, events[1].Decode(&p))
	assert.Equal(t, string(worker.HealthDegraded), p.PreviousHealth)
}

func TestDegradedThenRecovered(t *testing.T) {
	h := newHarness(t, 3)
	h.register(t, "w1", 1, "go")

	now := h.clock.Advance(thresholds.DegradedAfter)
	report, err := h.coord.CheckHealth(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, []string{"w1"}, report.Degraded)

	// Degraded workers receive no new work.
	tk := h.submit(t, "go", task.PriorityHigh)
	assert.Equal(t, task.StatusQueued, h.status(t, tk.ID).Status)

	from := h.bus.LastSequence() + 1
	w, err := h.coord.Heartbeat(context.Background(), "w1", 0)
	require.NoError(t, err)
	assert.Equal(t, worker.HealthHealthy, w.Health)

	events := h.eventsFrom(t, from)
	require.Len(t, events, 2)
	assert.Equal(t, event.TypeWorkerRecovered, events[0].Type)
	assert.Equal(t, event.TypeTaskAssigned, events[1].Type)

	var p event.WorkerPayload
	require.NoError(t, events[0].Decode(&p))
	assert.Equal(t, string(worker.HealthDegraded), p.PreviousHealth)
}

func TestHeartbeat(t *testing.T) {
	h := newHarness(t, 3)
	h.register(t, "w1", 2, "go")

	from := h.bus.LastSequence() + 1
	w, err := h.coord.Heartbeat(context.Background(), "w1", 5)
	require.NoError(t, err)
	assert.Equal(t, 5, w.ReportedLoad)
	assert.Zero(t, w.Load)

	events := h.eventsFrom(t, from)
	require.Len(t, events, 1)
	assert.Equal(t, event.TypeWorkerHeartbeat, events[0].Type)

	_, err = h.coord.Heartbeat(context.Background(), "ghost", 0)
	assert.True(t, errors.Is(err, worker.ErrUnknown))
}

func TestTaskTimeout(t *testing.T) {
	h := newHarness(t, 0)
	h.register(t, "w1", 1, "go")
	tk := h.submit(t, "go", task.PriorityLow)

	// Keep the worker alive while the task overruns.
	for elapsed := time.Duration(0); elapsed < thresholds.TaskTimeout; elapsed += 20 * time.Second {
		h.clock.Advance(20 * time.Second)
		_, err := h.coord.Heartbeat(context.Background(), "w1", 1)
		require.NoError(t, err)
	}

	report, err := h.coord.CheckHealth(context.Background(), h.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, report.TimedOut)

	final := h.status(t, tk.ID)
	assert.Equal(t, task.StatusFailed, final.Status)
	assert.Equal(t, "task_timeout", final.LastError)
}

func TestCancel(t *testing.T) {
	ctx := context.Background()

	t.Run("queued is cancelled immediately", func(t *testing.T) {
		h := newHarness(t, 3)
		tk := h.submit(t, "go", task.PriorityLow)

		got, err := h.coord.CancelTask(ctx, tk.ID)
		require.NoError(t, err)
		assert.Equal(t, task.StatusCancelled, got.Status)
		assert.Zero(t, h.coord.Status(ctx).QueueDepth)

		_, err = h.coord.CancelTask(ctx, tk.ID)
		assert.True(t, errors.Is(err, task.ErrAlreadyFinished))
	})

	t.Run("assigned is advisory then completes", func(t *testing.T) {
		h := newHarness(t, 3)
		h.register(t, "w1", 1, "go")
		tk := h.submit(t, "go", task.PriorityLow)

		got, err := h.coord.CancelTask(ctx, tk.ID)
		require.NoError(t, err)
		assert.Equal(t, task.StatusAssigned, got.Status)
		assert.True(t, got.CancelRequested)

		_, err = h.coord.CancelTask(ctx, tk.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, countTypes(h.eventsFrom(t, 1))[event.TypeTaskCancelRequested], "repeat cancel emits nothing")

		done, err := h.coord.CompleteTask(ctx, tk.ID, []byte("ok"))
		require.NoError(t, err)
		assert.Equal(t, task.StatusCompleted, done.Status)
	})

	t.Run("assigned then failed resolves cancelled", func(t *testing.T) {
		h := newHarness(t, 3)
		h.register(t, "w1", 1, "go")
		tk := h.submit(t, "go", task.PriorityLow)
		_, err := h.coord.CancelTask(ctx, tk.ID)
		require.NoError(t, err)

		got, err := h.coord.FailTask(ctx, tk.ID, "stopped")
		require.NoError(t, err)
		assert.Equal(t, task.StatusCancelled, got.Status)
		assert.Zero(t, got.RetryCount)
	})

	t.Run("unknown", func(t *testing.T) {
		h := newHarness(t, 3)
		_, err := h.coord.CancelTask(ctx, uuid.New())
		assert.True(t, errors.Is(err, task.ErrNotFound))
	})
}

func TestDeregister(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 3)
	h.register(t, "w1", 1, "go")
	tk := h.submit(t, "go", task.PriorityHigh)

	_, err := h.coord.DeregisterWorker(ctx, "w1", false)
	assert.True(t, errors.Is(err, worker.ErrBusy))

	h.register(t, "w2", 1, "go")
	from := h.bus.LastSequence() + 1
	_, err = h.coord.DeregisterWorker(ctx, "w1", true)
	require.NoError(t, err)

	types := []event.Type{}
	for _, e := range h.eventsFrom(t, from) {
		types = append(types, e.Type)
	}
	assert.Equal(t, []event.Type{
		event.TypeTaskReassigned,
		event.TypeWorkerDeregistered,
		event.TypeTaskAssigned,
	}, types)

	got := h.status(t, tk.ID)
	assert.Equal(t, "w2", *got.AssignedWorker)
	assert.Zero(t, got.RetryCount, "reassignment does not consume a retry")

	hist, err := h.coord.TaskHistory(ctx, tk.ID)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, assignment.StatusReassigned, hist[0].Status)

	_, err = h.coord.GetWorkerStatus(ctx, "w1")
	assert.True(t, errors.Is(err, worker.ErrNotFound))
	_, err = h.coord.DeregisterWorker(ctx, "w1", false)
	assert.True(t, errors.Is(err, worker.ErrUnknown))
}

func TestRegisterWorker(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 3)

	w, err := h.coord.RegisterWorker(ctx, coordinator.RegisterRequest{ID: "qa", Template: "qa_tester", Capabilities: []string{"go"}})
	require.NoError(t, err)
	assert.True(t, w.HasCapability("automated_testing"))
	assert.True(t, w.HasCapability("go"))
	assert.Equal(t, 1, w.MaxConcurrency)

	tests := []struct {
		name    string
		req     coordinator.RegisterRequest
		wantErr error
	}{
		{"duplicate", coordinator.RegisterRequest{ID: "qa", Capabilities: []string{"go"}, MaxConcurrency: 1}, worker.ErrDuplicate},
		{"unknown template", coordinator.RegisterRequest{ID: "x", Template: "astronaut"}, worker.ErrInvalid},
		{"no capabilities", coordinator.RegisterRequest{ID: "y", MaxConcurrency: 1}, worker.ErrInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.coord.RegisterWorker(ctx, tt.req)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}
}

func TestSubmit_Validation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 3)

	_, err := h.coord.SubmitTask(ctx, coordinator.SubmitRequest{Capability: "", Priority: task.PriorityLow})
	assert.True(t, errors.Is(err, task.ErrInvalidTask))
	_, err = h.coord.SubmitTask(ctx, coordinator.SubmitRequest{Capability: "go", Priority: "urgent"})
	assert.True(t, errors.Is(err, task.ErrInvalidTask))

	tk, err := h.coord.SubmitTask(ctx, coordinator.SubmitRequest{Capability: "go", Title: "  build  "})
	require.NoError(t, err)
	assert.Equal(t, task.PriorityMedium, tk.Priority)
	assert.Equal(t, "build", tk.Title)
	assert.Equal(t, uint64(1), h.bus.LastSequence(), "rejected submissions emit nothing")
}

func TestSubmit_OpaquePayload(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 3)

	raw := []byte("raw opaque \x00 bytes")
	tk, err := h.coord.SubmitTask(ctx, coordinator.SubmitRequest{Capability: "go", Payload: raw})
	require.NoError(t, err)
	assert.Equal(t, task.EncodeOpaque(raw), tk.Payload)

	got, err := h.coord.GetTaskStatus(ctx, tk.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `"raw opaque \u0000 bytes"`, string(got.Payload))
}

func TestCausalOrdering(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 3)
	tk := h.submit(t, "go", task.PriorityLow)
	h.register(t, "w1", 1, "go")
	_, err := h.coord.CompleteTask(ctx, tk.ID, []byte("done"))
	require.NoError(t, err)

	var order []event.Type
	var last uint64
	for _, e := range h.eventsFrom(t, 1) {
		require.Greater(t, e.Seq, last)
		last = e.Seq
		order = append(order, e.Type)
	}
	assert.Equal(t, []event.Type{
		event.TypeTaskSubmitted,
		event.TypeWorkerRegistered,
		event.TypeTaskAssigned,
		event.TypeTaskCompleted,
	}, order)
}

func TestSubscribe_ReplayFromSequence(t *testing.T) {
	h := newHarness(t, 3)
	h.register(t, "w1", 1, "go")
	for range 5 {
		h.submit(t, "rust", task.PriorityLow)
	}

	all := h.eventsFrom(t, 1)
	tail := h.eventsFrom(t, 4)
	assert.Equal(t, all[3:], tail)
}

// TestLoadInvariant_RandomOperations drives a seeded random mix of calls and
// checks after every one that load equals the number of assigned tasks and
// stays within capacity, and that assigned tasks always name a worker.
func TestLoadInvariant_RandomOperations(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewPCG(7, 11))
	caps := []string{"go", "python", "rust"}

	h := newHarness(t, 2)
	workers := []string{"a", "b", "c", "d"}
	for i, id := range workers {
		h.register(t, id, 1+i%3, caps[i%len(caps)], caps[(i+1)%len(caps)])
	}

	var tasks []uuid.UUID
	for step := 0; step < 2000; step++ {
		switch op := rng.IntN(10); {
		case op < 4:
			tk, err := h.coord.SubmitTask(ctx, coordinator.SubmitRequest{
				Capability: caps[rng.IntN(len(caps))],
				Priority:   task.Priorities[rng.IntN(len(task.Priorities))],
			})
			require.NoError(t, err)
			tasks = append(tasks, tk.ID)
		case op < 7 && len(tasks) > 0:
			h.coord.CompleteTask(ctx, tasks[rng.IntN(len(tasks))], nil) //nolint:errcheck
		case op < 9 && len(tasks) > 0:
			h.coord.FailTask(ctx, tasks[rng.IntN(len(tasks))], "random") //nolint:errcheck
		default:
			h.clock.Advance(time.Duration(rng.IntN(40)) * time.Second)
			if rng.IntN(2) == 0 {
				h.coord.Heartbeat(ctx, workers[rng.IntN(len(workers))], -1) //nolint:errcheck
			} else {
				h.coord.CheckHealth(ctx, h.clock.Now()) //nolint:errcheck
			}
		}
		assertConsistent(t, h, step)
	}
}

func TestConcurrentCallers(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1)
	for i := range 4 {
		h.register(t, fmt.Sprintf("w%d", i), 2, "go")
	}

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				tk, err := h.coord.SubmitTask(ctx, coordinator.SubmitRequest{Capability: "go", Priority: task.PriorityHigh})
				if err != nil {
					t.Error(err)
					return
				}
				h.coord.CompleteTask(ctx, tk.ID, nil) //nolint:errcheck
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for range 100 {
			for i := range 4 {
				h.coord.Heartbeat(ctx, fmt.Sprintf("w%d", i), -1) //nolint:errcheck
			}
		}
	}()
	wg.Wait()

	assertConsistent(t, h, -1)
	var last uint64
	for _, e := range h.eventsFrom(t, 1) {
		require.Equal(t, last+1, e.Seq)
		last = e.Seq
	}
}

func assertConsistent(t *testing.T, h *harness, step int) {
	t.Helper()
	ctx := context.Background()
	for _, w := range h.coord.ListWorkers(ctx) {
		require.LessOrEqual(t, w.Load, w.MaxConcurrency, "step %d worker %s", step, w.ID)
		require.GreaterOrEqual(t, w.Load, 0, "step %d worker %s", step, w.ID)
		active, err := h.coord.WorkerTasks(ctx, w.ID)
		require.NoError(t, err)
		require.Len(t, active, w.Load, "step %d worker %s", step, w.ID)
		for _, tk := range active {
			require.Equal(t, task.StatusAssigned, tk.Status)
			require.NotNil(t, tk.AssignedWorker)
			require.Equal(t, w.ID, *tk.AssignedWorker)
		}
	}
	for _, tk := range h.coord.ListTasks(ctx, "") {
		require.Equal(t, tk.Status == task.StatusAssigned, tk.AssignedWorker != nil, "step %d task %s", step, tk.ID)
	}
}

func TestFinishedRetention(t *testing.T) {
	ctx := context.Background()
	c, err := coordinator.New(coordinator.Config{FinishedRetention: 1, Thresholds: thresholds}, eventbus.New())
	require.NoError(t, err)

	submit := func() task.Task {
		tk, err := c.SubmitTask(ctx, coordinator.SubmitRequest{Capability: "go"})
		require.NoError(t, err)
		return tk
	}
	cancelled := submit()
	_, err = c.CancelTask(ctx, cancelled.ID)
	require.NoError(t, err)

	_, err = c.RegisterWorker(ctx, coordinator.RegisterRequest{ID: "w1", Capabilities: []string{"go"}, MaxConcurrency: 1})
	require.NoError(t, err)
	done := submit()
	_, err = c.CompleteTask(ctx, done.ID, []byte(`"ok"`))
	require.NoError(t, err)

	_, err = c.GetTaskStatus(ctx, cancelled.ID)
	assert.True(t, errors.Is(err, task.ErrNotFound), "oldest finished task is evicted")
	got, err := c.GetTaskStatus(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, got.Status)

	_, err = coordinator.New(coordinator.Config{FinishedRetention: -1, Thresholds: thresholds}, eventbus.New())
	require.Error(t, err)
}
