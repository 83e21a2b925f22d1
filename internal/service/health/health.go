package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyang/agent-coordinator/internal/domain/worker"
)

var ErrInvalidThresholds = errors.New("invalid health thresholds")

// Thresholds are measured from a worker's last heartbeat, except TaskTimeout
// which is measured from assignment. A zero TaskTimeout disables it.
type Thresholds struct {
	DegradedAfter    time.Duration
	UnreachableAfter time.Duration
	TaskTimeout      time.Duration
}

func (th Thresholds) Validate() error {
	if th.DegradedAfter <= 0 {
		return fmt.Errorf("%w: degraded_after must be positive", ErrInvalidThresholds)
	}
	if th.UnreachableAfter <= th.DegradedAfter {
		return fmt.Errorf("%w: unreachable_after (%s) must exceed degraded_after (%s)",
			ErrInvalidThresholds, th.UnreachableAfter, th.DegradedAfter)
	}
	if th.TaskTimeout < 0 {
		return fmt.Errorf("%w: task_timeout must not be negative", ErrInvalidThresholds)
	}
	return nil
}

// Evaluate returns the health w should have at now. It only ever moves a
// worker towards Unreachable; recovery happens through heartbeats.
func Evaluate(w worker.Worker, now time.Time, th Thresholds) worker.Health {
	silent := w.SilentFor(now)
	switch {
	case w.Health == worker.HealthUnreachable:
		return worker.HealthUnreachable
	case silent >= th.UnreachableAfter:
		return worker.HealthUnreachable
	case silent >= th.DegradedAfter:
		return worker.HealthDegraded
	default:
		return w.Health
	}
}

// TimedOut reports whether an assignment started at startedAt has overrun.
func (th Thresholds) TimedOut(startedAt, now time.Time) bool {
	return th.TaskTimeout > 0 && now.Sub(startedAt) >= th.TaskTimeout
}

// Report summarises one health sweep.
type Report struct {
	Degraded    []string
	Unreachable []string
	FailedTasks int
	TimedOut    int
}

func (r Report) Empty() bool {
	return len(r.Degraded) == 0 && len(r.Unreachable) == 0 && r.FailedTasks == 0 && r.TimedOut == 0
}

// Checker runs one health sweep against the current clock value.
type Checker interface {
	CheckHealth(ctx context.Context, now time.Time) (Report, error)
}

// Monitor drives a Checker on a fixed interval, independent of client calls.
type Monitor struct {
	checker  Checker
	interval time.Duration
	now      func() time.Time
}

func NewMonitor(checker Checker, interval time.Duration) *Monitor {
	return &Monitor{checker: checker, interval: interval, now: time.Now}
}

// WithClock replaces the clock passed to the checker.
func (m *Monitor) WithClock(now func() time.Time) *Monitor {
	m.now = now
	return m
}

// Run blocks until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	slog.InfoContext(ctx, "health monitor started", "interval", m.interval)
	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "health monitor stopped")
			return ctx.Err()
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Monitor) tick(ctx context.Context) {
	report, err := m.checker.CheckHealth(ctx, m.now())
	if err != nil {
		slog.ErrorContext(ctx, "health check failed", "error", err)
		return
	}
	if report.Empty() {
		return
	}
	slog.InfoContext(ctx, "health check",
		"degraded", report.Degraded,
		"unreachable", report.Unreachable,
		"failed_tasks", report.FailedTasks,
		"timed_out", report.TimedOut,
	)
}
