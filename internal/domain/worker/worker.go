package worker

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

var (
	ErrInvalid      = errors.New("invalid worker")
	ErrDuplicate    = errors.New("duplicate worker")
	ErrUnknown      = errors.New("unknown worker")
	ErrNotFound     = errors.New("worker not found")
	ErrBusy         = errors.New("worker busy")
	ErrOverCapacity = errors.New("worker load out of range")
)

type Health string

const (
	HealthHealthy     Health = "healthy"
	HealthDegraded    Health = "degraded"
	HealthUnreachable Health = "unreachable"
)

type Worker struct {
	ID              string    `json:"id"`
	Capabilities    []string  `json:"capabilities"`
	Load            int       `json:"load"`
	ReportedLoad    int       `json:"reported_load"`
	MaxConcurrency  int       `json:"max_concurrency"`
	Health          Health    `json:"health"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
	RegisteredAt    time.Time `json:"registered_at"`
}

// New builds a healthy worker whose registration counts as its first heartbeat.
// Capabilities are trimmed and deduplicated, keeping first-seen order.
func New(id string, capabilities []string, maxConcurrency int, now time.Time) Worker {
	now = now.UTC()
	return Worker{
		ID:              strings.TrimSpace(id),
		Capabilities:    normalize(capabilities),
		MaxConcurrency:  maxConcurrency,
		Health:          HealthHealthy,
		LastHeartbeatAt: now,
		RegisteredAt:    now,
	}
}

func (w *Worker) Validate() error {
	if w.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalid)
	}
	if len(w.Capabilities) == 0 {
		return fmt.Errorf("%w: at least one capability is required", ErrInvalid)
	}
	if w.MaxConcurrency < 1 {
		return fmt.Errorf("%w: max concurrency must be at least 1, got %d", ErrInvalid, w.MaxConcurrency)
	}
	return nil
}

func (w *Worker) RecordHeartbeat(reportedLoad int, now time.Time) {
	w.LastHeartbeatAt = now.UTC()
	if reportedLoad >= 0 {
		w.ReportedLoad = reportedLoad
	}
	w.Health = HealthHealthy
}

func (w *Worker) HasCapability(capability string) bool {
	return slices.Contains(w.Capabilities, capability)
}

func (w *Worker) Idle() bool { return w.Load < w.MaxConcurrency }

// Eligible reports whether the worker can take one more task requiring capability.
func (w *Worker) Eligible(capability string) bool {
	return w.Health == HealthHealthy && w.Idle() && w.HasCapability(capability)
}

// SilentFor returns how long it has been since the last heartbeat.
func (w *Worker) SilentFor(now time.Time) time.Duration {
	return now.Sub(w.LastHeartbeatAt)
}

func (w Worker) Clone() Worker {
	c := w
	c.Capabilities = slices.Clone(w.Capabilities)
	return c
}

func normalize(capabilities []string) []string {
	out := make([]string, 0, len(capabilities))
	for _, c := range capabilities {
		c = strings.TrimSpace(c)
		if c == "" || slices.Contains(out, c) {
			continue
		}
		out = append(out, c)
	}
	return out
}
