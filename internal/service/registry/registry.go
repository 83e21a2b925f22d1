package registry

import (
	"fmt"
	"slices"
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/alanyang/agent-coordinator/internal/domain/worker"
)

// Registry tracks registered workers in registration order.
// Not safe for concurrent use; the coordinator serialises access.
type Registry struct {
	workers *orderedmap.OrderedMap[string, *worker.Worker]
}

func New() *Registry {
	return &Registry{workers: orderedmap.New[string, *worker.Worker]()}
}

func (r *Registry) Register(w worker.Worker) error {
	if err := w.Validate(); err != nil {
		return err
	}
	if _, ok := r.workers.Get(w.ID); ok {
		return fmt.Errorf("%w: %s", worker.ErrDuplicate, w.ID)
	}
	w.Load = 0
	r.workers.Set(w.ID, &w)
	return nil
}

// Heartbeat records liveness and returns the health the worker had before it.
func (r *Registry) Heartbeat(id string, reportedLoad int, at time.Time) (worker.Health, error) {
	w, ok := r.workers.Get(id)
	if !ok {
		return "", fmt.Errorf("%w: %s", worker.ErrUnknown, id)
	}
	prev := w.Health
	w.RecordHeartbeat(reportedLoad, at)
	return prev, nil
}

// Deregister removes the worker. A worker with active load is refused unless
// force is set; the caller is responsible for releasing its tasks first.
func (r *Registry) Deregister(id string, force bool) (worker.Worker, error) {
	w, ok := r.workers.Get(id)
	if !ok {
		return worker.Worker{}, fmt.Errorf("%w: %s", worker.ErrUnknown, id)
	}
	if w.Load > 0 && !force {
		return worker.Worker{}, fmt.Errorf("%w: %s has %d active tasks", worker.ErrBusy, id, w.Load)
	}
	r.workers.Delete(id)
	return *w, nil
}

// FindEligible returns workers that can take a task needing capability,
// least loaded first, then most recently heard from, then by id.
func (r *Registry) FindEligible(capability string) []*worker.Worker {
	var out []*worker.Worker
	for pair := r.workers.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.Eligible(capability) {
			out = append(out, pair.Value)
		}
	}
	slices.SortStableFunc(out, func(a, b *worker.Worker) int {
		if a.Load != b.Load {
			return a.Load - b.Load
		}
		if c := b.LastHeartbeatAt.Compare(a.LastHeartbeatAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return out
}

// AddLoad adjusts the active-assignment count, keeping 0 <= Load <= MaxConcurrency.
func (r *Registry) AddLoad(id string, delta int) error {
	w, ok := r.workers.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", worker.ErrUnknown, id)
	}
	next := w.Load + delta
	if next < 0 || next > w.MaxConcurrency {
		return fmt.Errorf("%w: %s load %d%+d (max %d)", worker.ErrOverCapacity, id, w.Load, delta, w.MaxConcurrency)
	}
	w.Load = next
	return nil
}

func (r *Registry) SetHealth(id string, h worker.Health) error {
	w, ok := r.workers.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", worker.ErrUnknown, id)
	}
	w.Health = h
	return nil
}

// Get returns a copy of the worker.
func (r *Registry) Get(id string) (worker.Worker, error) {
	w, ok := r.workers.Get(id)
	if !ok {
		return worker.Worker{}, fmt.Errorf("%w: %s", worker.ErrNotFound, id)
	}
	return w.Clone(), nil
}

// List returns copies in registration order.
func (r *Registry) List() []worker.Worker {
	out := make([]worker.Worker, 0, r.workers.Len())
	for pair := r.workers.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value.Clone())
	}
	return out
}

func (r *Registry) Len() int { return r.workers.Len() }
