package ledger

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/alanyang/agent-coordinator/internal/domain/assignment"
	"github.com/alanyang/agent-coordinator/internal/domain/task"
)

// Ledger is the record of submitted tasks and the assignments made for them.
// Assignment history survives retries and reassignment. Finished tasks are
// kept up to a retention limit, oldest finished evicted first.
// Not safe for concurrent use.
type Ledger struct {
	tasks       *orderedmap.OrderedMap[uuid.UUID, *task.Task]
	assignments map[uuid.UUID][]*assignment.Assignment
	active      map[string]*orderedmap.OrderedMap[uuid.UUID, *assignment.Assignment]

	// finished holds terminal task ids in the order they finished.
	finished  *orderedmap.OrderedMap[uuid.UUID, struct{}]
	retention int
}

type Option func(*Ledger)

// WithRetention keeps at most n finished tasks; 0 keeps all.
func WithRetention(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.retention = n
		}
	}
}

func New(opts ...Option) *Ledger {
	l := &Ledger{
		tasks:       orderedmap.New[uuid.UUID, *task.Task](),
		assignments: make(map[uuid.UUID][]*assignment.Assignment),
		active:      make(map[string]*orderedmap.OrderedMap[uuid.UUID, *assignment.Assignment]),
		finished:    orderedmap.New[uuid.UUID, struct{}](),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) AddTask(t *task.Task) {
	l.tasks.Set(t.ID, t)
}

// Finish marks a terminal task for retention and evicts the oldest finished
// tasks beyond the limit. It returns how many were evicted.
func (l *Ledger) Finish(id uuid.UUID) int {
	if _, ok := l.tasks.Get(id); !ok {
		return 0
	}
	l.finished.Set(id, struct{}{})
	if l.retention == 0 {
		return 0
	}

	evicted := 0
	for l.finished.Len() > l.retention {
		oldest := l.finished.Oldest()
		l.finished.Delete(oldest.Key)
		l.tasks.Delete(oldest.Key)
		delete(l.assignments, oldest.Key)
		evicted++
	}
	return evicted
}

// Task returns the live record. Callers outside the lock domain must Clone it.
func (l *Ledger) Task(id uuid.UUID) (*task.Task, error) {
	t, ok := l.tasks.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", task.ErrNotFound, id)
	}
	return t, nil
}

// Tasks returns every task in submission order, optionally filtered by status.
func (l *Ledger) Tasks(status task.Status) []*task.Task {
	var out []*task.Task
	for pair := l.tasks.Oldest(); pair != nil; pair = pair.Next() {
		if status == "" || pair.Value.Status == status {
			out = append(out, pair.Value)
		}
	}
	return out
}

// Bind opens an active assignment of t to workerID.
func (l *Ledger) Bind(t *task.Task, workerID string, at time.Time) *assignment.Assignment {
	a := assignment.New(t.ID, workerID, len(l.assignments[t.ID])+1, at)
	l.assignments[t.ID] = append(l.assignments[t.ID], &a)

	byWorker, ok := l.active[workerID]
	if !ok {
		byWorker = orderedmap.New[uuid.UUID, *assignment.Assignment]()
		l.active[workerID] = byWorker
	}
	byWorker.Set(t.ID, &a)
	return &a
}

// Close ends the active assignment for taskID.
func (l *Ledger) Close(taskID uuid.UUID, status assignment.Status, reason string, at time.Time) (*assignment.Assignment, error) {
	a := l.current(taskID)
	if a == nil || !a.Active() {
		return nil, fmt.Errorf("%w: %s", task.ErrNotAssigned, taskID)
	}
	a.End(status, reason, at)

	if byWorker, ok := l.active[a.WorkerID]; ok {
		byWorker.Delete(taskID)
		if byWorker.Len() == 0 {
			delete(l.active, a.WorkerID)
		}
	}
	return a, nil
}

// Active returns the open assignment for taskID, if any.
func (l *Ledger) Active(taskID uuid.UUID) (*assignment.Assignment, bool) {
	a := l.current(taskID)
	if a == nil || !a.Active() {
		return nil, false
	}
	return a, true
}

// ActiveByWorker lists the open assignments of a worker in bind order.
func (l *Ledger) ActiveByWorker(workerID string) []*assignment.Assignment {
	byWorker, ok := l.active[workerID]
	if !ok {
		return nil
	}
	out := make([]*assignment.Assignment, 0, byWorker.Len())
	for pair := byWorker.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// AllActive lists every open assignment, grouped by worker.
func (l *Ledger) AllActive() []*assignment.Assignment {
	var out []*assignment.Assignment
	for _, byWorker := range l.active {
		for pair := byWorker.Oldest(); pair != nil; pair = pair.Next() {
			out = append(out, pair.Value)
		}
	}
	return out
}

// History returns copies of every assignment made for taskID, oldest first.
func (l *Ledger) History(taskID uuid.UUID) ([]assignment.Assignment, error) {
	if _, ok := l.tasks.Get(taskID); !ok {
		return nil, fmt.Errorf("%w: %s", task.ErrNotFound, taskID)
	}
	recs := l.assignments[taskID]
	out := make([]assignment.Assignment, len(recs))
	for i, a := range recs {
		out[i] = *a
		if a.EndedAt != nil {
			ended := *a.EndedAt
			out[i].EndedAt = &ended
		}
	}
	return out, nil
}

// Counts tallies tasks by status.
func (l *Ledger) Counts() map[task.Status]int {
	out := make(map[task.Status]int)
	for pair := l.tasks.Oldest(); pair != nil; pair = pair.Next() {
		out[pair.Value.Status]++
	}
	return out
}

func (l *Ledger) current(taskID uuid.UUID) *assignment.Assignment {
	recs := l.assignments[taskID]
	if len(recs) == 0 {
		return nil
	}
	return recs[len(recs)-1]
}
