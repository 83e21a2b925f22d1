package queue

import (
	"errors"
	"fmt"

	list "github.com/bahlo/generic-list-go"
	"github.com/google/uuid"

	"github.com/alanyang/agent-coordinator/internal/domain/task"
)

var (
	ErrCapacityExhausted = errors.New("queue capacity exhausted")
	ErrDuplicate         = errors.New("task already queued")
)

// Queue holds pending tasks in one FIFO list per priority level.
// It is not safe for concurrent use; the coordinator owns it under its lock.
type Queue struct {
	levels   []*list.List[*task.Task]
	index    map[uuid.UUID]*list.Element[*task.Task]
	maxDepth int
}

// New returns an empty queue. maxDepth <= 0 means unbounded.
func New(maxDepth int) *Queue {
	levels := make([]*list.List[*task.Task], len(task.Priorities))
	for i := range levels {
		levels[i] = list.New[*task.Task]()
	}
	return &Queue{
		levels:   levels,
		index:    make(map[uuid.UUID]*list.Element[*task.Task]),
		maxDepth: maxDepth,
	}
}

// Enqueue appends t to the tail of its priority level.
func (q *Queue) Enqueue(t *task.Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if _, ok := q.index[t.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, t.ID)
	}
	if q.maxDepth > 0 && len(q.index) >= q.maxDepth {
		return fmt.Errorf("%w: depth %d", ErrCapacityExhausted, q.maxDepth)
	}
	q.index[t.ID] = q.levels[t.Priority.Rank()].PushBack(t)
	return nil
}

// Requeue puts an already admitted task back at the tail of its level.
// It ignores the depth limit: the task was counted when it was first admitted.
func (q *Queue) Requeue(t *task.Task) error {
	if _, ok := q.index[t.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, t.ID)
	}
	rank := t.Priority.Rank()
	if rank < 0 {
		return fmt.Errorf("%w: unknown priority %q", task.ErrInvalidTask, t.Priority)
	}
	q.index[t.ID] = q.levels[rank].PushBack(t)
	return nil
}

// DequeueEligible removes and returns the first task, scanning from the most
// urgent level and front to back within a level, that eligible accepts.
// Rejected tasks keep their position.
func (q *Queue) DequeueEligible(eligible func(*task.Task) bool) (*task.Task, bool) {
	for _, level := range q.levels {
		for e := level.Front(); e != nil; e = e.Next() {
			if eligible(e.Value) {
				level.Remove(e)
				delete(q.index, e.Value.ID)
				return e.Value, true
			}
		}
	}
	return nil, false
}

func (q *Queue) Remove(id uuid.UUID) (*task.Task, error) {
	e, ok := q.index[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", task.ErrNotFound, id)
	}
	q.levels[e.Value.Priority.Rank()].Remove(e)
	delete(q.index, id)
	return e.Value, nil
}

func (q *Queue) Contains(id uuid.UUID) bool {
	_, ok := q.index[id]
	return ok
}

func (q *Queue) Len() int { return len(q.index) }

// LenByPriority returns the depth of each level.
func (q *Queue) LenByPriority() map[task.Priority]int {
	out := make(map[task.Priority]int, len(q.levels))
	for i, p := range task.Priorities {
		out[p] = q.levels[i].Len()
	}
	return out
}

// Snapshot lists queued tasks in dispatch order.
func (q *Queue) Snapshot() []*task.Task {
	out := make([]*task.Task, 0, len(q.index))
	for _, level := range q.levels {
		for e := level.Front(); e != nil; e = e.Next() {
			out = append(out, e.Value)
		}
	}
	return out
}
