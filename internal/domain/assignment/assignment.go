package assignment

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusActive     Status = "active"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusReassigned Status = "reassigned"
)

// Assignment binds one task to one worker. Records outlive the binding so a
// task's attempts can be audited after retries.
type Assignment struct {
	ID        uuid.UUID  `json:"id"`
	TaskID    uuid.UUID  `json:"task_id"`
	WorkerID  string     `json:"worker_id"`
	Attempt   int        `json:"attempt"`
	Status    Status     `json:"status"`
	Reason    string     `json:"reason,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

func New(taskID uuid.UUID, workerID string, attempt int, now time.Time) Assignment {
	return Assignment{
		ID:        uuid.New(),
		TaskID:    taskID,
		WorkerID:  workerID,
		Attempt:   attempt,
		Status:    StatusActive,
		StartedAt: now.UTC(),
	}
}

func (a *Assignment) Active() bool { return a.Status == StatusActive }

func (a *Assignment) End(status Status, reason string, now time.Time) {
	ended := now.UTC()
	a.Status = status
	a.Reason = reason
	a.EndedAt = &ended
}
