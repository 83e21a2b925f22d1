package task

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

var (
	ErrInvalidTask       = errors.New("invalid task")
	ErrNotFound          = errors.New("task not found")
	ErrNotAssigned       = errors.New("task not assigned")
	ErrAlreadyFinished   = errors.New("task already finished")
	ErrInvalidTransition = errors.New("invalid task transition")
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusAssigned  Status = "assigned"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

var validTransitions = map[Status][]Status{
	StatusQueued:    {StatusAssigned, StatusCancelled},
	StatusAssigned:  {StatusCompleted, StatusFailed, StatusQueued, StatusCancelled},
	StatusCompleted: {},
	StatusFailed:    {},
	StatusCancelled: {},
}

func (s Status) CanTransitionTo(target Status) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status has no outgoing transitions.
func (s Status) IsTerminal() bool {
	allowed, ok := validTransitions[s]
	return ok && len(allowed) == 0
}

type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Priorities lists every priority from most to least urgent.
var Priorities = []Priority{PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow}

// Rank returns 0 for the most urgent priority and -1 for an unknown one.
func (p Priority) Rank() int {
	for i, known := range Priorities {
		if p == known {
			return i
		}
	}
	return -1
}

func (p Priority) Valid() bool { return p.Rank() >= 0 }

type Task struct {
	ID              uuid.UUID       `json:"id"`
	Capability      string          `json:"capability"`
	Priority        Priority        `json:"priority"`
	Title           string          `json:"title,omitempty"`
	Description     string          `json:"description,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	Status          Status          `json:"status"`
	AssignedWorker  *string         `json:"assigned_worker,omitempty"`
	RetryCount      int             `json:"retry_count"`
	CancelRequested bool            `json:"cancel_requested,omitempty"`
	LastError       string          `json:"last_error,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	AssignedAt      *time.Time      `json:"assigned_at,omitempty"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty"`
}

func New(capability string, priority Priority, payload []byte, now time.Time) Task {
	return Task{
		ID:         uuid.New(),
		Capability: strings.TrimSpace(capability),
		Priority:   priority,
		Payload:    EncodeOpaque(payload),
		Status:     StatusQueued,
		CreatedAt:  now.UTC(),
	}
}

// Validate checks the fields a submitter is responsible for.
func (t *Task) Validate() error {
	if strings.TrimSpace(t.Capability) == "" {
		return fmt.Errorf("%w: capability is required", ErrInvalidTask)
	}
	if !t.Priority.Valid() {
		return fmt.Errorf("%w: unknown priority %q", ErrInvalidTask, t.Priority)
	}
	return nil
}

// BinaryEnvelope carries bytes that are neither JSON nor UTF-8 text.
type BinaryEnvelope struct {
	Encoding string `json:"encoding"`
	Data     string `json:"data"`
}

// EncodeOpaque turns caller bytes into a JSON value without losing them.
// JSON passes through, UTF-8 text becomes a JSON string and anything else a
// base64 BinaryEnvelope.
func EncodeOpaque(b []byte) json.RawMessage {
	switch {
	case len(b) == 0:
		return nil
	case json.Valid(b):
		return append(json.RawMessage(nil), b...)
	case utf8.Valid(b):
		out, _ := json.Marshal(string(b)) //nolint:errcheck
		return out
	default:
		out, _ := json.Marshal(BinaryEnvelope{Encoding: "base64", Data: base64.StdEncoding.EncodeToString(b)}) //nolint:errcheck
		return out
	}
}

// TransitionTo moves the task to target, rejecting edges not in the transition table.
func (t *Task) TransitionTo(target Status) error {
	if !t.Status.CanTransitionTo(target) {
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, t.Status, target)
	}
	t.Status = target
	return nil
}

// Clone returns a deep copy safe to hand out of the coordinator.
func (t Task) Clone() Task {
	c := t
	if t.Payload != nil {
		c.Payload = append([]byte(nil), t.Payload...)
	}
	if t.Result != nil {
		c.Result = append([]byte(nil), t.Result...)
	}
	if t.AssignedWorker != nil {
		w := *t.AssignedWorker
		c.AssignedWorker = &w
	}
	if t.AssignedAt != nil {
		at := *t.AssignedAt
		c.AssignedAt = &at
	}
	if t.FinishedAt != nil {
		at := *t.FinishedAt
		c.FinishedAt = &at
	}
	return c
}
