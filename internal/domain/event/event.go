package event

import (
	"encoding/json"
	"time"
)

type Type string

const (
	TypeTaskSubmitted       Type = "task_submitted"
	TypeTaskAssigned        Type = "task_assigned"
	TypeTaskCompleted       Type = "task_completed"
	TypeTaskRetried         Type = "task_retried"
	TypeTaskFailed          Type = "task_failed"
	TypeTaskCancelRequested Type = "task_cancel_requested"
	TypeTaskCancelled       Type = "task_cancelled"
	TypeTaskReassigned      Type = "task_reassigned"

	TypeWorkerRegistered   Type = "worker_registered"
	TypeWorkerDeregistered Type = "worker_deregistered"
	TypeWorkerHeartbeat    Type = "worker_heartbeat"
	TypeWorkerDegraded     Type = "worker_degraded"
	TypeWorkerUnreachable  Type = "worker_unreachable"
	TypeWorkerRecovered    Type = "worker_recovered"

	TypeSubscriberLagged Type = "subscriber_lagged"
)

// Channel groups event types for relays. The Postgres archive uses it as the
// NOTIFY channel suffix so listeners can pick one domain.
type Channel string

const (
	ChannelTask   Channel = "task"
	ChannelWorker Channel = "worker"
	ChannelSystem Channel = "system"
)

var typeToChannel = map[Type]Channel{
	TypeTaskSubmitted:       ChannelTask,
	TypeTaskAssigned:        ChannelTask,
	TypeTaskCompleted:       ChannelTask,
	TypeTaskRetried:         ChannelTask,
	TypeTaskFailed:          ChannelTask,
	TypeTaskCancelRequested: ChannelTask,
	TypeTaskCancelled:       ChannelTask,
	TypeTaskReassigned:      ChannelTask,
	TypeWorkerRegistered:    ChannelWorker,
	TypeWorkerDeregistered:  ChannelWorker,
	TypeWorkerHeartbeat:     ChannelWorker,
	TypeWorkerDegraded:      ChannelWorker,
	TypeWorkerUnreachable:   ChannelWorker,
	TypeWorkerRecovered:     ChannelWorker,
	TypeSubscriberLagged:    ChannelSystem,
}

// ChannelFor returns the channel for a given event type. Unknown types map to system.
func ChannelFor(t Type) Channel {
	if ch, ok := typeToChannel[t]; ok {
		return ch
	}
	return ChannelSystem
}

// Event is an immutable log record. Seq and Timestamp are stamped by the bus
// on publish; producers only fill Type, SubjectID and Payload.
type Event struct {
	Seq       uint64          `json:"seq"`
	Timestamp time.Time       `json:"timestamp"`
	Type      Type            `json:"type"`
	SubjectID string          `json:"subject_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// New builds an unsequenced event. A payload that fails to marshal is dropped
// rather than blocking the state transition it describes.
func New(eventType Type, subjectID string, payload any) Event {
	e := Event{Type: eventType, SubjectID: subjectID}
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			e.Payload = data
		}
	}
	return e
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

// ── Payloads ─────────────────────────────────────────────────────────────────

type TaskPayload struct {
	TaskID     string `json:"task_id"`
	Capability string `json:"capability,omitempty"`
	Priority   string `json:"priority,omitempty"`
	WorkerID   string `json:"worker_id,omitempty"`
	RetryCount int    `json:"retry_count"`
	Reason     string `json:"reason,omitempty"`
}

type WorkerPayload struct {
	WorkerID       string   `json:"worker_id"`
	Capabilities   []string `json:"capabilities,omitempty"`
	Load           int      `json:"load"`
	ReportedLoad   int      `json:"reported_load"`
	MaxConcurrency int      `json:"max_concurrency,omitempty"`
	Health         string   `json:"health,omitempty"`
	PreviousHealth string   `json:"previous_health,omitempty"`
	ActiveTasks    int      `json:"active_tasks,omitempty"`
}

type LaggedPayload struct {
	SubscriberID    string `json:"subscriber_id"`
	FirstDroppedSeq uint64 `json:"first_dropped_seq"`
}
