package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	mcpmcp "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyang/agent-coordinator/internal/adapter/memory/eventbus"
	domaintask "github.com/alanyang/agent-coordinator/internal/domain/task"
	"github.com/alanyang/agent-coordinator/internal/service/coordinator"
	"github.com/alanyang/agent-coordinator/internal/service/health"
)

// ── helpers ───────────────────────────────────────────────────────────────────

func newCoordinator(t *testing.T, bus *eventbus.Bus) *coordinator.Coordinator {
	t.Helper()
	c, err := coordinator.New(coordinator.Config{
		MaxRetries: 1,
		Thresholds: health.Thresholds{DegradedAfter: time.Minute, UnreachableAfter: 2 * time.Minute},
	}, bus)
	require.NoError(t, err)
	return c
}

func makeReq(args map[string]any) mcpmcp.CallToolRequest {
	var req mcpmcp.CallToolRequest
	req.Params.Arguments = args
	return req
}

func resultText(r *mcpmcp.CallToolResult) string {
	if r == nil || len(r.Content) == 0 {
		return ""
	}
	b, _ := json.Marshal(r.Content[0])
	var m map[string]interface{}
	json.Unmarshal(b, &m) //nolint:errcheck
	if t, ok := m["text"].(string); ok {
		return t
	}
	return ""
}

func call(t *testing.T, h func(context.Context, mcpmcp.CallToolRequest) (*mcpmcp.CallToolResult, error), args map[string]any) string {
	t.Helper()
	res, err := h(context.Background(), makeReq(args))
	require.NoError(t, err)
	return resultText(res)
}

// ── registerWorkerHandler ─────────────────────────────────────────────────────

func TestRegisterWorkerHandler(t *testing.T) {
	tests := []struct {
		name         string
		args         map[string]any
		wantContains string
	}{
		{
			name:         "capability list",
			args:         map[string]any{"worker_id": "w1", "capabilities": []any{"go", "sql"}, "max_concurrency": float64(2)},
			wantContains: `"max_concurrency":2`,
		},
		{
			name:         "template",
			args:         map[string]any{"worker_id": "w1", "template": "technical_writer"},
			wantContains: `"markdown"`,
		},
		{
			name:         "missing worker_id",
			args:         map[string]any{"capabilities": []any{"go"}},
			wantContains: "error: worker_id required",
		},
		{
			name:         "non-string capability",
			args:         map[string]any{"worker_id": "w1", "capabilities": []any{"go", 3}},
			wantContains: "error: capabilities must be a list of strings",
		},
		{
			name:         "no capabilities",
			args:         map[string]any{"worker_id": "w1", "max_concurrency": float64(1)},
			wantContains: "error:",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newCoordinator(t, eventbus.New())
			handler := registerWorkerHandler(NewSessionRegistry(), svc)
			assert.Contains(t, call(t, handler, tt.args), tt.wantContains)
		})
	}
}

func TestRegisterWorkerHandler_DefaultsConcurrencyToOne(t *testing.T) {
	svc := newCoordinator(t, eventbus.New())
	handler := registerWorkerHandler(NewSessionRegistry(), svc)

	text := call(t, handler, map[string]any{"worker_id": "w1", "capabilities": []any{"go"}})
	assert.Contains(t, text, `"max_concurrency":1`)
}

// ── heartbeatHandler ──────────────────────────────────────────────────────────

func TestHeartbeatHandler(t *testing.T) {
	svc := newCoordinator(t, eventbus.New())
	_, err := svc.RegisterWorker(context.Background(), coordinator.RegisterRequest{ID: "w1", Capabilities: []string{"go"}, MaxConcurrency: 1})
	require.NoError(t, err)
	handler := heartbeatHandler(svc)

	assert.JSONEq(t, `{"health":"healthy","load":0}`, call(t, handler, map[string]any{"worker_id": "w1", "load": float64(4)}))
	w, err := svc.GetWorkerStatus(context.Background(), "w1")
	require.NoError(t, err)
	assert.Equal(t, 4, w.ReportedLoad)

	assert.Contains(t, call(t, handler, map[string]any{"worker_id": "ghost"}), "error: unknown worker")
	assert.Contains(t, call(t, handler, map[string]any{"worker_id": "w1", "load": float64(-5)}), "error: load")
}

// ── task lifecycle tools ──────────────────────────────────────────────────────

func TestTaskLifecycleTools(t *testing.T) {
	ctx := context.Background()
	svc := newCoordinator(t, eventbus.New())
	_, err := svc.RegisterWorker(ctx, coordinator.RegisterRequest{ID: "w1", Capabilities: []string{"go"}, MaxConcurrency: 2})
	require.NoError(t, err)

	submitted := call(t, submitTaskHandler(svc), map[string]any{
		"capability": "go", "priority": "high", "title": "build", "payload": `{"repo":"x"}`,
	})
	var created struct {
		TaskID uuid.UUID         `json:"task_id"`
		Status domaintask.Status `json:"status"`
	}
	require.NoError(t, json.Unmarshal([]byte(submitted), &created))
	assert.Equal(t, domaintask.StatusAssigned, created.Status)

	var tasks []domaintask.Task
	require.NoError(t, json.Unmarshal([]byte(call(t, workerTasksHandler(svc), map[string]any{"worker_id": "w1"})), &tasks))
	require.Len(t, tasks, 1)
	assert.JSONEq(t, `{"repo":"x"}`, string(tasks[0].Payload))

	var got domaintask.Task
	require.NoError(t, json.Unmarshal([]byte(call(t, getTaskStatusHandler(svc), map[string]any{"task_id": created.TaskID.String()})), &got))
	assert.Equal(t, "build", got.Title)

	assert.Contains(t, call(t, failTaskHandler(svc), map[string]any{"task_id": created.TaskID.String()}), "error: reason required")
	assert.Contains(t, call(t, failTaskHandler(svc), map[string]any{"task_id": created.TaskID.String(), "reason": "flaky"}), `"retry_count":1`)

	assert.Contains(t, call(t, completeTaskHandler(svc), map[string]any{"task_id": created.TaskID.String(), "result": "all green"}), `"status":"completed"`)
	done, err := svc.GetTaskStatus(ctx, created.TaskID)
	require.NoError(t, err)
	assert.JSONEq(t, `"all green"`, string(done.Result))

	assert.Contains(t, call(t, completeTaskHandler(svc), map[string]any{"task_id": created.TaskID.String()}), "error:")
	assert.Contains(t, call(t, getTaskStatusHandler(svc), map[string]any{"task_id": "nope"}), "error: invalid task_id")
	assert.Contains(t, call(t, workerTasksHandler(svc), map[string]any{"worker_id": "ghost"}), "error:")
}

func TestSubmitTaskHandler_Validation(t *testing.T) {
	svc := newCoordinator(t, eventbus.New())
	handler := submitTaskHandler(svc)

	assert.Contains(t, call(t, handler, map[string]any{}), "error:")
	assert.Contains(t, call(t, handler, map[string]any{"capability": "go", "priority": "urgent"}), "error:")
	assert.Empty(t, svc.ListTasks(context.Background(), ""))

	// Payloads are opaque; text that is not JSON is kept as a string.
	assert.NotContains(t, call(t, handler, map[string]any{"capability": "go", "payload": "{broken"}), "error:")
	tasks := svc.ListTasks(context.Background(), "")
	require.Len(t, tasks, 1)
	assert.JSONEq(t, `"{broken"`, string(tasks[0].Payload))
}

func TestStringList(t *testing.T) {
	tests := []struct {
		name    string
		arg     any
		want    []string
		wantErr bool
	}{
		{name: "absent", arg: nil, want: nil},
		{name: "any slice", arg: []any{"a", "b"}, want: []string{"a", "b"}},
		{name: "string slice", arg: []string{"a"}, want: []string{"a"}},
		{name: "comma string", arg: "a,b", want: []string{"a", "b"}},
		{name: "number", arg: 4.0, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := map[string]any{}
			if tt.arg != nil {
				args["capabilities"] = tt.arg
			}
			got, err := stringList(makeReq(args), "capabilities")
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

var _ Service = (*coordinator.Coordinator)(nil)
