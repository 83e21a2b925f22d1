package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	mcpmcp "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	domaintask "github.com/alanyang/agent-coordinator/internal/domain/task"
	domainworker "github.com/alanyang/agent-coordinator/internal/domain/worker"
	"github.com/alanyang/agent-coordinator/internal/service/coordinator"
)

// Service is the slice of the coordinator exposed to MCP clients.
type Service interface {
	SubmitTask(ctx context.Context, req coordinator.SubmitRequest) (domaintask.Task, error)
	CompleteTask(ctx context.Context, id uuid.UUID, result []byte) (domaintask.Task, error)
	FailTask(ctx context.Context, id uuid.UUID, reason string) (domaintask.Task, error)
	GetTaskStatus(ctx context.Context, id uuid.UUID) (domaintask.Task, error)
	RegisterWorker(ctx context.Context, req coordinator.RegisterRequest) (domainworker.Worker, error)
	Heartbeat(ctx context.Context, id string, reportedLoad int) (domainworker.Worker, error)
	WorkerTasks(ctx context.Context, workerID string) ([]domaintask.Task, error)
}

// RegisterTools registers all MCP tools on the server.
// [SRP] Tool registration only.
// [OCP] Add a new tool by adding a new AddTool call; server.go never changes.
func RegisterTools(s *mcpserver.MCPServer, reg *SessionRegistry, svc Service) {
	s.AddTool(mcpmcp.NewTool("register_worker",
		mcpmcp.WithDescription("Register this session as a worker. Pass either capabilities or a template name. Task assignments for this worker are pushed to the session as task_assigned notifications."),
		mcpmcp.WithString("worker_id", mcpmcp.Required(), mcpmcp.Description("Unique worker id chosen by the caller")),
		mcpmcp.WithArray("capabilities", mcpmcp.WithStringItems(), mcpmcp.Description("Capability tags this worker can serve")),
		mcpmcp.WithString("template", mcpmcp.Description("Capability preset, e.g. backend_developer or qa_tester")),
		mcpmcp.WithNumber("max_concurrency", mcpmcp.Description("Maximum simultaneous tasks (default 1, or the template's)")),
	), registerWorkerHandler(reg, svc))

	s.AddTool(mcpmcp.NewTool("heartbeat",
		mcpmcp.WithDescription("Report liveness. Call at least every 30 seconds while connected."),
		mcpmcp.WithString("worker_id", mcpmcp.Required(), mcpmcp.Description("Worker id passed to register_worker")),
		mcpmcp.WithNumber("load", mcpmcp.Description("Self-reported number of tasks in progress (advisory)")),
	), heartbeatHandler(svc))

	s.AddTool(mcpmcp.NewTool("worker_tasks",
		mcpmcp.WithDescription("Returns the tasks currently assigned to this worker. Use after reconnecting to resume in-flight work."),
		mcpmcp.WithString("worker_id", mcpmcp.Required(), mcpmcp.Description("Worker id")),
	), workerTasksHandler(svc))

	s.AddTool(mcpmcp.NewTool("get_task_status",
		mcpmcp.WithDescription("Returns the task record, including payload, status and cancel_requested."),
		mcpmcp.WithString("task_id", mcpmcp.Required(), mcpmcp.Description("Task UUID")),
	), getTaskStatusHandler(svc))

	s.AddTool(mcpmcp.NewTool("complete_task",
		mcpmcp.WithDescription("Report that an assigned task finished successfully."),
		mcpmcp.WithString("task_id", mcpmcp.Required(), mcpmcp.Description("Task UUID")),
		mcpmcp.WithString("result", mcpmcp.Description("Result document; JSON is stored as-is, anything else as a string")),
	), completeTaskHandler(svc))

	s.AddTool(mcpmcp.NewTool("fail_task",
		mcpmcp.WithDescription("Report that an assigned task failed. The task is retried on another attempt while retries remain."),
		mcpmcp.WithString("task_id", mcpmcp.Required(), mcpmcp.Description("Task UUID")),
		mcpmcp.WithString("reason", mcpmcp.Required(), mcpmcp.Description("Why the attempt failed")),
	), failTaskHandler(svc))

	s.AddTool(mcpmcp.NewTool("submit_task",
		mcpmcp.WithDescription("Submit a follow-up task for any worker with the required capability."),
		mcpmcp.WithString("capability", mcpmcp.Required(), mcpmcp.Description("Required capability tag")),
		mcpmcp.WithString("priority", mcpmcp.Description("critical, high, medium (default) or low")),
		mcpmcp.WithString("title", mcpmcp.Description("Short title")),
		mcpmcp.WithString("description", mcpmcp.Description("Longer description")),
		mcpmcp.WithString("payload", mcpmcp.Description("JSON document handed to the assigned worker")),
	), submitTaskHandler(svc))
}

// ── Tool handlers ─────────────────────────────────────────────────────────

func registerWorkerHandler(reg *SessionRegistry, svc Service) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcpmcp.CallToolRequest) (*mcpmcp.CallToolResult, error) {
		workerID := strings.TrimSpace(mcpmcp.ParseString(req, "worker_id", ""))
		if workerID == "" {
			return mcpmcp.NewToolResultText("error: worker_id required"), nil
		}
		caps, err := stringList(req, "capabilities")
		if err != nil {
			return mcpmcp.NewToolResultText(fmt.Sprintf("error: %s", err)), nil
		}

		template := mcpmcp.ParseString(req, "template", "")
		maxConc := mcpmcp.ParseInt(req, "max_concurrency", 0)
		if maxConc == 0 && template == "" {
			maxConc = 1
		}

		w, err := svc.RegisterWorker(ctx, coordinator.RegisterRequest{
			ID:             workerID,
			Capabilities:   caps,
			Template:       template,
			MaxConcurrency: maxConc,
		})
		if err != nil {
			return mcpmcp.NewToolResultText(fmt.Sprintf("error: %s", err)), nil
		}

		if session := mcpserver.ClientSessionFromContext(ctx); session != nil {
			reg.Register(session.SessionID(), w.ID)
		}
		return jsonResult(w), nil
	}
}

func heartbeatHandler(svc Service) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcpmcp.CallToolRequest) (*mcpmcp.CallToolResult, error) {
		workerID := mcpmcp.ParseString(req, "worker_id", "")
		load := mcpmcp.ParseInt(req, "load", -1)
		if load < -1 {
			return mcpmcp.NewToolResultText("error: load must not be negative"), nil
		}

		w, err := svc.Heartbeat(ctx, workerID, load)
		if err != nil {
			return mcpmcp.NewToolResultText(fmt.Sprintf("error: %s", err)), nil
		}
		return jsonResult(map[string]any{"health": w.Health, "load": w.Load}), nil
	}
}

func workerTasksHandler(svc Service) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcpmcp.CallToolRequest) (*mcpmcp.CallToolResult, error) {
		tasks, err := svc.WorkerTasks(ctx, mcpmcp.ParseString(req, "worker_id", ""))
		if err != nil {
			return mcpmcp.NewToolResultText(fmt.Sprintf("error: %s", err)), nil
		}
		if tasks == nil {
			tasks = []domaintask.Task{}
		}
		return jsonResult(tasks), nil
	}
}

func getTaskStatusHandler(svc Service) mcpserver.ToolHandlerFunc {
	return withTaskID(func(ctx context.Context, id uuid.UUID, _ mcpmcp.CallToolRequest) (*mcpmcp.CallToolResult, error) {
		t, err := svc.GetTaskStatus(ctx, id)
		if err != nil {
			return mcpmcp.NewToolResultText(fmt.Sprintf("error: %s", err)), nil
		}
		return jsonResult(t), nil
	})
}

func completeTaskHandler(svc Service) mcpserver.ToolHandlerFunc {
	return withTaskID(func(ctx context.Context, id uuid.UUID, req mcpmcp.CallToolRequest) (*mcpmcp.CallToolResult, error) {
		var result []byte
		if v := mcpmcp.ParseString(req, "result", ""); v != "" {
			result = []byte(v)
		}
		t, err := svc.CompleteTask(ctx, id, result)
		if err != nil {
			return mcpmcp.NewToolResultText(fmt.Sprintf("error: %s", err)), nil
		}
		return jsonResult(map[string]any{"task_id": t.ID, "status": t.Status}), nil
	})
}

func failTaskHandler(svc Service) mcpserver.ToolHandlerFunc {
	return withTaskID(func(ctx context.Context, id uuid.UUID, req mcpmcp.CallToolRequest) (*mcpmcp.CallToolResult, error) {
		reason := strings.TrimSpace(mcpmcp.ParseString(req, "reason", ""))
		if reason == "" {
			return mcpmcp.NewToolResultText("error: reason required"), nil
		}
		t, err := svc.FailTask(ctx, id, reason)
		if err != nil {
			return mcpmcp.NewToolResultText(fmt.Sprintf("error: %s", err)), nil
		}
		return jsonResult(map[string]any{"task_id": t.ID, "status": t.Status, "retry_count": t.RetryCount}), nil
	})
}

func submitTaskHandler(svc Service) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcpmcp.CallToolRequest) (*mcpmcp.CallToolResult, error) {
		var payload []byte
		if v := mcpmcp.ParseString(req, "payload", ""); v != "" {
			payload = []byte(v)
		}
		t, err := svc.SubmitTask(ctx, coordinator.SubmitRequest{
			Capability:  mcpmcp.ParseString(req, "capability", ""),
			Priority:    domaintask.Priority(mcpmcp.ParseString(req, "priority", "")),
			Payload:     payload,
			Title:       mcpmcp.ParseString(req, "title", ""),
			Description: mcpmcp.ParseString(req, "description", ""),
		})
		if err != nil {
			return mcpmcp.NewToolResultText(fmt.Sprintf("error: %s", err)), nil
		}
		return jsonResult(map[string]any{"task_id": t.ID, "status": t.Status}), nil
	}
}

// ── helpers ───────────────────────────────────────────────────────────────

type taskToolFunc func(ctx context.Context, id uuid.UUID, req mcpmcp.CallToolRequest) (*mcpmcp.CallToolResult, error)

func withTaskID(h taskToolFunc) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcpmcp.CallToolRequest) (*mcpmcp.CallToolResult, error) {
		id, err := uuid.Parse(mcpmcp.ParseString(req, "task_id", ""))
		if err != nil {
			return mcpmcp.NewToolResultText("error: invalid task_id"), nil
		}
		return h(ctx, id, req)
	}
}

// stringList reads an optional array-of-strings argument.
func stringList(req mcpmcp.CallToolRequest, key string) ([]string, error) {
	raw, ok := req.GetArguments()[key]
	if !ok || raw == nil {
		return nil, nil
	}
	switch v := raw.(type) {
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%s must be a list of strings", key)
			}
			out = append(out, s)
		}
		return out, nil
	case string:
		return strings.Split(v, ","), nil
	default:
		return nil, fmt.Errorf("%s must be a list of strings", key)
	}
}

func jsonResult(v any) *mcpmcp.CallToolResult {
	data, err := json.Marshal(v)
	if err != nil {
		return mcpmcp.NewToolResultText(fmt.Sprintf("error: %s", err))
	}
	return mcpmcp.NewToolResultText(string(data))
}
