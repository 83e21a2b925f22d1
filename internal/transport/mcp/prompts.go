package mcp

import (
	"context"
	"fmt"
	"strings"

	mcpmcp "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	domainworker "github.com/alanyang/agent-coordinator/internal/domain/worker"
)

const workerProtocol = `Protocol:
1. Call register_worker once with worker_id %q and template %q.
2. Call heartbeat at least every 30 seconds, passing your current load.
3. Wait for a task_assigned notification, then fetch the task with get_task_status.
4. When done call complete_task, or fail_task with a reason. Failed tasks may be retried elsewhere.
5. If a task shows cancel_requested, stop and report fail_task with reason "cancelled".
6. After a reconnect, call worker_tasks to resume assigned work.`

// RegisterPrompts registers one system prompt per worker template.
// [SRP] Prompt registration only.
// [OCP] A new template in domain/worker gets a prompt without changes here.
func RegisterPrompts(s *mcpserver.MCPServer) {
	for _, name := range domainworker.TemplateNames() {
		tmpl, _ := domainworker.LookupTemplate(name)
		s.AddPrompt(
			mcpmcp.NewPrompt(name,
				mcpmcp.WithPromptDescription(fmt.Sprintf("System prompt for %s workers. Fetched once at session startup.", name)),
				mcpmcp.WithArgument("worker_id",
					mcpmcp.ArgumentDescription("Worker id this session will register as."),
					mcpmcp.RequiredArgument(),
				),
			),
			promptHandler(tmpl),
		)
	}
}

func promptHandler(tmpl domainworker.Template) mcpserver.PromptHandlerFunc {
	return func(_ context.Context, req mcpmcp.GetPromptRequest) (*mcpmcp.GetPromptResult, error) {
		workerID := strings.TrimSpace(req.Params.Arguments["worker_id"])
		if workerID == "" {
			return nil, fmt.Errorf("worker_id is required")
		}

		var b strings.Builder
		fmt.Fprintf(&b, "You are a %s worker. %s.\n", strings.ReplaceAll(tmpl.Name, "_", " "), tmpl.Description)
		fmt.Fprintf(&b, "You will only receive tasks requiring one of: %s.\n\n", strings.Join(tmpl.Capabilities, ", "))
		fmt.Fprintf(&b, workerProtocol, workerID, tmpl.Name)

		return mcpmcp.NewGetPromptResult(
			fmt.Sprintf("System prompt for %s workers", tmpl.Name),
			[]mcpmcp.PromptMessage{
				mcpmcp.NewPromptMessage(
					mcpmcp.RoleUser,
					mcpmcp.TextContent{
						Type: "text",
						Text: b.String(),
					},
				),
			},
		), nil
	}
}
