package mcp

import (
	"context"
	"log/slog"
	"net/http"

	mcpserver "github.com/mark3labs/mcp-go/server"
)

// Server exposes the coordinator to MCP clients over streamable HTTP. Each
// worker agent opens one session, binds it with register_worker and then
// receives its assignments as notifications on that session.
type Server struct {
	httpSrv *mcpserver.StreamableHTTPServer
	reg     *SessionRegistry
}

// New builds the MCP server and points reg at it for outbound notifications.
// Session teardown unbinds the worker but leaves it registered.
func New(reg *SessionRegistry, svc Service) *Server {
	s := &Server{reg: reg}

	hooks := &mcpserver.Hooks{}
	hooks.OnRegisterSession = append(hooks.OnRegisterSession, func(ctx context.Context, session mcpserver.ClientSession) {
		slog.DebugContext(ctx, "mcp: session opened", "session_id", session.SessionID())
	})
	hooks.OnUnregisterSession = append(hooks.OnUnregisterSession, s.onSessionClose)

	mcpSrv := mcpserver.NewMCPServer(
		"agent-coordinator",
		"1.0.0",
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
		mcpserver.WithHooks(hooks),
	)
	reg.SetSender(mcpSrv)

	RegisterTools(mcpSrv, reg, svc)
	RegisterPrompts(mcpSrv)

	s.httpSrv = mcpserver.NewStreamableHTTPServer(mcpSrv)
	return s
}

// Handler serves the MCP endpoint; the router mounts it at /mcp.
func (s *Server) Handler() http.Handler {
	return s.httpSrv
}

func (s *Server) Registry() *SessionRegistry {
	return s.reg
}

// onSessionClose drops the session binding. A worker that never reconnects goes
// silent, and heartbeat expiry hands its tasks back to the queue.
func (s *Server) onSessionClose(ctx context.Context, session mcpserver.ClientSession) {
	workerID, ok := s.reg.Unregister(session.SessionID())
	if !ok {
		return
	}
	slog.InfoContext(ctx, "mcp: session closed", "session_id", session.SessionID(), "worker_id", workerID)
}
