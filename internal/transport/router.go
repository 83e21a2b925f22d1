package transport

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	portarchive "github.com/alanyang/agent-coordinator/internal/port/archive"
	"github.com/alanyang/agent-coordinator/internal/service/coordinator"

	mcptransport "github.com/alanyang/agent-coordinator/internal/transport/mcp"
	statushandler "github.com/alanyang/agent-coordinator/internal/transport/status"
	taskhandler "github.com/alanyang/agent-coordinator/internal/transport/task"
	workerhandler "github.com/alanyang/agent-coordinator/internal/transport/worker"
	wshandler "github.com/alanyang/agent-coordinator/internal/transport/ws"
)

// Deps are the collaborators the router mounts. Archive is optional; the
// archived event endpoint is only served when it is set.
type Deps struct {
	Coordinator    *coordinator.Coordinator
	Relay          *wshandler.Relay
	MCP            *mcptransport.Server
	Responses      ResponseStore
	IdempotencyTTL time.Duration
	Archive        portarchive.Reader
	RunID          uuid.UUID
}

func NewRouter(d Deps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(RequestLogger())
	r.Use(CORSMiddleware())

	api := r.Group("/api")
	api.Use(IdempotencyMiddleware(d.Responses, d.IdempotencyTTL))

	taskhandler.Register(api.Group("/tasks"), d.Coordinator)
	workerhandler.Register(api.Group("/workers"), d.Coordinator)
	statushandler.Register(api, d.Coordinator)
	if d.Archive != nil {
		statushandler.RegisterArchive(api, d.Archive, d.RunID)
	}

	d.Relay.Register(api.Group("/ws"))

	if d.MCP != nil {
		h := gin.WrapH(d.MCP.Handler())
		r.Any("/mcp", h)
	}

	r.GET("/healthz", func(c *gin.Context) { c.JSON(200, gin.H{"status": "ok"}) })
	return r
}
