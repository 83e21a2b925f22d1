package worker

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	domaintask "github.com/alanyang/agent-coordinator/internal/domain/task"
	domainworker "github.com/alanyang/agent-coordinator/internal/domain/worker"
	"github.com/alanyang/agent-coordinator/internal/service/coordinator"
	"github.com/alanyang/agent-coordinator/internal/transport/apierr"
)

type Service interface {
	RegisterWorker(ctx context.Context, req coordinator.RegisterRequest) (domainworker.Worker, error)
	DeregisterWorker(ctx context.Context, id string, force bool) (domainworker.Worker, error)
	Heartbeat(ctx context.Context, id string, reportedLoad int) (domainworker.Worker, error)
	GetWorkerStatus(ctx context.Context, id string) (domainworker.Worker, error)
	ListWorkers(ctx context.Context) []domainworker.Worker
	WorkerTasks(ctx context.Context, workerID string) ([]domaintask.Task, error)
}

func Register(rg *gin.RouterGroup, svc Service) {
	rg.POST("/", registerWorker(svc))
	rg.GET("/", listWorkers(svc))
	rg.GET("/templates", listTemplates)
	rg.GET("/:id", getWorker(svc))
	rg.GET("/:id/tasks", workerTasks(svc))
	rg.POST("/:id/heartbeat", heartbeat(svc))
	rg.DELETE("/:id", deregisterWorker(svc))
}

type registerReq struct {
	ID             string   `json:"id" binding:"required"`
	Capabilities   []string `json:"capabilities"`
	Template       string   `json:"template"`
	MaxConcurrency int      `json:"max_concurrency"`
}

func registerWorker(svc Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req registerReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		w, err := svc.RegisterWorker(c.Request.Context(), coordinator.RegisterRequest{
			ID:             req.ID,
			Capabilities:   req.Capabilities,
			Template:       req.Template,
			MaxConcurrency: req.MaxConcurrency,
		})
		if err != nil {
			apierr.Write(c, err)
			return
		}
		c.JSON(http.StatusCreated, w)
	}
}

func listWorkers(svc Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		workers := svc.ListWorkers(c.Request.Context())
		if workers == nil {
			workers = []domainworker.Worker{}
		}
		c.JSON(http.StatusOK, workers)
	}
}

func listTemplates(c *gin.Context) {
	names := domainworker.TemplateNames()
	out := make([]domainworker.Template, 0, len(names))
	for _, name := range names {
		if t, ok := domainworker.LookupTemplate(name); ok {
			out = append(out, t)
		}
	}
	c.JSON(http.StatusOK, out)
}

func getWorker(svc Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		w, err := svc.GetWorkerStatus(c.Request.Context(), c.Param("id"))
		if err != nil {
			apierr.Write(c, err)
			return
		}
		c.JSON(http.StatusOK, w)
	}
}

func workerTasks(svc Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		tasks, err := svc.WorkerTasks(c.Request.Context(), c.Param("id"))
		if err != nil {
			apierr.Write(c, err)
			return
		}
		if tasks == nil {
			tasks = []domaintask.Task{}
		}
		c.JSON(http.StatusOK, tasks)
	}
}

// heartbeatReq.Load is optional; a missing load leaves the last report in place.
type heartbeatReq struct {
	Load *int `json:"load"`
}

func heartbeat(svc Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req heartbeatReq
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
		}
		load := -1
		if req.Load != nil {
			if *req.Load < 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "load must not be negative"})
				return
			}
			load = *req.Load
		}

		w, err := svc.Heartbeat(c.Request.Context(), c.Param("id"), load)
		if err != nil {
			apierr.Write(c, err)
			return
		}
		c.JSON(http.StatusOK, w)
	}
}

func deregisterWorker(svc Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		force := false
		if v := c.Query("force"); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid force"})
				return
			}
			force = b
		}

		w, err := svc.DeregisterWorker(c.Request.Context(), c.Param("id"), force)
		if err != nil {
			apierr.Write(c, err)
			return
		}
		c.JSON(http.StatusOK, w)
	}
}
