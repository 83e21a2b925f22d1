package task

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/alanyang/agent-coordinator/internal/domain/assignment"
	domaintask "github.com/alanyang/agent-coordinator/internal/domain/task"
	"github.com/alanyang/agent-coordinator/internal/service/coordinator"
	"github.com/alanyang/agent-coordinator/internal/transport/apierr"
)

// Service is the slice of the coordinator the task routes need.
type Service interface {
	SubmitTask(ctx context.Context, req coordinator.SubmitRequest) (domaintask.Task, error)
	CancelTask(ctx context.Context, id uuid.UUID) (domaintask.Task, error)
	CompleteTask(ctx context.Context, id uuid.UUID, result []byte) (domaintask.Task, error)
	FailTask(ctx context.Context, id uuid.UUID, reason string) (domaintask.Task, error)
	GetTaskStatus(ctx context.Context, id uuid.UUID) (domaintask.Task, error)
	ListTasks(ctx context.Context, status domaintask.Status) []domaintask.Task
	TaskHistory(ctx context.Context, id uuid.UUID) ([]assignment.Assignment, error)
}

func Register(rg *gin.RouterGroup, svc Service) {
	rg.POST("/", submitTask(svc))
	rg.GET("/", listTasks(svc))
	rg.GET("/:id", getTask(svc))
	rg.GET("/:id/history", taskHistory(svc))
	rg.POST("/:id/cancel", cancelTask(svc))
	rg.POST("/:id/complete", completeTask(svc))
	rg.POST("/:id/fail", failTask(svc))
}

type submitTaskReq struct {
	Capability  string              `json:"capability" binding:"required"`
	Priority    domaintask.Priority `json:"priority"`
	Payload     json.RawMessage     `json:"payload"`
	Title       string              `json:"title"`
	Description string              `json:"description"`
}

func submitTask(svc Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req submitTaskReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		t, err := svc.SubmitTask(c.Request.Context(), coordinator.SubmitRequest{
			Capability:  req.Capability,
			Priority:    req.Priority,
			Payload:     req.Payload,
			Title:       req.Title,
			Description: req.Description,
		})
		if err != nil {
			apierr.Write(c, err)
			return
		}
		c.JSON(http.StatusCreated, t)
	}
}

func listTasks(svc Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := domaintask.Status(c.Query("status"))
		tasks := svc.ListTasks(c.Request.Context(), status)
		if tasks == nil {
			tasks = []domaintask.Task{}
		}
		c.JSON(http.StatusOK, tasks)
	}
}

func getTask(svc Service) gin.HandlerFunc {
	return withID(func(c *gin.Context, id uuid.UUID) {
		t, err := svc.GetTaskStatus(c.Request.Context(), id)
		if err != nil {
			apierr.Write(c, err)
			return
		}
		c.JSON(http.StatusOK, t)
	})
}

func taskHistory(svc Service) gin.HandlerFunc {
	return withID(func(c *gin.Context, id uuid.UUID) {
		hist, err := svc.TaskHistory(c.Request.Context(), id)
		if err != nil {
			apierr.Write(c, err)
			return
		}
		if hist == nil {
			hist = []assignment.Assignment{}
		}
		c.JSON(http.StatusOK, hist)
	})
}

func cancelTask(svc Service) gin.HandlerFunc {
	return withID(func(c *gin.Context, id uuid.UUID) {
		t, err := svc.CancelTask(c.Request.Context(), id)
		if err != nil {
			apierr.Write(c, err)
			return
		}
		c.JSON(http.StatusOK, t)
	})
}

type completeTaskReq struct {
	Result json.RawMessage `json:"result"`
}

func completeTask(svc Service) gin.HandlerFunc {
	return withID(func(c *gin.Context, id uuid.UUID) {
		var req completeTaskReq
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
		}

		t, err := svc.CompleteTask(c.Request.Context(), id, req.Result)
		if err != nil {
			apierr.Write(c, err)
			return
		}
		c.JSON(http.StatusOK, t)
	})
}

type failTaskReq struct {
	Reason string `json:"reason" binding:"required"`
}

func failTask(svc Service) gin.HandlerFunc {
	return withID(func(c *gin.Context, id uuid.UUID) {
		var req failTaskReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		t, err := svc.FailTask(c.Request.Context(), id, req.Reason)
		if err != nil {
			apierr.Write(c, err)
			return
		}
		c.JSON(http.StatusOK, t)
	})
}

func withID(h func(*gin.Context, uuid.UUID)) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
			return
		}
		h(c, id)
	}
}
