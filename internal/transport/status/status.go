package status

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/alanyang/agent-coordinator/internal/domain/event"
	portarchive "github.com/alanyang/agent-coordinator/internal/port/archive"
	"github.com/alanyang/agent-coordinator/internal/service/coordinator"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

type Service interface {
	Status(ctx context.Context) coordinator.Snapshot
}

func Register(rg *gin.RouterGroup, svc Service) {
	rg.GET("/status", getStatus(svc))
}

// RegisterArchive exposes the persisted event log of one run. runID defaults
// to the current run when the request does not name one.
func RegisterArchive(rg *gin.RouterGroup, reader portarchive.Reader, runID uuid.UUID) {
	rg.GET("/events", listEvents(reader, runID))
}

func getStatus(svc Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, svc.Status(c.Request.Context()))
	}
}

func listEvents(reader portarchive.Reader, current uuid.UUID) gin.HandlerFunc {
	return func(c *gin.Context) {
		runID := current
		if v := c.Query("run_id"); v != "" {
			id, err := uuid.Parse(v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run_id"})
				return
			}
			runID = id
		}

		from := uint64(1)
		if v := c.Query("from"); v != "" {
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid from"})
				return
			}
			from = n
		}

		limit := defaultEventLimit
		if v := c.Query("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
				return
			}
			limit = min(n, maxEventLimit)
		}

		events, err := reader.ListSince(c.Request.Context(), runID, from, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if events == nil {
			events = []event.Event{}
		}
		c.JSON(http.StatusOK, gin.H{"run_id": runID, "events": events})
	}
}
