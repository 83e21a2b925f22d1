package apierr

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/alanyang/agent-coordinator/internal/domain/task"
	"github.com/alanyang/agent-coordinator/internal/domain/worker"
	"github.com/alanyang/agent-coordinator/internal/service/queue"
)

var statusBySentinel = []struct {
	err    error
	status int
}{
	{task.ErrInvalidTask, http.StatusBadRequest},
	{worker.ErrInvalid, http.StatusBadRequest},
	{task.ErrNotFound, http.StatusNotFound},
	{worker.ErrNotFound, http.StatusNotFound},
	{worker.ErrUnknown, http.StatusNotFound},
	{task.ErrNotAssigned, http.StatusConflict},
	{task.ErrAlreadyFinished, http.StatusConflict},
	{worker.ErrDuplicate, http.StatusConflict},
	{worker.ErrBusy, http.StatusConflict},
	{queue.ErrDuplicate, http.StatusConflict},
	{queue.ErrCapacityExhausted, http.StatusTooManyRequests},
}

// Status maps a coordinator error to an HTTP status code.
func Status(err error) int {
	for _, s := range statusBySentinel {
		if errors.Is(err, s.err) {
			return s.status
		}
	}
	return http.StatusInternalServerError
}

func Write(c *gin.Context, err error) {
	c.JSON(Status(err), gin.H{"error": err.Error()})
}
