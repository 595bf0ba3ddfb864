package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	deliverydomain "github.com/beaconhq/beacon/internal/delivery/domain"
	"github.com/gin-gonic/gin"
)

// ListDeliveryTasks lists tasks by state, most recently created first.
// Paging the dead-letter queue is its primary use.
func (s *Server) ListDeliveryTasks(c *gin.Context) {
	state := deliverydomain.TaskState(strings.TrimSpace(c.Query("state")))
	switch state {
	case deliverydomain.TaskStatePending,
		deliverydomain.TaskStateLeased,
		deliverydomain.TaskStateDelivered,
		deliverydomain.TaskStateDeadLettered,
		deliverydomain.TaskStateCancelled:
	case "":
		state = deliverydomain.TaskStateDeadLettered
	default:
		AbortWithError(c, fmt.Errorf("%w: state", ErrInvalidRequest))
		return
	}

	limit := 50
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 500 {
			AbortWithError(c, fmt.Errorf("%w: limit", ErrInvalidRequest))
			return
		}
		limit = parsed
	}

	tasks, err := s.tasks.List(c.Request.Context(), state, limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

// CancelDeliveryTask cancels a pending task. Once leased, delivered or
// dead-lettered the task is no longer cancelable and the call conflicts.
func (s *Server) CancelDeliveryTask(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		AbortWithError(c, fmt.Errorf("%w: id", ErrInvalidRequest))
		return
	}

	if err := s.tasks.Cancel(c.Request.Context(), id, s.clock.Now().UTC()); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"id": id, "state": deliverydomain.TaskStateCancelled})
}
