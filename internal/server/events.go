package server

import (
	"fmt"
	"net/http"
	"strings"

	eventdomain "github.com/beaconhq/beacon/internal/event/domain"
	"github.com/gin-gonic/gin"
)

const idempotencyKeyHeader = "X-Idempotency-Key"

type ingestEventRequest struct {
	eventdomain.AppendRequest
	IdempotencyKey string `json:"idempotency_key"`
}

type ingestEventResponse struct {
	ID           string `json:"id"`
	Deduplicated bool   `json:"deduplicated"`
}

// IngestEvent accepts one event. Fresh events answer 202; a repeated
// idempotency key answers 200 with the original event id.
func (s *Server) IngestEvent(c *gin.Context) {
	var req ingestEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, fmt.Errorf("%w: %v", ErrInvalidRequest, err))
		return
	}

	key := strings.TrimSpace(req.IdempotencyKey)
	if headerKey := strings.TrimSpace(c.GetHeader(idempotencyKeyHeader)); headerKey != "" {
		key = headerKey
	}

	if !s.allowIngest(c, req.App) {
		return
	}

	result, err := s.ingestsvc.Ingest(c.Request.Context(), req.AppendRequest, key)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	status := http.StatusAccepted
	if result.Deduplicated {
		status = http.StatusOK
	}
	c.JSON(status, ingestEventResponse{
		ID:           result.Event.ID.String(),
		Deduplicated: result.Deduplicated,
	})
}

func (s *Server) ListEvents(c *gin.Context) {
	var req eventdomain.QueryRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		AbortWithError(c, fmt.Errorf("%w: %v", ErrInvalidRequest, err))
		return
	}

	resp, err := s.eventsvc.Query(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) GetEventsByRequestID(c *gin.Context) {
	requestID := strings.TrimSpace(c.Param("requestId"))

	events, err := s.eventsvc.GetByRequestID(c.Request.Context(), requestID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (s *Server) ListEventsByProperty(c *gin.Context) {
	var req eventdomain.PropertyQueryRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		AbortWithError(c, fmt.Errorf("%w: %v", ErrInvalidRequest, err))
		return
	}

	events, err := s.eventsvc.QueryByProperty(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"events": events})
}
