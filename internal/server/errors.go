package server

import (
	"errors"
	"net/http"
	"strings"

	aggregatedomain "github.com/beaconhq/beacon/internal/aggregate/domain"
	deliverydomain "github.com/beaconhq/beacon/internal/delivery/domain"
	eventdomain "github.com/beaconhq/beacon/internal/event/domain"
	"github.com/beaconhq/beacon/internal/idempotency"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrConflict           = errors.New("conflict")
	ErrServiceUnavailable = errors.New("service_unavailable")
	ErrTooManyRequests    = errors.New("too_many_requests")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func mapError(err error) (int, errorPayload) {
	switch {
	case isValidationError(err):
		code := validationErrorCode(err)
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: strings.ReplaceAll(code, "_", " "),
				},
			},
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, ErrConflict),
		errors.Is(err, deliverydomain.ErrTaskNotCancelable):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: "conflict",
		}
	case errors.Is(err, ErrTooManyRequests):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "too_many_requests",
			Message: "rate limit exceeded",
		}
	case errors.Is(err, ErrServiceUnavailable),
		errors.Is(err, eventdomain.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, eventdomain.ErrInvalidActorType),
		errors.Is(err, eventdomain.ErrInvalidEventName),
		errors.Is(err, eventdomain.ErrInvalidApp),
		errors.Is(err, eventdomain.ErrInvalidRequestID),
		errors.Is(err, eventdomain.ErrInvalidTimeRange),
		errors.Is(err, eventdomain.ErrInvalidCursor),
		errors.Is(err, eventdomain.ErrInvalidProperty),
		errors.Is(err, eventdomain.ErrPropertyTooLarge),
		errors.Is(err, idempotency.ErrInvalidKey),
		errors.Is(err, aggregatedomain.ErrInvalidWindow):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, aggregatedomain.ErrUnknownKPI),
		errors.Is(err, deliverydomain.ErrTaskNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func validationErrorCode(err error) string {
	for _, sentinel := range []error{
		eventdomain.ErrInvalidActorType,
		eventdomain.ErrInvalidEventName,
		eventdomain.ErrInvalidApp,
		eventdomain.ErrInvalidRequestID,
		eventdomain.ErrInvalidTimeRange,
		eventdomain.ErrInvalidCursor,
		eventdomain.ErrInvalidProperty,
		eventdomain.ErrPropertyTooLarge,
		idempotency.ErrInvalidKey,
		aggregatedomain.ErrInvalidWindow,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return "invalid_request"
}

func validationErrorField(code string) string {
	switch code {
	case "invalid_actor_type":
		return "actor_type"
	case "invalid_event_name":
		return "event_name"
	case "invalid_app":
		return "app"
	case "invalid_request_id":
		return "request_id"
	case "properties_too_large":
		return "properties"
	case "invalid_property_key":
		return "key"
	case "invalid_idempotency_key":
		return "idempotency_key"
	case "invalid_cursor":
		return "cursor"
	case "invalid_time_range", "invalid_kpi_window":
		return "window"
	default:
		return "request"
	}
}
