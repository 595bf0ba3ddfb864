package domain

import (
	"context"
	"errors"
	"time"

	"github.com/beaconhq/beacon/pkg/db/pagination"
	"gorm.io/gorm"
)

type AppendRequest struct {
	RequestID  string         `json:"request_id"`
	App        string         `json:"app"`
	Env        string         `json:"env"`
	EventName  string         `json:"event_name"`
	ActorType  string         `json:"actor_type"`
	ActorID    string         `json:"actor_id"`
	SessionID  string         `json:"session_id"`
	OrgID      string         `json:"org_id"`
	OccurredAt time.Time      `json:"occurred_at"`
	Properties map[string]any `json:"properties"`
}

type QueryRequest struct {
	App       string    `form:"app"`
	EventName string    `form:"event_name"`
	ActorType string    `form:"actor_type"`
	From      time.Time `form:"from" time_format:"2006-01-02T15:04:05Z07:00"`
	To        time.Time `form:"to" time_format:"2006-01-02T15:04:05Z07:00"`
	PageToken string    `form:"cursor"`
	PageSize  int       `form:"limit"`
}

type QueryResponse struct {
	pagination.PageInfo
	Events []BusinessEvent `json:"events"`
}

type PropertyQueryRequest struct {
	Key   string    `form:"key"`
	Value string    `form:"value"`
	From  time.Time `form:"from" time_format:"2006-01-02T15:04:05Z07:00"`
	To    time.Time `form:"to" time_format:"2006-01-02T15:04:05Z07:00"`
	Limit int       `form:"limit"`
}

// Service is the event store surface consumed by the gateway, the query API
// and the aggregation engine. AppendInTx participates in the caller's
// transaction so one commit covers the event, its idempotency reservation and
// any delivery tasks derived from it.
type Service interface {
	Append(context.Context, AppendRequest) (*BusinessEvent, error)
	AppendInTx(ctx context.Context, tx *gorm.DB, req AppendRequest) (*BusinessEvent, error)
	Query(context.Context, QueryRequest) (QueryResponse, error)
	QueryByProperty(context.Context, PropertyQueryRequest) ([]BusinessEvent, error)
	GetByRequestID(ctx context.Context, requestID string) ([]BusinessEvent, error)
}

var (
	ErrInvalidActorType = errors.New("invalid_actor_type")
	ErrInvalidEventName = errors.New("invalid_event_name")
	ErrInvalidApp       = errors.New("invalid_app")
	ErrInvalidRequestID = errors.New("invalid_request_id")
	ErrInvalidTimeRange = errors.New("invalid_time_range")
	ErrInvalidProperty  = errors.New("invalid_property_key")
	ErrInvalidCursor    = errors.New("invalid_cursor")
	ErrPropertyTooLarge = errors.New("properties_too_large")
	ErrStoreUnavailable = errors.New("store_unavailable")
)
