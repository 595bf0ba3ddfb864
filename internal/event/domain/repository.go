package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// PageFilter narrows a cursor-paginated scan over the ledger.
type PageFilter struct {
	App       string
	EventName string
	ActorType ActorType
	From      time.Time
	To        time.Time
	AfterAt   time.Time
	AfterID   snowflake.ID
	Limit     int
}

// Repository is the storage layer of the event ledger. Append runs inside the
// caller's transaction so the gateway can commit the event together with its
// idempotency reservation and delivery tasks.
type Repository interface {
	Append(ctx context.Context, tx *gorm.DB, event *BusinessEvent, index []EventProperty) error
	FindByID(ctx context.Context, id snowflake.ID) (*BusinessEvent, error)
	FindPage(ctx context.Context, filter PageFilter) ([]*BusinessEvent, error)
	Count(ctx context.Context, filter PageFilter) (int64, error)
	FindByRequestID(ctx context.Context, requestID string) ([]BusinessEvent, error)
	FindByProperty(ctx context.Context, key, value string, from, to time.Time, limit int) ([]BusinessEvent, error)
	// AfterCursor returns events strictly past (afterAt, afterID) in write
	// order. This is the feed of the incremental aggregation consumer.
	AfterCursor(ctx context.Context, tx *gorm.DB, afterAt time.Time, afterID snowflake.ID, limit int) ([]BusinessEvent, error)
}
