package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// Totals is the additive rollup of a bucket range. For ratio KPIs Count holds
// the numerator and Sum the denominator.
type Totals struct {
	Count int64
	Sum   float64
}

// Repository persists buckets and the consumer cursor. ApplyDelta and
// SaveCursor take the consumer's transaction so one commit covers both; that
// single commit is what makes replay after a crash idempotent.
type Repository interface {
	ApplyDelta(ctx context.Context, tx *gorm.DB, delta Bucket) error
	SumBuckets(ctx context.Context, kpi, actorID string, from, to time.Time) (Totals, error)
	LoadCursor(ctx context.Context, tx *gorm.DB, consumer string) (Cursor, error)
	SaveCursor(ctx context.Context, tx *gorm.DB, cursor Cursor) error
}
