package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// Repository is the durable task queue. Lease hands a batch of due tasks to
// exactly one worker; a lease that lapses without a terminal transition makes
// the task due again.
type Repository interface {
	EnqueueInTx(ctx context.Context, tx *gorm.DB, tasks []*DeliveryTask) error
	Lease(ctx context.Context, now time.Time, leaseTTL time.Duration, limit int) ([]DeliveryTask, error)
	MarkDelivered(ctx context.Context, id string, now time.Time) error
	MarkRetry(ctx context.Context, id string, attempts int, nextAttemptAt time.Time, lastErr string, now time.Time) error
	MarkDeadLettered(ctx context.Context, id string, lastErr string, now time.Time) error
	Cancel(ctx context.Context, id string, now time.Time) error
	List(ctx context.Context, state TaskState, limit int) ([]DeliveryTask, error)
}
