package repository

import (
	"context"
	"strings"
	"time"

	deliverydomain "github.com/beaconhq/beacon/internal/delivery/domain"
	"gorm.io/gorm"
)

type store struct {
	db *gorm.DB
}

func New(db *gorm.DB) deliverydomain.Repository {
	return &store{db: db}
}

func (r *store) EnqueueInTx(ctx context.Context, tx *gorm.DB, tasks []*deliverydomain.DeliveryTask) error {
	if len(tasks) == 0 {
		return nil
	}
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(&tasks).Error
}

// Lease claims up to limit due tasks for one worker. A task is due when it is
// pending, or leased with a lapsed lease. Runs SELECT ... FOR UPDATE SKIP
// LOCKED so concurrent workers never claim the same row; sqlite serializes
// writers and skips the locking clause.
func (r *store) Lease(ctx context.Context, now time.Time, leaseTTL time.Duration, limit int) ([]deliverydomain.DeliveryTask, error) {
	if limit <= 0 {
		limit = 50
	}

	var claimed []deliverydomain.DeliveryTask
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := `SELECT id FROM delivery_tasks
		 WHERE (state = ? OR (state = ? AND lease_expires_at <= ?))
		   AND next_attempt_at <= ?
		 ORDER BY next_attempt_at ASC
		 LIMIT ?`
		if !r.isSQLite() {
			query += " FOR UPDATE SKIP LOCKED"
		}

		var ids []string
		if err := tx.Raw(query,
			deliverydomain.TaskStatePending,
			deliverydomain.TaskStateLeased,
			now,
			now,
			limit,
		).Scan(&ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		leaseUntil := now.Add(leaseTTL)
		if err := tx.Model(&deliverydomain.DeliveryTask{}).
			Where("id IN ?", ids).
			Updates(map[string]any{
				"state":            deliverydomain.TaskStateLeased,
				"lease_expires_at": leaseUntil,
				"updated_at":       now,
			}).Error; err != nil {
			return err
		}

		return tx.Where("id IN ?", ids).Find(&claimed).Error
	})
	return claimed, err
}

func (r *store) MarkDelivered(ctx context.Context, id string, now time.Time) error {
	return r.transition(ctx, id, deliverydomain.TaskStateLeased, map[string]any{
		"state":            deliverydomain.TaskStateDelivered,
		"lease_expires_at": nil,
		"updated_at":       now,
	})
}

func (r *store) MarkRetry(ctx context.Context, id string, attempts int, nextAttemptAt time.Time, lastErr string, now time.Time) error {
	return r.transition(ctx, id, deliverydomain.TaskStateLeased, map[string]any{
		"state":            deliverydomain.TaskStatePending,
		"attempts":         attempts,
		"next_attempt_at":  nextAttemptAt,
		"lease_expires_at": nil,
		"last_error":       lastErr,
		"updated_at":       now,
	})
}

func (r *store) MarkDeadLettered(ctx context.Context, id string, lastErr string, now time.Time) error {
	return r.transition(ctx, id, deliverydomain.TaskStateLeased, map[string]any{
		"state":            deliverydomain.TaskStateDeadLettered,
		"lease_expires_at": nil,
		"last_error":       lastErr,
		"updated_at":       now,
	})
}

// Cancel succeeds only before the task is leased; in-flight attempts run to
// completion.
func (r *store) Cancel(ctx context.Context, id string, now time.Time) error {
	result := r.db.WithContext(ctx).Model(&deliverydomain.DeliveryTask{}).
		Where("id = ? AND state = ?", id, deliverydomain.TaskStatePending).
		Updates(map[string]any{
			"state":      deliverydomain.TaskStateCancelled,
			"updated_at": now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := r.db.WithContext(ctx).Model(&deliverydomain.DeliveryTask{}).
			Where("id = ?", id).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return deliverydomain.ErrTaskNotFound
		}
		return deliverydomain.ErrTaskNotCancelable
	}
	return nil
}

func (r *store) List(ctx context.Context, state deliverydomain.TaskState, limit int) ([]deliverydomain.DeliveryTask, error) {
	if limit <= 0 {
		limit = 100
	}
	stmt := r.db.WithContext(ctx).Model(&deliverydomain.DeliveryTask{})
	if state != "" {
		stmt = stmt.Where("state = ?", state)
	}

	var tasks []deliverydomain.DeliveryTask
	err := stmt.Order("next_attempt_at ASC").Limit(limit).Find(&tasks).Error
	return tasks, err
}

func (r *store) transition(ctx context.Context, id string, from deliverydomain.TaskState, updates map[string]any) error {
	result := r.db.WithContext(ctx).Model(&deliverydomain.DeliveryTask{}).
		Where("id = ? AND state = ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return deliverydomain.ErrTaskNotFound
	}
	return nil
}

func (r *store) isSQLite() bool {
	return strings.EqualFold(r.db.Dialector.Name(), "sqlite")
}
