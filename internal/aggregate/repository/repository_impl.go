package repository

import (
	"context"
	"errors"
	"time"

	aggregatedomain "github.com/beaconhq/beacon/internal/aggregate/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type store struct {
	db *gorm.DB
}

func New(db *gorm.DB) aggregatedomain.Repository {
	return &store{db: db}
}

// ApplyDelta upserts one bucket cell, adding the delta's count and sum onto
// whatever is already there.
func (r *store) ApplyDelta(ctx context.Context, tx *gorm.DB, delta aggregatedomain.Bucket) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "kpi"}, {Name: "actor_id"}, {Name: "bucket_start"}},
		DoUpdates: clause.Assignments(map[string]any{
			"count":      gorm.Expr("aggregate_buckets.count + ?", delta.Count),
			"sum":        gorm.Expr("aggregate_buckets.sum + ?", delta.Sum),
			"updated_at": delta.UpdatedAt,
		}),
	}).Create(&delta).Error
}

func (r *store) SumBuckets(ctx context.Context, kpi, actorID string, from, to time.Time) (aggregatedomain.Totals, error) {
	stmt := r.db.WithContext(ctx).
		Model(&aggregatedomain.Bucket{}).
		Where("kpi = ?", kpi)

	if actorID != "" {
		stmt = stmt.Where("actor_id = ?", actorID)
	}
	if !from.IsZero() {
		stmt = stmt.Where("bucket_start >= ?", from)
	}
	if !to.IsZero() {
		stmt = stmt.Where("bucket_start < ?", to)
	}

	var totals aggregatedomain.Totals
	err := stmt.
		Select("COALESCE(SUM(count), 0) AS count, COALESCE(SUM(sum), 0) AS sum").
		Scan(&totals).Error
	return totals, err
}

func (r *store) LoadCursor(ctx context.Context, tx *gorm.DB, consumer string) (aggregatedomain.Cursor, error) {
	if tx == nil {
		tx = r.db
	}
	var cursor aggregatedomain.Cursor
	err := tx.WithContext(ctx).First(&cursor, "consumer = ?", consumer).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return aggregatedomain.Cursor{Consumer: consumer}, nil
	}
	return cursor, err
}

func (r *store) SaveCursor(ctx context.Context, tx *gorm.DB, cursor aggregatedomain.Cursor) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "consumer"}},
		DoUpdates: clause.Assignments(map[string]any{
			"last_created_at": cursor.LastCreatedAt,
			"last_event_id":   cursor.LastEventID,
			"updated_at":      cursor.UpdatedAt,
		}),
	}).Create(&cursor).Error
}
