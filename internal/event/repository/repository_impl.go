package repository

import (
	"context"
	"time"

	eventdomain "github.com/beaconhq/beacon/internal/event/domain"
	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type store struct {
	db *gorm.DB
}

func New(db *gorm.DB) eventdomain.Repository {
	return &store{db: db}
}

func (r *store) Append(ctx context.Context, tx *gorm.DB, event *eventdomain.BusinessEvent, index []eventdomain.EventProperty) error {
	if tx == nil {
		tx = r.db
	}
	if err := tx.WithContext(ctx).Create(event).Error; err != nil {
		return err
	}
	if len(index) == 0 {
		return nil
	}
	return tx.WithContext(ctx).Create(&index).Error
}

func (r *store) FindByID(ctx context.Context, id snowflake.ID) (*eventdomain.BusinessEvent, error) {
	var event eventdomain.BusinessEvent
	if err := r.db.WithContext(ctx).First(&event, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &event, nil
}

func (r *store) FindPage(ctx context.Context, filter eventdomain.PageFilter) ([]*eventdomain.BusinessEvent, error) {
	stmt := r.db.WithContext(ctx).Model(&eventdomain.BusinessEvent{})

	if filter.App != "" {
		stmt = stmt.Where("app = ?", filter.App)
	}
	if filter.EventName != "" {
		stmt = stmt.Where("event_name = ?", filter.EventName)
	}
	if filter.ActorType != "" {
		stmt = stmt.Where("actor_type = ?", filter.ActorType)
	}
	if !filter.From.IsZero() {
		stmt = stmt.Where("occurred_at >= ?", filter.From)
	}
	if !filter.To.IsZero() {
		stmt = stmt.Where("occurred_at < ?", filter.To)
	}
	if !filter.AfterAt.IsZero() {
		stmt = stmt.Where("created_at > ? OR (created_at = ? AND id > ?)",
			filter.AfterAt, filter.AfterAt, filter.AfterID)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	var events []*eventdomain.BusinessEvent
	err := stmt.
		Order("created_at ASC").
		Order("id ASC").
		Limit(limit + 1).
		Find(&events).Error
	return events, err
}

func (r *store) Count(ctx context.Context, filter eventdomain.PageFilter) (int64, error) {
	stmt := r.db.WithContext(ctx).Model(&eventdomain.BusinessEvent{})

	if filter.App != "" {
		stmt = stmt.Where("app = ?", filter.App)
	}
	if filter.EventName != "" {
		stmt = stmt.Where("event_name = ?", filter.EventName)
	}
	if filter.ActorType != "" {
		stmt = stmt.Where("actor_type = ?", filter.ActorType)
	}
	if !filter.From.IsZero() {
		stmt = stmt.Where("occurred_at >= ?", filter.From)
	}
	if !filter.To.IsZero() {
		stmt = stmt.Where("occurred_at < ?", filter.To)
	}

	var count int64
	err := stmt.Count(&count).Error
	return count, err
}

func (r *store) FindByRequestID(ctx context.Context, requestID string) ([]eventdomain.BusinessEvent, error) {
	var events []eventdomain.BusinessEvent
	err := r.db.WithContext(ctx).
		Where("request_id = ?", requestID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&events).Error
	return events, err
}

func (r *store) FindByProperty(ctx context.Context, key, value string, from, to time.Time, limit int) ([]eventdomain.BusinessEvent, error) {
	if limit <= 0 {
		limit = 200
	}

	stmt := r.db.WithContext(ctx).
		Model(&eventdomain.BusinessEvent{}).
		Joins("JOIN event_properties ep ON ep.event_id = business_events.id").
		Where("ep.key = ? AND ep.value = ?", key, value)

	if !from.IsZero() {
		stmt = stmt.Where("ep.occurred_at >= ?", from)
	}
	if !to.IsZero() {
		stmt = stmt.Where("ep.occurred_at < ?", to)
	}

	var events []eventdomain.BusinessEvent
	err := stmt.
		Order("business_events.created_at ASC").
		Order("business_events.id ASC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

func (r *store) AfterCursor(ctx context.Context, tx *gorm.DB, afterAt time.Time, afterID snowflake.ID, limit int) ([]eventdomain.BusinessEvent, error) {
	if tx == nil {
		tx = r.db
	}
	if limit <= 0 {
		limit = 500
	}

	var events []eventdomain.BusinessEvent
	err := tx.WithContext(ctx).
		Where("created_at > ? OR (created_at = ? AND id > ?)", afterAt, afterAt, afterID).
		Order("created_at ASC").
		Order("id ASC").
		Limit(limit).
		Find(&events).Error
	return events, err
}
