// Package idempotency deduplicates ingestion attempts by caller-supplied key.
package idempotency

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/beaconhq/beacon/internal/clock"
	"github.com/beaconhq/beacon/internal/config"
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Reservation maps an idempotency key to the event committed by the first
// successful ingestion attempt. The row is written in the same transaction as
// the event, so a failed append never leaves a reservation behind.
type Reservation struct {
	Key       string       `gorm:"primaryKey;type:text"`
	EventID   snowflake.ID `gorm:"not null"`
	ExpiresAt time.Time    `gorm:"not null;index"`
	CreatedAt time.Time    `gorm:"not null"`
}

// TableName sets the database table name.
func (Reservation) TableName() string { return "idempotency_reservations" }

var (
	ErrInvalidKey = errors.New("invalid_idempotency_key")
)

type StoreParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
	Cfg   config.Config
}

type Store struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
	ttl   time.Duration
}

func NewStore(p StoreParam) *Store {
	ttl := p.Cfg.Ingest.IdempotencyTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Store{
		db:    p.DB,
		log:   p.Log.Named("idempotency.store"),
		clock: p.Clock,
		ttl:   ttl,
	}
}

// CheckOrReserve races concurrent callers for key inside tx. Exactly one
// caller wins and owns the key for eventID; losers get the prior reservation.
// A key whose retention window has lapsed is treated as fresh and taken over.
// The caller must roll back tx when fresh is false.
func (s *Store) CheckOrReserve(ctx context.Context, tx *gorm.DB, key string, eventID snowflake.ID) (fresh bool, prior *Reservation, err error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return false, nil, ErrInvalidKey
	}
	if tx == nil {
		tx = s.db
	}

	now := s.clock.Now().UTC()
	row := Reservation{
		Key:       key,
		EventID:   eventID,
		ExpiresAt: now.Add(s.ttl),
		CreatedAt: now,
	}

	result := tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "key"}},
		DoUpdates: clause.Assignments(map[string]any{
			"event_id":   eventID,
			"expires_at": row.ExpiresAt,
			"created_at": now,
		}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "idempotency_reservations.expires_at <= ?", Vars: []any{now}},
		}},
	}).Create(&row)
	if result.Error != nil {
		return false, nil, result.Error
	}
	if result.RowsAffected > 0 {
		return true, nil, nil
	}

	// Lost the race; read the winner's committed reservation outside tx.
	existing, err := s.Lookup(ctx, key)
	if err != nil {
		return false, nil, err
	}
	return false, existing, nil
}

// Lookup returns the live reservation for key, or nil when absent or expired.
func (s *Store) Lookup(ctx context.Context, key string) (*Reservation, error) {
	var row Reservation
	err := s.db.WithContext(ctx).
		Where("key = ? AND expires_at > ?", strings.TrimSpace(key), s.clock.Now().UTC()).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

// PurgeExpired removes reservations past their retention window.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("expires_at <= ?", s.clock.Now().UTC()).
		Delete(&Reservation{})
	return result.RowsAffected, result.Error
}

// RunPurgeLoop deletes expired reservations on a fixed cadence.
func (s *Store) RunPurgeLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged, err := s.PurgeExpired(ctx)
			if err != nil {
				s.log.Warn("idempotency purge failed", zap.Error(err))
				continue
			}
			if purged > 0 {
				s.log.Debug("purged idempotency reservations", zap.Int64("count", purged))
			}
		}
	}
}
