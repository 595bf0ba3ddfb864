// Package consumer maintains incremental KPI aggregates by following the
// ledger's write-order cursor. Buckets and the cursor commit in one
// transaction, so resuming after a crash never double-counts.
package consumer

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	aggregatedomain "github.com/beaconhq/beacon/internal/aggregate/domain"
	"github.com/beaconhq/beacon/internal/aggregate/sample"
	"github.com/beaconhq/beacon/internal/clock"
	"github.com/beaconhq/beacon/internal/config"
	eventdomain "github.com/beaconhq/beacon/internal/event/domain"
	"github.com/beaconhq/beacon/internal/telemetry"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// CursorName identifies the bucket consumer's high-water mark row.
const CursorName = "kpi_buckets"

type ConsumerParam struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Catalog    *aggregatedomain.Catalog
	Buckets    aggregatedomain.Repository
	Events     eventdomain.Repository
	Reservoirs *sample.Registry
	Clock      clock.Clock
	Cfg        config.Config
	Metrics    *telemetry.Metrics `optional:"true"`
}

type Consumer struct {
	db         *gorm.DB
	log        *zap.Logger
	catalog    *aggregatedomain.Catalog
	buckets    aggregatedomain.Repository
	events     eventdomain.Repository
	reservoirs *sample.Registry
	clock      clock.Clock
	metrics    *telemetry.Metrics

	pollInterval time.Duration
	batchSize    int
}

func NewConsumer(p ConsumerParam) *Consumer {
	pollInterval := p.Cfg.Aggregate.PollInterval
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	batchSize := p.Cfg.Aggregate.BatchSize
	if batchSize <= 0 {
		batchSize = 500
	}
	return &Consumer{
		db:           p.DB,
		log:          p.Log.Named("aggregate.consumer"),
		catalog:      p.Catalog,
		buckets:      p.Buckets,
		events:       p.Events,
		reservoirs:   p.Reservoirs,
		clock:        p.Clock,
		metrics:      p.Metrics,
		pollInterval: pollInterval,
		batchSize:    batchSize,
	}
}

// RunForever polls the ledger until ctx is cancelled. A batch that fills up
// is followed immediately by another poll.
func (c *Consumer) RunForever(ctx context.Context) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		processed, err := c.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			c.log.Error("aggregate batch failed", zap.Error(err))
		}
		if processed >= c.batchSize {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce advances the cursor over at most one batch of events and applies
// their bucket deltas. Returns the number of events processed.
func (c *Consumer) RunOnce(ctx context.Context) (int, error) {
	specs := c.catalog.Incremental()
	if len(specs) == 0 {
		return 0, nil
	}

	var (
		processed int
		samples   []observation
	)
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cursor, err := c.buckets.LoadCursor(ctx, tx, CursorName)
		if err != nil {
			return err
		}

		events, err := c.events.AfterCursor(ctx, tx, cursor.LastCreatedAt, cursor.LastEventID, c.batchSize)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}

		deltas := make(map[bucketKey]*aggregatedomain.Bucket)
		now := c.clock.Now().UTC()
		for i := range events {
			samples = append(samples, c.apply(deltas, specs, &events[i], now)...)
		}
		for _, delta := range deltas {
			if err := c.buckets.ApplyDelta(ctx, tx, *delta); err != nil {
				return err
			}
		}

		last := events[len(events)-1]
		cursor.LastCreatedAt = last.CreatedAt
		cursor.LastEventID = last.ID
		cursor.UpdatedAt = now
		processed = len(events)
		return c.buckets.SaveCursor(ctx, tx, cursor)
	})
	if err != nil {
		return 0, err
	}

	// Reservoirs are fed only after the batch commits, so a rolled-back
	// batch leaves them untouched.
	for _, obs := range samples {
		c.reservoirs.Get(obs.kpi).Observe(obs.value)
	}
	if processed > 0 {
		c.log.Debug("aggregate batch applied", zap.Int("events", processed))
	}
	return processed, nil
}

type bucketKey struct {
	kpi         string
	actorID     string
	bucketStart time.Time
}

type observation struct {
	kpi   string
	value float64
}

// apply folds one event into the pending deltas of every KPI it matches and
// returns the reservoir observations it produced.
func (c *Consumer) apply(deltas map[bucketKey]*aggregatedomain.Bucket, specs []aggregatedomain.KPISpec, event *eventdomain.BusinessEvent, now time.Time) []observation {
	var samples []observation
	for _, spec := range specs {
		numerator := spec.Matches(event.App, event.EventName)
		denominator := spec.Kind == aggregatedomain.KindRatio &&
			(spec.App == "" || spec.App == event.App) &&
			spec.DenominatorEvent == event.EventName
		if !numerator && !denominator {
			continue
		}

		switch spec.Kind {
		case aggregatedomain.KindCount:
			c.delta(deltas, spec, event, now).Count++
		case aggregatedomain.KindSum:
			if v, ok := numericProperty(event.Properties, spec.Property); ok {
				d := c.delta(deltas, spec, event, now)
				d.Count++
				d.Sum += v
			}
		case aggregatedomain.KindRatio:
			// Count carries the numerator, Sum the denominator.
			d := c.delta(deltas, spec, event, now)
			if numerator {
				d.Count++
			}
			if denominator {
				d.Sum++
			}
		case aggregatedomain.KindPercentile:
			if v, ok := numericProperty(event.Properties, spec.Property); ok {
				samples = append(samples, observation{kpi: spec.Name, value: v})
			}
		}
		if c.metrics != nil {
			c.metrics.IncAggregateApplied(spec.Name)
		}
	}
	return samples
}

func (c *Consumer) delta(deltas map[bucketKey]*aggregatedomain.Bucket, spec aggregatedomain.KPISpec, event *eventdomain.BusinessEvent, now time.Time) *aggregatedomain.Bucket {
	actorID := ""
	if spec.GroupByActor {
		actorID = event.ActorID
	}
	key := bucketKey{
		kpi:         spec.Name,
		actorID:     actorID,
		bucketStart: spec.BucketFor(event.OccurredAt),
	}
	d, ok := deltas[key]
	if !ok {
		d = &aggregatedomain.Bucket{
			KPI:         key.kpi,
			ActorID:     key.actorID,
			BucketStart: key.bucketStart,
			UpdatedAt:   now,
		}
		deltas[key] = d
	}
	return d
}

// numericProperty extracts a numeric property value, tolerating the types
// JSON decoding may hand back.
func numericProperty(props map[string]any, key string) (float64, bool) {
	raw, ok := props[key]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
