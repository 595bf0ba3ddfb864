// Package service computes KPI values on demand or from the incrementally
// maintained buckets.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	aggregatedomain "github.com/beaconhq/beacon/internal/aggregate/domain"
	"github.com/beaconhq/beacon/internal/aggregate/sample"
	"github.com/beaconhq/beacon/internal/clock"
	eventdomain "github.com/beaconhq/beacon/internal/event/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Service answers KPI queries against the catalog.
type Service interface {
	// ComputeKPI evaluates the named KPI over [window.From, window.To).
	ComputeKPI(ctx context.Context, name string, window aggregatedomain.Window) (aggregatedomain.KPIResult, error)
	// Catalog exposes the KPI definitions, read-only.
	Catalog() *aggregatedomain.Catalog
}

type ServiceParam struct {
	fx.In

	Log        *zap.Logger
	Catalog    *aggregatedomain.Catalog
	Buckets    aggregatedomain.Repository
	Events     eventdomain.Repository
	Reservoirs *sample.Registry
	Clock      clock.Clock
}

type service struct {
	log        *zap.Logger
	catalog    *aggregatedomain.Catalog
	buckets    aggregatedomain.Repository
	events     eventdomain.Repository
	reservoirs *sample.Registry
	clock      clock.Clock
}

func NewService(p ServiceParam) Service {
	return &service{
		log:        p.Log.Named("aggregate.service"),
		catalog:    p.Catalog,
		buckets:    p.Buckets,
		events:     p.Events,
		reservoirs: p.Reservoirs,
		clock:      p.Clock,
	}
}

func (s *service) Catalog() *aggregatedomain.Catalog { return s.catalog }

func (s *service) ComputeKPI(ctx context.Context, name string, window aggregatedomain.Window) (aggregatedomain.KPIResult, error) {
	spec, ok := s.catalog.Lookup(name)
	if !ok {
		return aggregatedomain.KPIResult{}, aggregatedomain.ErrUnknownKPI
	}

	if window.To.IsZero() {
		window.To = s.clock.Now().UTC()
	}
	if !window.From.Before(window.To) {
		return aggregatedomain.KPIResult{}, aggregatedomain.ErrInvalidWindow
	}

	result := aggregatedomain.KPIResult{
		Name:   spec.Name,
		Kind:   spec.Kind,
		Mode:   spec.Mode,
		Window: window,
	}
	if spec.Kind == aggregatedomain.KindPercentile {
		result.Mode = aggregatedomain.ModeIncremental
	}

	var err error
	switch {
	case spec.Kind == aggregatedomain.KindPercentile:
		err = s.fromReservoir(spec, &result)
	case spec.Incremental():
		err = s.fromBuckets(ctx, spec, window, &result)
	default:
		err = s.fromLedger(ctx, spec, window, &result)
	}
	if err != nil {
		return aggregatedomain.KPIResult{}, err
	}
	return result, nil
}

func (s *service) fromReservoir(spec aggregatedomain.KPISpec, result *aggregatedomain.KPIResult) error {
	reservoir := s.reservoirs.Get(spec.Name)
	value, ok := reservoir.Quantile(spec.Percentile)
	if !ok {
		return aggregatedomain.ErrNoSamples
	}
	result.Value = value
	result.Samples = int64(reservoir.Len())
	return nil
}

func (s *service) fromBuckets(ctx context.Context, spec aggregatedomain.KPISpec, window aggregatedomain.Window, result *aggregatedomain.KPIResult) error {
	// Bucket granularity: the window is widened to whole buckets.
	totals, err := s.buckets.SumBuckets(ctx, spec.Name, "", spec.BucketFor(window.From), window.To)
	if err != nil {
		return fmt.Errorf("%w: %v", eventdomain.ErrStoreUnavailable, err)
	}

	switch spec.Kind {
	case aggregatedomain.KindCount:
		result.Value = float64(totals.Count)
		result.Samples = totals.Count
	case aggregatedomain.KindSum:
		result.Value = totals.Sum
		result.Samples = totals.Count
	case aggregatedomain.KindRatio:
		if totals.Sum == 0 {
			return aggregatedomain.ErrNoSamples
		}
		result.Value = float64(totals.Count) / totals.Sum
		result.Samples = totals.Count + int64(totals.Sum)
	}
	return nil
}

func (s *service) fromLedger(ctx context.Context, spec aggregatedomain.KPISpec, window aggregatedomain.Window, result *aggregatedomain.KPIResult) error {
	switch spec.Kind {
	case aggregatedomain.KindCount:
		count, err := s.countEvents(ctx, spec.App, spec.EventName, window)
		if err != nil {
			return err
		}
		result.Value = float64(count)
		result.Samples = count

	case aggregatedomain.KindSum:
		sum, samples, err := s.sumProperty(ctx, spec, window)
		if err != nil {
			return err
		}
		result.Value = sum
		result.Samples = samples

	case aggregatedomain.KindRatio:
		numerator, err := s.countEvents(ctx, spec.App, spec.EventName, window)
		if err != nil {
			return err
		}
		denominator, err := s.countEvents(ctx, spec.App, spec.DenominatorEvent, window)
		if err != nil {
			return err
		}
		if denominator == 0 {
			return aggregatedomain.ErrNoSamples
		}
		result.Value = float64(numerator) / float64(denominator)
		result.Samples = numerator + denominator
	}
	return nil
}

func (s *service) countEvents(ctx context.Context, app, eventName string, window aggregatedomain.Window) (int64, error) {
	count, err := s.events.Count(ctx, eventdomain.PageFilter{
		App:       app,
		EventName: eventName,
		From:      window.From,
		To:        window.To,
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", eventdomain.ErrStoreUnavailable, err)
	}
	return count, nil
}

// sumProperty scans the window page by page and folds the numeric property in
// process, which keeps the computation identical across SQL dialects.
func (s *service) sumProperty(ctx context.Context, spec aggregatedomain.KPISpec, window aggregatedomain.Window) (sum float64, samples int64, err error) {
	const pageSize = 1000

	filter := eventdomain.PageFilter{
		App:       spec.App,
		EventName: spec.EventName,
		From:      window.From,
		To:        window.To,
		Limit:     pageSize,
	}
	for {
		page, err := s.events.FindPage(ctx, filter)
		if err != nil {
			return 0, 0, fmt.Errorf("%w: %v", eventdomain.ErrStoreUnavailable, err)
		}
		more := len(page) > pageSize
		if more {
			page = page[:pageSize]
		}
		for _, event := range page {
			if v, ok := numericProperty(event.Properties, spec.Property); ok {
				sum += v
				samples++
			}
		}
		if !more {
			return sum, samples, nil
		}
		last := page[len(page)-1]
		filter.AfterAt = last.CreatedAt
		filter.AfterID = last.ID
	}
}

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
