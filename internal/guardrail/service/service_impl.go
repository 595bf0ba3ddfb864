// Package service evaluates the current guardrail snapshot against live KPI
// values.
package service

import (
	"context"
	"errors"

	aggregatedomain "github.com/beaconhq/beacon/internal/aggregate/domain"
	aggregateservice "github.com/beaconhq/beacon/internal/aggregate/service"
	"github.com/beaconhq/beacon/internal/clock"
	guardrailconfig "github.com/beaconhq/beacon/internal/guardrail/config"
	guardraildomain "github.com/beaconhq/beacon/internal/guardrail/domain"
	"github.com/beaconhq/beacon/internal/telemetry"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Service reports the evaluated state of the guardrail set.
type Service interface {
	Status(ctx context.Context) (guardraildomain.Report, error)
}

type ServiceParam struct {
	fx.In

	Log      *zap.Logger
	Provider *guardrailconfig.Provider
	KPIs     aggregateservice.Service
	Clock    clock.Clock
	Metrics  *telemetry.Metrics `optional:"true"`
}

type service struct {
	log      *zap.Logger
	provider *guardrailconfig.Provider
	kpis     aggregateservice.Service
	clock    clock.Clock
	metrics  *telemetry.Metrics
}

func NewService(p ServiceParam) Service {
	return &service{
		log:      p.Log.Named("guardrail.service"),
		provider: p.Provider,
		kpis:     p.KPIs,
		clock:    p.Clock,
		metrics:  p.Metrics,
	}
}

// Status computes each guardrail's KPI over its trailing window, then runs
// the pure evaluation against the current snapshot. A KPI that cannot be
// computed leaves its guardrail unvalued rather than failing the whole call.
func (s *service) Status(ctx context.Context) (guardraildomain.Report, error) {
	snapshot := s.provider.Snapshot()
	now := s.clock.Now().UTC()

	aggregates := make(map[string]float64, len(snapshot.Guardrail))
	for _, g := range snapshot.Guardrail {
		if _, done := aggregates[g.KPI]; done {
			continue
		}
		result, err := s.kpis.ComputeKPI(ctx, g.KPI, aggregatedomain.Window{
			From: now.Add(-g.Window),
			To:   now,
		})
		if err != nil {
			if errors.Is(err, aggregatedomain.ErrNoSamples) {
				// No events in the window reads as zero for additive KPIs;
				// a ratio or percentile without samples stays unvalued.
				if spec, ok := s.kpis.Catalog().Lookup(g.KPI); ok &&
					(spec.Kind == aggregatedomain.KindCount || spec.Kind == aggregatedomain.KindSum) {
					aggregates[g.KPI] = 0
				}
				continue
			}
			s.log.Warn("guardrail kpi unavailable",
				zap.String("guardrail", g.Name),
				zap.String("kpi", g.KPI),
				zap.Error(err),
			)
			continue
		}
		aggregates[g.KPI] = result.Value
	}

	report := guardraildomain.Evaluate(snapshot, aggregates)
	if s.metrics != nil {
		for _, breach := range report.Breaches {
			s.metrics.IncGuardrailBreach(breach.Guardrail.Name, string(report.Decision))
		}
	}
	return report, nil
}
