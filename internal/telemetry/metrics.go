package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes application-level instruments.
type Metrics struct {
	eventsAppended    *prometheus.CounterVec
	ingestAccepted    *prometheus.CounterVec
	ingestDedup       *prometheus.CounterVec
	ingestRejected    *prometheus.CounterVec
	rateLimitDenied   *prometheus.CounterVec
	deliveryAttempts  *prometheus.CounterVec
	deliveryShortCirc *prometheus.CounterVec
	breakerState      *prometheus.GaugeVec
	aggregateApplied  *prometheus.CounterVec
	guardrailBreaches *prometheus.CounterVec
}

// NewMetrics registers the instruments on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		eventsAppended: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_events_appended_total",
			Help: "Business events committed to the ledger, labelled by app and event name.",
		}, []string{"app", "event_name"}),
		ingestAccepted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_ingest_accepted_total",
			Help: "Ingestion requests accepted, labelled by app.",
		}, []string{"app"}),
		ingestDedup: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_ingest_deduplicated_total",
			Help: "Ingestion requests answered from an idempotency reservation.",
		}, []string{"app"}),
		ingestRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_ingest_rejected_total",
			Help: "Ingestion requests rejected, labelled by reason code.",
		}, []string{"reason"}),
		rateLimitDenied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_rate_limit_denied_total",
			Help: "Ingestion requests denied by the per-app rate limiter.",
		}, []string{"app"}),
		deliveryAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_delivery_attempts_total",
			Help: "Delivery attempts, labelled by route and outcome.",
		}, []string{"route", "outcome"}),
		deliveryShortCirc: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_delivery_circuit_open_total",
			Help: "Delivery attempts short-circuited by an open breaker; no external call was made.",
		}, []string{"route"}),
		breakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "beacon_breaker_state",
			Help: "Circuit breaker state per dependency (0 closed, 1 half-open, 2 open).",
		}, []string{"dependency"}),
		aggregateApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_aggregate_events_applied_total",
			Help: "Events folded into incremental aggregates, labelled by KPI.",
		}, []string{"kpi"}),
		guardrailBreaches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_guardrail_breaches_total",
			Help: "Guardrail evaluations that returned block or rollback.",
		}, []string{"guardrail", "decision"}),
	}
}

func (m *Metrics) IncEventAppended(app, eventName string) {
	m.eventsAppended.WithLabelValues(app, eventName).Inc()
}

func (m *Metrics) IncIngestAccepted(app string) {
	m.ingestAccepted.WithLabelValues(app).Inc()
}

func (m *Metrics) IncIngestDeduplicated(app string) {
	m.ingestDedup.WithLabelValues(app).Inc()
}

func (m *Metrics) IncIngestRejected(reason string) {
	m.ingestRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncRateLimitDenied(app string) {
	m.rateLimitDenied.WithLabelValues(app).Inc()
}

func (m *Metrics) IncDeliveryAttempt(route, outcome string) {
	m.deliveryAttempts.WithLabelValues(route, outcome).Inc()
}

func (m *Metrics) IncCircuitOpen(route string) {
	m.deliveryShortCirc.WithLabelValues(route).Inc()
}

func (m *Metrics) SetBreakerState(dependency string, state float64) {
	m.breakerState.WithLabelValues(dependency).Set(state)
}

func (m *Metrics) IncAggregateApplied(kpi string) {
	m.aggregateApplied.WithLabelValues(kpi).Inc()
}

func (m *Metrics) IncGuardrailBreach(guardrail, decision string) {
	m.guardrailBreaches.WithLabelValues(guardrail, decision).Inc()
}
