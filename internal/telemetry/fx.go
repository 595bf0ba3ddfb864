package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
)

func newMetrics() *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer)
}

var Module = fx.Module("telemetry",
	fx.Provide(
		newMetrics,
		NewTracerProvider,
	),
	fx.Invoke(ensureTracerProvider),
)

func ensureTracerProvider(_ *sdktrace.TracerProvider) {}
