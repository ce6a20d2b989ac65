package monitor

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/meetbridge/internal/infra/telemetry"
)

// MetricsSink counts events per kind and provider.
type MetricsSink struct {
	events metric.Int64Counter
}

// NewMetricsSink registers the monitor.events counter on the global meter provider.
func NewMetricsSink() *MetricsSink {
	meter := otel.Meter("monitor")
	counter, _ := meter.Int64Counter("monitor.events",
		metric.WithDescription("Monitoring events by kind and provider"),
		metric.WithUnit("{event}"))
	return &MetricsSink{events: counter}
}

// Record implements Sink.
func (s *MetricsSink) Record(ctx context.Context, evt Event) {
	if s == nil || s.events == nil {
		return
	}
	s.events.Add(ctx, 1, metric.WithAttributes(
		telemetry.ProviderAttributes(string(evt.Provider), telemetry.AttrEventKind.String(string(evt.Kind)))...,
	))
}
