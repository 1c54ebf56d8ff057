package bus

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type busMetrics struct {
	emitted       metric.Int64Counter
	queryTimeouts metric.Int64Counter
}

func newBusMetrics(provider metric.MeterProvider) (busMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter("eventbus.bus")

	var (
		metrics busMetrics
		err     error
	)

	metrics.emitted, err = meter.Int64Counter(
		"eventbus.events.emitted",
		metric.WithDescription("Number of events accepted by Emit"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return busMetrics{}, fmt.Errorf("create eventbus.events.emitted counter: %w", err)
	}

	metrics.queryTimeouts, err = meter.Int64Counter(
		"eventbus.queries.timed_out",
		metric.WithDescription("Number of queries that received no reply in time"),
		metric.WithUnit("{query}"),
	)
	if err != nil {
		return busMetrics{}, fmt.Errorf("create eventbus.queries.timed_out counter: %w", err)
	}

	return metrics, nil
}
