package worker

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type workerMetrics struct {
	completed    metric.Int64Counter
	retried      metric.Int64Counter
	deadLettered metric.Int64Counter
	cycleLatency metric.Float64Histogram
	batchSize    metric.Int64Gauge
}

func newWorkerMetrics(provider metric.MeterProvider) (workerMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter("eventbus.worker")

	var (
		metrics workerMetrics
		err     error
	)

	metrics.completed, err = meter.Int64Counter(
		"eventbus.records.completed",
		metric.WithDescription("Number of outbox records delivered to every handler"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return workerMetrics{}, fmt.Errorf("create eventbus.records.completed counter: %w", err)
	}

	metrics.retried, err = meter.Int64Counter(
		"eventbus.records.retried",
		metric.WithDescription("Number of failed attempts rescheduled for retry"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return workerMetrics{}, fmt.Errorf("create eventbus.records.retried counter: %w", err)
	}

	metrics.deadLettered, err = meter.Int64Counter(
		"eventbus.records.dead_lettered",
		metric.WithDescription("Number of outbox records moved to the dead-letter store"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return workerMetrics{}, fmt.Errorf("create eventbus.records.dead_lettered counter: %w", err)
	}

	metrics.cycleLatency, err = meter.Float64Histogram(
		"eventbus.cycle.latency",
		metric.WithDescription("Time taken per worker cycle"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return workerMetrics{}, fmt.Errorf("create eventbus.cycle.latency histogram: %w", err)
	}

	metrics.batchSize, err = meter.Int64Gauge(
		"eventbus.batch.size",
		metric.WithDescription("Number of records claimed in the last cycle"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return workerMetrics{}, fmt.Errorf("create eventbus.batch.size gauge: %w", err)
	}

	return metrics, nil
}
