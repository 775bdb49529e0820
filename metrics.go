package outbox

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/oagudo/sqloutbox"

type processorMetrics struct {
	itemsPublished     metric.Int64Counter
	itemsFailed        metric.Int64Counter
	itemsFatallyFailed metric.Int64Counter
	cyclesSkipped      metric.Int64Counter
	cycleDuration      metric.Float64Histogram
}

func newProcessorMetrics(provider metric.MeterProvider) (processorMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter(instrumentationName)

	var (
		metrics processorMetrics
		err     error
	)

	metrics.itemsPublished, err = meter.Int64Counter(
		"outbox.items.published",
		metric.WithDescription("Number of outbox items successfully published"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		return processorMetrics{}, fmt.Errorf("create outbox.items.published counter: %w", err)
	}

	metrics.itemsFailed, err = meter.Int64Counter(
		"outbox.items.failed",
		metric.WithDescription("Number of failed publishing attempts"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		return processorMetrics{}, fmt.Errorf("create outbox.items.failed counter: %w", err)
	}

	metrics.itemsFatallyFailed, err = meter.Int64Counter(
		"outbox.items.fatally_failed",
		metric.WithDescription("Number of outbox items given up after their last attempt"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		return processorMetrics{}, fmt.Errorf("create outbox.items.fatally_failed counter: %w", err)
	}

	metrics.cyclesSkipped, err = meter.Int64Counter(
		"outbox.cycle.skipped",
		metric.WithDescription("Number of cycles skipped because another processor held the mutex"),
		metric.WithUnit("{cycle}"),
	)
	if err != nil {
		return processorMetrics{}, fmt.Errorf("create outbox.cycle.skipped counter: %w", err)
	}

	metrics.cycleDuration, err = meter.Float64Histogram(
		"outbox.cycle.duration",
		metric.WithDescription("Time taken per publishing cycle"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return processorMetrics{}, fmt.Errorf("create outbox.cycle.duration histogram: %w", err)
	}

	return metrics, nil
}
