package sweeper

import (
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds sweep-related OpenTelemetry metric instruments.
type Metrics struct {
	runsTotal        metric.Int64Counter
	runDuration      metric.Float64Histogram
	expiredDeleted   metric.Int64Counter
	evicted          metric.Int64Counter
	errorsTotal      metric.Int64Counter
	lastRunTimestamp metric.Float64Gauge
	lastRunSuccess   metric.Float64Gauge
}

// NewMetrics creates a new Metrics instance with the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	runsTotal, err := meter.Int64Counter(
		"dictionary_cache_sweep_runs_total",
		metric.WithDescription("Total number of sweep runs"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	runDuration, err := meter.Float64Histogram(
		"dictionary_cache_sweep_duration_seconds",
		metric.WithDescription("Sweep duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30),
	)
	if err != nil {
		return nil, err
	}

	expiredDeleted, err := meter.Int64Counter(
		"dictionary_cache_sweep_expired_deleted_total",
		metric.WithDescription("Total number of expired dictionary records deleted"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, err
	}

	evicted, err := meter.Int64Counter(
		"dictionary_cache_sweep_evicted_total",
		metric.WithDescription("Total number of dictionary records evicted by budget"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, err
	}

	errorsTotal, err := meter.Int64Counter(
		"dictionary_cache_sweep_errors_total",
		metric.WithDescription("Total number of sweep errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	lastRunTimestamp, err := meter.Float64Gauge(
		"dictionary_cache_sweep_last_run_timestamp_seconds",
		metric.WithDescription("Unix timestamp of last sweep"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	lastRunSuccess, err := meter.Float64Gauge(
		"dictionary_cache_sweep_last_run_success",
		metric.WithDescription("Whether last sweep was successful (1=success, 0=failure)"),
		metric.WithUnit("{status}"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		runsTotal:        runsTotal,
		runDuration:      runDuration,
		expiredDeleted:   expiredDeleted,
		evicted:          evicted,
		errorsTotal:      errorsTotal,
		lastRunTimestamp: lastRunTimestamp,
		lastRunSuccess:   lastRunSuccess,
	}, nil
}
