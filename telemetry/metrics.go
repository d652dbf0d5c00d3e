package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/wolfeidau/dictionary-cache"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	requestsTotal           metric.Int64Counter
	responseBytesTotal      metric.Int64Counter
	requestDuration         metric.Float64Histogram
	requestsByEndpointTotal metric.Int64Counter

	registrationsTotal  metric.Int64Counter
	evictedRecordsTotal metric.Int64Counter
	storeTotalSizeBytes metric.Int64Gauge
	storeRecordCount    metric.Int64Gauge

	writerSessionsTotal    metric.Int64Counter
	writerFanoutConsumers  metric.Float64Histogram
	cacheWriteFailuresT    metric.Int64Counter
	checksumMismatchesT    metric.Int64Counter
	entryTruncationsTotal  metric.Int64Counter
	networkReadBytesTotal  metric.Int64Counter
	upstreamFetchDuration  metric.Float64Histogram
	upstreamFetchTotal     metric.Int64Counter
	upstreamFetchBytesT    metric.Int64Counter

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "dictionary-cache"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(), // Use WithTLSCredentials for production
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// If no exporters configured, use a no-op periodic reader to still collect metrics
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	meter := mp.Meter(meterName)

	requestsTotal, err := meter.Int64Counter(
		"dictionary_cache_http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	responseBytesTotal, err := meter.Int64Counter(
		"dictionary_cache_http_response_bytes_total",
		metric.WithDescription("Total bytes sent in HTTP responses"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	requestDuration, err := meter.Float64Histogram(
		"dictionary_cache_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return err
	}

	requestsByEndpointTotal, err := meter.Int64Counter(
		"dictionary_cache_http_requests_by_endpoint_total",
		metric.WithDescription("Total number of HTTP requests by endpoint (detail metric)"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	registrationsTotal, err := meter.Int64Counter(
		"dictionary_cache_registrations_total",
		metric.WithDescription("Total number of dictionary registrations"),
		metric.WithUnit("{registration}"),
	)
	if err != nil {
		return err
	}

	evictedRecordsTotal, err := meter.Int64Counter(
		"dictionary_cache_evicted_records_total",
		metric.WithDescription("Total number of dictionary records removed, by cause"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return err
	}

	storeTotalSizeBytes, err := meter.Int64Gauge(
		"dictionary_cache_store_total_size_bytes",
		metric.WithDescription("Current running total of stored dictionary bytes"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	storeRecordCount, err := meter.Int64Gauge(
		"dictionary_cache_store_record_count",
		metric.WithDescription("Current number of stored dictionary records"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return err
	}

	writerSessionsTotal, err := meter.Int64Counter(
		"dictionary_cache_writer_sessions_total",
		metric.WithDescription("Total number of completed writer sessions, by outcome"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return err
	}

	writerFanoutConsumers, err := meter.Float64Histogram(
		"dictionary_cache_writer_fanout_consumers",
		metric.WithDescription("Consumers served per shared network read cycle"),
		metric.WithUnit("{consumer}"),
		metric.WithExplicitBucketBoundaries(1, 2, 3, 5, 8, 13, 21),
	)
	if err != nil {
		return err
	}

	cacheWriteFailures, err := meter.Int64Counter(
		"dictionary_cache_writer_cache_write_failures_total",
		metric.WithDescription("Total cache write failures that downgraded a session to network-read-only"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return err
	}

	checksumMismatches, err := meter.Int64Counter(
		"dictionary_cache_writer_checksum_mismatches_total",
		metric.WithDescription("Total response bodies whose checksum failed verification"),
		metric.WithUnit("{mismatch}"),
	)
	if err != nil {
		return err
	}

	entryTruncationsTotal, err := meter.Int64Counter(
		"dictionary_cache_writer_entry_truncations_total",
		metric.WithDescription("Total entries truncated for later resumption"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return err
	}

	networkReadBytesTotal, err := meter.Int64Counter(
		"dictionary_cache_writer_network_read_bytes_total",
		metric.WithDescription("Total bytes read from shared network transactions"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	upstreamFetchDuration, err := meter.Float64Histogram(
		"dictionary_cache_upstream_fetch_duration_seconds",
		metric.WithDescription("Duration of upstream dictionary fetch requests"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60),
	)
	if err != nil {
		return err
	}

	upstreamFetchTotal, err := meter.Int64Counter(
		"dictionary_cache_upstream_fetch_total",
		metric.WithDescription("Total number of upstream dictionary fetch requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	upstreamFetchBytesTotal, err := meter.Int64Counter(
		"dictionary_cache_upstream_fetch_bytes_total",
		metric.WithDescription("Total bytes fetched from upstream origins"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	globalMetrics = &Metrics{
		requestsTotal:           requestsTotal,
		responseBytesTotal:      responseBytesTotal,
		requestDuration:         requestDuration,
		requestsByEndpointTotal: requestsByEndpointTotal,
		registrationsTotal:      registrationsTotal,
		evictedRecordsTotal:     evictedRecordsTotal,
		storeTotalSizeBytes:     storeTotalSizeBytes,
		storeRecordCount:        storeRecordCount,
		writerSessionsTotal:     writerSessionsTotal,
		writerFanoutConsumers:   writerFanoutConsumers,
		cacheWriteFailuresT:     cacheWriteFailures,
		checksumMismatchesT:     checksumMismatches,
		entryTruncationsTotal:   entryTruncationsTotal,
		networkReadBytesTotal:   networkReadBytesTotal,
		upstreamFetchDuration:   upstreamFetchDuration,
		upstreamFetchTotal:      upstreamFetchTotal,
		upstreamFetchBytesT:     upstreamFetchBytesTotal,
		meterProvider:           mp,
		promHandler:             promHandler,
	}

	return nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordHTTP records HTTP request metrics.
// Call this from the logging middleware after the request completes.
// Operation and outcome are read from request tags set by middleware and handlers.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	tags := GetTags(r)

	operation := "unknown"
	outcome := string(OutcomeNA)
	endpoint := ""
	if tags != nil {
		if tags.Operation != "" {
			operation = tags.Operation
		}
		if tags.Outcome != "" {
			outcome = string(tags.Outcome)
		}
		endpoint = tags.Endpoint
	}

	statusClass := StatusClass(status)

	// Shared metrics: low cardinality {operation, status_class, outcome}
	sharedAttrs := []attribute.KeyValue{
		attribute.String("operation", operation),
		attribute.String("status_class", statusClass),
		attribute.String("outcome", outcome),
	}
	globalMetrics.requestsTotal.Add(ctx, 1, metric.WithAttributes(sharedAttrs...))
	globalMetrics.responseBytesTotal.Add(ctx, bytesSent, metric.WithAttributes(sharedAttrs...))
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(sharedAttrs...))

	// Detail metric: higher cardinality, only when endpoint is set
	if endpoint != "" {
		detailAttrs := []attribute.KeyValue{
			attribute.String("operation", operation),
			attribute.String("endpoint", endpoint),
			attribute.String("status_class", statusClass),
			attribute.String("outcome", outcome),
		}
		globalMetrics.requestsByEndpointTotal.Add(ctx, 1, metric.WithAttributes(detailAttrs...))
	}
}

// RecordRegistration records one register operation and its outcome.
func RecordRegistration(ctx context.Context, outcome StoreOutcome, replaced bool) {
	if globalMetrics == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("outcome", string(outcome)),
		attribute.Bool("replaced", replaced),
	}
	globalMetrics.registrationsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordEvictions records removed dictionary records.
// cause is "per_site", "global", "expired" or "clear".
func RecordEvictions(ctx context.Context, cause string, count int) {
	if globalMetrics == nil || count == 0 {
		return
	}
	globalMetrics.evictedRecordsTotal.Add(ctx, int64(count),
		metric.WithAttributes(attribute.String("cause", cause)))
}

// RecordStoreTotals updates the store size and count gauges.
func RecordStoreTotals(ctx context.Context, totalSize, totalCount uint64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.storeTotalSizeBytes.Record(ctx, int64(totalSize))   //nolint:gosec // totals fit int64
	globalMetrics.storeRecordCount.Record(ctx, int64(totalCount))     //nolint:gosec // totals fit int64
}

// RecordWriterSession records a completed writer session.
// outcome is "complete", "network_error" or "abandoned".
func RecordWriterSession(ctx context.Context, outcome string, consumers int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.writerSessionsTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)))
	globalMetrics.writerFanoutConsumers.Record(ctx, float64(consumers))
}

// RecordCacheWriteFailure records a short or failed cache write.
func RecordCacheWriteFailure(ctx context.Context) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheWriteFailuresT.Add(ctx, 1)
}

// RecordChecksumMismatch records a body that failed checksum verification.
func RecordChecksumMismatch(ctx context.Context) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.checksumMismatchesT.Add(ctx, 1)
}

// RecordEntryTruncation records an entry kept truncated for resumption.
func RecordEntryTruncation(ctx context.Context) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.entryTruncationsTotal.Add(ctx, 1)
}

// RecordNetworkRead records bytes read from a shared network transaction.
func RecordNetworkRead(ctx context.Context, bytes int64) {
	if globalMetrics == nil || bytes <= 0 {
		return
	}
	globalMetrics.networkReadBytesTotal.Add(ctx, bytes)
}

// RecordUpstreamFetch records an upstream fetch request. When the
// context carries a top-frame site (see WithSiteContext), the fetch is
// attributed to it.
func RecordUpstreamFetch(ctx context.Context, source string, duration time.Duration, bytesRead int64, outcome string) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("source", source),
		attribute.String("outcome", outcome),
	}
	if site := SiteFromContext(ctx); site != "" {
		attrs = append(attrs, attribute.String("site", site))
	}
	globalMetrics.upstreamFetchDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	globalMetrics.upstreamFetchTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	if bytesRead > 0 {
		globalMetrics.upstreamFetchBytesT.Add(ctx, bytesRead, metric.WithAttributes(attrs...))
	}
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// StatusClass returns the HTTP status class (2xx, 3xx, 4xx, 5xx).
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
