package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupTestMetrics creates a Metrics instance backed by a ManualReader for testing.
// Returns the reader (to collect metrics) and a cleanup function.
func setupTestMetrics(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := mp.Meter(meterName)

	requestsTotal, err := meter.Int64Counter("dictionary_cache_http_requests_total")
	require.NoError(t, err)

	responseBytesTotal, err := meter.Int64Counter("dictionary_cache_http_response_bytes_total")
	require.NoError(t, err)

	requestDuration, err := meter.Float64Histogram("dictionary_cache_http_request_duration_seconds")
	require.NoError(t, err)

	requestsByEndpointTotal, err := meter.Int64Counter("dictionary_cache_http_requests_by_endpoint_total")
	require.NoError(t, err)

	registrationsTotal, err := meter.Int64Counter("dictionary_cache_registrations_total")
	require.NoError(t, err)

	evictedRecordsTotal, err := meter.Int64Counter("dictionary_cache_evicted_records_total")
	require.NoError(t, err)

	storeTotalSizeBytes, err := meter.Int64Gauge("dictionary_cache_store_total_size_bytes")
	require.NoError(t, err)

	storeRecordCount, err := meter.Int64Gauge("dictionary_cache_store_record_count")
	require.NoError(t, err)

	writerSessionsTotal, err := meter.Int64Counter("dictionary_cache_writer_sessions_total")
	require.NoError(t, err)

	writerFanoutConsumers, err := meter.Float64Histogram("dictionary_cache_writer_fanout_consumers")
	require.NoError(t, err)

	cacheWriteFailures, err := meter.Int64Counter("dictionary_cache_writer_cache_write_failures_total")
	require.NoError(t, err)

	checksumMismatches, err := meter.Int64Counter("dictionary_cache_writer_checksum_mismatches_total")
	require.NoError(t, err)

	entryTruncationsTotal, err := meter.Int64Counter("dictionary_cache_writer_entry_truncations_total")
	require.NoError(t, err)

	networkReadBytesTotal, err := meter.Int64Counter("dictionary_cache_writer_network_read_bytes_total")
	require.NoError(t, err)

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
		meterProvider:           mp,
	}

	t.Cleanup(func() {
		_ = mp.Shutdown(context.Background())
		globalMetrics = nil
	})

	return reader
}

// collectMetrics reads all metrics from the ManualReader.
func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

// findCounter finds a counter metric by name and returns its data points.
func findCounter(rm metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
					return sum.DataPoints
				}
			}
		}
	}
	return nil
}

// findGauge finds a gauge metric by name and returns its data points.
func findGauge(rm metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if g, ok := m.Data.(metricdata.Gauge[int64]); ok {
					return g.DataPoints
				}
			}
		}
	}
	return nil
}

// findHistogram finds a histogram metric by name and returns its data points.
func findHistogram(rm metricdata.ResourceMetrics, name string) []metricdata.HistogramDataPoint[float64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if hist, ok := m.Data.(metricdata.Histogram[float64]); ok {
					return hist.DataPoints
				}
			}
		}
	}
	return nil
}

// hasAttr checks if a data point's attribute set contains the given key-value pair.
func hasAttr(attrs attribute.Set, key, value string) bool {
	v, ok := attrs.Value(attribute.Key(key))
	return ok && v.AsString() == value
}

func TestRecordHTTP_SharedMetrics(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodPost, "/dictionaries", nil)
	r = InjectTags(r)
	SetOperation(r, "register")
	SetOutcome(r, OutcomeOK)

	RecordHTTP(context.Background(), r, http.StatusOK, 1024, 50*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "dictionary_cache_http_requests_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 1, dps[0].Value)
	require.True(t, hasAttr(dps[0].Attributes, "operation", "register"))
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "2xx"))
	require.True(t, hasAttr(dps[0].Attributes, "outcome", "ok"))

	bytesDps := findCounter(rm, "dictionary_cache_http_response_bytes_total")
	require.Len(t, bytesDps, 1)
	require.EqualValues(t, 1024, bytesDps[0].Value)

	histDps := findHistogram(rm, "dictionary_cache_http_request_duration_seconds")
	require.Len(t, histDps, 1)
	require.Equal(t, uint64(1), histDps[0].Count)
}

func TestRecordHTTP_DetailMetricWithEndpoint(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodGet, "/dictionaries", nil)
	r = InjectTags(r)
	SetOperation(r, "list")
	SetEndpoint(r, "dictionaries")

	RecordHTTP(context.Background(), r, http.StatusOK, 256, 10*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "dictionary_cache_http_requests_by_endpoint_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "operation", "list"))
	require.True(t, hasAttr(dps[0].Attributes, "endpoint", "dictionaries"))
}

func TestRecordHTTP_NoDetailMetricWithoutEndpoint(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	r = InjectTags(r)
	SetOperation(r, "health")

	RecordHTTP(context.Background(), r, http.StatusOK, 2, time.Millisecond)

	rm := collectMetrics(t, reader)

	require.Empty(t, findCounter(rm, "dictionary_cache_http_requests_by_endpoint_total"))
}

func TestRecordHTTP_DefaultsWhenNoTags(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodGet, "/untagged", nil)

	RecordHTTP(context.Background(), r, http.StatusNotFound, 0, time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "dictionary_cache_http_requests_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "operation", "unknown"))
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "4xx"))
	require.True(t, hasAttr(dps[0].Attributes, "outcome", "na"))
}

func TestRecordHTTP_NilGlobalMetrics(t *testing.T) {
	globalMetrics = nil

	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	// must not panic
	RecordHTTP(context.Background(), r, http.StatusOK, 0, time.Millisecond)
}

func TestRecordRegistration(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordRegistration(context.Background(), OutcomeOK, true)
	RecordRegistration(context.Background(), OutcomeRejected, false)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "dictionary_cache_registrations_total")
	require.Len(t, dps, 2)

	var okSeen, rejectedSeen bool
	for _, dp := range dps {
		if hasAttr(dp.Attributes, "outcome", "ok") {
			okSeen = true
			v, _ := dp.Attributes.Value(attribute.Key("replaced"))
			require.True(t, v.AsBool())
		}
		if hasAttr(dp.Attributes, "outcome", "rejected") {
			rejectedSeen = true
		}
	}
	require.True(t, okSeen)
	require.True(t, rejectedSeen)
}

func TestRecordEvictions(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordEvictions(context.Background(), "per_site", 3)
	RecordEvictions(context.Background(), "global", 0) // zero count is dropped

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "dictionary_cache_evicted_records_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 3, dps[0].Value)
	require.True(t, hasAttr(dps[0].Attributes, "cause", "per_site"))
}

func TestRecordStoreTotals(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordStoreTotals(context.Background(), 4096, 7)

	rm := collectMetrics(t, reader)

	sizeDps := findGauge(rm, "dictionary_cache_store_total_size_bytes")
	require.Len(t, sizeDps, 1)
	require.EqualValues(t, 4096, sizeDps[0].Value)

	countDps := findGauge(rm, "dictionary_cache_store_record_count")
	require.Len(t, countDps, 1)
	require.EqualValues(t, 7, countDps[0].Value)
}

func TestRecordWriterSession(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordWriterSession(context.Background(), "complete", 3)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "dictionary_cache_writer_sessions_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "outcome", "complete"))

	histDps := findHistogram(rm, "dictionary_cache_writer_fanout_consumers")
	require.Len(t, histDps, 1)
	require.Equal(t, uint64(1), histDps[0].Count)
	require.InDelta(t, 3, histDps[0].Sum, 0.001)
}

func TestRecordWriterEvents(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordCacheWriteFailure(context.Background())
	RecordChecksumMismatch(context.Background())
	RecordEntryTruncation(context.Background())
	RecordNetworkRead(context.Background(), 512)
	RecordNetworkRead(context.Background(), 0) // non-positive reads dropped

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "dictionary_cache_writer_cache_write_failures_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 1, dps[0].Value)

	dps = findCounter(rm, "dictionary_cache_writer_checksum_mismatches_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 1, dps[0].Value)

	dps = findCounter(rm, "dictionary_cache_writer_entry_truncations_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 1, dps[0].Value)

	dps = findCounter(rm, "dictionary_cache_writer_network_read_bytes_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 512, dps[0].Value)
}

func TestPrometheusHandler_NotConfigured(t *testing.T) {
	globalMetrics = nil

	rec := httptest.NewRecorder()
	PrometheusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusClass(t *testing.T) {
	require.Equal(t, "2xx", StatusClass(http.StatusOK))
	require.Equal(t, "3xx", StatusClass(http.StatusNotModified))
	require.Equal(t, "4xx", StatusClass(http.StatusNotFound))
	require.Equal(t, "5xx", StatusClass(http.StatusBadGateway))
	require.Equal(t, "unknown", StatusClass(0))
}
