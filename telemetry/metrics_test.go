package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupTestMetrics points globalMetrics at instruments read by a
// ManualReader and restores the nil state when the test ends.
func setupTestMetrics(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := newInstruments(mp.Meter(meterName))
	require.NoError(t, err)
	m.meterProvider = mp
	globalMetrics = m

	t.Cleanup(func() {
		_ = mp.Shutdown(context.Background())
		globalMetrics = nil
	})
	return reader
}

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) (metricdata.Metrics, bool) {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				return m, true
			}
		}
	}
	return metricdata.Metrics{}, false
}

func findCounter(rm metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	m, _ := findMetric(rm, name)
	sum, _ := m.Data.(metricdata.Sum[int64])
	return sum.DataPoints
}

func findHistogram(rm metricdata.ResourceMetrics, name string) []metricdata.HistogramDataPoint[float64] {
	m, _ := findMetric(rm, name)
	hist, _ := m.Data.(metricdata.Histogram[float64])
	return hist.DataPoints
}

func hasAttr(attrs attribute.Set, key, value string) bool {
	v, ok := attrs.Value(attribute.Key(key))
	return ok && v.AsString() == value
}

func TestNewInstruments_Names(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordPartitionOp(ctx, "put", "success", time.Millisecond)
	RecordBackendOp(ctx, "outbox", "write", "success", time.Millisecond, 10)
	RecordLifecycleTransition(ctx, "active")

	rm := collectMetrics(t, reader)
	for _, name := range []string{
		"offline_cache_partition_ops_total",
		"offline_cache_partition_op_duration_seconds",
		"offline_cache_backend_requests_total",
		"offline_cache_backend_request_duration_seconds",
		"offline_cache_backend_bytes_total",
		"offline_cache_lifecycle_transitions_total",
	} {
		_, ok := findMetric(rm, name)
		assert.True(t, ok, name)
	}
}

func TestRecordHTTP(t *testing.T) {
	reader := setupTestMetrics(t)

	r := InjectTags(httptest.NewRequest(http.MethodGet, "/api/products", nil))
	SetClass(r, "cacheable-api")
	SetCacheResult(r, CacheFallback)

	RecordHTTP(context.Background(), r, http.StatusOK, 1024, 50*time.Millisecond)

	rm := collectMetrics(t, reader)
	dps := findCounter(rm, "offline_cache_http_requests_total")
	require.Len(t, dps, 1)
	assert.EqualValues(t, 1, dps[0].Value)
	assert.True(t, hasAttr(dps[0].Attributes, "class", "cacheable-api"))
	assert.True(t, hasAttr(dps[0].Attributes, "status_class", "2xx"))
	assert.True(t, hasAttr(dps[0].Attributes, "cache_result", "fallback"))

	bytesDps := findCounter(rm, "offline_cache_http_response_bytes_total")
	require.Len(t, bytesDps, 1)
	assert.EqualValues(t, 1024, bytesDps[0].Value)

	hist := findHistogram(rm, "offline_cache_http_request_duration_seconds")
	require.Len(t, hist, 1)
	assert.Equal(t, uint64(1), hist[0].Count)
}

func TestRecordHTTP_UntaggedRequest(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordHTTP(context.Background(), httptest.NewRequest(http.MethodGet, "/unknown", nil),
		http.StatusServiceUnavailable, 0, time.Millisecond)

	dps := findCounter(collectMetrics(t, reader), "offline_cache_http_requests_total")
	require.Len(t, dps, 1)
	assert.True(t, hasAttr(dps[0].Attributes, "class", "unknown"))
	assert.True(t, hasAttr(dps[0].Attributes, "cache_result", "bypass"))
	assert.True(t, hasAttr(dps[0].Attributes, "status_class", "5xx"))
}

func TestRecord_NoopBeforeInit(t *testing.T) {
	globalMetrics = nil
	ctx := context.Background()

	assert.NotPanics(t, func() {
		RecordHTTP(ctx, httptest.NewRequest(http.MethodGet, "/", nil), http.StatusOK, 0, time.Millisecond)
		RecordStrategyResult(ctx, "cache-first", "cache")
		RecordUpstreamFetch(ctx, "origin", time.Millisecond, 1, OutcomeSuccess)
		RecordPartitionOp(ctx, "match", "miss", time.Millisecond)
		RecordPartitionsDeleted(ctx, 2)
		RecordBackendOp(ctx, "outbox", "read", "success", time.Millisecond, 1)
		RecordSyncReplay(ctx, "cart-sync", "failed")
		RecordNotification(ctx, "shown")
		RecordLifecycleTransition(ctx, "installing")
	})
}

func TestRecordStrategyResult(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordStrategyResult(ctx, "network-first", "cache")
	RecordStrategyResult(ctx, "network-first", "cache")
	RecordStrategyResult(ctx, "cache-first", "network")

	counts := map[string]int64{}
	for _, dp := range findCounter(collectMetrics(t, reader), "offline_cache_strategy_results_total") {
		s, _ := dp.Attributes.Value("strategy")
		src, _ := dp.Attributes.Value("source")
		counts[s.AsString()+"/"+src.AsString()] = dp.Value
	}
	assert.Equal(t, map[string]int64{"network-first/cache": 2, "cache-first/network": 1}, counts)
}

func TestRecordSyncReplayAndNotifications(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordSyncReplay(ctx, "cart-sync", "replayed")
	RecordSyncReplay(ctx, "cart-sync", "failed")
	RecordNotification(ctx, "shown")
	RecordPartitionsDeleted(ctx, 3)
	RecordPartitionsDeleted(ctx, 0)

	rm := collectMetrics(t, reader)
	assert.Len(t, findCounter(rm, "offline_cache_sync_replays_total"), 2)

	notes := findCounter(rm, "offline_cache_notifications_total")
	require.Len(t, notes, 1)
	assert.True(t, hasAttr(notes[0].Attributes, "event", "shown"))

	deleted := findCounter(rm, "offline_cache_partitions_deleted_total")
	require.Len(t, deleted, 1)
	assert.EqualValues(t, 3, deleted[0].Value)
}

func TestStatusClass(t *testing.T) {
	for status, want := range map[int]string{
		200: "2xx", 204: "2xx", 304: "3xx", 404: "4xx", 503: "5xx",
		0: "unknown", 101: "unknown", 600: "unknown",
	} {
		assert.Equal(t, want, StatusClass(status), status)
	}
}

func TestPrometheusHandler_NotEnabled(t *testing.T) {
	globalMetrics = nil

	w := httptest.NewRecorder()
	PrometheusHandler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/_sw/metrics", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
