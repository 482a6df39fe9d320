package telemetry

import (
	"cmp"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const meterName = "github.com/wolfeidau/offline-cache"

// MetricsConfig selects where metrics are exported. With neither an OTLP
// endpoint nor Prometheus enabled, metrics are recorded and dropped.
type MetricsConfig struct {
	ServiceName    string // defaults to "offline-cache"
	ServiceVersion string // the deployment version

	// OTLPEndpoint is a gRPC collector address such as "localhost:4317".
	OTLPEndpoint  string
	FlushInterval time.Duration // OTLP push interval, default 10s

	// EnablePrometheus serves the pull endpoint mounted at /_sw/metrics.
	EnablePrometheus bool
}

// Metrics holds the gateway's instruments.
type Metrics struct {
	requestsTotal      metric.Int64Counter
	responseBytesTotal metric.Int64Counter
	requestDuration    metric.Float64Histogram

	strategyResultsTotal metric.Int64Counter

	upstreamFetchDuration   metric.Float64Histogram
	upstreamFetchTotal      metric.Int64Counter
	upstreamFetchBytesTotal metric.Int64Counter

	partitionOpsTotal   metric.Int64Counter
	partitionOpDuration metric.Float64Histogram
	partitionsDeleted   metric.Int64Counter

	backendRequestDuration metric.Float64Histogram
	backendRequestsTotal   metric.Int64Counter
	backendBytesTotal      metric.Int64Counter

	syncReplaysTotal    metric.Int64Counter
	notificationsTotal  metric.Int64Counter
	lifecycleTransition metric.Int64Counter

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

// globalMetrics is nil until InitMetrics succeeds, and every Record function
// is a no-op while it is nil.
var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics sets up the meter provider once per process and returns its
// shutdown function, which flushes pending exports.
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
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cmp.Or(cfg.ServiceName, "offline-cache")),
		semconv.ServiceVersion(cfg.ServiceVersion),
	))
	if err != nil {
		return fmt.Errorf("building metrics resource: %w", err)
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	var promHandler http.Handler

	if cfg.OTLPEndpoint != "" {
		exp, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return fmt.Errorf("creating OTLP exporter: %w", err)
		}
		interval := cmp.Or(cfg.FlushInterval, 10*time.Second)
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(interval))))
	}

	if cfg.EnablePrometheus {
		exp, err := promexporter.New()
		if err != nil {
			return fmt.Errorf("creating Prometheus exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(exp))
		promHandler = promhttp.Handler()
	}

	if len(opts) == 1 {
		// Instruments still need a reader when nothing is exported.
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewManualReader()))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	m, err := newInstruments(mp.Meter(meterName))
	if err != nil {
		return err
	}
	m.meterProvider = mp
	m.promHandler = promHandler
	globalMetrics = m
	return nil
}

// Bucket boundaries, in seconds.
var (
	httpBuckets      = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	originBuckets    = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}
	partitionBuckets = []float64{0.0001, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}
	backendBuckets   = []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}
)

// instrumentBuilder creates instruments on one meter and keeps the first error.
type instrumentBuilder struct {
	meter metric.Meter
	err   error
}

func (b *instrumentBuilder) counter(name, unit, desc string) metric.Int64Counter {
	c, err := b.meter.Int64Counter("offline_cache_"+name, metric.WithUnit(unit), metric.WithDescription(desc))
	if err != nil && b.err == nil {
		b.err = fmt.Errorf("creating %s: %w", name, err)
	}
	return c
}

func (b *instrumentBuilder) seconds(name, desc string, buckets []float64) metric.Float64Histogram {
	h, err := b.meter.Float64Histogram("offline_cache_"+name,
		metric.WithUnit("s"),
		metric.WithDescription(desc),
		metric.WithExplicitBucketBoundaries(buckets...),
	)
	if err != nil && b.err == nil {
		b.err = fmt.Errorf("creating %s: %w", name, err)
	}
	return h
}

// newInstruments creates every instrument on meter.
func newInstruments(meter metric.Meter) (*Metrics, error) {
	b := &instrumentBuilder{meter: meter}
	m := &Metrics{
		requestsTotal:      b.counter("http_requests_total", "{request}", "Requests served, by class, status class and cache result"),
		responseBytesTotal: b.counter("http_response_bytes_total", "By", "Response bytes written to client pages"),
		requestDuration:    b.seconds("http_request_duration_seconds", "Time to serve a request", httpBuckets),

		strategyResultsTotal: b.counter("strategy_results_total", "{response}", "Responses produced by each caching strategy, by source"),

		upstreamFetchDuration:   b.seconds("upstream_fetch_duration_seconds", "Origin round trip including the body transfer", originBuckets),
		upstreamFetchTotal:      b.counter("upstream_fetch_total", "{request}", "Origin round trips by outcome"),
		upstreamFetchBytesTotal: b.counter("upstream_fetch_bytes_total", "By", "Body bytes read from the origin"),

		partitionOpsTotal:   b.counter("partition_ops_total", "{op}", "Cache partition operations by outcome"),
		partitionOpDuration: b.seconds("partition_op_duration_seconds", "Duration of cache partition operations", partitionBuckets),
		partitionsDeleted:   b.counter("partitions_deleted_total", "{partition}", "Stale partitions deleted during activation"),

		backendRequestDuration: b.seconds("backend_request_duration_seconds", "Duration of outbox storage operations", backendBuckets),
		backendRequestsTotal:   b.counter("backend_requests_total", "{request}", "Outbox storage operations by outcome"),
		backendBytesTotal:      b.counter("backend_bytes_total", "By", "Bytes moved by outbox storage operations"),

		syncReplaysTotal:    b.counter("sync_replays_total", "{operation}", "Deferred write replays by outcome"),
		notificationsTotal:  b.counter("notifications_total", "{event}", "Notification relay events"),
		lifecycleTransition: b.counter("lifecycle_transitions_total", "{transition}", "Worker lifecycle state transitions"),
	}
	if b.err != nil {
		return nil, b.err
	}
	return m, nil
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

// labels turns alternating key/value strings into a measurement option.
func labels(kv ...string) metric.MeasurementOption {
	attrs := make([]attribute.KeyValue, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		attrs = append(attrs, attribute.String(kv[i], kv[i+1]))
	}
	return metric.WithAttributes(attrs...)
}

// RecordHTTP records a completed request. Class and cache result come from
// the request tags; an untagged request counts as class "unknown".
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	m := globalMetrics
	if m == nil {
		return
	}

	tags := RequestTags{Class: "unknown", CacheResult: CacheBypass}
	if t := GetTags(r); t != nil {
		tags.Class = cmp.Or(t.Class, tags.Class)
		tags.CacheResult = cmp.Or(t.CacheResult, tags.CacheResult)
	}

	opt := labels(
		"class", tags.Class,
		"status_class", StatusClass(status),
		"cache_result", string(tags.CacheResult),
	)
	m.requestsTotal.Add(ctx, 1, opt)
	m.responseBytesTotal.Add(ctx, bytesSent, opt)
	m.requestDuration.Record(ctx, duration.Seconds(), opt)
}

// RecordStrategyResult counts a strategy answer. strategy is "network-first",
// "cache-first" or "passthrough"; source is "network", "cache" or "synthetic".
func RecordStrategyResult(ctx context.Context, strategy, source string) {
	if m := globalMetrics; m != nil {
		m.strategyResultsTotal.Add(ctx, 1, labels("strategy", strategy, "source", source))
	}
}

// RecordUpstreamFetch records one origin round trip. Zero bytes are not
// added to the bytes counter.
func RecordUpstreamFetch(ctx context.Context, target string, duration time.Duration, bytesRead int64, outcome string) {
	m := globalMetrics
	if m == nil {
		return
	}
	opt := labels("target", target, "outcome", outcome)
	m.upstreamFetchTotal.Add(ctx, 1, opt)
	m.upstreamFetchDuration.Record(ctx, duration.Seconds(), opt)
	if bytesRead > 0 {
		m.upstreamFetchBytesTotal.Add(ctx, bytesRead, opt)
	}
}

// RecordPartitionOp records a cache partition operation.
func RecordPartitionOp(ctx context.Context, op, outcome string, duration time.Duration) {
	m := globalMetrics
	if m == nil {
		return
	}
	opt := labels("op", op, "outcome", outcome)
	m.partitionOpsTotal.Add(ctx, 1, opt)
	m.partitionOpDuration.Record(ctx, duration.Seconds(), opt)
}

// RecordPartitionsDeleted counts partitions removed by activation.
func RecordPartitionsDeleted(ctx context.Context, n int) {
	if m := globalMetrics; m != nil && n > 0 {
		m.partitionsDeleted.Add(ctx, int64(n))
	}
}

// RecordBackendOp records an outbox storage operation.
func RecordBackendOp(ctx context.Context, backend, op, outcome string, duration time.Duration, bytes int64) {
	m := globalMetrics
	if m == nil {
		return
	}
	opt := labels("backend", backend, "op", op, "outcome", outcome)
	m.backendRequestsTotal.Add(ctx, 1, opt)
	m.backendRequestDuration.Record(ctx, duration.Seconds(), opt)
	if bytes > 0 {
		m.backendBytesTotal.Add(ctx, bytes, opt)
	}
}

// RecordSyncReplay counts one deferred write replay. outcome is "replayed"
// or "failed".
func RecordSyncReplay(ctx context.Context, tag, outcome string) {
	if m := globalMetrics; m != nil {
		m.syncReplaysTotal.Add(ctx, 1, labels("tag", tag, "outcome", outcome))
	}
}

// RecordNotification counts a relay event: "shown", "ignored", "clicked" or
// "opened".
func RecordNotification(ctx context.Context, event string) {
	if m := globalMetrics; m != nil {
		m.notificationsTotal.Add(ctx, 1, labels("event", event))
	}
}

// RecordLifecycleTransition counts a worker entering state.
func RecordLifecycleTransition(ctx context.Context, state string) {
	if m := globalMetrics; m != nil {
		m.lifecycleTransition.Add(ctx, 1, labels("state", state))
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

// StatusClass returns "2xx" through "5xx", or "unknown" outside that range.
func StatusClass(status int) string {
	if status < 200 || status > 599 {
		return "unknown"
	}
	return strconv.Itoa(status/100) + "xx"
}
