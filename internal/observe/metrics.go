// Package observe provides application-wide observability primitives for
// avatarvoice: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all avatarvoice metrics.
const meterName = "github.com/MrWong99/avatarvoice"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Orchestration call latency ---

	// STTDuration tracks end-to-end Transcribe latency, cache included. Use
	// with attribute.String("status", ...).
	STTDuration metric.Float64Histogram

	// TTSDuration tracks end-to-end Synthesize latency, cache included.
	TTSDuration metric.Float64Histogram

	// --- Backend attempts ---

	// AttemptDuration tracks the latency of a single backend attempt. Use with
	// attributes backend, variant, outcome.
	AttemptDuration metric.Float64Histogram

	// Attempts counts backend attempts by backend, variant and outcome.
	Attempts metric.Int64Counter

	// HealthTransitions counts health state changes by backend, variant and
	// the new state.
	HealthTransitions metric.Int64Counter

	// --- Warmup ---

	// WarmupState reports the numeric warmup state per backend
	// (0 not started, 1 loading, 2 ready, 3 failed permanently).
	WarmupState metric.Int64Gauge

	// --- Result cache ---

	// CacheLookups counts cache lookups by capability and source
	// (hit, miss, shared).
	CacheLookups metric.Int64Counter

	// CacheEvictions counts entries dropped by the LRU policy.
	CacheEvictions metric.Int64Counter

	// CacheEntries tracks the number of entries currently cached.
	CacheEntries metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) tuned for
// conversational speech latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.STTDuration, err = m.Float64Histogram("avatarvoice.stt.duration",
		metric.WithDescription("Latency of speech-to-text orchestration calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("avatarvoice.tts.duration",
		metric.WithDescription("Latency of text-to-speech orchestration calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.AttemptDuration, err = m.Float64Histogram("avatarvoice.attempt.duration",
		metric.WithDescription("Latency of a single backend attempt."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Attempts, err = m.Int64Counter("avatarvoice.attempts",
		metric.WithDescription("Total backend attempts by backend, variant, and outcome."),
	); err != nil {
		return nil, err
	}
	if met.HealthTransitions, err = m.Int64Counter("avatarvoice.health.transitions",
		metric.WithDescription("Health state transitions by backend, variant, and state."),
	); err != nil {
		return nil, err
	}
	if met.CacheLookups, err = m.Int64Counter("avatarvoice.cache.lookups",
		metric.WithDescription("Result cache lookups by capability and source."),
	); err != nil {
		return nil, err
	}
	if met.CacheEvictions, err = m.Int64Counter("avatarvoice.cache.evictions",
		metric.WithDescription("Result cache entries evicted by the LRU policy."),
	); err != nil {
		return nil, err
	}

	// Gauges.
	if met.CacheEntries, err = m.Int64UpDownCounter("avatarvoice.cache.entries",
		metric.WithDescription("Number of entries held by the result cache."),
	); err != nil {
		return nil, err
	}
	if met.WarmupState, err = m.Int64Gauge("avatarvoice.warmup.state",
		metric.WithDescription("Warmup state per heavy backend (0 not started, 1 loading, 2 ready, 3 failed)."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("avatarvoice.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordAttempt records one backend attempt: the counter increment and the
// latency observation share the same attribute set.
func (m *Metrics) RecordAttempt(ctx context.Context, backend, variant, outcome string, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("variant", variant),
		attribute.String("outcome", outcome),
	)
	m.Attempts.Add(ctx, 1, attrs)
	m.AttemptDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordCall records the latency of a Synthesize or Transcribe call.
// capability is "stt" or "tts"; any other value is ignored.
func (m *Metrics) RecordCall(ctx context.Context, capability, status string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	switch capability {
	case "stt":
		m.STTDuration.Record(ctx, d.Seconds(), attrs)
	case "tts":
		m.TTSDuration.Record(ctx, d.Seconds(), attrs)
	}
}

// RecordHealthTransition counts a health state change.
func (m *Metrics) RecordHealthTransition(ctx context.Context, backend, variant, state string) {
	m.HealthTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("backend", backend),
			attribute.String("variant", variant),
			attribute.String("state", state),
		),
	)
}

// RecordWarmupState sets the warmup gauge for backend.
func (m *Metrics) RecordWarmupState(ctx context.Context, backend string, state int64) {
	m.WarmupState.Record(ctx, state,
		metric.WithAttributes(attribute.String("backend", backend)),
	)
}

// RecordCacheLookup counts a cache lookup by capability and source.
func (m *Metrics) RecordCacheLookup(ctx context.Context, capability, source string) {
	m.CacheLookups.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("capability", capability),
			attribute.String("source", source),
		),
	)
}
