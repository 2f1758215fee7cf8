// Package observe provides application-wide observability primitives for
// toolgate: OpenTelemetry metrics, tracing, and the Prometheus exporter
// bridge that serves them on /metrics.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A package-level
// default [Metrics] instance ([DefaultMetrics]) is provided for convenience;
// tests should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all toolgate metrics.
const meterName = "github.com/MrWong99/toolgate"

// Metrics holds all OpenTelemetry metric instruments for the broker.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// DispatchDuration tracks tool execution latency from admission to
	// terminal state.
	DispatchDuration metric.Float64Histogram

	// AdmissionWait tracks time spent acquiring the semaphore tree.
	AdmissionWait metric.Float64Histogram

	// Calls counts terminal calls. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...), attribute.String("provider", ...)
	Calls metric.Int64Counter

	// Coalesced counts follower calls served from a leader's execution.
	Coalesced metric.Int64Counter

	// ProviderErrors counts provider invocation failures by provider name.
	ProviderErrors metric.Int64Counter

	// TelemetryDrops counts telemetry events discarded under queue overflow.
	TelemetryDrops metric.Int64Counter

	// ActiveSessions tracks the number of live client sessions.
	ActiveSessions metric.Int64UpDownCounter

	// InflightCalls tracks the number of admitted leader calls in flight.
	InflightCalls metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// LLM tool-call latencies.
var latencyBuckets = []float64{
	0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.DispatchDuration, err = m.Float64Histogram("toolgate.dispatch.duration",
		metric.WithDescription("Tool execution latency from admission to terminal state."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.AdmissionWait, err = m.Float64Histogram("toolgate.admission.wait",
		metric.WithDescription("Time spent acquiring the semaphore tree before execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.Calls, err = m.Int64Counter("toolgate.calls",
		metric.WithDescription("Terminal calls by tool, status, and provider."),
	); err != nil {
		return nil, err
	}
	if met.Coalesced, err = m.Int64Counter("toolgate.calls.coalesced",
		metric.WithDescription("Follower calls served from a coalesced leader execution."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("toolgate.provider.errors",
		metric.WithDescription("Provider invocation failures by provider name."),
	); err != nil {
		return nil, err
	}
	if met.TelemetryDrops, err = m.Int64Counter("toolgate.telemetry.drops",
		metric.WithDescription("Telemetry events discarded under queue overflow."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("toolgate.active_sessions",
		metric.WithDescription("Number of live client sessions."),
	); err != nil {
		return nil, err
	}
	if met.InflightCalls, err = m.Int64UpDownCounter("toolgate.inflight_calls",
		metric.WithDescription("Number of admitted leader calls in flight."),
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

// RecordCall records a terminal call with the standard attribute set.
// provider may be empty for provider-agnostic calls.
func (m *Metrics) RecordCall(ctx context.Context, tool, status, provider string) {
	attrs := []attribute.KeyValue{
		attribute.String("tool", tool),
		attribute.String("status", status),
	}
	if provider != "" {
		attrs = append(attrs, attribute.String("provider", provider))
	}
	m.Calls.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordCoalesced records a follower joining a leader execution.
func (m *Metrics) RecordCoalesced(ctx context.Context, tool string) {
	m.Coalesced.Add(ctx, 1, metric.WithAttributes(attribute.String("tool", tool)))
}

// RecordProviderError records a provider invocation failure.
func (m *Metrics) RecordProviderError(ctx context.Context, provider string) {
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
}
