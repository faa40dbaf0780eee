// Package observe provides the observability primitives of the coaching
// service: OpenTelemetry metrics, tracing, trace-aware logging, and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exposed for
// scraping by the Prometheus exporter set up in [Init]. Tests should
// use [NewMetrics] with their own [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/MrWong99/moneycoach"

// Status attribute values shared by the counters.
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusDropped = "dropped"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// TurnDuration tracks end-to-end processing of one user message. Use with
	//   attribute.String("phase", ...), attribute.String("status", ...)
	TurnDuration metric.Float64Histogram

	// LLMDuration tracks generation backend latency. Use with
	//   attribute.String("purpose", ...) (reply, router, referee, summary)
	LLMDuration metric.Float64Histogram

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// ModeTransitions counts session mode changes. Use with attributes:
	//   attribute.String("from", ...), attribute.String("to", ...), attribute.String("reason", ...)
	ModeTransitions metric.Int64Counter

	// CollaboratorFallbacks counts router, referee and memory failures that
	// were recovered with a conservative default. Use with attributes:
	//   attribute.String("collaborator", ...), attribute.String("kind", ...)
	CollaboratorFallbacks metric.Int64Counter

	// MemoryWrites counts background memory writes by final status.
	MemoryWrites metric.Int64Counter

	// ActiveSessions tracks the number of live coaching sessions.
	ActiveSessions metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...), attribute.Int("status", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// chat completions, which are far slower than typical RPCs.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.TurnDuration, err = m.Float64Histogram("moneycoach.turn.duration",
		metric.WithDescription("Latency of processing one user message."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("moneycoach.llm.duration",
		metric.WithDescription("Latency of generation backend calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.ProviderRequests, err = m.Int64Counter("moneycoach.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("moneycoach.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.ModeTransitions, err = m.Int64Counter("moneycoach.mode.transitions",
		metric.WithDescription("Session mode changes by from, to, and reason."),
	); err != nil {
		return nil, err
	}
	if met.CollaboratorFallbacks, err = m.Int64Counter("moneycoach.collaborator.fallbacks",
		metric.WithDescription("Collaborator failures recovered with a default, by collaborator and kind."),
	); err != nil {
		return nil, err
	}
	if met.MemoryWrites, err = m.Int64Counter("moneycoach.memory.writes",
		metric.WithDescription("Background memory writes by status."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("moneycoach.active_sessions",
		metric.WithDescription("Number of live coaching sessions."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("moneycoach.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
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

// RecordProviderRequest records a provider request with the standard
// attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordTransition records a session mode change.
func (m *Metrics) RecordTransition(ctx context.Context, from, to, reason string) {
	m.ModeTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
			attribute.String("reason", reason),
		),
	)
}

// RecordFallback records a recovered collaborator failure.
func (m *Metrics) RecordFallback(ctx context.Context, collaborator, kind string) {
	m.CollaboratorFallbacks.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("collaborator", collaborator),
			attribute.String("kind", kind),
		),
	)
}

// RecordMemoryWrite records the outcome of a background memory write.
func (m *Metrics) RecordMemoryWrite(ctx context.Context, status string) {
	m.MemoryWrites.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
