// Package observe provides the observability primitives shared by parley:
// OpenTelemetry metrics, tracing, trace-aware structured logging, and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exposed for
// scraping through a Prometheus exporter set up by [InitProvider]. A
// package-level [DefaultMetrics] instance is provided for convenience; tests
// should use [NewMetrics] with their own [metric.MeterProvider].
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all parley metrics.
const meterName = "github.com/MrWong99/parley"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Audio path ---

	// CaptureFrames counts microphone frames handed to the transport.
	CaptureFrames metric.Int64Counter

	// CaptureDrops counts frames dropped because the consumer fell behind.
	CaptureDrops metric.Int64Counter

	// InputLevel is the latest RMS level of the microphone signal.
	InputLevel metric.Float64Gauge

	// TransportDrops counts outgoing frames dropped by a full send queue.
	// Use with attribute.String("provider", ...).
	TransportDrops metric.Int64Counter

	// PlaybackSegments counts segments scheduled for output.
	PlaybackSegments metric.Int64Counter

	// PlaybackInterruptions counts barge-in interruptions.
	PlaybackInterruptions metric.Int64Counter

	// DecodeFailures counts received audio that could not be decoded.
	DecodeFailures metric.Int64Counter

	// --- Sessions ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// SessionDuration tracks how long live sessions lasted.
	SessionDuration metric.Float64Histogram

	// Turns counts committed utterances. Use with attribute.String("role", ...).
	Turns metric.Int64Counter

	// --- Providers ---

	// SpeechDuration tracks non-live speech generation latency.
	SpeechDuration metric.Float64Histogram

	// ProviderRequests counts provider calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// CircuitTransitions counts breaker state changes. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("to", ...)
	CircuitTransitions metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// request latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// sessionBuckets covers live sessions from a few seconds to an hour.
var sessionBuckets = []float64{
	5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.CaptureFrames, "parley.capture.frames", "Microphone frames forwarded to the transport."},
		{&met.CaptureDrops, "parley.capture.dropped_frames", "Microphone frames dropped under backpressure."},
		{&met.TransportDrops, "parley.transport.dropped_frames", "Outgoing frames dropped by a full send queue."},
		{&met.PlaybackSegments, "parley.playback.segments", "Audio segments scheduled for playback."},
		{&met.PlaybackInterruptions, "parley.playback.interruptions", "Playback interruptions caused by barge-in."},
		{&met.DecodeFailures, "parley.audio.decode_failures", "Received audio that failed to decode."},
		{&met.Turns, "parley.turns", "Committed utterances by role."},
		{&met.ProviderRequests, "parley.provider.requests", "Provider requests by provider, kind and status."},
		{&met.ProviderErrors, "parley.provider.errors", "Provider errors by provider and kind."},
		{&met.CircuitTransitions, "parley.circuit.transitions", "Circuit breaker state changes by provider."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	if met.InputLevel, err = m.Float64Gauge("parley.capture.input_level",
		metric.WithDescription("RMS level of the most recent microphone frame."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("parley.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("parley.session.duration",
		metric.WithDescription("Duration of live voice sessions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SpeechDuration, err = m.Float64Histogram("parley.speech.duration",
		metric.WithDescription("Latency of non-live speech generation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("parley.http.request.duration",
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
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails, which does not happen with the global provider.
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

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest records one provider call with the standard
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

// RecordProviderError records one provider error.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordTurn records one committed utterance for role.
func (m *Metrics) RecordTurn(ctx context.Context, role string) {
	m.Turns.Add(ctx, 1, metric.WithAttributes(attribute.String("role", role)))
}

// RecordCircuitTransition records a breaker moving to state to.
func (m *Metrics) RecordCircuitTransition(ctx context.Context, provider, to string) {
	m.CircuitTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("to", to),
		),
	)
}
