// Package observe provides application-wide observability primitives for
// glyphone: OpenTelemetry metrics, tracing, structured logging, and HTTP
// middleware that ties them together.
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

// meterName is the instrumentation scope name used for all glyphone metrics.
const meterName = "github.com/MrWong99/glyphone"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Histograms ---

	// ConnectDuration tracks how long it takes from starting a session until
	// the remote side reports it is open. Use with attribute:
	//   attribute.String("provider", ...)
	ConnectDuration metric.Float64Histogram

	// PlaybackLead tracks how far ahead of the device clock each chunk was
	// scheduled. A lead near zero means playback is running dry.
	PlaybackLead metric.Float64Histogram

	// SessionDuration tracks the length of finished calls.
	SessionDuration metric.Float64Histogram

	// --- Counters ---

	// CapturePackets counts microphone frames. Use with attribute:
	//   attribute.String("status", "sent"|"dropped"|"failed")
	CapturePackets metric.Int64Counter

	// PlaybackChunks counts inbound audio chunks. Use with attribute:
	//   attribute.String("status", "scheduled"|"decode_error"|"device_error"|"skipped")
	PlaybackChunks metric.Int64Counter

	// PlaybackStalls counts chunks that arrived after the previous one had
	// already finished playing.
	PlaybackStalls metric.Int64Counter

	// PlaybackInterruptions counts barge-in events.
	PlaybackInterruptions metric.Int64Counter

	// SessionsEnded counts finished sessions. Use with attribute:
	//   attribute.String("outcome", "hangup"|"remote_close"|"failed"),
	//   attribute.String("kind", ...) for failures
	SessionsEnded metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live call sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// connection setup and scheduling lead.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// callBuckets defines histogram bucket boundaries (in seconds) for call length.
var callBuckets = []float64{
	5, 15, 30, 60, 120, 300, 600, 900, 1800,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ConnectDuration, err = m.Float64Histogram("glyphone.connect.duration",
		metric.WithDescription("Time from session start until the remote side is open."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PlaybackLead, err = m.Float64Histogram("glyphone.playback.lead",
		metric.WithDescription("Distance between the device clock and a chunk's scheduled start."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("glyphone.session.duration",
		metric.WithDescription("Length of finished call sessions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(callBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.CapturePackets, err = m.Int64Counter("glyphone.capture.packets",
		metric.WithDescription("Microphone frames by delivery status."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackChunks, err = m.Int64Counter("glyphone.playback.chunks",
		metric.WithDescription("Inbound audio chunks by scheduling status."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackStalls, err = m.Int64Counter("glyphone.playback.stalls",
		metric.WithDescription("Chunks that arrived after playback had run dry."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackInterruptions, err = m.Int64Counter("glyphone.playback.interruptions",
		metric.WithDescription("Barge-in events reported by the remote side."),
	); err != nil {
		return nil, err
	}
	if met.SessionsEnded, err = m.Int64Counter("glyphone.sessions.ended",
		metric.WithDescription("Finished sessions by outcome."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("glyphone.sessions.active",
		metric.WithDescription("Number of live call sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("glyphone.http.request.duration",
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

// RecordCapturePacket records one microphone frame with the given status.
func (m *Metrics) RecordCapturePacket(ctx context.Context, status string) {
	m.CapturePackets.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordPlaybackChunk records one inbound chunk with the given status.
func (m *Metrics) RecordPlaybackChunk(ctx context.Context, status string) {
	m.PlaybackChunks.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordPlaybackLead records the scheduling lead of one chunk.
func (m *Metrics) RecordPlaybackLead(ctx context.Context, lead time.Duration) {
	m.PlaybackLead.Record(ctx, lead.Seconds())
}

// RecordSessionEnded records a finished session. kind is empty unless the
// session failed.
func (m *Metrics) RecordSessionEnded(ctx context.Context, outcome, kind string, d time.Duration) {
	attrs := []attribute.KeyValue{attribute.String("outcome", outcome)}
	if kind != "" {
		attrs = append(attrs, attribute.String("kind", kind))
	}
	m.SessionsEnded.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.SessionDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("outcome", outcome)))
}
