// Package observe provides the observability primitives of the chat client:
// OpenTelemetry metrics, tracing helpers, trace-aware logging and HTTP
// instrumentation for both the REST client and the debug server.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] so they can be scraped from
// the debug server's /metrics endpoint. A package-level default [Metrics]
// instance ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
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
const meterName = "github.com/MrWong99/tutorchat"

// Metrics holds all OpenTelemetry metric instruments for the client.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// FirstTokenLatency tracks the time from a send to the first partial or
	// final frame of the reply.
	FirstTokenLatency metric.Float64Histogram

	// TurnDuration tracks the time from a send to the final frame.
	TurnDuration metric.Float64Histogram

	// RESTDuration tracks backend REST call latency. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...), attribute.String("status", ...)
	RESTDuration metric.Float64Histogram

	// --- Counters ---

	// FramesReceived counts inbound frames. Use with attributes:
	//   attribute.String("kind", ...), attribute.String("outcome", ...)
	FramesReceived metric.Int64Counter

	// FramesInvalid counts inbound frames that could not be decoded.
	FramesInvalid metric.Int64Counter

	// MessagesSent counts outbound chat frames. Use with attribute:
	//   attribute.String("source", "typed"|"voice")
	MessagesSent metric.Int64Counter

	// SendsDropped counts outbound frames dropped because the connection
	// was not open.
	SendsDropped metric.Int64Counter

	// Reconnects counts reconnection attempts. Use with attribute:
	//   attribute.String("result", "success"|"failure"|"gave_up")
	Reconnects metric.Int64Counter

	// Captures counts voice captures. Use with attribute:
	//   attribute.String("result", ...)
	Captures metric.Int64Counter

	// Playbacks counts audio playbacks. Use with attribute:
	//   attribute.String("result", "played"|"stopped"|"blocked"|"error")
	Playbacks metric.Int64Counter

	// --- Gauges ---

	// OpenConnections is 1 while the chat websocket is open.
	OpenConnections metric.Int64UpDownCounter

	// --- HTTP server ---

	// HTTPRequestDuration tracks debug server request processing time.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) suited to
// conversational reply latencies.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.FirstTokenLatency, err = m.Float64Histogram("tutorchat.reply.first_token",
		metric.WithDescription("Latency from send to the first reply frame."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnDuration, err = m.Float64Histogram("tutorchat.reply.duration",
		metric.WithDescription("Latency from send to the final reply frame."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RESTDuration, err = m.Float64Histogram("tutorchat.rest.duration",
		metric.WithDescription("Latency of backend REST calls by method, route and status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.FramesReceived, err = m.Int64Counter("tutorchat.frames.received",
		metric.WithDescription("Inbound frames by kind and outcome."),
	); err != nil {
		return nil, err
	}
	if met.FramesInvalid, err = m.Int64Counter("tutorchat.frames.invalid",
		metric.WithDescription("Inbound frames that failed to decode."),
	); err != nil {
		return nil, err
	}
	if met.MessagesSent, err = m.Int64Counter("tutorchat.messages.sent",
		metric.WithDescription("Outbound chat messages by source."),
	); err != nil {
		return nil, err
	}
	if met.SendsDropped, err = m.Int64Counter("tutorchat.messages.dropped",
		metric.WithDescription("Outbound chat messages dropped while the connection was not open."),
	); err != nil {
		return nil, err
	}
	if met.Reconnects, err = m.Int64Counter("tutorchat.reconnects",
		metric.WithDescription("Reconnection attempts by result."),
	); err != nil {
		return nil, err
	}
	if met.Captures, err = m.Int64Counter("tutorchat.voice.captures",
		metric.WithDescription("Voice captures by result."),
	); err != nil {
		return nil, err
	}
	if met.Playbacks, err = m.Int64Counter("tutorchat.audio.playbacks",
		metric.WithDescription("Audio playbacks by result."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.OpenConnections, err = m.Int64UpDownCounter("tutorchat.connections.open",
		metric.WithDescription("Number of open chat websockets."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("tutorchat.http.request.duration",
		metric.WithDescription("Debug server request latency by method and path."),
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

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordFrame counts one inbound frame.
func (m *Metrics) RecordFrame(ctx context.Context, kind, outcome string) {
	m.FramesReceived.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("outcome", outcome),
		),
	)
}

// RecordSent counts one outbound message.
func (m *Metrics) RecordSent(ctx context.Context, source string) {
	m.MessagesSent.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

// RecordReconnect counts one reconnection attempt.
func (m *Metrics) RecordReconnect(ctx context.Context, result string) {
	m.Reconnects.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordCapture counts one voice capture.
func (m *Metrics) RecordCapture(ctx context.Context, result string) {
	m.Captures.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordPlayback counts one playback.
func (m *Metrics) RecordPlayback(ctx context.Context, result string) {
	m.Playbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}
