// Package observe provides application-wide observability primitives for the
// transcriber: OpenTelemetry metrics, tracing, structured logging helpers,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
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

// meterName is the instrumentation scope name used for all transcriber
// metrics.
const meterName = "github.com/openflow-ai/transcriber"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// VADInferenceDuration tracks per-frame voice-activity inference latency.
	VADInferenceDuration metric.Float64Histogram

	// DecodeDuration tracks acoustic-model decode latency. Use with
	// attribute:
	//   attribute.Bool("final", ...)
	DecodeDuration metric.Float64Histogram

	// --- Counters ---

	// FramesProcessed counts VAD frames consumed by the segmenter.
	FramesProcessed metric.Int64Counter

	// SegmentsEmitted counts segment packets written to stdout. Use with
	// attribute:
	//   attribute.Bool("final", ...)
	SegmentsEmitted metric.Int64Counter

	// SegmentsDiscarded counts utterances dropped for being shorter than the
	// minimum segment length.
	SegmentsDiscarded metric.Int64Counter

	// DictionaryReloads counts dictionary reload attempts. Use with
	// attribute:
	//   attribute.String("status", "reloaded"|"unchanged"|"error")
	DictionaryReloads metric.Int64Counter

	// LogitsPackets counts logits introspection packets produced by the
	// bias callback.
	LogitsPackets metric.Int64Counter

	// RingSamplesDropped counts capture samples discarded because a single
	// write exceeded the ring capacity.
	RingSamplesDropped metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// streaming-audio latencies, from sub-millisecond VAD inference up to
// multi-second final decodes.
var latencyBuckets = []float64{
	0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.VADInferenceDuration, err = m.Float64Histogram("transcriber.vad.inference.duration",
		metric.WithDescription("Latency of a single voice-activity inference frame."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DecodeDuration, err = m.Float64Histogram("transcriber.decode.duration",
		metric.WithDescription("Latency of acoustic-model decodes by finality."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.FramesProcessed, err = m.Int64Counter("transcriber.frames.processed",
		metric.WithDescription("Total VAD frames consumed by the segmenter."),
	); err != nil {
		return nil, err
	}
	if met.SegmentsEmitted, err = m.Int64Counter("transcriber.segments.emitted",
		metric.WithDescription("Total segment packets emitted by finality."),
	); err != nil {
		return nil, err
	}
	if met.SegmentsDiscarded, err = m.Int64Counter("transcriber.segments.discarded",
		metric.WithDescription("Total utterances discarded below the minimum segment length."),
	); err != nil {
		return nil, err
	}
	if met.DictionaryReloads, err = m.Int64Counter("transcriber.dictionary.reloads",
		metric.WithDescription("Total dictionary reload attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.LogitsPackets, err = m.Int64Counter("transcriber.logits.packets",
		metric.WithDescription("Total logits introspection packets produced."),
	); err != nil {
		return nil, err
	}
	if met.RingSamplesDropped, err = m.Int64Counter("transcriber.ring.samples_dropped",
		metric.WithDescription("Total capture samples discarded by writes larger than the ring."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("transcriber.http.request.duration",
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

// RecordDecode records one acoustic-model decode with its latency and
// finality.
func (m *Metrics) RecordDecode(ctx context.Context, d time.Duration, final bool) {
	m.DecodeDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.Bool("final", final)),
	)
}

// RecordSegment records one emitted segment packet.
func (m *Metrics) RecordSegment(ctx context.Context, final bool) {
	m.SegmentsEmitted.Add(ctx, 1,
		metric.WithAttributes(attribute.Bool("final", final)),
	)
}

// RecordDictionaryReload records one dictionary reload attempt with its
// outcome status.
func (m *Metrics) RecordDictionaryReload(ctx context.Context, status string) {
	m.DictionaryReloads.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}
