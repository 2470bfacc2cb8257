// Package observe provides application-wide observability primitives for
// xvoice: OpenTelemetry metrics, tracing, trace-aware structured logging, and
// HTTP middleware for the status server.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped from the status server's /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"strconv"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all xvoice metrics.
const meterName = "github.com/xvoice/xvoice"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Segmentation ---

	// Utterances counts segmented utterances by outcome. Use with attribute:
	//   attribute.String("outcome", "accepted"|"rejected"|"write_failed")
	Utterances metric.Int64Counter

	// FalseTriggers counts utterances rejected by the false-positive filter.
	FalseTriggers metric.Int64Counter

	// Calibrations counts calibration runs. Use with attributes:
	//   attribute.String("reason", ...), attribute.Bool("degraded", ...)
	Calibrations metric.Int64Counter

	// Threshold reports the adaptive silence threshold currently in effect.
	Threshold metric.Float64Gauge

	// UtteranceDuration tracks the duration of accepted utterances.
	UtteranceDuration metric.Float64Histogram

	// --- Transcription ---

	// TranscribeDuration tracks end-to-end transcription latency. Use with
	// attribute: attribute.String("backend", ...)
	TranscribeDuration metric.Float64Histogram

	// TranscribeErrors counts failed transcriptions. Use with attributes:
	//   attribute.String("backend", ...), attribute.String("kind", ...)
	TranscribeErrors metric.Int64Counter

	// WorkerStarts counts worker start attempts. Use with attribute:
	//   attribute.String("result", "healthy"|"optimistic"|"failed")
	WorkerStarts metric.Int64Counter

	// WorkerRestarts counts restarts triggered by a dead worker process.
	WorkerRestarts metric.Int64Counter

	// Normalizations counts audio normalisation results. Use with attribute:
	//   attribute.String("converter", ...)
	Normalizations metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks status-server request time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// transcription latency. Local models on CPU routinely take several seconds.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30,
}

// utteranceBuckets defines histogram bucket boundaries (in seconds) for
// utterance length, up to the default 20 s sentence cap.
var utteranceBuckets = []float64{
	0.3, 0.5, 1, 2, 3, 5, 8, 12, 16, 20,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Segmentation.
	if met.Utterances, err = m.Int64Counter("xvoice.utterances",
		metric.WithDescription("Segmented utterances by outcome."),
	); err != nil {
		return nil, err
	}
	if met.FalseTriggers, err = m.Int64Counter("xvoice.false_triggers",
		metric.WithDescription("Utterances rejected as false triggers."),
	); err != nil {
		return nil, err
	}
	if met.Calibrations, err = m.Int64Counter("xvoice.calibrations",
		metric.WithDescription("Ambient noise calibrations by reason."),
	); err != nil {
		return nil, err
	}
	if met.Threshold, err = m.Float64Gauge("xvoice.threshold",
		metric.WithDescription("Adaptive silence threshold on the int16 peak scale."),
	); err != nil {
		return nil, err
	}
	if met.UtteranceDuration, err = m.Float64Histogram("xvoice.utterance.duration",
		metric.WithDescription("Length of accepted utterances."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(utteranceBuckets...),
	); err != nil {
		return nil, err
	}

	// Transcription.
	if met.TranscribeDuration, err = m.Float64Histogram("xvoice.transcribe.duration",
		metric.WithDescription("Latency of a transcription by backend."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TranscribeErrors, err = m.Int64Counter("xvoice.transcribe.errors",
		metric.WithDescription("Failed transcriptions by backend and error kind."),
	); err != nil {
		return nil, err
	}
	if met.WorkerStarts, err = m.Int64Counter("xvoice.worker.starts",
		metric.WithDescription("Worker process start attempts by result."),
	); err != nil {
		return nil, err
	}
	if met.WorkerRestarts, err = m.Int64Counter("xvoice.worker.restarts",
		metric.WithDescription("Restarts after the worker process was found dead."),
	); err != nil {
		return nil, err
	}
	if met.Normalizations, err = m.Int64Counter("xvoice.normalize",
		metric.WithDescription("Audio normalisations by converter that produced the output."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("xvoice.http.request.duration",
		metric.WithDescription("Status server request latency by method and path."),
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

// RecordUtterance records an utterance outcome and, for accepted utterances,
// its duration in seconds.
func (m *Metrics) RecordUtterance(ctx context.Context, outcome string, seconds float64) {
	m.Utterances.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	if outcome == "accepted" {
		m.UtteranceDuration.Record(ctx, seconds)
	}
}

// RecordCalibration records a calibration run and the threshold it produced.
func (m *Metrics) RecordCalibration(ctx context.Context, reason string, degraded bool, threshold float64) {
	m.Calibrations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
		attribute.String("degraded", strconv.FormatBool(degraded)),
	))
	m.Threshold.Record(ctx, threshold)
}

// RecordFalseTrigger records a rejected utterance and the escalated threshold.
func (m *Metrics) RecordFalseTrigger(ctx context.Context, threshold float64) {
	m.FalseTriggers.Add(ctx, 1)
	m.Utterances.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "rejected")))
	m.Threshold.Record(ctx, threshold)
}

// RecordTranscription records the latency of a transcription call. A non-empty
// errKind additionally increments [Metrics.TranscribeErrors].
func (m *Metrics) RecordTranscription(ctx context.Context, backend string, seconds float64, errKind string) {
	m.TranscribeDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("backend", backend)))
	if errKind != "" {
		m.TranscribeErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("backend", backend),
			attribute.String("kind", errKind),
		))
	}
}

// RecordWorkerStart records the result of a worker start attempt.
func (m *Metrics) RecordWorkerStart(ctx context.Context, result string) {
	m.WorkerStarts.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordNormalization records which converter produced the dispatched audio.
func (m *Metrics) RecordNormalization(ctx context.Context, converter string) {
	m.Normalizations.Add(ctx, 1, metric.WithAttributes(attribute.String("converter", converter)))
}
