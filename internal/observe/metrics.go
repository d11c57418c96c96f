// Package observe records pipeline metrics through the OpenTelemetry metrics
// API. InitProvider bridges them to a Prometheus registry for /metrics.
// Components take a *Metrics; tests build one with NewMetrics over a manual
// reader so they never share global state.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/GriffinCanCode/vorify-live"

// Metrics holds every instrument the pipeline records to.
type Metrics struct {
	// ChunksProduced counts non-empty segments handed to the send queue.
	ChunksProduced metric.Int64Counter
	// ChunksEmpty counts recorder windows that finalized with no audio.
	ChunksEmpty metric.Int64Counter
	// ChunkBytes records encoded segment sizes.
	ChunkBytes metric.Int64Histogram

	// QueueDepth tracks chunks waiting for dispatch.
	QueueDepth metric.Int64UpDownCounter
	// ChunksDropped counts backlog overflow drops. Attribute: policy.
	ChunksDropped metric.Int64Counter
	// Dispatches counts classification calls started.
	Dispatches metric.Int64Counter
	// InFlight tracks classification calls outstanding.
	InFlight metric.Int64UpDownCounter

	// ClassifyDuration tracks classifier round-trip latency.
	ClassifyDuration metric.Float64Histogram
	// Results counts classifications. Attribute: label.
	Results metric.Int64Counter
	// Failures counts failed classifications. Attribute: kind.
	Failures metric.Int64Counter
	// BreakerTransitions counts circuit breaker state changes. Attribute: to.
	BreakerTransitions metric.Int64Counter

	// RecordingActive is 1 while a recording session is live.
	RecordingActive metric.Int64UpDownCounter

	// HTTPRequestDuration tracks API request latency. Attributes: method, path.
	HTTPRequestDuration metric.Float64Histogram
}

var latencyBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5, 10, 30}

var sizeBuckets = []float64{1 << 10, 4 << 10, 8 << 10, 16 << 10, 32 << 10, 64 << 10, 128 << 10}

// NewMetrics creates all instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ChunksProduced, err = m.Int64Counter("vorify.chunks.produced",
		metric.WithDescription("Non-empty audio chunks handed to the send queue."),
	); err != nil {
		return nil, err
	}
	if met.ChunksEmpty, err = m.Int64Counter("vorify.chunks.empty",
		metric.WithDescription("Recorder windows that finalized without audio."),
	); err != nil {
		return nil, err
	}
	if met.ChunkBytes, err = m.Int64Histogram("vorify.chunk.size",
		metric.WithDescription("Encoded chunk size."),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(sizeBuckets...),
	); err != nil {
		return nil, err
	}

	if met.QueueDepth, err = m.Int64UpDownCounter("vorify.queue.depth",
		metric.WithDescription("Chunks waiting for dispatch."),
	); err != nil {
		return nil, err
	}
	if met.ChunksDropped, err = m.Int64Counter("vorify.queue.dropped",
		metric.WithDescription("Chunks dropped by the backlog overflow policy."),
	); err != nil {
		return nil, err
	}
	if met.Dispatches, err = m.Int64Counter("vorify.queue.dispatches",
		metric.WithDescription("Classification calls started."),
	); err != nil {
		return nil, err
	}
	if met.InFlight, err = m.Int64UpDownCounter("vorify.queue.in_flight",
		metric.WithDescription("Classification calls outstanding."),
	); err != nil {
		return nil, err
	}

	if met.ClassifyDuration, err = m.Float64Histogram("vorify.classify.duration",
		metric.WithDescription("Classifier round-trip latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Results, err = m.Int64Counter("vorify.classify.results",
		metric.WithDescription("Classification results by label."),
	); err != nil {
		return nil, err
	}
	if met.Failures, err = m.Int64Counter("vorify.classify.failures",
		metric.WithDescription("Failed classifications by error kind."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("vorify.classify.breaker_transitions",
		metric.WithDescription("Circuit breaker state changes by target state."),
	); err != nil {
		return nil, err
	}

	if met.RecordingActive, err = m.Int64UpDownCounter("vorify.recording.active",
		metric.WithDescription("1 while a recording session is live."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("vorify.http.request.duration",
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

// DefaultMetrics returns a package-level instance on the global provider.
// Until InitProvider runs the global provider is a no-op.
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

// OrDefault returns m, or DefaultMetrics when m is nil.
func OrDefault(m *Metrics) *Metrics {
	if m != nil {
		return m
	}
	return DefaultMetrics()
}

// RecordResult counts one classification result.
func (m *Metrics) RecordResult(ctx context.Context, label string) {
	m.Results.Add(ctx, 1, metric.WithAttributes(attribute.String("label", label)))
}

// RecordFailure counts one failed classification.
func (m *Metrics) RecordFailure(ctx context.Context, kind string) {
	m.Failures.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordDrop counts one overflow drop.
func (m *Metrics) RecordDrop(ctx context.Context, policy string) {
	m.ChunksDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("policy", policy)))
}

// RecordBreaker counts one breaker transition.
func (m *Metrics) RecordBreaker(ctx context.Context, to string) {
	m.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("to", to)))
}
