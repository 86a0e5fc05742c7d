// Package observe provides OpenTelemetry metrics for the framer service, a
// Prometheus exporter bridge for the /metrics endpoint, and HTTP middleware
// that records request latency.
//
// Tests should build their own [Metrics] with [NewMetrics] and an SDK meter
// provider backed by a manual reader instead of relying on the global one.
package observe

import (
	"go.opentelemetry.io/otel/metric"
)

const meterName = "audio-framer"

// Metrics holds every instrument the service records. All fields are safe for
// concurrent use.
type Metrics struct {
	// BlocksProcessed counts host blocks handed to a processor.
	BlocksProcessed metric.Int64Counter

	// BlocksRejected counts blocks refused at ingestion. Use with
	//   attribute.String("reason", ...)
	BlocksRejected metric.Int64Counter

	// FramesEmitted counts frames accepted by a processor's frame port.
	FramesEmitted metric.Int64Counter

	// FramesDropped counts frames lost to backpressure. Use with
	//   attribute.String("stage", "processor"|"subscriber"|"archive")
	FramesDropped metric.Int64Counter

	FramesArchived metric.Int64Counter
	ArchiveErrors  metric.Int64Counter

	// SamplesDiscarded counts partial-frame samples thrown away by
	// frame-duration reconfiguration.
	SamplesDiscarded metric.Int64Counter

	// ProcessDuration is the time a processor spends on one block.
	ProcessDuration metric.Float64Histogram

	ActiveSessions metric.Int64UpDownCounter

	// HTTPRequestDuration uses attributes method, route and status.
	HTTPRequestDuration metric.Float64Histogram
}

// processBuckets are in seconds; a 128-sample block at 48 kHz leaves a
// callback budget of about 2.7 ms.
var processBuckets = []float64{
	0.00001, 0.000025, 0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01,
}

var httpBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5,
}

func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.BlocksProcessed, err = m.Int64Counter("framer.blocks.processed",
		metric.WithDescription("Host audio blocks processed."),
	); err != nil {
		return nil, err
	}
	if met.BlocksRejected, err = m.Int64Counter("framer.blocks.rejected",
		metric.WithDescription("Host audio blocks rejected at ingestion, by reason."),
	); err != nil {
		return nil, err
	}
	if met.FramesEmitted, err = m.Int64Counter("framer.frames.emitted",
		metric.WithDescription("PCM frames emitted by processors."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("framer.frames.dropped",
		metric.WithDescription("PCM frames dropped by backpressure, by stage."),
	); err != nil {
		return nil, err
	}
	if met.FramesArchived, err = m.Int64Counter("framer.frames.archived",
		metric.WithDescription("PCM frames written to the archive."),
	); err != nil {
		return nil, err
	}
	if met.ArchiveErrors, err = m.Int64Counter("framer.archive.errors",
		metric.WithDescription("Failed archive writes."),
	); err != nil {
		return nil, err
	}
	if met.SamplesDiscarded, err = m.Int64Counter("framer.samples.discarded",
		metric.WithDescription("Partial-frame samples discarded by reconfiguration."),
	); err != nil {
		return nil, err
	}
	if met.ProcessDuration, err = m.Float64Histogram("framer.process.duration",
		metric.WithDescription("Time spent processing one host block."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(processBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("framer.active_sessions",
		metric.WithDescription("Number of open capture sessions."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("framer.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route and status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(httpBuckets...),
	); err != nil {
		return nil, err
	}
	return met, nil
}
