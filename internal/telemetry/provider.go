package telemetry

import (
	"fmt"
	"io"

	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// newResource creates a resource describing the service.
func newResource(cfg *Config) *resource.Resource {
	// A standalone resource avoids schema URL conflicts with resource.Default.
	return resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	)
}

// newTracerProvider creates a TracerProvider exporting to w, unless an
// exporter was injected.
func newTracerProvider(cfg *Config, res *resource.Resource, w io.Writer, opts *options) (*trace.TracerProvider, error) {
	exporter := opts.traceExporter
	if exporter == nil {
		var err error
		exporter, err = stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			return nil, fmt.Errorf("creating trace exporter: %w", err)
		}
	}

	// Configure sampler based on config
	var sampler trace.Sampler
	if cfg.Sampling.Rate >= 1.0 {
		sampler = trace.AlwaysSample()
	} else if cfg.Sampling.Rate <= 0 {
		sampler = trace.NeverSample()
	} else {
		sampler = trace.TraceIDRatioBased(cfg.Sampling.Rate)
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(trace.ParentBased(sampler)),
	)
	return tp, nil
}

// newMeterProvider creates a MeterProvider exporting to w, unless an
// exporter was injected. It returns nil when metrics are disabled.
func newMeterProvider(cfg *Config, res *resource.Resource, w io.Writer, opts *options) (*metric.MeterProvider, error) {
	if !cfg.Metrics.Enabled {
		return nil, nil
	}

	exporter := opts.metricExporter
	if exporter == nil {
		// Counters are totals since process start.
		cumulativeSelector := func(metric.InstrumentKind) metricdata.Temporality {
			return metricdata.CumulativeTemporality
		}
		var err error
		exporter, err = stdoutmetric.New(
			stdoutmetric.WithWriter(w),
			stdoutmetric.WithTemporalitySelector(cumulativeSelector),
		)
		if err != nil {
			return nil, fmt.Errorf("creating metric exporter: %w", err)
		}
	}

	mp := metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(
			metric.NewPeriodicReader(
				exporter,
				metric.WithInterval(cfg.Metrics.ExportInterval),
			),
		),
	)
	return mp, nil
}

// Option configures New.
type Option func(*options)

type options struct {
	traceExporter  trace.SpanExporter
	metricExporter metric.Exporter
}

// WithTraceExporter overrides the file exporter (for testing).
func WithTraceExporter(exp trace.SpanExporter) Option {
	return func(opts *options) {
		opts.traceExporter = exp
	}
}

// WithMetricExporter overrides the file exporter (for testing).
func WithMetricExporter(exp metric.Exporter) Option {
	return func(opts *options) {
		opts.metricExporter = exp
	}
}
