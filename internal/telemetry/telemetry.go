package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"

	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Telemetry owns the tracer and meter providers and the export file.
//
// Providers are handed to components explicitly; the otel globals are left
// alone.
type Telemetry struct {
	config *Config

	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	file           io.Closer

	// Health tracking
	healthy  atomic.Bool
	degraded atomic.Bool
}

// New creates a Telemetry instance.
//
// If telemetry is disabled, the instance hands out no-op providers.
func New(ctx context.Context, cfg *Config, opts ...Option) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}

	t := &Telemetry{
		config: cfg,
	}
	t.healthy.Store(true)

	if !cfg.Enabled {
		return t, nil
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	var w io.Writer = io.Discard
	if o.traceExporter == nil || (cfg.Metrics.Enabled && o.metricExporter == nil) {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create telemetry directory: %w", err)
		}
		f, err := os.OpenFile(cfg.File, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open telemetry file: %w", err)
		}
		t.file = f
		w = f
	}

	res := newResource(cfg)

	tp, err := newTracerProvider(cfg, res, w, o)
	if err != nil {
		t.closeFile()
		return nil, err
	}
	t.tracerProvider = tp

	mp, err := newMeterProvider(cfg, res, w, o)
	if err != nil {
		_ = tp.Shutdown(ctx)
		t.closeFile()
		return nil, err
	}
	t.meterProvider = mp

	return t, nil
}

// TracerProvider returns the tracer provider, or a no-op one if telemetry
// is disabled.
func (t *Telemetry) TracerProvider() trace.TracerProvider {
	if t == nil || t.tracerProvider == nil {
		return tracenoop.NewTracerProvider()
	}
	return t.tracerProvider
}

// MeterProvider returns the meter provider, or a no-op one if telemetry or
// metrics are disabled.
func (t *Telemetry) MeterProvider() metric.MeterProvider {
	if t == nil || t.meterProvider == nil {
		return metricnoop.NewMeterProvider()
	}
	return t.meterProvider
}

// Shutdown flushes pending telemetry and closes the export file. Without a
// deadline on ctx the configured shutdown timeout applies. Safe to call
// more than once.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok && t.config != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.config.Shutdown.Timeout)
		defer cancel()
	}

	err := t.each(func(kind string, p provider) error {
		if err := p.Shutdown(ctx); err != nil {
			return fmt.Errorf("%s provider shutdown: %w", kind, err)
		}
		return nil
	})
	t.tracerProvider, t.meterProvider = nil, nil
	if cerr := t.closeFile(); cerr != nil {
		err = errors.Join(err, fmt.Errorf("telemetry file close: %w", cerr))
	}

	t.healthy.Store(false)
	if err != nil {
		t.degraded.Store(true)
	}
	return err
}

// ForceFlush writes buffered spans and a metrics snapshot to the file now.
func (t *Telemetry) ForceFlush(ctx context.Context) error {
	if t == nil {
		return nil
	}
	return t.each(func(kind string, p provider) error {
		if err := p.ForceFlush(ctx); err != nil {
			return fmt.Errorf("%s flush: %w", kind, err)
		}
		return nil
	})
}

// provider is the lifecycle shared by the SDK tracer and meter providers.
type provider interface {
	Shutdown(context.Context) error
	ForceFlush(context.Context) error
}

// each calls fn for every SDK provider that was built and joins the errors.
func (t *Telemetry) each(fn func(kind string, p provider) error) error {
	var errs []error
	if t.tracerProvider != nil {
		errs = append(errs, fn("trace", t.tracerProvider))
	}
	if t.meterProvider != nil {
		errs = append(errs, fn("meter", t.meterProvider))
	}
	return errors.Join(errs...)
}

func (t *Telemetry) closeFile() error {
	if t.file == nil {
		return nil
	}
	err := t.file.Close()
	t.file = nil
	return err
}

// HealthStatus reports whether exports are still running and whether any
// shutdown step failed.
type HealthStatus struct {
	Healthy  bool
	Degraded bool
}

// Health reports the export state. A nil Telemetry is degraded.
func (t *Telemetry) Health() HealthStatus {
	if t == nil {
		return HealthStatus{Degraded: true}
	}
	return HealthStatus{Healthy: t.healthy.Load(), Degraded: t.degraded.Load()}
}

// IsEnabled reports whether telemetry was enabled and has not been shut down.
func (t *Telemetry) IsEnabled() bool {
	return t != nil && t.config != nil && t.config.Enabled && t.healthy.Load()
}
