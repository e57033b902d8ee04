package telemetry

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNew_DisabledTelemetry(t *testing.T) {
	tel, err := New(context.Background(), NewDefaultConfig())
	require.NoError(t, err)
	require.NotNil(t, tel)

	assert.NotNil(t, tel.TracerProvider().Tracer("test"))
	assert.NotNil(t, tel.MeterProvider().Meter("test"))
	assert.False(t, tel.IsEnabled())
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Enabled = true

	tel, err := New(context.Background(), cfg)
	require.Error(t, err)
	assert.Nil(t, tel)
	assert.Contains(t, err.Error(), "invalid telemetry config")
}

func TestNew_WritesFile(t *testing.T) {
	ctx := context.Background()
	cfg := NewDefaultConfig()
	cfg.Enabled = true
	cfg.File = filepath.Join(t.TempDir(), "state", "telemetry.jsonl")

	tel, err := New(ctx, cfg)
	require.NoError(t, err)
	assert.True(t, tel.IsEnabled())

	_, span := tel.TracerProvider().Tracer("test").Start(ctx, "project.create")
	span.End()

	counter, err := tel.MeterProvider().Meter("test").Int64Counter("projectd.projects.created_total")
	require.NoError(t, err)
	counter.Add(ctx, 3)

	require.NoError(t, tel.Shutdown(ctx))
	assert.False(t, tel.IsEnabled())

	data, err := os.ReadFile(cfg.File)
	require.NoError(t, err)
	assert.Contains(t, string(data), "project.create")
	assert.Contains(t, string(data), "projectd.projects.created_total")
}

func TestNew_InjectedExporter(t *testing.T) {
	ctx := context.Background()
	cfg := NewDefaultConfig()
	cfg.Enabled = true
	cfg.File = filepath.Join(t.TempDir(), "unused.jsonl")
	cfg.Metrics.Enabled = false

	exp := tracetest.NewInMemoryExporter()
	tel, err := New(ctx, cfg, WithTraceExporter(exp))
	require.NoError(t, err)

	_, span := tel.TracerProvider().Tracer("test").Start(ctx, "project.delete")
	span.End()
	require.NoError(t, tel.ForceFlush(ctx))

	spans := exp.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "project.delete", spans[0].Name)
	assert.NoFileExists(t, cfg.File, "no file is opened when every exporter is injected")

	require.NoError(t, tel.Shutdown(ctx))
}

func TestTelemetry_Health(t *testing.T) {
	tel, err := New(context.Background(), NewDefaultConfig())
	require.NoError(t, err)

	health := tel.Health()
	assert.True(t, health.Healthy)
	assert.False(t, health.Degraded)
}

func TestTelemetry_NilSafe(t *testing.T) {
	var tel *Telemetry

	assert.NotPanics(t, func() {
		_ = tel.TracerProvider()
		_ = tel.MeterProvider()
		_ = tel.Health()
		_ = tel.IsEnabled()
		_ = tel.Shutdown(context.Background())
		_ = tel.ForceFlush(context.Background())
	})

	health := tel.Health()
	assert.False(t, health.Healthy)
	assert.True(t, health.Degraded)
}

func TestTestTelemetry(t *testing.T) {
	ctx := context.Background()
	tt := NewTestTelemetry()

	_, span := tt.TracerProvider().Tracer("test").Start(ctx, "project.copy")
	span.SetAttributes(attribute.String("project.name", "alpha"), attribute.Int("n", 2))
	span.End()

	tt.AssertSpanExists(t, "project.copy")
	tt.AssertSpanAttribute(t, "project.copy", "project.name", "alpha")
	tt.AssertSpanAttribute(t, "project.copy", "n", int64(2))

	counter, err := tt.MeterProvider().Meter("test").Int64Counter("projectd.projects.copied_total")
	require.NoError(t, err)
	counter.Add(ctx, 1)
	counter.Add(ctx, 2)

	assert.Equal(t, int64(3), tt.CounterValue(t, "projectd.projects.copied_total"))
	assert.Equal(t, int64(0), tt.CounterValue(t, "never.recorded"))
}

func TestShutdown_Twice(t *testing.T) {
	ctx := context.Background()
	cfg := NewDefaultConfig()
	cfg.Enabled = true
	cfg.File = filepath.Join(t.TempDir(), "telemetry.jsonl")

	tel, err := New(ctx, cfg)
	require.NoError(t, err)

	require.NoError(t, tel.Shutdown(ctx))
	require.NoError(t, tel.Shutdown(ctx))
	assert.False(t, tel.Health().Degraded)
}
