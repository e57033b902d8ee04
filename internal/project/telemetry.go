package project

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/projectd/internal/logging"
)

const instrumentationName = "github.com/fyrsmithlabs/projectd/internal/project"

// initMetrics initializes OpenTelemetry metrics.
func (m *Manager) initMetrics(meter metric.Meter) {
	var err error

	m.createdCounter, err = meter.Int64Counter(
		"projectd.projects.created_total",
		metric.WithDescription("Total number of projects created"),
		metric.WithUnit("{project}"),
	)
	if err != nil {
		m.log.Underlying().Warn("failed to create created counter", zap.Error(err))
	}

	m.deletedCounter, err = meter.Int64Counter(
		"projectd.projects.deleted_total",
		metric.WithDescription("Total number of projects deleted"),
		metric.WithUnit("{project}"),
	)
	if err != nil {
		m.log.Underlying().Warn("failed to create deleted counter", zap.Error(err))
	}

	m.copiedCounter, err = meter.Int64Counter(
		"projectd.projects.copied_total",
		metric.WithDescription("Total number of projects copied"),
		metric.WithUnit("{project}"),
	)
	if err != nil {
		m.log.Underlying().Warn("failed to create copied counter", zap.Error(err))
	}

	m.purgedCounter, err = meter.Int64Counter(
		"projectd.projects.purged_total",
		metric.WithDescription("Total number of orphan directories purged"),
		metric.WithUnit("{directory}"),
	)
	if err != nil {
		m.log.Underlying().Warn("failed to create purged counter", zap.Error(err))
	}
}

// startOp opens a span for a lifecycle operation and tags the context so
// log lines carry the project and operation.
func (m *Manager) startOp(ctx context.Context, op, name string) (context.Context, trace.Span) {
	ctx, span := m.tracer.Start(ctx, "project."+op,
		trace.WithAttributes(attribute.String("project.name", name)),
	)
	ctx = logging.WithOperation(ctx, op)
	if name != "" {
		ctx = logging.WithProject(ctx, name)
	}
	return ctx, span
}

// endOp records err on span. It returns err unchanged.
func endOp(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func addCount(ctx context.Context, c metric.Int64Counter, n int64, attrs ...attribute.KeyValue) {
	if c == nil || n == 0 {
		return
	}
	c.Add(ctx, n, metric.WithAttributes(attrs...))
}
