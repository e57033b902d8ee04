package project

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"

	"github.com/fyrsmithlabs/projectd/internal/telemetry"
)

func TestTelemetry_Counters(t *testing.T) {
	ctx := context.Background()
	tt := telemetry.NewTestTelemetry()
	m := newTestManager(t, WithMeterProvider(tt.MeterProvider()))

	_, err := m.Create(ctx, "a", CreateOptions{})
	require.NoError(t, err)
	_, err = m.Create(ctx, "a", CreateOptions{ExistOK: true})
	require.NoError(t, err)
	_, err = m.Create(ctx, "b", CreateOptions{})
	require.NoError(t, err)
	_, err = m.Copy(ctx, "a", "c", false)
	require.NoError(t, err)
	require.NoError(t, m.Delete(ctx, "b", DeleteOptions{}))
	_, err = m.PurgeOrphans(ctx)
	require.NoError(t, err)

	assert.Equal(t, int64(2), tt.CounterValue(t, "projectd.projects.created_total"), "ExistOK hits are not counted")
	assert.Equal(t, int64(1), tt.CounterValue(t, "projectd.projects.copied_total"))
	assert.Equal(t, int64(1), tt.CounterValue(t, "projectd.projects.deleted_total"))
	assert.Equal(t, int64(2), tt.CounterValue(t, "projectd.projects.purged_total"))
}

func TestTelemetry_Spans(t *testing.T) {
	ctx := context.Background()
	tt := telemetry.NewTestTelemetry()
	m := newTestManager(t, WithTracerProvider(tt.TracerProvider()))

	_, err := m.Create(ctx, "a", CreateOptions{})
	require.NoError(t, err)
	_, err = m.Activate(ctx, "missing")
	require.Error(t, err)

	tt.AssertSpanExists(t, "project.create")
	tt.AssertSpanAttribute(t, "project.create", "project.name", "a")
	tt.AssertSpanAttribute(t, "project.create", "project.created", true)
	assert.Equal(t, codes.Unset, tt.SpanByName("project.create").Status().Code)

	activate := tt.SpanByName("project.activate")
	require.NotNil(t, activate)
	assert.Equal(t, codes.Error, activate.Status().Code)
	require.NotEmpty(t, activate.Events())
	assert.Equal(t, "exception", activate.Events()[0].Name)
}

func TestHooks(t *testing.T) {
	ctx := context.Background()
	var created, activated, deleted []string

	m := newTestManager(t,
		WithOnCreate(func(ctx context.Context, m *Manager, p *Project) {
			created = append(created, p.Name)
		}),
		WithOnActivate(func(ctx context.Context, m *Manager, p *Project) {
			// Hooks run without the lock, so reading state back is safe.
			cur := m.Current()
			require.NotNil(t, cur)
			activated = append(activated, cur.Name)
		}),
		WithOnDelete(func(ctx context.Context, m *Manager, p *Project) {
			deleted = append(deleted, p.Name)
		}),
	)

	_, err := m.Create(ctx, "a", CreateOptions{})
	require.NoError(t, err)
	_, err = m.SetCurrent(ctx, "a", nil)
	require.NoError(t, err)
	_, err = m.Copy(ctx, "a", "b", true)
	require.NoError(t, err)
	require.NoError(t, m.Delete(ctx, "a", DeleteOptions{DeleteDir: true}))
	require.NoError(t, m.Delete(ctx, "missing", DeleteOptions{NotExistOK: true}))

	assert.Equal(t, []string{"a", "a"}, created)
	assert.Equal(t, []string{"a", "b"}, activated)
	assert.Equal(t, []string{"a"}, deleted)
}

func TestHooks_ReceiveCopies(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, WithOnActivate(func(ctx context.Context, m *Manager, p *Project) {
		p.Name = "mutated"
	}))

	_, err := m.Create(ctx, "a", CreateOptions{Activate: true})
	require.NoError(t, err)
	assert.Equal(t, "a", m.Current().Name)
}
