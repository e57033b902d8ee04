package project

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/projectd/internal/logging"
	"github.com/fyrsmithlabs/projectd/internal/naming"
	"github.com/fyrsmithlabs/projectd/internal/workspace"
)

// OutputDirPreference is the preferences key consulted by OutputDir.
const OutputDirPreference = "output_dir"

// activeLocked returns the active project or ErrNoActiveProject.
// The caller must hold m.mu.
func (m *Manager) activeLocked() (*Project, error) {
	if m.active == nil {
		return nil, ErrNoActiveProject
	}
	return m.active, nil
}

// RequestDirectory ensures <active DataDir>/<name> exists and returns it.
func (m *Manager) RequestDirectory(ctx context.Context, name string) (string, error) {
	if err := m.lock(); err != nil {
		return "", err
	}
	p, err := m.activeLocked()
	m.mu.Unlock()
	if err != nil {
		return "", err
	}

	dir, err := workspace.RequestDir(p.DataDir, name)
	if err != nil {
		return "", err
	}
	m.log.Trace(logging.WithProject(ctx, p.Name), "directory requested", zap.String("dir", dir))
	return dir, nil
}

// DataDir returns the data directory of the active project.
func (m *Manager) DataDir() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.activeLocked()
	if err != nil {
		return "", err
	}
	return p.DataDir, nil
}

// LogsDir returns the logs directory of the active project.
func (m *Manager) LogsDir() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.activeLocked()
	if err != nil {
		return "", err
	}
	return p.LogsDir, nil
}

// OutputDir picks where exports go: the configured output directory, then the
// output_dir preference, then an "output" directory in the active project.
// Configured values that are not existing directories are skipped.
func (m *Manager) OutputDir(ctx context.Context) (string, error) {
	if dir := m.cfg.OutputDir; dir != "" && workspace.IsDir(dir) {
		return dir, nil
	}
	if v, ok := m.prefs.Get(OutputDirPreference); ok {
		if dir, ok := v.(string); ok && workspace.IsDir(dir) {
			return dir, nil
		}
	}
	return m.RequestDirectory(ctx, "output")
}

// UseShortHash moves a project tree to its short-form segment.
func (m *Manager) UseShortHash(ctx context.Context, name string) (*Project, error) {
	return m.rehash(ctx, name, naming.FormShort)
}

// UseLongHash moves a project tree to its long-form segment.
func (m *Manager) UseLongHash(ctx context.Context, name string) (*Project, error) {
	return m.rehash(ctx, name, naming.FormLong)
}

// rehash moves the tree of name (empty means active) to the segment of the
// given form and records the new location. If the row update fails the tree
// is moved back, so either both change or neither does.
func (m *Manager) rehash(ctx context.Context, name string, form naming.Form) (*Project, error) {
	ctx, span := m.startOp(ctx, "rehash", name)
	defer span.End()
	span.SetAttributes(attribute.String("project.form", form.String()))

	if err := m.lock(); err != nil {
		return nil, endOp(span, err)
	}
	defer m.mu.Unlock()

	name, err := m.resolveName(name)
	if err != nil {
		return nil, endOp(span, err)
	}
	p, err := m.reg.Get(ctx, name)
	if err != nil {
		return nil, endOp(span, err)
	}

	segment := naming.SegmentForm(name, form)
	if segment == p.Segment {
		return p, nil
	}

	src := treeOf(p)
	dst := m.treeFor(segment)
	if err := m.ws.MoveTree(src, dst); err != nil {
		return nil, endOp(span, err)
	}

	updated, err := m.reg.UpdateLocation(ctx, name, segment, dst.DataDir, dst.LogsDir)
	if err != nil {
		if mvErr := m.ws.MoveTree(dst, src); mvErr != nil {
			m.log.Error(ctx, "rehash revert failed, row and tree disagree",
				zap.String("data_dir", dst.DataDir),
				zap.Error(mvErr),
			)
			return nil, endOp(span, fmt.Errorf("%w (revert failed: %v)", err, mvErr))
		}
		return nil, endOp(span, err)
	}

	m.refreshActive(updated)
	m.log.Info(ctx, "project rehashed",
		zap.String("from", p.Segment),
		zap.String("to", segment),
	)
	return updated, nil
}
