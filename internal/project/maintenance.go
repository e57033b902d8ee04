package project

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/projectd/internal/registry"
)

// PurgeOrphans removes segment directories under the data and logs roots
// that have no registry row. It never runs implicitly.
func (m *Manager) PurgeOrphans(ctx context.Context) (int, error) {
	ctx, span := m.startOp(ctx, "purge", "")
	defer span.End()

	if err := m.lock(); err != nil {
		return 0, endOp(span, err)
	}
	defer m.mu.Unlock()

	registered, err := m.reg.Segments(ctx)
	if err != nil {
		return 0, endOp(span, err)
	}

	total := 0
	for _, root := range m.roots() {
		n, err := m.ws.PurgeOrphans(root, registered)
		total += n
		if err != nil {
			addCount(ctx, m.purgedCounter, int64(total))
			return total, endOp(span, err)
		}
	}

	span.SetAttributes(attribute.Int("project.purged", total))
	addCount(ctx, m.purgedCounter, int64(total))
	if total > 0 {
		m.log.Info(ctx, "orphan directories purged", zap.Int("count", total))
	}
	return total, nil
}

// roots returns the directories scanned for orphans.
func (m *Manager) roots() []string {
	return []string{m.cfg.DataRoot, m.cfg.LogsRoot}
}

// Check reports orphan directories and rows whose directories are missing.
// It changes nothing.
func (m *Manager) Check(ctx context.Context) (*Report, error) {
	ctx, span := m.startOp(ctx, "check", "")
	defer span.End()

	if err := m.lock(); err != nil {
		return nil, endOp(span, err)
	}
	defer m.mu.Unlock()

	registered, err := m.reg.Segments(ctx)
	if err != nil {
		return nil, endOp(span, err)
	}

	report := &Report{}
	for _, root := range m.roots() {
		orphans, err := m.ws.Orphans(root, registered)
		if err != nil {
			return nil, endOp(span, err)
		}
		report.OrphanDirs = append(report.OrphanDirs, orphans...)
	}

	projects, err := m.reg.List(ctx, registry.ListOptions{})
	if err != nil {
		return nil, endOp(span, err)
	}
	for _, p := range projects {
		if missing := m.ws.Missing(treeOf(p)); len(missing) > 0 {
			report.Dangling = append(report.Dangling, Dangling{Name: p.Name, Missing: missing})
		}
	}

	span.SetAttributes(
		attribute.Int("project.orphans", len(report.OrphanDirs)),
		attribute.Int("project.dangling", len(report.Dangling)),
	)
	if !report.Clean() {
		m.log.Warn(ctx, "registry and workspace disagree",
			zap.Strings("orphans", report.OrphanDirs),
			zap.Int("dangling", len(report.Dangling)),
		)
	}
	return report, nil
}

// Summary describes the registry in one line: the project count followed by
// up to limit names in sorted order.
func (m *Manager) Summary(ctx context.Context, limit int) (string, error) {
	projects, err := m.List(ctx, true)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d projects", len(projects))
	if len(projects) == 0 || limit <= 0 {
		return b.String(), nil
	}

	names := make([]string, 0, min(limit, len(projects)))
	for _, p := range projects[:min(limit, len(projects))] {
		names = append(names, p.Name)
	}
	b.WriteString(": ")
	b.WriteString(strings.Join(names, ", "))
	if len(projects) > limit {
		b.WriteString(", ...")
	}
	return b.String(), nil
}
