package project

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/projectd/internal/atomicstore"
	"github.com/fyrsmithlabs/projectd/internal/logging"
	"github.com/fyrsmithlabs/projectd/internal/naming"
	"github.com/fyrsmithlabs/projectd/internal/registry"
	"github.com/fyrsmithlabs/projectd/internal/workspace"
)

// PreferencesName is the base name of the preferences store under the data
// root. The extension follows the configured format.
const PreferencesName = "preferences"

// Config configures a Manager.
type Config struct {
	// DataRoot holds one tree per project plus the registry. Required.
	DataRoot string

	// LogsRoot holds one logs directory per project.
	// Defaults to <DataRoot>/logs.
	LogsRoot string

	// OutputDir is an explicit export directory. Optional.
	OutputDir string

	// Database is the registry path. Defaults to <DataRoot>/projects.db.
	// registry.MemoryPath keeps the registry in memory.
	Database string

	// Layout is the skeleton of every data directory. The zero value means
	// workspace.DefaultLayout.
	Layout workspace.Layout

	// PreferencesFormat selects the preferences encoding, "json" (default)
	// or "toml".
	PreferencesFormat string
}

func (c *Config) applyDefaults() error {
	if c.DataRoot == "" || !filepath.IsAbs(c.DataRoot) {
		return fmt.Errorf("%w: data root must be an absolute path, got %q", ErrInvalidConfig, c.DataRoot)
	}
	if c.LogsRoot == "" {
		c.LogsRoot = filepath.Join(c.DataRoot, "logs")
	}
	if !filepath.IsAbs(c.LogsRoot) {
		return fmt.Errorf("%w: logs root must be an absolute path, got %q", ErrInvalidConfig, c.LogsRoot)
	}
	if filepath.Clean(c.LogsRoot) == filepath.Clean(c.DataRoot) {
		return fmt.Errorf("%w: logs root must differ from data root", ErrInvalidConfig)
	}
	if c.Database == "" {
		c.Database = filepath.Join(c.DataRoot, "projects.db")
	}
	if len(c.Layout.Subdirs) == 0 {
		c.Layout = workspace.DefaultLayout()
	}
	if _, err := atomicstore.CodecFor(c.PreferencesFormat); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// PreferencesPath is where a manager with this config keeps its preferences.
func (c Config) PreferencesPath() string {
	codec, err := atomicstore.CodecFor(c.PreferencesFormat)
	if err != nil {
		codec = atomicstore.JSONCodec{}
	}
	return filepath.Join(c.DataRoot, PreferencesName+"."+codec.Ext())
}

// Manager keeps the registry and the workspace trees consistent and tracks
// the active project. It is safe for concurrent use, but assumes it is the
// only writer of its roots and database.
type Manager struct {
	mu     sync.Mutex
	cfg    Config
	reg    *registry.Registry
	ws     *workspace.Manager
	prefs  *atomicstore.Store[any]
	active *Project
	closed bool

	log *logging.Logger

	onCreate   []Hook
	onActivate []Hook
	onDelete   []Hook

	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	tracer         trace.Tracer
	createdCounter metric.Int64Counter
	deletedCounter metric.Int64Counter
	copiedCounter  metric.Int64Counter
	purgedCounter  metric.Int64Counter
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger. Sub-components get named children.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.log = logging.FromZap(l) }
}

// WithTracerProvider overrides the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(m *Manager) { m.tracerProvider = tp }
}

// WithMeterProvider overrides the global meter provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(m *Manager) { m.meterProvider = mp }
}

// WithOnCreate registers a hook run after Create and SetCurrent.
func WithOnCreate(h Hook) Option {
	return func(m *Manager) { m.onCreate = append(m.onCreate, h) }
}

// WithOnActivate registers a hook run whenever a project becomes active.
func WithOnActivate(h Hook) Option {
	return func(m *Manager) { m.onActivate = append(m.onActivate, h) }
}

// WithOnDelete registers a hook run after a project row is deleted.
func WithOnDelete(h Hook) Option {
	return func(m *Manager) { m.onDelete = append(m.onDelete, h) }
}

// New opens the registry and prepares both roots.
func New(ctx context.Context, cfg Config, opts ...Option) (*Manager, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}

	m := &Manager{
		cfg: cfg,
		log: logging.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.tracerProvider == nil {
		m.tracerProvider = otel.GetTracerProvider()
	}
	if m.meterProvider == nil {
		m.meterProvider = otel.GetMeterProvider()
	}
	m.tracer = m.tracerProvider.Tracer(instrumentationName)
	m.initMetrics(m.meterProvider.Meter(instrumentationName))

	for _, dir := range []string{cfg.DataRoot, cfg.LogsRoot} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create root %s: %w", dir, err)
		}
	}

	zl := m.log.Underlying()

	reg, err := registry.Open(ctx, cfg.Database, registry.WithLogger(zl.Named("registry")))
	if err != nil {
		return nil, err
	}

	codec, _ := atomicstore.CodecFor(cfg.PreferencesFormat)
	prefs, err := atomicstore.Open[any](
		cfg.PreferencesPath(),
		atomicstore.WithCodec[any](codec),
		atomicstore.WithDefaults[any](map[string]any{"use_cache": true}),
		atomicstore.WithLogger[any](zl.Named("preferences")),
	)
	if err != nil {
		reg.Close()
		return nil, fmt.Errorf("failed to open preferences: %w", err)
	}

	m.reg = reg
	m.prefs = prefs
	m.ws = workspace.New(
		workspace.WithLayout(cfg.Layout),
		workspace.WithLogger(zl.Named("workspace")),
	)

	m.log.Debug(ctx, "project manager ready",
		zap.String("data_root", cfg.DataRoot),
		zap.String("logs_root", cfg.LogsRoot),
		zap.String("database", cfg.Database),
	)
	return m, nil
}

// Config returns the resolved configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

// Preferences returns the preferences store kept next to the registry.
func (m *Manager) Preferences() *atomicstore.Store[any] {
	return m.prefs
}

// BackupPreferences writes a timestamped copy of the preferences store to
// <data root>/backups and returns its path.
func (m *Manager) BackupPreferences(ctx context.Context) (string, error) {
	ctx, span := m.startOp(ctx, "backup_preferences", "")
	defer span.End()

	if err := m.lock(); err != nil {
		return "", endOp(span, err)
	}
	defer m.mu.Unlock()

	path, err := m.prefs.Backup()
	if err != nil {
		return "", endOp(span, err)
	}
	span.SetAttributes(attribute.String("backup.path", path))
	m.log.Info(ctx, "preferences backed up", zap.String("path", path))
	return path, nil
}

// Close closes the registry. The manager is unusable afterwards.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	m.active = nil
	return m.reg.Close()
}

// lock acquires the manager lock, failing if the manager is closed.
func (m *Manager) lock() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	return nil
}

func (m *Manager) treeFor(segment string) workspace.Tree {
	return workspace.Tree{
		DataDir: filepath.Join(m.cfg.DataRoot, segment),
		LogsDir: filepath.Join(m.cfg.LogsRoot, segment),
	}
}

func treeOf(p *Project) workspace.Tree {
	return workspace.Tree{DataDir: p.DataDir, LogsDir: p.LogsDir}
}

func runHooks(ctx context.Context, m *Manager, hooks []Hook, p *Project) {
	for _, h := range hooks {
		h(ctx, m, p.Clone())
	}
}

// resolveName maps an empty name to the active project.
// The caller must hold m.mu.
func (m *Manager) resolveName(name string) (string, error) {
	if name != "" {
		return name, nil
	}
	if m.active == nil {
		return "", ErrNoActiveProject
	}
	return m.active.Name, nil
}

// Create registers name and creates its tree.
//
// If the project is not registered yet the tree is created first and the row
// second. An existing project yields ErrProjectExists unless opts.ExistOK.
func (m *Manager) Create(ctx context.Context, name string, opts CreateOptions) (*Project, error) {
	ctx, span := m.startOp(ctx, "create", name)
	defer span.End()

	if err := m.lock(); err != nil {
		return nil, endOp(span, err)
	}
	p, created, err := m.createLocked(ctx, name, opts)
	if err == nil && opts.Activate {
		m.active = p.Clone()
	}
	m.mu.Unlock()

	if err != nil {
		return nil, endOp(span, err)
	}

	span.SetAttributes(
		attribute.String("project.segment", p.Segment),
		attribute.Bool("project.created", created),
	)
	if created {
		addCount(ctx, m.createdCounter, 1)
	}

	runHooks(ctx, m, m.onCreate, p)
	if opts.Activate {
		runHooks(ctx, m, m.onActivate, p)
	}
	return p, nil
}

// createLocked returns the project and whether this call created it.
func (m *Manager) createLocked(ctx context.Context, name string, opts CreateOptions) (*Project, bool, error) {
	if err := registry.ValidateName(name); err != nil {
		return nil, false, err
	}

	existing, err := m.reg.Get(ctx, name)
	switch {
	case err == nil:
		if !opts.ExistOK {
			return nil, false, fmt.Errorf("%w: %s", ErrProjectExists, name)
		}
		return existing, false, nil
	case !errors.Is(err, registry.ErrNotFound):
		return nil, false, err
	}

	segment := naming.Segment(name)
	tree := m.treeFor(segment)
	if err := m.ws.CreateTree(tree, opts.ExistOK); err != nil {
		return nil, false, err
	}

	p, outcome, err := m.reg.GetOrCreate(ctx, registry.Project{
		Name:       name,
		Segment:    segment,
		Attributes: opts.Attributes,
		DataDir:    tree.DataDir,
		LogsDir:    tree.LogsDir,
	})
	if err != nil {
		m.log.Warn(ctx, "row insert failed after tree creation, tree left as orphan",
			zap.String("data_dir", tree.DataDir),
			zap.Error(err),
		)
		return nil, false, err
	}

	m.log.Info(ctx, "project created",
		zap.String("segment", p.Segment),
		zap.Stringer("outcome", outcome),
	)
	return p, outcome == registry.Created, nil
}

// Activate makes an existing project the active one.
func (m *Manager) Activate(ctx context.Context, name string) (*Project, error) {
	ctx, span := m.startOp(ctx, "activate", name)
	defer span.End()

	if err := m.lock(); err != nil {
		return nil, endOp(span, err)
	}
	p, err := m.reg.Get(ctx, name)
	if err == nil {
		m.active = p.Clone()
	}
	m.mu.Unlock()

	if err != nil {
		return nil, endOp(span, err)
	}

	m.log.Debug(ctx, "project activated")
	runHooks(ctx, m, m.onActivate, p)
	return p, nil
}

// SetCurrent creates name if needed and activates it.
// attrs only apply when the project is new.
func (m *Manager) SetCurrent(ctx context.Context, name string, attrs map[string]any) (*Project, error) {
	return m.Create(ctx, name, CreateOptions{
		Attributes: attrs,
		ExistOK:    true,
		Activate:   true,
	})
}

// Current returns a copy of the active project, or nil.
func (m *Manager) Current() *Project {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active.Clone()
}

// Delete removes a project row and, with opts.DeleteDir, its tree.
// An empty name means the active project. Deleting the active project
// leaves no active project.
func (m *Manager) Delete(ctx context.Context, name string, opts DeleteOptions) error {
	ctx, span := m.startOp(ctx, "delete", name)
	defer span.End()

	if err := m.lock(); err != nil {
		return endOp(span, err)
	}
	p, err := m.deleteLocked(ctx, name, opts)
	m.mu.Unlock()

	if err != nil {
		return endOp(span, err)
	}
	if p == nil {
		return nil
	}

	span.SetAttributes(attribute.Bool("project.delete_dir", opts.DeleteDir))
	addCount(ctx, m.deletedCounter, 1, attribute.Bool("delete_dir", opts.DeleteDir))
	runHooks(ctx, m, m.onDelete, p)
	return nil
}

// deleteLocked returns the deleted row, or nil when nothing was deleted.
func (m *Manager) deleteLocked(ctx context.Context, name string, opts DeleteOptions) (*Project, error) {
	name, err := m.resolveName(name)
	if err != nil {
		return nil, err
	}

	p, err := m.reg.Get(ctx, name)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) && opts.NotExistOK {
			return nil, nil
		}
		return nil, err
	}

	if err := m.reg.Delete(ctx, name, false); err != nil {
		return nil, err
	}

	// The row is gone from here on; the active pointer must not outlive it.
	if m.active != nil && m.active.Name == name {
		m.active = nil
	}

	if opts.DeleteDir {
		if err := m.ws.DeleteTree(treeOf(p), true); err != nil {
			return nil, fmt.Errorf("row deleted but tree removal failed: %w", err)
		}
	}

	m.log.Info(ctx, "project deleted",
		zap.String("project", name),
		zap.Bool("delete_dir", opts.DeleteDir),
	)
	return p, nil
}

// Copy duplicates a project's tree and attributes under newName.
// An empty name means the active project. With switchTo the copy becomes
// active.
func (m *Manager) Copy(ctx context.Context, name, newName string, switchTo bool) (*Project, error) {
	ctx, span := m.startOp(ctx, "copy", name)
	defer span.End()
	span.SetAttributes(attribute.String("project.new_name", newName))

	if err := m.lock(); err != nil {
		return nil, endOp(span, err)
	}
	p, err := m.copyLocked(ctx, name, newName)
	if err == nil && switchTo {
		m.active = p.Clone()
	}
	m.mu.Unlock()

	if err != nil {
		return nil, endOp(span, err)
	}

	addCount(ctx, m.copiedCounter, 1)
	if switchTo {
		runHooks(ctx, m, m.onActivate, p)
	}
	return p, nil
}

func (m *Manager) copyLocked(ctx context.Context, name, newName string) (*Project, error) {
	name, err := m.resolveName(name)
	if err != nil {
		return nil, err
	}
	if err := registry.ValidateName(newName); err != nil {
		return nil, err
	}

	src, err := m.reg.Get(ctx, name)
	if err != nil {
		return nil, err
	}

	exists, err := m.reg.Exists(ctx, newName)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("%w: %s", ErrProjectExists, newName)
	}

	segment := naming.Segment(newName)
	dst := m.treeFor(segment)
	if err := m.ws.CopyTree(treeOf(src), dst, false); err != nil {
		return nil, err
	}

	p, err := m.reg.Copy(ctx, name, newName, segment, dst.DataDir, dst.LogsDir)
	if err != nil {
		if rmErr := m.ws.DeleteTree(dst, true); rmErr != nil {
			m.log.Warn(ctx, "copied tree left as orphan", zap.String("data_dir", dst.DataDir), zap.Error(rmErr))
		}
		return nil, err
	}

	m.log.Info(ctx, "project copied", zap.String("to", newName), zap.String("segment", segment))
	return p, nil
}

// UpdateAttributes replaces the attributes of name (empty means active).
func (m *Manager) UpdateAttributes(ctx context.Context, name string, attrs map[string]any) (*Project, error) {
	ctx, span := m.startOp(ctx, "update_attributes", name)
	defer span.End()

	if err := m.lock(); err != nil {
		return nil, endOp(span, err)
	}
	defer m.mu.Unlock()

	name, err := m.resolveName(name)
	if err != nil {
		return nil, endOp(span, err)
	}
	p, err := m.reg.UpdateAttributes(ctx, name, attrs)
	if err != nil {
		return nil, endOp(span, err)
	}
	m.refreshActive(p)
	return p, nil
}

// refreshActive replaces the active pointer if it refers to p.
// The caller must hold m.mu.
func (m *Manager) refreshActive(p *Project) {
	if m.active != nil && m.active.Name == p.Name {
		m.active = p.Clone()
	}
}

// Get returns the row for name.
func (m *Manager) Get(ctx context.Context, name string) (*Project, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	return m.reg.Get(ctx, name)
}

// Exists reports whether name is registered.
func (m *Manager) Exists(ctx context.Context, name string) (bool, error) {
	if err := m.lock(); err != nil {
		return false, err
	}
	defer m.mu.Unlock()
	return m.reg.Exists(ctx, name)
}

// Count returns the number of registered projects.
func (m *Manager) Count(ctx context.Context) (int, error) {
	if err := m.lock(); err != nil {
		return 0, err
	}
	defer m.mu.Unlock()
	return m.reg.Count(ctx)
}

// List returns every project, sorted by name when sorted is set and in
// creation order otherwise.
func (m *Manager) List(ctx context.Context, sorted bool) ([]*Project, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	return m.reg.List(ctx, registry.ListOptions{SortByName: sorted})
}
