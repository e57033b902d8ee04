// Package registry keeps the durable table of project records.
//
// The table lives in a single SQLite file. Each mutating call is one
// auto-committed statement, so a call that returns nil is on disk.
//
// Layout on disk:
//
//	<data root>/
//	├── projects.db             ← project table
//	└── projects.db.meta.json   ← schema version + registry id (atomicstore)
//
// The registry never touches project directories. Keeping rows and trees
// consistent is the job of the project manager.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/fyrsmithlabs/projectd/internal/atomicstore"
)

// SchemaVersion is the table layout written by this build.
const SchemaVersion = 1

// MemoryPath opens an ephemeral registry with no file and no metadata sidecar.
const MemoryPath = ":memory:"

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

const schema = `
CREATE TABLE IF NOT EXISTS projects (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT NOT NULL UNIQUE,
	name       TEXT NOT NULL UNIQUE,
	segment    TEXT NOT NULL UNIQUE,
	attributes TEXT NOT NULL DEFAULT '{}',
	data_dir   TEXT NOT NULL,
	logs_dir   TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
`

const projectColumns = `id, name, segment, attributes, data_dir, logs_dir, created_at, updated_at`

// Outcome tags the result of GetOrCreate.
type Outcome int

const (
	// Created means the row was inserted by this call.
	Created Outcome = iota
	// Existing means a row with the same name was already present and was
	// returned unchanged.
	Existing
)

func (o Outcome) String() string {
	if o == Existing {
		return "existing"
	}
	return "created"
}

// ListOptions controls List ordering.
type ListOptions struct {
	// SortByName orders by name, case-insensitively. The default is
	// insertion order.
	SortByName bool
}

// Registry is the project table.
type Registry struct {
	db     *sql.DB
	path   string
	meta   *atomicstore.Store[any]
	logger *zap.Logger
	now    func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// Open opens or creates the registry database at path.
// Use MemoryPath for a registry that lives only as long as the process.
func Open(ctx context.Context, path string, opts ...Option) (*Registry, error) {
	if path == "" {
		return nil, errors.New("registry path required")
	}

	r := &Registry{
		path:   path,
		logger: zap.NewNop(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}

	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create registry directory: %w", err)
		}
		if err := r.openMeta(); err != nil {
			return nil, err
		}
	}

	db, err := openDB("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open registry database: %w", err)
	}
	// Single writer. This also keeps an in-memory database on one connection.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("registry pragma %q: %w", p, err)
		}
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply registry schema: %w", err)
	}

	r.db = db
	r.logger.Debug("registry opened", zap.String("path", path), zap.String("registry_id", r.ID()))
	return r, nil
}

// openMeta loads the metadata sidecar, rejecting databases written by a
// newer schema.
func (r *Registry) openMeta() error {
	meta, err := atomicstore.Open[any](r.path+".meta.json", atomicstore.WithLogger[any](r.logger))
	if err != nil {
		return fmt.Errorf("failed to open registry metadata: %w", err)
	}

	if v, ok := meta.Get("schema_version"); ok {
		version, ok := v.(float64)
		if !ok {
			return fmt.Errorf("%w: schema_version is %T", atomicstore.ErrCorruptStore, v)
		}
		if int(version) > SchemaVersion {
			return fmt.Errorf("%w: found %d, support %d", ErrSchemaVersion, int(version), SchemaVersion)
		}
	}
	if err := meta.Set("schema_version", SchemaVersion); err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}
	if _, ok := meta.Get("registry_id"); !ok {
		if err := meta.Set("registry_id", uuid.NewString()); err != nil {
			return fmt.Errorf("failed to record registry id: %w", err)
		}
	}

	r.meta = meta
	return nil
}

// ID returns the registry instance id from the metadata sidecar, or an
// empty string for in-memory registries.
func (r *Registry) ID() string {
	if r.meta == nil {
		return ""
	}
	v, _ := r.meta.Get("registry_id")
	id, _ := v.(string)
	return id
}

// Path returns the database path.
func (r *Registry) Path() string {
	return r.path
}

// Close closes the database.
func (r *Registry) Close() error {
	return r.db.Close()
}

// Create inserts p. It fails with ErrProjectExists if the name is taken.
// ID and timestamps are assigned here; the stored record is returned.
func (r *Registry) Create(ctx context.Context, p Project) (*Project, error) {
	created, outcome, err := r.GetOrCreate(ctx, p)
	if err != nil {
		return nil, err
	}
	if outcome == Existing {
		return nil, fmt.Errorf("%w: %s", ErrProjectExists, p.Name)
	}
	return created, nil
}

// GetOrCreate inserts p unless a row with the same name exists, in which
// case that row is returned untouched. The insert and the conflict check
// are one statement.
func (r *Registry) GetOrCreate(ctx context.Context, p Project) (*Project, Outcome, error) {
	if err := p.Validate(); err != nil {
		return nil, Created, err
	}

	attrs, err := encodeAttributes(p.Attributes)
	if err != nil {
		return nil, Created, err
	}

	now := formatTime(r.now())
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO projects (`+projectColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT DO NOTHING`,
		uuid.NewString(), p.Name, p.Segment, attrs, p.DataDir, p.LogsDir, now, now,
	)
	if err != nil {
		return nil, Created, fmt.Errorf("failed to insert project: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, Created, fmt.Errorf("failed to read insert result: %w", err)
	}

	outcome := Created
	if n == 0 {
		exists, err := r.Exists(ctx, p.Name)
		if err != nil {
			return nil, Created, err
		}
		if !exists {
			return nil, Created, fmt.Errorf("%w: %s", ErrSegmentConflict, p.Segment)
		}
		outcome = Existing
	}

	stored, err := r.Get(ctx, p.Name)
	if err != nil {
		return nil, Created, err
	}

	r.logger.Debug("registry get-or-create",
		zap.String("project", p.Name),
		zap.Stringer("outcome", outcome),
	)
	return stored, outcome, nil
}

// Get returns the row for name or ErrNotFound.
func (r *Registry) Get(ctx context.Context, name string) (*Project, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE name = ?`, name)

	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read project %s: %w", name, err)
	}
	return p, nil
}

// Exists reports whether a row named name exists.
func (r *Registry) Exists(ctx context.Context, name string) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx, `SELECT 1 FROM projects WHERE name = ?`, name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check project %s: %w", name, err)
	}
	return true, nil
}

// Count returns the number of rows.
func (r *Registry) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM projects`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count projects: %w", err)
	}
	return n, nil
}

// List returns every row, in insertion order unless opts asks for name order.
func (r *Registry) List(ctx context.Context, opts ListOptions) ([]*Project, error) {
	order := `seq`
	if opts.SortByName {
		order = `name COLLATE NOCASE, name`
	}

	rows, err := r.db.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY `+order)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	var projects []*Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate projects: %w", err)
	}
	return projects, nil
}

// Segments returns the set of registered directory segments.
func (r *Registry) Segments(ctx context.Context) (map[string]struct{}, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT segment FROM projects`)
	if err != nil {
		return nil, fmt.Errorf("failed to list segments: %w", err)
	}
	defer rows.Close()

	segments := make(map[string]struct{})
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("failed to scan segment: %w", err)
		}
		segments[s] = struct{}{}
	}
	return segments, rows.Err()
}

// Delete removes the row for name. A missing row is ErrNotFound unless
// notExistOK is set.
func (r *Registry) Delete(ctx context.Context, name string, notExistOK bool) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM projects WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("failed to delete project %s: %w", name, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read delete result: %w", err)
	}
	if n == 0 && !notExistOK {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	r.logger.Debug("registry row deleted", zap.String("project", name), zap.Int64("rows", n))
	return nil
}

// Copy inserts newName with the attributes of name and the given location.
// Source lookup and insert are one statement.
func (r *Registry) Copy(ctx context.Context, name, newName, segment, dataDir, logsDir string) (*Project, error) {
	target := Project{Name: newName, Segment: segment, DataDir: dataDir, LogsDir: logsDir}
	if err := target.Validate(); err != nil {
		return nil, err
	}

	now := formatTime(r.now())
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO projects (`+projectColumns+`)
		 SELECT ?, ?, ?, attributes, ?, ?, ?, ? FROM projects WHERE name = ?
		 ON CONFLICT DO NOTHING`,
		uuid.NewString(), newName, segment, dataDir, logsDir, now, now, name,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to copy project %s: %w", name, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read copy result: %w", err)
	}
	if n == 0 {
		return nil, r.explainCopyConflict(ctx, name, newName, segment)
	}

	return r.Get(ctx, newName)
}

func (r *Registry) explainCopyConflict(ctx context.Context, name, newName, segment string) error {
	ok, err := r.Exists(ctx, name)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	ok, err = r.Exists(ctx, newName)
	if err != nil {
		return err
	}
	if ok {
		return fmt.Errorf("%w: %s", ErrProjectExists, newName)
	}
	return fmt.Errorf("%w: %s", ErrSegmentConflict, segment)
}

// UpdateAttributes replaces the attributes of name.
func (r *Registry) UpdateAttributes(ctx context.Context, name string, attrs map[string]any) (*Project, error) {
	encoded, err := encodeAttributes(attrs)
	if err != nil {
		return nil, err
	}

	res, err := r.db.ExecContext(ctx,
		`UPDATE projects SET attributes = ?, updated_at = ? WHERE name = ?`,
		encoded, formatTime(r.now()), name,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update attributes of %s: %w", name, err)
	}
	if err := requireRow(res, name); err != nil {
		return nil, err
	}
	return r.Get(ctx, name)
}

// UpdateLocation is the only way to change where a project lives on disk.
// The caller must have moved the directories already.
func (r *Registry) UpdateLocation(ctx context.Context, name, segment, dataDir, logsDir string) (*Project, error) {
	if segment == "" {
		return nil, fmt.Errorf("%w: empty segment", ErrInvalidLocation)
	}
	if err := validateLocation(dataDir, logsDir); err != nil {
		return nil, err
	}

	var one int
	err := r.db.QueryRowContext(ctx,
		`SELECT 1 FROM projects WHERE segment = ? AND name <> ?`, segment, name).Scan(&one)
	if err == nil {
		return nil, fmt.Errorf("%w: %s", ErrSegmentConflict, segment)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to check segment %s: %w", segment, err)
	}

	res, err := r.db.ExecContext(ctx,
		`UPDATE projects SET segment = ?, data_dir = ?, logs_dir = ?, updated_at = ? WHERE name = ?`,
		segment, dataDir, logsDir, formatTime(r.now()), name,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update location of %s: %w", name, err)
	}
	if err := requireRow(res, name); err != nil {
		return nil, err
	}

	r.logger.Info("project location updated",
		zap.String("project", name),
		zap.String("segment", segment),
		zap.String("data_dir", dataDir),
	)
	return r.Get(ctx, name)
}

func requireRow(res sql.Result, name string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProject(s scanner) (*Project, error) {
	var (
		p                    Project
		attrs                string
		createdAt, updatedAt string
	)
	if err := s.Scan(&p.ID, &p.Name, &p.Segment, &attrs, &p.DataDir, &p.LogsDir, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(attrs), &p.Attributes); err != nil {
		return nil, fmt.Errorf("%w: attributes of %s: %v", ErrRegistryCorrupted, p.Name, err)
	}
	if p.Attributes == nil {
		p.Attributes = map[string]any{}
	}

	var err error
	if p.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("%w: created_at of %s: %v", ErrRegistryCorrupted, p.Name, err)
	}
	if p.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("%w: updated_at of %s: %v", ErrRegistryCorrupted, p.Name, err)
	}
	return &p, nil
}

func encodeAttributes(attrs map[string]any) (string, error) {
	if attrs == nil {
		return "{}", nil
	}
	b, err := json.Marshal(attrs)
	if err != nil {
		return "", fmt.Errorf("attributes are not JSON-compatible: %w", err)
	}
	return string(b), nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
