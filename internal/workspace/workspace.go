// Package workspace manages the on-disk directory trees of projects.
//
// A tree is a data directory holding a fixed set of subdirectories plus a
// separate logs directory:
//
//	<data root>/<segment>/
//	├── backups/
//	├── intermediate/
//	├── lci/
//	└── processed/
//	<logs root>/<segment>/
//
// The package knows nothing about the registry. Callers pass the set of
// registered segments where it matters (orphan purging).
package workspace

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/projectd/internal/naming"
)

// Errors returned by workspace operations.
var (
	ErrDirectoryExists = errors.New("directory already exists")
	ErrNotFound        = errors.New("directory not found")
	ErrInvalidDirName  = errors.New("invalid directory name")
	ErrNotDirectory    = errors.New("path exists and is not a directory")
)

// WriteLockName is the lock file some tools leave inside a data directory.
// It is never copied.
const WriteLockName = "write-lock"

const dirPerm = 0o755

// rename is swapped in tests to simulate failures and cross-device moves.
var rename = os.Rename

// Tree is the pair of directories owned by one project.
type Tree struct {
	DataDir string
	LogsDir string
}

// Layout lists the subdirectories created inside every data directory.
type Layout struct {
	Subdirs []string
}

// DefaultLayout returns the standard skeleton.
func DefaultLayout() Layout {
	return Layout{Subdirs: []string{"backups", "intermediate", "lci", "processed"}}
}

// Manager performs tree operations.
type Manager struct {
	layout Layout
	logger *zap.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithLayout overrides the skeleton.
func WithLayout(l Layout) Option {
	return func(m *Manager) { m.layout = l }
}

// WithLogger sets the manager logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// New returns a Manager with the default layout.
func New(opts ...Option) *Manager {
	m := &Manager{
		layout: DefaultLayout(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Layout returns the skeleton in use.
func (m *Manager) Layout() Layout {
	return m.layout
}

// CreateTree creates the data directory, its skeleton and the logs directory.
// An existing data directory is ErrDirectoryExists unless existOK is set, in
// which case missing parts of the skeleton are filled in.
func (m *Manager) CreateTree(t Tree, existOK bool) error {
	exists, err := dirExists(t.DataDir)
	if err != nil {
		return err
	}
	if exists && !existOK {
		return fmt.Errorf("%w: %s", ErrDirectoryExists, t.DataDir)
	}

	for _, dir := range m.treeDirs(t) {
		if err := os.MkdirAll(dir, dirPerm); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	m.logger.Debug("workspace tree created",
		zap.String("data_dir", t.DataDir),
		zap.String("logs_dir", t.LogsDir),
	)
	return nil
}

// Missing lists the directories of the tree that are absent or are not
// directories, data directory first. A complete tree yields nil.
func (m *Manager) Missing(t Tree) []string {
	var missing []string
	for _, dir := range m.treeDirs(t) {
		if !IsDir(dir) {
			missing = append(missing, dir)
		}
	}
	return missing
}

func (m *Manager) treeDirs(t Tree) []string {
	dirs := make([]string, 0, len(m.layout.Subdirs)+2)
	dirs = append(dirs, t.DataDir)
	for _, sub := range m.layout.Subdirs {
		dirs = append(dirs, filepath.Join(t.DataDir, sub))
	}
	return append(dirs, t.LogsDir)
}

// DeleteTree removes both directories recursively. A missing data directory
// is ErrNotFound unless missingOK is set.
func (m *Manager) DeleteTree(t Tree, missingOK bool) error {
	exists, err := dirExists(t.DataDir)
	if err != nil {
		return err
	}
	if !exists && !missingOK {
		return fmt.Errorf("%w: %s", ErrNotFound, t.DataDir)
	}

	if err := os.RemoveAll(t.DataDir); err != nil {
		return fmt.Errorf("failed to remove %s: %w", t.DataDir, err)
	}
	if err := os.RemoveAll(t.LogsDir); err != nil {
		return fmt.Errorf("failed to remove %s: %w", t.LogsDir, err)
	}

	m.logger.Debug("workspace tree deleted", zap.String("data_dir", t.DataDir))
	return nil
}

// CopyTree copies src into dst, skipping write-lock files. Either destination
// directory already existing is ErrDirectoryExists unless dirsExistOK is set.
func (m *Manager) CopyTree(src, dst Tree, dirsExistOK bool) error {
	exists, err := dirExists(src.DataDir)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, src.DataDir)
	}

	if !dirsExistOK {
		for _, dir := range []string{dst.DataDir, dst.LogsDir} {
			ok, err := dirExists(dir)
			if err != nil {
				return err
			}
			if ok {
				return fmt.Errorf("%w: %s", ErrDirectoryExists, dir)
			}
		}
	}

	if err := copyDir(src.DataDir, dst.DataDir); err != nil {
		return fmt.Errorf("failed to copy data dir: %w", err)
	}

	logsExist, err := dirExists(src.LogsDir)
	if err != nil {
		return err
	}
	if logsExist {
		err = copyDir(src.LogsDir, dst.LogsDir)
	} else {
		err = os.MkdirAll(dst.LogsDir, dirPerm)
	}
	if err != nil {
		return fmt.Errorf("failed to copy logs dir: %w", err)
	}

	m.logger.Debug("workspace tree copied",
		zap.String("from", src.DataDir),
		zap.String("to", dst.DataDir),
	)
	return nil
}

// MoveTree renames src to dst. Both destinations must be absent. If moving
// the logs directory fails, the data directory is moved back.
//
// Moves across filesystems fall back to copy then delete, which is not atomic.
func (m *Manager) MoveTree(src, dst Tree) error {
	exists, err := dirExists(src.DataDir)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, src.DataDir)
	}
	for _, dir := range []string{dst.DataDir, dst.LogsDir} {
		ok, err := dirExists(dir)
		if err != nil {
			return err
		}
		if ok {
			return fmt.Errorf("%w: %s", ErrDirectoryExists, dir)
		}
	}

	if err := m.move(src.DataDir, dst.DataDir); err != nil {
		return fmt.Errorf("failed to move data dir: %w", err)
	}

	logsExist, err := dirExists(src.LogsDir)
	if err == nil {
		if logsExist {
			err = m.move(src.LogsDir, dst.LogsDir)
		} else {
			err = os.MkdirAll(dst.LogsDir, dirPerm)
		}
	}
	if err != nil {
		if rbErr := m.move(dst.DataDir, src.DataDir); rbErr != nil {
			m.logger.Error("workspace move rollback failed",
				zap.String("data_dir", dst.DataDir),
				zap.Error(rbErr),
			)
			return fmt.Errorf("failed to move logs dir: %w (rollback failed: %v)", err, rbErr)
		}
		return fmt.Errorf("failed to move logs dir: %w", err)
	}

	m.logger.Info("workspace tree moved",
		zap.String("from", src.DataDir),
		zap.String("to", dst.DataDir),
	)
	return nil
}

func (m *Manager) move(from, to string) error {
	if err := os.MkdirAll(filepath.Dir(to), dirPerm); err != nil {
		return err
	}

	err := rename(from, to)
	if err == nil || !errors.Is(err, syscall.EXDEV) {
		return err
	}

	m.logger.Warn("cross-device move, falling back to copy",
		zap.String("from", from),
		zap.String("to", to),
	)
	if err := copyDir(from, to); err != nil {
		_ = os.RemoveAll(to)
		return err
	}
	return os.RemoveAll(from)
}

// Orphans lists immediate subdirectories of root that look like project
// segments but are not in registered. A missing root has no orphans.
func (m *Manager) Orphans(root string, registered map[string]struct{}) ([]string, error) {
	entries, err := os.ReadDir(root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", root, err)
	}

	var orphans []string
	for _, e := range entries {
		if !e.IsDir() || !naming.IsSegment(e.Name()) {
			continue
		}
		if _, ok := registered[e.Name()]; ok {
			continue
		}
		orphans = append(orphans, filepath.Join(root, e.Name()))
	}
	return orphans, nil
}

// PurgeOrphans deletes every orphan under root and returns how many were
// removed. Directories that do not look like segments are never touched.
func (m *Manager) PurgeOrphans(root string, registered map[string]struct{}) (int, error) {
	orphans, err := m.Orphans(root, registered)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, dir := range orphans {
		if err := os.RemoveAll(dir); err != nil {
			return removed, fmt.Errorf("failed to remove orphan %s: %w", dir, err)
		}
		m.logger.Info("orphan directory removed", zap.String("dir", dir))
		removed++
	}
	return removed, nil
}

// RequestDir ensures base/name exists as a directory and returns its path.
// name must be a local relative path.
func RequestDir(base, name string) (string, error) {
	if name == "" || !filepath.IsLocal(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidDirName, name)
	}

	dir := filepath.Join(base, name)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		// dir itself or one of its parents is a file.
		if errors.Is(err, syscall.ENOTDIR) {
			return "", fmt.Errorf("%w: %s", ErrNotDirectory, dir)
		}
		return "", fmt.Errorf("failed to create %s: %w", dir, err)
	}
	return dir, nil
}

// IsDir reports whether path exists and is a directory.
func IsDir(path string) bool {
	ok, err := dirExists(path)
	return err == nil && ok
}

func dirExists(path string) (bool, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if !info.IsDir() {
		return false, fmt.Errorf("%w: %s", ErrNotDirectory, path)
	}
	return true, nil
}

// copyDir copies the tree at src to dst, preserving file modes.
func copyDir(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		case d.Name() == WriteLockName:
			return nil
		case !info.Mode().IsRegular():
			// Sockets, devices and symlinks are not part of a workspace.
			return nil
		default:
			return copyFile(path, target, info.Mode().Perm())
		}
	})
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
