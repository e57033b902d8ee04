// Package atomicstore provides a crash-safe key/value map persisted to a single file.
//
// Every mutation serializes the whole map to a temporary file in the same
// directory, syncs it and renames it over the target. A crash at any point
// leaves either the previous complete file or the new complete file on disk,
// never a truncated one.
//
// The store is used for the registry metadata sidecar and for the
// preferences file kept next to the project database.
package atomicstore

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Errors returned by store operations.
var (
	ErrCorruptStore = errors.New("store file corrupted")
	ErrKeyNotFound  = errors.New("key not found")
	ErrEmptyPath    = errors.New("store path cannot be empty")
)

// BackupDirName is the subdirectory, next to the store file, that receives backups.
const BackupDirName = "backups"

const filePerm = 0o600

// Swappable for tests that simulate a crash between write and rename.
var (
	renameFile = os.Rename
	syncDir    = fsyncDir
)

// Store is a string-keyed map of V persisted to one file.
// It is safe for concurrent use within one process.
type Store[V any] struct {
	mu     sync.RWMutex
	path   string
	codec  Codec
	data   map[string]V
	dirty  bool
	logger *zap.Logger
	now    func() time.Time

	defaults map[string]V
}

// Option configures a Store.
type Option[V any] func(*Store[V])

// WithCodec selects the serialization format. The default is JSONCodec.
func WithCodec[V any](c Codec) Option[V] {
	return func(s *Store[V]) { s.codec = c }
}

// WithLogger sets the logger used for persistence diagnostics.
func WithLogger[V any](l *zap.Logger) Option[V] {
	return func(s *Store[V]) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithDefaults seeds keys that are missing after the file is loaded.
func WithDefaults[V any](defaults map[string]V) Option[V] {
	return func(s *Store[V]) { s.defaults = defaults }
}

// WithClock overrides the time source used for backup names.
func WithClock[V any](now func() time.Time) Option[V] {
	return func(s *Store[V]) { s.now = now }
}

// Open loads the store at path, creating an empty file if none exists.
//
// A file that cannot be decoded yields ErrCorruptStore and no store;
// a partially populated store is never returned.
func Open[V any](path string, opts ...Option[V]) (*Store[V], error) {
	if path == "" {
		return nil, ErrEmptyPath
	}

	s := &Store[V]{
		path:   path,
		codec:  JSONCodec{},
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	data, err := s.load()
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		s.data = make(map[string]V)
		s.seedDefaults()
		if err := s.persistTo(s.path); err != nil {
			return nil, fmt.Errorf("failed to create store: %w", err)
		}
		return s, nil
	}

	s.data = data
	if s.seedDefaults() {
		if err := s.persistTo(s.path); err != nil {
			return nil, fmt.Errorf("failed to persist defaults: %w", err)
		}
	}
	return s, nil
}

// load reads and decodes the backing file.
func (s *Store[V]) load() (map[string]V, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}

	var data map[string]V
	if err := s.codec.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptStore, s.path, err)
	}
	if data == nil {
		data = make(map[string]V)
	}
	return data, nil
}

// seedDefaults fills missing default keys and reports whether any were added.
func (s *Store[V]) seedDefaults() bool {
	added := false
	for k, v := range s.defaults {
		if _, ok := s.data[k]; !ok {
			s.data[k] = v
			added = true
		}
	}
	return added
}

// Get returns the value stored under key.
func (s *Store[V]) Get(key string) (V, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.data[key]
	return v, ok
}

// Set stores value under key and persists the whole map before returning.
//
// If persisting fails the in-memory map keeps the new value, the file keeps
// the old content and the store reports Dirty until a later write succeeds.
func (s *Store[V]) Set(key string, value V) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[key] = value
	return s.flushLocked()
}

// Delete removes key and persists the whole map before returning.
func (s *Store[V]) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data[key]; !ok {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	delete(s.data, key)
	return s.flushLocked()
}

// Len returns the number of keys.
func (s *Store[V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Keys returns all keys in sorted order.
func (s *Store[V]) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.data))
}

// Range calls fn for each entry in key order until fn returns false.
// fn must not call mutating methods on the same store.
func (s *Store[V]) Range(fn func(key string, value V) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, k := range slices.Sorted(maps.Keys(s.data)) {
		if !fn(k, s.data[k]) {
			return
		}
	}
}

// Snapshot returns a shallow copy of the current map.
func (s *Store[V]) Snapshot() map[string]V {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.data)
}

// Flush persists the current map. It is the way to clear a Dirty store
// without changing any key.
func (s *Store[V]) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

// Dirty reports whether the in-memory map may differ from the file because
// the last persist failed.
func (s *Store[V]) Dirty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dirty
}

// Path returns the current backing file.
func (s *Store[V]) Path() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.path
}

// ChangePath points the store at a different file without touching the
// in-memory map or either file. The next mutation persists to newPath.
func (s *Store[V]) ChangePath(newPath string) error {
	if newPath == "" {
		return ErrEmptyPath
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger.Debug("store path changed",
		zap.String("from", s.path),
		zap.String("to", newPath),
	)
	s.path = newPath
	return nil
}

// Backup writes a copy of the current map to
// <dir>/backups/<file>.<unix seconds>.backup and returns its path.
// The primary file is not touched. Two backups in the same second overwrite
// each other.
func (s *Store[V]) Backup() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	name := filepath.Base(s.path) + "." + strconv.FormatInt(s.now().Unix(), 10) + ".backup"
	target := filepath.Join(filepath.Dir(s.path), BackupDirName, name)

	if err := s.persistTo(target); err != nil {
		return "", fmt.Errorf("failed to write backup: %w", err)
	}

	s.logger.Info("store backup written", zap.String("path", target))
	return target, nil
}

func (s *Store[V]) flushLocked() error {
	if err := s.persistTo(s.path); err != nil {
		s.dirty = true
		s.logger.Warn("store persist failed, in-memory state is ahead of disk",
			zap.String("path", s.path),
			zap.Error(err),
		)
		return err
	}
	s.dirty = false
	return nil
}

// persistTo writes the whole map to target via a synced temp file and rename.
// The caller must hold s.mu (read or write).
func (s *Store[V]) persistTo(target string) error {
	payload, err := s.codec.Marshal(s.data)
	if err != nil {
		return fmt.Errorf("failed to marshal store: %w", err)
	}

	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(target)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	if _, err := tmp.Write(payload); err != nil {
		cleanup()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Chmod(filePerm); err != nil {
		cleanup()
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := renameFile(tmpPath, target); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename store file: %w", err)
	}

	// The rename is durable only once the directory entry is synced.
	// Some platforms cannot fsync a directory; the data itself is already safe.
	if err := syncDir(dir); err != nil {
		s.logger.Debug("directory sync skipped", zap.String("dir", dir), zap.Error(err))
	}

	return nil
}

func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
