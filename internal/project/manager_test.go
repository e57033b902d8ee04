package project

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/projectd/internal/logging"
	"github.com/fyrsmithlabs/projectd/internal/naming"
	"github.com/fyrsmithlabs/projectd/internal/registry"
	"github.com/fyrsmithlabs/projectd/internal/workspace"
)

func newTestManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	root := t.TempDir()
	m, err := New(context.Background(), Config{DataRoot: root}, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

// requireTree asserts the data dir skeleton and the logs dir of p exist.
func requireTree(t *testing.T, p *Project) {
	t.Helper()
	for _, sub := range workspace.DefaultLayout().Subdirs {
		assert.DirExists(t, filepath.Join(p.DataDir, sub))
	}
	assert.DirExists(t, p.LogsDir)
}

func TestNew(t *testing.T) {
	root := t.TempDir()
	m, err := New(context.Background(), Config{DataRoot: root})
	require.NoError(t, err)
	defer m.Close()

	cfg := m.Config()
	assert.Equal(t, filepath.Join(root, "logs"), cfg.LogsRoot)
	assert.Equal(t, filepath.Join(root, "projects.db"), cfg.Database)
	assert.Equal(t, workspace.DefaultLayout(), cfg.Layout)
	assert.DirExists(t, cfg.LogsRoot)
	assert.FileExists(t, cfg.Database)

	v, ok := m.Preferences().Get("use_cache")
	require.True(t, ok)
	assert.Equal(t, true, v)
	assert.FileExists(t, filepath.Join(root, "preferences.json"))
	assert.Nil(t, m.Current())
}

func TestNew_InvalidConfig(t *testing.T) {
	root := t.TempDir()
	tests := []struct {
		name string
		cfg  Config
	}{
		{"empty data root", Config{}},
		{"relative data root", Config{DataRoot: "data"}},
		{"relative logs root", Config{DataRoot: root, LogsRoot: "logs"}},
		{"same roots", Config{DataRoot: root, LogsRoot: root + string(filepath.Separator)}},
		{"unknown preferences format", Config{DataRoot: root, PreferencesFormat: "ini"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(context.Background(), tt.cfg)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestNew_TOMLPreferences(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	cfg := Config{DataRoot: root, PreferencesFormat: "toml"}

	m, err := New(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, m.Preferences().Set(OutputDirPreference, root))
	require.NoError(t, m.Close())

	path := filepath.Join(root, "preferences.toml")
	assert.Equal(t, path, m.Config().PreferencesPath())
	assert.NoFileExists(t, filepath.Join(root, "preferences.json"))
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "use_cache = true")

	reopened, err := New(ctx, cfg)
	require.NoError(t, err)
	defer reopened.Close()
	dir, err := reopened.OutputDir(ctx)
	require.NoError(t, err)
	assert.Equal(t, root, dir, "output_dir preference survives a TOML round trip")
}

func TestBackupPreferences(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	require.NoError(t, m.Preferences().Set("theme", "dark"))

	path, err := m.BackupPreferences(ctx)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(m.Config().DataRoot, "backups"), filepath.Dir(path))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"theme": "dark"`)

	report, err := m.Check(ctx)
	require.NoError(t, err)
	assert.True(t, report.Clean(), "the backups directory is not an orphan")

	require.NoError(t, m.Close())
	_, err = m.BackupPreferences(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestNew_MemoryRegistry(t *testing.T) {
	root := t.TempDir()
	m, err := New(context.Background(), Config{DataRoot: root, Database: registry.MemoryPath})
	require.NoError(t, err)
	defer m.Close()

	_, err = m.Create(context.Background(), "alpha", CreateOptions{})
	require.NoError(t, err)
	assert.NoFileExists(t, filepath.Join(root, "projects.db"))
}

func TestCreate(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	p, err := m.Create(ctx, "foo", CreateOptions{Attributes: map[string]any{"x": 1}})
	require.NoError(t, err)

	assert.Equal(t, "foo", p.Name)
	assert.Equal(t, naming.Segment("foo"), p.Segment)
	assert.Equal(t, filepath.Join(m.Config().DataRoot, p.Segment), p.DataDir)
	assert.Equal(t, filepath.Join(m.Config().LogsRoot, p.Segment), p.LogsDir)
	assert.Equal(t, map[string]any{"x": float64(1)}, p.Attributes)
	requireTree(t, p)

	exists, err := m.Exists(ctx, "foo")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Nil(t, m.Current(), "create without Activate leaves no active project")
}

func TestCreate_Uniqueness(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	first, err := m.Create(ctx, "foo", CreateOptions{Attributes: map[string]any{"v": "one"}})
	require.NoError(t, err)

	_, err = m.Create(ctx, "foo", CreateOptions{})
	assert.ErrorIs(t, err, ErrProjectExists)

	again, err := m.Create(ctx, "foo", CreateOptions{
		Attributes: map[string]any{"v": "two"},
		ExistOK:    true,
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, "one", again.Attributes["v"], "existing record is returned unmodified")

	n, err := m.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCreate_InvalidName(t *testing.T) {
	m := newTestManager(t)
	for _, name := range []string{"", "   ", "bad\x00name"} {
		_, err := m.Create(context.Background(), name, CreateOptions{})
		assert.ErrorIs(t, err, ErrInvalidName, "name %q", name)
	}
}

func TestCreate_LeftoverTree(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	leftover := filepath.Join(m.Config().DataRoot, naming.Segment("foo"))
	require.NoError(t, os.MkdirAll(leftover, 0o755))

	_, err := m.Create(ctx, "foo", CreateOptions{})
	assert.ErrorIs(t, err, ErrDirectoryExists)

	exists, err := m.Exists(ctx, "foo")
	require.NoError(t, err)
	assert.False(t, exists, "no row is written when the tree step fails")

	p, err := m.Create(ctx, "foo", CreateOptions{ExistOK: true})
	require.NoError(t, err)
	assert.Equal(t, leftover, p.DataDir)
	requireTree(t, p)
}

func TestActivate(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	_, err := m.Activate(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Nil(t, m.Current())

	_, err = m.Create(ctx, "foo", CreateOptions{})
	require.NoError(t, err)

	p, err := m.Activate(ctx, "foo")
	require.NoError(t, err)
	assert.Equal(t, "foo", p.Name)

	cur := m.Current()
	require.NotNil(t, cur)
	assert.Equal(t, "foo", cur.Name)

	// Current hands out copies.
	cur.Name = "changed"
	assert.Equal(t, "foo", m.Current().Name)
}

func TestCreate_Activate(t *testing.T) {
	m := newTestManager(t)

	_, err := m.Create(context.Background(), "foo", CreateOptions{Activate: true})
	require.NoError(t, err)
	require.NotNil(t, m.Current())
	assert.Equal(t, "foo", m.Current().Name)
}

func TestSetCurrent(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	p, err := m.SetCurrent(ctx, "foo", map[string]any{"k": "v"})
	require.NoError(t, err)
	assert.Equal(t, "v", p.Attributes["k"])
	assert.Equal(t, "foo", m.Current().Name)

	_, err = m.SetCurrent(ctx, "bar", nil)
	require.NoError(t, err)
	assert.Equal(t, "bar", m.Current().Name)

	p, err = m.SetCurrent(ctx, "foo", map[string]any{"k": "ignored"})
	require.NoError(t, err)
	assert.Equal(t, "v", p.Attributes["k"])
	assert.Equal(t, "foo", m.Current().Name)
}

func TestDelete_WithDir(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	p, err := m.Create(ctx, "foo", CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, m.Delete(ctx, "foo", DeleteOptions{DeleteDir: true}))

	exists, err := m.Exists(ctx, "foo")
	require.NoError(t, err)
	assert.False(t, exists)
	assert.NoDirExists(t, p.DataDir)
	assert.NoDirExists(t, p.LogsDir)
}

func TestDelete_KeepDirLeavesPurgeableOrphan(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	p, err := m.Create(ctx, "foo", CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, m.Delete(ctx, "foo", DeleteOptions{}))

	exists, err := m.Exists(ctx, "foo")
	require.NoError(t, err)
	assert.False(t, exists)
	requireTree(t, p)

	n, err := m.PurgeOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "data and logs dirs are both orphans")
	assert.NoDirExists(t, p.DataDir)
	assert.NoDirExists(t, p.LogsDir)
}

func TestDelete_Missing(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	err := m.Delete(ctx, "missing", DeleteOptions{})
	assert.ErrorIs(t, err, ErrNotFound)

	assert.NoError(t, m.Delete(ctx, "missing", DeleteOptions{NotExistOK: true}))
}

func TestDelete_ActiveProject(t *testing.T) {
	ctx := context.Background()

	t.Run("deleting the active project clears it", func(t *testing.T) {
		m := newTestManager(t)
		_, err := m.Create(ctx, "a", CreateOptions{})
		require.NoError(t, err)
		_, err = m.Create(ctx, "b", CreateOptions{Activate: true})
		require.NoError(t, err)

		require.NoError(t, m.Delete(ctx, "b", DeleteOptions{DeleteDir: true}))
		assert.Nil(t, m.Current(), "no other project is elected")
	})

	t.Run("deleting another project keeps the active one", func(t *testing.T) {
		m := newTestManager(t)
		_, err := m.Create(ctx, "a", CreateOptions{})
		require.NoError(t, err)
		_, err = m.Create(ctx, "b", CreateOptions{Activate: true})
		require.NoError(t, err)

		require.NoError(t, m.Delete(ctx, "a", DeleteOptions{DeleteDir: true}))
		require.NotNil(t, m.Current())
		assert.Equal(t, "b", m.Current().Name)
	})

	t.Run("empty name deletes the active project", func(t *testing.T) {
		m := newTestManager(t)
		_, err := m.Create(ctx, "a", CreateOptions{Activate: true})
		require.NoError(t, err)

		require.NoError(t, m.Delete(ctx, "", DeleteOptions{}))
		exists, err := m.Exists(ctx, "a")
		require.NoError(t, err)
		assert.False(t, exists)
		assert.Nil(t, m.Current())
	})

	t.Run("empty name without active project", func(t *testing.T) {
		m := newTestManager(t)
		err := m.Delete(ctx, "", DeleteOptions{})
		assert.ErrorIs(t, err, ErrNoActiveProject)
	})
}

func TestCopy_Scenario(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	_, err := m.Create(ctx, "alpha", CreateOptions{})
	require.NoError(t, err)
	_, err = m.Create(ctx, "beta", CreateOptions{Attributes: map[string]any{"x": 1}, Activate: true})
	require.NoError(t, err)

	cp, err := m.Copy(ctx, "beta", "beta-copy", false)
	require.NoError(t, err)

	projects, err := m.List(ctx, true)
	require.NoError(t, err)
	var names []string
	for _, p := range projects {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"alpha", "beta", "beta-copy"}, names)

	assert.Equal(t, map[string]any{"x": float64(1)}, cp.Attributes)
	assert.Equal(t, "beta", m.Current().Name)

	beta, err := m.Get(ctx, "beta")
	require.NoError(t, err)
	requireTree(t, beta)
	requireTree(t, cp)
	assert.NotEqual(t, beta.DataDir, cp.DataDir)
}

func TestCopy_CopiesFilesAndSwitches(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	src, err := m.Create(ctx, "src", CreateOptions{Activate: true})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(src.DataDir, "processed", "out.csv"), []byte("a,b\n"), 0o644))

	cp, err := m.Copy(ctx, "", "dst", true)
	require.NoError(t, err)
	assert.Equal(t, "dst", m.Current().Name)

	data, err := os.ReadFile(filepath.Join(cp.DataDir, "processed", "out.csv"))
	require.NoError(t, err)
	assert.Equal(t, "a,b\n", string(data))
}

func TestCopy_Errors(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	_, err := m.Copy(ctx, "", "new", false)
	assert.ErrorIs(t, err, ErrNoActiveProject)

	_, err = m.Copy(ctx, "missing", "new", false)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = m.Create(ctx, "a", CreateOptions{})
	require.NoError(t, err)
	_, err = m.Create(ctx, "b", CreateOptions{})
	require.NoError(t, err)

	_, err = m.Copy(ctx, "a", "b", false)
	assert.ErrorIs(t, err, ErrProjectExists)

	_, err = m.Copy(ctx, "a", "", false)
	assert.ErrorIs(t, err, ErrInvalidName)

	require.NoError(t, os.MkdirAll(filepath.Join(m.Config().DataRoot, naming.Segment("c")), 0o755))
	_, err = m.Copy(ctx, "a", "c", true)
	assert.ErrorIs(t, err, ErrDirectoryExists)
	assert.Nil(t, m.Current())

	exists, err := m.Exists(ctx, "c")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestUpdateAttributes(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	_, err := m.UpdateAttributes(ctx, "", map[string]any{"k": "v"})
	assert.ErrorIs(t, err, ErrNoActiveProject)

	_, err = m.Create(ctx, "foo", CreateOptions{Activate: true})
	require.NoError(t, err)

	p, err := m.UpdateAttributes(ctx, "", map[string]any{"k": "v"})
	require.NoError(t, err)
	assert.Equal(t, "v", p.Attributes["k"])
	assert.Equal(t, "v", m.Current().Attributes["k"], "active copy is refreshed")

	_, err = m.UpdateAttributes(ctx, "missing", nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	m, err := New(ctx, Config{DataRoot: t.TempDir()})
	require.NoError(t, err)

	_, err = m.Create(ctx, "foo", CreateOptions{Activate: true})
	require.NoError(t, err)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	assert.Nil(t, m.Current())

	_, err = m.Create(ctx, "bar", CreateOptions{})
	assert.ErrorIs(t, err, ErrClosed)
	_, err = m.List(ctx, false)
	assert.ErrorIs(t, err, ErrClosed)
	err = m.Delete(ctx, "foo", DeleteOptions{})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPersistenceAcrossManagers(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	m1, err := New(ctx, Config{DataRoot: root})
	require.NoError(t, err)
	_, err = m1.Create(ctx, "foo", CreateOptions{Activate: true})
	require.NoError(t, err)
	require.NoError(t, m1.Close())

	m2, err := New(ctx, Config{DataRoot: root})
	require.NoError(t, err)
	defer m2.Close()

	exists, err := m2.Exists(ctx, "foo")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Nil(t, m2.Current(), "the active project is not persisted")
}

func TestLogging_CarriesProjectAndOperation(t *testing.T) {
	logger := logging.NewTestLogger()
	m := newTestManager(t, WithLogger(logger.Underlying()))

	_, err := m.Create(context.Background(), "foo", CreateOptions{})
	require.NoError(t, err)

	logger.AssertLogged(t, zapcore.InfoLevel, "project created")
	logger.AssertField(t, "project created", "project", "foo")
	logger.AssertField(t, "project created", "operation", "create")
	logger.AssertField(t, "project created", "outcome", "created")
}
