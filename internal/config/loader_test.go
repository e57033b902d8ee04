package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/projectd/internal/logging"
	"github.com/fyrsmithlabs/projectd/internal/registry"
)

// setupTestHome points HOME at a temp dir and clears every variable the
// loader reads, so the host environment cannot leak into a test.
func setupTestHome(t *testing.T) string {
	t.Helper()

	home := t.TempDir()
	t.Setenv("HOME", home)
	for _, key := range []string{
		"PROJECTD_DATA_DIR", "PROJECTD_LOGS_DIR", "PROJECTD_OUTPUT_DIR", "PROJECTD_DATABASE",
		"PROJECTD_LOGGING_LEVEL", "PROJECTD_LOGGING_FORMAT", "PROJECTD_TELEMETRY_ENABLED",
		"PROJECTD_PREFERENCES_FORMAT",
		"XDG_DATA_HOME", "XDG_STATE_HOME",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
	return home
}

func writeConfig(t *testing.T, home, content string, perm os.FileMode) string {
	t.Helper()

	dir := filepath.Join(home, ".config", "projectd")
	if err := os.MkdirAll(dir, 0700); err != nil {
		t.Fatalf("Failed to create config dir: %v", err)
	}
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), perm); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	return path
}

func TestLoad_PlatformDefaults(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("XDG layout is linux-only")
	}
	home := setupTestHome(t)

	cfg, err := LoadWithFile("")
	if err != nil {
		t.Fatalf("LoadWithFile() error = %v, want nil", err)
	}

	wantData := filepath.Join(home, ".local", "share", "projectd")
	if cfg.Paths.DataDir != wantData {
		t.Errorf("DataDir = %q, want %q", cfg.Paths.DataDir, wantData)
	}
	wantLogs := filepath.Join(home, ".local", "state", "projectd", "logs")
	if cfg.Paths.LogsDir != wantLogs {
		t.Errorf("LogsDir = %q, want %q", cfg.Paths.LogsDir, wantLogs)
	}
	if cfg.Paths.OutputDir != home {
		t.Errorf("OutputDir = %q, want %q", cfg.Paths.OutputDir, home)
	}
	if want := filepath.Join(wantData, DefaultDatabaseName); cfg.Paths.Database != want {
		t.Errorf("Database = %q, want %q", cfg.Paths.Database, want)
	}
	if cfg.Logging.Level != zapcore.WarnLevel {
		t.Errorf("Logging.Level = %v, want warn", cfg.Logging.Level)
	}
}

func TestLoad_XDGOverrides(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("XDG layout is linux-only")
	}
	setupTestHome(t)
	xdg := t.TempDir()
	t.Setenv("XDG_DATA_HOME", filepath.Join(xdg, "data"))
	t.Setenv("XDG_STATE_HOME", filepath.Join(xdg, "state"))

	cfg, err := LoadWithFile("")
	if err != nil {
		t.Fatalf("LoadWithFile() error = %v", err)
	}
	if want := filepath.Join(xdg, "data", "projectd"); cfg.Paths.DataDir != want {
		t.Errorf("DataDir = %q, want %q", cfg.Paths.DataDir, want)
	}
	if want := filepath.Join(xdg, "state", "projectd", "logs"); cfg.Paths.LogsDir != want {
		t.Errorf("LogsDir = %q, want %q", cfg.Paths.LogsDir, want)
	}
}

func TestLoad_ValidYAML(t *testing.T) {
	home := setupTestHome(t)
	data := filepath.Join(home, "work")
	path := writeConfig(t, home, `paths:
  data_dir: `+data+`
  output_dir: ~/exports
  database: registry.sqlite
logging:
  level: debug
  format: json
`, 0600)

	cfg, err := LoadWithFile(path)
	if err != nil {
		t.Fatalf("LoadWithFile() error = %v, want nil", err)
	}

	if cfg.Paths.DataDir != data {
		t.Errorf("DataDir = %q, want %q", cfg.Paths.DataDir, data)
	}
	// Only the data dir was given, so logs live under it.
	if want := filepath.Join(data, "logs"); cfg.Paths.LogsDir != want {
		t.Errorf("LogsDir = %q, want %q", cfg.Paths.LogsDir, want)
	}
	if want := filepath.Join(home, "exports"); cfg.Paths.OutputDir != want {
		t.Errorf("OutputDir = %q, want %q", cfg.Paths.OutputDir, want)
	}
	if want := filepath.Join(data, "registry.sqlite"); cfg.Paths.Database != want {
		t.Errorf("Database = %q, want %q", cfg.Paths.Database, want)
	}
	if cfg.Logging.Level != zapcore.DebugLevel {
		t.Errorf("Logging.Level = %v, want debug", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want json", cfg.Logging.Format)
	}
	// Untouched defaults survive the merge.
	if !cfg.Logging.Output.Stderr {
		t.Error("Logging.Output.Stderr = false, want default true")
	}
}

func TestLoad_Precedence(t *testing.T) {
	home := setupTestHome(t)
	fromFile := filepath.Join(home, "file-data")
	fromEnv := filepath.Join(home, "env-data")
	explicit := filepath.Join(home, "flag-data")

	path := writeConfig(t, home, "paths:\n  data_dir: "+fromFile+"\n", 0600)

	cfg, err := LoadWithFile(path)
	if err != nil {
		t.Fatalf("LoadWithFile() error = %v", err)
	}
	if cfg.Paths.DataDir != fromFile {
		t.Errorf("file: DataDir = %q, want %q", cfg.Paths.DataDir, fromFile)
	}

	t.Setenv("PROJECTD_DATA_DIR", fromEnv)
	t.Setenv("PROJECTD_LOGGING_LEVEL", "error")
	cfg, err = LoadWithFile(path)
	if err != nil {
		t.Fatalf("LoadWithFile() error = %v", err)
	}
	if cfg.Paths.DataDir != fromEnv {
		t.Errorf("env: DataDir = %q, want %q", cfg.Paths.DataDir, fromEnv)
	}
	if cfg.Logging.Level != zapcore.ErrorLevel {
		t.Errorf("env: Logging.Level = %v, want error", cfg.Logging.Level)
	}

	cfg, err = Load(path, Overrides{DataDir: explicit, LogLevel: "trace"})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Paths.DataDir != explicit {
		t.Errorf("override: DataDir = %q, want %q", cfg.Paths.DataDir, explicit)
	}
	if cfg.Logging.Level != logging.TraceLevel {
		t.Errorf("override: Logging.Level = %v, want trace", cfg.Logging.Level)
	}
	if want := filepath.Join(explicit, "logs"); cfg.Paths.LogsDir != want {
		t.Errorf("override: LogsDir = %q, want %q", cfg.Paths.LogsDir, want)
	}
}

func TestLoad_ExplicitLogsDir(t *testing.T) {
	home := setupTestHome(t)
	data := filepath.Join(home, "data")
	logs := filepath.Join(home, "elsewhere", "logs")

	cfg, err := Load("", Overrides{DataDir: data, LogsDir: logs, Database: "/srv/projects.db"})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Paths.LogsDir != logs {
		t.Errorf("LogsDir = %q, want %q", cfg.Paths.LogsDir, logs)
	}
	if cfg.Paths.Database != "/srv/projects.db" {
		t.Errorf("Database = %q, want /srv/projects.db", cfg.Paths.Database)
	}
}

func TestLoad_MemoryDatabase(t *testing.T) {
	home := setupTestHome(t)

	cfg, err := Load("", Overrides{DataDir: filepath.Join(home, "data"), Database: registry.MemoryPath})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Paths.Database != registry.MemoryPath {
		t.Errorf("Database = %q, want %q", cfg.Paths.Database, registry.MemoryPath)
	}
}

func TestLoad_Telemetry(t *testing.T) {
	home := setupTestHome(t)
	data := filepath.Join(home, "data")

	cfg, err := Load("", Overrides{DataDir: data})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Telemetry.Enabled {
		t.Error("Telemetry.Enabled = true, want disabled by default")
	}
	if cfg.Telemetry.File != "" {
		t.Errorf("Telemetry.File = %q, want empty while disabled", cfg.Telemetry.File)
	}

	t.Setenv("PROJECTD_TELEMETRY_ENABLED", "true")
	cfg, err = Load("", Overrides{DataDir: data})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.Telemetry.Enabled {
		t.Error("env: Telemetry.Enabled = false, want true")
	}
	if want := filepath.Join(data, "logs", "telemetry.jsonl"); cfg.Telemetry.File != want {
		t.Errorf("Telemetry.File = %q, want %q", cfg.Telemetry.File, want)
	}

	path := writeConfig(t, home, `telemetry:
  enabled: true
  file: ~/traces/projectd.jsonl
  metrics:
    export_interval: 30s
`, 0600)
	cfg, err = LoadWithFile(path)
	if err != nil {
		t.Fatalf("LoadWithFile() error = %v", err)
	}
	if want := filepath.Join(home, "traces", "projectd.jsonl"); cfg.Telemetry.File != want {
		t.Errorf("Telemetry.File = %q, want %q", cfg.Telemetry.File, want)
	}
	if cfg.Telemetry.Metrics.ExportInterval != 30*time.Second {
		t.Errorf("Telemetry.Metrics.ExportInterval = %v, want 30s", cfg.Telemetry.Metrics.ExportInterval)
	}
	if !cfg.Telemetry.Metrics.Enabled {
		t.Error("Telemetry.Metrics.Enabled = false, want default true")
	}
}

func TestLoad_InvalidLogLevel(t *testing.T) {
	setupTestHome(t)

	if _, err := Load("", Overrides{LogLevel: "shouting"}); err == nil {
		t.Fatal("Load() error = nil, want invalid log level")
	}
}

func TestLoad_SameDataAndLogsDir(t *testing.T) {
	home := setupTestHome(t)
	dir := filepath.Join(home, "data")

	_, err := Load("", Overrides{DataDir: dir, LogsDir: dir})
	if err == nil || !strings.Contains(err.Error(), "logs_dir must differ") {
		t.Fatalf("Load() error = %v, want logs_dir must differ", err)
	}
}

func TestLoad_RejectsInsecurePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission model differs on windows")
	}
	home := setupTestHome(t)
	path := writeConfig(t, home, "paths: {}\n", 0644)

	_, err := LoadWithFile(path)
	if err == nil || !strings.Contains(err.Error(), "insecure config file permissions") {
		t.Fatalf("LoadWithFile() error = %v, want insecure permissions", err)
	}
}

func TestLoad_RejectsLargeFile(t *testing.T) {
	home := setupTestHome(t)
	path := writeConfig(t, home, "# "+strings.Repeat("x", maxConfigFileSize)+"\n", 0600)

	_, err := LoadWithFile(path)
	if err == nil || !strings.Contains(err.Error(), "too large") {
		t.Fatalf("LoadWithFile() error = %v, want too large", err)
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	home := setupTestHome(t)
	path := writeConfig(t, home, "paths: [unterminated\n", 0600)

	if _, err := LoadWithFile(path); err == nil {
		t.Fatal("LoadWithFile() error = nil, want parse error")
	}
}

func TestValidateConfigPath(t *testing.T) {
	home := setupTestHome(t)

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"default location", filepath.Join(home, ".config", "projectd", "config.yaml"), false},
		{"nested", filepath.Join(home, ".config", "projectd", "sub", "config.yaml"), false},
		{"system", "/etc/projectd/config.yaml", false},
		{"sibling prefix", filepath.Join(home, ".config", "projectd-evil", "config.yaml"), true},
		{"traversal", filepath.Join(home, ".config", "projectd", "..", "..", "config.yaml"), true},
		{"elsewhere", "/tmp/config.yaml", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateConfigPath(tt.path)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateConfigPath(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
		})
	}
}

func TestEnvKey(t *testing.T) {
	tests := map[string]string{
		"PROJECTD_DATA_DIR":       "paths.data_dir",
		"PROJECTD_LOGS_DIR":       "paths.logs_dir",
		"PROJECTD_OUTPUT_DIR":     "paths.output_dir",
		"PROJECTD_DATABASE":       "paths.database",
		"PROJECTD_LOGGING_LEVEL":  "logging.level",
		"PROJECTD_LOGGING_FORMAT": "logging.format",
		"PROJECTD_SOLO":           "solo",
	}
	for in, want := range tests {
		if got := envKey(in); got != want {
			t.Errorf("envKey(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPlatformDirs(t *testing.T) {
	home := setupTestHome(t)
	t.Setenv("LOCALAPPDATA", "")

	tests := []struct {
		goos     string
		wantData string
		wantLogs string
	}{
		{"darwin", filepath.Join(home, "Library", "Application Support", "projectd"), filepath.Join(home, "Library", "Logs", "projectd")},
		{"windows", filepath.Join(home, "AppData", "Local", "projectd"), filepath.Join(home, "AppData", "Local", "projectd", "Logs")},
		{"linux", filepath.Join(home, ".local", "share", "projectd"), filepath.Join(home, ".local", "state", "projectd", "logs")},
		{"freebsd", filepath.Join(home, ".local", "share", "projectd"), filepath.Join(home, ".local", "state", "projectd", "logs")},
	}

	orig := goos
	t.Cleanup(func() { goos = orig })

	for _, tt := range tests {
		t.Run(tt.goos, func(t *testing.T) {
			goos = tt.goos

			data, err := defaultDataDir()
			if err != nil {
				t.Fatalf("defaultDataDir() error = %v", err)
			}
			if data != tt.wantData {
				t.Errorf("defaultDataDir() = %q, want %q", data, tt.wantData)
			}

			logs, err := defaultLogsDir()
			if err != nil {
				t.Fatalf("defaultLogsDir() error = %v", err)
			}
			if logs != tt.wantLogs {
				t.Errorf("defaultLogsDir() = %q, want %q", logs, tt.wantLogs)
			}
		})
	}
}

func TestLoad_TraceLevel(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		env  string
		ov   Overrides
	}{
		{name: "override", ov: Overrides{LogLevel: "trace"}},
		{name: "env", env: "trace"},
		{name: "yaml", yaml: "logging:\n  level: trace\n"},
		{name: "env beats yaml", yaml: "logging:\n  level: error\n", env: "TRACE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			home := setupTestHome(t)
			path := ""
			if tt.yaml != "" {
				path = writeConfig(t, home, tt.yaml, 0600)
			}
			if tt.env != "" {
				t.Setenv("PROJECTD_LOGGING_LEVEL", tt.env)
			}

			cfg, err := Load(path, tt.ov)
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if cfg.Logging.Level != logging.TraceLevel {
				t.Errorf("Logging.Level = %v, want trace", cfg.Logging.Level)
			}
		})
	}
}

func TestLoad_InvalidLogLevelFromFile(t *testing.T) {
	home := setupTestHome(t)
	path := writeConfig(t, home, "logging:\n  level: shouting\n", 0600)

	_, err := LoadWithFile(path)
	if err == nil || !strings.Contains(err.Error(), "shouting") {
		t.Fatalf("LoadWithFile() error = %v, want invalid log level", err)
	}
}

func TestLoad_EmptyEnvIgnored(t *testing.T) {
	home := setupTestHome(t)
	data := filepath.Join(home, "file-data")
	path := writeConfig(t, home, "paths:\n  data_dir: "+data+"\nlogging:\n  level: debug\n", 0600)

	t.Setenv("PROJECTD_LOGGING_LEVEL", "")
	t.Setenv("PROJECTD_DATA_DIR", "")

	cfg, err := LoadWithFile(path)
	if err != nil {
		t.Fatalf("LoadWithFile() error = %v", err)
	}
	if cfg.Logging.Level != zapcore.DebugLevel {
		t.Errorf("Logging.Level = %v, want debug from the file", cfg.Logging.Level)
	}
	if cfg.Paths.DataDir != data {
		t.Errorf("DataDir = %q, want %q", cfg.Paths.DataDir, data)
	}
}

func TestLoad_PreferencesFormat(t *testing.T) {
	home := setupTestHome(t)

	cfg, err := LoadWithFile("")
	if err != nil {
		t.Fatalf("LoadWithFile() error = %v", err)
	}
	if cfg.Paths.PreferencesFormat != "json" {
		t.Errorf("PreferencesFormat = %q, want json", cfg.Paths.PreferencesFormat)
	}

	t.Setenv("PROJECTD_PREFERENCES_FORMAT", "toml")
	cfg, err = LoadWithFile("")
	if err != nil {
		t.Fatalf("LoadWithFile() error = %v", err)
	}
	if cfg.Paths.PreferencesFormat != "toml" {
		t.Errorf("PreferencesFormat = %q, want toml", cfg.Paths.PreferencesFormat)
	}

	path := writeConfig(t, home, "paths:\n  preferences_format: ini\n", 0600)
	t.Setenv("PROJECTD_PREFERENCES_FORMAT", "")
	if _, err := LoadWithFile(path); err == nil {
		t.Fatal("LoadWithFile() error = nil, want unknown preferences format")
	}
}
