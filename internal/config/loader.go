package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/projectd/internal/atomicstore"
	"github.com/fyrsmithlabs/projectd/internal/logging"
	"github.com/fyrsmithlabs/projectd/internal/registry"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	// EnvPrefix prefixes every environment variable read by the loader.
	EnvPrefix = "PROJECTD_"
)

// pathKeys are the env suffixes that map into the paths section,
// so PROJECTD_DATA_DIR works without a section prefix.
var pathKeys = map[string]bool{
	"data_dir":   true,
	"logs_dir":   true,
	"output_dir": true,
	"database":   true,

	"preferences_format": true,
}

// DefaultConfigPath returns ~/.config/projectd/config.yaml.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "projectd", "config.yaml"), nil
}

// LoadWithFile loads configuration from the YAML file and environment.
// It is Load with no overrides.
func LoadWithFile(configPath string) (*Config, error) {
	return Load(configPath, Overrides{})
}

// Load resolves the configuration.
//
// Precedence (highest to lowest):
//  1. Overrides
//  2. Environment variables (PROJECTD_DATA_DIR, PROJECTD_LOGGING_LEVEL, ...)
//  3. YAML config file (~/.config/projectd/config.yaml)
//  4. Platform defaults
//
// If the data dir comes from any source but the logs dir does not, logs go
// to <data dir>/logs rather than the platform logs location.
//
// # Security Considerations
//
// The config file must live under ~/.config/projectd/ or /etc/projectd/,
// have 0600 or 0400 permissions, and be at most 1MB.
//
// # Environment Variable Mapping
//
//	PROJECTD_DATA_DIR        -> paths.data_dir
//	PROJECTD_DATABASE        -> paths.database
//	PROJECTD_PREFERENCES_FORMAT -> paths.preferences_format
//	PROJECTD_LOGGING_LEVEL   -> logging.level
//	PROJECTD_LOGGING_FORMAT  -> logging.format
func Load(configPath string, ov Overrides) (*Config, error) {
	k := koanf.New(".")

	if configPath == "" {
		p, err := DefaultConfigPath()
		if err != nil {
			return nil, err
		}
		configPath = p
	}

	// Validate config path (even if file doesn't exist)
	if err := validateConfigPath(configPath); err != nil {
		return nil, fmt.Errorf("config path validation failed: %w", err)
	}

	if _, err := os.Stat(configPath); err == nil {
		content, err := readConfigFile(configPath)
		if err != nil {
			return nil, err
		}
		// Use rawbytes provider to avoid re-opening the file
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// Set-but-empty variables are skipped so they cannot blank a file value.
	envProvider := env.ProviderWithValue(EnvPrefix, ".", func(key, value string) (string, any) {
		if value == "" {
			return "", nil
		}
		return envKey(key), value
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := applyOverrides(k, ov); err != nil {
		return nil, err
	}

	cfg := Default()
	if err := k.UnmarshalWithConf("", cfg, unmarshalConf(cfg)); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := applyDefaults(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// unmarshalConf decodes into out with koanf's usual hooks plus one that
// parses log levels with logging.LevelFromString, so "trace" works from
// every source.
func unmarshalConf(out any) koanf.UnmarshalConf {
	return koanf.UnmarshalConf{
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				levelHook,
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.TextUnmarshallerHookFunc(),
			),
			Result:           out,
			WeaklyTypedInput: true,
		},
	}
}

var levelType = reflect.TypeOf(zapcore.Level(0))

var levelHook mapstructure.DecodeHookFuncType = func(from, to reflect.Type, data any) (any, error) {
	if to != levelType || from.Kind() != reflect.String {
		return data, nil
	}
	raw := reflect.ValueOf(data).String()
	level, err := logging.LevelFromString(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", raw, err)
	}
	return level, nil
}

// envKey maps PROJECTD_SECTION_FIELD_NAME to section.field_name, with the
// path keys living in the paths section.
func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	if pathKeys[key] {
		return "paths." + key
	}

	// Split on first underscore only (section.field_name pattern)
	parts := strings.SplitN(key, "_", 2)
	if len(parts) == 1 {
		return key
	}
	return parts[0] + "." + parts[1]
}

func applyOverrides(k *koanf.Koanf, ov Overrides) error {
	set := map[string]string{
		"paths.data_dir":   ov.DataDir,
		"paths.logs_dir":   ov.LogsDir,
		"paths.output_dir": ov.OutputDir,
		"paths.database":   ov.Database,
	}
	for key, v := range set {
		if v == "" {
			continue
		}
		if err := k.Set(key, v); err != nil {
			return fmt.Errorf("failed to apply override %s: %w", key, err)
		}
	}

	if ov.LogLevel != "" {
		if _, err := logging.LevelFromString(ov.LogLevel); err != nil {
			return fmt.Errorf("invalid log level %q: %w", ov.LogLevel, err)
		}
		if err := k.Set("logging.level", ov.LogLevel); err != nil {
			return fmt.Errorf("failed to apply log level: %w", err)
		}
	}
	return nil
}

// applyDefaults fills unset paths and makes every path absolute.
func applyDefaults(cfg *Config) error {
	p := &cfg.Paths

	for _, field := range []*string{&p.DataDir, &p.LogsDir, &p.OutputDir} {
		expanded, err := expandPath(*field)
		if err != nil {
			return err
		}
		*field = expanded
	}

	if p.DataDir == "" {
		dir, err := defaultDataDir()
		if err != nil {
			return err
		}
		p.DataDir = dir

		if p.LogsDir == "" {
			logs, err := defaultLogsDir()
			if err != nil {
				return err
			}
			p.LogsDir = logs
		}
	}
	if p.LogsDir == "" {
		p.LogsDir = filepath.Join(p.DataDir, "logs")
	}

	if p.OutputDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		p.OutputDir = home
	}

	if p.PreferencesFormat == "" {
		p.PreferencesFormat = atomicstore.FormatJSON
	}

	if p.Database == "" {
		p.Database = DefaultDatabaseName
	}
	if p.Database == registry.MemoryPath {
		return applyTelemetryDefaults(cfg)
	}
	db, err := expandHome(p.Database)
	if err != nil {
		return err
	}
	if !filepath.IsAbs(db) {
		db = filepath.Join(p.DataDir, db)
	}
	p.Database = db

	return applyTelemetryDefaults(cfg)
}

// applyTelemetryDefaults puts the telemetry file under the logs root when
// telemetry is enabled without one.
func applyTelemetryDefaults(cfg *Config) error {
	t := &cfg.Telemetry
	if !t.Enabled {
		return nil
	}
	if t.File == "" {
		t.File = filepath.Join(cfg.Paths.LogsDir, "telemetry.jsonl")
		return nil
	}
	file, err := expandPath(t.File)
	if err != nil {
		return err
	}
	t.File = file
	return nil
}

// expandHome resolves a leading ~.
func expandHome(p string) (string, error) {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~")), nil
}

// expandPath resolves a leading ~ and makes the path absolute.
func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	p, err := expandHome(p)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %q: %w", p, err)
	}
	return abs, nil
}

func readConfigFile(configPath string) ([]byte, error) {
	// Open file once and validate using file descriptor to avoid TOCTOU race
	f, err := os.Open(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if err := validateConfigFileProperties(info); err != nil {
		return nil, fmt.Errorf("config file validation failed: %w", err)
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

// validateConfigPath checks if path is in allowed directories.
// This validation runs even if the file doesn't exist yet.
func validateConfigPath(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	// Resolve symlinks so a link cannot escape the allowed directories.
	resolvedPath, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		resolvedPath = absPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	allowedDirs := []string{
		filepath.Join(home, ".config", "projectd"),
		"/etc/projectd",
	}
	if resolvedHome, err := filepath.EvalSymlinks(allowedDirs[0]); err == nil {
		allowedDirs = append(allowedDirs, resolvedHome)
	}

	for _, dir := range allowedDirs {
		if resolvedPath == dir || strings.HasPrefix(resolvedPath, dir+string(filepath.Separator)) {
			return nil
		}
	}
	return fmt.Errorf("config file must be in ~/.config/projectd/ or /etc/projectd/")
}

// validateConfigFileProperties checks file permissions and size.
// Takes FileInfo from an already-opened file descriptor to avoid TOCTOU race.
func validateConfigFileProperties(info os.FileInfo) error {
	// Skip on Windows (different permission model)
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}

	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}

	return nil
}
