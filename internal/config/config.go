// Package config provides configuration loading for projectd.
//
// Values come from, lowest to highest precedence: platform defaults, the
// YAML config file, PROJECTD_* environment variables, and explicit
// overrides (command-line flags or constructor arguments).
package config

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/fyrsmithlabs/projectd/internal/atomicstore"
	"github.com/fyrsmithlabs/projectd/internal/logging"
	"github.com/fyrsmithlabs/projectd/internal/registry"
	"github.com/fyrsmithlabs/projectd/internal/telemetry"
)

// DefaultDatabaseName is the registry file created under the data root.
const DefaultDatabaseName = "projects.db"

// Config holds the complete projectd configuration.
type Config struct {
	Paths     PathsConfig      `koanf:"paths"`
	Logging   logging.Config   `koanf:"logging"`
	Telemetry telemetry.Config `koanf:"telemetry"`
}

// PathsConfig holds the storage roots.
type PathsConfig struct {
	// DataDir is the root of all project workspaces.
	DataDir string `koanf:"data_dir"`

	// LogsDir is the root of all project log directories.
	LogsDir string `koanf:"logs_dir"`

	// OutputDir is where exports land when no project directory is requested.
	OutputDir string `koanf:"output_dir"`

	// Database is the registry file. A relative value is resolved against DataDir.
	Database string `koanf:"database"`

	// PreferencesFormat is the encoding of the preferences file under
	// DataDir: "json" (default) or "toml".
	PreferencesFormat string `koanf:"preferences_format"`
}

// Overrides are explicit values that beat every other source.
// Empty fields are ignored.
type Overrides struct {
	DataDir   string
	LogsDir   string
	OutputDir string
	Database  string
	LogLevel  string
}

// Default returns the configuration before any source is applied.
// Paths are left empty and resolved by the loader.
func Default() *Config {
	return &Config{
		Logging:   *logging.NewDefaultConfig(),
		Telemetry: *telemetry.NewDefaultConfig(),
	}
}

// Validate checks the resolved configuration.
func (c *Config) Validate() error {
	var errs []error

	paths := map[string]string{
		"paths.data_dir":   c.Paths.DataDir,
		"paths.logs_dir":   c.Paths.LogsDir,
		"paths.output_dir": c.Paths.OutputDir,
		"paths.database":   c.Paths.Database,
	}
	if c.Paths.Database == registry.MemoryPath {
		delete(paths, "paths.database")
	}
	for key, p := range paths {
		switch {
		case p == "":
			errs = append(errs, fmt.Errorf("%s is required", key))
		case !filepath.IsAbs(p):
			errs = append(errs, fmt.Errorf("%s must be absolute, got %q", key, p))
		}
	}

	if c.Paths.DataDir != "" && filepath.Clean(c.Paths.DataDir) == filepath.Clean(c.Paths.LogsDir) {
		errs = append(errs, errors.New("paths.logs_dir must differ from paths.data_dir"))
	}

	if _, err := atomicstore.CodecFor(c.Paths.PreferencesFormat); err != nil {
		errs = append(errs, fmt.Errorf("paths.preferences_format: %w", err))
	}

	if err := c.Logging.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("logging: %w", err))
	}

	if err := c.Telemetry.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: %w", err))
	}

	return errors.Join(errs...)
}
