// Package main implements the projectd CLI for managing project workspaces.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/projectd/internal/config"
	"github.com/fyrsmithlabs/projectd/internal/logging"
	"github.com/fyrsmithlabs/projectd/internal/project"
	"github.com/fyrsmithlabs/projectd/internal/telemetry"
)

var (
	// Persistent flags shared by every command.
	dataDir     string
	logsDir     string
	outputDir   string
	configPath  string
	logLevel    string
	projectName string

	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "projectd",
	Short: "Manage project workspaces and their registry",
	Long: `projectd keeps a registry of named projects and the directory tree each
project owns on disk.

Every project gets a data directory with a fixed skeleton (backups,
intermediate, lci, processed) and a logs directory. Names map to
directories deterministically, so the same name always lands in the same
place.

Roots are resolved from flags, then PROJECTD_* environment variables, then
~/.config/projectd/config.yaml, then platform defaults.`,
	Version:      version,
	SilenceUsage: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&dataDir, "data-dir", "", "root of all project data directories (env PROJECTD_DATA_DIR)")
	flags.StringVar(&logsDir, "logs-dir", "", "root of all project logs directories (env PROJECTD_LOGS_DIR)")
	flags.StringVar(&outputDir, "output-dir", "", "export directory (env PROJECTD_OUTPUT_DIR)")
	flags.StringVar(&configPath, "config", "", "config file (default ~/.config/projectd/config.yaml)")
	flags.StringVar(&logLevel, "log-level", "", "log level: trace, debug, info, warn, error")
	flags.StringVarP(&projectName, "project", "p", "", "activate this project for the command")
}

// session is everything a command needs, opened from the resolved config.
type session struct {
	cfg       *config.Config
	logger    *logging.Logger
	telemetry *telemetry.Telemetry
	manager   *project.Manager
}

// openSession resolves configuration, builds the logger and opens the
// project manager. If --project is set, that project is activated.
func openSession(ctx context.Context) (*session, error) {
	cfg, err := config.Load(configPath, config.Overrides{
		DataDir:   dataDir,
		LogsDir:   logsDir,
		OutputDir: outputDir,
		LogLevel:  logLevel,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := logging.NewLogger(&cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	tel, err := telemetry.New(ctx, &cfg.Telemetry)
	if err != nil {
		_ = logger.Close()
		return nil, fmt.Errorf("failed to start telemetry: %w", err)
	}

	m, err := project.New(ctx, project.Config{
		DataRoot:  cfg.Paths.DataDir,
		LogsRoot:  cfg.Paths.LogsDir,
		OutputDir: cfg.Paths.OutputDir,
		Database:  cfg.Paths.Database,

		PreferencesFormat: cfg.Paths.PreferencesFormat,
	},
		project.WithLogger(logger.Underlying()),
		project.WithTracerProvider(tel.TracerProvider()),
		project.WithMeterProvider(tel.MeterProvider()),
	)
	if err != nil {
		_ = tel.Shutdown(ctx)
		_ = logger.Close()
		return nil, fmt.Errorf("failed to open projects: %w", err)
	}

	s := &session{cfg: cfg, logger: logger, telemetry: tel, manager: m}
	if projectName != "" {
		if _, err := m.Activate(ctx, projectName); err != nil {
			s.close()
			return nil, err
		}
	}
	return s, nil
}

func (s *session) close() {
	_ = s.manager.Close()
	if err := s.telemetry.Shutdown(context.Background()); err != nil {
		s.logger.Warn(context.Background(), "telemetry shutdown failed", zap.Error(err))
	}
	_ = s.logger.Close()
}

// withSession runs fn against an open session and closes it afterwards.
func withSession(cmd *cobra.Command, fn func(ctx context.Context, s *session) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.close()

	return fn(logging.WithLogger(ctx, s.logger), s)
}
