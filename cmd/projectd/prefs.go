package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/projectd/internal/logging"
)

func init() {
	rootCmd.AddCommand(prefsCmd)
	prefsCmd.AddCommand(prefsShowCmd, prefsSetCmd, prefsUnsetCmd, prefsBackupCmd)
}

var prefsCmd = &cobra.Command{
	Use:   "prefs",
	Short: "Manage preferences",
	Long: `Manage the preferences kept next to the registry.

The file is preferences.json, or preferences.toml with
paths.preferences_format set to toml.

Examples:
  # Send exports to a fixed directory
  projectd prefs set output_dir /srv/exports

  # Show every preference
  projectd prefs show

  # Keep a copy before editing by hand
  projectd prefs backup`,
}

var prefsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print every preference",
	Long:  `Print every preference as key and JSON value, sorted by key.`,
	Args:  cobra.NoArgs,
	RunE:  runPrefsShow,
}

func runPrefsShow(cmd *cobra.Command, args []string) error {
	return withSession(cmd, func(ctx context.Context, s *session) error {
		out := cmd.OutOrStdout()
		var err error
		s.manager.Preferences().Range(func(k string, v any) bool {
			var raw []byte
			if raw, err = json.Marshal(v); err != nil {
				err = fmt.Errorf("failed to render preference %s: %w", k, err)
				return false
			}
			fmt.Fprintf(out, "%s %s\n", labelStyle.Render(k+":"), raw)
			return true
		})
		return err
	})
}

var prefsSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a preference",
	Long: `Set a preference. Values that decode as JSON keep their type; anything
else is stored as a string.`,
	Args: cobra.ExactArgs(2),
	RunE: runPrefsSet,
}

func runPrefsSet(cmd *cobra.Command, args []string) error {
	attrs, err := parseAttributes([]string{args[0] + "=" + args[1]})
	if err != nil {
		return err
	}
	return withSession(cmd, func(ctx context.Context, s *session) error {
		if err := s.manager.Preferences().Set(args[0], attrs[args[0]]); err != nil {
			return err
		}
		logging.FromContext(ctx).Debug(ctx, "preference set", zap.String("key", args[0]))
		return nil
	})
}

var prefsUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a preference",
	Long:  `Remove a preference. Removing a key that is not set fails.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, s *session) error {
			return s.manager.Preferences().Delete(args[0])
		})
	},
}

var prefsBackupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Write a timestamped copy of the preferences",
	Long: `Write a copy of the preferences to the backups directory under the data
root and print its path.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, s *session) error {
			path, err := s.manager.BackupPreferences(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		})
	},
}
