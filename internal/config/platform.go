package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

const appName = "projectd"

// goos is swapped in tests to exercise other platforms' layouts.
var goos = runtime.GOOS

// defaultDataDir returns the per-user application data directory.
func defaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}

	switch goos {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", appName), nil
	case "windows":
		return filepath.Join(localAppData(home), appName), nil
	default:
		base := os.Getenv("XDG_DATA_HOME")
		if !filepath.IsAbs(base) {
			base = filepath.Join(home, ".local", "share")
		}
		return filepath.Join(base, appName), nil
	}
}

// defaultLogsDir returns the per-user application log directory.
func defaultLogsDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}

	switch goos {
	case "darwin":
		return filepath.Join(home, "Library", "Logs", appName), nil
	case "windows":
		return filepath.Join(localAppData(home), appName, "Logs"), nil
	default:
		base := os.Getenv("XDG_STATE_HOME")
		if !filepath.IsAbs(base) {
			base = filepath.Join(home, ".local", "state")
		}
		return filepath.Join(base, appName, "logs"), nil
	}
}

func localAppData(home string) string {
	if dir := os.Getenv("LOCALAPPDATA"); dir != "" {
		return dir
	}
	return filepath.Join(home, "AppData", "Local")
}
