// ABOUTME: XDG-based data and config directory resolution.
// ABOUTME: Checks XDG_DATA_HOME / XDG_CONFIG_HOME, falls back to ~/.local/share/seiyo and ~/.config/seiyo.
package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const appName = "seiyo"

// DefaultDataDir returns where sessions, pipeline state, and images live.
func DefaultDataDir() (string, error) {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, appName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", appName), nil
}

// DefaultConfigDir returns where config.yaml is looked up.
func DefaultConfigDir() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, appName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".config", appName), nil
}
