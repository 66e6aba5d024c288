package util

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	AppConfigDir = ".config/courier"
	// HomeEnv points courier at a directory other than ~/.config/courier,
	// e.g. a mounted volume in a container.
	HomeEnv = "COURIER_HOME"
)

// GetConfigDir returns the directory holding config.yaml and the database
// and creates it if needed.
func GetConfigDir() (string, error) {
	configDir := os.Getenv(HomeEnv)
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get user home directory: %w", err)
		}
		configDir = filepath.Join(homeDir, AppConfigDir)
	}

	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}
	return configDir, nil
}

// ResolveFilePath finds filename in the working directory, then in the
// config directory. Absolute paths are used as given. When the file exists
// nowhere the config directory path is returned so it gets created there.
func ResolveFilePath(filename string) string {
	if filepath.IsAbs(filename) {
		return filename
	}
	if _, err := os.Stat(filename); err == nil {
		return filename
	}

	configDir, err := GetConfigDir()
	if err != nil {
		return filename
	}
	return filepath.Join(configDir, filename)
}
