package config

import (
	"os"
	"path/filepath"
)

const (
	// EnvConfigPath is the environment variable for explicit config path
	EnvConfigPath = "ENTITYTX_CONFIG"
	// ConfigFileName is the default config file name
	ConfigFileName = "entitytx.yaml"
	// ConfigDirName is the config directory name under ~/.config
	ConfigDirName = "entitytx"
)

// FindConfigPath searches for config file in priority order:
// 1. $ENTITYTX_CONFIG (explicit path)
// 2. ./entitytx.yaml (working directory)
// 3. ~/.config/entitytx/config.yaml
//
// Returns empty string if no config file found
func FindConfigPath() string {
	if path := os.Getenv(EnvConfigPath); path != "" {
		if fileExists(path) {
			return path
		}
	}

	if fileExists(ConfigFileName) {
		if abs, err := filepath.Abs(ConfigFileName); err == nil {
			return abs
		}
		return ConfigFileName
	}

	if home, err := os.UserHomeDir(); err == nil {
		path := filepath.Join(home, ".config", ConfigDirName, "config.yaml")
		if fileExists(path) {
			return path
		}
	}

	return ""
}

// EnsureConfigDir creates the parent directory of path
func EnsureConfigDir(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0o750)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
