package config

import (
	"os"
	"path/filepath"
)

const (
	// EnvConfigPath overrides the config file search
	EnvConfigPath = "CASEDESK_CONFIG"
	// ConfigFileName is looked up in the working directory
	ConfigFileName = "casedesk.yaml"
	ConfigDirName  = "casedesk"
)

// FindConfigPath returns the first config file that exists, in the order listed in
// the package doc, or "" when there is none.
func FindConfigPath() string {
	if path := os.Getenv(EnvConfigPath); path != "" && fileExists(path) {
		return path
	}

	if fileExists(ConfigFileName) {
		if abs, err := filepath.Abs(ConfigFileName); err == nil {
			return abs
		}
		return ConfigFileName
	}

	for _, path := range userConfigPaths() {
		if fileExists(path) {
			return path
		}
	}

	if systemPath := filepath.Join("/etc", ConfigDirName, "config.yaml"); fileExists(systemPath) {
		return systemPath
	}
	return ""
}

func userConfigPaths() []string {
	var paths []string
	if xdgHome := os.Getenv("XDG_CONFIG_HOME"); xdgHome != "" {
		paths = append(paths, filepath.Join(xdgHome, ConfigDirName, "config.yaml"))
	}
	if home := os.Getenv("HOME"); home != "" {
		paths = append(paths, filepath.Join(home, ".config", ConfigDirName, "config.yaml"))
	}
	return paths
}

// EnsureConfigDir creates the config directory if it doesn't exist
func EnsureConfigDir(configPath string) error {
	return os.MkdirAll(filepath.Dir(configPath), 0o755)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
