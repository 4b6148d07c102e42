package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Filenames under the ~/.loom directory.
const (
	dirName        = ".loom"
	configFileName = "config.yaml"
	dataFileName   = "loom.db"
)

func homeFile(parts ...string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(append([]string{home}, parts...)...), nil
}

// DefaultConfigDir returns the default configuration directory (~/.loom).
func DefaultConfigDir() (string, error) {
	return homeFile(dirName)
}

// DefaultConfigPath returns the default configuration file path
// (~/.loom/config.yaml).
func DefaultConfigPath() (string, error) {
	return homeFile(dirName, configFileName)
}

// DefaultDataPath returns the default database file path (~/.loom/loom.db).
func DefaultDataPath() (string, error) {
	return homeFile(dirName, dataFileName)
}

// ExpandPath expands a ~ prefix in path to the user home directory.
func ExpandPath(path string) (string, error) {
	switch {
	case path == "" || !strings.HasPrefix(path, "~"):
		return path, nil
	case path == "~":
		return os.UserHomeDir()
	case strings.HasPrefix(path, "~/"):
		return homeFile(path[2:])
	default:
		// ~other-user expansion is not supported.
		return path, nil
	}
}
