// Package paths resolves topaibot's on-disk locations.
// It has no internal imports so every other package can use it.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	baseDirName    = ".topaibot"
	configFileName = "topaibot.json"
)

// BaseDir returns the topaibot base directory (~/.topaibot).
func BaseDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, baseDirName), nil
}

// DataPath returns a path within the data directory (~/.topaibot/<subpath>).
func DataPath(subpath string) (string, error) {
	base, err := BaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, subpath), nil
}

// ConfigPath returns the active topaibot.json path.
// Priority: ./topaibot.json (current dir) > ~/.topaibot/topaibot.json
// Returns ("", nil) if no config exists; running on defaults and
// environment variables alone is valid.
func ConfigPath() (string, error) {
	if _, err := os.Stat(configFileName); err == nil {
		absPath, err := filepath.Abs(configFileName)
		if err != nil {
			return "", fmt.Errorf("failed to get absolute path: %w", err)
		}
		return absPath, nil
	}

	globalPath, err := DataPath(configFileName)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(globalPath); err == nil {
		return globalPath, nil
	}

	return "", nil
}

// EnsureParentDir creates the parent directory of a file path if it doesn't exist.
func EnsureParentDir(filePath string) error {
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	return nil
}

// ExpandTilde expands a leading ~ to the user's home directory.
func ExpandTilde(path string) (string, error) {
	if len(path) == 0 || path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	if len(path) == 1 {
		return home, nil
	}
	return filepath.Join(home, path[1:]), nil
}
