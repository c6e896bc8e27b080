package paths

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// DataBaseDir resolves the default base directory for fcbox durable data.
// Preference order:
// 1. $XDG_DATA_HOME/fcbox
// 2. ~/.local/share/fcbox
// 3. $XDG_RUNTIME_DIR/fcbox
func DataBaseDir() (string, error) {
	if dataHome := strings.TrimSpace(os.Getenv("XDG_DATA_HOME")); dataHome != "" {
		return filepath.Join(dataHome, appName), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		if runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); runtimeDir != "" {
			return filepath.Join(runtimeDir, appName), nil
		}
		return "", err
	}
	if home != "" {
		return filepath.Join(home, ".local", "share", appName), nil
	}
	if runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); runtimeDir != "" {
		return filepath.Join(runtimeDir, appName), nil
	}
	return "", errors.New("unable to resolve data directory from XDG data/runtime or home")
}

// SnapshotBaseDir holds one directory per snapshot.
func SnapshotBaseDir() (string, error) {
	base, err := DataBaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "snapshots"), nil
}
