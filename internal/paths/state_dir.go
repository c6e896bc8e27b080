package paths

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

const appName = "fcbox"

// StateBaseDir resolves the default base directory for fcbox state.
// Preference order:
// 1. $XDG_STATE_HOME/fcbox
// 2. ~/.local/state/fcbox
// 3. $XDG_RUNTIME_DIR/fcbox
func StateBaseDir() (string, error) {
	if stateHome := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); stateHome != "" {
		return filepath.Join(stateHome, appName), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		if runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); runtimeDir != "" {
			return filepath.Join(runtimeDir, appName), nil
		}
		return "", err
	}
	if home != "" {
		return filepath.Join(home, ".local", "state", appName), nil
	}
	if runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); runtimeDir != "" {
		return filepath.Join(runtimeDir, appName), nil
	}
	return "", errors.New("unable to resolve state directory from XDG state/runtime or home")
}

// SnapshotCatalogPath is the sqlite database indexing snapshots.
func SnapshotCatalogPath() (string, error) {
	base, err := StateBaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "snapshots.db"), nil
}
