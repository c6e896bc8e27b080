package paths

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// VMBaseDir resolves the default parent of per-VM working directories.
// Preference order:
// 1. $XDG_STATE_HOME/fcbox/vms
// 2. ~/.local/state/fcbox/vms
// 3. $XDG_RUNTIME_DIR/fcbox/vms
func VMBaseDir() (string, error) {
	if stateHome := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); stateHome != "" {
		return filepath.Join(stateHome, appName, "vms"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		if runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); runtimeDir != "" {
			return filepath.Join(runtimeDir, appName, "vms"), nil
		}
		return "", err
	}
	if home != "" {
		return filepath.Join(home, ".local", "state", appName, "vms"), nil
	}
	if runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); runtimeDir != "" {
		return filepath.Join(runtimeDir, appName, "vms"), nil
	}
	return "", errors.New("unable to resolve vm directory from XDG state/runtime or home")
}
