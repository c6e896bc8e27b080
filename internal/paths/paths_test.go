package paths

import (
	"path/filepath"
	"testing"
)

func TestStateDirsPreferXDGStateHome(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("XDG_STATE_HOME", tmp)

	state, err := StateBaseDir()
	if err != nil {
		t.Fatalf("StateBaseDir: %v", err)
	}
	if want := filepath.Join(tmp, "fcbox"); state != want {
		t.Fatalf("unexpected state dir: got %q want %q", state, want)
	}

	vms, err := VMBaseDir()
	if err != nil {
		t.Fatalf("VMBaseDir: %v", err)
	}
	if want := filepath.Join(tmp, "fcbox", "vms"); vms != want {
		t.Fatalf("unexpected vm dir: got %q want %q", vms, want)
	}

	catalog, err := SnapshotCatalogPath()
	if err != nil {
		t.Fatalf("SnapshotCatalogPath: %v", err)
	}
	if want := filepath.Join(tmp, "fcbox", "snapshots.db"); catalog != want {
		t.Fatalf("unexpected catalog path: got %q want %q", catalog, want)
	}
}

func TestSnapshotBaseDirFallsBackToHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("XDG_DATA_HOME", "")
	t.Setenv("HOME", home)

	got, err := SnapshotBaseDir()
	if err != nil {
		t.Fatalf("SnapshotBaseDir: %v", err)
	}
	if want := filepath.Join(home, ".local", "share", "fcbox", "snapshots"); got != want {
		t.Fatalf("unexpected snapshot dir: got %q want %q", got, want)
	}
}
