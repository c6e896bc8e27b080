package sandbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Snapshot directory layout.
const (
	SnapshotStateFile  = "snapshot.bin"
	SnapshotMemoryFile = "mem.bin"
	SnapshotRootfsFile = "rootfs.ext4"
	SnapshotMetaFile   = "metadata.json"
)

// Per-VM working directory layout.
const (
	rootfsFile = "rootfs.ext4"
	socketFile = "firecracker.sock"
	logFile    = "firecracker.log"
)

// SnapshotMetadata is the metadata.json written next to a snapshot. Older
// snapshots may lack it or any of its fields.
type SnapshotMetadata struct {
	OriginalRootfsPath string `json:"originalRootfsPath"`
	TapName            string `json:"tapName,omitempty"`
	GuestIP            string `json:"guestIp,omitempty"`
	GuestMAC           string `json:"guestMac,omitempty"`
	SourceVMID         string `json:"sourceVmId,omitempty"`
	CreatedAt          string `json:"createdAt,omitempty"`
}

// HasNetwork reports whether the metadata pins the network identity the
// snapshotted guest expects.
func (m SnapshotMetadata) HasNetwork() bool {
	return m.TapName != "" && m.GuestIP != "" && m.GuestMAC != ""
}

// ReadSnapshotMetadata returns the metadata in dir. A missing file is not an
// error; found is false.
func ReadSnapshotMetadata(dir string) (SnapshotMetadata, bool, error) {
	b, err := os.ReadFile(filepath.Join(dir, SnapshotMetaFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return SnapshotMetadata{}, false, nil
		}
		return SnapshotMetadata{}, false, err
	}
	var meta SnapshotMetadata
	if err := json.Unmarshal(b, &meta); err != nil {
		return SnapshotMetadata{}, false, fmt.Errorf("parse %s: %w", SnapshotMetaFile, err)
	}
	return meta, true, nil
}

func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

func checkSnapshotFiles(dir string) error {
	for _, name := range []string{SnapshotStateFile, SnapshotMemoryFile, SnapshotRootfsFile} {
		if err := requireFile(filepath.Join(dir, name)); err != nil {
			return err
		}
	}
	return nil
}

func requireFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrPrerequisite, path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrPrerequisite, path)
	}
	return nil
}

func dirSize(root string) int64 {
	var total int64
	_ = filepath.WalkDir(root, func(_ string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, infoErr := d.Info(); infoErr == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}
