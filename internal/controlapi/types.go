package controlapi

import (
	"time"

	"github.com/sandboxhq/fcbox/internal/sandbox"
	"github.com/sandboxhq/fcbox/internal/snapshotstore"
)

type CreateSandboxRequest struct {
	SnapshotID   string `json:"snapshot_id,omitempty"`
	SnapshotPath string `json:"snapshot_path,omitempty"`
}

type CreateSandboxResponse = sandbox.StartResult

type ListSandboxesResponse struct {
	Sandboxes []sandbox.Info `json:"sandboxes"`
}

type ExecRequest struct {
	Command string `json:"command"`
}

type ExecResponse struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

type SnapshotRequest struct {
	SnapshotID string `json:"snapshot_id,omitempty"`
}

type SnapshotInfo struct {
	ID                 string     `json:"id"`
	SourceVMID         string     `json:"source_vm_id"`
	Dir                string     `json:"dir"`
	TapName            string     `json:"tap_name,omitempty"`
	GuestIP            string     `json:"guest_ip,omitempty"`
	GuestMAC           string     `json:"guest_mac,omitempty"`
	OriginalRootfsPath string     `json:"original_rootfs_path,omitempty"`
	SizeBytes          int64      `json:"size_bytes"`
	CreatedAt          time.Time  `json:"created_at"`
	LastRestoredAt     *time.Time `json:"last_restored_at,omitempty"`
}

type ListSnapshotsResponse struct {
	Snapshots []SnapshotInfo `json:"snapshots"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func SnapshotInfoFromRecord(r snapshotstore.Record) SnapshotInfo {
	info := SnapshotInfo{
		ID:                 r.ID,
		SourceVMID:         r.SourceVMID,
		Dir:                r.Dir,
		TapName:            r.TapName,
		GuestIP:            r.GuestIP,
		GuestMAC:           r.GuestMAC,
		OriginalRootfsPath: r.OriginalRootfsPath,
		SizeBytes:          r.SizeBytes,
		CreatedAt:          r.CreatedAt,
	}
	if !r.LastRestoredAt.IsZero() {
		restored := r.LastRestoredAt
		info.LastRestoredAt = &restored
	}
	return info
}
