package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/sandboxhq/fcbox/internal/guest"
	"github.com/sandboxhq/fcbox/internal/network"
	"github.com/sandboxhq/fcbox/internal/portfwd"
	"github.com/sandboxhq/fcbox/internal/snapshotstore"
)

var (
	ErrStopped           = errors.New("sandbox is stopped")
	ErrInvalidSnapshotID = errors.New("invalid snapshot id")
	ErrSnapshotExists    = errors.New("snapshot already exists")

	snapshotIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,127}$`)
)

// Info describes a live or stopped instance.
type Info struct {
	ID             string            `json:"id"`
	GuestSandboxID string            `json:"guest_sandbox_id"`
	PID            int               `json:"pid"`
	TapName        string            `json:"tap_name"`
	GuestIP        string            `json:"guest_ip"`
	GuestMAC       string            `json:"guest_mac"`
	Ports          map[int]int       `json:"ports"`
	URLs           map[string]string `json:"urls"`
	Paused         bool              `json:"paused"`
	Stopped        bool              `json:"stopped"`
	RestoredFrom   string            `json:"restored_from,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// Instance owns one running microVM and everything acquired to start it.
type Instance struct {
	id             string
	guestSandboxID string
	alloc          network.Allocation
	ports          map[int]int
	urls           map[string]string
	snapshotDir    string
	restoredFrom   string
	createdAt      time.Time

	res      *resources
	api      Hypervisor
	guest    GuestDaemon
	copier   Copier
	catalog  SnapshotCatalog
	releaser releaser
	now      func() time.Time
	logger   *log.Logger
	metrics  *Metrics

	mu      sync.Mutex
	paused  bool
	stopped bool
}

func (i *Instance) ID() string { return i.id }

func (i *Instance) Info() Info {
	i.mu.Lock()
	defer i.mu.Unlock()

	pid := 0
	if i.res.proc != nil {
		pid = i.res.proc.Pid()
	}
	return Info{
		ID:             i.id,
		GuestSandboxID: i.guestSandboxID,
		PID:            pid,
		TapName:        i.alloc.TapName,
		GuestIP:        i.alloc.GuestIP,
		GuestMAC:       i.alloc.GuestMAC,
		Ports:          copyPorts(i.ports),
		URLs:           copyURLs(i.urls),
		Paused:         i.paused,
		Stopped:        i.stopped,
		RestoredFrom:   i.restoredFrom,
		CreatedAt:      i.createdAt,
	}
}

// Exec runs command in the guest sandbox. Guest-side failures come back as a
// result with a non-zero exit code; only a stopped instance is an error.
func (i *Instance) Exec(ctx context.Context, command string) (guest.ExecResult, error) {
	i.mu.Lock()
	stopped := i.stopped
	i.mu.Unlock()
	if stopped {
		return guest.ExecResult{}, fmt.Errorf("exec in %s: %w", i.id, ErrStopped)
	}
	return i.guest.Exec(ctx, i.guestSandboxID, command), nil
}

func (i *Instance) Pause(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.stopped {
		return fmt.Errorf("pause %s: %w", i.id, ErrStopped)
	}
	if i.paused {
		return nil
	}
	if err := i.api.Pause(ctx); err != nil {
		return fmt.Errorf("pause %s: %w", i.id, err)
	}
	i.paused = true
	return nil
}

func (i *Instance) Resume(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.stopped {
		return fmt.Errorf("resume %s: %w", i.id, ErrStopped)
	}
	if !i.paused {
		return nil
	}
	if err := i.api.Resume(ctx); err != nil {
		return fmt.Errorf("resume %s: %w", i.id, err)
	}
	i.paused = false
	return nil
}

// Snapshot pauses the VM, writes a full snapshot plus a rootfs copy and
// metadata into a new snapshot directory, and resumes the VM. An empty
// snapshotID gets a generated one. A partial directory is removed on failure.
func (i *Instance) Snapshot(ctx context.Context, snapshotID string) (rec snapshotstore.Record, err error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	defer func() { i.metrics.observeSnapshot(err) }()

	if i.stopped {
		return snapshotstore.Record{}, fmt.Errorf("snapshot %s: %w", i.id, ErrStopped)
	}
	snapshotID = strings.TrimSpace(snapshotID)
	if snapshotID == "" {
		snapshotID = NewSnapshotID()
	}
	if !snapshotIDPattern.MatchString(snapshotID) {
		return snapshotstore.Record{}, fmt.Errorf("%w %q", ErrInvalidSnapshotID, snapshotID)
	}

	dir := filepath.Join(i.snapshotDir, snapshotID)
	if _, statErr := os.Stat(dir); statErr == nil {
		return snapshotstore.Record{}, fmt.Errorf("%w: %s", ErrSnapshotExists, snapshotID)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return snapshotstore.Record{}, fmt.Errorf("create snapshot directory: %w", err)
	}
	defer func() {
		if err != nil {
			if rmErr := os.RemoveAll(dir); rmErr != nil {
				i.logger.Warn("failed to remove partial snapshot", "dir", dir, "error", rmErr)
			}
		}
	}()

	logger := i.logger.With("snapshot_id", snapshotID)
	if !i.paused {
		if err := i.api.Pause(ctx); err != nil {
			return snapshotstore.Record{}, fmt.Errorf("snapshot %s: pause: %w", i.id, err)
		}
		i.paused = true
		defer func() {
			resumeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
			defer cancel()
			if resumeErr := i.api.Resume(resumeCtx); resumeErr != nil {
				logger.Error("failed to resume after snapshot", "error", resumeErr)
				err = errors.Join(err, fmt.Errorf("snapshot %s: resume: %w", i.id, resumeErr))
				return
			}
			i.paused = false
		}()
	}

	if err := i.api.CreateSnapshot(ctx, filepath.Join(dir, SnapshotStateFile), filepath.Join(dir, SnapshotMemoryFile)); err != nil {
		return snapshotstore.Record{}, fmt.Errorf("snapshot %s: create: %w", i.id, err)
	}
	if err := i.copier.SparseCopy(ctx, i.res.rootfsPath, filepath.Join(dir, SnapshotRootfsFile)); err != nil {
		return snapshotstore.Record{}, fmt.Errorf("snapshot %s: copy rootfs: %w", i.id, err)
	}

	createdAt := i.now().UTC()
	meta := SnapshotMetadata{
		OriginalRootfsPath: i.res.rootfsPath,
		TapName:            i.alloc.TapName,
		GuestIP:            i.alloc.GuestIP,
		GuestMAC:           i.alloc.GuestMAC,
		SourceVMID:         i.id,
		CreatedAt:          createdAt.Format(time.RFC3339),
	}
	if err := writeJSON(filepath.Join(dir, SnapshotMetaFile), meta); err != nil {
		return snapshotstore.Record{}, fmt.Errorf("snapshot %s: write metadata: %w", i.id, err)
	}

	rec = snapshotstore.Record{
		ID:                 snapshotID,
		SourceVMID:         i.id,
		Dir:                dir,
		TapName:            meta.TapName,
		GuestIP:            meta.GuestIP,
		GuestMAC:           meta.GuestMAC,
		OriginalRootfsPath: meta.OriginalRootfsPath,
		SizeBytes:          dirSize(dir),
		CreatedAt:          createdAt,
	}
	if i.catalog != nil {
		if err := i.catalog.Put(ctx, rec); err != nil {
			return snapshotstore.Record{}, fmt.Errorf("snapshot %s: record in catalog: %w", i.id, err)
		}
	}
	logger.Info("snapshot created", "dir", dir, "size_bytes", rec.SizeBytes)
	return rec, nil
}

// Stop kills the hypervisor and releases forwards and the network. Every
// step runs even when an earlier one fails. Calling Stop again is a no-op.
func (i *Instance) Stop(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.stopLocked(ctx)
}

func (i *Instance) stopLocked(ctx context.Context) error {
	if i.stopped {
		return nil
	}
	i.stopped = true
	i.paused = false
	err := i.releaser.release(ctx, i.res, false)
	i.api.MarkStopped()
	i.metrics.observeStop()
	i.logger.Info("sandbox stopped")
	return err
}

// Destroy stops the instance and removes its working directory, including a
// restored rootfs placed outside it.
func (i *Instance) Destroy(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	stopErr := i.stopLocked(ctx)
	return errors.Join(stopErr, i.releaser.removeFiles(i.res))
}

func copyPorts(in map[int]int) map[int]int {
	out := make(map[int]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyURLs(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// resources tracks what a start sequence has acquired so far.
type resources struct {
	vmDir      string
	socketPath string
	rootfsPath string
	proc       Process
	forwards   []portfwd.Forward
	alloc      *network.Allocation
	// Files and directories created outside vmDir for a restored rootfs.
	extraFiles []string
	extraDirs  []string
}

type releaser struct {
	net     Network
	logger  *log.Logger
	metrics *Metrics
}

// release tears resources down in order: hypervisor, forwards, network, and
// then either the control socket or the whole working directory.
func (r releaser) release(ctx context.Context, res *resources, removeDir bool) error {
	var errs []error
	step := func(name string, err error) {
		if err == nil {
			return
		}
		r.logger.Warn("cleanup step failed", "step", name, "error", err)
		r.metrics.observeCleanupError(name)
		errs = append(errs, fmt.Errorf("%s: %w", name, err))
	}

	if res.proc != nil {
		step("kill hypervisor", res.proc.Terminate(ctx))
	}
	if len(res.forwards) > 0 {
		step("close port forwards", portfwd.CloseAll(res.forwards))
	}
	if res.alloc != nil {
		step("release network", r.net.Release(ctx, *res.alloc))
	}
	if removeDir {
		step("remove working directory", r.removeFiles(res))
	} else if res.socketPath != "" {
		if err := os.Remove(res.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			step("remove control socket", err)
		}
	}
	return errors.Join(errs...)
}

func (r releaser) removeFiles(res *resources) error {
	var errs []error
	for _, f := range res.extraFiles {
		if err := os.Remove(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	for j := len(res.extraDirs) - 1; j >= 0; j-- {
		if err := os.Remove(res.extraDirs[j]); err != nil && !errors.Is(err, os.ErrNotExist) {
			r.logger.Debug("left non-empty restore directory", "dir", res.extraDirs[j], "error", err)
		}
	}
	if res.vmDir != "" {
		if err := os.RemoveAll(res.vmDir); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
