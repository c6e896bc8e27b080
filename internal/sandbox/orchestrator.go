// Package sandbox boots, snapshots, and tears down Firecracker microVMs,
// composing the privileged gateway, the network allocator, port exposure,
// the hypervisor API, and the guest daemon.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/sandboxhq/fcbox/internal/firecracker"
	"github.com/sandboxhq/fcbox/internal/guest"
	"github.com/sandboxhq/fcbox/internal/network"
	"github.com/sandboxhq/fcbox/internal/portfwd"
	"github.com/sandboxhq/fcbox/internal/snapshotstore"
)

const (
	defaultVCPUs          = 2
	defaultMemoryMiB      = 2048
	defaultBootTimeout    = 60 * time.Second
	defaultRestoreTimeout = 15 * time.Second
	defaultSocketTimeout  = 5 * time.Second
	defaultHealthInterval = 250 * time.Millisecond
	defaultHost           = "localhost"

	cleanupTimeout = 30 * time.Second
	baseBootArgs   = "console=ttyS0 reboot=k panic=1 pci=off"
)

var (
	// ErrPrerequisite marks a missing binary, kernel, rootfs or snapshot
	// file. It is reported before anything is allocated.
	ErrPrerequisite = errors.New("missing prerequisite")
	// ErrGuestNotReady is returned when the guest daemon never answers its
	// health check.
	ErrGuestNotReady = guest.ErrNotReady
)

// Network hands out and releases tap subnets.
type Network interface {
	Allocate(ctx context.Context) (network.Allocation, error)
	Recreate(ctx context.Context, tapName, guestIP, guestMAC string) (network.Allocation, error)
	Release(ctx context.Context, alloc network.Allocation) error
}

// Copier makes a sparse copy of a disk image owned by the caller.
type Copier interface {
	SparseCopy(ctx context.Context, src, dst string) error
}

// Hypervisor is the Firecracker API surface the orchestrator drives.
type Hypervisor interface {
	WaitForSocket(ctx context.Context, timeout time.Duration) error
	PutBootSource(ctx context.Context, kernelImagePath, bootArgs string) error
	PutDrive(ctx context.Context, driveID, pathOnHost string, isRoot, readOnly bool) error
	PutMachineConfig(ctx context.Context, vcpus, memMiB int64) error
	PutNetworkInterface(ctx context.Context, ifaceID, hostDevName, guestMAC string) error
	Start(ctx context.Context) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	CreateSnapshot(ctx context.Context, snapshotPath, memFilePath string) error
	LoadSnapshot(ctx context.Context, snapshotPath, memFilePath string, resume bool) error
	PatchDrive(ctx context.Context, driveID, pathOnHost string) error
	MarkStopped()
}

// GuestDaemon is the in-guest control daemon.
type GuestDaemon interface {
	WaitHealthy(ctx context.Context, timeout, interval time.Duration) error
	CreateSandbox(ctx context.Context) (string, error)
	Exec(ctx context.Context, sandboxID, command string) guest.ExecResult
}

// SnapshotCatalog indexes snapshots written by instances.
type SnapshotCatalog interface {
	Put(ctx context.Context, r snapshotstore.Record) error
	MarkRestored(ctx context.Context, id string) error
}

type Config struct {
	FirecrackerBinary string
	KernelImage       string
	RootFS            string
	VCPUs             int64
	MemoryMiB         int64
	// BootArgs are appended to the fixed console and ip= arguments.
	BootArgs string

	VMDir       string
	SnapshotDir string
	// Host is the hostname used in returned URLs.
	Host string

	BootTimeout    time.Duration
	RestoreTimeout time.Duration
	SocketTimeout  time.Duration
	HealthInterval time.Duration

	// Ports are the guest ports exposed on the host; defaults to
	// guest.ExposedPorts.
	Ports []int
}

type Deps struct {
	Network  Network
	Launcher Launcher
	Copier   Copier
	Exposer  portfwd.Exposer
	Catalog  SnapshotCatalog
	Metrics  *Metrics
	Logger   *log.Logger

	NewHypervisor func(socketPath string) Hypervisor
	NewGuest      func(guestIP string, port int) GuestDaemon
	Now           func() time.Time
}

type StartOptions struct {
	// SnapshotID restores from <SnapshotDir>/<SnapshotID>.
	SnapshotID string
	// SnapshotPath restores from an explicit snapshot directory.
	SnapshotPath string
}

type StartResult struct {
	VMID           string            `json:"vm_id"`
	GuestSandboxID string            `json:"guest_sandbox_id"`
	Ports          map[int]int       `json:"ports"`
	URLs           map[string]string `json:"urls"`
	RestoredFrom   string            `json:"restored_from,omitempty"`
}

type Orchestrator struct {
	cfg  Config
	deps Deps
}

func NewOrchestrator(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Network == nil || deps.Launcher == nil || deps.Copier == nil || deps.Exposer == nil {
		return nil, errors.New("orchestrator requires network, launcher, copier and exposer")
	}
	if strings.TrimSpace(cfg.VMDir) == "" || strings.TrimSpace(cfg.SnapshotDir) == "" {
		return nil, errors.New("orchestrator requires vm and snapshot directories")
	}
	if cfg.VCPUs <= 0 {
		cfg.VCPUs = defaultVCPUs
	}
	if cfg.MemoryMiB <= 0 {
		cfg.MemoryMiB = defaultMemoryMiB
	}
	if cfg.BootTimeout <= 0 {
		cfg.BootTimeout = defaultBootTimeout
	}
	if cfg.RestoreTimeout <= 0 {
		cfg.RestoreTimeout = defaultRestoreTimeout
	}
	if cfg.SocketTimeout <= 0 {
		cfg.SocketTimeout = defaultSocketTimeout
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = defaultHealthInterval
	}
	if strings.TrimSpace(cfg.Host) == "" {
		cfg.Host = defaultHost
	}
	if len(cfg.Ports) == 0 {
		cfg.Ports = guest.ExposedPorts
	}
	if deps.Logger == nil {
		deps.Logger = log.New(io.Discard)
	}
	if deps.NewHypervisor == nil {
		deps.NewHypervisor = func(socketPath string) Hypervisor { return firecracker.New(socketPath) }
	}
	if deps.NewGuest == nil {
		deps.NewGuest = func(guestIP string, port int) GuestDaemon { return guest.New(guestIP, port) }
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Orchestrator{cfg: cfg, deps: deps}, nil
}

func (o *Orchestrator) Config() Config { return o.cfg }

// SnapshotPath returns the directory a snapshot id lives in.
func (o *Orchestrator) SnapshotPath(id string) string {
	return filepath.Join(o.cfg.SnapshotDir, id)
}

func stageErr(stage string, err error) error {
	return fmt.Errorf("start sandbox: %s: %w", stage, err)
}

// Start boots a fresh VM, or restores one when opts names a snapshot. Any
// failure after the first resource is acquired rolls back everything
// acquired so far before the error is returned.
func (o *Orchestrator) Start(ctx context.Context, opts StartOptions) (inst *Instance, result *StartResult, err error) {
	began := time.Now()
	snapDir := strings.TrimSpace(opts.SnapshotPath)
	if snapDir == "" && strings.TrimSpace(opts.SnapshotID) != "" {
		id := strings.TrimSpace(opts.SnapshotID)
		if !snapshotIDPattern.MatchString(id) {
			return nil, nil, stageErr("resolve snapshot", fmt.Errorf("%w %q", ErrInvalidSnapshotID, id))
		}
		snapDir = o.SnapshotPath(id)
	}
	mode := modeFresh
	if snapDir != "" {
		mode = modeRestore
	}
	defer func() { o.deps.Metrics.observeStart(mode, began, err) }()

	binary, err := o.checkPrerequisites(snapDir)
	if err != nil {
		return nil, nil, stageErr("check prerequisites", err)
	}
	var meta SnapshotMetadata
	if snapDir != "" {
		if meta, _, err = ReadSnapshotMetadata(snapDir); err != nil {
			return nil, nil, stageErr("read snapshot metadata", err)
		}
	}

	vmID := newVMID(o.deps.Now())
	logger := o.deps.Logger.With("vm_id", vmID)
	res := &resources{
		vmDir:      filepath.Join(o.cfg.VMDir, vmID),
		socketPath: filepath.Join(o.cfg.VMDir, vmID, socketFile),
		rootfsPath: filepath.Join(o.cfg.VMDir, vmID, rootfsFile),
	}
	rel := releaser{net: o.deps.Network, logger: logger, metrics: o.deps.Metrics}
	if err := os.MkdirAll(res.vmDir, 0o755); err != nil {
		return nil, nil, stageErr("create working directory", err)
	}
	defer func() {
		if err == nil {
			return
		}
		logger.Error("start failed, rolling back", "error", err)
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
		_ = rel.release(cleanupCtx, res, true)
	}()

	var api Hypervisor
	if snapDir == "" {
		logger.Info("booting sandbox", "rootfs", o.cfg.RootFS)
		api, err = o.bootFresh(ctx, res, binary)
	} else {
		logger.Info("restoring sandbox", "snapshot", snapDir)
		api, err = o.restore(ctx, res, binary, snapDir, meta)
	}
	if err != nil {
		return nil, nil, err
	}
	alloc := *res.alloc

	res.forwards, err = portfwd.ExposeAll(ctx, o.deps.Exposer, alloc.GuestIP, o.cfg.Ports)
	if err != nil {
		return nil, nil, stageErr("expose ports", err)
	}

	timeout := o.cfg.BootTimeout
	if snapDir != "" {
		timeout = o.cfg.RestoreTimeout
	}
	daemon := o.deps.NewGuest(alloc.GuestIP, guest.DaemonPort)
	if err := daemon.WaitHealthy(ctx, timeout, o.cfg.HealthInterval); err != nil {
		return nil, nil, stageErr("wait for guest daemon", err)
	}
	guestSandboxID, err := daemon.CreateSandbox(ctx)
	if err != nil {
		return nil, nil, stageErr("create guest sandbox", err)
	}

	ports := portfwd.Mapping(res.forwards)
	inst = &Instance{
		id:             vmID,
		guestSandboxID: guestSandboxID,
		alloc:          alloc,
		ports:          ports,
		urls:           o.buildURLs(ports),
		snapshotDir:    o.cfg.SnapshotDir,
		createdAt:      o.deps.Now().UTC(),
		res:            res,
		api:            api,
		guest:          daemon,
		copier:         o.deps.Copier,
		catalog:        o.deps.Catalog,
		releaser:       rel,
		now:            o.deps.Now,
		logger:         logger,
		metrics:        o.deps.Metrics,
	}
	if snapDir != "" {
		inst.restoredFrom = filepath.Base(snapDir)
		if o.deps.Catalog != nil {
			if err := o.deps.Catalog.MarkRestored(ctx, inst.restoredFrom); err != nil {
				logger.Warn("failed to record snapshot restore", "snapshot_id", inst.restoredFrom, "error", err)
			}
		}
	}

	logger.Info("sandbox ready",
		"tap", alloc.TapName,
		"guest_ip", alloc.GuestIP,
		"guest_sandbox_id", guestSandboxID,
		"elapsed", time.Since(began).Round(time.Millisecond),
	)
	return inst, &StartResult{
		VMID:           vmID,
		GuestSandboxID: guestSandboxID,
		Ports:          copyPorts(ports),
		URLs:           copyURLs(inst.urls),
		RestoredFrom:   inst.restoredFrom,
	}, nil
}

func (o *Orchestrator) bootFresh(ctx context.Context, res *resources, binary string) (Hypervisor, error) {
	alloc, err := o.deps.Network.Allocate(ctx)
	if err != nil {
		return nil, stageErr("allocate network", err)
	}
	res.alloc = &alloc

	if err := o.deps.Copier.SparseCopy(ctx, o.cfg.RootFS, res.rootfsPath); err != nil {
		return nil, stageErr("copy rootfs", err)
	}

	api, err := o.launch(ctx, res, binary)
	if err != nil {
		return nil, err
	}

	if err := api.PutBootSource(ctx, o.cfg.KernelImage, o.bootArgs(alloc)); err != nil {
		return nil, stageErr("configure boot source", err)
	}
	if err := api.PutDrive(ctx, firecracker.RootDriveID, res.rootfsPath, true, false); err != nil {
		return nil, stageErr("configure root drive", err)
	}
	if err := api.PutMachineConfig(ctx, o.cfg.VCPUs, o.cfg.MemoryMiB); err != nil {
		return nil, stageErr("configure machine", err)
	}
	if err := api.PutNetworkInterface(ctx, firecracker.DefaultIfaceID, alloc.TapName, alloc.GuestMAC); err != nil {
		return nil, stageErr("configure network interface", err)
	}
	if err := api.Start(ctx); err != nil {
		return nil, stageErr("start instance", err)
	}
	return api, nil
}

func (o *Orchestrator) restore(ctx context.Context, res *resources, binary, snapDir string, meta SnapshotMetadata) (Hypervisor, error) {
	var (
		alloc network.Allocation
		err   error
	)
	if meta.HasNetwork() {
		alloc, err = o.deps.Network.Recreate(ctx, meta.TapName, meta.GuestIP, meta.GuestMAC)
		if err != nil {
			return nil, stageErr("recreate network", err)
		}
	} else {
		alloc, err = o.deps.Network.Allocate(ctx)
		if err != nil {
			return nil, stageErr("allocate network", err)
		}
	}
	res.alloc = &alloc

	override, err := o.placeRootfs(ctx, res, snapDir, meta)
	if err != nil {
		return nil, stageErr("place rootfs", err)
	}

	api, err := o.launch(ctx, res, binary)
	if err != nil {
		return nil, err
	}

	snapPath := filepath.Join(snapDir, SnapshotStateFile)
	memPath := filepath.Join(snapDir, SnapshotMemoryFile)
	if err := api.LoadSnapshot(ctx, snapPath, memPath, !override); err != nil {
		return nil, stageErr("load snapshot", err)
	}
	if override {
		if err := api.PatchDrive(ctx, firecracker.RootDriveID, res.rootfsPath); err != nil {
			return nil, stageErr("override root drive", err)
		}
		if err := api.Resume(ctx); err != nil {
			return nil, stageErr("resume instance", err)
		}
	}
	return api, nil
}

// placeRootfs copies the snapshot's rootfs to the path baked into the
// snapshot. When that path is taken, the copy goes into the working
// directory and override reports that the drive must be patched after load.
func (o *Orchestrator) placeRootfs(ctx context.Context, res *resources, snapDir string, meta SnapshotMetadata) (override bool, err error) {
	target := res.rootfsPath
	if original := meta.OriginalRootfsPath; original != "" && original != res.rootfsPath {
		if _, statErr := os.Stat(original); statErr == nil {
			override = true
		} else {
			parent := filepath.Dir(original)
			if _, statErr := os.Stat(parent); errors.Is(statErr, os.ErrNotExist) {
				if err := os.MkdirAll(parent, 0o755); err != nil {
					return false, err
				}
				res.extraDirs = append(res.extraDirs, parent)
			}
			target = original
			res.rootfsPath = original
		}
	}
	if err := o.deps.Copier.SparseCopy(ctx, filepath.Join(snapDir, SnapshotRootfsFile), target); err != nil {
		return false, err
	}
	if target != filepath.Join(res.vmDir, rootfsFile) {
		res.extraFiles = append(res.extraFiles, target)
	}
	return override, nil
}

func (o *Orchestrator) launch(ctx context.Context, res *resources, binary string) (Hypervisor, error) {
	proc, err := o.deps.Launcher.Launch(ctx, binary, res.socketPath, filepath.Join(res.vmDir, logFile))
	if err != nil {
		return nil, stageErr("spawn hypervisor", err)
	}
	res.proc = proc

	api := o.deps.NewHypervisor(res.socketPath)
	if err := api.WaitForSocket(ctx, o.cfg.SocketTimeout); err != nil {
		return nil, stageErr("wait for hypervisor socket", err)
	}
	return api, nil
}

func (o *Orchestrator) checkPrerequisites(snapDir string) (string, error) {
	binary, err := resolveBinary(o.cfg.FirecrackerBinary)
	if err != nil {
		return "", err
	}
	if snapDir != "" {
		return binary, checkSnapshotFiles(snapDir)
	}
	if err := requireFile(o.cfg.KernelImage); err != nil {
		return "", err
	}
	if err := requireFile(o.cfg.RootFS); err != nil {
		return "", err
	}
	return binary, nil
}

var lookPath = exec.LookPath

// resolveBinary returns an absolute path to the hypervisor binary.
func resolveBinary(configured string) (string, error) {
	configured = strings.TrimSpace(configured)
	if configured == "" {
		configured = "firecracker"
	}
	if filepath.IsAbs(configured) {
		if err := requireFile(configured); err != nil {
			return "", err
		}
		return configured, nil
	}
	path, err := lookPath(configured)
	if err != nil {
		return "", fmt.Errorf("%w: %s not found in PATH", ErrPrerequisite, configured)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPrerequisite, err)
	}
	return abs, nil
}

func (o *Orchestrator) bootArgs(alloc network.Allocation) string {
	ip := fmt.Sprintf("ip=%s::%s:255.255.255.252::%s:off", alloc.GuestIP, alloc.HostIP, firecracker.DefaultIfaceID)
	args := baseBootArgs + " " + ip
	if extra := strings.TrimSpace(o.cfg.BootArgs); extra != "" {
		args += " " + extra
	}
	return args
}

var namedPorts = map[string]int{
	"worker":   guest.WorkerPort,
	"editor":   guest.EditorPort,
	"proxy":    guest.ProxyPort,
	"vnc":      guest.VNCPort,
	"terminal": guest.TerminalPort,
}

func (o *Orchestrator) buildURLs(ports map[int]int) map[string]string {
	urls := make(map[string]string, len(namedPorts))
	for name, guestPort := range namedPorts {
		hostPort, ok := ports[guestPort]
		if !ok {
			continue
		}
		urls[name] = "http://" + net.JoinHostPort(o.cfg.Host, strconv.Itoa(hostPort))
	}
	return urls
}
