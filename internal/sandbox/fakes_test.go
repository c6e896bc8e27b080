package sandbox

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sandboxhq/fcbox/internal/firecracker"
	"github.com/sandboxhq/fcbox/internal/guest"
	"github.com/sandboxhq/fcbox/internal/network"
	"github.com/sandboxhq/fcbox/internal/portfwd"
	"github.com/sandboxhq/fcbox/internal/snapshotstore"
)

type netGateway struct {
	mu    sync.Mutex
	calls []string
}

func (g *netGateway) record(call string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, call)
}

func (g *netGateway) CreateTap(_ context.Context, tap, hostIP string) error {
	g.record("create-tap " + tap + " " + hostIP)
	return nil
}

func (g *netGateway) DeleteTap(_ context.Context, tap string) error {
	g.record("delete-tap " + tap)
	return nil
}

func (g *netGateway) SetupNAT(_ context.Context, tap, guestIP string) error {
	g.record("setup-nat " + tap + " " + guestIP)
	return nil
}

func (g *netGateway) TeardownNAT(_ context.Context, tap, guestIP string) error {
	g.record("teardown-nat " + tap + " " + guestIP)
	return nil
}

func (g *netGateway) Calls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.calls...)
}

type fakeProcess struct {
	mu         sync.Mutex
	terminated int
}

func (p *fakeProcess) Pid() int { return 4242 }

func (p *fakeProcess) Terminate(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.terminated++
	return nil
}

func (p *fakeProcess) Terminated() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated
}

type fakeLauncher struct {
	launched []*fakeProcess
}

func (l *fakeLauncher) Launch(_ context.Context, _, socketPath, _ string) (Process, error) {
	if err := os.WriteFile(socketPath, nil, 0o600); err != nil {
		return nil, err
	}
	p := &fakeProcess{}
	l.launched = append(l.launched, p)
	return p, nil
}

type fileCopier struct {
	copies []string
}

func (c *fileCopier) SparseCopy(_ context.Context, src, dst string) error {
	b, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	c.copies = append(c.copies, src+" -> "+dst)
	return os.WriteFile(dst, b, 0o644)
}

// fakeHypervisor records API calls in firecracker path form and fails the
// ones listed in failOn.
type fakeHypervisor struct {
	mu      sync.Mutex
	calls   []string
	failOn  map[string]bool
	stopped bool
}

func (h *fakeHypervisor) call(name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, name)
	if h.failOn[name] {
		return &firecracker.APIError{Method: http.MethodPut, Path: "/" + name, StatusCode: http.StatusBadRequest, Body: `{"fault_message":"boom"}`}
	}
	return nil
}

func (h *fakeHypervisor) Calls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

func (h *fakeHypervisor) WaitForSocket(context.Context, time.Duration) error {
	return h.call("wait-socket")
}

func (h *fakeHypervisor) PutBootSource(_ context.Context, kernel, bootArgs string) error {
	return h.call("boot-source")
}

func (h *fakeHypervisor) PutDrive(_ context.Context, id, path string, isRoot, readOnly bool) error {
	return h.call("drives/" + id + " " + path)
}

func (h *fakeHypervisor) PutMachineConfig(context.Context, int64, int64) error {
	return h.call("machine-config")
}

func (h *fakeHypervisor) PutNetworkInterface(_ context.Context, ifaceID, tap, mac string) error {
	return h.call("network-interfaces/" + ifaceID + " " + tap + " " + mac)
}

func (h *fakeHypervisor) Start(context.Context) error  { return h.call("actions InstanceStart") }
func (h *fakeHypervisor) Pause(context.Context) error  { return h.call("vm Paused") }
func (h *fakeHypervisor) Resume(context.Context) error { return h.call("vm Resumed") }

func (h *fakeHypervisor) CreateSnapshot(_ context.Context, snapPath, memPath string) error {
	if err := h.call("snapshot/create"); err != nil {
		return err
	}
	if err := os.WriteFile(snapPath, []byte("state"), 0o644); err != nil {
		return err
	}
	return os.WriteFile(memPath, []byte("memory"), 0o644)
}

func (h *fakeHypervisor) LoadSnapshot(_ context.Context, _, _ string, resume bool) error {
	return h.call(fmt.Sprintf("snapshot/load resume=%t", resume))
}

func (h *fakeHypervisor) PatchDrive(_ context.Context, id, path string) error {
	return h.call("patch drives/" + id + " " + path)
}

func (h *fakeHypervisor) MarkStopped() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
}

type fakeForward struct {
	hostPort  int
	guestPort int

	mu     sync.Mutex
	closed int
}

func (f *fakeForward) HostPort() int  { return f.hostPort }
func (f *fakeForward) GuestPort() int { return f.guestPort }

func (f *fakeForward) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

type fakeExposer struct {
	mu       sync.Mutex
	forwards []*fakeForward
	guestIPs []string
}

func (e *fakeExposer) Expose(_ context.Context, guestIP string, guestPort int) (portfwd.Forward, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	f := &fakeForward{hostPort: 40000 + guestPort%10000, guestPort: guestPort}
	e.forwards = append(e.forwards, f)
	e.guestIPs = append(e.guestIPs, guestIP)
	return f, nil
}

type fakeGuest struct {
	healthErr error
	result    guest.ExecResult
	commands  []string

	// When set, WaitHealthy closes healthEntered and blocks until
	// healthRelease is closed.
	healthEntered chan struct{}
	healthRelease chan struct{}
}

func (g *fakeGuest) WaitHealthy(context.Context, time.Duration, time.Duration) error {
	if g.healthRelease != nil {
		close(g.healthEntered)
		<-g.healthRelease
	}
	return g.healthErr
}

func (g *fakeGuest) CreateSandbox(context.Context) (string, error) {
	return "sbx-1", nil
}

func (g *fakeGuest) Exec(_ context.Context, sandboxID, command string) guest.ExecResult {
	g.commands = append(g.commands, sandboxID+": "+command)
	return g.result
}

type memoryCatalog struct {
	mu       sync.Mutex
	records  map[string]snapshotstore.Record
	restored []string
}

func (c *memoryCatalog) Put(_ context.Context, r snapshotstore.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.records == nil {
		c.records = map[string]snapshotstore.Record{}
	}
	c.records[r.ID] = r
	return nil
}

func (c *memoryCatalog) MarkRestored(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.restored = append(c.restored, id)
	return nil
}

type harness struct {
	t         *testing.T
	root      string
	cfg       Config
	netGW     *netGateway
	alloc     *network.Allocator
	launcher  *fakeLauncher
	copier    *fileCopier
	api       *fakeHypervisor
	exposer   *fakeExposer
	guest     *fakeGuest
	catalog   *memoryCatalog
	orch      *Orchestrator
	socketArg string
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	root := t.TempDir()
	h := &harness{
		t:        t,
		root:     root,
		netGW:    &netGateway{},
		launcher: &fakeLauncher{},
		copier:   &fileCopier{},
		api:      &fakeHypervisor{failOn: map[string]bool{}},
		exposer:  &fakeExposer{},
		guest:    &fakeGuest{result: guest.ExecResult{ExitCode: 0, Stdout: "x\n"}},
		catalog:  &memoryCatalog{},
	}

	binary := filepath.Join(root, "bin", "firecracker")
	kernel := filepath.Join(root, "assets", "vmlinux")
	rootfs := filepath.Join(root, "assets", "rootfs.ext4")
	for path, content := range map[string]string{binary: "#!/bin/sh\n", kernel: "kernel", rootfs: "base-rootfs"} {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o755); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}

	alloc, err := network.New(network.Options{
		Gateway:   h.netGW,
		ListLinks: func() ([]string, error) { return nil, nil },
	})
	if err != nil {
		t.Fatalf("network.New: %v", err)
	}
	h.alloc = alloc

	h.cfg = Config{
		FirecrackerBinary: binary,
		KernelImage:       kernel,
		RootFS:            rootfs,
		VMDir:             filepath.Join(root, "vms"),
		SnapshotDir:       filepath.Join(root, "snapshots"),
		Host:              "sandbox.test",
		HealthInterval:    time.Millisecond,
	}
	h.rebuild()
	return h
}

func (h *harness) rebuild() {
	h.t.Helper()

	orch, err := NewOrchestrator(h.cfg, Deps{
		Network:       h.alloc,
		Launcher:      h.launcher,
		Copier:        h.copier,
		Exposer:       h.exposer,
		Catalog:       h.catalog,
		NewHypervisor: func(socketPath string) Hypervisor { h.socketArg = socketPath; return h.api },
		NewGuest:      func(string, int) GuestDaemon { return h.guest },
		Now:           func() time.Time { return time.UnixMilli(1_700_000_000_000) },
	})
	if err != nil {
		h.t.Fatalf("NewOrchestrator: %v", err)
	}
	h.orch = orch
}

func (h *harness) vmDirs() []string {
	h.t.Helper()

	entries, err := os.ReadDir(h.cfg.VMDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		h.t.Fatalf("read vm dir: %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}
