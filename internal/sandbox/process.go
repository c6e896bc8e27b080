package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
)

const (
	LaunchGateway = "gateway"
	LaunchLocal   = "local"

	defaultKillTimeout = 3 * time.Second
)

// Process is a running hypervisor.
type Process interface {
	Pid() int
	// Terminate stops the process, escalating from SIGTERM to SIGKILL. A
	// process that already exited is not an error.
	Terminate(ctx context.Context) error
}

// Launcher starts a hypervisor serving its API on socketPath.
type Launcher interface {
	Launch(ctx context.Context, binary, socketPath, logPath string) (Process, error)
}

// HypervisorGateway is the privileged surface the gateway launcher needs.
type HypervisorGateway interface {
	SpawnHypervisor(ctx context.Context, binary, socketPath, logPath string) (int, error)
	KillHypervisor(ctx context.Context, pid int) error
}

// NewLauncher returns the launcher for mode. An empty mode selects the
// gateway.
func NewLauncher(mode string, gw HypervisorGateway, logger *log.Logger) (Launcher, error) {
	switch mode {
	case "", LaunchGateway:
		if gw == nil {
			return nil, errors.New("gateway launcher requires a gateway")
		}
		return &GatewayLauncher{gw: gw}, nil
	case LaunchLocal:
		return &LocalLauncher{KillTimeout: defaultKillTimeout, Logger: logger}, nil
	default:
		return nil, fmt.Errorf("unsupported launch mode %q (expected %s or %s)", mode, LaunchGateway, LaunchLocal)
	}
}

// GatewayLauncher spawns the hypervisor as root through the gateway, which
// also verifies the process name before signalling it.
type GatewayLauncher struct {
	gw HypervisorGateway
}

func (l *GatewayLauncher) Launch(ctx context.Context, binary, socketPath, logPath string) (Process, error) {
	pid, err := l.gw.SpawnHypervisor(ctx, binary, socketPath, logPath)
	if err != nil {
		return nil, err
	}
	return &gatewayProcess{pid: pid, gw: l.gw}, nil
}

type gatewayProcess struct {
	pid int
	gw  HypervisorGateway
}

func (p *gatewayProcess) Pid() int { return p.pid }

func (p *gatewayProcess) Terminate(ctx context.Context) error {
	return p.gw.KillHypervisor(ctx, p.pid)
}

// LocalLauncher runs the hypervisor as the current user. It needs access to
// /dev/kvm and a tap device owned by the caller.
type LocalLauncher struct {
	KillTimeout time.Duration
	Logger      *log.Logger
}

func (l *LocalLauncher) Launch(_ context.Context, binary, socketPath, logPath string) (Process, error) {
	if err := os.Remove(socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket %s: %w", socketPath, err)
	}
	logOut, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open hypervisor log: %w", err)
	}
	defer logOut.Close()

	cmd := exec.Command(binary, "--api-sock", socketPath)
	cmd.Stdout = logOut
	cmd.Stderr = logOut
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", binary, err)
	}

	killTimeout := l.KillTimeout
	if killTimeout <= 0 {
		killTimeout = defaultKillTimeout
	}
	logger := l.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	p := &localProcess{cmd: cmd, done: make(chan struct{}), killTimeout: killTimeout, logger: logger}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

// localProcess is a child of this process. Its pid stays reserved until
// cmd.Wait reaps it, and os.Process refuses to signal after that, so no name
// check is needed before signalling.
type localProcess struct {
	cmd         *exec.Cmd
	done        chan struct{}
	waitErr     error
	killTimeout time.Duration
	logger      *log.Logger

	terminateOnce sync.Once
	terminateErr  error
}

func (p *localProcess) Pid() int { return p.cmd.Process.Pid }

func (p *localProcess) Terminate(ctx context.Context) error {
	p.terminateOnce.Do(func() {
		p.terminateErr = p.terminate(ctx)
	})
	return p.terminateErr
}

func (p *localProcess) terminate(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	default:
	}

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("sigterm pid %d: %w", p.Pid(), err)
	}

	timer := time.NewTimer(p.killTimeout)
	defer timer.Stop()
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
	case <-timer.C:
	}

	p.logger.Warn("hypervisor ignored SIGTERM, sending SIGKILL", "pid", p.Pid())
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("sigkill pid %d: %w", p.Pid(), err)
	}
	select {
	case <-p.done:
	case <-time.After(2 * time.Second):
		return fmt.Errorf("pid %d did not exit after SIGKILL", p.Pid())
	}
	return nil
}
