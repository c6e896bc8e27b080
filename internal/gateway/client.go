package gateway

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"
)

const (
	ModeSudo   = "sudo"
	ModeDirect = "direct"

	BinaryName   = "fcbox-gateway"
	BinaryEnvVar = "FCBOX_GATEWAY"
)

// Client invokes the gateway binary, through `sudo -n` unless the caller is
// already privileged.
type Client struct {
	mode   string
	path   string
	logger *log.Logger
	run    func(ctx context.Context, name string, args ...string) ([]byte, error)
}

func NewClient(mode, path string, logger *log.Logger) (*Client, error) {
	mode = strings.TrimSpace(mode)
	switch mode {
	case "":
		mode = ModeSudo
	case ModeSudo, ModeDirect:
	default:
		return nil, fmt.Errorf("unsupported privileged mode %q (expected %s or %s)", mode, ModeSudo, ModeDirect)
	}

	path = strings.TrimSpace(path)
	if path == "" {
		resolved, err := ResolveBinaryPath()
		if err != nil {
			return nil, err
		}
		path = resolved
	}
	if !filepath.IsAbs(path) {
		return nil, fmt.Errorf("gateway path %q must be absolute", path)
	}

	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Client{mode: mode, path: path, logger: logger, run: runCommand}, nil
}

func (c *Client) Path() string { return c.path }

func (c *Client) Mode() string { return c.mode }

// Do validates cmd locally, runs it through the gateway, and returns its
// trimmed stdout.
func (c *Client) Do(ctx context.Context, cmd Command) (string, error) {
	if err := cmd.Validate(); err != nil {
		return "", fmt.Errorf("gateway %s: %w", cmd.Name(), err)
	}

	argv := append([]string{cmd.Name()}, cmd.Args()...)
	name := c.path
	if c.mode == ModeSudo {
		name = "sudo"
		argv = append([]string{"-n", c.path}, argv...)
	}

	c.logger.Debug("invoking gateway", "command", cmd.Name(), "args", cmd.Args())
	out, err := c.run(ctx, name, argv...)
	if err != nil {
		return "", fmt.Errorf("gateway %s: %w", cmd.Name(), err)
	}
	return strings.TrimSpace(string(out)), nil
}

func (c *Client) CreateTap(ctx context.Context, tap, hostIP string) error {
	_, err := c.Do(ctx, CreateTap{Tap: tap, HostIP: hostIP})
	return err
}

func (c *Client) DeleteTap(ctx context.Context, tap string) error {
	_, err := c.Do(ctx, DeleteTap{Tap: tap})
	return err
}

func (c *Client) SetupNAT(ctx context.Context, tap, guestIP string) error {
	_, err := c.Do(ctx, SetupNAT{Tap: tap, GuestIP: guestIP})
	return err
}

func (c *Client) TeardownNAT(ctx context.Context, tap, guestIP string) error {
	_, err := c.Do(ctx, TeardownNAT{Tap: tap, GuestIP: guestIP})
	return err
}

func (c *Client) AddPortForward(ctx context.Context, hostPort int, guestIP string, guestPort int) error {
	_, err := c.Do(ctx, AddPortForward{HostPort: hostPort, GuestIP: guestIP, GuestPort: guestPort})
	return err
}

func (c *Client) RemovePortForward(ctx context.Context, hostPort int, guestIP string, guestPort int) error {
	_, err := c.Do(ctx, RemovePortForward{HostPort: hostPort, GuestIP: guestIP, GuestPort: guestPort})
	return err
}

// SpawnHypervisor starts the hypervisor detached and returns its pid once the
// API socket exists and is owned by the caller.
func (c *Client) SpawnHypervisor(ctx context.Context, binary, socketPath, logPath string) (int, error) {
	out, err := c.Do(ctx, SpawnHypervisor{Binary: binary, SocketPath: socketPath, LogPath: logPath})
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(out)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("gateway %s: unexpected output %q", CmdSpawnHypervisor, out)
	}
	return pid, nil
}

func (c *Client) KillHypervisor(ctx context.Context, pid int) error {
	_, err := c.Do(ctx, KillHypervisor{PID: pid})
	return err
}

func (c *Client) SparseCopy(ctx context.Context, src, dst string) error {
	_, err := c.Do(ctx, SparseCopy{Src: src, Dst: dst})
	return err
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s", err, msg)
	}
	return stdout.Bytes(), nil
}

// ResolveBinaryPath finds the gateway from $FCBOX_GATEWAY, next to the
// running fcbox binary (symlinks resolved), or on PATH, in that order.
func ResolveBinaryPath() (string, error) {
	return binaryLocator{
		override:   os.Getenv(BinaryEnvVar),
		executable: os.Executable,
		lookPath:   exec.LookPath,
	}.locate()
}

type binaryLocator struct {
	override   string
	executable func() (string, error)
	lookPath   func(string) (string, error)
}

func (l binaryLocator) locate() (string, error) {
	if override := strings.TrimSpace(l.override); override != "" {
		path, err := regularFile(override)
		if err != nil {
			return "", fmt.Errorf("%s=%q: %w", BinaryEnvVar, override, err)
		}
		return path, nil
	}

	if self, err := l.executable(); err == nil {
		if resolved, err := filepath.EvalSymlinks(self); err == nil {
			self = resolved
		}
		if path, err := regularFile(filepath.Join(filepath.Dir(self), BinaryName)); err == nil {
			return path, nil
		}
	}

	if path, err := l.lookPath(BinaryName); err == nil {
		return filepath.Abs(path)
	}
	return "", fmt.Errorf("%s not found: set %s or install it next to fcbox or in PATH", BinaryName, BinaryEnvVar)
}

func regularFile(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", err
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%s is not a regular file", abs)
	}
	return abs, nil
}
