package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strconv"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
)

const (
	defaultSocketTimeout = 5 * time.Second
	defaultKillTimeout   = 3 * time.Second
	pollInterval         = 10 * time.Millisecond
	tapPrefixLen         = 30
)

// Host is the set of kernel-facing primitives the executor composes into
// gateway commands.
type Host interface {
	CreateTap(name string, owner Owner) error
	AssignAddress(name string, prefix netip.Prefix) error
	LinkUp(name string) error
	DeleteLink(name string) error
	WriteSysctl(key, value string) error
	AppendRule(table, chain string, rulespec ...string) error
	DeleteRule(table, chain string, rulespec ...string) error
	StartDetached(binary string, args []string, logPath string) (int, error)
	ProcessName(pid int) (string, bool, error)
	Signal(pid int, sig syscall.Signal) error
	Remove(path string) error
	ChownSocket(path string, owner Owner) error
	SparseCopy(src, dst string, owner Owner) error
}

// Owner is the unprivileged user that invoked the gateway through sudo.
type Owner struct {
	UID int
	GID int
	Set bool
}

func OwnerFromEnv(getenv func(string) string) Owner {
	uid, uidErr := strconv.Atoi(getenv("SUDO_UID"))
	gid, gidErr := strconv.Atoi(getenv("SUDO_GID"))
	if uidErr != nil || gidErr != nil {
		return Owner{}
	}
	return Owner{UID: uid, GID: gid, Set: true}
}

type Executor struct {
	Host  Host
	Owner Owner
	// Policy scopes spawn-firecracker and sparse-copy; both fail without it.
	Policy        *Policy
	Logger        *log.Logger
	SocketTimeout time.Duration
	KillTimeout   time.Duration

	stat func(string) (os.FileInfo, error)
}

func NewExecutor(host Host, owner Owner, logger *log.Logger) *Executor {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Executor{
		Host:          host,
		Owner:         owner,
		Logger:        logger,
		SocketTimeout: defaultSocketTimeout,
		KillTimeout:   defaultKillTimeout,
		stat:          os.Lstat,
	}
}

// Run executes a validated command and returns the text to print on stdout.
func (e *Executor) Run(ctx context.Context, cmd Command) (string, error) {
	if err := cmd.Validate(); err != nil {
		return "", fmt.Errorf("%s: %w", cmd.Name(), err)
	}
	e.Logger.Debug("running privileged command", "command", cmd.Name(), "args", cmd.Args())

	var err error
	switch c := cmd.(type) {
	case CreateTap:
		err = e.createTap(c)
	case DeleteTap:
		err = e.Host.DeleteLink(c.Tap)
	case SetupNAT:
		err = e.setupNAT(c)
	case TeardownNAT:
		err = e.deleteRules(natRules(c.Tap, c.GuestIP))
	case AddPortForward:
		err = e.appendRules(forwardRules(c.HostPort, c.GuestIP, c.GuestPort))
	case RemovePortForward:
		err = e.deleteRules(forwardRules(c.HostPort, c.GuestIP, c.GuestPort))
	case SpawnHypervisor:
		pid, spawnErr := e.spawnHypervisor(ctx, c)
		if spawnErr != nil {
			return "", fmt.Errorf("%s: %w", cmd.Name(), spawnErr)
		}
		return strconv.Itoa(pid), nil
	case KillHypervisor:
		err = e.killHypervisor(ctx, c.PID)
	case SparseCopy:
		err = e.sparseCopy(c)
	default:
		err = fmt.Errorf("unsupported command %T", cmd)
	}
	if err != nil {
		return "", fmt.Errorf("%s: %w", cmd.Name(), err)
	}
	return "ok", nil
}

func (e *Executor) createTap(c CreateTap) error {
	addr, err := netip.ParseAddr(c.HostIP)
	if err != nil {
		return err
	}
	if err := e.Host.CreateTap(c.Tap, e.Owner); err != nil {
		return fmt.Errorf("create tap %s: %w", c.Tap, err)
	}
	if err := e.Host.AssignAddress(c.Tap, netip.PrefixFrom(addr, tapPrefixLen)); err != nil {
		_ = e.Host.DeleteLink(c.Tap)
		return fmt.Errorf("assign %s/%d to %s: %w", c.HostIP, tapPrefixLen, c.Tap, err)
	}
	if err := e.Host.LinkUp(c.Tap); err != nil {
		_ = e.Host.DeleteLink(c.Tap)
		return fmt.Errorf("bring up %s: %w", c.Tap, err)
	}
	return nil
}

func (e *Executor) setupNAT(c SetupNAT) error {
	if err := e.Host.WriteSysctl("net/ipv4/ip_forward", "1"); err != nil {
		return fmt.Errorf("enable ip forwarding: %w", err)
	}
	// Lets host-local clients reach DNAT port forwards through the tap.
	if err := e.Host.WriteSysctl("net/ipv4/conf/"+c.Tap+"/route_localnet", "1"); err != nil {
		e.Logger.Warn("failed to enable route_localnet", "tap", c.Tap, "error", err)
	}
	return e.appendRules(natRules(c.Tap, c.GuestIP))
}

type rule struct {
	table string
	chain string
	spec  []string
}

func natRules(tap, guestIP string) []rule {
	return []rule{
		{"nat", "POSTROUTING", []string{"-s", guestIP + "/32", "-j", "MASQUERADE"}},
		{"filter", "FORWARD", []string{"-i", tap, "-j", "ACCEPT"}},
		{"filter", "FORWARD", []string{"-o", tap, "-j", "ACCEPT"}},
	}
}

func forwardRules(hostPort int, guestIP string, guestPort int) []rule {
	dest := guestIP + ":" + strconv.Itoa(guestPort)
	hp := strconv.Itoa(hostPort)
	gp := strconv.Itoa(guestPort)
	return []rule{
		{"nat", "PREROUTING", []string{"-p", "tcp", "--dport", hp, "-j", "DNAT", "--to-destination", dest}},
		{"nat", "OUTPUT", []string{"-p", "tcp", "-m", "addrtype", "--dst-type", "LOCAL", "--dport", hp, "-j", "DNAT", "--to-destination", dest}},
		{"nat", "POSTROUTING", []string{"-p", "tcp", "-d", guestIP, "--dport", gp, "-j", "MASQUERADE"}},
		{"filter", "FORWARD", []string{"-p", "tcp", "-d", guestIP, "--dport", gp, "-j", "ACCEPT"}},
	}
}

// appendRules installs rules in order, removing the ones already added when
// a later rule fails.
func (e *Executor) appendRules(rules []rule) error {
	for i, r := range rules {
		if err := e.Host.AppendRule(r.table, r.chain, r.spec...); err != nil {
			for j := i - 1; j >= 0; j-- {
				_ = e.Host.DeleteRule(rules[j].table, rules[j].chain, rules[j].spec...)
			}
			return fmt.Errorf("install %s/%s rule: %w", r.table, r.chain, err)
		}
	}
	return nil
}

// deleteRules removes every rule, continuing past failures.
func (e *Executor) deleteRules(rules []rule) error {
	var errs []error
	for i := len(rules) - 1; i >= 0; i-- {
		r := rules[i]
		if err := e.Host.DeleteRule(r.table, r.chain, r.spec...); err != nil {
			errs = append(errs, fmt.Errorf("remove %s/%s rule: %w", r.table, r.chain, err))
		}
	}
	return errors.Join(errs...)
}

func (e *Executor) spawnHypervisor(ctx context.Context, c SpawnHypervisor) (int, error) {
	binary, err := e.Policy.Hypervisor(c.Binary)
	if err != nil {
		return 0, err
	}
	socketPath, err := e.Policy.RuntimePath(c.SocketPath)
	if err != nil {
		return 0, err
	}
	logPath, err := e.Policy.RuntimePath(c.LogPath)
	if err != nil {
		return 0, err
	}

	if err := e.Host.Remove(socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return 0, fmt.Errorf("remove stale socket %s: %w", socketPath, err)
	}

	pid, err := e.Host.StartDetached(binary, []string{"--api-sock", socketPath}, logPath)
	if err != nil {
		return 0, fmt.Errorf("start %s: %w", binary, err)
	}

	if err := e.waitForSocket(ctx, socketPath); err != nil {
		_ = e.Host.Signal(pid, syscall.SIGKILL)
		return 0, err
	}

	if e.Owner.Set {
		if err := e.Host.ChownSocket(socketPath, e.Owner); err != nil {
			_ = e.Host.Signal(pid, syscall.SIGKILL)
			return 0, fmt.Errorf("chown %s: %w", socketPath, err)
		}
	}
	return pid, nil
}

func (e *Executor) sparseCopy(c SparseCopy) error {
	src, err := e.Policy.CopySource(c.Src)
	if err != nil {
		return err
	}
	dst, err := e.Policy.CopyDest(c.Dst)
	if err != nil {
		return err
	}
	return e.Host.SparseCopy(src, dst, e.Owner)
}

func (e *Executor) waitForSocket(ctx context.Context, socketPath string) error {
	ctx, cancel := context.WithTimeout(ctx, e.SocketTimeout)
	defer cancel()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if _, err := e.stat(socketPath); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for hypervisor socket %s: %w", socketPath, ctx.Err())
		case <-ticker.C:
		}
	}
}

// killHypervisor only signals pid while it still names the hypervisor, so a
// recycled pid is never touched. A pid that is gone, or now names another
// program, counts as exited.
func (e *Executor) killHypervisor(ctx context.Context, pid int) error {
	name, found, err := e.Host.ProcessName(pid)
	if err != nil {
		return fmt.Errorf("inspect pid %d: %w", pid, err)
	}
	if !found {
		return nil
	}
	if name != HypervisorBinaryName {
		return fmt.Errorf("refusing to signal pid %d: process is %q, not %s", pid, name, HypervisorBinaryName)
	}

	if err := e.Host.Signal(pid, syscall.SIGTERM); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return fmt.Errorf("sigterm pid %d: %w", pid, err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.KillTimeout)
	defer cancel()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if e.exited(pid) {
			return nil
		}
		select {
		case <-ctx.Done():
			name, alive, err := e.Host.ProcessName(pid)
			if err != nil {
				return fmt.Errorf("inspect pid %d before sigkill: %w", pid, err)
			}
			if !alive || name != HypervisorBinaryName {
				return nil
			}
			e.Logger.Warn("hypervisor ignored SIGTERM, sending SIGKILL", "pid", pid)
			if err := e.Host.Signal(pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
				return fmt.Errorf("sigkill pid %d: %w", pid, err)
			}
			return nil
		case <-ticker.C:
		}
	}
}

// exited reports whether pid is gone or recycled. A failed lookup keeps
// polling.
func (e *Executor) exited(pid int) bool {
	name, alive, err := e.Host.ProcessName(pid)
	return err == nil && (!alive || name != HypervisorBinaryName)
}
