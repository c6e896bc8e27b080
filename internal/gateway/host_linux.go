//go:build linux

package gateway

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"github.com/coreos/go-iptables/iptables"
	ps "github.com/mitchellh/go-ps"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

type linuxHost struct {
	ipt *iptables.IPTables
}

// NewHost returns the Host backed by netlink, iptables and procfs.
func NewHost() (Host, error) {
	ipt, err := iptables.New()
	if err != nil {
		return nil, fmt.Errorf("initialise iptables: %w", err)
	}
	return &linuxHost{ipt: ipt}, nil
}

func (h *linuxHost) CreateTap(name string, owner Owner) error {
	tap := &netlink.Tuntap{
		LinkAttrs: netlink.LinkAttrs{Name: name},
		Mode:      netlink.TUNTAP_MODE_TAP,
		Flags:     netlink.TUNTAP_NO_PI | netlink.TUNTAP_VNET_HDR,
	}
	if owner.Set {
		tap.Owner = uint32(owner.UID)
		tap.Group = uint32(owner.GID)
	}
	if err := netlink.LinkAdd(tap); err != nil {
		if errors.Is(err, syscall.EEXIST) {
			return nil
		}
		return err
	}
	return nil
}

func (h *linuxHost) AssignAddress(name string, prefix netip.Prefix) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return err
	}
	addr := &netlink.Addr{IPNet: &net.IPNet{
		IP:   net.IP(prefix.Addr().AsSlice()),
		Mask: net.CIDRMask(prefix.Bits(), 32),
	}}
	return netlink.AddrReplace(link, addr)
}

func (h *linuxHost) LinkUp(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return err
	}
	return netlink.LinkSetUp(link)
}

func (h *linuxHost) DeleteLink(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		if isLinkNotFound(err) {
			return nil
		}
		return err
	}
	return netlink.LinkDel(link)
}

func (h *linuxHost) WriteSysctl(key, value string) error {
	return os.WriteFile(filepath.Join("/proc/sys", key), []byte(value), 0o644)
}

func (h *linuxHost) AppendRule(table, chain string, rulespec ...string) error {
	return h.ipt.AppendUnique(table, chain, rulespec...)
}

func (h *linuxHost) DeleteRule(table, chain string, rulespec ...string) error {
	return h.ipt.DeleteIfExists(table, chain, rulespec...)
}

func (h *linuxHost) StartDetached(binary string, args []string, logPath string) (int, error) {
	logFile, err := openNoFollow(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open log: %w", err)
	}
	defer logFile.Close()
	if _, err := requireSingleLink(logFile); err != nil {
		return 0, fmt.Errorf("open log: %w", err)
	}

	cmd := exec.Command(binary, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	pid := cmd.Process.Pid
	_ = cmd.Process.Release()
	return pid, nil
}

func (h *linuxHost) ProcessName(pid int) (string, bool, error) {
	proc, err := ps.FindProcess(pid)
	if err != nil {
		return "", false, err
	}
	if proc == nil {
		return "", false, nil
	}
	return proc.Executable(), true, nil
}

func (h *linuxHost) Signal(pid int, sig syscall.Signal) error {
	return syscall.Kill(pid, sig)
}

func (h *linuxHost) Remove(path string) error {
	dir, name, err := openParentNoFollow(path)
	if err != nil {
		return err
	}
	defer unix.Close(dir)
	if err := unix.Unlinkat(dir, name, 0); err != nil {
		return &os.PathError{Op: "unlinkat", Path: path, Err: err}
	}
	return nil
}

// ChownSocket hands the hypervisor API socket to owner. Anything other than
// a socket at path is refused.
func (h *linuxHost) ChownSocket(path string, owner Owner) error {
	fd, err := unix.Openat2(unix.AT_FDCWD, path, &unix.OpenHow{
		Flags:   unix.O_PATH | unix.O_NOFOLLOW | unix.O_CLOEXEC,
		Resolve: noSymlinks,
	})
	if err != nil {
		return &os.PathError{Op: "openat2", Path: path, Err: err}
	}
	defer unix.Close(fd)

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return &os.PathError{Op: "fstat", Path: path, Err: err}
	}
	if st.Mode&unix.S_IFMT != unix.S_IFSOCK {
		return fmt.Errorf("%s is not a socket", path)
	}
	if err := unix.Fchownat(fd, "", owner.UID, owner.GID, unix.AT_EMPTY_PATH); err != nil {
		return &os.PathError{Op: "fchownat", Path: path, Err: err}
	}
	return nil
}

func (h *linuxHost) SparseCopy(src, dst string, owner Owner) error {
	in, err := openNoFollow(src, os.O_RDONLY, 0)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := requireSingleLink(in)
	if err != nil {
		return err
	}

	// No O_TRUNC: the link count is checked before anything is written.
	out, err := openNoFollow(dst, os.O_CREATE|os.O_WRONLY, uint32(info.Mode().Perm()))
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := requireSingleLink(out); err != nil {
		return err
	}

	if err := copySparse(in, out); err != nil {
		return err
	}
	if owner.Set {
		return out.Chown(owner.UID, owner.GID)
	}
	return nil
}

func isLinkNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ENOENT) || errors.Is(err, syscall.ENODEV) {
		return true
	}
	var notFound netlink.LinkNotFoundError
	return errors.As(err, &notFound)
}
