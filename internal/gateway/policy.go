package gateway

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultPolicyPath is read on every gateway invocation. It must be owned by
// root and writable only by its owner, as must every directory above it.
const DefaultPolicyPath = "/etc/fcbox/gateway.yaml"

var (
	ErrNoPolicy     = errors.New("gateway policy not configured: install " + DefaultPolicyPath)
	ErrPolicyDenied = errors.New("denied by gateway policy")
)

// Policy scopes the file-touching commands. The hypervisor binary is fixed
// here rather than taken from argv, and every socket, log and copy path has
// to resolve inside one of the listed directories.
type Policy struct {
	FirecrackerBinary string   `yaml:"firecracker_binary"`
	VMDirs            []string `yaml:"vm_dirs"`
	SnapshotDirs      []string `yaml:"snapshot_dirs,omitempty"`
	RootfsImages      []string `yaml:"rootfs_images,omitempty"`

	binary   string
	vmDirs   []string
	snapDirs []string
	images   []string
	ownerUID int
}

func LoadPolicy(path string) (*Policy, error) {
	return loadPolicy(path, 0)
}

// loadPolicy accepts files owned by ownerUID or root.
func loadPolicy(path string, ownerUID int) (*Policy, error) {
	if err := checkTrustedPath(path, ownerUID, false); err != nil {
		return nil, fmt.Errorf("gateway policy %s: %w", path, err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var p Policy
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("parse gateway policy %s: %w", path, err)
	}
	p.ownerUID = ownerUID
	if err := p.resolve(); err != nil {
		return nil, fmt.Errorf("gateway policy %s: %w", path, err)
	}
	return &p, nil
}

func (p *Policy) resolve() error {
	if strings.TrimSpace(p.FirecrackerBinary) == "" {
		return errors.New("firecracker_binary is required")
	}
	if err := ValidateHypervisorBinary(p.FirecrackerBinary); err != nil {
		return err
	}
	bin, err := filepath.EvalSymlinks(p.FirecrackerBinary)
	if err != nil {
		return fmt.Errorf("resolve firecracker_binary: %w", err)
	}
	if filepath.Base(bin) != HypervisorBinaryName {
		// kill-firecracker matches the process name, which comes from this file.
		return fmt.Errorf("firecracker_binary resolves to %s, whose name is not %s", bin, HypervisorBinaryName)
	}
	p.binary = bin

	if len(p.VMDirs) == 0 {
		return errors.New("vm_dirs is required")
	}
	if p.vmDirs, err = resolveAll("vm_dirs", p.VMDirs); err != nil {
		return err
	}
	if p.snapDirs, err = resolveAll("snapshot_dirs", p.SnapshotDirs); err != nil {
		return err
	}
	if p.images, err = resolveAll("rootfs_images", p.RootfsImages); err != nil {
		return err
	}
	return nil
}

func resolveAll(key string, raw []string) ([]string, error) {
	out := make([]string, 0, len(raw))
	for _, entry := range raw {
		if err := ValidatePath(entry); err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		resolved, err := filepath.EvalSymlinks(entry)
		if err != nil {
			return nil, fmt.Errorf("%s: resolve %s: %w", key, entry, err)
		}
		if resolved == "/" {
			return nil, fmt.Errorf("%s: / is not allowed", key)
		}
		out = append(out, resolved)
	}
	return out, nil
}

// Hypervisor returns the binary to execute for a spawn request. Only the
// configured binary is accepted, and it must still be trusted at spawn time.
func (p *Policy) Hypervisor(requested string) (string, error) {
	if p == nil {
		return "", ErrNoPolicy
	}
	if requested != p.FirecrackerBinary && requested != p.binary {
		return "", fmt.Errorf("%w: hypervisor %s is not the configured %s", ErrPolicyDenied, requested, p.FirecrackerBinary)
	}
	if err := checkTrustedPath(p.binary, p.ownerUID, true); err != nil {
		return "", fmt.Errorf("%w: %v", ErrPolicyDenied, err)
	}
	return p.binary, nil
}

// RuntimePath resolves a socket or log path, which must live under a VM dir.
func (p *Policy) RuntimePath(raw string) (string, error) {
	if p == nil {
		return "", ErrNoPolicy
	}
	return resolveUnder(raw, p.vmDirs)
}

// CopySource accepts a configured rootfs image or a file under a VM or
// snapshot dir.
func (p *Policy) CopySource(raw string) (string, error) {
	if p == nil {
		return "", ErrNoPolicy
	}
	if resolved, err := filepath.EvalSymlinks(raw); err == nil && slices.Contains(p.images, resolved) {
		return resolved, nil
	}
	return resolveUnder(raw, p.vmDirs, p.snapDirs)
}

func (p *Policy) CopyDest(raw string) (string, error) {
	if p == nil {
		return "", ErrNoPolicy
	}
	return resolveUnder(raw, p.vmDirs, p.snapDirs)
}

// resolveUnder resolves the parent of raw and refuses a final symlink. The
// host opens the result again without following symlinks, so a swap after
// this check fails instead of escaping.
func resolveUnder(raw string, rootSets ...[]string) (string, error) {
	parent, err := filepath.EvalSymlinks(filepath.Dir(raw))
	if err != nil {
		return "", fmt.Errorf("%w: resolve %s: %v", ErrPolicyDenied, raw, err)
	}
	resolved := filepath.Join(parent, filepath.Base(raw))
	if info, err := os.Lstat(resolved); err == nil && info.Mode()&os.ModeSymlink != 0 {
		return "", fmt.Errorf("%w: %s is a symlink", ErrPolicyDenied, raw)
	}
	for _, roots := range rootSets {
		for _, root := range roots {
			if within(root, resolved) {
				return resolved, nil
			}
		}
	}
	return "", fmt.Errorf("%w: %s is outside the allowed directories", ErrPolicyDenied, raw)
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil || rel == "." || filepath.IsAbs(rel) {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// checkTrustedPath requires path to be a regular file owned by ownerUID or
// root and not writable by group or others. Every ancestor directory must be
// owned the same way; a group or world writable ancestor is accepted only
// with the sticky bit set.
func checkTrustedPath(path string, ownerUID int, executable bool) error {
	info, err := os.Lstat(path)
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%s is not a regular file", path)
	}
	if err := checkTrustedOwner(path, info, ownerUID); err != nil {
		return err
	}
	if info.Mode().Perm()&0o022 != 0 {
		return fmt.Errorf("%s is writable by group or others", path)
	}
	if executable && info.Mode().Perm()&0o111 == 0 {
		return fmt.Errorf("%s is not executable", path)
	}

	for dir := filepath.Dir(path); ; dir = filepath.Dir(dir) {
		dirInfo, err := os.Lstat(dir)
		if err != nil {
			return err
		}
		if !dirInfo.IsDir() {
			return fmt.Errorf("%s is not a directory", dir)
		}
		if err := checkTrustedOwner(dir, dirInfo, ownerUID); err != nil {
			return err
		}
		if dirInfo.Mode().Perm()&0o022 != 0 && dirInfo.Mode()&os.ModeSticky == 0 {
			return fmt.Errorf("%s is writable by group or others", dir)
		}
		if dir == filepath.Dir(dir) {
			return nil
		}
	}
}

func checkTrustedOwner(path string, info os.FileInfo, ownerUID int) error {
	uid, ok := fileOwner(info)
	if !ok {
		return fmt.Errorf("cannot determine owner of %s", path)
	}
	if uid != 0 && uid != ownerUID {
		return fmt.Errorf("%s is owned by uid %d", path, uid)
	}
	return nil
}
