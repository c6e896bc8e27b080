package gateway

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadPolicyResolvesEntries(t *testing.T) {
	t.Parallel()

	tree := newPolicyTree(t)
	p := tree.policy
	if p.binary != tree.binary {
		t.Fatalf("binary = %q, want %q", p.binary, tree.binary)
	}
	if len(p.vmDirs) != 1 || p.vmDirs[0] != tree.vmDir {
		t.Fatalf("vm dirs = %q", p.vmDirs)
	}
	if len(p.snapDirs) != 1 || p.snapDirs[0] != tree.snapDir {
		t.Fatalf("snapshot dirs = %q", p.snapDirs)
	}

	got, err := p.Hypervisor(tree.binary)
	if err != nil {
		t.Fatalf("Hypervisor: %v", err)
	}
	if got != tree.binary {
		t.Fatalf("Hypervisor = %q, want %q", got, tree.binary)
	}
}

func TestLoadPolicyRejectsWritableFile(t *testing.T) {
	t.Parallel()

	tree := newPolicyTree(t)
	path := filepath.Join(tree.root, "gateway.yaml")
	if err := os.Chmod(path, 0o666); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	if _, err := loadPolicy(path, os.Getuid()); err == nil {
		t.Fatal("expected a world-writable policy to be rejected")
	}
}

func TestLoadPolicyRejectsFileOwnedBySomeoneElse(t *testing.T) {
	t.Parallel()
	if os.Getuid() == 0 {
		t.Skip("root owns the temp tree, which is always trusted")
	}

	tree := newPolicyTree(t)
	if _, err := loadPolicy(filepath.Join(tree.root, "gateway.yaml"), os.Getuid()+1); err == nil {
		t.Fatal("expected a policy owned by another user to be rejected")
	}
}

func TestLoadPolicyRequiresFirecrackerBinaryName(t *testing.T) {
	t.Parallel()

	tree := newPolicyTree(t)
	other := filepath.Join(tree.root, "bin", "qemu")
	writeFileMode(t, other, "#!/bin/sh\n", 0o755)
	alias := filepath.Join(tree.root, "alias", "firecracker")
	if err := os.MkdirAll(filepath.Dir(alias), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.Symlink(other, alias); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	cases := map[string]string{
		"wrong name":       other,
		"symlink to other": alias,
	}
	for name, binary := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "gateway.yaml")
			writeFileMode(t, path, "firecracker_binary: "+binary+"\nvm_dirs: ["+tree.vmDir+"]\n", 0o644)
			if _, err := loadPolicy(path, os.Getuid()); err == nil {
				t.Fatalf("expected %s to be rejected", binary)
			}
		})
	}
}

func TestLoadPolicyRequiresVMDirs(t *testing.T) {
	t.Parallel()

	tree := newPolicyTree(t)
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	writeFileMode(t, path, "firecracker_binary: "+tree.binary+"\n", 0o644)
	if _, err := loadPolicy(path, os.Getuid()); err == nil {
		t.Fatal("expected a policy without vm_dirs to be rejected")
	}
}

func TestPolicyHypervisorRechecksBinary(t *testing.T) {
	t.Parallel()

	tree := newPolicyTree(t)
	if err := os.Chmod(tree.binary, 0o775); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	if _, err := tree.policy.Hypervisor(tree.binary); !errors.Is(err, ErrPolicyDenied) {
		t.Fatalf("expected ErrPolicyDenied for a group-writable binary, got %v", err)
	}
}

func TestPolicyRuntimePath(t *testing.T) {
	t.Parallel()

	tree := newPolicyTree(t)
	vm := filepath.Join(tree.vmDir, "fc-1")
	if err := os.Mkdir(vm, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	logLink := filepath.Join(vm, "firecracker.log")
	if err := os.Symlink("/etc/passwd", logLink); err != nil {
		t.Fatalf("symlink: %v", err)
	}
	dirLink := filepath.Join(tree.vmDir, "escape")
	if err := os.Symlink("/etc", dirLink); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	want := filepath.Join(vm, "firecracker.sock")
	got, err := tree.policy.RuntimePath(want)
	if err != nil {
		t.Fatalf("RuntimePath: %v", err)
	}
	if got != want {
		t.Fatalf("RuntimePath = %q, want %q", got, want)
	}

	for _, raw := range []string{
		"/etc/passwd",
		logLink,
		filepath.Join(dirLink, "passwd"),
		tree.vmDir,
		filepath.Join(tree.snapDir, "firecracker.sock"),
	} {
		if _, err := tree.policy.RuntimePath(raw); !errors.Is(err, ErrPolicyDenied) {
			t.Errorf("RuntimePath(%q): expected ErrPolicyDenied, got %v", raw, err)
		}
	}
}

func TestPolicyCopyPaths(t *testing.T) {
	t.Parallel()

	tree := newPolicyTree(t)
	snapFile := filepath.Join(tree.snapDir, "snap-1", "rootfs.ext4")
	if err := os.MkdirAll(filepath.Dir(snapFile), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	writeFileMode(t, snapFile, "snap", 0o644)

	for _, raw := range []string{tree.image, snapFile} {
		if _, err := tree.policy.CopySource(raw); err != nil {
			t.Errorf("CopySource(%q): %v", raw, err)
		}
	}
	if _, err := tree.policy.CopySource("/etc/shadow"); !errors.Is(err, ErrPolicyDenied) {
		t.Errorf("CopySource(/etc/shadow): expected ErrPolicyDenied, got %v", err)
	}
	otherImage := filepath.Join(filepath.Dir(tree.image), "other.ext4")
	if _, err := tree.policy.CopySource(otherImage); !errors.Is(err, ErrPolicyDenied) {
		t.Errorf("CopySource(%q): expected ErrPolicyDenied, got %v", otherImage, err)
	}

	if _, err := tree.policy.CopyDest(filepath.Join(tree.vmDir, "rootfs.ext4")); err != nil {
		t.Errorf("CopyDest: %v", err)
	}
	for _, raw := range []string{"/etc/passwd", tree.image} {
		if _, err := tree.policy.CopyDest(raw); !errors.Is(err, ErrPolicyDenied) {
			t.Errorf("CopyDest(%q): expected ErrPolicyDenied, got %v", raw, err)
		}
	}
}

func TestNilPolicyDeniesEverything(t *testing.T) {
	t.Parallel()

	var p *Policy
	if _, err := p.Hypervisor("/usr/bin/firecracker"); !errors.Is(err, ErrNoPolicy) {
		t.Fatalf("Hypervisor: expected ErrNoPolicy, got %v", err)
	}
	if _, err := p.RuntimePath("/var/lib/fcbox/vms/a/firecracker.sock"); !errors.Is(err, ErrNoPolicy) {
		t.Fatalf("RuntimePath: expected ErrNoPolicy, got %v", err)
	}
	if _, err := p.CopySource("/a"); !errors.Is(err, ErrNoPolicy) {
		t.Fatalf("CopySource: expected ErrNoPolicy, got %v", err)
	}
	if _, err := p.CopyDest("/a"); !errors.Is(err, ErrNoPolicy) {
		t.Fatalf("CopyDest: expected ErrNoPolicy, got %v", err)
	}
}
