package gateway

import (
	"errors"
	"fmt"
	"net/netip"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

const HypervisorBinaryName = "firecracker"

var (
	errPathEmpty      = errors.New("path is empty")
	errPathNullByte   = errors.New("path contains null byte")
	errPathTraversal  = errors.New("path contains traversal sequence")
	errPathRelative   = errors.New("path is not absolute")
	errPathWhitespace = errors.New("path contains whitespace")
	errPathFlag       = errors.New("path looks like a flag")
)

var interfaceNamePattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_-]{0,14}$`)

// ValidateInterfaceName accepts kernel interface names that are safe to pass
// through argv and netlink.
func ValidateInterfaceName(name string) error {
	if !interfaceNamePattern.MatchString(name) {
		return fmt.Errorf("invalid interface name %q", name)
	}
	return nil
}

// ValidateIPv4 accepts only a bare dotted-quad IPv4 address.
func ValidateIPv4(raw string) error {
	addr, err := netip.ParseAddr(raw)
	if err != nil || !addr.Is4() || addr.String() != raw {
		return fmt.Errorf("invalid IPv4 address %q", raw)
	}
	return nil
}

func ValidatePort(raw string) error {
	n, err := parseDigits(raw)
	if err != nil || n < 1 || n > 65535 {
		return fmt.Errorf("invalid port %q", raw)
	}
	return nil
}

func ValidatePID(raw string) error {
	n, err := parseDigits(raw)
	if err != nil || n < 1 {
		return fmt.Errorf("invalid pid %q", raw)
	}
	return nil
}

// ValidatePath rejects anything that is not a plain absolute host path.
func ValidatePath(raw string) error {
	if err := checkPath(raw); err != nil {
		return fmt.Errorf("invalid path %q: %w", raw, err)
	}
	return nil
}

// ValidateHypervisorBinary is ValidatePath plus a basename check so the
// gateway can only ever launch the hypervisor.
func ValidateHypervisorBinary(raw string) error {
	if err := ValidatePath(raw); err != nil {
		return err
	}
	if filepath.Base(raw) != HypervisorBinaryName {
		return fmt.Errorf("invalid hypervisor binary %q: basename must be %s", raw, HypervisorBinaryName)
	}
	return nil
}

func checkPath(p string) error {
	if p == "" {
		return errPathEmpty
	}
	if strings.ContainsRune(p, 0) {
		return errPathNullByte
	}
	if strings.HasPrefix(p, "-") {
		return errPathFlag
	}
	if !filepath.IsAbs(p) {
		return errPathRelative
	}
	if strings.IndexFunc(p, unicode.IsSpace) >= 0 {
		return errPathWhitespace
	}
	if containsTraversal(p) {
		return errPathTraversal
	}
	return nil
}

func containsTraversal(p string) bool {
	for _, segment := range strings.Split(p, "/") {
		if segment == ".." {
			return true
		}
	}
	return false
}

func parseDigits(raw string) (int, error) {
	if raw == "" || len(raw) > 10 {
		return 0, strconv.ErrSyntax
	}
	for _, r := range raw {
		if r < '0' || r > '9' {
			return 0, strconv.ErrSyntax
		}
	}
	return strconv.Atoi(raw)
}
