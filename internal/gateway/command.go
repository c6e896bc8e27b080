package gateway

import (
	"errors"
	"fmt"
	"strconv"
)

const (
	CmdCreateTap         = "create-tap"
	CmdDeleteTap         = "delete-tap"
	CmdSetupNAT          = "setup-nat"
	CmdTeardownNAT       = "teardown-nat"
	CmdAddPortForward    = "add-port-forward"
	CmdRemovePortForward = "remove-port-forward"
	CmdSpawnHypervisor   = "spawn-firecracker"
	CmdKillHypervisor    = "kill-firecracker"
	CmdSparseCopy        = "sparse-copy"
)

// Command is a single privileged host operation. The set of implementations
// is closed; Parse is the only way to build one from untrusted argv.
type Command interface {
	Name() string
	Args() []string
	Validate() error
}

type CreateTap struct {
	Tap    string
	HostIP string
}

type DeleteTap struct {
	Tap string
}

type SetupNAT struct {
	Tap     string
	GuestIP string
}

type TeardownNAT struct {
	Tap     string
	GuestIP string
}

type AddPortForward struct {
	HostPort  int
	GuestIP   string
	GuestPort int
}

type RemovePortForward struct {
	HostPort  int
	GuestIP   string
	GuestPort int
}

type SpawnHypervisor struct {
	Binary     string
	SocketPath string
	LogPath    string
}

type KillHypervisor struct {
	PID int
}

type SparseCopy struct {
	Src string
	Dst string
}

func (CreateTap) Name() string         { return CmdCreateTap }
func (DeleteTap) Name() string         { return CmdDeleteTap }
func (SetupNAT) Name() string          { return CmdSetupNAT }
func (TeardownNAT) Name() string       { return CmdTeardownNAT }
func (AddPortForward) Name() string    { return CmdAddPortForward }
func (RemovePortForward) Name() string { return CmdRemovePortForward }
func (SpawnHypervisor) Name() string   { return CmdSpawnHypervisor }
func (KillHypervisor) Name() string    { return CmdKillHypervisor }
func (SparseCopy) Name() string        { return CmdSparseCopy }

func (c CreateTap) Args() []string   { return []string{c.Tap, c.HostIP} }
func (c DeleteTap) Args() []string   { return []string{c.Tap} }
func (c SetupNAT) Args() []string    { return []string{c.Tap, c.GuestIP} }
func (c TeardownNAT) Args() []string { return []string{c.Tap, c.GuestIP} }
func (c AddPortForward) Args() []string {
	return []string{strconv.Itoa(c.HostPort), c.GuestIP, strconv.Itoa(c.GuestPort)}
}
func (c RemovePortForward) Args() []string {
	return []string{strconv.Itoa(c.HostPort), c.GuestIP, strconv.Itoa(c.GuestPort)}
}
func (c SpawnHypervisor) Args() []string { return []string{c.Binary, c.SocketPath, c.LogPath} }
func (c KillHypervisor) Args() []string  { return []string{strconv.Itoa(c.PID)} }
func (c SparseCopy) Args() []string      { return []string{c.Src, c.Dst} }

func (c CreateTap) Validate() error {
	return errors.Join(ValidateInterfaceName(c.Tap), ValidateIPv4(c.HostIP))
}

func (c DeleteTap) Validate() error {
	return ValidateInterfaceName(c.Tap)
}

func (c SetupNAT) Validate() error {
	return errors.Join(ValidateInterfaceName(c.Tap), ValidateIPv4(c.GuestIP))
}

func (c TeardownNAT) Validate() error {
	return errors.Join(ValidateInterfaceName(c.Tap), ValidateIPv4(c.GuestIP))
}

func (c AddPortForward) Validate() error {
	return validateForward(c.HostPort, c.GuestIP, c.GuestPort)
}

func (c RemovePortForward) Validate() error {
	return validateForward(c.HostPort, c.GuestIP, c.GuestPort)
}

func (c SpawnHypervisor) Validate() error {
	return errors.Join(ValidateHypervisorBinary(c.Binary), ValidatePath(c.SocketPath), ValidatePath(c.LogPath))
}

func (c KillHypervisor) Validate() error {
	return ValidatePID(strconv.Itoa(c.PID))
}

func (c SparseCopy) Validate() error {
	return errors.Join(ValidatePath(c.Src), ValidatePath(c.Dst))
}

func validateForward(hostPort int, guestIP string, guestPort int) error {
	return errors.Join(
		ValidatePort(strconv.Itoa(hostPort)),
		ValidateIPv4(guestIP),
		ValidatePort(strconv.Itoa(guestPort)),
	)
}

type parser struct {
	arity int
	build func(args []string) Command
}

var parsers = map[string]parser{
	CmdCreateTap: {2, func(a []string) Command { return CreateTap{Tap: a[0], HostIP: a[1]} }},
	CmdDeleteTap: {1, func(a []string) Command { return DeleteTap{Tap: a[0]} }},
	CmdSetupNAT:  {2, func(a []string) Command { return SetupNAT{Tap: a[0], GuestIP: a[1]} }},
	CmdTeardownNAT: {2, func(a []string) Command {
		return TeardownNAT{Tap: a[0], GuestIP: a[1]}
	}},
	CmdAddPortForward: {3, func(a []string) Command {
		return AddPortForward{HostPort: atoi(a[0]), GuestIP: a[1], GuestPort: atoi(a[2])}
	}},
	CmdRemovePortForward: {3, func(a []string) Command {
		return RemovePortForward{HostPort: atoi(a[0]), GuestIP: a[1], GuestPort: atoi(a[2])}
	}},
	CmdSpawnHypervisor: {3, func(a []string) Command {
		return SpawnHypervisor{Binary: a[0], SocketPath: a[1], LogPath: a[2]}
	}},
	CmdKillHypervisor: {1, func(a []string) Command { return KillHypervisor{PID: atoi(a[0])} }},
	CmdSparseCopy:     {2, func(a []string) Command { return SparseCopy{Src: a[0], Dst: a[1]} }},
}

// Parse maps gateway argv (subcommand first) onto a validated Command.
func Parse(args []string) (Command, error) {
	if len(args) == 0 {
		return nil, errors.New("missing subcommand")
	}
	p, ok := parsers[args[0]]
	if !ok {
		return nil, fmt.Errorf("unknown subcommand %q", args[0])
	}
	rest := args[1:]
	if len(rest) != p.arity {
		return nil, fmt.Errorf("%s: expected %d arguments, got %d", args[0], p.arity, len(rest))
	}
	// Numeric fields lose their raw text in the struct, so check it here.
	for i, raw := range rest {
		if err := validateRawNumeric(args[0], i, raw); err != nil {
			return nil, err
		}
	}
	cmd := p.build(rest)
	if err := cmd.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", args[0], err)
	}
	return cmd, nil
}

func validateRawNumeric(name string, index int, raw string) error {
	switch name {
	case CmdAddPortForward, CmdRemovePortForward:
		if index == 0 || index == 2 {
			if err := ValidatePort(raw); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
		}
	case CmdKillHypervisor:
		if err := ValidatePID(raw); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func atoi(raw string) int {
	n, _ := strconv.Atoi(raw)
	return n
}
