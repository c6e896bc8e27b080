package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/log"
	"github.com/sandboxhq/fcbox/internal/gateway"
	"github.com/sandboxhq/fcbox/internal/runtimeconfig"
	"gopkg.in/yaml.v3"
)

type runtimeContext struct {
	CWD        string
	Stdout     *os.File
	Stderr     *os.File
	Config     runtimeconfig.Config
	ConfigPath string
}

type CLI struct {
	Version kong.VersionFlag `help:"Print version and exit"`

	Serve    ServeCommand    `cmd:"" help:"Run the fcbox control-plane server"`
	Doctor   DoctorCommand   `cmd:"" help:"Check host prerequisites for running sandboxes"`
	Sandbox  SandboxCommand  `cmd:"" help:"Manage sandboxes on a running server"`
	Snapshot SnapshotCommand `cmd:"" help:"Manage saved snapshots"`
	Config   ConfigCommand   `cmd:"" help:"Runtime configuration commands"`
}

type ConfigCommand struct {
	Init          ConfigInitCommand          `cmd:"" help:"Write a default runtime config"`
	GatewayPolicy ConfigGatewayPolicyCommand `cmd:"" help:"Print a gateway policy for the current runtime config"`
}

type ConfigGatewayPolicyCommand struct{}

type ConfigInitCommand struct {
	Path  string `help:"Config file to write (defaults to the runtime config path)"`
	Force bool   `help:"Overwrite an existing file"`
}

type exitCodeError struct {
	code int
}

func (e exitCodeError) Error() string {
	return fmt.Sprintf("command failed with exit code %d", e.code)
}

func (e exitCodeError) ExitCode() int {
	return e.code
}

type hasExitCode interface {
	ExitCode() int
}

func newParser(cli *CLI, version string) (*kong.Kong, error) {
	return kong.New(
		cli,
		kong.Name("fcbox"),
		kong.Description("Firecracker sandbox orchestrator"),
		kong.Vars{"version": version},
		kong.UsageOnError(),
	)
}

func Run(args []string, version string) error {
	cfg, cfgPath, err := runtimeconfig.Load()
	if err != nil {
		return err
	}

	runtimeCtx := &runtimeContext{
		Stdout:     os.Stdout,
		Stderr:     os.Stderr,
		Config:     cfg,
		ConfigPath: cfgPath,
	}

	cli := CLI{}
	parser, err := newParser(&cli, version)
	if err != nil {
		return err
	}

	ctx, err := parser.Parse(args)
	if err != nil {
		return err
	}

	cwd, err := os.Getwd()
	if err != nil {
		return err
	}
	runtimeCtx.CWD = cwd

	return ctx.Run(runtimeCtx)
}

func ExitCode(err error) int {
	var codeErr hasExitCode
	if errors.As(err, &codeErr) {
		return codeErr.ExitCode()
	}
	return 1
}

func (c *ConfigInitCommand) Run(ctx *runtimeContext) error {
	path := strings.TrimSpace(c.Path)
	if path == "" {
		resolved, err := runtimeconfig.Path()
		if err != nil {
			return fmt.Errorf("resolve config path: %w", err)
		}
		path = resolved
	} else {
		path = resolveCWD(ctx.CWD, path)
	}

	if err := runtimeconfig.Write(path, runtimeconfig.Default(), c.Force); err != nil {
		return err
	}
	_, err := fmt.Fprintf(ctx.Stdout, "wrote runtime config to %s\n", path)
	return err
}

// Run prints the policy to install as root at gateway.DefaultPolicyPath.
func (c *ConfigGatewayPolicyCommand) Run(ctx *runtimeContext) error {
	cfg := ctx.Config

	binary := strings.TrimSpace(cfg.Firecracker.BinaryPath)
	if binary == "" {
		binary = gateway.HypervisorBinaryName
	}
	if !filepath.IsAbs(binary) {
		resolved, err := doctorLookPath(binary)
		if err != nil {
			return fmt.Errorf("%s not found in PATH: set firecracker.binary_path", binary)
		}
		if binary, err = filepath.Abs(resolved); err != nil {
			return err
		}
	}

	vmDir, snapDir, err := defaultSandboxDirs(cfg)
	if err != nil {
		return err
	}
	policy := gateway.Policy{
		FirecrackerBinary: binary,
		VMDirs:            []string{vmDir},
		SnapshotDirs:      []string{snapDir},
	}
	if rootfs := strings.TrimSpace(cfg.Firecracker.RootFS); rootfs != "" {
		policy.RootfsImages = []string{rootfs}
	}

	raw, err := yaml.Marshal(&policy)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(ctx.Stdout, "# install as %s, owned by root with mode 0644\n", gateway.DefaultPolicyPath); err != nil {
		return err
	}
	_, err = ctx.Stdout.Write(raw)
	return err
}

func resolveCWD(base, p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(base, p)
}

func newLogger(rawLevel, component string) (*log.Logger, error) {
	levelName := effectiveLogLevel(rawLevel)
	level, err := log.ParseLevel(levelName)
	if err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", rawLevel, err)
	}
	logger := log.NewWithOptions(os.Stderr, log.Options{
		Level:     level,
		Formatter: log.TextFormatter,
	})
	applyPolishedLoggerStyles(logger, shouldUseANSI(os.Stderr))
	return logger.With("component", component), nil
}
