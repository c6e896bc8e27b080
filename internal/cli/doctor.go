package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/sandboxhq/fcbox/internal/gateway"
	"github.com/sandboxhq/fcbox/internal/runtimeconfig"
)

type DoctorCommand struct {
	JSON bool `help:"Print doctor report as JSON"`
}

type doctorCheck struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

const kvmDevice = "/dev/kvm"

var (
	doctorGOOS     = runtime.GOOS
	doctorLookPath = exec.LookPath
	doctorStat     = os.Stat
	doctorOpenKVM  = func() error {
		f, err := os.OpenFile(kvmDevice, os.O_RDWR, 0)
		if err != nil {
			return err
		}
		return f.Close()
	}
	doctorResolveGateway = gateway.ResolveBinaryPath
	doctorLoadPolicy     = func() (*gateway.Policy, error) { return gateway.LoadPolicy(gateway.DefaultPolicyPath) }
)

func (d *DoctorCommand) Run(ctx *runtimeContext) error {
	checks := runDoctorChecks(ctx.Config, ctx.ConfigPath)

	failed := 0
	for _, check := range checks {
		if check.Status == "fail" {
			failed++
		}
	}

	if d.JSON {
		enc := json.NewEncoder(ctx.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(map[string]any{"checks": checks}); err != nil {
			return err
		}
	} else if _, err := fmt.Fprint(ctx.Stdout, renderDoctorReport(checks, shouldUseANSI(ctx.Stdout))); err != nil {
		return err
	}

	if failed > 0 {
		return exitCodeError{code: 1}
	}
	return nil
}

func runDoctorChecks(cfg runtimeconfig.Config, configPath string) []doctorCheck {
	checks := []doctorCheck{
		{Name: "runtime_config", Status: "pass", Message: fmt.Sprintf("using runtime config path %s", configPath)},
	}

	if doctorGOOS == "linux" {
		checks = append(checks, doctorCheck{Name: "os", Status: "pass", Message: "linux"})
	} else {
		checks = append(checks, doctorCheck{Name: "os", Status: "fail", Message: fmt.Sprintf("firecracker requires linux, running on %s", doctorGOOS)})
	}

	if err := doctorOpenKVM(); err != nil {
		checks = append(checks, doctorCheck{Name: "kvm", Status: "fail", Message: fmt.Sprintf("%s is not usable: %v", kvmDevice, err)})
	} else {
		checks = append(checks, doctorCheck{Name: "kvm", Status: "pass", Message: kvmDevice + " is readable and writable"})
	}

	checks = append(checks, checkBinary(cfg.Firecracker.BinaryPath))
	checks = append(checks, checkFile("kernel_image", "firecracker.kernel_image", cfg.Firecracker.KernelImage))
	checks = append(checks, checkFile("rootfs", "firecracker.rootfs", cfg.Firecracker.RootFS))
	checks = append(checks, checkGateway(cfg.Privileged))
	checks = append(checks, checkGatewayPolicy())

	launch := cfg.Firecracker.Launch
	if launch == "" {
		launch = runtimeconfig.LaunchGateway
	}
	if launch == runtimeconfig.LaunchLocal {
		checks = append(checks, doctorCheck{Name: "launch", Status: "warn", Message: "local launch runs firecracker as the current user; it must be able to open /dev/kvm and the tap devices"})
	} else {
		checks = append(checks, doctorCheck{Name: "launch", Status: "pass", Message: "firecracker is spawned through the gateway"})
	}

	strategy := cfg.Network.PortStrategy
	if strategy == "" {
		strategy = runtimeconfig.PortStrategyRelay
	}
	checks = append(checks, doctorCheck{Name: "port_strategy", Status: "pass", Message: strategy})
	return checks
}

func checkBinary(configured string) doctorCheck {
	name := strings.TrimSpace(configured)
	if name == "" {
		name = "firecracker"
	}
	if filepath.IsAbs(name) {
		return checkFile("firecracker_binary", "firecracker.binary_path", name)
	}
	path, err := doctorLookPath(name)
	if err != nil {
		return doctorCheck{Name: "firecracker_binary", Status: "fail", Message: fmt.Sprintf("%s not found in PATH", name)}
	}
	return doctorCheck{Name: "firecracker_binary", Status: "pass", Message: path}
}

func checkFile(name, key, path string) doctorCheck {
	if strings.TrimSpace(path) == "" {
		return doctorCheck{Name: name, Status: "fail", Message: key + " is not set"}
	}
	info, err := doctorStat(path)
	if err != nil {
		return doctorCheck{Name: name, Status: "fail", Message: fmt.Sprintf("%s: %v", path, err)}
	}
	if info.IsDir() {
		return doctorCheck{Name: name, Status: "fail", Message: path + " is a directory"}
	}
	return doctorCheck{Name: name, Status: "pass", Message: path}
}

func checkGateway(cfg runtimeconfig.PrivilegedConfig) doctorCheck {
	mode := cfg.Mode
	if mode == "" {
		mode = gateway.ModeSudo
	}
	if cfg.GatewayPath != "" {
		check := checkFile("gateway", "privileged.gateway_path", cfg.GatewayPath)
		if check.Status == "pass" {
			check.Message = fmt.Sprintf("%s (%s)", cfg.GatewayPath, mode)
		}
		return check
	}
	path, err := doctorResolveGateway()
	if err != nil {
		return doctorCheck{Name: "gateway", Status: "fail", Message: err.Error()}
	}
	return doctorCheck{Name: "gateway", Status: "pass", Message: fmt.Sprintf("%s (%s)", path, mode)}
}

func checkGatewayPolicy() doctorCheck {
	policy, err := doctorLoadPolicy()
	if errors.Is(err, os.ErrNotExist) {
		return doctorCheck{Name: "gateway_policy", Status: "fail", Message: fmt.Sprintf("%s is missing; generate one with `fcbox config gateway-policy`", gateway.DefaultPolicyPath)}
	}
	if err != nil {
		return doctorCheck{Name: "gateway_policy", Status: "fail", Message: err.Error()}
	}
	return doctorCheck{Name: "gateway_policy", Status: "pass", Message: fmt.Sprintf("%s allows %s", gateway.DefaultPolicyPath, policy.FirecrackerBinary)}
}
