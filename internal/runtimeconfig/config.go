package runtimeconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	LaunchGateway = "gateway"
	LaunchLocal   = "local"

	PortStrategyRelay = "relay"
	PortStrategyDNAT  = "dnat"

	// SandboxHostEnvVar overrides sandbox.host for generated URLs.
	SandboxHostEnvVar = "FCBOX_SANDBOX_HOST"
)

type Config struct {
	Firecracker FirecrackerConfig `yaml:"firecracker"`
	Privileged  PrivilegedConfig  `yaml:"privileged"`
	Network     NetworkConfig     `yaml:"network"`
	Sandbox     SandboxConfig     `yaml:"sandbox"`
	Server      ServerConfig      `yaml:"server"`
}

type FirecrackerConfig struct {
	BinaryPath  string `yaml:"binary_path"`
	KernelImage string `yaml:"kernel_image"`
	RootFS      string `yaml:"rootfs"`
	VCPUs       int64  `yaml:"vcpus"`
	MemoryMiB   int64  `yaml:"memory_mib"`
	BootArgs    string `yaml:"boot_args"`
	Launch      string `yaml:"launch"` // gateway|local
}

type PrivilegedConfig struct {
	Mode        string `yaml:"mode"` // sudo|direct
	GatewayPath string `yaml:"gateway_path"`
}

type NetworkConfig struct {
	PortStrategy string `yaml:"port_strategy"` // relay|dnat
	BindHost     string `yaml:"bind_host"`
	MaxSubnets   int    `yaml:"max_subnets"`
}

type SandboxConfig struct {
	Host                  string `yaml:"host"`
	VMDir                 string `yaml:"vm_dir"`
	SnapshotDir           string `yaml:"snapshot_dir"`
	CatalogPath           string `yaml:"catalog_path"`
	BootTimeoutSeconds    int64  `yaml:"boot_timeout_seconds"`
	RestoreTimeoutSeconds int64  `yaml:"restore_timeout_seconds"`
	SocketTimeoutSeconds  int64  `yaml:"socket_timeout_seconds"`
}

type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// Default is the configuration written by `fcbox config init`.
func Default() Config {
	return Config{
		Firecracker: FirecrackerConfig{
			BinaryPath: "firecracker",
			VCPUs:      2,
			MemoryMiB:  2048,
			Launch:     LaunchGateway,
		},
		Privileged: PrivilegedConfig{
			Mode: "sudo",
		},
		Network: NetworkConfig{
			PortStrategy: PortStrategyRelay,
		},
		Sandbox: SandboxConfig{
			Host:                  "localhost",
			BootTimeoutSeconds:    60,
			RestoreTimeoutSeconds: 15,
			SocketTimeoutSeconds:  5,
		},
	}
}

func (s SandboxConfig) BootTimeout() time.Duration {
	return seconds(s.BootTimeoutSeconds)
}

func (s SandboxConfig) RestoreTimeout() time.Duration {
	return seconds(s.RestoreTimeoutSeconds)
}

func (s SandboxConfig) SocketTimeout() time.Duration {
	return seconds(s.SocketTimeoutSeconds)
}

func seconds(n int64) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}

func Path() (string, error) {
	configHome := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME"))
	if configHome != "" {
		return filepath.Join(configHome, "fcbox", "config.yaml"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "fcbox", "config.yaml"), nil
}

func Load() (Config, string, error) {
	path, err := Path()
	if err != nil {
		return Config{}, "", err
	}
	cfg, err := LoadFile(path)
	return cfg, path, err
}

// LoadFile reads path, treating a missing file as an empty configuration.
// Environment overrides are applied either way.
func LoadFile(path string) (Config, error) {
	cfg := Config{}
	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	cfg.normalize()
	if host := strings.TrimSpace(os.Getenv(SandboxHostEnvVar)); host != "" {
		cfg.Sandbox.Host = host
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.Firecracker.BinaryPath = strings.TrimSpace(c.Firecracker.BinaryPath)
	c.Firecracker.KernelImage = strings.TrimSpace(c.Firecracker.KernelImage)
	c.Firecracker.RootFS = strings.TrimSpace(c.Firecracker.RootFS)
	c.Firecracker.Launch = strings.ToLower(strings.TrimSpace(c.Firecracker.Launch))
	c.Privileged.Mode = strings.ToLower(strings.TrimSpace(c.Privileged.Mode))
	c.Privileged.GatewayPath = strings.TrimSpace(c.Privileged.GatewayPath)
	c.Network.PortStrategy = strings.ToLower(strings.TrimSpace(c.Network.PortStrategy))
	c.Sandbox.Host = strings.TrimSpace(c.Sandbox.Host)
	c.Server.Listen = strings.TrimSpace(c.Server.Listen)
}

func (c Config) Validate() error {
	switch c.Firecracker.Launch {
	case "", LaunchGateway, LaunchLocal:
	default:
		return fmt.Errorf("firecracker.launch %q must be %s or %s", c.Firecracker.Launch, LaunchGateway, LaunchLocal)
	}
	switch c.Privileged.Mode {
	case "", "sudo", "direct":
	default:
		return fmt.Errorf("privileged.mode %q must be sudo or direct", c.Privileged.Mode)
	}
	switch c.Network.PortStrategy {
	case "", PortStrategyRelay, PortStrategyDNAT:
	default:
		return fmt.Errorf("network.port_strategy %q must be %s or %s", c.Network.PortStrategy, PortStrategyRelay, PortStrategyDNAT)
	}
	if c.Firecracker.VCPUs < 0 || c.Firecracker.MemoryMiB < 0 {
		return errors.New("firecracker.vcpus and firecracker.memory_mib must not be negative")
	}
	if c.Network.MaxSubnets < 0 {
		return errors.New("network.max_subnets must not be negative")
	}
	return nil
}

// Write marshals cfg to path, refusing to replace an existing file unless
// force is set.
func Write(path string, cfg Config, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		} else if !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	return os.WriteFile(path, b, 0o644)
}
