package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sandboxhq/fcbox/internal/controlserver"
	"github.com/sandboxhq/fcbox/internal/endpoint"
	"github.com/sandboxhq/fcbox/internal/gateway"
	"github.com/sandboxhq/fcbox/internal/network"
	"github.com/sandboxhq/fcbox/internal/paths"
	"github.com/sandboxhq/fcbox/internal/portfwd"
	"github.com/sandboxhq/fcbox/internal/runtimeconfig"
	"github.com/sandboxhq/fcbox/internal/sandbox"
	"github.com/sandboxhq/fcbox/internal/snapshotstore"
)

const shutdownTimeout = 30 * time.Second

type ServeCommand struct {
	Listen   string `help:"Listen endpoint for the control API (unix://path or http://host:port)"`
	LogLevel string `help:"Server log level (debug|info|warn|error)"`
}

// listHostLinks overrides the allocator's host interface scan in tests.
var listHostLinks func() ([]string, error)

// stack is every long-lived component the server wires together.
type stack struct {
	gateway   *gateway.Client
	allocator *network.Allocator
	catalog   *snapshotstore.Store
	registry  *prometheus.Registry
	manager   *sandbox.Manager
	vmDir     string
	snapDir   string
}

func buildStack(ctx context.Context, cfg runtimeconfig.Config, logger *log.Logger) (*stack, error) {
	gw, err := gateway.NewClient(cfg.Privileged.Mode, cfg.Privileged.GatewayPath, logger.With("subsystem", "gateway"))
	if err != nil {
		return nil, err
	}

	alloc, err := network.Open(ctx, network.Options{
		Gateway:   gw,
		ListLinks: listHostLinks,
		Logger:    logger.With("subsystem", "network"),
		Capacity:  cfg.Network.MaxSubnets,
	})
	if err != nil {
		return nil, fmt.Errorf("open network allocator: %w", err)
	}

	exposer, err := portfwd.New(cfg.Network.PortStrategy, gw, cfg.Network.BindHost, logger.With("subsystem", "portfwd"))
	if err != nil {
		return nil, err
	}
	launcher, err := sandbox.NewLauncher(cfg.Firecracker.Launch, gw, logger.With("subsystem", "launcher"))
	if err != nil {
		return nil, err
	}

	vmDir, snapDir, err := sandboxDirs(cfg)
	if err != nil {
		return nil, err
	}
	catalog, err := snapshotstore.New(snapshotstore.Options{DBPath: cfg.Sandbox.CatalogPath})
	if err != nil {
		return nil, fmt.Errorf("open snapshot catalog: %w", err)
	}

	registry := prometheus.NewRegistry()
	metrics := sandbox.NewMetrics(registry)
	registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "fcbox_network_subnets_in_use",
		Help: "TAP subnets currently reserved by the allocator.",
	}, func() float64 { return float64(alloc.InUse()) }))

	orch, err := sandbox.NewOrchestrator(sandbox.Config{
		FirecrackerBinary: cfg.Firecracker.BinaryPath,
		KernelImage:       cfg.Firecracker.KernelImage,
		RootFS:            cfg.Firecracker.RootFS,
		VCPUs:             cfg.Firecracker.VCPUs,
		MemoryMiB:         cfg.Firecracker.MemoryMiB,
		BootArgs:          cfg.Firecracker.BootArgs,
		VMDir:             vmDir,
		SnapshotDir:       snapDir,
		Host:              cfg.Sandbox.Host,
		BootTimeout:       cfg.Sandbox.BootTimeout(),
		RestoreTimeout:    cfg.Sandbox.RestoreTimeout(),
		SocketTimeout:     cfg.Sandbox.SocketTimeout(),
	}, sandbox.Deps{
		Network:  alloc,
		Launcher: launcher,
		Copier:   gw,
		Exposer:  exposer,
		Catalog:  catalog,
		Metrics:  metrics,
		Logger:   logger.With("subsystem", "sandbox"),
	})
	if err != nil {
		return nil, err
	}

	return &stack{
		gateway:   gw,
		allocator: alloc,
		catalog:   catalog,
		registry:  registry,
		manager:   sandbox.NewManager(orch, logger.With("subsystem", "manager")),
		vmDir:     vmDir,
		snapDir:   snapDir,
	}, nil
}

func sandboxDirs(cfg runtimeconfig.Config) (string, string, error) {
	vmDir, snapDir, err := defaultSandboxDirs(cfg)
	if err != nil {
		return "", "", err
	}
	for _, dir := range []string{vmDir, snapDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", "", fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return vmDir, snapDir, nil
}

func defaultSandboxDirs(cfg runtimeconfig.Config) (string, string, error) {
	vmDir := cfg.Sandbox.VMDir
	if vmDir == "" {
		dir, err := paths.VMBaseDir()
		if err != nil {
			return "", "", fmt.Errorf("resolve vm directory: %w", err)
		}
		vmDir = dir
	}
	snapDir := cfg.Sandbox.SnapshotDir
	if snapDir == "" {
		dir, err := paths.SnapshotBaseDir()
		if err != nil {
			return "", "", fmt.Errorf("resolve snapshot directory: %w", err)
		}
		snapDir = dir
	}
	return vmDir, snapDir, nil
}

func (s *ServeCommand) Run(ctx *runtimeContext) error {
	logger, err := newLogger(s.LogLevel, "server")
	if err != nil {
		return err
	}

	listen := s.Listen
	if listen == "" {
		listen = ctx.Config.Server.Listen
	}
	ep, err := endpoint.ResolveListen(listen)
	if err != nil {
		return err
	}

	runCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := buildStack(runCtx, ctx.Config, logger)
	if err != nil {
		return err
	}

	if shouldShowStartupHeader(ctx.Stderr) {
		_ = writeStartupHeader(ctx.Stderr, startupHeader{
			Title: "fcbox serve",
			Fields: []startupField{
				{Key: "listen", Value: endpointDisplay(ep)},
				{Key: "gateway", Value: st.gateway.Path() + " (" + st.gateway.Mode() + ")"},
				{Key: "vms", Value: st.vmDir},
				{Key: "snapshots", Value: st.snapDir},
				{Key: "catalog", Value: st.catalog.Path()},
				{Key: "log level", Value: effectiveLogLevel(s.LogLevel)},
			},
		}, shouldUseANSI(ctx.Stderr))
	}

	server := controlserver.New(st.manager, st.catalog, st.registry, logger.With("subsystem", "http"))
	serveErr := controlserver.Serve(runCtx, ep, server.Handler(), logger)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := st.manager.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to stop every sandbox", "error", err)
		return errors.Join(serveErr, err)
	}
	return serveErr
}
