package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/sandboxhq/fcbox/internal/gateway"
)

const logLevelEnvVar = "FCBOX_GATEWAY_LOG_LEVEL"

var (
	newHost    = gateway.NewHost
	loadPolicy = gateway.LoadPolicy
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	logger := newLogger(stderr, os.Getenv(logLevelEnvVar))

	cmd, err := gateway.Parse(args)
	if err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", gateway.BinaryName, err)
		return 2
	}

	// A missing policy leaves the network commands usable; spawn and copy
	// then fail on their own. A policy that exists but cannot be trusted
	// stops everything.
	policy, err := loadPolicy(gateway.DefaultPolicyPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(stderr, "%s: %v\n", gateway.BinaryName, err)
		return 1
	}

	host, err := newHost()
	if err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", gateway.BinaryName, err)
		return 1
	}

	executor := gateway.NewExecutor(host, gateway.OwnerFromEnv(os.Getenv), logger)
	executor.Policy = policy
	out, err := executor.Run(ctx, cmd)
	if err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", gateway.BinaryName, err)
		return 1
	}
	fmt.Fprintln(stdout, out)
	return 0
}

func newLogger(w io.Writer, rawLevel string) *log.Logger {
	level := log.WarnLevel
	if trimmed := strings.TrimSpace(rawLevel); trimmed != "" {
		if parsed, err := log.ParseLevel(trimmed); err == nil {
			level = parsed
		}
	}
	return log.NewWithOptions(w, log.Options{
		Level:     level,
		Formatter: log.TextFormatter,
		Prefix:    gateway.BinaryName,
	})
}
