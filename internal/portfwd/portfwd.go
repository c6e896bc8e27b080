// Package portfwd makes guest TCP ports reachable from the host, either with
// a userspace relay or with kernel DNAT rules installed through the gateway.
package portfwd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
)

const (
	StrategyRelay = "relay"
	StrategyDNAT  = "dnat"
)

// Forward is one host port bound to one guest port.
type Forward interface {
	HostPort() int
	GuestPort() int
	Close() error
}

type Exposer interface {
	Expose(ctx context.Context, guestIP string, guestPort int) (Forward, error)
}

// Gateway is the privileged surface the DNAT strategy needs.
type Gateway interface {
	AddPortForward(ctx context.Context, hostPort int, guestIP string, guestPort int) error
	RemovePortForward(ctx context.Context, hostPort int, guestIP string, guestPort int) error
}

// New returns the exposer for strategy. An empty strategy selects the relay.
func New(strategy string, gw Gateway, bindHost string, logger *log.Logger) (Exposer, error) {
	switch strings.TrimSpace(strategy) {
	case "", StrategyRelay:
		return NewRelay(bindHost, logger), nil
	case StrategyDNAT:
		if gw == nil {
			return nil, errors.New("portfwd: dnat strategy requires a gateway")
		}
		return NewDNAT(gw, logger), nil
	default:
		return nil, fmt.Errorf("portfwd: unsupported strategy %q (expected %s or %s)", strategy, StrategyRelay, StrategyDNAT)
	}
}

// ExposeAll exposes ports in order. On failure every forward created so far
// is closed before the error is returned.
func ExposeAll(ctx context.Context, exposer Exposer, guestIP string, ports []int) ([]Forward, error) {
	forwards := make([]Forward, 0, len(ports))
	for _, port := range ports {
		fwd, err := exposer.Expose(ctx, guestIP, port)
		if err != nil {
			_ = CloseAll(forwards)
			return nil, fmt.Errorf("expose guest port %d: %w", port, err)
		}
		forwards = append(forwards, fwd)
	}
	return forwards, nil
}

// CloseAll closes every forward concurrently and joins their errors.
func CloseAll(forwards []Forward) error {
	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	for _, fwd := range forwards {
		g.Go(func() error {
			if err := fwd.Close(); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("close forward %d->%d: %w", fwd.HostPort(), fwd.GuestPort(), err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Mapping returns guestPort -> hostPort for forwards.
func Mapping(forwards []Forward) map[int]int {
	out := make(map[int]int, len(forwards))
	for _, fwd := range forwards {
		out[fwd.GuestPort()] = fwd.HostPort()
	}
	return out
}

func discardLogger(logger *log.Logger) *log.Logger {
	if logger == nil {
		return log.New(io.Discard)
	}
	return logger
}

func cleanupContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

// freeTCPPort asks the kernel for an unused port.
func freeTCPPort() (int, error) {
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}
