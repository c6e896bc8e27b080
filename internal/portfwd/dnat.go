package portfwd

import (
	"context"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"
)

// DNAT installs kernel port forwards through the privileged gateway.
type DNAT struct {
	gw       Gateway
	logger   *log.Logger
	pickPort func() (int, error)
}

func NewDNAT(gw Gateway, logger *log.Logger) *DNAT {
	return &DNAT{gw: gw, logger: discardLogger(logger), pickPort: freeTCPPort}
}

func (d *DNAT) Expose(ctx context.Context, guestIP string, guestPort int) (Forward, error) {
	hostPort, err := d.pickPort()
	if err != nil {
		return nil, fmt.Errorf("pick host port: %w", err)
	}
	if err := d.gw.AddPortForward(ctx, hostPort, guestIP, guestPort); err != nil {
		return nil, err
	}
	d.logger.Debug("installed dnat forward", "host_port", hostPort, "guest", guestIP, "guest_port", guestPort)
	return &dnatForward{gw: d.gw, hostPort: hostPort, guestIP: guestIP, guestPort: guestPort}, nil
}

type dnatForward struct {
	gw        Gateway
	hostPort  int
	guestIP   string
	guestPort int

	once sync.Once
	err  error
}

func (f *dnatForward) HostPort() int  { return f.hostPort }
func (f *dnatForward) GuestPort() int { return f.guestPort }

func (f *dnatForward) Close() error {
	f.once.Do(func() {
		ctx, cancel := cleanupContext()
		defer cancel()
		f.err = f.gw.RemovePortForward(ctx, f.hostPort, f.guestIP, f.guestPort)
	})
	return f.err
}
