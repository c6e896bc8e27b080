package portfwd

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
)

const guestDialTimeout = 5 * time.Second

// Relay accepts on an ephemeral host port and splices each connection to
// the guest.
type Relay struct {
	bindHost string
	logger   *log.Logger
	dial     func(ctx context.Context, network, addr string) (net.Conn, error)
}

func NewRelay(bindHost string, logger *log.Logger) *Relay {
	dialer := &net.Dialer{Timeout: guestDialTimeout}
	return &Relay{
		bindHost: bindHost,
		logger:   discardLogger(logger),
		dial:     dialer.DialContext,
	}
}

func (r *Relay) Expose(_ context.Context, guestIP string, guestPort int) (Forward, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(r.bindHost, "0"))
	if err != nil {
		return nil, err
	}
	f := &relayForward{
		ln:        ln,
		guestAddr: net.JoinHostPort(guestIP, strconv.Itoa(guestPort)),
		guestPort: guestPort,
		hostPort:  ln.Addr().(*net.TCPAddr).Port,
		dial:      r.dial,
		logger:    r.logger,
		conns:     map[net.Conn]struct{}{},
	}
	f.wg.Add(1)
	go f.acceptLoop()
	return f, nil
}

type relayForward struct {
	ln        net.Listener
	guestAddr string
	guestPort int
	hostPort  int
	dial      func(ctx context.Context, network, addr string) (net.Conn, error)
	logger    *log.Logger

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

func (f *relayForward) HostPort() int  { return f.hostPort }
func (f *relayForward) GuestPort() int { return f.guestPort }

func (f *relayForward) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	err := f.ln.Close()
	for conn := range f.conns {
		_ = conn.Close()
	}
	f.mu.Unlock()

	f.wg.Wait()
	return err
}

func (f *relayForward) acceptLoop() {
	defer f.wg.Done()
	for {
		client, err := f.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				f.logger.Warn("relay accept failed", "host_port", f.hostPort, "error", err)
			}
			return
		}
		if !f.track(client) {
			_ = client.Close()
			return
		}
		f.wg.Add(1)
		go f.serve(client)
	}
}

func (f *relayForward) serve(client net.Conn) {
	defer f.wg.Done()
	defer f.untrack(client)

	ctx, cancel := context.WithTimeout(context.Background(), guestDialTimeout)
	guest, err := f.dial(ctx, "tcp", f.guestAddr)
	cancel()
	if err != nil {
		f.logger.Debug("relay dial to guest failed", "guest", f.guestAddr, "error", err)
		_ = client.Close()
		return
	}
	if !f.track(guest) {
		_ = guest.Close()
		_ = client.Close()
		return
	}
	defer f.untrack(guest)

	splice(client, guest)
}

// splice copies in both directions until either side finishes, then closes
// both so the other copy unblocks.
func splice(a, b net.Conn) {
	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			_ = a.Close()
			_ = b.Close()
		})
	}
	var g errgroup.Group
	g.Go(func() error {
		defer closeBoth()
		_, err := io.Copy(a, b)
		return err
	})
	g.Go(func() error {
		defer closeBoth()
		_, err := io.Copy(b, a)
		return err
	})
	_ = g.Wait()
}

func (f *relayForward) track(conn net.Conn) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.conns[conn] = struct{}{}
	return true
}

func (f *relayForward) untrack(conn net.Conn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.conns, conn)
}
