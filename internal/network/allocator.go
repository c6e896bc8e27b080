package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

const (
	TapPrefix = "fc_tap"
	// MaxSubnets is the number of /30 blocks in 172.16.0.0/16.
	MaxSubnets = 16384
)

var (
	ErrExhausted = errors.New("network: every tap subnet is allocated")
	ErrInUse     = errors.New("network: tap is owned by a live allocation")
)

// Allocation is one TAP device and its /30 subnet.
type Allocation struct {
	TapName     string
	HostIP      string
	GuestIP     string
	GuestMAC    string
	SubnetIndex int
}

// Gateway is the privileged surface the allocator needs.
type Gateway interface {
	CreateTap(ctx context.Context, tap, hostIP string) error
	DeleteTap(ctx context.Context, tap string) error
	SetupNAT(ctx context.Context, tap, guestIP string) error
	TeardownNAT(ctx context.Context, tap, guestIP string) error
}

type Options struct {
	Gateway Gateway
	// ListLinks returns host interface names; defaults to netlink.
	ListLinks func() ([]string, error)
	Logger    *log.Logger
	Capacity  int
}

type slotState int

const (
	slotLive slotState = iota + 1
	// slotStale marks a tap found on the host at startup that no allocation
	// in this process owns. Allocate skips it; Recreate may adopt it.
	slotStale
)

// Allocator hands out TAP subnets. It is safe for concurrent use.
type Allocator struct {
	gw        Gateway
	listLinks func() ([]string, error)
	logger    *log.Logger
	capacity  int

	mu    sync.Mutex
	slots map[int]slotState
}

func New(opts Options) (*Allocator, error) {
	if opts.Gateway == nil {
		return nil, errors.New("network: gateway is required")
	}
	capacity := opts.Capacity
	if capacity <= 0 || capacity > MaxSubnets {
		capacity = MaxSubnets
	}
	listLinks := opts.ListLinks
	if listLinks == nil {
		listLinks = hostLinkNames
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Allocator{
		gw:        opts.Gateway,
		listLinks: listLinks,
		logger:    logger,
		capacity:  capacity,
		slots:     map[int]slotState{},
	}, nil
}

// Open builds an allocator and reconciles it with the taps already present
// on the host.
func Open(ctx context.Context, opts Options) (*Allocator, error) {
	a, err := New(opts)
	if err != nil {
		return nil, err
	}
	if err := a.Reconcile(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

// Reconcile marks every host tap matching the allocator's naming scheme as
// reserved.
func (a *Allocator) Reconcile(_ context.Context) error {
	names, err := a.listLinks()
	if err != nil {
		return fmt.Errorf("network: list host links: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	found := 0
	for _, name := range names {
		idx, ok := ParseTapIndex(name)
		if !ok || idx >= a.capacity {
			continue
		}
		if _, taken := a.slots[idx]; !taken {
			a.slots[idx] = slotStale
			found++
		}
	}
	if found > 0 {
		a.logger.Info("reserved existing tap devices", "count", found)
	}
	return nil
}

// Allocate reserves the lowest free index and realizes its tap and NAT.
func (a *Allocator) Allocate(ctx context.Context) (Allocation, error) {
	idx, err := a.reserveLowest()
	if err != nil {
		return Allocation{}, err
	}
	alloc := ForIndex(idx)
	if err := a.realize(ctx, alloc); err != nil {
		a.unreserve(idx)
		return Allocation{}, err
	}
	a.logger.Debug("allocated tap", "tap", alloc.TapName, "guest_ip", alloc.GuestIP)
	return alloc, nil
}

// Recreate rebuilds the exact tap a snapshot was taken with.
func (a *Allocator) Recreate(ctx context.Context, tapName, guestIP, guestMAC string) (Allocation, error) {
	idx, ok := ParseTapIndex(tapName)
	if !ok || idx >= a.capacity {
		return Allocation{}, fmt.Errorf("network: tap name %q is not managed by this allocator", tapName)
	}
	alloc := ForIndex(idx)
	if guestIP != alloc.GuestIP {
		return Allocation{}, fmt.Errorf("network: guest ip %s does not belong to %s (expected %s)", guestIP, tapName, alloc.GuestIP)
	}
	if strings.TrimSpace(guestMAC) != "" {
		alloc.GuestMAC = guestMAC
	}

	a.mu.Lock()
	if a.slots[idx] == slotLive {
		a.mu.Unlock()
		return Allocation{}, fmt.Errorf("%w: %s", ErrInUse, tapName)
	}
	prev, hadPrev := a.slots[idx]
	a.slots[idx] = slotLive
	a.mu.Unlock()

	if err := a.realize(ctx, alloc); err != nil {
		a.mu.Lock()
		if hadPrev {
			a.slots[idx] = prev
		} else {
			delete(a.slots, idx)
		}
		a.mu.Unlock()
		return Allocation{}, err
	}
	a.logger.Debug("recreated tap", "tap", alloc.TapName, "guest_ip", alloc.GuestIP)
	return alloc, nil
}

// Release tears down NAT and the tap, then frees the index. Every step is
// attempted; the index is freed even when a step fails.
func (a *Allocator) Release(ctx context.Context, alloc Allocation) error {
	var errs []error
	if err := a.gw.TeardownNAT(ctx, alloc.TapName, alloc.GuestIP); err != nil {
		errs = append(errs, err)
	}
	if err := a.gw.DeleteTap(ctx, alloc.TapName); err != nil {
		errs = append(errs, err)
	}
	a.unreserve(alloc.SubnetIndex)
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("network: release %s: %w", alloc.TapName, err)
	}
	return nil
}

// InUse reports how many indices are reserved, live or stale.
func (a *Allocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.slots)
}

func (a *Allocator) IsReserved(idx int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.slots[idx]
	return ok
}

func (a *Allocator) reserveLowest() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for idx := 0; idx < a.capacity; idx++ {
		if _, taken := a.slots[idx]; !taken {
			a.slots[idx] = slotLive
			return idx, nil
		}
	}
	return 0, ErrExhausted
}

func (a *Allocator) unreserve(idx int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.slots, idx)
}

func (a *Allocator) realize(ctx context.Context, alloc Allocation) error {
	if err := a.gw.CreateTap(ctx, alloc.TapName, alloc.HostIP); err != nil {
		a.cleanupTap(alloc)
		return fmt.Errorf("network: create %s: %w", alloc.TapName, err)
	}
	if err := a.gw.SetupNAT(ctx, alloc.TapName, alloc.GuestIP); err != nil {
		a.cleanupTap(alloc)
		return fmt.Errorf("network: nat for %s: %w", alloc.TapName, err)
	}
	return nil
}

func (a *Allocator) cleanupTap(alloc Allocation) {
	cleanupCtx, cancel := cleanupContext()
	defer cancel()
	if err := a.gw.DeleteTap(cleanupCtx, alloc.TapName); err != nil {
		a.logger.Warn("failed to delete tap after setup error", "tap", alloc.TapName, "error", err)
	}
}

// ForIndex derives the addressing for subnet index idx.
func ForIndex(idx int) Allocation {
	base := idx * 4
	third := base / 256
	fourth := base % 256
	host := fmt.Sprintf("172.16.%d.%d", third, fourth+1)
	guest := fmt.Sprintf("172.16.%d.%d", third, fourth+2)
	return Allocation{
		TapName:     TapPrefix + strconv.Itoa(idx),
		HostIP:      host,
		GuestIP:     guest,
		GuestMAC:    fmt.Sprintf("06:00:AC:10:%02X:%02X", third, fourth+2),
		SubnetIndex: idx,
	}
}

// ParseTapIndex extracts idx from a name of the form fc_tap<idx>.
func ParseTapIndex(name string) (int, bool) {
	digits, ok := strings.CutPrefix(name, TapPrefix)
	if !ok || digits == "" || len(digits) > 5 {
		return 0, false
	}
	if len(digits) > 1 && digits[0] == '0' {
		return 0, false
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	idx, err := strconv.Atoi(digits)
	if err != nil || idx >= MaxSubnets {
		return 0, false
	}
	return idx, true
}

func cleanupContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}
