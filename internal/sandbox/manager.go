package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/sandboxhq/fcbox/internal/guest"
	"github.com/sandboxhq/fcbox/internal/snapshotstore"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNotFound     = errors.New("sandbox not found")
	ErrShuttingDown = errors.New("sandbox manager is shutting down")
)

// Manager tracks the instances started by one orchestrator.
type Manager struct {
	orch   *Orchestrator
	logger *log.Logger

	mu        sync.RWMutex
	instances map[string]*Instance
	closed    bool
	creating  sync.WaitGroup
}

func NewManager(orch *Orchestrator, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Manager{orch: orch, logger: logger, instances: map[string]*Instance{}}
}

// Create boots a sandbox and tracks it. A boot that completes after
// Shutdown has begun is destroyed instead of tracked.
func (m *Manager) Create(ctx context.Context, opts StartOptions) (*StartResult, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrShuttingDown
	}
	m.creating.Add(1)
	m.mu.Unlock()
	defer m.creating.Done()

	inst, result, err := m.orch.Start(ctx, opts)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		if err := inst.Destroy(context.WithoutCancel(ctx)); err != nil {
			m.logger.Warn("failed to destroy sandbox created during shutdown", "vm_id", inst.ID(), "error", err)
		}
		return nil, ErrShuttingDown
	}
	m.instances[inst.ID()] = inst
	m.mu.Unlock()
	return result, nil
}

func (m *Manager) closing() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

func (m *Manager) Get(id string) (*Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return inst, nil
}

func (m *Manager) Info(id string) (Info, error) {
	inst, err := m.Get(id)
	if err != nil {
		return Info{}, err
	}
	return inst.Info(), nil
}

// List returns every tracked instance, oldest first.
func (m *Manager) List() []Info {
	m.mu.RLock()
	items := make([]Info, 0, len(m.instances))
	for _, inst := range m.instances {
		items = append(items, inst.Info())
	}
	m.mu.RUnlock()

	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	return items
}

func (m *Manager) Exec(ctx context.Context, id, command string) (guest.ExecResult, error) {
	inst, err := m.Get(id)
	if err != nil {
		return guest.ExecResult{}, err
	}
	return inst.Exec(ctx, command)
}

func (m *Manager) Pause(ctx context.Context, id string) error {
	inst, err := m.Get(id)
	if err != nil {
		return err
	}
	return inst.Pause(ctx)
}

func (m *Manager) Resume(ctx context.Context, id string) error {
	inst, err := m.Get(id)
	if err != nil {
		return err
	}
	return inst.Resume(ctx)
}

func (m *Manager) Snapshot(ctx context.Context, id, snapshotID string) (snapshotstore.Record, error) {
	inst, err := m.Get(id)
	if err != nil {
		return snapshotstore.Record{}, err
	}
	return inst.Snapshot(ctx, snapshotID)
}

// Destroy stops the instance, deletes its files, and forgets it.
func (m *Manager) Destroy(ctx context.Context, id string) error {
	m.mu.Lock()
	inst, ok := m.instances[id]
	delete(m.instances, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return inst.Destroy(ctx)
}

// Shutdown refuses further creates, destroys every tracked instance
// concurrently, and waits for in-flight creates, which destroy their own
// instance. Destroy stops the hypervisor, releases the network and removes
// the VM directory; snapshots are kept.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	instances := m.instances
	m.instances = map[string]*Instance{}
	m.mu.Unlock()

	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	for id, inst := range instances {
		g.Go(func() error {
			if err := inst.Destroy(ctx); err != nil {
				m.logger.Warn("failed to destroy sandbox during shutdown", "vm_id", id, "error", err)
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", id, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	done := make(chan struct{})
	go func() {
		m.creating.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("wait for in-flight creates: %w", ctx.Err()))
	}
	return errors.Join(errs...)
}
