package tunnel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Config carries the manager's tunables. Zero values fall back to defaults.
type Config struct {
	PortRangeFrom int
	PortRangeTo   int
	ReadyTimeout  time.Duration
}

const (
	defaultPortRangeFrom = 40000
	defaultPortRangeTo   = 40999
	defaultReadyTimeout  = 15 * time.Second
)

type establishFunc func(ctx context.Context, t *Tunnel) error

// Manager is the tunnel registry. All map and bookkeeping mutations happen
// under mu; blocking establishment runs outside it. createMu serializes the
// lookup-and-create sequence so concurrent identical requests observe the
// winner's tunnel instead of racing into a duplicate.
//
// Construct one per process and thread it through the components that need
// it; there is no package-level instance.
type Manager struct {
	cfg Config

	createMu sync.Mutex
	mu       sync.RWMutex
	tunnels  map[string]*Tunnel

	establish establishFunc
}

func NewManager(cfg Config) *Manager {
	if cfg.PortRangeFrom <= 0 {
		cfg.PortRangeFrom = defaultPortRangeFrom
	}
	if cfg.PortRangeTo < cfg.PortRangeFrom {
		cfg.PortRangeTo = defaultPortRangeTo
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = defaultReadyTimeout
	}

	m := &Manager{
		cfg:     cfg,
		tunnels: make(map[string]*Tunnel),
	}
	m.establish = m.establishForward
	return m
}

// CreateOrReuse returns the existing tunnel for the request's (connection,
// namespace, service, remote port) tuple when one is registered and not in
// error, and establishes a new one otherwise. Requests under
// EphemeralConnectionID always get a private tunnel.
func (m *Manager) CreateOrReuse(ctx context.Context, req CreateRequest) (Info, error) {
	m.createMu.Lock()
	defer m.createMu.Unlock()

	if req.ConnectionID != EphemeralConnectionID {
		if existing := m.findByTuple(req); existing != nil {
			m.mu.RLock()
			status := existing.Status
			info := existing.snapshot()
			m.mu.RUnlock()

			if status != StatusError {
				return info, nil
			}
			// A tunnel stuck in error is torn down and replaced.
			log.Printf("[tunnel] replacing errored tunnel %s for %s/%s:%d",
				existing.ID, req.Namespace, req.Service, req.RemotePort)
			if err := m.Stop(existing.ID); err != nil && !errors.Is(err, ErrNotFound) {
				return Info{}, err
			}
		}
	}

	localPort, err := m.allocatePort()
	if err != nil {
		return Info{}, err
	}

	now := time.Now()
	t := &Tunnel{
		ID:           uuid.NewString(),
		ConnectionID: req.ConnectionID,
		Namespace:    req.Namespace,
		Service:      req.Service,
		RemotePort:   req.RemotePort,
		LocalPort:    localPort,
		CreatedAt:    now,
		LastUsed:     now,
		kubeconfig:   req.Kubeconfig,
		kubeContext:  req.Context,
		stopChan:     make(chan struct{}),
		readyChan:    make(chan struct{}),
		out:          new(bytes.Buffer),
	}

	// Establishment blocks on the network and must not hold mu. The port
	// cannot be claimed twice meanwhile because createMu is still held.
	if err := m.establish(ctx, t); err != nil {
		t.close()
		return Info{}, err
	}

	m.mu.Lock()
	t.Status = StatusActive
	m.tunnels[t.ID] = t
	info := t.snapshot()
	m.mu.Unlock()

	log.Printf("[tunnel] created %s: 127.0.0.1:%d -> %s/%s:%d (connection %d)",
		t.ID, t.LocalPort, t.Namespace, t.Service, t.RemotePort, t.ConnectionID)
	return info, nil
}

// findByTuple must not be called with mu held.
func (m *Manager) findByTuple(req CreateRequest) *Tunnel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.tunnels {
		if t.ConnectionID == req.ConnectionID &&
			t.Namespace == req.Namespace &&
			t.Service == req.Service &&
			t.RemotePort == req.RemotePort {
			return t
		}
	}
	return nil
}

// allocatePort scans the configured range for a port that is neither
// claimed by a registered tunnel nor bound by the OS. The two checks are
// independent: a port can be OS-free yet claimed, or unclaimed yet in use
// by some other process.
func (m *Manager) allocatePort() (int, error) {
	m.mu.RLock()
	claimed := make(map[int]struct{}, len(m.tunnels))
	for _, t := range m.tunnels {
		claimed[t.LocalPort] = struct{}{}
	}
	m.mu.RUnlock()

	for port := m.cfg.PortRangeFrom; port <= m.cfg.PortRangeTo; port++ {
		if _, taken := claimed[port]; taken {
			continue
		}
		if !isPortBindable(port) {
			continue
		}
		return port, nil
	}
	return 0, fmt.Errorf("%w (%d-%d)", ErrPortExhausted, m.cfg.PortRangeFrom, m.cfg.PortRangeTo)
}

func isPortBindable(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	l.Close()
	return true
}

// Get returns a snapshot of the tunnel with the given id.
func (m *Manager) Get(id string) (Info, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tunnels[id]
	if !ok {
		return Info{}, ErrNotFound
	}
	return t.snapshot(), nil
}

// GetByConnectionID returns the tunnel bound to a connection record.
// Ephemeral tunnels are never matched.
func (m *Manager) GetByConnectionID(connectionID uint) (Info, error) {
	if connectionID == EphemeralConnectionID {
		return Info{}, ErrNotFound
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.tunnels {
		if t.ConnectionID == connectionID {
			return t.snapshot(), nil
		}
	}
	return Info{}, ErrNotFound
}

// Stop tears the tunnel down and deregisters it. Removal from the registry
// is the single point where the local port returns to the free pool.
func (m *Manager) Stop(id string) error {
	m.mu.Lock()
	t, ok := m.tunnels[id]
	if ok {
		delete(m.tunnels, id)
	}
	m.mu.Unlock()

	if !ok {
		return ErrNotFound
	}
	t.close()
	log.Printf("[tunnel] stopped %s (127.0.0.1:%d -> %s/%s:%d)",
		t.ID, t.LocalPort, t.Namespace, t.Service, t.RemotePort)
	return nil
}

// Reconnect stops the tunnel and establishes a fresh one with the same
// target and credentials. The tunnel id changes.
func (m *Manager) Reconnect(ctx context.Context, id string) (Info, error) {
	m.mu.RLock()
	t, ok := m.tunnels[id]
	var req CreateRequest
	if ok {
		req = CreateRequest{
			ConnectionID: t.ConnectionID,
			Namespace:    t.Namespace,
			Service:      t.Service,
			RemotePort:   t.RemotePort,
			Kubeconfig:   t.kubeconfig,
			Context:      t.kubeContext,
		}
	}
	m.mu.RUnlock()

	if !ok {
		return Info{}, ErrNotFound
	}
	if err := m.Stop(id); err != nil && !errors.Is(err, ErrNotFound) {
		return Info{}, err
	}
	return m.CreateOrReuse(ctx, req)
}

// Touch refreshes the tunnel's last-used time. Status and port are
// untouched; the health sweep is the only component that flips status.
func (m *Manager) Touch(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tunnels[id]
	if !ok {
		return ErrNotFound
	}
	t.LastUsed = time.Now()
	return nil
}

// List returns a snapshot of every registered tunnel, ordered by creation
// time for stable reporting.
func (m *Manager) List() []Info {
	m.mu.RLock()
	result := make([]Info, 0, len(m.tunnels))
	for _, t := range m.tunnels {
		result = append(result, t.snapshot())
	}
	m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

// StopAll tears down every tunnel. Used during shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	all := m.tunnels
	m.tunnels = make(map[string]*Tunnel)
	m.mu.Unlock()

	for _, t := range all {
		t.close()
	}
	if len(all) > 0 {
		log.Printf("[tunnel] stopped all %d tunnel(s)", len(all))
	}
}

// applyHealthResult records the outcome of one health probe and returns the
// updated snapshot plus whether the status changed. All health transitions
// funnel through here so concurrent sweeps cannot lose updates.
func (m *Manager) applyHealthResult(id string, probeErr error, idleMarkAfter time.Duration) (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tunnels[id]
	if !ok {
		// Stopped or evicted between snapshot and probe.
		return Info{}, false
	}

	prev := t.Status
	if probeErr != nil {
		t.Status = StatusError
		t.LastError = fmt.Sprintf("health check failed: %v", probeErr)
	} else {
		t.LastError = ""
		if idleMarkAfter > 0 && time.Since(t.LastUsed) > idleMarkAfter {
			t.Status = StatusIdle
		} else {
			t.Status = StatusActive
		}
	}
	return t.snapshot(), t.Status != prev
}

// evictIdle removes every tunnel unused past idleTimeout and returns their
// final snapshots with status set to StatusRemoved.
func (m *Manager) evictIdle(idleTimeout time.Duration) []Info {
	now := time.Now()

	m.mu.Lock()
	var victims []*Tunnel
	for id, t := range m.tunnels {
		if now.Sub(t.LastUsed) > idleTimeout {
			victims = append(victims, t)
			delete(m.tunnels, id)
		}
	}
	infos := make([]Info, len(victims))
	for i, t := range victims {
		info := t.snapshot()
		info.Status = StatusRemoved
		infos[i] = info
	}
	m.mu.Unlock()

	for _, t := range victims {
		t.close()
	}
	return infos
}
