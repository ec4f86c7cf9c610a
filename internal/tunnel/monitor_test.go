package tunnel

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"
)

// listenerEstablish is fakeEstablish with a handle on each listener so tests
// can kill the local endpoint without stopping the tunnel.
type listenerEstablish struct {
	mu        sync.Mutex
	listeners map[string]net.Listener
}

func newListenerEstablish() *listenerEstablish {
	return &listenerEstablish{listeners: make(map[string]net.Listener)}
}

func (le *listenerEstablish) establish(ctx context.Context, t *Tunnel) error {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", t.LocalPort))
	if err != nil {
		return err
	}
	le.mu.Lock()
	le.listeners[t.ID] = l
	le.mu.Unlock()

	go func() {
		<-t.stopChan
		l.Close()
	}()
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	return nil
}

func (le *listenerEstablish) kill(id string) {
	le.mu.Lock()
	defer le.mu.Unlock()
	if l, ok := le.listeners[id]; ok {
		l.Close()
		delete(le.listeners, id)
	}
}

// relisten rebinds the port as if the relay came back.
func (le *listenerEstablish) relisten(t *testing.T, id string, port int) {
	t.Helper()
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("relisten on %d: %v", port, err)
	}
	t.Cleanup(func() { l.Close() })
	le.mu.Lock()
	le.listeners[id] = l
	le.mu.Unlock()
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
}

func collectChanges() (*[]Info, ChangeFunc) {
	var mu sync.Mutex
	var changes []Info
	return &changes, func(info Info) {
		mu.Lock()
		changes = append(changes, info)
		mu.Unlock()
	}
}

func TestHealthSweepErrorAndRecovery(t *testing.T) {
	le := newListenerEstablish()
	m := NewManager(Config{PortRangeFrom: 41210, PortRangeTo: 41220})
	m.establish = le.establish
	t.Cleanup(m.StopAll)

	changes, onChange := collectChanges()
	mo := NewMonitor(m, MonitorConfig{OnChange: onChange})

	info, err := m.CreateOrReuse(context.Background(), testRequest(1))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Healthy sweep keeps the tunnel active and reports nothing.
	mo.HealthSweep()
	if got, _ := m.Get(info.ID); got.Status != StatusActive {
		t.Fatalf("expected active after healthy sweep, got %s", got.Status)
	}
	if len(*changes) != 0 {
		t.Fatalf("healthy sweep must not notify, got %d changes", len(*changes))
	}

	// Kill the local endpoint; the next sweep flips to error.
	le.kill(info.ID)
	waitForPortFree(t, info.LocalPort)
	mo.HealthSweep()
	got, err := m.Get(info.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusError {
		t.Fatalf("expected error status, got %s", got.Status)
	}
	if got.LastError == "" {
		t.Error("expected LastError to be set")
	}
	if len(*changes) != 1 || (*changes)[0].Status != StatusError {
		t.Fatalf("expected one error notification, got %+v", *changes)
	}

	// A second failing sweep is not a transition and stays quiet.
	mo.HealthSweep()
	if len(*changes) != 1 {
		t.Fatalf("repeated failure must not re-notify, got %d changes", len(*changes))
	}

	// Endpoint comes back; the tunnel recovers and the error clears.
	le.relisten(t, info.ID, info.LocalPort)
	mo.HealthSweep()
	got, _ = m.Get(info.ID)
	if got.Status != StatusActive {
		t.Fatalf("expected recovery to active, got %s", got.Status)
	}
	if got.LastError != "" {
		t.Errorf("expected LastError cleared, got %q", got.LastError)
	}
	if len(*changes) != 2 || (*changes)[1].Status != StatusActive {
		t.Fatalf("expected recovery notification, got %+v", *changes)
	}
}

func TestHealthSweepMarksIdle(t *testing.T) {
	m := newTestManager(t, Config{PortRangeFrom: 41230, PortRangeTo: 41240})
	mo := NewMonitor(m, MonitorConfig{IdleMarkAfter: 50 * time.Millisecond})

	info, err := m.CreateOrReuse(context.Background(), testRequest(1))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	m.mu.Lock()
	m.tunnels[info.ID].LastUsed = time.Now().Add(-time.Second)
	m.mu.Unlock()

	mo.HealthSweep()
	got, _ := m.Get(info.ID)
	if got.Status != StatusIdle {
		t.Fatalf("expected idle, got %s", got.Status)
	}

	// An idle tunnel is still routable and comes back on use.
	if err := m.Touch(info.ID); err != nil {
		t.Fatalf("touch: %v", err)
	}
	mo.HealthSweep()
	got, _ = m.Get(info.ID)
	if got.Status != StatusActive {
		t.Fatalf("expected active after touch, got %s", got.Status)
	}
}

func TestIdleSweepEvicts(t *testing.T) {
	m := newTestManager(t, Config{PortRangeFrom: 41250, PortRangeTo: 41260})

	changes, onChange := collectChanges()
	mo := NewMonitor(m, MonitorConfig{
		IdleTimeout: 100 * time.Millisecond,
		OnChange:    onChange,
	})

	stale, err := m.CreateOrReuse(context.Background(), testRequest(1))
	if err != nil {
		t.Fatalf("create stale: %v", err)
	}
	fresh, err := m.CreateOrReuse(context.Background(), testRequest(2))
	if err != nil {
		t.Fatalf("create fresh: %v", err)
	}

	m.mu.Lock()
	m.tunnels[stale.ID].LastUsed = time.Now().Add(-time.Minute)
	m.mu.Unlock()

	mo.IdleSweep()

	if _, err := m.Get(stale.ID); err == nil {
		t.Error("stale tunnel survived the idle sweep")
	}
	if _, err := m.Get(fresh.ID); err != nil {
		t.Error("fresh tunnel was evicted")
	}
	if len(*changes) != 1 {
		t.Fatalf("expected one eviction notification, got %d", len(*changes))
	}
	if (*changes)[0].ID != stale.ID || (*changes)[0].Status != StatusRemoved {
		t.Fatalf("unexpected eviction notification: %+v", (*changes)[0])
	}

	// Eviction frees the port for future tunnels.
	waitForPortFree(t, stale.LocalPort)
}

func TestMonitorStartStop(t *testing.T) {
	le := newListenerEstablish()
	m := NewManager(Config{PortRangeFrom: 41270, PortRangeTo: 41280})
	m.establish = le.establish
	t.Cleanup(m.StopAll)

	mo := NewMonitor(m, MonitorConfig{HealthInterval: 10 * time.Millisecond})
	mo.Start(context.Background())
	defer mo.Stop()

	info, err := m.CreateOrReuse(context.Background(), testRequest(1))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	le.kill(info.ID)
	waitForPortFree(t, info.LocalPort)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got, _ := m.Get(info.ID); got.Status == StatusError {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("background sweep never flagged the dead tunnel")
}
