package tunnel

import (
	"context"
	"fmt"
	"log"
	"net"
	"time"
)

// healthProbeTimeout bounds each health-sweep dial. Package-level var so
// tests can override.
var healthProbeTimeout = 5 * time.Second

// ChangeFunc receives tunnel snapshots whose status changed, including
// evictions (Status == StatusRemoved). Invoked outside the registry lock.
type ChangeFunc func(Info)

// MonitorConfig carries the sweep thresholds. The idle-mark threshold only
// affects reporting; eviction compares last-used time against the coarser
// IdleTimeout directly. The two tiers are deliberately independent.
type MonitorConfig struct {
	HealthInterval time.Duration
	IdleMarkAfter  time.Duration
	IdleTimeout    time.Duration
	OnChange       ChangeFunc
}

// Monitor runs the two periodic sweeps over a Manager's registry: a
// liveness health check and an idle eviction pass. The health sweep runs on
// its own ticker via Start; the idle sweep is driven externally (main wires
// it to a cron schedule) through IdleSweep.
type Monitor struct {
	mgr *Manager
	cfg MonitorConfig

	cancel context.CancelFunc
}

func NewMonitor(mgr *Manager, cfg MonitorConfig) *Monitor {
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 30 * time.Second
	}
	if cfg.IdleMarkAfter <= 0 {
		cfg.IdleMarkAfter = 2 * time.Minute
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 10 * time.Minute
	}
	return &Monitor{mgr: mgr, cfg: cfg}
}

// Start launches the health sweep loop. It runs off the request path and
// never blocks callers of the manager.
func (mo *Monitor) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	mo.cancel = cancel

	go func() {
		ticker := time.NewTicker(mo.cfg.HealthInterval)
		defer ticker.Stop()

		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				mo.HealthSweep()
			}
		}
	}()

	log.Printf("[monitor] health sweep started (interval: %s)", mo.cfg.HealthInterval)
}

// Stop cancels the health sweep loop.
func (mo *Monitor) Stop() {
	if mo.cancel != nil {
		mo.cancel()
		mo.cancel = nil
	}
}

// HealthSweep probes every registered tunnel's local port once. A failed
// probe flips the tunnel to error (logged only on the transition); a
// successful probe on an errored tunnel flips it back to active and clears
// the message. Healthy tunnels unused past the idle-mark threshold report
// idle without losing routability. Tunnels mid-creation are not registered
// yet and are therefore never probed.
func (mo *Monitor) HealthSweep() {
	for _, t := range mo.mgr.List() {
		addr := fmt.Sprintf("127.0.0.1:%d", t.LocalPort)
		conn, probeErr := net.DialTimeout("tcp", addr, healthProbeTimeout)
		if probeErr == nil {
			conn.Close()
		}

		info, changed := mo.mgr.applyHealthResult(t.ID, probeErr, mo.cfg.IdleMarkAfter)
		if !changed {
			continue
		}
		if info.Status == StatusError {
			log.Printf("[monitor] tunnel %s (%s/%s:%d) unhealthy: %v",
				info.ID, info.Namespace, info.Service, info.RemotePort, probeErr)
		} else if t.Status == StatusError {
			log.Printf("[monitor] tunnel %s (%s/%s:%d) recovered",
				info.ID, info.Namespace, info.Service, info.RemotePort)
		}
		if mo.cfg.OnChange != nil {
			mo.cfg.OnChange(info)
		}
	}
}

// IdleSweep evicts every tunnel unused past the idle timeout and reports
// the count. Evictions are a background decision and never surface as an
// error to unrelated requests.
func (mo *Monitor) IdleSweep() {
	evicted := mo.mgr.evictIdle(mo.cfg.IdleTimeout)
	if len(evicted) == 0 {
		return
	}

	log.Printf("[monitor] idle sweep evicted %d tunnel(s) (idle > %s)", len(evicted), mo.cfg.IdleTimeout)
	if mo.cfg.OnChange != nil {
		for _, info := range evicted {
			mo.cfg.OnChange(info)
		}
	}
}
