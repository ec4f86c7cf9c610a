// Package tunnel maintains TCP tunnels from the local process into
// Kubernetes pods, relayed over the API server's SPDY port-forward stream.
// A Manager owns the registry of live tunnels and the local port range; a
// Monitor runs the background health and idle sweeps against that registry.
package tunnel

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/dbharbor/dbharbor/internal/kube"
	"k8s.io/client-go/tools/portforward"
	"k8s.io/client-go/transport/spdy"
)

const (
	StatusActive = "active"
	StatusError  = "error"
	StatusIdle   = "idle"

	// StatusRemoved appears only in change notifications, never in the
	// registry: it marks a tunnel that has been evicted or stopped.
	StatusRemoved = "removed"
)

// EphemeralConnectionID is the reserved connection id for non-persisted
// probe tunnels. Requests under this id bypass reuse and are never returned
// by connection-id lookups.
const EphemeralConnectionID uint = 0

// verifyDialTimeout bounds the end-to-end confirmation dial performed before
// a tunnel is published. Package-level var so tests can override.
var verifyDialTimeout = 5 * time.Second

// CreateRequest identifies the target of a tunnel plus the credentials
// needed to reach its cluster.
type CreateRequest struct {
	ConnectionID uint
	Namespace    string
	Service      string
	RemotePort   int
	Kubeconfig   []byte
	Context      string
}

// Info is an immutable snapshot of one tunnel for callers outside the
// manager's lock.
type Info struct {
	ID           string    `json:"id"`
	ConnectionID uint      `json:"connection_id"`
	Namespace    string    `json:"namespace"`
	Service      string    `json:"service"`
	RemotePort   int       `json:"remote_port"`
	LocalHost    string    `json:"local_host"`
	LocalPort    int       `json:"local_port"`
	Status       string    `json:"status"`
	LastError    string    `json:"last_error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastUsed     time.Time `json:"last_used"`
}

// Tunnel is one live local-port-to-pod relay. Mutable fields (Status,
// LastError, LastUsed) are guarded by the owning Manager's lock.
type Tunnel struct {
	ID           string
	ConnectionID uint
	Namespace    string
	Service      string
	RemotePort   int
	LocalPort    int

	Status    string
	LastError string
	CreatedAt time.Time
	LastUsed  time.Time

	// Credential context retained for reconnection.
	kubeconfig  []byte
	kubeContext string

	stopChan  chan struct{}
	readyChan chan struct{}
	out       *bytes.Buffer
	stopOnce  sync.Once
}

// close signals the relay goroutine to unwind. Safe to call more than once.
func (t *Tunnel) close() {
	t.stopOnce.Do(func() { close(t.stopChan) })
}

// snapshot must be called with the manager's lock held.
func (t *Tunnel) snapshot() Info {
	return Info{
		ID:           t.ID,
		ConnectionID: t.ConnectionID,
		Namespace:    t.Namespace,
		Service:      t.Service,
		RemotePort:   t.RemotePort,
		LocalHost:    "127.0.0.1",
		LocalPort:    t.LocalPort,
		Status:       t.Status,
		LastError:    t.LastError,
		CreatedAt:    t.CreatedAt,
		LastUsed:     t.LastUsed,
	}
}

// establishForward resolves a backing pod, negotiates the SPDY stream
// against the pod's port-forward subresource, starts the relay goroutine and
// waits for readiness. The tunnel is verified with one direct TCP dial
// before the caller publishes it.
func (m *Manager) establishForward(ctx context.Context, t *Tunnel) error {
	cl, err := kube.NewClient(t.kubeconfig, t.kubeContext)
	if err != nil {
		return err
	}

	podName, err := kube.ResolveTargetPod(ctx, cl.Clientset, t.Namespace, t.Service)
	if err != nil {
		return err
	}

	req := cl.Clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Namespace(t.Namespace).
		Name(podName).
		SubResource("portforward")

	transport, upgrader, err := spdy.RoundTripperFor(cl.RestConfig)
	if err != nil {
		return fmt.Errorf("negotiate transport: %w", err)
	}
	dialer := spdy.NewDialer(upgrader, &http.Client{Transport: transport}, http.MethodPost, req.URL())

	pf, err := portforward.NewOnAddresses(
		dialer,
		[]string{"127.0.0.1"},
		[]string{fmt.Sprintf("%d:%d", t.LocalPort, t.RemotePort)},
		t.stopChan,
		t.readyChan,
		io.Discard,
		t.out)
	if err != nil {
		return fmt.Errorf("build forwarder: %w", err)
	}

	// The relay runs until the stop channel is closed and reports setup
	// errors asynchronously.
	errCh := make(chan error, 1)
	go func() { errCh <- pf.ForwardPorts() }()

	select {
	case <-t.readyChan:
	case err := <-errCh:
		if err == nil {
			err = fmt.Errorf("forwarder exited before signalling ready")
		}
		return fmt.Errorf("forward %s/%s via pod %s: %w", t.Namespace, t.Service, podName, err)
	case <-time.After(m.cfg.ReadyTimeout):
		t.close()
		return fmt.Errorf("%w: %s/%s after %s", ErrForwardTimeout, t.Namespace, t.Service, m.cfg.ReadyTimeout)
	case <-ctx.Done():
		t.close()
		return ctx.Err()
	}

	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", t.LocalPort), verifyDialTimeout)
	if err != nil {
		t.close()
		return fmt.Errorf("%w: %v", ErrForwardVerification, err)
	}
	conn.Close()

	return nil
}
