// Package binding is the per-request glue between connection records and
// live tunnels: before a database operation runs, the resolver guarantees
// the record points at a usable local endpoint.
package binding

import (
	"context"
	"fmt"
	"log"

	"github.com/dbharbor/dbharbor/internal/crypto"
	"github.com/dbharbor/dbharbor/internal/database"
	"github.com/dbharbor/dbharbor/internal/dbprobe"
	"github.com/dbharbor/dbharbor/internal/tunnel"
)

// TunnelService is the slice of the tunnel manager the resolver needs.
type TunnelService interface {
	CreateOrReuse(ctx context.Context, req tunnel.CreateRequest) (tunnel.Info, error)
	Get(id string) (tunnel.Info, error)
	Touch(id string) error
	Stop(id string) error
}

// Resolver rewrites cluster-backed connection records to their tunnel
// endpoint, creating tunnels on demand.
type Resolver struct {
	Tunnels TunnelService

	// Probe performs the downstream connectivity check for TestService.
	// Overridable in tests.
	Probe func(ctx context.Context, tgt dbprobe.Target) error
}

func NewResolver(tunnels TunnelService) *Resolver {
	return &Resolver{
		Tunnels: tunnels,
		Probe:   dbprobe.Probe,
	}
}

// Ensure guarantees conn has a live tunnel, touches it, and rewrites the
// record's effective host/port to the tunnel's local endpoint. The new
// forwarding fields are persisted; calling this on every request is safe.
// Records without cluster-forwarding fields pass through untouched.
// Establishment failures propagate; there is no fallback to the remote
// host, which is unreachable from here by definition.
func (r *Resolver) Ensure(ctx context.Context, conn *database.Connection) error {
	if !conn.UsesTunnel() {
		return nil
	}

	info, err := r.liveTunnel(ctx, conn)
	if err != nil {
		return err
	}

	if err := r.Tunnels.Touch(info.ID); err != nil {
		// Raced with a stop; the next Ensure recreates it.
		log.Printf("[binding] touch %s: %v", info.ID, err)
	}

	if err := database.UpdateConnectionForwarding(conn.ID, info.ID, info.LocalPort, info.Status); err != nil {
		return fmt.Errorf("persist forwarding fields for connection %d: %w", conn.ID, err)
	}

	conn.TunnelID = info.ID
	conn.LocalPort = info.LocalPort
	conn.TunnelStatus = info.Status
	conn.Host = info.LocalHost
	conn.Port = info.LocalPort
	return nil
}

// liveTunnel reuses the record's referenced tunnel when it is routable and
// creates one otherwise.
func (r *Resolver) liveTunnel(ctx context.Context, conn *database.Connection) (tunnel.Info, error) {
	if conn.TunnelID != "" {
		info, err := r.Tunnels.Get(conn.TunnelID)
		if err == nil && (info.Status == tunnel.StatusActive || info.Status == tunnel.StatusIdle) {
			return info, nil
		}
	}

	req := tunnel.CreateRequest{
		ConnectionID: conn.ID,
		Namespace:    conn.Namespace,
		Service:      conn.ServiceName,
		RemotePort:   conn.RemotePort,
	}
	if err := r.attachClusterCredentials(&req, conn.ClusterID); err != nil {
		return tunnel.Info{}, err
	}
	return r.Tunnels.CreateOrReuse(ctx, req)
}

func (r *Resolver) attachClusterCredentials(req *tunnel.CreateRequest, clusterID *uint) error {
	if clusterID == nil {
		// Ambient credentials (in-cluster or local kubeconfig) apply.
		return nil
	}
	cluster, err := database.GetCluster(*clusterID)
	if err != nil {
		return fmt.Errorf("load cluster %d: %w", *clusterID, err)
	}
	blob, err := crypto.Decrypt(cluster.Kubeconfig)
	if err != nil {
		return fmt.Errorf("decrypt kubeconfig for cluster %d: %w", *clusterID, err)
	}
	req.Kubeconfig = []byte(blob)
	req.Context = cluster.Context
	return nil
}

// TestRequest describes a one-shot connectivity test: a forwarding target,
// its cluster credentials, and the database credentials to probe with.
type TestRequest struct {
	Namespace  string
	Service    string
	RemotePort int

	ClusterID  *uint
	Kubeconfig []byte
	Context    string

	DBType   string
	Username string
	Password string
	DBName   string
}

// TestService creates an ephemeral tunnel to the target, probes the
// database through it once, and tears the tunnel down unconditionally. No
// tunnel survives this call, whatever the probe outcome.
func (r *Resolver) TestService(ctx context.Context, req TestRequest) (bool, string) {
	creq := tunnel.CreateRequest{
		ConnectionID: tunnel.EphemeralConnectionID,
		Namespace:    req.Namespace,
		Service:      req.Service,
		RemotePort:   req.RemotePort,
		Kubeconfig:   req.Kubeconfig,
		Context:      req.Context,
	}
	if len(creq.Kubeconfig) == 0 && req.ClusterID != nil {
		if err := r.attachClusterCredentials(&creq, req.ClusterID); err != nil {
			return false, err.Error()
		}
	}

	info, err := r.Tunnels.CreateOrReuse(ctx, creq)
	if err != nil {
		return false, err.Error()
	}
	defer func() {
		if err := r.Tunnels.Stop(info.ID); err != nil {
			log.Printf("[binding] stop ephemeral tunnel %s: %v", info.ID, err)
		}
	}()

	err = r.Probe(ctx, dbprobe.Target{
		Type:     req.DBType,
		Host:     info.LocalHost,
		Port:     info.LocalPort,
		Username: req.Username,
		Password: req.Password,
		DBName:   req.DBName,
	})
	if err != nil {
		return false, err.Error()
	}
	return true, "connection successful"
}
