package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/dbharbor/dbharbor/internal/binding"
	"github.com/dbharbor/dbharbor/internal/database"
	"github.com/dbharbor/dbharbor/internal/tunnel"
	"github.com/go-chi/chi/v5"
)

// ForwardManager is the slice of the tunnel manager the HTTP layer uses.
type ForwardManager interface {
	CreateOrReuse(ctx context.Context, req tunnel.CreateRequest) (tunnel.Info, error)
	Get(id string) (tunnel.Info, error)
	GetByConnectionID(connectionID uint) (tunnel.Info, error)
	Stop(id string) error
	Reconnect(ctx context.Context, id string) (tunnel.Info, error)
	Touch(id string) error
	List() []tunnel.Info
}

// TunnelMgr is wired from main before the router starts.
var TunnelMgr ForwardManager

type createForwardRequest struct {
	ConnectionID uint `json:"connection_id"`

	// Optional target overrides. Applied on top of the stored record for
	// this request only, never persisted back.
	Namespace   string `json:"namespace"`
	ServiceName string `json:"service_name"`
	RemotePort  int    `json:"remote_port"`
}

// CreateForward establishes (or reuses) a tunnel for a stored connection and
// returns its descriptor.
func CreateForward(w http.ResponseWriter, r *http.Request) {
	var req createForwardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.ConnectionID == 0 {
		writeError(w, http.StatusBadRequest, "connection_id is required")
		return
	}

	conn, err := database.GetConnection(req.ConnectionID)
	if err != nil {
		writeError(w, http.StatusNotFound, "Connection not found")
		return
	}
	if req.Namespace != "" {
		conn.Namespace = req.Namespace
	}
	if req.ServiceName != "" {
		conn.ServiceName = req.ServiceName
	}
	if req.RemotePort != 0 {
		conn.RemotePort = req.RemotePort
	}
	if !conn.UsesTunnel() {
		writeError(w, http.StatusBadRequest, "Connection has no forwarding target (namespace, service_name, remote_port)")
		return
	}

	if err := Binding.Ensure(r.Context(), conn); err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, tunnel.ErrPortExhausted) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, "Failed to establish forward: "+err.Error())
		return
	}

	info, err := TunnelMgr.Get(conn.TunnelID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Forward vanished after creation")
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func ListForwards(w http.ResponseWriter, r *http.Request) {
	forwards := TunnelMgr.List()
	writeJSON(w, http.StatusOK, map[string]interface{}{"forwards": forwards, "count": len(forwards)})
}

func GetForward(w http.ResponseWriter, r *http.Request) {
	info, err := TunnelMgr.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "Forward not found")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// GetConnectionForward returns the live forward bound to a connection, if any.
func GetConnectionForward(w http.ResponseWriter, r *http.Request) {
	conn, ok := connectionFromPath(w, r)
	if !ok {
		return
	}
	info, err := TunnelMgr.GetByConnectionID(conn.ID)
	if err != nil {
		writeError(w, http.StatusNotFound, "No forward for this connection")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func StopForward(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := TunnelMgr.Stop(id); err != nil {
		writeError(w, http.StatusNotFound, "Forward not found")
		return
	}
	if err := database.ClearForwardingByTunnelID(id); err != nil {
		log.Printf("[forwards] clear forwarding fields for %s: %v", id, err)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped", "id": id})
}

// ReconnectForward tears the forward down and re-establishes it against the
// same target. The forward id changes; records referencing the old id are
// repointed.
func ReconnectForward(w http.ResponseWriter, r *http.Request) {
	oldID := chi.URLParam(r, "id")
	info, err := TunnelMgr.Reconnect(r.Context(), oldID)
	if err != nil {
		if errors.Is(err, tunnel.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Forward not found")
			return
		}
		writeError(w, http.StatusBadGateway, "Failed to reconnect: "+err.Error())
		return
	}

	if err := database.ClearForwardingByTunnelID(oldID); err != nil {
		log.Printf("[forwards] clear forwarding fields for %s: %v", oldID, err)
	}
	if info.ConnectionID != tunnel.EphemeralConnectionID {
		if err := database.UpdateConnectionForwarding(info.ConnectionID, info.ID, info.LocalPort, info.Status); err != nil {
			log.Printf("[forwards] persist reconnected forward %s: %v", info.ID, err)
		}
	}
	writeJSON(w, http.StatusOK, info)
}

// TouchForward refreshes a forward's last-used time so the idle sweeps leave
// it alone.
func TouchForward(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := TunnelMgr.Touch(id); err != nil {
		writeError(w, http.StatusNotFound, "Forward not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "touched", "id": id})
}

type testForwardRequest struct {
	Namespace   string `json:"namespace"`
	ServiceName string `json:"service_name"`
	RemotePort  int    `json:"remote_port"`

	ClusterID  *uint  `json:"cluster_id"`
	Kubeconfig string `json:"kubeconfig"`
	Context    string `json:"context"`

	Type     string `json:"type"`
	Username string `json:"username"`
	Password string `json:"password"`
	DBName   string `json:"db_name"`
}

// TestForward probes a forwarding target through a throwaway tunnel without
// saving anything. The tunnel is gone by the time the response is written.
func TestForward(w http.ResponseWriter, r *http.Request) {
	var req testForwardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Namespace == "" || req.ServiceName == "" || req.RemotePort <= 0 {
		writeError(w, http.StatusBadRequest, "namespace, service_name and remote_port are required")
		return
	}
	if req.Type == "" {
		req.Type = "mysql"
	}
	if !validDBType(req.Type) {
		writeError(w, http.StatusBadRequest, "type must be one of mysql, postgres, redis")
		return
	}

	ok, message := Binding.TestService(r.Context(), binding.TestRequest{
		Namespace:  req.Namespace,
		Service:    req.ServiceName,
		RemotePort: req.RemotePort,
		ClusterID:  req.ClusterID,
		Kubeconfig: []byte(req.Kubeconfig),
		Context:    req.Context,
		DBType:     req.Type,
		Username:   req.Username,
		Password:   req.Password,
		DBName:     req.DBName,
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": ok, "message": message})
}

// watchInterval is how often the watch socket pushes a registry snapshot.
// Package-level var so tests can tighten it.
var watchInterval = 2 * time.Second

// WatchForwards streams registry snapshots over a websocket until the client
// disconnects.
func WatchForwards(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[forwards] websocket accept: %v", err)
		return
	}
	defer c.Close(websocket.StatusNormalClosure, "")

	ctx := r.Context()
	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()

	for {
		forwards := TunnelMgr.List()
		payload, err := json.Marshal(map[string]interface{}{
			"forwards": forwards,
			"count":    len(forwards),
			"ts":       time.Now().UTC(),
		})
		if err != nil {
			log.Printf("[forwards] marshal watch payload: %v", err)
			return
		}
		if err := c.Write(ctx, websocket.MessageText, payload); err != nil {
			return
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}
