package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/dbharbor/dbharbor/internal/binding"
	"github.com/dbharbor/dbharbor/internal/crypto"
	"github.com/dbharbor/dbharbor/internal/database"
	"github.com/dbharbor/dbharbor/internal/dbprobe"
	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"
)

// Binding resolves connection records to live tunnel endpoints. Wired from
// main before the router starts.
var Binding *binding.Resolver

type connectionRequest struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DBName   string `json:"db_name"`

	ClusterID   *uint  `json:"cluster_id"`
	Namespace   string `json:"namespace"`
	ServiceName string `json:"service_name"`
	RemotePort  int    `json:"remote_port"`
}

type connectionResponse struct {
	database.Connection
	PasswordMasked string `json:"password_masked"`
}

func connectionToResponse(c *database.Connection) connectionResponse {
	plain, err := crypto.Decrypt(c.Password)
	if err != nil {
		plain = ""
	}
	return connectionResponse{Connection: *c, PasswordMasked: crypto.Mask(plain)}
}

func validDBType(t string) bool {
	switch t {
	case "mysql", "postgres", "redis":
		return true
	}
	return false
}

func ListConnections(w http.ResponseWriter, r *http.Request) {
	conns, err := database.ListConnections()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list connections: "+err.Error())
		return
	}
	out := make([]connectionResponse, len(conns))
	for i := range conns {
		out[i] = connectionToResponse(&conns[i])
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"connections": out, "count": len(out)})
}

func GetConnection(w http.ResponseWriter, r *http.Request) {
	conn, ok := connectionFromPath(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, connectionToResponse(conn))
}

func CreateConnection(w http.ResponseWriter, r *http.Request) {
	var req connectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.Type == "" {
		req.Type = "mysql"
	}
	if !validDBType(req.Type) {
		writeError(w, http.StatusBadRequest, "type must be one of mysql, postgres, redis")
		return
	}
	if req.ClusterID != nil {
		if _, err := database.GetCluster(*req.ClusterID); err != nil {
			writeError(w, http.StatusBadRequest, "Referenced cluster does not exist")
			return
		}
	}

	conn := database.Connection{
		Name:        req.Name,
		Type:        req.Type,
		Host:        req.Host,
		Port:        req.Port,
		Username:    req.Username,
		DBName:      req.DBName,
		ClusterID:   req.ClusterID,
		Namespace:   req.Namespace,
		ServiceName: req.ServiceName,
		RemotePort:  req.RemotePort,
	}
	if req.Password != "" {
		enc, err := crypto.Encrypt(req.Password)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to encrypt password: "+err.Error())
			return
		}
		conn.Password = enc
	}

	if err := database.DB.Create(&conn).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create connection: "+err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, connectionToResponse(&conn))
}

func UpdateConnection(w http.ResponseWriter, r *http.Request) {
	conn, ok := connectionFromPath(w, r)
	if !ok {
		return
	}

	var req connectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Name != "" {
		conn.Name = req.Name
	}
	if req.Type != "" {
		if !validDBType(req.Type) {
			writeError(w, http.StatusBadRequest, "type must be one of mysql, postgres, redis")
			return
		}
		conn.Type = req.Type
	}
	if req.Host != "" {
		conn.Host = req.Host
	}
	if req.Port != 0 {
		conn.Port = req.Port
	}
	if req.Username != "" {
		conn.Username = req.Username
	}
	if req.Password != "" {
		enc, err := crypto.Encrypt(req.Password)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to encrypt password: "+err.Error())
			return
		}
		conn.Password = enc
	}
	if req.DBName != "" {
		conn.DBName = req.DBName
	}
	if req.ClusterID != nil {
		if _, err := database.GetCluster(*req.ClusterID); err != nil {
			writeError(w, http.StatusBadRequest, "Referenced cluster does not exist")
			return
		}
		conn.ClusterID = req.ClusterID
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

	if err := database.DB.Save(conn).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to update connection: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, connectionToResponse(conn))
}

func DeleteConnection(w http.ResponseWriter, r *http.Request) {
	conn, ok := connectionFromPath(w, r)
	if !ok {
		return
	}

	// Tear down the connection's tunnel so the local port frees up now
	// rather than waiting for idle eviction.
	if conn.TunnelID != "" && TunnelMgr != nil {
		_ = TunnelMgr.Stop(conn.TunnelID)
	}

	if err := database.DB.Delete(conn).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to delete connection: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// PingConnection resolves the connection's effective endpoint (establishing
// or reusing a tunnel when the record is cluster-backed) and probes the
// database once with the stored credentials.
func PingConnection(w http.ResponseWriter, r *http.Request) {
	conn, ok := connectionFromPath(w, r)
	if !ok {
		return
	}

	if err := Binding.Ensure(r.Context(), conn); err != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": false, "message": err.Error()})
		return
	}

	password, err := crypto.Decrypt(conn.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to decrypt password: "+err.Error())
		return
	}

	err = Binding.Probe(r.Context(), dbprobe.Target{
		Type:     conn.Type,
		Host:     conn.Host,
		Port:     conn.Port,
		Username: conn.Username,
		Password: password,
		DBName:   conn.DBName,
	})
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": false, "message": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "message": "connection successful"})
}

func connectionFromPath(w http.ResponseWriter, r *http.Request) (*database.Connection, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid connection id")
		return nil, false
	}
	conn, err := database.GetConnection(uint(id))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			writeError(w, http.StatusNotFound, "Connection not found")
		} else {
			writeError(w, http.StatusInternalServerError, "Failed to load connection: "+err.Error())
		}
		return nil, false
	}
	return conn, true
}
