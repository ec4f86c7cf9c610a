package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/dbharbor/dbharbor/internal/crypto"
	"github.com/dbharbor/dbharbor/internal/database"
	"github.com/dbharbor/dbharbor/internal/kube"
	"github.com/dbharbor/dbharbor/internal/logutil"
	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"
)

type clusterRequest struct {
	Name       string `json:"name"`
	Kubeconfig string `json:"kubeconfig"`
	Context    string `json:"context"`
}

type clusterResponse struct {
	ID            uint   `json:"id"`
	Name          string `json:"name"`
	Context       string `json:"context"`
	HasKubeconfig bool   `json:"has_kubeconfig"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
}

func clusterToResponse(c *database.Cluster) clusterResponse {
	return clusterResponse{
		ID:            c.ID,
		Name:          c.Name,
		Context:       c.Context,
		HasKubeconfig: c.Kubeconfig != "",
		CreatedAt:     c.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		UpdatedAt:     c.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"),
	}
}

func ListClusters(w http.ResponseWriter, r *http.Request) {
	clusters, err := database.ListClusters()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list clusters: "+err.Error())
		return
	}
	out := make([]clusterResponse, len(clusters))
	for i := range clusters {
		out[i] = clusterToResponse(&clusters[i])
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"clusters": out, "count": len(out)})
}

func GetCluster(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid cluster id")
		return
	}
	cluster, err := database.GetCluster(uint(id))
	if err != nil {
		writeError(w, http.StatusNotFound, "Cluster not found")
		return
	}
	writeJSON(w, http.StatusOK, clusterToResponse(cluster))
}

func CreateCluster(w http.ResponseWriter, r *http.Request) {
	var req clusterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if _, err := database.GetClusterByName(req.Name); err == nil {
		writeError(w, http.StatusConflict, "Cluster with this name already exists")
		return
	}

	cluster := database.Cluster{Name: req.Name, Context: req.Context}
	if req.Kubeconfig != "" {
		if _, err := kube.ListContexts([]byte(req.Kubeconfig)); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid kubeconfig: "+err.Error())
			return
		}
		enc, err := crypto.Encrypt(req.Kubeconfig)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to encrypt kubeconfig: "+err.Error())
			return
		}
		cluster.Kubeconfig = enc
	}

	if err := database.DB.Create(&cluster).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create cluster: "+err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, clusterToResponse(&cluster))
}

func UpdateCluster(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid cluster id")
		return
	}
	cluster, err := database.GetCluster(uint(id))
	if err != nil {
		writeError(w, http.StatusNotFound, "Cluster not found")
		return
	}

	var req clusterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Name != "" && req.Name != cluster.Name {
		if _, err := database.GetClusterByName(req.Name); err == nil {
			writeError(w, http.StatusConflict, "Cluster with this name already exists")
			return
		}
		cluster.Name = req.Name
	}
	if req.Context != "" {
		cluster.Context = req.Context
	}
	if req.Kubeconfig != "" {
		if _, err := kube.ListContexts([]byte(req.Kubeconfig)); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid kubeconfig: "+err.Error())
			return
		}
		enc, err := crypto.Encrypt(req.Kubeconfig)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to encrypt kubeconfig: "+err.Error())
			return
		}
		cluster.Kubeconfig = enc
	}

	if err := database.DB.Save(cluster).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to update cluster: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, clusterToResponse(cluster))
}

func DeleteCluster(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid cluster id")
		return
	}
	cluster, err := database.GetCluster(uint(id))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			writeError(w, http.StatusNotFound, "Cluster not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to load cluster: "+err.Error())
		return
	}

	var inUse int64
	database.DB.Model(&database.Connection{}).Where("cluster_id = ?", cluster.ID).Count(&inUse)
	if inUse > 0 {
		writeError(w, http.StatusConflict, "Cluster is referenced by existing connections")
		return
	}

	if err := database.DB.Delete(cluster).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to delete cluster: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "name": logutil.SanitizeForLog(cluster.Name)})
}

// ListKubeconfigContexts parses a kubeconfig blob from the request body and
// returns its context names, so the UI can offer a picker before saving.
func ListKubeconfigContexts(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kubeconfig string `json:"kubeconfig"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Kubeconfig == "" {
		writeError(w, http.StatusBadRequest, "kubeconfig is required")
		return
	}
	contexts, err := kube.ListContexts([]byte(req.Kubeconfig))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"contexts": contexts})
}
