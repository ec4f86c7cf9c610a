package handlers

import (
	"net/http"
	"strconv"

	"github.com/dbharbor/dbharbor/internal/logging"
)

// GetServerLogs returns the last N lines of the server log file.
func GetServerLogs(w http.ResponseWriter, r *http.Request) {
	lines := 200
	if s := r.URL.Query().Get("lines"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > 10000 {
			writeError(w, http.StatusBadRequest, "lines must be between 1 and 10000")
			return
		}
		lines = n
	}

	tail, err := logging.ReadTail(lines)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read logs: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"logs": tail})
}

// ClearServerLogs truncates the server log file.
func ClearServerLogs(w http.ResponseWriter, r *http.Request) {
	if err := logging.Clear(); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to clear logs: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}
