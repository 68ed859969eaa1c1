package handlers

import "net/http"

// Health handles GET /api/health for the desktop client's liveness
// checks.
func Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"service": "practicesync-desktop",
	})
}
