package handlers

import (
	"net/http"

	"pagesnap/internal/httpkit"
)

// Root describes the service and its endpoints.
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	httpkit.WriteJSON(w, http.StatusOK, map[string]any{
		"service": "pagesnap",
		"version": Version,
		"endpoints": map[string]string{
			"health":     "GET /v1/health",
			"screenshot": "POST /v1/screenshot",
			"status":     "GET /v1/status/{jobId}",
			"metrics":    "GET /metrics",
		},
	})
}
