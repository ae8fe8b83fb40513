package api

import (
	"net/http"

	"github.com/kirychukyurii/fleet-registry/internal/model"
)

// ListRegions handles GET /api/regions
func (h *Handler) ListRegions(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.service.Regions())
}

// GetCapacity handles GET /api/capacity?user=&role=
func (h *Handler) GetCapacity(w http.ResponseWriter, r *http.Request) {
	user := model.User{
		ID:   r.URL.Query().Get("user"),
		Role: r.URL.Query().Get("role"),
	}

	counts, err := h.service.GetAvailableAgentCountMap(r.Context(), user)
	if err != nil {
		h.respondServiceError(w, "get capacity", err)
		return
	}

	h.respondJSON(w, http.StatusOK, counts)
}
