package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// GetSystemData handles GET /api/monitoring/{source}/{target}
//
// source is the controller node that collects for the target agent; "-"
// selects this node.
func (h *Handler) GetSystemData(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")
	if source == "-" {
		source = ""
	}
	target := chi.URLParam(r, "target")

	data, err := h.service.GetSystemDataModel(r.Context(), source, target)
	if err != nil {
		h.respondServiceError(w, "get system data", err)
		return
	}

	h.respondJSON(w, http.StatusOK, data)
}
