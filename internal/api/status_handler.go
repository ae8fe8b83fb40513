package api

import (
	"log/slog"
	"net/http"
)

// Healthz handles GET /healthz
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Sweep handles POST /api/sweep
func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.CheckAgentState(r.Context())
	if err != nil {
		h.respondServiceError(w, "sweep", err)
		return
	}

	h.respondJSON(w, http.StatusOK, result)
}

// ExpireCache handles POST /api/cache/expire
func (h *Handler) ExpireCache(w http.ResponseWriter, r *http.Request) {
	if err := h.service.ExpireLocalCache(r.Context()); err != nil {
		h.logger.Warn("failed to republish after cache expiry",
			slog.String("error", err.Error()),
		)
		h.respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
