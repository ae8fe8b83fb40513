package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/kirychukyurii/fleet-registry/internal/model"
)

// heartbeatRequest is the body of POST /api/agents/heartbeat
type heartbeatRequest struct {
	HostName string `json:"host_name"`
	IP       string `json:"ip"`
	Region   string `json:"region"`
	Port     int    `json:"port"`
}

// ListVisible handles GET /api/agents
func (h *Handler) ListVisible(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, "list visible agents", h.service.GetAllVisible)
}

// ListActive handles GET /api/agents/active
func (h *Handler) ListActive(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, "list active agents", h.service.GetAllActive)
}

// ListLocal handles GET /api/agents/local
func (h *Handler) ListLocal(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, "list local agents", h.service.GetAllLocal)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request, action string, fn func(context.Context) ([]model.AgentRecord, error)) {
	records, err := fn(r.Context())
	if err != nil {
		h.respondServiceError(w, action, err)
		return
	}
	if records == nil {
		records = []model.AgentRecord{}
	}

	h.respondJSON(w, http.StatusOK, records)
}

// Heartbeat handles POST /api/agents/heartbeat
func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.IP == "" || req.HostName == "" {
		h.respondError(w, http.StatusBadRequest, "ip and host_name are required")
		return
	}
	if req.Port < 0 || req.Port > 65535 {
		h.respondError(w, http.StatusBadRequest, "port is out of range")
		return
	}

	identity := model.AgentIdentity{HostName: req.HostName, IP: req.IP, Region: req.Region}
	rec, err := h.service.Heartbeat(r.Context(), identity, req.Port)
	if err != nil {
		h.respondServiceError(w, "heartbeat", err)
		return
	}

	h.respondJSON(w, http.StatusOK, rec)
}

// GetAgent handles GET /api/agents/{id}
func (h *Handler) GetAgent(w http.ResponseWriter, r *http.Request) {
	h.byID(w, r, "get agent", h.service.GetOne)
}

// Approve handles POST /api/agents/{id}/approve
func (h *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	h.byID(w, r, "approve agent", func(ctx context.Context, id int64) (*model.AgentRecord, error) {
		return h.service.Approve(ctx, id, true)
	})
}

// Unapprove handles POST /api/agents/{id}/unapprove
func (h *Handler) Unapprove(w http.ResponseWriter, r *http.Request) {
	h.byID(w, r, "unapprove agent", func(ctx context.Context, id int64) (*model.AgentRecord, error) {
		return h.service.Approve(ctx, id, false)
	})
}

// StopAgent handles POST /api/agents/{id}/stop
func (h *Handler) StopAgent(w http.ResponseWriter, r *http.Request) {
	h.byID(w, r, "stop agent", h.service.StopAgent)
}

// MarkBusy handles POST /api/agents/{id}/busy
func (h *Handler) MarkBusy(w http.ResponseWriter, r *http.Request) {
	h.byID(w, r, "mark agent busy", h.service.MarkBusy)
}

// MarkReady handles POST /api/agents/{id}/ready
func (h *Handler) MarkReady(w http.ResponseWriter, r *http.Request) {
	h.byID(w, r, "mark agent ready", h.service.MarkReady)
}

func (h *Handler) byID(w http.ResponseWriter, r *http.Request, action string, fn func(context.Context, int64) (*model.AgentRecord, error)) {
	id, err := agentID(r)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid agent id")
		return
	}

	rec, err := fn(r.Context(), id)
	if err != nil {
		h.respondServiceError(w, action, err)
		return
	}

	h.respondJSON(w, http.StatusOK, rec)
}

// DeleteAgent handles DELETE /api/agents/{id}
func (h *Handler) DeleteAgent(w http.ResponseWriter, r *http.Request) {
	id, err := agentID(r)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid agent id")
		return
	}

	if err := h.service.DeleteAgent(r.Context(), id); err != nil {
		h.respondServiceError(w, "delete agent", err)
		return
	}

	h.logger.Info("agent deleted", slog.Int64("id", id))
	w.WriteHeader(http.StatusNoContent)
}

// RequestShare handles POST /api/agents/{id}/share
func (h *Handler) RequestShare(w http.ResponseWriter, r *http.Request) {
	id, err := agentID(r)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid agent id")
		return
	}

	if err := h.service.RequestShareAgentSystemDataModel(r.Context(), id); err != nil {
		h.respondServiceError(w, "share system data", err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}
