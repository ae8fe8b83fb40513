package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kirychukyurii/fleet-registry/internal/model"
	"github.com/kirychukyurii/fleet-registry/internal/service"
)

// Handler holds the HTTP handlers and dependencies
type Handler struct {
	service  service.AgentService
	gatherer prometheus.Gatherer
	logger   *slog.Logger
	basePath string
}

// NewHandler creates a new HTTP handler
func NewHandler(service service.AgentService, gatherer prometheus.Gatherer, basePath string, logger *slog.Logger) *Handler {
	return &Handler{
		service:  service,
		gatherer: gatherer,
		logger:   logger,
		basePath: basePath,
	}
}

// Router creates and configures the HTTP router
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Create routes handler
	routesHandler := h.createRoutes()

	// If base path is configured, mount routes on that path
	if h.basePath != "" {
		r.Mount(h.basePath, routesHandler)
	} else {
		r.Mount("/", routesHandler)
	}

	return r
}

// createRoutes creates the API routes
func (h *Handler) createRoutes() http.Handler {
	r := chi.NewRouter()

	r.Route("/api", func(r chi.Router) {
		// Agent routes
		r.Get("/agents", h.ListVisible)
		r.Get("/agents/active", h.ListActive)
		r.Get("/agents/local", h.ListLocal)
		r.Post("/agents/heartbeat", h.Heartbeat)
		r.Get("/agents/{id}", h.GetAgent)
		r.Delete("/agents/{id}", h.DeleteAgent)
		r.Post("/agents/{id}/approve", h.Approve)
		r.Post("/agents/{id}/unapprove", h.Unapprove)
		r.Post("/agents/{id}/stop", h.StopAgent)
		r.Post("/agents/{id}/busy", h.MarkBusy)
		r.Post("/agents/{id}/ready", h.MarkReady)
		r.Post("/agents/{id}/share", h.RequestShare)

		// Liveness and cache control
		r.Post("/sweep", h.Sweep)
		r.Post("/cache/expire", h.ExpireCache)

		// Capacity and regions
		r.Get("/capacity", h.GetCapacity)
		r.Get("/regions", h.ListRegions)

		// Monitoring
		r.Get("/monitoring/{source}/{target}", h.GetSystemData)
	})

	r.Get("/healthz", h.Healthz)
	r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	return r
}

// loggingMiddleware logs HTTP requests
func (h *Handler) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.logger.Debug("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("remote_addr", r.RemoteAddr),
		)
		next.ServeHTTP(w, r)
	})
}

// errorResponse represents an error response
type errorResponse struct {
	Error string `json:"error"`
}

// respondJSON writes a JSON response
func (h *Handler) respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response",
			slog.String("error", err.Error()),
		)
	}
}

// respondError writes an error response
func (h *Handler) respondError(w http.ResponseWriter, statusCode int, message string) {
	h.respondJSON(w, statusCode, errorResponse{Error: message})
}

// respondServiceError maps a service error onto an HTTP status
func (h *Handler) respondServiceError(w http.ResponseWriter, action string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed",
			slog.String("action", action),
			slog.String("error", err.Error()),
		)
	}
	h.respondError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, model.ErrStaleWrite):
		return http.StatusServiceUnavailable
	case errors.Is(err, model.ErrInvalidInput), errors.Is(err, model.ErrConfigInvalid):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// agentID parses the {id} URL parameter
func agentID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}
