package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/ashureev/cloudcoap/internal/coordinator"
	"github.com/ashureev/cloudcoap/internal/transport"
	"github.com/go-chi/chi/v5"
)

const userCancelReason = "cancelled by user"

// RequestHandler handles request, statistic, cache and identity endpoints.
type RequestHandler struct {
	*Handler
}

// NewRequestHandler creates a request handler.
func NewRequestHandler(base *Handler) *RequestHandler {
	return &RequestHandler{Handler: base}
}

// RegisterRoutes registers the API routes.
func (h *RequestHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Post("/requests", h.StartRequest)
		r.Delete("/requests", h.CancelRequest)
		r.Get("/requests/current", h.CurrentRequest)
		r.Get("/statistics", h.GetStatistics)
		r.Delete("/statistics", h.ClearStatistics)
		r.Get("/cache", h.GetCache)
		r.Delete("/cache/sessions", h.ClearSessions)
		r.Delete("/cache/dns", h.ClearDNS)
		r.Post("/setup", h.Setup)
		r.Post("/identity/reset", h.ResetIdentity)
	})
	r.Get("/health", h.Health)
}

type startRequest struct {
	URI string `json:"uri"`
}

// StartRequest cancels the running request and starts a new one.
func (h *RequestHandler) StartRequest(w http.ResponseWriter, r *http.Request) {
	var body startRequest
	if err := decodeOptional(r, &body); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	exec := h.backend.NewExecutor()
	if err := h.requests.Execute(r.Context(), body.URI, exec); err != nil {
		if errors.Is(err, coordinator.ErrBusy) {
			Error(w, http.StatusServiceUnavailable, "busy")
			return
		}
		slog.Error("Failed to start request", "error", err, "uri", body.URI)
		Error(w, http.StatusInternalServerError, "failed to start request")
		return
	}

	args := exec.Args()
	JSON(w, http.StatusAccepted, map[string]interface{}{
		"status": "started",
		"uri":    args.URI,
		"mode":   args.Mode,
	})
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// CancelRequest cancels the running request.
func (h *RequestHandler) CancelRequest(w http.ResponseWriter, r *http.Request) {
	var body cancelRequest
	if err := decodeOptional(r, &body); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Reason == "" {
		body.Reason = userCancelReason
	}
	cancelled := h.requests.CancelCurrent(body.Reason)
	JSON(w, http.StatusOK, map[string]interface{}{"cancelled": cancelled})
}

// CurrentRequest returns the outcome of the latest request, or its
// latest snapshot while it runs.
func (h *RequestHandler) CurrentRequest(w http.ResponseWriter, _ *http.Request) {
	exec := h.requests.Latest()
	if exec == nil {
		Error(w, http.StatusNotFound, "no request")
		return
	}
	if o, ok := exec.Outcome(); ok {
		JSON(w, http.StatusOK, map[string]interface{}{"outcome": o})
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"progress": exec.Progress()})
}

// GetStatistics returns the persisted tally.
func (h *RequestHandler) GetStatistics(w http.ResponseWriter, r *http.Request) {
	tally, err := h.backend.Stats().Get(r.Context())
	if err != nil {
		slog.Error("Failed to load statistics", "error", err)
		Error(w, http.StatusInternalServerError, "failed to load statistics")
		return
	}
	pending, err := h.backend.PendingRIDs(r.Context())
	if err != nil {
		slog.Warn("Failed to load pending request ids", "error", err)
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"tally":        tally,
		"summary":      tally.Summary(),
		"pending_rids": len(pending),
	})
}

// ClearStatistics deletes the tally.
func (h *RequestHandler) ClearStatistics(w http.ResponseWriter, r *http.Request) {
	if err := h.backend.Stats().Clear(r.Context()); err != nil {
		slog.Error("Failed to clear statistics", "error", err)
		Error(w, http.StatusInternalServerError, "failed to clear statistics")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetCache returns the cache sizes.
func (h *RequestHandler) GetCache(w http.ResponseWriter, _ *http.Request) {
	sessionCount, dnsCount := h.backend.CacheSizes()
	JSON(w, http.StatusOK, map[string]int{"sessions": sessionCount, "dns": dnsCount})
}

// ClearSessions drops the session cache.
func (h *RequestHandler) ClearSessions(w http.ResponseWriter, _ *http.Request) {
	h.backend.ResetSessionCache()
	w.WriteHeader(http.StatusNoContent)
}

// ClearDNS drops the DNS cache.
func (h *RequestHandler) ClearDNS(w http.ResponseWriter, r *http.Request) {
	h.backend.ResetDNSCache(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

type setupRequest struct {
	Mode string `json:"mode"`
}

// Setup rebuilds the endpoints.
func (h *RequestHandler) Setup(w http.ResponseWriter, r *http.Request) {
	var body setupRequest
	if err := decodeOptional(r, &body); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	mode, err := transport.ParseSetupMode(body.Mode)
	if err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	args, err := h.requests.Setup(r.Context(), mode)
	if err != nil {
		if errors.Is(err, coordinator.ErrBusy) {
			Error(w, http.StatusServiceUnavailable, "busy")
			return
		}
		slog.Error("Endpoint setup failed", "error", err, "mode", mode)
		Error(w, http.StatusInternalServerError, "setup failed")
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"mode":              mode.String(),
		"uri":               args.URI,
		"endpoints_changed": args.EndpointsChanged,
	})
}

// ResetIdentity creates a new device identity.
func (h *RequestHandler) ResetIdentity(w http.ResponseWriter, r *http.Request) {
	h.requests.CancelCurrent("identity reset")
	id, err := h.backend.ResetIdentity(r.Context())
	if err != nil {
		slog.Error("Failed to reset identity", "error", err)
		Error(w, http.StatusInternalServerError, "failed to reset identity")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"unique_id": id})
}

// Health reports storage health.
func (h *RequestHandler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.backend.Ping(r.Context()); err != nil {
		slog.Warn("Health check failed", "error", err)
		Error(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "ok", "unique_id": h.backend.UniqueID()})
}
