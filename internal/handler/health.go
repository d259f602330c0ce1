package handler

import (
	"context"
	"net/http"
	"time"
)

// ConnectionChecker reports the state of the event bus.
type ConnectionChecker interface {
	IsConnected() bool
}

// Pinger reports whether the store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	bus   ConnectionChecker
	store Pinger
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(bus ConnectionChecker, store Pinger) *HealthHandler {
	return &HealthHandler{
		bus:   bus,
		store: store,
	}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// Ready handles GET /ready
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.bus == nil || !h.bus.IsConnected() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "event bus not connected",
		})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if h.store != nil {
		if err := h.store.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"reason": "store unreachable",
			})
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}
