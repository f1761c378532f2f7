// Package api provides the shared HTTP helpers and the health endpoints.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}

// Error writes a JSON error response of the form {"detail": message}.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"detail": message})
}

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles liveness, readiness and metrics endpoints.
type HealthHandler struct {
	appName string
	store   Pinger
	timeout time.Duration
}

// NewHealthHandler creates a health handler. A zero timeout selects 5s.
func NewHealthHandler(appName string, store Pinger, timeout time.Duration) *HealthHandler {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthHandler{appName: appName, store: store, timeout: timeout}
}

// Health reports that the process is up. It never touches dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{"ok": true, "app": h.appName})
}

// Ready reports whether the session store is reachable.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		slog.Error("Readiness check failed", "error", err)
		JSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"ok":     false,
			"checks": map[string]string{"database": "unreachable"},
		})
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"ok":     true,
		"checks": map[string]string{"database": "ok"},
	})
}

// RegisterRoutes registers /healthz, /readyz and /metrics.
func (h *HealthHandler) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", h.Health)
	r.Get("/readyz", h.Ready)
	r.Handle("/metrics", promhttp.Handler())
}
