package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Counter reports the number of live connections.
type Counter interface {
	Count() int
}

const healthCheckTimeout = 5 * time.Second

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	archive Pinger
	conns   Counter
}

// NewHealthHandler creates a health handler. archive may be nil when no
// archive is configured.
func NewHealthHandler(archive Pinger, conns Counter) *HealthHandler {
	return &HealthHandler{archive: archive, conns: conns}
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]interface{}{
		"status":      "healthy",
		"checks":      checks,
		"connections": h.conns.Count(),
	}
	statusCode := http.StatusOK

	if h.archive == nil {
		checks["archive"] = "disabled"
	} else if err := h.archive.Ping(ctx); err != nil {
		slog.Error("Health check failed", "dependency", "archive", "error", err)
		status["status"] = "degraded"
		checks["archive"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["archive"] = "ok"
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}
