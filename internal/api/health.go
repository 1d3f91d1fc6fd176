package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// Pinger checks a dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ActorCounter reports how many persona actors are live.
type ActorCounter interface {
	Active() int
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	db      Pinger
	actors  ActorCounter
	timeout time.Duration
	logger  *slog.Logger
}

// NewHealthHandler creates a new health handler. actors may be nil.
func NewHealthHandler(db Pinger, actors ActorCounter, logger *slog.Logger) *HealthHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthHandler{db: db, actors: actors, timeout: 5 * time.Second, logger: logger}
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]interface{}{
		"status": "healthy",
		"checks": checks,
	}
	statusCode := http.StatusOK

	if err := h.db.Ping(ctx); err != nil {
		h.logger.Error("Health check failed", "error", err)
		status["status"] = "degraded"
		checks["database"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}
	if h.actors != nil {
		status["active_actors"] = h.actors.Active()
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}
