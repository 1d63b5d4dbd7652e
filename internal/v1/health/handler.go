// Package health serves the Kubernetes-style liveness and readiness probes.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/screenway/relay/internal/v1/logging"
)

// checkTimeout bounds how long a single readiness pass may spend on
// dependency checks.
const checkTimeout = 3 * time.Second

// Pinger is any dependency that can answer a connectivity check. The redis
// snapshot service implements it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler manages the health check endpoints. Dependencies are registered by
// name; a relay running without optional backends is always ready.
type Handler struct {
	deps map[string]Pinger
}

// NewHandler creates a health handler with no registered dependencies.
func NewHandler() *Handler {
	return &Handler{deps: make(map[string]Pinger)}
}

// Register adds a named dependency to the readiness checks. Call it during
// wiring, before the handler starts serving.
func (h *Handler) Register(name string, p Pinger) {
	if p == nil {
		return
	}
	h.deps[name] = p
}

// LivenessResponse represents the liveness probe response
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles the liveness probe endpoint.
// GET /healthz/live
// Returns 200 if the process is alive (no dependency checks).
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness handles the readiness probe endpoint.
// GET /healthz/ready
// Returns 200 only if every registered dependency is healthy, 503 otherwise.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), checkTimeout)
	defer cancel()

	checks := make(map[string]string, len(h.deps))
	allHealthy := true

	for name, dep := range h.deps {
		if err := dep.Ping(ctx); err != nil {
			logging.Error(ctx, "Readiness check failed",
				zap.String("dependency", name), zap.Error(err))
			checks[name] = "unhealthy"
			allHealthy = false
			continue
		}
		checks[name] = "healthy"
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}
