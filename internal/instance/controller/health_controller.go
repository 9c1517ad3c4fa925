package controller

import (
	"context"
	"net/http"
	"sort"
	"time"

	"ctfgate/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

// HealthController serves liveness and readiness probes.
type HealthController struct {
	checks  map[string]HealthCheck
	timeout time.Duration
}

// NewHealthController creates a HealthController. Nil checks are skipped.
func NewHealthController(checks map[string]HealthCheck, timeout time.Duration) *HealthController {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	filtered := make(map[string]HealthCheck, len(checks))
	for name, check := range checks {
		if check != nil {
			filtered[name] = check
		}
	}
	return &HealthController{checks: filtered, timeout: timeout}
}

// Live handles /healthz.
func (h *HealthController) Live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Ready handles /readyz.
func (h *HealthController) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := make(map[string]string, len(names))
	ready := true
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			ready = false
			status[name] = "unavailable"
			logger.Warn(ctx, "readiness check failed", zap.String("check", name), zap.Error(err))
			continue
		}
		status[name] = "ok"
	}

	if !ready {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "checks": status})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "checks": status})
}
