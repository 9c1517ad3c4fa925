package middleware

import (
	"time"

	"ctfgate/internal/instance/metrics"
	"ctfgate/internal/instance/service"
	"ctfgate/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

const launchRateKeyPrefix = "instance:rate:launch:"

type LaunchRatePolicy struct {
	Max    int
	Window time.Duration
}

// LaunchRateLimitMiddleware limits launches per client address.
// A rejected request never reaches the orchestrator.
func LaunchRateLimitMiddleware(rateService *service.RateLimitService, policy LaunchRatePolicy) gin.HandlerFunc {
	return func(c *gin.Context) {
		if rateService == nil || policy.Max <= 0 {
			c.Next()
			return
		}
		key := launchRateKeyPrefix + c.ClientIP()
		if err := rateService.Allow(c.Request.Context(), key, policy.Max, policy.Window); err != nil {
			metrics.RecordRateLimited()
			response.AbortWithError(c, err)
			return
		}
		c.Next()
	}
}
