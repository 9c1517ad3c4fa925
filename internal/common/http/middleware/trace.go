package middleware

import (
	"context"
	"strings"

	"ctfgate/pkg/utils/contextkey"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	traceIDHeader   = "X-Trace-Id"
	requestIDHeader = "X-Request-Id"

	traceIDContextKey   = "trace_id"
	requestIDContextKey = "request_id"
)

// TraceContextConfig controls how trace and request ids are extracted and written.
type TraceContextConfig struct {
	// TrustIncoming accepts trace and request ids supplied by the caller
	TrustIncoming bool
	// WriteResponseHeaders echoes the ids on the response
	WriteResponseHeaders bool
}

// TraceContextMiddleware ensures trace/request ids are in context and response headers.
func TraceContextMiddleware() gin.HandlerFunc {
	return TraceContextMiddlewareWithConfig(TraceContextConfig{
		TrustIncoming:        true,
		WriteResponseHeaders: true,
	})
}

// TraceContextMiddlewareWithConfig is the configurable version of TraceContextMiddleware.
func TraceContextMiddlewareWithConfig(cfg TraceContextConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := incomingID(c, traceIDHeader, cfg.TrustIncoming)
		requestID := incomingID(c, requestIDHeader, cfg.TrustIncoming)

		c.Set(traceIDContextKey, traceID)
		c.Set(requestIDContextKey, requestID)
		ctx := context.WithValue(c.Request.Context(), contextkey.TraceID, traceID)
		ctx = context.WithValue(ctx, contextkey.RequestID, requestID)
		c.Request = c.Request.WithContext(ctx)

		if cfg.WriteResponseHeaders {
			c.Writer.Header().Set(traceIDHeader, traceID)
			c.Writer.Header().Set(requestIDHeader, requestID)
		}

		c.Next()
	}
}

func incomingID(c *gin.Context, header string, trust bool) string {
	if trust {
		if id := strings.TrimSpace(c.GetHeader(header)); id != "" && len(id) <= 128 {
			return id
		}
	}
	return uuid.NewString()
}
