package middleware

import (
	"fmt"
	"net/http"

	pkgerrors "ctfgate/pkg/errors"
	"ctfgate/pkg/utils/logger"
	"ctfgate/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RecoveryMiddleware turns panics into a 500 response.
// http.ErrAbortHandler is re-raised so the server drops the connection, which is how
// the reverse proxy aborts a response whose body failed mid-stream.
func RecoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			logger.Error(c.Request.Context(), "panic recovered",
				zap.String("path", c.Request.URL.Path),
				zap.Any("panic", rec))
			if c.Writer.Written() {
				c.Abort()
				return
			}
			response.AbortWithError(c, pkgerrors.New(pkgerrors.InternalServerError).WithDetail("panic", fmt.Sprint(rec)))
		}()
		c.Next()
	}
}
