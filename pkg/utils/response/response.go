package response

import (
	"net/http"

	"ctfgate/pkg/errors"
	"ctfgate/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// LaunchResponse is the body returned by a successful launch.
type LaunchResponse struct {
	URL string `json:"url"`
}

// ErrorResponse is the JSON error body of the launch API.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Launch sends the routable path of a ready instance.
func Launch(c *gin.Context, url string) {
	c.JSON(http.StatusOK, LaunchResponse{URL: url})
}

// Error sends a JSON error response.
// Only the code's caller-safe message is written; the cause is logged.
func Error(c *gin.Context, err error) {
	customErr := logError(c, err)
	c.JSON(customErr.Code.HTTPStatus(), ErrorResponse{Error: customErr.SafeMessage()})
}

// PlainError sends a text/plain error response, used on proxied routes.
func PlainError(c *gin.Context, err error) {
	customErr := logError(c, err)
	c.String(customErr.Code.HTTPStatus(), customErr.SafeMessage())
}

// AbortWithError aborts the request and sends error response
func AbortWithError(c *gin.Context, err error) {
	Error(c, err)
	c.Abort()
}

// AbortWithPlainError aborts the request and sends a text/plain error response.
func AbortWithPlainError(c *gin.Context, err error) {
	PlainError(c, err)
	c.Abort()
}

func logError(c *gin.Context, err error) *errors.Error {
	customErr := errors.GetError(err)
	fields := []zap.Field{
		zap.Int("code", int(customErr.Code)),
		zap.String("error", customErr.Error()),
	}
	if len(customErr.Details) > 0 {
		fields = append(fields, zap.Any("details", customErr.Details))
	}
	if customErr.Code.HTTPStatus() >= http.StatusInternalServerError {
		fields = append(fields, zap.String("stack", customErr.Stack))
		logger.Error(c.Request.Context(), "request error", fields...)
	} else {
		logger.Warn(c.Request.Context(), "request rejected", fields...)
	}
	return customErr
}
