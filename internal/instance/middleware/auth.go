package middleware

import (
	"context"
	"strings"

	"ctfgate/internal/instance/service"
	pkgerrors "ctfgate/pkg/errors"
	"ctfgate/pkg/utils/contextkey"

	"github.com/gin-gonic/gin"
)

const (
	principalIDContextKey = "principal_id"
	defaultTokenCookie    = "access_token"
)

// AbortFunc writes an error response and aborts the chain.
type AbortFunc func(c *gin.Context, err error)

// AuthMiddleware authenticates the caller from the bearer header or the token cookie.
// Browsers navigating to an instance cannot attach headers, so the cookie is accepted too.
func AuthMiddleware(authService *service.AuthService, cookieName string, abort AbortFunc) gin.HandlerFunc {
	if cookieName == "" {
		cookieName = defaultTokenCookie
	}
	return func(c *gin.Context) {
		if authService == nil {
			abort(c, pkgerrors.New(pkgerrors.ServiceUnavailable))
			return
		}

		token := extractBearerToken(c.GetHeader("Authorization"))
		if token == "" {
			if cookie, err := c.Cookie(cookieName); err == nil {
				token = strings.TrimSpace(cookie)
			}
		}
		principal, err := authService.Authenticate(c.Request.Context(), token)
		if err != nil {
			abort(c, err)
			return
		}

		c.Set(principalIDContextKey, principal.ID)
		ctx := context.WithValue(c.Request.Context(), contextkey.PrincipalID, principal.ID)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// PrincipalID returns the authenticated principal set by AuthMiddleware.
func PrincipalID(c *gin.Context) string {
	return c.GetString(principalIDContextKey)
}

func extractBearerToken(authHeader string) string {
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
