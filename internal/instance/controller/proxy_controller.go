package controller

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"ctfgate/internal/instance/middleware"
	"ctfgate/internal/instance/model"
	"ctfgate/internal/instance/service"
	pkgerrors "ctfgate/pkg/errors"
	"ctfgate/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

// ProxiedMethods are the methods accepted under /instance/{port}/.
var ProxiedMethods = []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete}

// InstanceProxy authorizes and forwards instance traffic.
type InstanceProxy interface {
	Authorize(ctx context.Context, principalID string, hostPort int) (*model.InstanceRecord, error)
	Forward(w http.ResponseWriter, r *http.Request, hostPort int, backendPath string)
}

// ProxyController handles requests routed to a running instance.
type ProxyController struct {
	proxy InstanceProxy
}

// NewProxyController creates a new ProxyController.
func NewProxyController(proxy InstanceProxy) *ProxyController {
	return &ProxyController{proxy: proxy}
}

// Forward handles /instance/:port/*path.
func (h *ProxyController) Forward(c *gin.Context) {
	rawPort := c.Param("port")
	hostPort, err := strconv.Atoi(rawPort)
	if err != nil || hostPort <= 0 || hostPort > 65535 {
		response.PlainError(c, pkgerrors.New(pkgerrors.InstanceNotFound).WithDetail("port", rawPort))
		return
	}

	if _, err := h.proxy.Authorize(c.Request.Context(), middleware.PrincipalID(c), hostPort); err != nil {
		response.PlainError(c, err)
		return
	}

	escapedPath := c.Request.URL.EscapedPath()
	prefix, ok := routePrefix(escapedPath, rawPort)
	if !ok {
		response.PlainError(c, pkgerrors.New(pkgerrors.InstanceNotFound).WithDetail("port", rawPort))
		return
	}
	h.proxy.Forward(c.Writer, c.Request, hostPort, service.BackendPath(escapedPath, prefix))
}

// routePrefix returns "/instance/{port}" as it is spelled in escapedPath.
// The router matches on the decoded path, so the segment must decode to rawPort.
func routePrefix(escapedPath, rawPort string) (string, bool) {
	const root = "/instance/"
	if !strings.HasPrefix(escapedPath, root) {
		return "", false
	}
	segment := escapedPath[len(root):]
	if i := strings.IndexByte(segment, '/'); i >= 0 {
		segment = segment[:i]
	}
	if decoded, err := url.PathUnescape(segment); err != nil || decoded != rawPort {
		return "", false
	}
	return root + segment, true
}
