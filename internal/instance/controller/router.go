package controller

import (
	commonmw "ctfgate/internal/common/http/middleware"
	"ctfgate/internal/instance/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Routes bundles the handlers and guards mounted by RegisterRoutes.
type Routes struct {
	Launch      *LaunchController
	Proxy       *ProxyController
	Health      *HealthController
	LaunchAuth  gin.HandlerFunc
	ProxyAuth   gin.HandlerFunc
	LaunchGuard gin.HandlerFunc
	Metrics     bool
}

// RegisterRoutes mounts the public surface on router.
func RegisterRoutes(router *gin.Engine, routes Routes) {
	if routes.Health != nil {
		router.GET("/healthz", routes.Health.Live)
		router.GET("/readyz", routes.Health.Ready)
	}
	if routes.Metrics {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	launch := []gin.HandlerFunc{}
	if routes.LaunchAuth != nil {
		launch = append(launch, routes.LaunchAuth)
	}
	if routes.LaunchGuard != nil {
		launch = append(launch, routes.LaunchGuard)
	}
	router.GET("/launch/:challenge_id", append(launch, routes.Launch.Launch)...)

	proxy := []gin.HandlerFunc{}
	if routes.ProxyAuth != nil {
		proxy = append(proxy, routes.ProxyAuth)
	}
	proxy = append(proxy, routes.Proxy.Forward)
	for _, method := range ProxiedMethods {
		router.Handle(method, "/instance/:port/*path", proxy...)
	}
}

// NewRouter builds the engine with the standard middleware chain.
// With no trusted proxies the client address is the socket peer, which keys the launch guard.
func NewRouter(trustedProxies []string, trace commonmw.TraceContextConfig) (*gin.Engine, error) {
	router := gin.New()
	if err := router.SetTrustedProxies(trustedProxies); err != nil {
		return nil, err
	}
	router.Use(
		middleware.RecoveryMiddleware(),
		commonmw.TraceContextMiddlewareWithConfig(trace),
		middleware.AccessLogMiddleware(),
	)
	return router, nil
}
