package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"ctfgate/internal/common/cache"
	"ctfgate/internal/common/db"
	commonmw "ctfgate/internal/common/http/middleware"
	"ctfgate/internal/common/mq"
	"ctfgate/internal/instance/controller"
	"ctfgate/internal/instance/metrics"
	"ctfgate/internal/instance/middleware"
	"ctfgate/internal/instance/repository"
	"ctfgate/internal/instance/runtime"
	"ctfgate/internal/instance/service"
	"ctfgate/pkg/utils/logger"
	"ctfgate/pkg/utils/response"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	defaultConfigPath = "configs/instance-gateway.yaml"
	defaultEnvPath    = ".env"
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	envPath := flag.String("env", defaultEnvPath, "Path to an optional .env file")
	flag.Parse()

	if err := loadEnvFile(*envPath); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return
	}
	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		return
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		return
	}
	defer func() { _ = logger.Sync() }()

	if err := run(appCfg); err != nil {
		logger.Error(context.Background(), "instance gateway stopped", zap.Error(err))
	}
}

func run(appCfg *AppConfig) error {
	ctx := context.Background()
	if appCfg.Server.Metrics {
		metrics.Register(prometheus.DefaultRegisterer)
	}

	var redisCache *cache.RedisCache
	if appCfg.Redis.Addr != "" {
		var err error
		redisCache, err = cache.NewRedisCacheWithConfig(&appCfg.Redis)
		if err != nil {
			return fmt.Errorf("init redis failed: %w", err)
		}
		defer func() { _ = redisCache.Close() }()
	} else {
		logger.Warn(ctx, "redis not configured, using process-local rate limits")
	}

	database, err := db.NewDatabase(&appCfg.Database)
	if err != nil {
		return fmt.Errorf("init database failed: %w", err)
	}
	defer func() { _ = database.Close() }()
	if err := repository.Migrate(ctx, database); err != nil {
		return fmt.Errorf("migrate database failed: %w", err)
	}
	provider := db.NewStaticProvider(database)

	dockerRuntime, err := runtime.NewDockerRuntime(appCfg.Runtime.Docker)
	if err != nil {
		return fmt.Errorf("init docker runtime failed: %w", err)
	}
	defer func() { _ = dockerRuntime.Close() }()
	if err := dockerRuntime.Ping(ctx); err != nil {
		logger.Warn(ctx, "docker runtime not reachable yet", zap.Error(err))
	}

	var producer *mq.KafkaProducer
	events := service.NewNoopEventPublisher()
	if appCfg.Events.Enabled {
		producer, err = mq.NewKafkaProducer(appCfg.Events.Kafka)
		if err != nil {
			return fmt.Errorf("init kafka producer failed: %w", err)
		}
		defer func() { _ = producer.Close() }()
		events = service.NewKafkaEventPublisher(producer, appCfg.Events.Topic, appCfg.Events.PublishTimeout)
	}

	deps := wireServices(appCfg, redisCache, provider, dockerRuntime, events)

	checks := map[string]controller.HealthCheck{
		"database": database.Ping,
		"runtime":  dockerRuntime.Ping,
	}
	if redisCache != nil {
		checks["redis"] = redisCache.Ping
	}
	if producer != nil {
		checks["kafka"] = producer.Ping
	}

	httpServer, err := buildHTTPServer(appCfg, deps, controller.NewHealthController(checks, 0))
	if err != nil {
		return fmt.Errorf("build http server failed: %w", err)
	}
	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("init http listener failed: %w", err)
	}

	shutdownCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		deps.reconciler.Run(shutdownCtx)
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "instance gateway http server started", zap.String("addr", appCfg.Server.Addr))
		errCh <- httpServer.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "http server stopped", zap.Error(err))
		}
	case <-shutdownCtx.Done():
		logger.Info(ctx, "shutdown signal received")
	}
	stop()

	timeoutCtx, cancel := context.WithTimeout(ctx, appCfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(timeoutCtx); err != nil {
		logger.Error(ctx, "http server shutdown failed", zap.Error(err))
	}
	wg.Wait()
	return nil
}

type services struct {
	orchestrator *service.Orchestrator
	proxy        *service.ProxyService
	auth         *service.AuthService
	rate         *service.RateLimitService
	reconciler   *service.Reconciler
}

func wireServices(appCfg *AppConfig, redisCache *cache.RedisCache, provider db.Provider, rt runtime.Runtime, events service.EventPublisher) services {
	// Interfaces stay nil when Redis is absent so callers take their local paths.
	var basicOps cache.BasicOps
	var sessions service.SessionChecker
	locker := service.NewNoopLocker()
	if redisCache != nil {
		basicOps = redisCache
		if appCfg.Auth.SingleSession {
			sessions = repository.NewSessionRepository(redisCache, appCfg.Redis.ReadTimeout,
				appCfg.Auth.SessionLocalTTL, appCfg.Auth.SessionLocalSize)
		}
		if appCfg.Instance.DistributedLock {
			locker = service.NewRedisLaunchLocker(redisCache, appCfg.Instance.LockTTL, appCfg.Runtime.LaunchTimeout)
		}
	}

	var catalog repository.ChallengeCatalog
	switch appCfg.Catalog.Source {
	case catalogSourceStatic:
		catalog = repository.NewStaticChallengeCatalog(appCfg.Catalog.Challenges)
	default:
		catalog = repository.NewSQLChallengeCatalogWithTTL(provider, basicOps, appCfg.Catalog.CacheTTL, appCfg.Catalog.EmptyTTL)
	}

	registry := repository.NewSQLRegistry(provider)
	return services{
		orchestrator: service.NewOrchestrator(registry, catalog, rt, locker, events, service.OrchestratorConfig{
			MaxPerPrincipal:       appCfg.Instance.MaxPerPrincipal,
			LaunchTimeout:         appCfg.Runtime.LaunchTimeout,
			MaxConcurrentLaunches: appCfg.Runtime.MaxConcurrentLaunches,
		}),
		proxy: service.NewProxyService(registry, service.ProxyConfig{
			TargetHost:            appCfg.Proxy.TargetHost,
			DialTimeout:           appCfg.Proxy.DialTimeout,
			ResponseHeaderTimeout: appCfg.Proxy.ResponseHeaderTimeout,
			ReadIdleTimeout:       appCfg.Proxy.ReadIdleTimeout,
			IdleConnTimeout:       appCfg.Proxy.IdleConnTimeout,
			MaxIdleConns:          appCfg.Proxy.MaxIdleConns,
			MaxIdleConnsPerHost:   appCfg.Proxy.MaxIdleConnsPerHost,
			BufferSize:            appCfg.Proxy.BufferSize,
		}),
		auth: service.NewAuthService(appCfg.Auth.JWTSecret, appCfg.Auth.JWTIssuer, sessions),
		rate: service.NewRateLimitService(basicOps, appCfg.Rate.Window, appCfg.Rate.RedisTimeout),
		reconciler: service.NewReconciler(registry, rt, events, service.ReconcilerConfig{
			Interval:    appCfg.Instance.ReconcileInterval,
			OrphanGrace: appCfg.Instance.OrphanGrace,
		}),
	}
}

func buildHTTPServer(cfg *AppConfig, deps services, health *controller.HealthController) (*http.Server, error) {
	router, err := controller.NewRouter(cfg.Server.TrustedProxies, commonmw.TraceContextConfig{
		TrustIncoming:        cfg.Server.TrustTraceHeaders,
		WriteResponseHeaders: true,
	})
	if err != nil {
		return nil, err
	}

	controller.RegisterRoutes(router, controller.Routes{
		Launch:     controller.NewLaunchController(deps.orchestrator),
		Proxy:      controller.NewProxyController(deps.proxy),
		Health:     health,
		LaunchAuth: middleware.AuthMiddleware(deps.auth, cfg.Auth.TokenCookie, response.AbortWithError),
		ProxyAuth:  middleware.AuthMiddleware(deps.auth, cfg.Auth.TokenCookie, response.AbortWithPlainError),
		LaunchGuard: middleware.LaunchRateLimitMiddleware(deps.rate, middleware.LaunchRatePolicy{
			Max:    cfg.Rate.LaunchMax,
			Window: cfg.Rate.Window,
		}),
		Metrics: cfg.Server.Metrics,
	})

	return &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		MaxHeaderBytes:    cfg.Server.MaxHeaderBytes,
	}, nil
}
