package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"ctfgate/internal/common/cache"
	"ctfgate/internal/common/db"
	"ctfgate/internal/common/mq"
	"ctfgate/internal/instance/model"
	"ctfgate/internal/instance/runtime"
	"ctfgate/pkg/utils/logger"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr          = "0.0.0.0:8080"
	defaultReadHeaderTimeout = 10 * time.Second
	defaultIdleTimeout       = 60 * time.Second
	defaultShutdownTimeout   = 10 * time.Second
	defaultMaxHeaderBytes    = 1 << 20

	defaultLaunchMax     = 7
	defaultLaunchWindow  = time.Minute
	defaultLaunchTimeout = 60 * time.Second
	defaultSQLiteDSN     = "file:ctfgate.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"

	catalogSourceDatabase = "database"
	catalogSourceStatic   = "static"
)

// ServerConfig holds HTTP server settings.
// WriteTimeout stays 0 by default so long proxied streams are not cut off.
type ServerConfig struct {
	Addr              string        `yaml:"addr"`
	ReadHeaderTimeout time.Duration `yaml:"readHeaderTimeout"`
	ReadTimeout       time.Duration `yaml:"readTimeout"`
	WriteTimeout      time.Duration `yaml:"writeTimeout"`
	IdleTimeout       time.Duration `yaml:"idleTimeout"`
	MaxHeaderBytes    int           `yaml:"maxHeaderBytes"`
	ShutdownTimeout   time.Duration `yaml:"shutdownTimeout"`
	TrustedProxies    []string      `yaml:"trustedProxies"`
	TrustTraceHeaders bool          `yaml:"trustTraceHeaders"`
	Metrics           bool          `yaml:"metrics"`
}

// AuthConfig holds JWT and session settings.
type AuthConfig struct {
	JWTSecret        string        `yaml:"jwtSecret"`
	JWTIssuer        string        `yaml:"jwtIssuer"`
	TokenCookie      string        `yaml:"tokenCookie"`
	SingleSession    bool          `yaml:"singleSession"`
	SessionLocalTTL  time.Duration `yaml:"sessionLocalTTL"`
	SessionLocalSize int           `yaml:"sessionLocalSize"`
}

// RuntimeConfig holds container runtime settings.
type RuntimeConfig struct {
	Docker                runtime.DockerConfig `yaml:"docker"`
	LaunchTimeout         time.Duration        `yaml:"launchTimeout"`
	MaxConcurrentLaunches int                  `yaml:"maxConcurrentLaunches"`
}

// RateLimitConfig holds the launch guard settings.
type RateLimitConfig struct {
	LaunchMax    int           `yaml:"launchMax"`
	Window       time.Duration `yaml:"window"`
	RedisTimeout time.Duration `yaml:"redisTimeout"`
}

// InstanceConfig holds orchestration settings.
type InstanceConfig struct {
	MaxPerPrincipal   int           `yaml:"maxPerPrincipal"`
	ReconcileInterval time.Duration `yaml:"reconcileInterval"`
	OrphanGrace       time.Duration `yaml:"orphanGrace"`
	DistributedLock   bool          `yaml:"distributedLock"`
	LockTTL           time.Duration `yaml:"lockTTL"`
}

// ProxyConfig holds reverse proxy transport settings.
type ProxyConfig struct {
	TargetHost            string        `yaml:"targetHost"`
	DialTimeout           time.Duration `yaml:"dialTimeout"`
	ResponseHeaderTimeout time.Duration `yaml:"responseHeaderTimeout"`
	ReadIdleTimeout       time.Duration `yaml:"readIdleTimeout"`
	IdleConnTimeout       time.Duration `yaml:"idleConnTimeout"`
	MaxIdleConns          int           `yaml:"maxIdleConns"`
	MaxIdleConnsPerHost   int           `yaml:"maxIdleConnsPerHost"`
	BufferSize            int           `yaml:"bufferSize"`
}

// CatalogConfig selects where challenge launch parameters come from.
type CatalogConfig struct {
	Source     string                `yaml:"source"` // database | static
	CacheTTL   time.Duration         `yaml:"cacheTTL"`
	EmptyTTL   time.Duration         `yaml:"emptyTTL"`
	Challenges []model.ChallengeSpec `yaml:"challenges"`
}

// EventsConfig holds lifecycle event publishing settings.
type EventsConfig struct {
	Enabled        bool           `yaml:"enabled"`
	Topic          string         `yaml:"topic"`
	PublishTimeout time.Duration  `yaml:"publishTimeout"`
	Kafka          mq.KafkaConfig `yaml:"kafka"`
}

// AppConfig holds the instance gateway configuration.
type AppConfig struct {
	Server   ServerConfig      `yaml:"server"`
	Logger   logger.Config     `yaml:"logger"`
	Auth     AuthConfig        `yaml:"auth"`
	Redis    cache.RedisConfig `yaml:"redis"`
	Database db.Config         `yaml:"database"`
	Runtime  RuntimeConfig     `yaml:"runtime"`
	Rate     RateLimitConfig   `yaml:"rateLimit"`
	Instance InstanceConfig    `yaml:"instance"`
	Proxy    ProxyConfig       `yaml:"proxy"`
	Catalog  CatalogConfig     `yaml:"catalog"`
	Events   EventsConfig      `yaml:"events"`
}

// loadEnvFile loads KEY=VALUE pairs into the process environment.
// A missing file is not an error; variables already set win.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load env file failed: %w", err)
	}
	return nil
}

// loadYAML reads path, expands ${VAR} references and decodes it into out.
func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

func loadAppConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *AppConfig) applyDefaults() error {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaultHTTPAddr
	}
	if cfg.Server.ReadHeaderTimeout == 0 {
		cfg.Server.ReadHeaderTimeout = defaultReadHeaderTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = defaultIdleTimeout
	}
	if cfg.Server.MaxHeaderBytes == 0 {
		cfg.Server.MaxHeaderBytes = defaultMaxHeaderBytes
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = defaultShutdownTimeout
	}

	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwtSecret is required")
	}
	if cfg.Auth.TokenCookie == "" {
		cfg.Auth.TokenCookie = "access_token"
	}
	if cfg.Auth.SingleSession && cfg.Redis.Addr == "" {
		return fmt.Errorf("auth.singleSession requires redis.addr")
	}
	if cfg.Instance.DistributedLock && cfg.Redis.Addr == "" {
		return fmt.Errorf("instance.distributedLock requires redis.addr")
	}
	if cfg.Redis.Addr != "" {
		cfg.Redis.ApplyDefaults()
	}

	if cfg.Database.DSN == "" {
		cfg.Database.Driver = db.DriverSQLite
		cfg.Database.DSN = defaultSQLiteDSN
	}
	cfg.Database.ApplyDefaults()
	switch cfg.Database.Driver {
	case db.DriverSQLite, db.DriverMySQL, db.DriverPostgres:
	default:
		return fmt.Errorf("unsupported database.driver %q", cfg.Database.Driver)
	}

	if cfg.Runtime.LaunchTimeout == 0 {
		cfg.Runtime.LaunchTimeout = defaultLaunchTimeout
	}
	cfg.Runtime.Docker.ApplyDefaults()

	if cfg.Rate.LaunchMax == 0 {
		cfg.Rate.LaunchMax = defaultLaunchMax
	}
	if cfg.Rate.Window == 0 {
		cfg.Rate.Window = defaultLaunchWindow
	}
	if cfg.Rate.RedisTimeout == 0 {
		cfg.Rate.RedisTimeout = 200 * time.Millisecond
	}

	if cfg.Instance.ReconcileInterval == 0 {
		cfg.Instance.ReconcileInterval = time.Minute
	}
	if cfg.Instance.OrphanGrace == 0 {
		cfg.Instance.OrphanGrace = 5 * time.Minute
	}
	if cfg.Instance.OrphanGrace <= cfg.Runtime.LaunchTimeout {
		return fmt.Errorf("instance.orphanGrace (%s) must exceed runtime.launchTimeout (%s)",
			cfg.Instance.OrphanGrace, cfg.Runtime.LaunchTimeout)
	}
	if cfg.Instance.LockTTL == 0 {
		cfg.Instance.LockTTL = cfg.Runtime.LaunchTimeout + 30*time.Second
	}

	if cfg.Proxy.TargetHost == "" {
		cfg.Proxy.TargetHost = cfg.Runtime.Docker.BindIP
	}

	cfg.Catalog.Source = strings.ToLower(strings.TrimSpace(cfg.Catalog.Source))
	if cfg.Catalog.Source == "" {
		cfg.Catalog.Source = catalogSourceDatabase
		if len(cfg.Catalog.Challenges) > 0 {
			cfg.Catalog.Source = catalogSourceStatic
		}
	}
	switch cfg.Catalog.Source {
	case catalogSourceDatabase:
	case catalogSourceStatic:
		if len(cfg.Catalog.Challenges) == 0 {
			return fmt.Errorf("catalog.challenges is required for the static catalog")
		}
	default:
		return fmt.Errorf("unsupported catalog.source %q", cfg.Catalog.Source)
	}

	if cfg.Events.Enabled {
		if cfg.Events.Topic == "" {
			return fmt.Errorf("events.topic is required")
		}
		if len(cfg.Events.Kafka.Brokers) == 0 {
			return fmt.Errorf("events.kafka.brokers are required when events are enabled")
		}
	}
	return nil
}
