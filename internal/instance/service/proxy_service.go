package service

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"ctfgate/internal/instance/metrics"
	"ctfgate/internal/instance/model"
	"ctfgate/internal/instance/repository"
	pkgerrors "ctfgate/pkg/errors"
	"ctfgate/pkg/utils/logger"

	"go.uber.org/zap"
)

// strippedResponseHeaders are never relayed from an instance to the caller.
// The body is re-framed by this server, so the backend's framing headers do not apply.
var strippedResponseHeaders = []string{"Content-Encoding", "Content-Length", "Transfer-Encoding", "Connection"}

type ProxyConfig struct {
	// TargetHost is the address instance ports are published on.
	TargetHost            string
	DialTimeout           time.Duration
	ResponseHeaderTimeout time.Duration
	// ReadIdleTimeout aborts a response body that delivers nothing for this long.
	ReadIdleTimeout       time.Duration
	IdleConnTimeout       time.Duration
	MaxIdleConns          int
	MaxIdleConnsPerHost   int
	BufferSize            int
}

func (c *ProxyConfig) applyDefaults() {
	if c.TargetHost == "" {
		c.TargetHost = "127.0.0.1"
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.ResponseHeaderTimeout <= 0 {
		c.ResponseHeaderTimeout = 10 * time.Second
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = 10 * time.Second
	}
	if c.IdleConnTimeout <= 0 {
		c.IdleConnTimeout = 90 * time.Second
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 256
	}
	if c.MaxIdleConnsPerHost <= 0 {
		c.MaxIdleConnsPerHost = 8
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 32 * 1024
	}
}

type proxyTargetKey struct{}

type proxyCancelKey struct{}

type proxyTarget struct {
	hostPort int
	path     string
}

// ProxyService checks instance ownership and forwards requests to instance backends.
type ProxyService struct {
	registry repository.Registry
	proxy    *httputil.ReverseProxy
	cfg      ProxyConfig
}

func NewProxyService(registry repository.Registry, cfg ProxyConfig) *ProxyService {
	cfg.applyDefaults()
	s := &ProxyService{registry: registry, cfg: cfg}

	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: cfg.DialTimeout, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
	}
	s.proxy = &httputil.ReverseProxy{
		Rewrite:        s.rewrite,
		Transport:      transport,
		FlushInterval:  -1,
		BufferPool:     newBufferPool(cfg.BufferSize),
		ModifyResponse: s.modifyResponse,
		ErrorHandler:   s.handleError,
	}
	return s
}

// Authorize resolves hostPort to a record owned by principalID.
// An unknown port is InstanceNotFound; a port owned by someone else is InstanceForbidden.
func (s *ProxyService) Authorize(ctx context.Context, principalID string, hostPort int) (*model.InstanceRecord, error) {
	record, err := s.registry.FindByPort(ctx, hostPort)
	if err != nil {
		if errors.Is(err, repository.ErrInstanceNotFound) {
			metrics.RecordProxy("not_found")
			return nil, pkgerrors.New(pkgerrors.InstanceNotFound).WithDetail("host_port", hostPort)
		}
		return nil, pkgerrors.Wrap(err, pkgerrors.DatabaseError)
	}
	if record.PrincipalID != principalID {
		metrics.RecordProxy("forbidden")
		return nil, pkgerrors.New(pkgerrors.InstanceForbidden).WithDetail("host_port", hostPort)
	}
	return record, nil
}

// Forward streams r to the instance on hostPort at backendPath, an escaped path.
// The caller must have authorized the request.
func (s *ProxyService) Forward(w http.ResponseWriter, r *http.Request, hostPort int, backendPath string) {
	ctx := context.WithValue(r.Context(), proxyTargetKey{}, proxyTarget{hostPort: hostPort, path: backendPath})
	s.proxy.ServeHTTP(w, r.WithContext(ctx))
}

func (s *ProxyService) rewrite(pr *httputil.ProxyRequest) {
	target, _ := pr.In.Context().Value(proxyTargetKey{}).(proxyTarget)

	ctx, cancel := context.WithCancel(pr.Out.Context())
	pr.Out = pr.Out.WithContext(context.WithValue(ctx, proxyCancelKey{}, cancel))

	pr.Out.URL.Scheme = "http"
	pr.Out.URL.Host = net.JoinHostPort(s.cfg.TargetHost, strconv.Itoa(target.hostPort))
	pr.Out.URL.RawPath = target.path
	if path, err := url.PathUnescape(target.path); err == nil {
		pr.Out.URL.Path = path
	} else {
		pr.Out.URL.Path = target.path
		pr.Out.URL.RawPath = ""
	}
	pr.Out.Host = ""
	pr.SetXForwarded()
	// Content-Encoding is stripped from responses, so the transport must negotiate and decode.
	pr.Out.Header.Del("Accept-Encoding")
}

func (s *ProxyService) modifyResponse(resp *http.Response) error {
	for _, name := range strippedResponseHeaders {
		resp.Header.Del(name)
	}
	cancel, _ := resp.Request.Context().Value(proxyCancelKey{}).(context.CancelFunc)
	if cancel != nil && resp.StatusCode != http.StatusSwitchingProtocols {
		target, _ := resp.Request.Context().Value(proxyTargetKey{}).(proxyTarget)
		resp.Body = newIdleTimeoutBody(resp.Body, s.cfg.ReadIdleTimeout, func() {
			metrics.RecordProxy("read_idle_timeout")
			logger.Warn(resp.Request.Context(), "instance response stalled",
				zap.Int("host_port", target.hostPort),
				zap.Duration("idle", s.cfg.ReadIdleTimeout))
			cancel()
		})
	}
	metrics.RecordProxy("forwarded")
	return nil
}

func (s *ProxyService) handleError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	if cancel, ok := ctx.Value(proxyCancelKey{}).(context.CancelFunc); ok {
		defer cancel()
	}
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		metrics.RecordProxy("canceled")
		return
	}
	target, _ := ctx.Value(proxyTargetKey{}).(proxyTarget)
	metrics.RecordProxy("backend_unavailable")
	logger.Warn(ctx, "instance backend unavailable",
		zap.Int("host_port", target.hostPort),
		zap.String("method", r.Method),
		zap.Error(err))

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(pkgerrors.BackendUnavailable.HTTPStatus())
	_, _ = w.Write([]byte(pkgerrors.BackendUnavailable.Message()))
}

// BackendPath returns the part of escapedPath after prefix, always starting with "/".
func BackendPath(escapedPath, prefix string) string {
	suffix := strings.TrimPrefix(escapedPath, prefix)
	if !strings.HasPrefix(suffix, "/") {
		suffix = "/" + suffix
	}
	return suffix
}

// idleTimeoutBody fires onIdle when a single Read blocks longer than timeout.
// Time spent writing to the caller between reads is not counted.
type idleTimeoutBody struct {
	io.ReadCloser
	timeout time.Duration
	timer   *time.Timer
}

func newIdleTimeoutBody(body io.ReadCloser, timeout time.Duration, onIdle func()) *idleTimeoutBody {
	timer := time.AfterFunc(timeout, onIdle)
	timer.Stop()
	return &idleTimeoutBody{ReadCloser: body, timeout: timeout, timer: timer}
}

func (b *idleTimeoutBody) Read(p []byte) (int, error) {
	b.timer.Reset(b.timeout)
	n, err := b.ReadCloser.Read(p)
	b.timer.Stop()
	return n, err
}

func (b *idleTimeoutBody) Close() error {
	b.timer.Stop()
	return b.ReadCloser.Close()
}

type bufferPool struct {
	pool sync.Pool
}

func newBufferPool(size int) *bufferPool {
	return &bufferPool{pool: sync.Pool{New: func() any { return make([]byte, size) }}}
}

func (p *bufferPool) Get() []byte  { return p.pool.Get().([]byte) }
func (p *bufferPool) Put(b []byte) { p.pool.Put(b) }
