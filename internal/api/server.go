package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"daq-plugin/internal/acquisition"
	"daq-plugin/internal/auth"
	"daq-plugin/internal/directory"
	"daq-plugin/internal/observability/metrics"
	"daq-plugin/internal/store"
)

// Service 是 REST 层依赖的采集服务，acquisition.Service 即为其实现。
type Service interface {
	GetServiceInfo() acquisition.ServiceInfo
	AcquireData(ctx context.Context, req acquisition.Request) (string, error)
	GetStatus(ctx context.Context, id string) (*acquisition.Status, error)
	Cancel(ctx context.Context, id string) error
	List(ctx context.Context, opts ...acquisition.ListOption) ([]*acquisition.Status, error)
	Stats(ctx context.Context) (acquisition.Stats, error)
	Records(ctx context.Context, id string) ([]*store.Record, error)
}

// DirectoryReporter 报告目录保活状态，directory.KeepAlive 即为其实现。
type DirectoryReporter interface {
	Status() directory.Status
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr      string
	service   Service
	auth      *auth.Service
	directory DirectoryReporter
	metrics   bool
}

// Option 自定义服务器。
type Option func(*Server)

// WithAuth 启用令牌认证与审计。
func WithAuth(svc *auth.Service) Option {
	return func(s *Server) {
		s.auth = svc
	}
}

// WithDirectory 暴露目录保活状态。
func WithDirectory(d DirectoryReporter) Option {
	return func(s *Server) {
		s.directory = d
	}
}

// WithMetricsEndpoint 在同一端口挂载 /metrics。
func WithMetricsEndpoint() Option {
	return func(s *Server) {
		s.metrics = true
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, svc Service, opts ...Option) *Server {
	s := &Server{addr: addr, service: svc}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回完整的路由，供 Start 与测试共用。
func (s *Server) Handler() http.Handler {
	read := s.guard(auth.PermissionRead)
	write := s.guard(auth.PermissionWrite)
	cancel := s.guard(auth.PermissionCancel)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /api/v1/info", read(s.instrument("info", s.handleInfo)))
	mux.Handle("GET /api/v1/stats", read(s.instrument("stats", s.handleStats)))
	mux.Handle("GET /api/v1/directory", read(s.instrument("directory", s.handleDirectory)))
	mux.Handle("POST /api/v1/acquisitions", write(s.instrument("acquire", s.handleAcquire)))
	mux.Handle("GET /api/v1/acquisitions", read(s.instrument("list", s.handleList)))
	mux.Handle("GET /api/v1/acquisitions/{id}", read(s.instrument("status", s.handleStatus)))
	mux.Handle("POST /api/v1/acquisitions/{id}/cancel", cancel(s.instrument("cancel", s.handleCancel)))
	mux.Handle("GET /api/v1/acquisitions/{id}/records", read(s.instrument("records", s.handleRecords)))
	if s.metrics {
		mux.Handle("GET /metrics", metrics.Handler())
	}
	return otelhttp.NewHandler(mux, "daq-api")
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// guard 返回要求指定权限的认证中间件；未配置认证时原样放行。
func (s *Server) guard(permission string) func(http.Handler) http.Handler {
	if s.auth == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return s.auth.Middleware(auth.MiddlewareConfig{
		RequiredPermissions: map[string][]string{"*": {permission}},
	})
}

// instrument 记录请求耗时与状态码。
func (s *Server) instrument(name string, fn http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		fn(sw, r)
		metrics.ObserveHTTPRequest(name, r.Method, sw.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
