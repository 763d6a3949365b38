package rpc

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"net"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"daq-plugin/internal/acquisition"
	"daq-plugin/internal/auth"
	"daq-plugin/internal/observability/metrics"
	"daq-plugin/pkg/logger"
)

// Backend 是 gRPC 层依赖的采集服务能力，acquisition.Service 即为其实现。
type Backend interface {
	GetServiceInfo() acquisition.ServiceInfo
	AcquireData(ctx context.Context, req acquisition.Request) (string, error)
	GetStatus(ctx context.Context, id string) (*acquisition.Status, error)
	Cancel(ctx context.Context, id string) error
}

// methodPermissions 定义各方法所需权限。
var methodPermissions = map[string]string{
	MethodGetServiceInfo: auth.PermissionRead,
	MethodGetStatus:      auth.PermissionRead,
	MethodAcquireData:    auth.PermissionWrite,
	MethodCancel:         auth.PermissionCancel,
}

// Handler 将 Backend 适配为 PluginServiceServer。
type Handler struct {
	backend Backend
}

// NewHandler 创建 gRPC 处理器。
func NewHandler(backend Backend) *Handler {
	return &Handler{backend: backend}
}

func (h *Handler) GetServiceInfo(_ context.Context, _ *GetServiceInfoRequest) (*GetServiceInfoResponse, error) {
	return &GetServiceInfoResponse{Info: h.backend.GetServiceInfo()}, nil
}

func (h *Handler) AcquireData(ctx context.Context, in *AcquireDataRequest) (*AcquireDataResponse, error) {
	id, err := h.backend.AcquireData(ctx, in.Request)
	if err != nil {
		return nil, toStatus(ctx, err)
	}
	return &AcquireDataResponse{RequestID: id}, nil
}

func (h *Handler) GetStatus(ctx context.Context, in *GetStatusRequest) (*GetStatusResponse, error) {
	st, err := h.backend.GetStatus(ctx, strings.TrimSpace(in.RequestID))
	if err != nil {
		return nil, toStatus(ctx, err)
	}
	return &GetStatusResponse{Status: st}, nil
}

func (h *Handler) Cancel(ctx context.Context, in *CancelRequest) (*CancelResponse, error) {
	if err := h.backend.Cancel(ctx, strings.TrimSpace(in.RequestID)); err != nil {
		return nil, toStatus(ctx, err)
	}
	return &CancelResponse{}, nil
}

var _ PluginServiceServer = (*Handler)(nil)

// Server 封装 gRPC 服务器的创建与生命周期。
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	logger     *slog.Logger
}

// ServerOption 自定义服务器。
type ServerOption func(*serverOptions)

type serverOptions struct {
	auth  *auth.Service
	extra []grpc.ServerOption
}

// WithAuth 为全部方法启用令牌认证。
func WithAuth(svc *auth.Service) ServerOption {
	return func(o *serverOptions) {
		o.auth = svc
	}
}

// WithGRPCOptions 追加原生 gRPC 选项。
func WithGRPCOptions(opts ...grpc.ServerOption) ServerOption {
	return func(o *serverOptions) {
		o.extra = append(o.extra, opts...)
	}
}

// NewServer 创建注册了插件服务与健康检查的 gRPC 服务器。
func NewServer(backend Backend, opts ...ServerOption) *Server {
	var cfg serverOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	log := logger.Named("rpc")
	grpcOpts := []grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(metricsInterceptor(log), authInterceptor(cfg.auth)),
	}
	grpcOpts = append(grpcOpts, cfg.extra...)

	grpcServer := grpc.NewServer(grpcOpts...)
	RegisterPluginServiceServer(grpcServer, NewHandler(backend))

	healthServer := health.NewServer()
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	return &Server{grpcServer: grpcServer, health: healthServer, logger: log}
}

// Serve 在给定监听器上阻塞服务，直到 Stop 被调用或出现错误。
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("gRPC 服务启动", slog.String("address", lis.Addr().String()))
	err := s.grpcServer.Serve(lis)
	if stdErrors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

// ListenAndServe 监听地址并服务，ctx 结束时优雅停止。
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Serve(lis)
	}()
	select {
	case <-ctx.Done():
		s.Stop(5 * time.Second)
		return <-errCh
	case err := <-errCh:
		return err
	}
}

// Stop 标记为不可用并优雅停止，超时后强制关闭。
func (s *Server) Stop(timeout time.Duration) {
	s.health.Shutdown()
	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		s.grpcServer.Stop()
	}
}

func metricsInterceptor(log *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)
		metrics.ObserveRPC(info.FullMethod, code.String())
		if err != nil && code != codes.NotFound {
			log.Debug("gRPC 调用失败",
				slog.String("method", info.FullMethod),
				slog.String("code", code.String()),
				slog.Duration("duration", time.Since(start)),
				slog.String("error", err.Error()))
		}
		return resp, err
	}
}

// authInterceptor 从 metadata 的 authorization 中读取令牌，svc 为空或认证关闭时放行。
func authInterceptor(svc *auth.Service) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if svc == nil || svc.Mode() == auth.ModeDisabled {
			return handler(ctx, req)
		}
		var header string
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if values := md.Get("authorization"); len(values) > 0 {
				header = values[0]
			}
		}
		subject, err := svc.AuthenticateRequest(ctx, header)
		if err != nil {
			logger.Audit().Warn("access_denied",
				slog.String("method", info.FullMethod),
				slog.String("error", err.Error()))
			if stdErrors.Is(err, auth.ErrSubjectRevoked) {
				return nil, status.Error(codes.PermissionDenied, err.Error())
			}
			return nil, status.Error(codes.Unauthenticated, err.Error())
		}
		if perm, ok := methodPermissions[info.FullMethod]; ok {
			if err := subject.Authorize(perm); err != nil {
				logger.Audit().Warn("permission_denied",
					slog.String("method", info.FullMethod),
					slog.String("subject", subject.Name),
					slog.String("error", err.Error()))
				return nil, status.Error(codes.PermissionDenied, err.Error())
			}
		}
		return handler(auth.WithSubject(ctx, subject), req)
	}
}
