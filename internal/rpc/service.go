package rpc

import (
	"context"

	"google.golang.org/grpc"

	"daq-plugin/internal/acquisition"
)

// ServiceName 是插件服务的完整 gRPC 服务名。
const ServiceName = "daq.PluginService"

const (
	MethodGetServiceInfo = "/" + ServiceName + "/GetServiceInfo"
	MethodAcquireData    = "/" + ServiceName + "/AcquireData"
	MethodGetStatus      = "/" + ServiceName + "/GetStatus"
	MethodCancel         = "/" + ServiceName + "/Cancel"
)

type GetServiceInfoRequest struct{}

type GetServiceInfoResponse struct {
	Info acquisition.ServiceInfo `json:"info"`
}

type AcquireDataRequest struct {
	Request acquisition.Request `json:"request"`
}

type AcquireDataResponse struct {
	RequestID string `json:"request_id"`
}

type GetStatusRequest struct {
	RequestID string `json:"request_id"`
}

type GetStatusResponse struct {
	Status *acquisition.Status `json:"status"`
}

type CancelRequest struct {
	RequestID string `json:"request_id"`
}

type CancelResponse struct{}

// PluginServiceServer 是 daq.PluginService 的服务端接口。
type PluginServiceServer interface {
	GetServiceInfo(context.Context, *GetServiceInfoRequest) (*GetServiceInfoResponse, error)
	AcquireData(context.Context, *AcquireDataRequest) (*AcquireDataResponse, error)
	GetStatus(context.Context, *GetStatusRequest) (*GetStatusResponse, error)
	Cancel(context.Context, *CancelRequest) (*CancelResponse, error)
}

// RegisterPluginServiceServer 将实现注册到 gRPC 服务器。
func RegisterPluginServiceServer(s grpc.ServiceRegistrar, srv PluginServiceServer) {
	s.RegisterService(&PluginServiceDesc, srv)
}

// PluginServiceDesc 描述 daq.PluginService，四个方法均为一元调用。
var PluginServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PluginServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetServiceInfo",
			Handler: unaryHandler(MethodGetServiceInfo, func(s PluginServiceServer, ctx context.Context, in *GetServiceInfoRequest) (*GetServiceInfoResponse, error) {
				return s.GetServiceInfo(ctx, in)
			}),
		},
		{
			MethodName: "AcquireData",
			Handler: unaryHandler(MethodAcquireData, func(s PluginServiceServer, ctx context.Context, in *AcquireDataRequest) (*AcquireDataResponse, error) {
				return s.AcquireData(ctx, in)
			}),
		},
		{
			MethodName: "GetStatus",
			Handler: unaryHandler(MethodGetStatus, func(s PluginServiceServer, ctx context.Context, in *GetStatusRequest) (*GetStatusResponse, error) {
				return s.GetStatus(ctx, in)
			}),
		},
		{
			MethodName: "Cancel",
			Handler: unaryHandler(MethodCancel, func(s PluginServiceServer, ctx context.Context, in *CancelRequest) (*CancelResponse, error) {
				return s.Cancel(ctx, in)
			}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "daq/plugin_service.json",
}

type methodHandler = func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error)

func unaryHandler[Req, Resp any](fullMethod string, call func(PluginServiceServer, context.Context, *Req) (*Resp, error)) methodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(PluginServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(PluginServiceServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}
