package rpc

import (
	"context"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"daq-plugin/internal/acquisition"
)

// Client 是插件服务的 gRPC 客户端，供汇聚端调用远端插件。
type Client struct {
	conn  *grpc.ClientConn
	token string
	owned bool
}

// ClientOption 自定义客户端。
type ClientOption func(*Client)

// WithToken 为每次调用附加 Bearer 令牌。
func WithToken(token string) ClientOption {
	return func(c *Client) {
		c.token = strings.TrimSpace(token)
	}
}

// Dial 建立到插件的连接。传输层不加密，部署时由网络边界保证安全。
func Dial(target string, opts ...ClientOption) (*Client, error) {
	conn, err := grpc.NewClient(target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	)
	if err != nil {
		return nil, err
	}
	c := NewClient(conn, opts...)
	c.owned = true
	return c, nil
}

// NewClient 基于已有连接创建客户端，每次调用都会指定 JSON content-subtype。
func NewClient(conn *grpc.ClientConn, opts ...ClientOption) *Client {
	c := &Client{conn: conn}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// GetServiceInfo 查询插件的能力集合。
func (c *Client) GetServiceInfo(ctx context.Context) (acquisition.ServiceInfo, error) {
	var out GetServiceInfoResponse
	if err := c.invoke(ctx, MethodGetServiceInfo, &GetServiceInfoRequest{}, &out); err != nil {
		return acquisition.ServiceInfo{}, err
	}
	return out.Info, nil
}

// AcquireData 提交采集请求并返回请求 ID。
func (c *Client) AcquireData(ctx context.Context, req acquisition.Request) (string, error) {
	var out AcquireDataResponse
	if err := c.invoke(ctx, MethodAcquireData, &AcquireDataRequest{Request: req}, &out); err != nil {
		return "", err
	}
	return out.RequestID, nil
}

// GetStatus 查询请求状态。
func (c *Client) GetStatus(ctx context.Context, id string) (*acquisition.Status, error) {
	var out GetStatusResponse
	if err := c.invoke(ctx, MethodGetStatus, &GetStatusRequest{RequestID: id}, &out); err != nil {
		return nil, err
	}
	return out.Status, nil
}

// Cancel 取消请求。
func (c *Client) Cancel(ctx context.Context, id string) error {
	return c.invoke(ctx, MethodCancel, &CancelRequest{RequestID: id}, &CancelResponse{})
}

// Close 关闭由 Dial 创建的连接。
func (c *Client) Close() error {
	if !c.owned {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	if c.token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.token)
	}
	var trailer metadata.MD
	err := c.conn.Invoke(ctx, method, in, out,
		grpc.CallContentSubtype(CodecName),
		grpc.Trailer(&trailer),
	)
	return fromStatus(err, trailer)
}
