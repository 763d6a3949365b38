// Package rpc 以 gRPC 暴露插件服务，消息使用 JSON 编码而非 protobuf。
package rpc

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// CodecName 是注册到 gRPC 的 content-subtype，请求头为 application/grpc+json。
const CodecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return CodecName
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
