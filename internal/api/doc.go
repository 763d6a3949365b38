// Package api 以 REST 形式暴露采集接口，供运维人员与 Go SDK 使用。
// gRPC 接口见 internal/rpc，两者共用同一个采集服务。
package api
