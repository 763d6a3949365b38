package rpc

import (
	"context"
	stdErrors "errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"daq-plugin/internal/acquisition"
	"daq-plugin/internal/capability"
	xerrors "daq-plugin/internal/errors"
	"daq-plugin/internal/store"
)

// ErrorCodeTrailer 携带业务错误码，客户端据此还原统一错误类型。
const ErrorCodeTrailer = "daq-error-code"

// grpcCode 将业务错误码映射为 gRPC 状态码。
func grpcCode(code xerrors.Code) codes.Code {
	switch code {
	case acquisition.CodeInvalidCapability, capability.CodeCapabilityNotFound, xerrors.CodeInvalidArgument:
		return codes.InvalidArgument
	case acquisition.CodeDuplicateRequestID:
		return codes.AlreadyExists
	case acquisition.CodeUnknownRequestID, store.CodeRecordNotFound, xerrors.CodeNotFound:
		return codes.NotFound
	case xerrors.CodeRateLimited:
		return codes.ResourceExhausted
	case xerrors.CodeQueueFailure, xerrors.CodeInitializationFailure, store.CodeStoreUnavailable:
		return codes.Unavailable
	case xerrors.CodeTimeout:
		return codes.DeadlineExceeded
	case xerrors.CodeCanceled:
		return codes.Canceled
	default:
		return codes.Internal
	}
}

// codeFromGRPC 在缺少 trailer 时按状态码推断业务错误码。
func codeFromGRPC(c codes.Code) xerrors.Code {
	switch c {
	case codes.InvalidArgument:
		return xerrors.CodeInvalidArgument
	case codes.AlreadyExists:
		return acquisition.CodeDuplicateRequestID
	case codes.NotFound:
		return acquisition.CodeUnknownRequestID
	case codes.ResourceExhausted:
		return xerrors.CodeRateLimited
	case codes.Unavailable:
		return xerrors.CodeInitializationFailure
	case codes.DeadlineExceeded:
		return xerrors.CodeTimeout
	case codes.Canceled:
		return xerrors.CodeCanceled
	default:
		return xerrors.CodeUnknown
	}
}

// toStatus 把服务端错误转换为 gRPC 状态并写入错误码 trailer。
func toStatus(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case stdErrors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case stdErrors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}

	code := xerrors.CodeOf(err)
	msg := err.Error()
	if e, ok := xerrors.From(err); ok {
		msg = e.Message()
	}
	_ = grpc.SetTrailer(ctx, metadata.Pairs(ErrorCodeTrailer, string(code)))
	return status.Error(grpcCode(code), msg)
}

// fromStatus 在客户端把 gRPC 错误还原为统一错误类型。
func fromStatus(err error, trailer metadata.MD) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "插件调用失败")
	}
	code := codeFromGRPC(st.Code())
	if values := trailer.Get(ErrorCodeTrailer); len(values) > 0 && values[0] != "" {
		code = xerrors.Code(values[0])
	}
	return xerrors.New(code, st.Message(), xerrors.WithMetadata("grpc_code", st.Code().String()))
}
