package acquisition

import (
	"context"
	"strings"

	xerrors "daq-plugin/internal/errors"
)

// JobKey 标识调度队列中的一个作业：一次请求中的一项能力。
type JobKey struct {
	RequestID  string
	Capability string
}

const jobKeySeparator = "@"

// String 返回队列中传输的文本形式 capability@request_id。
// 能力名不包含 '@'，按第一个分隔符即可还原。
func (k JobKey) String() string {
	return k.Capability + jobKeySeparator + k.RequestID
}

// ParseJobKey 解析 String 生成的作业键。
func ParseJobKey(raw string) (JobKey, error) {
	capability, requestID, ok := strings.Cut(raw, jobKeySeparator)
	if !ok || capability == "" || requestID == "" {
		return JobKey{}, xerrors.New(xerrors.CodeInvalidArgument, "作业键格式错误: "+raw)
	}
	return JobKey{RequestID: requestID, Capability: capability}, nil
}

// Handler 处理一个作业。返回错误表示作业未被处理，队列实现可据此重新投递。
type Handler func(ctx context.Context, key JobKey) error

// Producer 负责向队列投递作业。
type Producer interface {
	Publish(ctx context.Context, key JobKey) error
	Close() error
}

// Consumer 以 workerCount 个协程消费作业，直到 ctx 结束。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}
