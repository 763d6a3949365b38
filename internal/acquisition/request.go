package acquisition

import (
	"time"

	"daq-plugin/pkg/driver"
)

// CaptureRequest 是请求中针对单个能力的采集参数。
type CaptureRequest struct {
	Capability string         `json:"capability" validate:"required"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Request 是一次 AcquireData 调用的完整输入。
type Request struct {
	// ID 由发起方生成；为空时由插件补齐一个 UUID。
	ID       string            `json:"request_id,omitempty" validate:"omitempty,max=128"`
	Action   driver.Action     `json:"action"`
	Captures []CaptureRequest  `json:"captures" validate:"required,min=1,dive"`
	Timeout  time.Duration     `json:"timeout,omitempty" validate:"gte=0"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// AggregateState 是由请求下全部作业推导出的整体状态，从不单独存储。
type AggregateState string

const (
	AggregateProcessing       AggregateState = "STILL_PROCESSING"
	AggregateCancelInProgress AggregateState = "CANCEL_IN_PROGRESS"
	AggregateError            AggregateState = "ERROR"
	AggregateCanceled         AggregateState = "CANCELED"
	AggregateComplete         AggregateState = "COMPLETE"
)

// Terminal 判断整体状态是否已结束。
func (s AggregateState) Terminal() bool {
	switch s {
	case AggregateError, AggregateCanceled, AggregateComplete:
		return true
	default:
		return false
	}
}

// IsValidAggregateState 检查给定的整体状态是否为支持的枚举值。
func IsValidAggregateState(s AggregateState) bool {
	switch s {
	case AggregateProcessing, AggregateCancelInProgress, AggregateError, AggregateCanceled, AggregateComplete:
		return true
	default:
		return false
	}
}

// Status 是 GetStatus 返回的时间点快照。
type Status struct {
	RequestID  string            `json:"request_id"`
	State      AggregateState    `json:"state"`
	Action     driver.Action     `json:"action"`
	Jobs       []*Job            `json:"jobs"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
	Deadline   time.Time         `json:"deadline,omitempty"`
	FinishedAt time.Time         `json:"finished_at,omitempty"`
}

// Job 返回指定能力的作业快照。
func (s *Status) Job(capability string) *Job {
	if s == nil {
		return nil
	}
	for _, j := range s.Jobs {
		if j.Capability == capability {
			return j
		}
	}
	return nil
}

// aggregate 计算整体状态：存在未结束作业时为处理中（若已请求取消则为取消中），
// 全部结束后 ERROR 优先于 CANCELED，全部完成才是 COMPLETE。
func aggregate(jobs []*Job) AggregateState {
	var pending, cancelPending, failed, canceled bool
	for _, j := range jobs {
		switch {
		case !j.State.Terminal():
			pending = true
			if j.CancelRequested {
				cancelPending = true
			}
		case j.State == StateError:
			failed = true
		case j.State == StateCanceled:
			canceled = true
		}
	}
	switch {
	case cancelPending:
		return AggregateCancelInProgress
	case pending:
		return AggregateProcessing
	case failed:
		return AggregateError
	case canceled:
		return AggregateCanceled
	default:
		return AggregateComplete
	}
}
