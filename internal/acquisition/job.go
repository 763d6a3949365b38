package acquisition

import (
	"fmt"
	"time"

	xerrors "daq-plugin/internal/errors"
	"daq-plugin/internal/store"
)

// State 表示单个能力采集作业的生命周期状态。
type State string

const (
	StateQueued    State = "QUEUED"
	StateAcquiring State = "ACQUIRING"
	StateSaving    State = "SAVING"
	StateComplete  State = "COMPLETE"
	StateError     State = "ERROR"
	StateCanceled  State = "CANCELED"
)

// validTransitions 列出允许的状态迁移。ACQUIRING -> ACQUIRING 仅用于一次瞬时故障重试。
var validTransitions = map[State][]State{
	StateQueued:    {StateAcquiring, StateCanceled},
	StateAcquiring: {StateAcquiring, StateSaving, StateError, StateCanceled},
	StateSaving:    {StateComplete, StateError, StateCanceled},
}

// Terminal 判断状态是否为终态。
func (s State) Terminal() bool {
	switch s {
	case StateComplete, StateError, StateCanceled:
		return true
	default:
		return false
	}
}

// Valid 判断是否为已知状态。
func (s State) Valid() bool {
	switch s {
	case StateQueued, StateAcquiring, StateSaving, StateComplete, StateError, StateCanceled:
		return true
	default:
		return false
	}
}

// Rank 返回状态在 QUEUED < ACQUIRING < SAVING < 终态 顺序中的位置。
func (s State) Rank() int {
	switch s {
	case StateQueued:
		return 0
	case StateAcquiring:
		return 1
	case StateSaving:
		return 2
	default:
		return 3
	}
}

// ValidateTransition 检查 from -> to 是否合法。
func ValidateTransition(from, to State) error {
	for _, next := range validTransitions[from] {
		if next == to {
			return nil
		}
	}
	return xerrors.New(CodeInvalidTransition, fmt.Sprintf("非法状态迁移 %s -> %s", from, to))
}

// ErrorKind 区分作业失败的类别，供聚合方判断是否值得重新采集。
type ErrorKind string

const (
	KindDriverFault      ErrorKind = "DriverFault"
	KindStoreUnavailable ErrorKind = "StoreUnavailable"
	KindTimeout          ErrorKind = "Timeout"
	KindCanceled         ErrorKind = "Canceled"
)

// JobError 记录作业进入 ERROR 或 CANCELED 时的原因，终态之后不再变化。
type JobError struct {
	Kind    ErrorKind    `json:"kind"`
	Code    xerrors.Code `json:"code"`
	Message string       `json:"message"`
}

// Job 描述一次请求中某个能力的执行实例。
type Job struct {
	RequestID       string         `json:"request_id"`
	Capability      string         `json:"capability"`
	State           State          `json:"state"`
	Attempts        int            `json:"attempts"`
	CancelRequested bool           `json:"cancel_requested,omitempty"`
	Error           *JobError      `json:"error,omitempty"`
	RecordID        string         `json:"record_id,omitempty"`
	Parameters      map[string]any `json:"parameters,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`

	cancelReason *JobError
}

func (j *Job) clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	c.cancelReason = nil
	if j.Parameters != nil {
		c.Parameters = make(map[string]any, len(j.Parameters))
		for k, v := range j.Parameters {
			c.Parameters[k] = v
		}
	}
	return &c
}

const (
	CodeInvalidCapability  xerrors.Code = "INVALID_CAPABILITY"
	CodeDuplicateRequestID xerrors.Code = "DUPLICATE_REQUEST_ID"
	CodeUnknownRequestID   xerrors.Code = "UNKNOWN_REQUEST_ID"
	CodeDriverFault        xerrors.Code = "DRIVER_FAULT"
	CodeInvalidTransition  xerrors.Code = "INVALID_TRANSITION"
)

var (
	// ErrUnknownRequestID 表示请求从未被受理或已过保留期被清理。
	ErrUnknownRequestID = xerrors.New(CodeUnknownRequestID, "unknown request id")
	// ErrJobCanceled 表示作业已收到取消请求，持有者应放弃后续工作。
	ErrJobCanceled = xerrors.New(xerrors.CodeCanceled, "job canceled")
	// errJobNotClaimable 表示作业已被领取或已结束，重复投递时跳过。
	errJobNotClaimable = xerrors.New(xerrors.CodeConflict, "job not claimable")
)

func init() {
	xerrors.Register(CodeInvalidCapability, xerrors.Attributes{
		Message:   "unknown capability requested",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeDuplicateRequestID, xerrors.Attributes{
		Message:   "request id already tracked",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeUnknownRequestID, xerrors.Attributes{
		Message:   "unknown request id",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeDriverFault, xerrors.Attributes{
		Message:   "capture driver fault",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeInvalidTransition, xerrors.Attributes{
		Message:   "invalid job state transition",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
}

// kindForCode 将错误码映射为作业错误类别。
func kindForCode(code xerrors.Code) ErrorKind {
	switch code {
	case store.CodeStoreUnavailable:
		return KindStoreUnavailable
	case xerrors.CodeTimeout:
		return KindTimeout
	case xerrors.CodeCanceled:
		return KindCanceled
	default:
		return KindDriverFault
	}
}
