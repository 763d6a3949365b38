package store

import (
	"context"
	"strings"
	"time"

	xerrors "daq-plugin/internal/errors"
)

// Record 是一次采集在存储中的持久化记录，以 (RequestID, Capability) 唯一。
type Record struct {
	ID          string            `json:"id"`
	RequestID   string            `json:"request_id"`
	Capability  string            `json:"capability"`
	Channel     string            `json:"channel,omitempty"`
	ActionGroup string            `json:"action_group,omitempty"`
	ActionName  string            `json:"action_name,omitempty"`
	Plugin      string            `json:"plugin,omitempty"`
	ContentType string            `json:"content_type,omitempty"`
	Payload     []byte            `json:"payload,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CapturedAt  time.Time         `json:"captured_at"`
	StoredAt    time.Time         `json:"stored_at"`
}

// Store 抽象了采集结果的持久化接口。
//
// Write 对同一 (RequestID, Capability) 幂等：重复写入不会产生第二条记录，
// 并返回首次写入时的记录 ID。
type Store interface {
	Write(ctx context.Context, record Record) (string, error)
	Get(ctx context.Context, requestID, capability string) (*Record, error)
	List(ctx context.Context, requestID string) ([]*Record, error)
	Close() error
}

const (
	CodeStoreUnavailable xerrors.Code = "STORE_UNAVAILABLE"
	CodeRecordNotFound   xerrors.Code = "RECORD_NOT_FOUND"
)

var (
	// ErrRecordNotFound 表示指定的记录不存在。
	ErrRecordNotFound = xerrors.New(CodeRecordNotFound, "record not found")
)

func init() {
	xerrors.Register(CodeStoreUnavailable, xerrors.Attributes{
		Message:   "acquisition store unavailable",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeRecordNotFound, xerrors.Attributes{
		Message:   "record not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

func validateRecord(record Record) error {
	if strings.TrimSpace(record.RequestID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "记录缺少 request_id")
	}
	if strings.TrimSpace(record.Capability) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "记录缺少 capability")
	}
	return nil
}

func cloneRecord(record *Record) *Record {
	clone := *record
	if record.Payload != nil {
		clone.Payload = append([]byte(nil), record.Payload...)
	}
	if record.Metadata != nil {
		clone.Metadata = make(map[string]string, len(record.Metadata))
		for k, v := range record.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}
