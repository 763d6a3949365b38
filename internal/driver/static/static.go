// Package static 提供无需外部设备的合成数据驱动，支持注入延迟与故障，用于演示与联调。
package static

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"daq-plugin/pkg/driver"
)

// Kind 是清单中引用该驱动的名称。
const Kind = "static"

// Driver 根据配置返回固定内容。
//
// 支持的配置项：
//
//	payload             任意 JSON 值，作为采集结果返回
//	content_type        默认 application/json
//	delay               每次采集前的等待时间
//	transient_failures  每个请求前 N 次尝试返回瞬时故障
//	fault               非空时每次采集都以该信息失败
//	ignore_abort        为 true 时等待期间不响应中止，模拟不可中断的设备
type Driver struct {
	mu                sync.Mutex
	payload           any
	contentType       string
	delay             time.Duration
	transientFailures int
	fault             string
	ignoreAbort       bool
	opened            bool
	sequence          int64
	inflight          map[string][]chan struct{}
}

// New 创建一个未配置的静态驱动。
func New() driver.Driver {
	return &Driver{inflight: make(map[string][]chan struct{})}
}

// Factory 供驱动管理器注册内置驱动。
func Factory() driver.Factory { return New }

func (d *Driver) Info() driver.Info {
	return driver.Info{
		Kind:        Kind,
		Name:        "Static data source",
		Description: "Returns configured payloads without touching hardware.",
		Version:     "1.0.0",
	}
}

func (d *Driver) Configure(cfg map[string]any) error {
	contentType, err := driver.String(cfg, "content_type", "application/json")
	if err != nil {
		return err
	}
	delay, err := driver.Duration(cfg, "delay", 0)
	if err != nil {
		return err
	}
	failures, err := driver.Int(cfg, "transient_failures", 0)
	if err != nil {
		return err
	}
	fault, err := driver.String(cfg, "fault", "")
	if err != nil {
		return err
	}
	ignoreAbort, err := driver.Bool(cfg, "ignore_abort", false)
	if err != nil {
		return err
	}
	if delay < 0 || failures < 0 {
		return errors.New("delay and transient_failures must not be negative")
	}
	if _, ok := cfg["payload"]; !ok {
		cfg["payload"] = map[string]any{}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.payload = cfg["payload"]
	d.contentType = contentType
	d.delay = delay
	d.transientFailures = failures
	d.fault = fault
	d.ignoreAbort = ignoreAbort
	return nil
}

func (d *Driver) Open(context.Context) error {
	d.mu.Lock()
	d.opened = true
	d.mu.Unlock()
	return nil
}

// Capture 按配置等待后返回内容。参数 delay 可覆盖配置的等待时间。
func (d *Driver) Capture(ctx context.Context, req driver.CaptureRequest) (*driver.Payload, error) {
	d.mu.Lock()
	if !d.opened {
		d.mu.Unlock()
		return nil, errors.New("static driver not opened")
	}
	d.sequence++
	seq := d.sequence
	abort := make(chan struct{})
	d.inflight[req.RequestID] = append(d.inflight[req.RequestID], abort)
	payload, contentType, delay := d.payload, d.contentType, d.delay
	failures, fault, ignoreAbort := d.transientFailures, d.fault, d.ignoreAbort
	d.mu.Unlock()

	defer d.untrack(req.RequestID, abort)

	delay, err := driver.Duration(req.Parameters, "delay", delay)
	if err != nil {
		return nil, err
	}
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		if ignoreAbort {
			<-timer.C
		} else {
			select {
			case <-timer.C:
			case <-abort:
				return nil, context.Canceled
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	if fault != "" {
		return nil, errors.New(fault)
	}
	if req.Attempt <= failures {
		return nil, driver.Transientf("模拟瞬时故障 (attempt %d)", req.Attempt)
	}

	data, err := encode(payload, req, seq)
	if err != nil {
		return nil, err
	}
	return &driver.Payload{
		ContentType: contentType,
		Data:        data,
		Metadata:    map[string]string{"sequence": fmt.Sprint(seq)},
		CapturedAt:  time.Now().UTC(),
	}, nil
}

// Abort 中断等待中的采集。
func (d *Driver) Abort(requestID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, ch := range d.inflight[requestID] {
		close(ch)
	}
	delete(d.inflight, requestID)
}

func (d *Driver) untrack(requestID string, abort chan struct{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	waiting := d.inflight[requestID]
	for i, ch := range waiting {
		if ch == abort {
			waiting = append(waiting[:i], waiting[i+1:]...)
			break
		}
	}
	if len(waiting) == 0 {
		delete(d.inflight, requestID)
		return
	}
	d.inflight[requestID] = waiting
}

func (d *Driver) Close(context.Context) error {
	d.mu.Lock()
	d.opened = false
	d.mu.Unlock()
	return nil
}

func encode(payload any, req driver.CaptureRequest, seq int64) ([]byte, error) {
	if raw, ok := payload.(string); ok {
		return []byte(raw), nil
	}
	data, err := json.Marshal(map[string]any{
		"capability": req.Capability,
		"request_id": req.RequestID,
		"sequence":   seq,
		"value":      normalize(payload),
	})
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return data, nil
}

// normalize 将 YAML 解码得到的 map[any]any 转为可 JSON 编码的结构。
func normalize(v any) any {
	switch value := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(value))
		for k, item := range value {
			out[fmt.Sprint(k)] = normalize(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(value))
		for k, item := range value {
			out[k] = normalize(item)
		}
		return out
	case []any:
		out := make([]any, len(value))
		for i, item := range value {
			out[i] = normalize(item)
		}
		return out
	default:
		return v
	}
}

var (
	_ driver.Driver  = (*Driver)(nil)
	_ driver.Aborter = (*Driver)(nil)
)
