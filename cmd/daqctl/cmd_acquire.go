package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"daq-plugin/internal/acquisition"
	"daq-plugin/pkg/driver"
)

var acquireFlags struct {
	id       string
	action   string
	captures []string
	metadata map[string]string
	deadline time.Duration
	wait     bool
	interval time.Duration
}

var acquireCmd = &cobra.Command{
	Use:   "acquire",
	Short: "提交采集请求",
	Long: `提交一次采集请求。--capture 可重复，格式为 能力名[:键=值,键=值]，
例如 --capture gps:samples=3 --capture pano。`,
	RunE: runAcquire,
}

func init() {
	f := acquireCmd.Flags()
	f.StringVar(&acquireFlags.id, "id", "", "请求 ID，为空时自动生成")
	f.StringVar(&acquireFlags.action, "action", "", "触发动作，格式为 group/name")
	f.StringArrayVar(&acquireFlags.captures, "capture", nil, "采集项，可重复")
	f.StringToStringVar(&acquireFlags.metadata, "meta", nil, "附加元数据 key=value")
	f.DurationVar(&acquireFlags.deadline, "deadline", 0, "请求超时，0 表示使用插件默认值")
	f.BoolVar(&acquireFlags.wait, "wait", false, "提交后等待请求结束")
	f.DurationVar(&acquireFlags.interval, "interval", 500*time.Millisecond, "等待时的轮询间隔")
	_ = acquireCmd.MarkFlagRequired("capture")
}

func runAcquire(cmd *cobra.Command, _ []string) error {
	req, err := buildRequest(acquireFlags.id, acquireFlags.action, acquireFlags.captures, acquireFlags.metadata, acquireFlags.deadline)
	if err != nil {
		return err
	}

	ctx, cancel := commandContext(cmd)
	defer cancel()
	agg, err := connect(ctx)
	if err != nil {
		return err
	}
	defer agg.Close()
	if _, err := agg.Refresh(ctx); err != nil {
		return err
	}

	id, err := agg.AcquireData(ctx, req)
	if err != nil {
		return err
	}
	if !acquireFlags.wait {
		return printJSON(cmd.OutOrStdout(), map[string]string{"request_id": id})
	}
	st, err := agg.WaitUntilTerminal(ctx, id, acquireFlags.interval)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), st)
}

func buildRequest(id, action string, captures []string, metadata map[string]string, deadline time.Duration) (acquisition.Request, error) {
	req := acquisition.Request{ID: id, Timeout: deadline, Metadata: metadata}
	if action != "" {
		group, name, ok := strings.Cut(action, "/")
		if !ok || group == "" || name == "" {
			return req, fmt.Errorf("action 格式应为 group/name: %q", action)
		}
		req.Action = driver.Action{Group: group, Name: name}
	}
	if len(captures) == 0 {
		return req, errors.New("至少需要一个 --capture")
	}
	for _, raw := range captures {
		c, err := parseCapture(raw)
		if err != nil {
			return req, err
		}
		req.Captures = append(req.Captures, c)
	}
	return req, nil
}

// parseCapture 解析 能力名[:键=值,...]，参数值保持字符串，由插件按声明转换类型。
func parseCapture(raw string) (acquisition.CaptureRequest, error) {
	name, rest, _ := strings.Cut(strings.TrimSpace(raw), ":")
	if name == "" {
		return acquisition.CaptureRequest{}, fmt.Errorf("采集项缺少能力名: %q", raw)
	}
	c := acquisition.CaptureRequest{Capability: name}
	if rest == "" {
		return c, nil
	}
	c.Parameters = make(map[string]any)
	for _, pair := range strings.Split(rest, ",") {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return acquisition.CaptureRequest{}, fmt.Errorf("采集参数格式应为 key=value: %q", pair)
		}
		c.Parameters[key] = strings.TrimSpace(value)
	}
	return c, nil
}
