package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// WebhookSender 通过 HTTP POST 把文本消息推送给钉钉或 Slack 的 incoming webhook。
type WebhookSender struct {
	URL        string
	HTTPClient *http.Client
}

// NewWebhookSender 创建 WebhookSender。
func NewWebhookSender(url string) *WebhookSender {
	return &WebhookSender{URL: url, HTTPClient: &http.Client{Timeout: 10 * time.Second}}
}

// Send 实现 DingTalkSender。
func (w *WebhookSender) Send(ctx context.Context, content string) error {
	return w.post(ctx, map[string]any{
		"msgtype": "text",
		"text":    map[string]string{"content": content},
	})
}

// SlackSender 返回一个向同一个 webhook 推送 Slack 消息格式的发送器。
func (w *WebhookSender) SlackSender() SlackSender {
	return slackWebhook{w}
}

type slackWebhook struct {
	w *WebhookSender
}

func (s slackWebhook) Send(ctx context.Context, channel, content string) error {
	return s.w.post(ctx, map[string]string{"channel": channel, "text": content})
}

func (w *WebhookSender) post(ctx context.Context, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	client := w.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("webhook 返回状态 %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}
	return nil
}
