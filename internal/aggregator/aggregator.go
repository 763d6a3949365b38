// Package aggregator 实现汇聚端：把一次采集按能力分发到多个插件，并合并各插件的状态。
package aggregator

import (
	"context"
	stdErrors "errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"daq-plugin/internal/acquisition"
	xerrors "daq-plugin/internal/errors"
	"daq-plugin/pkg/logger"
)

// Plugin 是汇聚端视角下的单个插件，rpc.Client 与 Local 均实现该接口。
type Plugin interface {
	GetServiceInfo(ctx context.Context) (acquisition.ServiceInfo, error)
	AcquireData(ctx context.Context, req acquisition.Request) (string, error)
	GetStatus(ctx context.Context, id string) (*acquisition.Status, error)
	Cancel(ctx context.Context, id string) error
}

// LocalService 是进程内采集服务的最小接口。
type LocalService interface {
	GetServiceInfo() acquisition.ServiceInfo
	AcquireData(ctx context.Context, req acquisition.Request) (string, error)
	GetStatus(ctx context.Context, id string) (*acquisition.Status, error)
	Cancel(ctx context.Context, id string) error
}

type local struct {
	LocalService
}

func (l local) GetServiceInfo(context.Context) (acquisition.ServiceInfo, error) {
	return l.LocalService.GetServiceInfo(), nil
}

// Local 把进程内的采集服务包装为 Plugin。
func Local(svc LocalService) Plugin {
	return local{LocalService: svc}
}

// Status 是跨插件合并后的请求状态。
type Status struct {
	RequestID string                         `json:"request_id"`
	State     acquisition.AggregateState     `json:"state"`
	Plugins   map[string]*acquisition.Status `json:"plugins"`
}

// Aggregator 维护插件集合、能力路由以及已分发请求的去向。
type Aggregator struct {
	plugins map[string]Plugin
	names   []string
	logger  *slog.Logger

	mu       sync.RWMutex
	routes   map[string]string
	requests map[string][]string
}

// Option 自定义汇聚器。
type Option func(*Aggregator)

// WithLogger 设置日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(a *Aggregator) {
		if l != nil {
			a.logger = l
		}
	}
}

// New 创建汇聚器，插件名用于路由冲突时的确定性排序。
func New(plugins map[string]Plugin, opts ...Option) *Aggregator {
	a := &Aggregator{
		plugins:  make(map[string]Plugin, len(plugins)),
		logger:   logger.Named("aggregator"),
		routes:   make(map[string]string),
		requests: make(map[string][]string),
	}
	for name, p := range plugins {
		a.plugins[name] = p
		a.names = append(a.names, name)
	}
	sort.Strings(a.names)
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Plugins 返回插件名列表。
func (a *Aggregator) Plugins() []string {
	return append([]string(nil), a.names...)
}

// Refresh 并发查询全部插件的能力并重建路由表。同名能力由排序靠前的插件承接。
func (a *Aggregator) Refresh(ctx context.Context) (map[string]acquisition.ServiceInfo, error) {
	infos := make([]acquisition.ServiceInfo, len(a.names))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range a.names {
		i, name := i, name
		g.Go(func() error {
			info, err := a.plugins[name].GetServiceInfo(gctx)
			if err != nil {
				return fmt.Errorf("查询插件 %s 能力失败: %w", name, err)
			}
			infos[i] = info
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	routes := make(map[string]string)
	out := make(map[string]acquisition.ServiceInfo, len(a.names))
	for i, name := range a.names {
		out[name] = infos[i]
		for _, c := range infos[i].Capabilities {
			if owner, taken := routes[c.Name]; taken {
				a.logger.Warn("能力由多个插件提供，保留首个",
					slog.String("capability", c.Name),
					slog.String("owner", owner),
					slog.String("ignored", name))
				continue
			}
			routes[c.Name] = name
		}
	}
	a.mu.Lock()
	a.routes = routes
	a.mu.Unlock()
	return out, nil
}

// Route 按能力把请求拆分为每个插件一份，能力未知时整体拒绝。
func (a *Aggregator) Route(req acquisition.Request) (map[string]acquisition.Request, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make(map[string]acquisition.Request)
	var unknown []string
	for _, c := range req.Captures {
		name, ok := a.routes[c.Capability]
		if !ok {
			unknown = append(unknown, c.Capability)
			continue
		}
		sub, exists := out[name]
		if !exists {
			sub = req
			sub.Captures = nil
		}
		sub.Captures = append(sub.Captures, c)
		out[name] = sub
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, xerrors.New(acquisition.CodeInvalidCapability, "没有插件提供能力: "+strings.Join(unknown, ", "))
	}
	if len(out) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "采集请求至少包含一个能力")
	}
	return out, nil
}

// AcquireData 以同一请求 ID 并发提交到各插件。任何插件拒绝时取消已受理的插件并返回错误，
// 使跨插件的受理同样是全有或全无。
func (a *Aggregator) AcquireData(ctx context.Context, req acquisition.Request) (string, error) {
	req.ID = strings.TrimSpace(req.ID)
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	parts, err := a.Route(req)
	if err != nil {
		return "", err
	}

	// 各插件共用调用方 ctx，一个插件拒绝不会中断其余插件的受理调用。
	var (
		mu       sync.Mutex
		admitted []string
		g        errgroup.Group
	)
	for name, sub := range parts {
		name, sub := name, sub
		g.Go(func() error {
			if _, err := a.plugins[name].AcquireData(ctx, sub); err != nil {
				if undecided(err) {
					mu.Lock()
					admitted = append(admitted, name)
					mu.Unlock()
				}
				return &PluginError{Plugin: name, Err: err}
			}
			mu.Lock()
			admitted = append(admitted, name)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		a.rollback(context.WithoutCancel(ctx), req.ID, admitted)
		return "", err
	}

	sort.Strings(admitted)
	a.mu.Lock()
	a.requests[req.ID] = admitted
	a.mu.Unlock()
	a.logger.Info("采集请求已分发",
		slog.String("request_id", req.ID),
		slog.String("plugins", strings.Join(admitted, ",")))
	return req.ID, nil
}

// undecided 判断受理调用是否在插件给出结论前中断，此时插件可能已经受理。
func undecided(err error) bool {
	if stdErrors.Is(err, context.Canceled) || stdErrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	code := xerrors.CodeOf(err)
	return code == xerrors.CodeCanceled || code == xerrors.CodeTimeout
}

// rollback 取消已受理或结果未知的插件，插件不认识该请求时视为无需回滚。
func (a *Aggregator) rollback(ctx context.Context, id string, admitted []string) {
	for _, name := range admitted {
		err := a.plugins[name].Cancel(ctx, id)
		if err != nil && xerrors.CodeOf(err) != acquisition.CodeUnknownRequestID {
			a.logger.Warn("回滚插件受理失败",
				slog.String("request_id", id),
				slog.String("plugin", name),
				slog.String("error", err.Error()))
		}
	}
}

// GetStatus 并发查询请求涉及的全部插件并合并整体状态。
func (a *Aggregator) GetStatus(ctx context.Context, id string) (*Status, error) {
	names, tracked, err := a.targets(id)
	if err != nil {
		return nil, err
	}
	statuses := make([]*acquisition.Status, len(names))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			st, err := a.plugins[name].GetStatus(gctx, id)
			if err != nil {
				if !tracked && xerrors.CodeOf(err) == acquisition.CodeUnknownRequestID {
					return nil
				}
				return &PluginError{Plugin: name, Err: err}
			}
			statuses[i] = st
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := &Status{RequestID: id, Plugins: make(map[string]*acquisition.Status, len(names))}
	states := make([]acquisition.AggregateState, 0, len(names))
	for i, name := range names {
		if statuses[i] == nil {
			continue
		}
		out.Plugins[name] = statuses[i]
		states = append(states, statuses[i].State)
	}
	if len(states) == 0 {
		return nil, acquisition.ErrUnknownRequestID
	}
	out.State = Merge(states...)
	return out, nil
}

// Cancel 向请求涉及的全部插件发送取消，返回遇到的第一个错误。
func (a *Aggregator) Cancel(ctx context.Context, id string) error {
	names, tracked, err := a.targets(id)
	if err != nil {
		return err
	}
	var (
		mu    sync.Mutex
		found int
	)
	g, gctx := errgroup.WithContext(context.WithoutCancel(ctx))
	for _, name := range names {
		name := name
		g.Go(func() error {
			err := a.plugins[name].Cancel(gctx, id)
			if err != nil {
				if !tracked && xerrors.CodeOf(err) == acquisition.CodeUnknownRequestID {
					return nil
				}
				return &PluginError{Plugin: name, Err: err}
			}
			mu.Lock()
			found++
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if found == 0 {
		return acquisition.ErrUnknownRequestID
	}
	return nil
}

// WaitUntilTerminal 轮询合并状态直到进入终态或 ctx 结束。
func (a *Aggregator) WaitUntilTerminal(ctx context.Context, id string, interval time.Duration) (*Status, error) {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		st, err := a.GetStatus(ctx, id)
		if err != nil {
			return nil, err
		}
		if st.State.Terminal() {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Forget 删除请求的分发记录。
func (a *Aggregator) Forget(id string) {
	a.mu.Lock()
	delete(a.requests, id)
	a.mu.Unlock()
}

// Close 关闭实现了 io.Closer 的插件连接。
func (a *Aggregator) Close() error {
	var first error
	for _, name := range a.names {
		if c, ok := a.plugins[name].(io.Closer); ok {
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}

// targets 返回请求涉及的插件。未经本汇聚器分发的请求会询问全部插件，
// 此时 tracked 为 false，不认识该请求的插件会被忽略。
func (a *Aggregator) targets(id string) (names []string, tracked bool, err error) {
	if strings.TrimSpace(id) == "" {
		return nil, false, xerrors.New(xerrors.CodeInvalidArgument, "request id 不能为空")
	}
	a.mu.RLock()
	names, tracked = a.requests[id]
	a.mu.RUnlock()
	if tracked {
		return names, true, nil
	}
	if len(a.names) == 0 {
		return nil, false, acquisition.ErrUnknownRequestID
	}
	return a.Plugins(), false, nil
}

// Merge 合并多个插件的整体状态，优先级与单插件内的合并规则一致。
func Merge(states ...acquisition.AggregateState) acquisition.AggregateState {
	var pending, cancelPending, failed, canceled bool
	for _, s := range states {
		switch s {
		case acquisition.AggregateCancelInProgress:
			cancelPending = true
		case acquisition.AggregateProcessing:
			pending = true
		case acquisition.AggregateError:
			failed = true
		case acquisition.AggregateCanceled:
			canceled = true
		}
	}
	switch {
	case cancelPending:
		return acquisition.AggregateCancelInProgress
	case pending:
		return acquisition.AggregateProcessing
	case failed:
		return acquisition.AggregateError
	case canceled:
		return acquisition.AggregateCanceled
	default:
		return acquisition.AggregateComplete
	}
}

// PluginError 标记出错的插件，保留原始错误码。
type PluginError struct {
	Plugin string
	Err    error
}

func (e *PluginError) Error() string {
	return fmt.Sprintf("plugin %s: %v", e.Plugin, e.Err)
}

func (e *PluginError) Unwrap() error {
	return e.Err
}
