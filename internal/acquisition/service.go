package acquisition

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"daq-plugin/internal/capability"
	xerrors "daq-plugin/internal/errors"
	"daq-plugin/internal/observability/alerting"
	"daq-plugin/internal/observability/metrics"
	"daq-plugin/internal/store"
	"daq-plugin/pkg/driver"
	"daq-plugin/pkg/logger"
)

const (
	defaultRetention       = 30 * time.Second
	defaultRequestTimeout  = 5 * time.Minute
	defaultRetryDelay      = 200 * time.Millisecond
	defaultJanitorInterval = 10 * time.Second
	defaultPublishTimeout  = 5 * time.Second
	maxCaptureAttempts     = 2
)

// DriverSource 按能力名解析采集驱动，driver.Manager 即为其实现。
type DriverSource interface {
	Driver(capability string) (driver.Driver, bool)
}

// AdmissionValidator 在请求通过能力校验后、写入作业表前被调用，返回错误即拒绝受理。
type AdmissionValidator func(ctx context.Context, req Request) error

// TransitionHook 在作业状态变化后于锁外调用，同一作业的调用顺序与迁移顺序一致。
type TransitionHook func(ctx context.Context, t Transition)

// ServiceInfo 是 GetServiceInfo 的返回值。
type ServiceInfo struct {
	Plugin       string                  `json:"plugin"`
	Version      string                  `json:"version,omitempty"`
	Capabilities []capability.Capability `json:"capabilities"`
}

// Service 负责受理采集请求、维护作业表并对外提供状态查询与取消。
type Service struct {
	name     string
	version  string
	registry *capability.Registry
	drivers  DriverSource
	store    store.Store
	producer Producer
	table    *jobTable

	hooks          []TransitionHook
	admission      AdmissionValidator
	limiter        *rate.Limiter
	alerter        alerting.Dispatcher
	timeout        time.Duration
	retryDelay     time.Duration
	janitorEvery   time.Duration
	publishTimeout time.Duration
}

// Option 定义 Service 的可选配置。
type Option func(*Service)

// WithPluginName 设置插件名称与版本，记录在落库元数据和服务信息中。
func WithPluginName(name, version string) Option {
	return func(s *Service) {
		s.name = name
		s.version = version
	}
}

// WithTransitionHook 追加一个状态变化回调。
func WithTransitionHook(hook TransitionHook) Option {
	return func(s *Service) {
		if hook != nil {
			s.hooks = append(s.hooks, hook)
		}
	}
}

// WithAdmissionValidator 配置受理前的业务校验。
func WithAdmissionValidator(fn AdmissionValidator) Option {
	return func(s *Service) {
		s.admission = fn
	}
}

// WithRateLimit 限制每秒受理的请求数，rps <= 0 表示不限制。
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Service) {
		if rps <= 0 {
			s.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithRetention 设置请求结束后在作业表中的保留时长。
func WithRetention(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.table.retention = d
		}
	}
}

// WithRequestTimeout 设置未显式指定超时的请求的截止时长。
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithRetryDelay 设置瞬时故障重试前的等待时间。
func WithRetryDelay(d time.Duration) Option {
	return func(s *Service) {
		if d >= 0 {
			s.retryDelay = d
		}
	}
}

// WithJanitorInterval 设置 Run 清理过期请求的周期。
func WithJanitorInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.janitorEvery = d
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) Option {
	return func(s *Service) {
		s.alerter = dispatcher
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// NewService 构造采集服务。registry 会被封存，此后能力集合不可变。
func NewService(registry *capability.Registry, drivers DriverSource, st store.Store, producer Producer, opts ...Option) *Service {
	s := &Service{
		name:           "daq-plugin",
		registry:       registry,
		drivers:        drivers,
		store:          st,
		producer:       producer,
		table:          newJobTable(defaultRetention),
		timeout:        defaultRequestTimeout,
		retryDelay:     defaultRetryDelay,
		janitorEvery:   defaultJanitorInterval,
		publishTimeout: defaultPublishTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if registry != nil {
		registry.Seal()
	}
	return s
}

// GetServiceInfo 返回插件声明的能力集合，没有副作用。
func (s *Service) GetServiceInfo() ServiceInfo {
	info := ServiceInfo{Plugin: s.name, Version: s.version}
	if s.registry != nil {
		info.Capabilities = s.registry.List()
	}
	return info
}

// AcquireData 受理一次采集请求并立即返回请求 ID，不等待采集完成。
// 受理是全有或全无的：任何一个能力无效都不会创建作业。
func (s *Service) AcquireData(ctx context.Context, req Request) (string, error) {
	if s.registry == nil || s.producer == nil {
		return "", xerrors.New(xerrors.CodeInitializationFailure, "采集服务未初始化")
	}
	s.evict()

	req.ID = strings.TrimSpace(req.ID)
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	e, err := s.admit(ctx, req)
	if err != nil {
		metrics.ObserveAdmission(string(xerrors.CodeOf(err)))
		logger.L().Debug("拒绝采集请求", slog.String("request_id", req.ID), slog.Any("error", err))
		return "", err
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = s.timeout
	}
	s.table.arm(e.id, timeout, func() { s.expire(e.id) })

	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.publishTimeout)
	defer cancel()
	for _, name := range e.order {
		if err := s.producer.Publish(publishCtx, JobKey{RequestID: e.id, Capability: name}); err != nil {
			for _, abort := range s.table.discard(e.id) {
				abort()
			}
			wrapped := xerrors.Wrap(xerrors.CodeQueueFailure, err, "发布采集作业失败")
			logger.L().Error("采集作业入队失败", slog.Any("error", err), slog.String("request_id", e.id))
			metrics.ObserveAdmission(string(xerrors.CodeQueueFailure))
			s.alert(ctx, alerting.Event{
				Code:      xerrors.CodeQueueFailure,
				Message:   wrapped.Error(),
				Severity:  xerrors.SeverityOf(wrapped),
				Source:    "acquisition",
				RequestID: e.id,
			})
			return "", wrapped
		}
	}

	metrics.ObserveAdmission("admitted")
	metrics.SetTrackedRequests(s.table.len())
	logger.Audit().Info("采集请求已受理",
		slog.String("request_id", e.id),
		slog.String("action_group", req.Action.Group),
		slog.String("action_name", req.Action.Name),
		slog.String("capabilities", strings.Join(e.order, ",")),
		slog.Duration("timeout", timeout),
	)
	return e.id, nil
}

func (s *Service) admit(ctx context.Context, req Request) (*entry, error) {
	if err := validate.Struct(req); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "采集请求格式错误")
	}
	seen := make(map[string]struct{}, len(req.Captures))
	for _, c := range req.Captures {
		if _, dup := seen[c.Capability]; dup {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "同一请求中能力重复: "+c.Capability)
		}
		seen[c.Capability] = struct{}{}
	}

	var unknown []string
	for _, c := range req.Captures {
		if _, err := s.registry.Lookup(c.Capability); err != nil {
			unknown = append(unknown, c.Capability)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, xerrors.New(CodeInvalidCapability,
			"未知能力: "+strings.Join(unknown, ", "),
			xerrors.WithMetadata("capabilities", strings.Join(unknown, ",")))
	}

	e := &entry{
		id:       req.ID,
		action:   req.Action,
		jobs:     make(map[string]*Job, len(req.Captures)),
		order:    make([]string, 0, len(req.Captures)),
		metadata: cloneStrings(req.Metadata),
	}
	for _, c := range req.Captures {
		params, err := s.registry.Normalize(c.Capability, c.Parameters)
		if err != nil {
			return nil, err
		}
		e.jobs[c.Capability] = &Job{
			RequestID:  req.ID,
			Capability: c.Capability,
			State:      StateQueued,
			Parameters: params,
		}
		e.order = append(e.order, c.Capability)
	}

	if s.admission != nil {
		if err := s.admission(ctx, req); err != nil {
			if _, ok := xerrors.From(err); ok {
				return nil, err
			}
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "采集请求未通过校验")
		}
	}
	if err := s.table.admit(e, s.allow); err != nil {
		return nil, err
	}
	return e, nil
}

func (s *Service) allow() error {
	if s.limiter != nil && !s.limiter.Allow() {
		return xerrors.New(xerrors.CodeRateLimited, "采集请求过于频繁")
	}
	return nil
}

// GetStatus 返回请求的时间点快照。
func (s *Service) GetStatus(_ context.Context, id string) (*Status, error) {
	return s.table.snapshot(id)
}

// Cancel 标记请求下所有未结束的作业并通知驱动放弃，不等待驱动返回。
// 已完成的作业不受影响。
func (s *Service) Cancel(ctx context.Context, id string) error {
	err := s.cancel(ctx, id, JobError{Kind: KindCanceled, Code: xerrors.CodeCanceled, Message: "采集已被调用方取消"})
	if err == nil {
		logger.Audit().Info("采集请求已取消", slog.String("request_id", id))
	}
	return err
}

func (s *Service) expire(id string) {
	msg := "超过请求截止时间"
	if err := s.cancel(context.Background(), id, JobError{Kind: KindTimeout, Code: xerrors.CodeTimeout, Message: msg}); err != nil {
		return
	}
	logger.Audit().Warn("采集请求超时", slog.String("request_id", id))
}

func (s *Service) cancel(ctx context.Context, id string, reason JobError) error {
	aborts, transitions, err := s.table.requestCancel(id, reason)
	if err != nil {
		return err
	}
	s.emit(ctx, transitions)
	for _, abort := range aborts {
		abort()
	}
	return nil
}

// List 返回符合过滤条件的请求快照。
func (s *Service) List(_ context.Context, opts ...ListOption) ([]*Status, error) {
	return s.table.list(buildListOptions(opts)), nil
}

// Stats 返回作业表统计信息。
func (s *Service) Stats(_ context.Context) (Stats, error) {
	return s.table.stats(), nil
}

// Records 返回请求已落库的记录，请求 ID 不要求仍在作业表中。
func (s *Service) Records(ctx context.Context, id string) ([]*store.Record, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "采集存储未初始化")
	}
	return s.store.List(ctx, id)
}

// WaitUntilTerminal 轮询直到请求进入终态。
func (s *Service) WaitUntilTerminal(ctx context.Context, id string, interval time.Duration) (*Status, error) {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		st, err := s.GetStatus(ctx, id)
		if err != nil {
			return nil, err
		}
		if st.State.Terminal() {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Run 周期性清理超过保留期的请求，直到 ctx 结束。
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.janitorEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.evict()
		}
	}
}

func (s *Service) evict() {
	if n := s.table.evict(); n > 0 {
		logger.L().Debug("清理过期采集请求", slog.Int("count", n))
	}
	metrics.SetTrackedRequests(s.table.len())
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.producer != nil {
		if err := s.producer.Close(); err != nil {
			return err
		}
	}
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}

func (s *Service) emit(ctx context.Context, transitions []Transition) {
	for _, tr := range transitions {
		j := tr.Job
		metrics.ObserveTransition(j.Capability, string(j.State))
		if j.State.Terminal() {
			attrs := []any{
				slog.String("request_id", j.RequestID),
				slog.String("capability", j.Capability),
				slog.String("state", string(j.State)),
				slog.Int("attempts", j.Attempts),
			}
			if j.Error != nil {
				attrs = append(attrs,
					slog.String("error_kind", string(j.Error.Kind)),
					slog.String("error_code", string(j.Error.Code)),
					slog.String("error", j.Error.Message))
			}
			if j.RecordID != "" {
				attrs = append(attrs, slog.String("record_id", j.RecordID))
			}
			logger.Audit().Info("采集作业结束", attrs...)
		}
		for _, hook := range s.hooks {
			hook(ctx, tr)
		}
	}
}

func (s *Service) alert(ctx context.Context, event alerting.Event) {
	if s.alerter == nil {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}
	if err := s.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("request_id", event.RequestID),
			slog.String("code", string(event.Code)),
		)
	}
}

func cloneStrings(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
