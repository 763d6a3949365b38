package directory

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"daq-plugin/internal/auth"
	xerrors "daq-plugin/internal/errors"
	"daq-plugin/internal/observability/alerting"
	"daq-plugin/internal/observability/metrics"
	"daq-plugin/pkg/logger"
)

const (
	defaultInterval         = 30 * time.Second
	defaultFailureThreshold = 3
	defaultInitialTimeout   = time.Minute
	defaultCallTimeout      = 10 * time.Second
)

// KeepAliveConfig 控制注册与续约节奏。
type KeepAliveConfig struct {
	Interval         time.Duration `mapstructure:"interval"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	InitialTimeout   time.Duration `mapstructure:"initial_timeout"`
	CallTimeout      time.Duration `mapstructure:"call_timeout"`
	// ResetOnStart 为 true 时启动先注销同名条目再注册。
	ResetOnStart bool `mapstructure:"reset_on_start"`
}

func (c KeepAliveConfig) withDefaults() KeepAliveConfig {
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = defaultFailureThreshold
	}
	if c.InitialTimeout <= 0 {
		c.InitialTimeout = defaultInitialTimeout
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = defaultCallTimeout
	}
	return c
}

// Status 是保活循环的当前状态快照。
type Status struct {
	Registered  bool      `json:"registered"`
	Failures    int       `json:"consecutive_failures"`
	Alarmed     bool      `json:"alarmed"`
	LastSuccess time.Time `json:"last_success,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

// KeepAlive 在后台维持插件在目录中的注册，与采集作业完全独立。
type KeepAlive struct {
	client   Client
	provider auth.Provider
	desc     Descriptor
	cfg      KeepAliveConfig
	alerts   alerting.Dispatcher
	logger   *slog.Logger

	mu          sync.Mutex
	lease       *Lease
	failures    int
	alarmed     bool
	lastSuccess time.Time
	lastErr     error
	stop        context.CancelFunc
	done        chan struct{}
}

// KeepAliveOption 自定义保活行为。
type KeepAliveOption func(*KeepAlive)

// WithAlertDispatcher 设置达到失败阈值时的告警通道。
func WithAlertDispatcher(d alerting.Dispatcher) KeepAliveOption {
	return func(k *KeepAlive) {
		k.alerts = d
	}
}

// WithLogger 设置日志记录器。
func WithLogger(l *slog.Logger) KeepAliveOption {
	return func(k *KeepAlive) {
		if l != nil {
			k.logger = l
		}
	}
}

// NewKeepAlive 创建保活任务。
func NewKeepAlive(client Client, provider auth.Provider, desc Descriptor, cfg KeepAliveConfig, opts ...KeepAliveOption) *KeepAlive {
	k := &KeepAlive{
		client:   client,
		provider: provider,
		desc:     desc.clone(),
		cfg:      cfg.withDefaults(),
		logger:   logger.Named("directory"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(k)
		}
	}
	return k
}

// Run 完成首次注册后按固定间隔续约，直到 ctx 结束或调用 Shutdown。
// 单次失败只记录并在下个周期重试，不会返回错误。
func (k *KeepAlive) Run(ctx context.Context) error {
	if err := k.desc.Validate(); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	k.mu.Lock()
	if k.done != nil {
		k.mu.Unlock()
		cancel()
		return xerrors.New(xerrors.CodeConflict, "保活任务已在运行")
	}
	k.stop = cancel
	k.done = done
	k.mu.Unlock()
	defer close(done)
	defer cancel()

	k.record(ctx, "register", k.initial(ctx))

	ticker := time.NewTicker(k.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			k.Tick(ctx)
		}
	}
}

// Tick 执行一次续约，租约失效时重新注册。
func (k *KeepAlive) Tick(ctx context.Context) {
	k.mu.Lock()
	lease := k.lease
	k.mu.Unlock()

	if lease == nil {
		k.record(ctx, "register", k.announce(ctx, false))
		return
	}
	callCtx, cancel := context.WithTimeout(ctx, k.cfg.CallTimeout)
	err := k.client.Renew(callCtx, *lease)
	cancel()
	if stdErrors.Is(err, ErrLeaseExpired) || stdErrors.Is(err, ErrNotRegistered) {
		k.logger.Warn("目录租约失效，重新注册", slog.String("name", k.desc.Name))
		k.mu.Lock()
		k.lease = nil
		k.mu.Unlock()
		k.record(ctx, "register", k.announce(ctx, false))
		return
	}
	k.record(ctx, "renew", err)
}

// initial 在 InitialTimeout 内按指数退避重试首次注册。
func (k *KeepAlive) initial(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	if policy.InitialInterval > k.cfg.Interval {
		policy.InitialInterval = k.cfg.Interval
	}
	policy.MaxInterval = k.cfg.Interval
	policy.MaxElapsedTime = k.cfg.InitialTimeout

	return backoff.Retry(func() error {
		err := k.announce(ctx, k.cfg.ResetOnStart)
		if err != nil && (ctx.Err() != nil || stdErrors.Is(err, ErrCredentialsMismatch) || stdErrors.Is(err, auth.ErrNoCredentials)) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(policy, ctx))
}

// announce 注册插件；reset 为 true 时先注销旧条目，已存在时改为更新。
func (k *KeepAlive) announce(ctx context.Context, reset bool) error {
	creds, err := k.provider.Credentials(ctx)
	if err != nil {
		return fmt.Errorf("获取目录凭据失败: %w", err)
	}
	callCtx, cancel := context.WithTimeout(ctx, k.cfg.CallTimeout)
	defer cancel()

	if reset {
		err := k.client.Unregister(callCtx, k.desc.Name, creds)
		if err != nil && !stdErrors.Is(err, ErrNotRegistered) {
			return fmt.Errorf("重置目录注册失败: %w", err)
		}
	}
	lease, err := k.client.Register(callCtx, k.desc, creds)
	if stdErrors.Is(err, ErrAlreadyExists) {
		lease, err = k.client.Update(callCtx, k.desc, creds)
	}
	if err != nil {
		return err
	}
	k.mu.Lock()
	k.lease = &lease
	k.mu.Unlock()
	logger.Audit().Info("directory_registered",
		slog.String("name", k.desc.Name),
		slog.String("address", k.desc.Address),
		slog.String("guid", creds.GUID),
	)
	return nil
}

// record 维护连续失败计数，越过阈值时告警一次，恢复后发送恢复事件。
func (k *KeepAlive) record(ctx context.Context, op string, err error) {
	metrics.ObserveAnnouncement(op, err)
	if err != nil && ctx.Err() != nil {
		return
	}

	k.mu.Lock()
	var event *alerting.Event
	if err == nil {
		if k.alarmed {
			event = &alerting.Event{
				Code:      CodeDirectoryUnreachable,
				Message:   "目录服务恢复可达",
				Severity:  xerrors.SeverityInfo,
				Recovered: true,
				Attempts:  k.failures,
			}
		}
		k.failures = 0
		k.alarmed = false
		k.lastSuccess = time.Now().UTC()
		k.lastErr = nil
	} else {
		k.failures++
		k.lastErr = err
		if k.failures >= k.cfg.FailureThreshold && !k.alarmed {
			k.alarmed = true
			event = &alerting.Event{
				Code:     CodeDirectoryUnreachable,
				Message:  err.Error(),
				Severity: xerrors.AttributesOf(CodeDirectoryUnreachable).Severity,
				Attempts: k.failures,
			}
		}
	}
	failures := k.failures
	k.mu.Unlock()

	metrics.SetDirectoryFailures(failures)
	if err != nil {
		k.logger.Warn("目录保活失败",
			slog.String("op", op),
			slog.String("name", k.desc.Name),
			slog.Int("consecutive_failures", failures),
			slog.String("error", err.Error()),
		)
	}
	if event == nil {
		return
	}
	event.Source = "directory"
	event.Metadata = map[string]string{"name": k.desc.Name, "address": k.desc.Address, "op": op}
	if event.Recovered {
		logger.Audit().Info("directory_recovered", slog.String("name", k.desc.Name))
	} else {
		logger.Audit().Error("directory_unreachable",
			slog.String("name", k.desc.Name),
			slog.Int("consecutive_failures", failures),
		)
	}
	if k.alerts != nil {
		if nerr := k.alerts.Notify(ctx, *event); nerr != nil {
			k.logger.Error("发送目录告警失败", slog.String("error", nerr.Error()))
		}
	}
}

// Status 返回当前状态。
func (k *KeepAlive) Status() Status {
	k.mu.Lock()
	defer k.mu.Unlock()
	st := Status{
		Registered:  k.lease != nil,
		Failures:    k.failures,
		Alarmed:     k.alarmed,
		LastSuccess: k.lastSuccess,
	}
	if k.lastErr != nil {
		st.LastError = k.lastErr.Error()
	}
	return st
}

// Shutdown 停止保活循环并从目录注销。
func (k *KeepAlive) Shutdown(ctx context.Context) error {
	k.mu.Lock()
	stop, done := k.stop, k.done
	k.mu.Unlock()
	if stop != nil {
		stop()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	k.mu.Lock()
	registered := k.lease != nil
	k.lease = nil
	k.mu.Unlock()
	if !registered {
		return nil
	}
	creds, err := k.provider.Credentials(ctx)
	if err != nil {
		return fmt.Errorf("获取目录凭据失败: %w", err)
	}
	if err := k.client.Unregister(ctx, k.desc.Name, creds); err != nil && !stdErrors.Is(err, ErrNotRegistered) {
		return fmt.Errorf("注销目录条目失败: %w", err)
	}
	logger.Audit().Info("directory_unregistered", slog.String("name", k.desc.Name))
	return nil
}
