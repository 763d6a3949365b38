package acquisition

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	xerrors "daq-plugin/internal/errors"
	"daq-plugin/internal/observability/alerting"
	"daq-plugin/internal/observability/metrics"
	"daq-plugin/internal/observability/tracing"
	"daq-plugin/internal/store"
	"daq-plugin/pkg/driver"
	"daq-plugin/pkg/logger"
)

// Processor 从调度队列消费作业键，驱动作业走完 ACQUIRING -> SAVING -> COMPLETE。
// 每个作业独立执行，慢速能力不会阻塞同一请求的其他能力。
type Processor struct {
	service     *Service
	consumer    Consumer
	workerCount int
	logger      *slog.Logger
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(service *Service, consumer Consumer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		service:     service,
		consumer:    consumer,
		workerCount: 2,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 启动作业处理循环，直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil || p.service == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置作业消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, key JobKey) error {
	s := p.service
	requestID, capName := key.RequestID, key.Capability

	d, bound := s.drivers.Driver(capName)
	captureCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	abort := func() {
		cancel()
		if a, ok := d.(driver.Aborter); ok && bound {
			a.Abort(requestID)
		}
	}

	job, transitions, err := s.table.claim(requestID, capName, abort)
	if err != nil {
		// 作业已被取消、已被领取或请求已被清理，重复投递直接跳过。
		p.logDebug("跳过作业", slog.String("key", key.String()), slog.String("reason", err.Error()))
		return nil
	}
	s.emit(ctx, transitions)

	spanCtx, span := tracing.Start(ctx, "acquisition.job",
		attribute.String("daq.request_id", requestID),
		attribute.String("daq.capability", capName),
	)
	defer span.End()

	if !bound || d == nil {
		p.fail(spanCtx, job, xerrors.New(CodeDriverFault, "能力未绑定采集驱动: "+capName))
		span.SetStatus(codes.Error, "driver not bound")
		return nil
	}

	payload, err := p.capture(captureCtx, spanCtx, d, job)
	if err != nil {
		if stdErrors.Is(err, ErrJobCanceled) {
			return nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "capture failed")
		p.fail(spanCtx, job, err)
		return nil
	}

	transitions, err = s.table.advance(requestID, capName, StateSaving, "")
	s.emit(ctx, transitions)
	if err != nil {
		p.discard(job, err)
		return nil
	}

	recordID, err := p.save(captureCtx, spanCtx, job, payload)
	metrics.ObserveStoreWrite(err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "store write failed")
		p.fail(spanCtx, job, err)
		return nil
	}

	transitions, err = s.table.advance(requestID, capName, StateComplete, recordID)
	s.emit(ctx, transitions)
	if err != nil {
		// 写入已完成但作业在 SAVING 期间被取消，记录保留，作业保持 CANCELED。
		logger.Audit().Warn("取消后写入的采集记录",
			slog.String("request_id", requestID),
			slog.String("capability", capName),
			slog.String("record_id", recordID),
		)
	}
	return nil
}

// capture 调用驱动，瞬时故障时在 ACQUIRING 内重试一次。
func (p *Processor) capture(captureCtx, spanCtx context.Context, d driver.Driver, job *Job) (*driver.Payload, error) {
	s := p.service
	spec, _ := s.registry.Lookup(job.Capability)
	status, err := s.table.snapshot(job.RequestID)
	if err != nil {
		return nil, ErrJobCanceled
	}
	for attempt := job.Attempts; ; attempt++ {
		_, span := tracing.Start(spanCtx, "driver.capture",
			attribute.String("daq.capability", job.Capability),
			attribute.Int("daq.attempt", attempt),
		)
		start := time.Now()
		payload, err := safeCapture(captureCtx, d, driver.CaptureRequest{
			RequestID:  job.RequestID,
			Capability: job.Capability,
			Channel:    spec.Channel,
			Action:     status.Action,
			Attempt:    attempt,
			Parameters: job.Parameters,
		})
		if err == nil && payload == nil {
			err = xerrors.New(CodeDriverFault, "驱动未返回数据")
		}
		metrics.ObserveCapture(job.Capability, err, time.Since(start))
		if err != nil {
			span.RecordError(err)
		}
		span.End()
		if err == nil {
			// save 把尝试次数写入记录元数据，claim 时的副本不含重试计数。
			job.Attempts = attempt
			return payload, nil
		}

		if attempt >= maxCaptureAttempts || captureCtx.Err() != nil || !isTransient(err) {
			return nil, err
		}
		transitions, rerr := s.table.retry(job.RequestID, job.Capability)
		s.emit(spanCtx, transitions)
		if rerr != nil {
			return nil, rerr
		}
		metrics.IncCaptureRetry(job.Capability)
		p.logDebug("瞬时故障，重试采集",
			slog.String("request_id", job.RequestID),
			slog.String("capability", job.Capability),
			slog.String("error", err.Error()),
		)
		if s.retryDelay > 0 {
			timer := time.NewTimer(s.retryDelay)
			select {
			case <-captureCtx.Done():
				timer.Stop()
				return nil, captureCtx.Err()
			case <-timer.C:
			}
		}
	}
}

// safeCapture 把驱动 panic 转为不可重试的 DRIVER_FAULT。
func safeCapture(ctx context.Context, d driver.Driver, req driver.CaptureRequest) (payload *driver.Payload, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Audit().Error("driver_panic",
				slog.String("request_id", req.RequestID),
				slog.String("capability", req.Capability),
				slog.Any("panic", r),
			)
			payload = nil
			err = xerrors.New(CodeDriverFault, fmt.Sprintf("驱动发生 panic: %v", r), xerrors.WithRetryable(false))
		}
	}()
	return d.Capture(ctx, req)
}

func (p *Processor) save(ctx, spanCtx context.Context, job *Job, payload *driver.Payload) (string, error) {
	s := p.service
	if s.store == nil {
		return "", xerrors.New(store.CodeStoreUnavailable, "采集存储未初始化")
	}
	_, span := tracing.Start(spanCtx, "store.write", attribute.String("daq.capability", job.Capability))
	defer span.End()

	status, err := s.table.snapshot(job.RequestID)
	if err != nil {
		return "", err
	}
	spec, _ := s.registry.Lookup(job.Capability)
	metadata := cloneStrings(status.Metadata)
	if metadata == nil {
		metadata = make(map[string]string, len(payload.Metadata)+1)
	}
	for k, v := range payload.Metadata {
		metadata[k] = v
	}
	metadata["attempts"] = strconv.Itoa(job.Attempts)

	capturedAt := payload.CapturedAt
	if capturedAt.IsZero() {
		capturedAt = time.Now().UTC()
	}
	recordID, err := s.store.Write(ctx, store.Record{
		RequestID:   job.RequestID,
		Capability:  job.Capability,
		Channel:     spec.Channel,
		ActionGroup: status.Action.Group,
		ActionName:  status.Action.Name,
		Plugin:      s.name,
		ContentType: payload.ContentType,
		Payload:     payload.Data,
		Metadata:    metadata,
		CapturedAt:  capturedAt,
	})
	if err != nil {
		span.RecordError(err)
		if xerrors.CodeOf(err) != store.CodeStoreUnavailable {
			err = xerrors.Wrap(store.CodeStoreUnavailable, err, "写入采集记录失败")
		}
		return "", err
	}
	return recordID, nil
}

func (p *Processor) fail(ctx context.Context, job *Job, cause error) {
	s := p.service
	code := xerrors.CodeOf(cause)
	if code == xerrors.CodeUnknown {
		code = CodeDriverFault
	}
	if stdErrors.Is(cause, context.Canceled) {
		code = xerrors.CodeCanceled
	}
	jobErr := JobError{Kind: kindForCode(code), Code: code, Message: cause.Error()}
	transitions, err := s.table.fail(job.RequestID, job.Capability, jobErr)
	s.emit(ctx, transitions)
	if err != nil {
		return
	}
	if len(transitions) == 1 && transitions[0].Job.State == StateError && xerrors.ShouldAlert(cause) {
		s.alert(ctx, alerting.Event{
			Code:       code,
			Message:    cause.Error(),
			Severity:   xerrors.SeverityOf(cause),
			Source:     "acquisition",
			RequestID:  job.RequestID,
			Capability: job.Capability,
			Attempts:   transitions[0].Job.Attempts,
		})
	}
}

func (p *Processor) discard(job *Job, reason error) {
	metrics.IncDiscarded(job.Capability)
	logger.Audit().Warn("丢弃已取消作业的采集结果",
		slog.String("request_id", job.RequestID),
		slog.String("capability", job.Capability),
		slog.String("reason", reason.Error()),
	)
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		p.logger.Debug(msg, args...)
	}
}

// isTransient 判断驱动错误是否值得在 ACQUIRING 内重试一次。
func isTransient(err error) bool {
	if err == nil || stdErrors.Is(err, context.Canceled) {
		return false
	}
	if driver.IsTransient(err) || xerrors.RetryableError(err) || stdErrors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return stdErrors.As(err, &netErr) && netErr.Timeout()
}
