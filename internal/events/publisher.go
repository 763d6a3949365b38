// Package events 将采集作业的状态迁移发布到 Kafka，供下游审计与汇聚端订阅。
package events

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff"

	"daq-plugin/internal/acquisition"
	"daq-plugin/internal/observability/metrics"
	"daq-plugin/pkg/logger"
)

const (
	defaultTopic      = "daq.acquisition.events"
	defaultClientID   = "daq-plugin"
	defaultBufferSize = 1024
)

// ErrClosed 表示发布器已关闭。
var ErrClosed = stdErrors.New("events: publisher closed")

// KafkaConfig 描述 Kafka 连接参数。
type KafkaConfig struct {
	Brokers        []string      `mapstructure:"brokers" yaml:"brokers"`
	Topic          string        `mapstructure:"topic" yaml:"topic"`
	ClientID       string        `mapstructure:"client_id" yaml:"client_id"`
	BufferSize     int           `mapstructure:"buffer_size" yaml:"buffer_size"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
}

func (c KafkaConfig) withDefaults() KafkaConfig {
	if strings.TrimSpace(c.Topic) == "" {
		c.Topic = defaultTopic
	}
	if strings.TrimSpace(c.ClientID) == "" {
		c.ClientID = defaultClientID
	}
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	return c
}

// Event 是发布到总线的作业迁移事件。
type Event struct {
	Type         string    `json:"type"`
	Plugin       string    `json:"plugin,omitempty"`
	RequestID    string    `json:"request_id"`
	Capability   string    `json:"capability"`
	From         string    `json:"from"`
	To           string    `json:"to"`
	Attempts     int       `json:"attempts"`
	ErrorKind    string    `json:"error_kind,omitempty"`
	ErrorCode    string    `json:"error_code,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	RecordID     string    `json:"record_id,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// EventFromTransition 将状态迁移转换为事件。
func EventFromTransition(plugin string, tr acquisition.Transition) Event {
	j := tr.Job
	ev := Event{
		Type:       "acquisition.transition",
		Plugin:     plugin,
		RequestID:  j.RequestID,
		Capability: j.Capability,
		From:       string(tr.From),
		To:         string(j.State),
		Attempts:   j.Attempts,
		RecordID:   j.RecordID,
		OccurredAt: j.UpdatedAt,
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	if j.Error != nil {
		ev.ErrorKind = string(j.Error.Kind)
		ev.ErrorCode = string(j.Error.Code)
		ev.ErrorMessage = j.Error.Message
	}
	return ev
}

// Publisher 异步地把事件写入 Kafka。钩子只做非阻塞入队，缓冲区满时丢弃并计数，
// 保证作业推进不受总线可用性影响。
type Publisher struct {
	producer sarama.SyncProducer
	topic    string
	plugin   string
	logger   *slog.Logger

	queue   chan *sarama.ProducerMessage
	dropped atomic.Int64
	closed  atomic.Bool

	closeOnce sync.Once
}

// Option 自定义发布器。
type Option func(*Publisher)

// WithPluginName 设置事件中的插件名称。
func WithPluginName(name string) Option {
	return func(p *Publisher) {
		p.plugin = name
	}
}

// NewKafkaPublisher 按指数退避连接 Kafka 并创建发布器。
func NewKafkaPublisher(ctx context.Context, cfg KafkaConfig, opts ...Option) (*Publisher, error) {
	cfg = cfg.withDefaults()
	if len(cfg.Brokers) == 0 {
		return nil, stdErrors.New("kafka brokers 不能为空")
	}

	producerConfig := sarama.NewConfig()
	producerConfig.ClientID = cfg.ClientID
	producerConfig.Producer.RequiredAcks = sarama.WaitForAll
	producerConfig.Producer.Return.Successes = true
	producerConfig.Producer.Partitioner = sarama.NewHashPartitioner

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxElapsedTime = cfg.ConnectTimeout

	var producer sarama.SyncProducer
	err := backoff.Retry(func() error {
		p, err := sarama.NewSyncProducer(cfg.Brokers, producerConfig)
		if err != nil {
			logger.L().Warn("连接 Kafka 失败，稍后重试",
				slog.Any("brokers", cfg.Brokers),
				slog.String("error", err.Error()))
			return err
		}
		producer = p
		return nil
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		return nil, fmt.Errorf("创建 Kafka producer 失败: %w", err)
	}
	return NewPublisher(producer, cfg, opts...), nil
}

// NewPublisher 基于已有 producer 创建发布器。
func NewPublisher(producer sarama.SyncProducer, cfg KafkaConfig, opts ...Option) *Publisher {
	cfg = cfg.withDefaults()
	p := &Publisher{
		producer: producer,
		topic:    cfg.Topic,
		logger:   logger.Named("events"),
		queue:    make(chan *sarama.ProducerMessage, cfg.BufferSize),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Hook 返回可注册到采集服务的迁移钩子。
func (p *Publisher) Hook() acquisition.TransitionHook {
	return func(_ context.Context, tr acquisition.Transition) {
		if tr.Job == nil {
			return
		}
		if err := p.Enqueue(EventFromTransition(p.plugin, tr)); err != nil {
			p.logger.Debug("事件未入队",
				slog.String("request_id", tr.Job.RequestID),
				slog.String("error", err.Error()))
		}
	}
}

// Enqueue 非阻塞地把事件放入发送缓冲。
func (p *Publisher) Enqueue(ev Event) error {
	if p.closed.Load() {
		return ErrClosed
	}
	msg, err := p.message(ev)
	if err != nil {
		return err
	}
	select {
	case p.queue <- msg:
		return nil
	default:
		p.dropped.Add(1)
		metrics.ObserveEventPublish(errBufferFull)
		return errBufferFull
	}
}

var errBufferFull = stdErrors.New("events: buffer full")

// Dropped 返回因缓冲区满而丢弃的事件数。
func (p *Publisher) Dropped() int64 {
	return p.dropped.Load()
}

// Publish 同步发送单个事件。
func (p *Publisher) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg, err := p.message(ev)
	if err != nil {
		return err
	}
	return p.send(msg)
}

// Run 持续发送缓冲中的事件，ctx 结束时先尽量发完已缓冲的事件再返回。
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			p.drain()
			return nil
		case msg := <-p.queue:
			_ = p.send(msg)
		}
	}
}

func (p *Publisher) drain() {
	for {
		select {
		case msg := <-p.queue:
			_ = p.send(msg)
		default:
			return
		}
	}
}

func (p *Publisher) send(msg *sarama.ProducerMessage) error {
	partition, offset, err := p.producer.SendMessage(msg)
	metrics.ObserveEventPublish(err)
	if err != nil {
		p.logger.Warn("发布作业事件失败",
			slog.String("topic", msg.Topic),
			slog.String("error", err.Error()))
		return fmt.Errorf("发布作业事件失败: %w", err)
	}
	p.logger.Debug("作业事件已发布",
		slog.Int("partition", int(partition)),
		slog.Int64("offset", offset))
	return nil
}

// message 以请求 ID 作为分区键，同一请求的事件保持顺序。
func (p *Publisher) message(ev Event) (*sarama.ProducerMessage, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("序列化作业事件失败: %w", err)
	}
	return &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(ev.RequestID),
		Value: sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event-type"), Value: []byte(ev.Type)},
		},
		Timestamp: ev.OccurredAt,
	}, nil
}

// Close 停止接收新事件并关闭 producer。调用前应先让 Run 返回。
func (p *Publisher) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		err = p.producer.Close()
	})
	return err
}
