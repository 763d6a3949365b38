package acquisition

import (
	"context"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "daq-plugin/internal/errors"
	"daq-plugin/pkg/logger"
)

const (
	headerRequestID  = "daq-request-id"
	headerCapability = "daq-capability"
)

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string `mapstructure:"url"`
	Queue      string `mapstructure:"queue"`
	Prefetch   int    `mapstructure:"prefetch"`
	Durable    bool   `mapstructure:"durable"`
	AutoDelete bool   `mapstructure:"auto_delete"`
}

// DefaultRabbitMQQueueName 返回插件默认使用的 RabbitMQ 队列名。
func DefaultRabbitMQQueueName(plugin string) string {
	return "daq.jobs." + plugin
}

// RabbitMQQueue 通过 RabbitMQ 分发作业，消费使用手动确认。
// 与 RedisQueue 相同，一个队列只能由持有对应作业表的插件进程消费。
// 作业键同时写入消息头与消息体，消费端优先读取消息头。
type RabbitMQQueue struct {
	conn       *amqp.Connection
	ch         *amqp.Channel
	queue      string
	persistent bool
	logger     *slog.Logger

	// amqp channel 不支持并发发布。
	pubMu sync.Mutex
}

// NewRabbitMQQueue 连接 RabbitMQ 并声明队列。
func NewRabbitMQQueue(cfg RabbitMQConfig) (*RabbitMQQueue, error) {
	if cfg.URL == "" {
		return nil, xerrors.New(xerrors.CodeConfigError, "RabbitMQ URL 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		return nil, xerrors.New(xerrors.CodeConfigError, "RabbitMQ 队列名不能为空")
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 RabbitMQ 失败")
	}
	q := &RabbitMQQueue{conn: conn, queue: queue, persistent: cfg.Durable, logger: logger.Named("rabbitmq_queue")}
	if err := q.setup(cfg); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return q, nil
}

func (q *RabbitMQQueue) setup(cfg RabbitMQConfig) error {
	ch, err := q.conn.Channel()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "创建 RabbitMQ channel 失败")
	}
	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			_ = ch.Close()
			return xerrors.Wrap(xerrors.CodeQueueFailure, err, "设置 RabbitMQ prefetch 失败")
		}
	}
	if _, err := ch.QueueDeclare(q.queue, cfg.Durable, cfg.AutoDelete, false, false, nil); err != nil {
		_ = ch.Close()
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "声明 RabbitMQ 队列失败")
	}
	q.ch = ch
	return nil
}

// Publish 实现 Producer 接口。
func (q *RabbitMQQueue) Publish(ctx context.Context, key JobKey) error {
	if q == nil || q.ch == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "RabbitMQ 队列未初始化")
	}
	msg := amqp.Publishing{
		ContentType: "text/plain",
		MessageId:   key.String(),
		Timestamp:   time.Now().UTC(),
		Headers: amqp.Table{
			headerRequestID:  key.RequestID,
			headerCapability: key.Capability,
		},
		Body: []byte(key.String()),
	}
	if q.persistent {
		msg.DeliveryMode = amqp.Persistent
	}
	q.pubMu.Lock()
	defer q.pubMu.Unlock()
	if err := q.ch.PublishWithContext(ctx, "", q.queue, false, false, msg); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "RabbitMQ 发布作业失败")
	}
	return nil
}

// Consume 实现 Consumer 接口。首次处理失败的消息重新入队一次，再次失败则丢弃。
func (q *RabbitMQQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if q == nil || q.ch == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "RabbitMQ 队列未初始化")
	}
	if workerCount <= 0 {
		workerCount = 1
	}
	deliveries, err := q.ch.ConsumeWithContext(ctx, q.queue, "", false, false, false, false, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "订阅 RabbitMQ 队列失败")
	}

	var wg sync.WaitGroup
	wg.Add(workerCount)
	for i := 0; i < workerCount; i++ {
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-deliveries:
					if !ok {
						return
					}
					q.deliver(ctx, d, handler)
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (q *RabbitMQQueue) deliver(ctx context.Context, d amqp.Delivery, handler Handler) {
	key, err := jobKeyFromDelivery(d)
	if err != nil {
		q.logger.Warn("丢弃格式错误的作业消息", slog.String("message_id", d.MessageId))
		_ = d.Reject(false)
		return
	}
	if err := handler(ctx, key); err != nil && !d.Redelivered {
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

func jobKeyFromDelivery(d amqp.Delivery) (JobKey, error) {
	requestID, _ := d.Headers[headerRequestID].(string)
	capability, _ := d.Headers[headerCapability].(string)
	if requestID != "" && capability != "" {
		return JobKey{RequestID: requestID, Capability: capability}, nil
	}
	return ParseJobKey(string(d.Body))
}

// Close 关闭 channel 与连接。
func (q *RabbitMQQueue) Close() error {
	if q == nil {
		return nil
	}
	if q.ch != nil {
		_ = q.ch.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}
