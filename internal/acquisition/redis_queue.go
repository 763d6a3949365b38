package acquisition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "daq-plugin/internal/errors"
	"daq-plugin/pkg/logger"
)

// RedisQueueConfig 描述 Redis 队列的连接参数。
type RedisQueueConfig struct {
	Address   string        `mapstructure:"address"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	Queue     string        `mapstructure:"queue"`
	BlockWait time.Duration `mapstructure:"block_wait"`
}

// DefaultRedisQueueName 返回插件默认使用的 Redis 队列名。
func DefaultRedisQueueName(plugin string) string {
	return "daq:jobs:" + plugin
}

// RedisQueue 使用 Redis list 持久化插件的待执行作业，插件重启后未完成的作业不会丢失。
// 作业表只存在于插件进程内，一个队列只能由一个插件进程消费，多个插件共用
// 同一 Redis 时必须使用不同的队列名。
// 领取时用 BRPOPLPUSH 把作业移入处理中列表，处理结束再删除；
// 进程崩溃遗留的处理中作业在下次 Consume 时退回队列，由作业表判断是否仍可执行。
type RedisQueue struct {
	client     *redis.Client
	queue      string
	processing string
	wait       time.Duration
	logger     *slog.Logger
}

// NewRedisQueue 连接 Redis 并创建队列。
func NewRedisQueue(cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeConfigError, "Redis 队列地址不能为空")
	}
	if cfg.Queue == "" {
		return nil, xerrors.New(xerrors.CodeConfigError, "Redis 队列名不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 Redis 队列失败")
	}
	return newRedisQueue(client, cfg), nil
}

func newRedisQueue(client *redis.Client, cfg RedisQueueConfig) *RedisQueue {
	queue := cfg.Queue
	wait := cfg.BlockWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &RedisQueue{
		client:     client,
		queue:      queue,
		processing: queue + ":processing",
		wait:       wait,
		logger:     logger.Named("redis_queue"),
	}
}

// Publish 将作业推入队列头部。
func (q *RedisQueue) Publish(ctx context.Context, key JobKey) error {
	if err := q.client.LPush(ctx, q.queue, key.String()).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 发布作业失败")
	}
	return nil
}

// Consume 实现 Consumer 接口。处理失败的作业推回队列出口端，由下一个空闲协程重新领取。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	if err := q.requeueOrphans(ctx); err != nil {
		return err
	}
	errCh := make(chan error, workerCount)
	for i := 0; i < workerCount; i++ {
		go func() { errCh <- q.work(ctx, handler) }()
	}
	var first error
	for i := 0; i < workerCount; i++ {
		if err := <-errCh; err != nil && first == nil {
			first = err
		}
	}
	if first != nil && ctx.Err() == nil {
		return first
	}
	return ctx.Err()
}

func (q *RedisQueue) work(ctx context.Context, handler Handler) error {
	for ctx.Err() == nil {
		raw, err := q.client.BRPopLPush(ctx, q.queue, q.processing, q.wait).Result()
		switch {
		case errors.Is(err, redis.Nil):
			continue
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded), errors.Is(err, redis.ErrClosed):
			return nil
		case err != nil:
			return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 领取作业失败")
		}

		key, perr := ParseJobKey(raw)
		if perr != nil {
			q.logger.Warn("丢弃格式错误的作业键", slog.String("key", raw))
		} else if herr := handler(ctx, key); herr != nil {
			if err := q.client.RPush(ctx, q.queue, raw).Err(); err != nil {
				q.logger.Warn("作业重新入队失败", slog.String("key", raw), slog.String("error", err.Error()))
			}
		}
		// 处理中列表的删除不受 ctx 取消影响。
		ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		if err := q.client.LRem(ackCtx, q.processing, 1, raw).Err(); err != nil {
			q.logger.Warn("移除处理中作业失败", slog.String("key", raw), slog.String("error", err.Error()))
		}
		cancel()
	}
	return nil
}

// requeueOrphans 把上次运行遗留在处理中列表的作业退回队列。
func (q *RedisQueue) requeueOrphans(ctx context.Context) error {
	moved := 0
	for {
		_, err := q.client.RPopLPush(ctx, q.processing, q.queue).Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return xerrors.Wrap(xerrors.CodeQueueFailure, err, "恢复处理中作业失败")
		}
		moved++
	}
	if moved > 0 {
		q.logger.Info("遗留作业已退回队列", slog.Int("count", moved))
	}
	return nil
}

// Len 返回队列中待领取的作业数。
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.queue).Result()
	if err != nil {
		return 0, fmt.Errorf("读取 Redis 队列长度失败: %w", err)
	}
	return n, nil
}

// Close 关闭 Redis 连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}
