package acquisition

import (
	"context"
	"strconv"
	"sync"

	xerrors "daq-plugin/internal/errors"
)

// MemoryQueue 是进程内调度队列，单机部署的默认选项。处理失败的作业不重投。
type MemoryQueue struct {
	keys chan JobKey

	mu     sync.RWMutex
	closed bool
}

// NewMemoryQueue 创建容量为 size 的内存队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{keys: make(chan JobKey, size)}
}

// Publish 投递作业。队列已满时立即返回 QUEUE_FAILURE，受理路径不等待空位。
func (q *MemoryQueue) Publish(ctx context.Context, key JobKey) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return xerrors.New(xerrors.CodeQueueFailure, "调度队列已关闭")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case q.keys <- key:
		return nil
	default:
		return xerrors.New(xerrors.CodeQueueFailure, "调度队列已满",
			xerrors.WithMetadata("capacity", strconv.Itoa(cap(q.keys))))
	}
}

// Len 返回尚未被领取的作业数。
func (q *MemoryQueue) Len() int {
	return len(q.keys)
}

// Consume 实现 Consumer 接口。队列关闭且排空后也会返回。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
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
				case key, ok := <-q.keys:
					if !ok {
						return
					}
					_ = handler(ctx, key)
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// Close 关闭队列，之后的 Publish 返回 QUEUE_FAILURE。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.keys)
	}
	return nil
}
