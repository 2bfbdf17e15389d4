package command

import (
	"context"
	"sync"
	"time"

	xerrors "Lighthouse-Miner/internal/errors"
)

// MemoryQueue 用带缓冲 channel 承载指令封套,供测试与单机部署。
// 处理失败的封套就地重投一次,带上重投标记。
type MemoryQueue struct {
	ch     chan Envelope
	mu     sync.Mutex
	closed bool
}

// NewMemoryQueue 创建一个内存队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{ch: make(chan Envelope, size)}
}

// Publish 封装指令并投递到队列,入队时间在此落定。
func (q *MemoryQueue) Publish(ctx context.Context, commandID string) error {
	return q.push(ctx, Envelope{CommandID: commandID, EnqueuedAt: time.Now()})
}

func (q *MemoryQueue) push(ctx context.Context, env Envelope) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return xerrors.New(xerrors.CodeQueueFailure, "内存队列已关闭")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- env:
		return nil
	}
}

// Consume 启动指定数量的工作协程消费队列中的封套。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case env, ok := <-q.ch:
					if !ok {
						return
					}
					if err := handler(ctx, env); err != nil && !env.Redelivered {
						env.Redelivered = true
						_ = q.push(ctx, env)
					}
				}
			}
		}()
	}
	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// Close 关闭内存队列。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	if !q.closed {
		close(q.ch)
		q.closed = true
	}
	q.mu.Unlock()
	return nil
}
