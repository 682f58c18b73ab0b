package journal

import (
	"context"
	"sync"

	xerrors "Forged-Core/internal/errors"
)

// Memory 使用 channel 模拟消息队列，适合单机部署与测试。
type Memory struct {
	ch     chan []byte
	mu     sync.Mutex
	closed bool
}

// NewMemory 创建一个内存队列。
func NewMemory(size int) *Memory {
	if size <= 0 {
		size = 64
	}
	return &Memory{ch: make(chan []byte, size)}
}

// Publish 将事件投递到队列。
func (q *Memory) Publish(ctx context.Context, rec Record) error {
	body, err := encode(rec)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return xerrors.New(xerrors.CodeQueueFailure, "队列已关闭")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- body:
		return nil
	}
}

// Len 返回尚未消费的事件数。
func (q *Memory) Len() int {
	return len(q.ch)
}

// Consume 启动指定数量的工作协程消费队列中的事件，直到 ctx 结束或队列关闭。
func (q *Memory) Consume(ctx context.Context, workerCount int, handler Handler) error {
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
				case body, ok := <-q.ch:
					if !ok {
						return
					}
					rec, err := decode(body)
					if err != nil {
						continue
					}
					_ = handler(ctx, rec)
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// Close 关闭内存队列，已投递的事件仍可被消费完。
func (q *Memory) Close() error {
	q.mu.Lock()
	if !q.closed {
		close(q.ch)
		q.closed = true
	}
	q.mu.Unlock()
	return nil
}
