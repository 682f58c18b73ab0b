package journal

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"Forged-Core/internal/config"
	xerrors "Forged-Core/internal/errors"
	"Forged-Core/pkg/logger"
	"Forged-Core/pkg/registry"
)

// Open 按配置创建事件队列。driver 为 none 时返回 nil。
func Open(cfg config.JournalConfig) (Journal, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemory(cfg.Buffer), nil
	case "none":
		return nil, nil
	case "redis":
		q, err := NewRedis(RedisConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Key:      cfg.Redis.Key,
		})
		if err != nil {
			return nil, err
		}
		return q, nil
	case "rabbitmq":
		q, err := NewRabbitMQ(RabbitMQConfig{
			URL:      cfg.RabbitMQ.URL,
			Queue:    cfg.RabbitMQ.Queue,
			Prefetch: cfg.RabbitMQ.Prefetch,
			Durable:  cfg.RabbitMQ.Durable,
		})
		if err != nil {
			return nil, err
		}
		return q, nil
	default:
		return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "不支持的 journal 驱动: %s", cfg.Driver)
	}
}

// Recorder 把注册表的同步回调转为异步投递，避免队列阻塞加载流程。
// 缓冲区满时丢弃事件并记录告警。
type Recorder struct {
	pub     Publisher
	timeout time.Duration
	buf     chan Record
	done    chan struct{}
	once    sync.Once
	log     *slog.Logger

	mu      sync.Mutex
	dropped uint64
}

// NewRecorder 创建投递器并启动后台协程。
func NewRecorder(pub Publisher, buffer int, timeout time.Duration) *Recorder {
	if buffer <= 0 {
		buffer = 256
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	r := &Recorder{
		pub:     pub,
		timeout: timeout,
		buf:     make(chan Record, buffer),
		done:    make(chan struct{}),
		log:     logger.Named("journal"),
	}
	go r.loop()
	return r
}

// Observe 可直接作为 registry.WithObserver 的回调。
func (r *Recorder) Observe(ev registry.Event) {
	rec := NewRecord(ev)
	select {
	case r.buf <- rec:
	default:
		r.mu.Lock()
		r.dropped++
		r.mu.Unlock()
		r.log.Warn("事件缓冲区已满，丢弃生命周期事件", "extension", ev.Extension, "type", string(ev.Type))
	}
}

// Dropped 返回被丢弃的事件数。
func (r *Recorder) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

func (r *Recorder) loop() {
	defer close(r.done)
	for rec := range r.buf {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		if err := r.pub.Publish(ctx, rec); err != nil {
			r.log.Warn("投递生命周期事件失败", "id", rec.ID, "extension", rec.Extension, "error", err)
		}
		cancel()
	}
}

// Close 停止接收新事件并等待缓冲区投递完毕。不会关闭底层 Publisher。
func (r *Recorder) Close(ctx context.Context) error {
	r.once.Do(func() { close(r.buf) })
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LogHandler 把事件写入日志，作为内存队列的默认消费者。
func LogHandler(log *slog.Logger) Handler {
	return func(_ context.Context, rec Record) error {
		log.Info("lifecycle event",
			"id", rec.ID,
			"type", string(rec.Type),
			"extension", rec.Extension,
			"version", rec.Version,
			"status", string(rec.Status),
			"code", string(rec.Code),
			"reason", rec.Reason,
		)
		return nil
	}
}
