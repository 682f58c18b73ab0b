package journal

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "Forged-Core/internal/errors"
)

// RedisConfig 描述 Redis 队列的连接参数。
type RedisConfig struct {
	Address   string
	Password  string
	DB        int
	Key       string
	BlockWait time.Duration
}

// Redis 使用 Redis list 实现事件队列。
type Redis struct {
	client *redis.Client
	key    string
	wait   time.Duration
}

// NewRedis 创建 Redis 队列实例。
func NewRedis(cfg RedisConfig) (*Redis, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 Redis 失败")
	}
	return NewRedisWithClient(client, cfg.Key, cfg.BlockWait), nil
}

// NewRedisWithClient 复用已有连接。
func NewRedisWithClient(client *redis.Client, key string, wait time.Duration) *Redis {
	if key == "" {
		key = "forged:lifecycle"
	}
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &Redis{client: client, key: key, wait: wait}
}

// Publish 将事件写入 Redis 列表头部。
func (q *Redis) Publish(ctx context.Context, rec Record) error {
	body, err := encode(rec)
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, q.key, body).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 发布事件失败")
	}
	return nil
}

// Consume 通过 BRPOP 从 Redis 获取事件，处理失败的事件重新入队。
func (q *Redis) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	errCh := make(chan error, workerCount)
	for i := 0; i < workerCount; i++ {
		go func() {
			for {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				default:
				}
				values, err := q.client.BRPop(ctx, q.wait, q.key).Result()
				if err != nil {
					if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) {
						errCh <- err
						return
					}
					if errors.Is(err, redis.Nil) {
						continue
					}
					errCh <- xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 取事件失败")
					return
				}
				if len(values) != 2 {
					continue
				}
				rec, err := decode([]byte(values[1]))
				if err != nil {
					continue
				}
				if handlerErr := handler(ctx, rec); handlerErr != nil {
					_ = q.client.RPush(ctx, q.key, values[1]).Err()
				}
			}
		}()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Close 关闭 Redis 连接。
func (q *Redis) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}
