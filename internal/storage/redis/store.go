package redis

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"

	xerrors "Forged-Core/internal/errors"
)

// Config 描述 Redis 二级缓存的连接参数。
type Config struct {
	Address  string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// Store 以 JSON 形式在 Redis 中保存缓存值，实现 cache.Store。
type Store[V any] struct {
	client *goredis.Client
	prefix string
	ttl    time.Duration
}

// Open 建立连接并校验可用性。
func Open[V any](ctx context.Context, cfg Config) (*Store[V], error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 Redis 失败")
	}
	return New[V](client, cfg.Prefix, cfg.TTL), nil
}

// New 复用已有的客户端。ttl 为 0 表示不过期。
func New[V any](client *goredis.Client, prefix string, ttl time.Duration) *Store[V] {
	if prefix == "" {
		prefix = "forged:cache:"
	}
	return &Store[V]{client: client, prefix: prefix, ttl: ttl}
}

// Key 返回缓存键在 Redis 中的完整名称。
func (s *Store[V]) Key(key string) string {
	return s.prefix + key
}

// Load 读取缓存值；键不存在时返回 false。
func (s *Store[V]) Load(ctx context.Context, key string) (V, bool, error) {
	var zero V
	raw, err := s.client.Get(ctx, s.Key(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取 Redis 缓存失败",
			xerrors.WithMetadata("key", key))
	}
	var v V
	if err := json.Unmarshal(raw, &v); err != nil {
		// 无法解析的旧数据视为未命中，后续 Save 会覆盖。
		return zero, false, nil
	}
	return v, true, nil
}

// Save 写入缓存值。
func (s *Store[V]) Save(ctx context.Context, key string, value V) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化缓存值失败")
	}
	if err := s.client.Set(ctx, s.Key(key), raw, s.ttl).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入 Redis 缓存失败",
			xerrors.WithMetadata("key", key))
	}
	return nil
}

// Delete 删除缓存值。
func (s *Store[V]) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.Key(key)).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除 Redis 缓存失败",
			xerrors.WithMetadata("key", key))
	}
	return nil
}

// Close 关闭 Redis 连接。
func (s *Store[V]) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
