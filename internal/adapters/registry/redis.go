package registry

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"

	"taskcoord/internal/coordinator"
)

var _ coordinator.Registry = (*RedisRegistry)(nil)

// RedisOptions 描述注册表所使用的 Redis 连接。
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// TTL 为 0 时键永不过期。
	TTL time.Duration
}

// RedisRegistry 将任务键值写入 Redis，执行节点从同一实例读取。
type RedisRegistry struct {
	client *redis.Client
	ttl    time.Duration
	log    coordinator.Logger
}

// NewRedisRegistry 建立连接并做一次 PING 校验。
func NewRedisRegistry(ctx context.Context, opts RedisOptions, log coordinator.Logger) (*RedisRegistry, error) {
	if opts.Addr == "" {
		return nil, errors.New("redis addr required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "ping redis %s", opts.Addr)
	}
	log = coordinator.DefaultLogger(log)
	log.Infof("registry connected to redis %s db=%d", opts.Addr, opts.DB)
	return &RedisRegistry{client: client, ttl: opts.TTL, log: log}, nil
}

// Set 写入键值，重复写入相同内容是幂等的。
func (r *RedisRegistry) Set(ctx context.Context, key, value string) error {
	if err := r.client.Set(ctx, key, value, r.ttl).Err(); err != nil {
		return errors.Wrapf(err, "redis set %s", key)
	}
	r.log.Infof("registry set %s=%s", key, value)
	return nil
}

// Get 读取键值，不存在时返回 coordinator.ErrNotFound。
func (r *RedisRegistry) Get(ctx context.Context, key string) (string, error) {
	v, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", errors.Wrapf(coordinator.ErrNotFound, "registry key %s", key)
	}
	if err != nil {
		return "", errors.Wrapf(err, "redis get %s", key)
	}
	return v, nil
}

// Close 关闭连接。
func (r *RedisRegistry) Close() error {
	return r.client.Close()
}
