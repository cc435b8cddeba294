package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisConfig Redis 存储配置
type RedisConfig struct {
	Addr           string        `mapstructure:"addr" json:"addr"`
	Password       string        `mapstructure:"password" json:"password"`
	DB             int           `mapstructure:"db" json:"db"`
	Prefix         string        `mapstructure:"prefix" json:"prefix"` // 所有键的命名空间前缀
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" json:"connect_timeout"`
}

// RedisStorage 基于 Redis 的存储实现，多个实例可以共享同一份缓存数据
type RedisStorage struct {
	client *redis.Client
	prefix string
	owned  bool
}

// NewRedisStorage 创建 Redis 存储并检查连接
func NewRedisStorage(ctx context.Context, config RedisConfig) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	timeout := config.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, WrapStorageError(ErrStorageIO, "failed to connect to Redis", err)
	}

	rs := NewRedisStorageWithClient(client, config.Prefix)
	rs.owned = true
	return rs, nil
}

// NewRedisStorageWithClient 使用已有的客户端创建存储，Close 不会关闭该客户端
func NewRedisStorageWithClient(client *redis.Client, prefix string) *RedisStorage {
	return &RedisStorage{client: client, prefix: prefix}
}

// GetItem 读取一个键
func (rs *RedisStorage) GetItem(ctx context.Context, key string) (string, bool, error) {
	v, err := rs.client.Get(ctx, rs.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, rs.wrap("redis GET failed", err)
	}
	return v, true, nil
}

// SetItem 写入一个键，Redis 的 OOM 回复映射为配额错误
func (rs *RedisStorage) SetItem(ctx context.Context, key, value string) error {
	if err := rs.client.Set(ctx, rs.prefix+key, value, 0).Err(); err != nil {
		return rs.wrap("redis SET failed", err)
	}
	return nil
}

// RemoveItem 删除一个键
func (rs *RedisStorage) RemoveItem(ctx context.Context, key string) error {
	if err := rs.client.Del(ctx, rs.prefix+key).Err(); err != nil {
		return rs.wrap("redis DEL failed", err)
	}
	return nil
}

// Keys 通过 SCAN 列出带前缀的键，返回值不含命名空间前缀
func (rs *RedisStorage) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := rs.client.Scan(ctx, 0, escapeGlob(rs.prefix+prefix)+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), rs.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, rs.wrap("redis SCAN failed", err)
	}
	return keys, nil
}

// Close 关闭自己创建的客户端
func (rs *RedisStorage) Close() error {
	if rs.owned {
		return rs.client.Close()
	}
	return nil
}

func (rs *RedisStorage) wrap(message string, err error) error {
	if errors.Is(err, redis.ErrClosed) {
		return ClosedError()
	}
	if strings.HasPrefix(err.Error(), "OOM") {
		return WrapStorageError(ErrStorageFull, message, err)
	}
	return WrapStorageError(ErrStorageIO, message, err)
}

// escapeGlob 转义 SCAN MATCH 模式中的特殊字符
func escapeGlob(s string) string {
	r := strings.NewReplacer(`\`, `\\`, "*", `\*`, "?", `\?`, "[", `\[`, "]", `\]`)
	return r.Replace(s)
}

var _ Storage = (*RedisStorage)(nil)
