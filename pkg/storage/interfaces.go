// Package storage 提供了缓存层使用的持久化键值存储，包括内存、磁盘、Redis 后端以及批量写入装饰器。
// 它对应浏览器中的 localStorage：按字符串键整体读写字符串值。
package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	apperror "brightlens/pkg/error"
)

// Storage 定义了持久化键值存储的行为。
type Storage interface {
	// GetItem 读取一个键的值，键不存在时返回 ok=false。
	GetItem(ctx context.Context, key string) (value string, ok bool, err error)
	// SetItem 写入一个键的值，超过配额时返回配额超限错误，用 IsQuotaExceeded 判断。
	SetItem(ctx context.Context, key, value string) error
	// RemoveItem 删除一个键，键不存在时不返回错误。
	RemoveItem(ctx context.Context, key string) error
	// Keys 列出所有以 prefix 开头的键。
	Keys(ctx context.Context, prefix string) ([]string, error)
	// Close 关闭存储并释放资源。
	Close() error
}

// Config 存储后端配置
type Config struct {
	Backend string        `mapstructure:"backend" json:"backend"` // memory, disk, redis
	Dir     string        `mapstructure:"dir" json:"dir"`         // 磁盘后端目录
	Quota   int64         `mapstructure:"quota" json:"quota"`     // 字节配额，<=0 表示不限制
	Prefix  string        `mapstructure:"prefix" json:"prefix"`   // Redis 键前缀
	Flush   time.Duration `mapstructure:"flush" json:"flush"`     // >0 时启用批量写入
	Redis   RedisConfig   `mapstructure:"redis" json:"redis"`

	// PartitionQuota 请求缓存分区独立存储的字节配额，<=0 表示不限制
	PartitionQuota int64 `mapstructure:"partition_quota" json:"partition_quota"`
}

// Partitions 返回请求缓存分区使用的存储配置。
// 分区与键值缓存分开存放、分开计算配额：磁盘后端使用 Dir 下的 partitions 子目录，Redis 后端追加键前缀。
func (c Config) Partitions() Config {
	p := c
	p.Quota = c.PartitionQuota
	p.PartitionQuota = 0
	if c.Dir != "" {
		p.Dir = filepath.Join(c.Dir, "partitions")
	}
	prefix := c.Redis.Prefix
	if prefix == "" {
		prefix = c.Prefix
	}
	p.Redis.Prefix = prefix + "partitions:"
	return p
}

// Open 根据配置创建存储后端
func Open(ctx context.Context, config Config) (Storage, error) {
	var (
		s   Storage
		err error
	)

	switch strings.ToLower(config.Backend) {
	case "", "memory":
		s = NewMemoryStorage(MemoryStorageConfig{Quota: config.Quota})
	case "disk":
		s, err = NewDiskStorage(DiskStorageConfig{BaseDir: config.Dir, Quota: config.Quota})
	case "redis":
		redisConfig := config.Redis
		if redisConfig.Prefix == "" {
			redisConfig.Prefix = config.Prefix
		}
		s, err = NewRedisStorage(ctx, redisConfig)
	default:
		return nil, NewStorageError(ErrBackendUnknown, fmt.Sprintf("unknown storage backend %q", config.Backend))
	}
	if err != nil {
		return nil, err
	}

	if config.Flush > 0 {
		bwConfig := DefaultBatchWriterConfig()
		bwConfig.FlushInterval = config.Flush
		s = NewBatchWriter(s, bwConfig)
	}
	return s, nil
}

// IsQuotaExceeded 判断错误是否为配额超限
func IsQuotaExceeded(err error) bool {
	return apperror.HasCode(err, ErrStorageFull)
}

// IsClosed 判断错误是否因为存储已关闭
func IsClosed(err error) bool {
	return apperror.HasCode(err, ErrResourceClosed)
}
