// Package cache 实现持久化的键值缓存：每个条目带 TTL，整体容量按字节限制，超限时按 LRU 淘汰。
// 整个缓存作为一个 JSON 映射保存在 storage.Storage 的单个键下，每次读写都整体往返。
package cache

import (
	"context"
	"encoding/json"
	"time"
)

// Cache 定义了页面脚本使用的缓存行为。
type Cache interface {
	// Get 读取一个条目，不存在或已过期时返回 false。
	Get(ctx context.Context, key string) (json.RawMessage, bool)
	// Set 写入一个条目，ttl<=0 时使用默认TTL。只有值无法序列化时才返回错误。
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	// Delete 删除一个条目，不存在时什么也不做。
	Delete(ctx context.Context, key string)
	// Clear 清空整个持久化缓存。
	Clear(ctx context.Context)
	// Stats 返回缓存的统计信息，不修改任何条目。
	Stats(ctx context.Context) Stats
}

// Entry 代表缓存中的一个条目。
type Entry struct {
	Key          string          `json:"key"`
	Data         json.RawMessage `json:"data"`
	Expiry       time.Time       `json:"expiry"`       // 过期时间，now > Expiry 即视为失效
	Created      time.Time       `json:"created"`      // 创建时间
	LastAccessed time.Time       `json:"lastAccessed"` // 最后访问时间，决定 LRU 顺序
	Size         int64           `json:"size"`         // 序列化后的字节数
}

// Expired 判断条目在 now 时刻是否已过期
func (e *Entry) Expired(now time.Time) bool {
	return now.After(e.Expiry)
}

// Stats 包含了缓存的统计信息。
type Stats struct {
	TotalEntries   int64      `json:"totalEntries"`
	TotalSize      int64      `json:"totalSize"`
	ExpiredEntries int64      `json:"expiredEntries"`
	OldestEntry    *time.Time `json:"oldestEntry"` // 最早创建的条目，缓存为空时为 nil
	NewestEntry    *time.Time `json:"newestEntry"` // 最晚创建的条目，缓存为空时为 nil
}

// Counters 运行期计数器，不持久化
type Counters struct {
	Hits          int64 `json:"hits"`
	Misses        int64 `json:"misses"`
	Evictions     int64 `json:"evictions"`
	WriteFailures int64 `json:"write_failures"`
}
