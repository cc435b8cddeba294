package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStorage 是一种完全在内存中实现的 Storage。
// 配置了 Quota 时，它会像浏览器 localStorage 一样在超出配额后拒绝写入。
type MemoryStorage struct {
	mu     sync.RWMutex
	data   map[string]string
	used   int64
	config MemoryStorageConfig
	closed bool
}

// MemoryStorageConfig 定义了 MemoryStorage 的配置选项。
type MemoryStorageConfig struct {
	Quota int64 `yaml:"quota"` // 键和值的总字节数上限，<=0 表示不限制。
}

// NewMemoryStorage 创建一个新的 MemoryStorage 实例。
func NewMemoryStorage(config MemoryStorageConfig) *MemoryStorage {
	return &MemoryStorage{
		data:   make(map[string]string),
		config: config,
	}
}

// GetItem 读取一个键
func (ms *MemoryStorage) GetItem(ctx context.Context, key string) (string, bool, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	if ms.closed {
		return "", false, ClosedError()
	}
	v, ok := ms.data[key]
	return v, ok, nil
}

// SetItem 写入一个键，超出配额时原值保持不变
func (ms *MemoryStorage) SetItem(ctx context.Context, key, value string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.closed {
		return ClosedError()
	}

	used := ms.used + itemSize(key, value)
	if old, ok := ms.data[key]; ok {
		used -= itemSize(key, old)
	}
	if ms.config.Quota > 0 && used > ms.config.Quota {
		return QuotaExceededError()
	}

	ms.data[key] = value
	ms.used = used
	return nil
}

// RemoveItem 删除一个键
func (ms *MemoryStorage) RemoveItem(ctx context.Context, key string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.closed {
		return ClosedError()
	}
	if old, ok := ms.data[key]; ok {
		ms.used -= itemSize(key, old)
		delete(ms.data, key)
	}
	return nil
}

// Keys 按字典序列出带指定前缀的键
func (ms *MemoryStorage) Keys(ctx context.Context, prefix string) ([]string, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	if ms.closed {
		return nil, ClosedError()
	}
	keys := make([]string, 0, len(ms.data))
	for k := range ms.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Used 返回当前占用的字节数
func (ms *MemoryStorage) Used() int64 {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return ms.used
}

// Close 关闭存储，之后的所有操作都返回 ClosedError
func (ms *MemoryStorage) Close() error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.closed = true
	return nil
}

func itemSize(key, value string) int64 {
	return int64(len(key) + len(value))
}

var _ Storage = (*MemoryStorage)(nil)
