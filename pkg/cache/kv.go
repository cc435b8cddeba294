package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"brightlens/pkg/logger"
	"brightlens/pkg/storage"
	"brightlens/pkg/timing"
)

// Config 键值缓存配置
type Config struct {
	StorageKey       string        `mapstructure:"storage_key" json:"storage_key"`             // 持久化映射所在的存储键
	DefaultTTL       time.Duration `mapstructure:"default_ttl" json:"default_ttl"`             // 默认TTL
	MaxCacheSize     int64         `mapstructure:"max_size" json:"max_size"`                   // 最大字节数
	CleanupInterval  time.Duration `mapstructure:"cleanup_interval" json:"cleanup_interval"`   // 后台清理间隔，<=0 关闭
	ExpiredThreshold int           `mapstructure:"expired_threshold" json:"expired_threshold"` // 过期条目超过该数量时写入后立即清理
	HighWatermark    float64       `mapstructure:"high_watermark" json:"high_watermark"`       // 总大小超过 MaxCacheSize*HighWatermark 时写入后立即清理
	LowWatermark     float64       `mapstructure:"low_watermark" json:"low_watermark"`         // LRU 淘汰的目标比例
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		StorageKey:       "brightlens_news_cache",
		DefaultTTL:       3 * time.Minute,
		MaxCacheSize:     15 << 20,
		CleanupInterval:  30 * time.Second,
		ExpiredThreshold: 10,
		HighWatermark:    0.9,
		LowWatermark:     0.8,
	}
}

// Validate 校验配置
func (c Config) Validate() error {
	switch {
	case c.StorageKey == "":
		return NewCacheError(ErrConfigInvalid, "storage key must not be empty")
	case c.DefaultTTL <= 0:
		return NewCacheError(ErrConfigInvalid, "default ttl must be positive")
	case c.MaxCacheSize <= 0:
		return NewCacheError(ErrConfigInvalid, "max cache size must be positive")
	case c.LowWatermark <= 0 || c.LowWatermark > 1:
		return NewCacheError(ErrConfigInvalid, "low watermark must be in (0, 1]")
	case c.HighWatermark < c.LowWatermark:
		return NewCacheError(ErrConfigInvalid, "high watermark must not be below low watermark")
	}
	return nil
}

// Option 构造选项
type Option func(*KVCache)

// WithClock 替换时间源
func WithClock(clock timing.Clock) Option {
	return func(c *KVCache) {
		c.clock = clock
	}
}

// WithLogger 替换日志器
func WithLogger(entry *logrus.Entry) Option {
	return func(c *KVCache) {
		c.log = entry
	}
}

// KVCache 基于 storage.Storage 的持久化键值缓存。
// 所有操作由同一把锁串行化，后台清理协程与调用方共享同一份映射。
type KVCache struct {
	store  storage.Storage
	config Config
	clock  timing.Clock
	log    *logrus.Entry

	mu sync.Mutex

	hits          int64
	misses        int64
	evictions     int64
	writeFailures int64

	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	wg            sync.WaitGroup
	closeOnce     sync.Once
}

// New 创建键值缓存，CleanupInterval>0 时启动后台清理协程
func New(store storage.Storage, config Config, opts ...Option) *KVCache {
	defaults := DefaultConfig()
	if config.StorageKey == "" {
		config.StorageKey = defaults.StorageKey
	}
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = defaults.DefaultTTL
	}
	if config.MaxCacheSize <= 0 {
		config.MaxCacheSize = defaults.MaxCacheSize
	}
	if config.HighWatermark <= 0 {
		config.HighWatermark = defaults.HighWatermark
	}
	if config.LowWatermark <= 0 {
		config.LowWatermark = defaults.LowWatermark
	}

	c := &KVCache{
		store:       store,
		config:      config,
		clock:       timing.Default(),
		log:         logger.WithComponent("kvcache"),
		stopCleanup: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	if config.CleanupInterval > 0 {
		c.cleanupTicker = time.NewTicker(config.CleanupInterval)
		c.wg.Add(1)
		go c.startCleanup()
	}
	return c
}

// Config 返回生效的配置
func (c *KVCache) Config() Config {
	return c.config
}

// Get 获取缓存值。过期条目在读取时删除。
func (c *KVCache) Get(ctx context.Context, key string) (json.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries := c.load(ctx)
	entry, ok := entries[key]
	if !ok {
		atomic.AddInt64(&c.misses, 1)
		return nil, false
	}

	now := c.clock.Now()
	if entry.Expired(now) {
		delete(entries, key)
		c.save(ctx, entries)
		atomic.AddInt64(&c.misses, 1)
		return nil, false
	}

	entry.LastAccessed = now
	c.save(ctx, entries)
	atomic.AddInt64(&c.hits, 1)
	return entry.Data, true
}

// GetInto 获取缓存值并解码到 v，未命中或解码失败时返回 false
func (c *KVCache) GetInto(ctx context.Context, key string, v interface{}) bool {
	data, ok := c.Get(ctx, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		c.log.WithError(err).WithField("key", key).Warn("缓存值解码失败")
		return false
	}
	return true
}

// Set 设置缓存值
func (c *KVCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		cacheErr := NewCacheError(ErrSerializeFailed, fmt.Sprintf("marshal value for key %q", key))
		cacheErr.Cause = err
		return cacheErr
	}
	if ttl <= 0 {
		ttl = c.config.DefaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	entries := c.load(ctx)
	entries[key] = &Entry{
		Key:          key,
		Data:         data,
		Expiry:       now.Add(ttl),
		Created:      now,
		LastAccessed: now,
		Size:         int64(len(data)),
	}
	c.save(ctx, entries)
	c.cleanupIfNeeded(ctx, entries)
	return nil
}

// Delete 删除缓存值
func (c *KVCache) Delete(ctx context.Context, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries := c.load(ctx)
	if _, ok := entries[key]; !ok {
		return
	}
	delete(entries, key)
	c.save(ctx, entries)
}

// Clear 清空缓存
func (c *KVCache) Clear(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.store.RemoveItem(ctx, c.config.StorageKey); err != nil {
		c.log.WithError(err).Error("清空缓存失败")
	}
}

// Stats 获取缓存统计信息
func (c *KVCache) Stats(ctx context.Context) Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.statsOf(c.load(ctx), c.clock.Now())
}

// Counters 返回运行期的命中、未命中与淘汰计数
func (c *KVCache) Counters() Counters {
	return Counters{
		Hits:          atomic.LoadInt64(&c.hits),
		Misses:        atomic.LoadInt64(&c.misses),
		Evictions:     atomic.LoadInt64(&c.evictions),
		WriteFailures: atomic.LoadInt64(&c.writeFailures),
	}
}

// GenerateKey 生成列表查询的缓存键
func (c *KVCache) GenerateKey(namespace string, page int, filters map[string]interface{}) string {
	return GenerateKey(namespace, page, filters)
}

// Cleanup 删除过期条目；总大小仍超过上限时按最后访问时间从旧到新淘汰，
// 直到不超过 MaxCacheSize*LowWatermark。返回删除的条目数。
func (c *KVCache) Cleanup(ctx context.Context) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.cleanup(ctx, c.load(ctx))
}

// Close 停止后台清理，可重复调用
func (c *KVCache) Close() error {
	c.closeOnce.Do(func() {
		if c.cleanupTicker != nil {
			c.cleanupTicker.Stop()
		}
		close(c.stopCleanup)
		c.wg.Wait()
	})
	return nil
}

// cleanupIfNeeded 写入后检查阈值，调用方持有锁
func (c *KVCache) cleanupIfNeeded(ctx context.Context, entries map[string]*Entry) {
	stats := c.statsOf(entries, c.clock.Now())
	limit := float64(c.config.MaxCacheSize) * c.config.HighWatermark
	if stats.ExpiredEntries > int64(c.config.ExpiredThreshold) || float64(stats.TotalSize) > limit {
		c.cleanup(ctx, entries)
	}
}

// cleanup 调用方持有锁
func (c *KVCache) cleanup(ctx context.Context, entries map[string]*Entry) int {
	now := c.clock.Now()
	removed := 0

	var total int64
	for key, entry := range entries {
		if entry.Expired(now) {
			delete(entries, key)
			removed++
			continue
		}
		total += entry.Size
	}

	if total > c.config.MaxCacheSize {
		live := make([]*Entry, 0, len(entries))
		for _, entry := range entries {
			live = append(live, entry)
		}
		sort.Slice(live, func(i, j int) bool {
			if live[i].LastAccessed.Equal(live[j].LastAccessed) {
				return live[i].Key < live[j].Key
			}
			return live[i].LastAccessed.Before(live[j].LastAccessed)
		})

		target := int64(float64(c.config.MaxCacheSize) * c.config.LowWatermark)
		for _, entry := range live {
			if total <= target {
				break
			}
			delete(entries, entry.Key)
			total -= entry.Size
			removed++
			atomic.AddInt64(&c.evictions, 1)
		}
	}

	if removed > 0 {
		c.save(ctx, entries)
		c.log.WithFields(logrus.Fields{
			"removed":    removed,
			"total_size": total,
		}).Debug("缓存清理完成")
	}
	return removed
}

func (c *KVCache) statsOf(entries map[string]*Entry, now time.Time) Stats {
	var stats Stats
	for _, entry := range entries {
		stats.TotalEntries++
		stats.TotalSize += entry.Size
		if entry.Expired(now) {
			stats.ExpiredEntries++
		}
		created := entry.Created
		if stats.OldestEntry == nil || created.Before(*stats.OldestEntry) {
			stats.OldestEntry = &created
		}
		if stats.NewestEntry == nil || created.After(*stats.NewestEntry) {
			newest := created
			stats.NewestEntry = &newest
		}
	}
	return stats
}

// load 读取整个映射，读失败或数据损坏时视为空缓存
func (c *KVCache) load(ctx context.Context) map[string]*Entry {
	entries := make(map[string]*Entry)

	raw, ok, err := c.store.GetItem(ctx, c.config.StorageKey)
	if err != nil {
		c.log.WithError(err).Warn("读取缓存失败，按空缓存处理")
		return entries
	}
	if !ok || raw == "" {
		return entries
	}
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		c.log.WithError(err).Warn("缓存数据损坏，按空缓存处理")
		return make(map[string]*Entry)
	}
	for key, entry := range entries {
		if entry == nil {
			delete(entries, key)
			continue
		}
		entry.Key = key
	}
	return entries
}

// save 整体写回映射。配额超限时清空后重试一次，仍失败则丢弃本次写入。
func (c *KVCache) save(ctx context.Context, entries map[string]*Entry) {
	raw, err := json.Marshal(entries)
	if err != nil {
		atomic.AddInt64(&c.writeFailures, 1)
		c.log.WithError(err).Error("缓存序列化失败")
		return
	}

	err = c.store.SetItem(ctx, c.config.StorageKey, string(raw))
	if storage.IsQuotaExceeded(err) {
		c.log.WithField("bytes", len(raw)).Warn("存储配额超限，清空后重试")
		if rmErr := c.store.RemoveItem(ctx, c.config.StorageKey); rmErr != nil {
			c.log.WithError(rmErr).Warn("清空缓存失败")
		}
		err = c.store.SetItem(ctx, c.config.StorageKey, string(raw))
	}
	if err != nil {
		atomic.AddInt64(&c.writeFailures, 1)
		c.log.WithError(err).Error("缓存写入失败，已丢弃")
	}
}

// startCleanup 后台定期清理
func (c *KVCache) startCleanup() {
	defer c.wg.Done()
	for {
		select {
		case <-c.cleanupTicker.C:
			c.Cleanup(context.Background())
		case <-c.stopCleanup:
			return
		}
	}
}

var _ Cache = (*KVCache)(nil)
