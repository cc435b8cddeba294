package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brightlens/pkg/logger"
	"brightlens/pkg/storage"
	"brightlens/pkg/timing"
)

var testStart = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

func newTestCache(t *testing.T, store storage.Storage, config Config) (*KVCache, *timing.ManualClock) {
	t.Helper()
	clock := timing.NewManualClock(testStart)
	c := New(store, config, WithClock(clock), WithLogger(logger.Discard()))
	t.Cleanup(func() { _ = c.Close() })
	return c, clock
}

func testConfig() Config {
	config := DefaultConfig()
	config.CleanupInterval = 0
	return config
}

// sizedValue 返回序列化后恰好 n 字节的字符串值
func sizedValue(n int) string {
	return strings.Repeat("x", n-2)
}

// 测试基本的读写删除
func TestKVCache_BasicOperations(t *testing.T) {
	c, _ := newTestCache(t, storage.NewMemoryStorage(storage.MemoryStorageConfig{}), testConfig())
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "news_1", map[string]interface{}{"title": "头条", "id": 1}, 0))

	data, ok := c.Get(ctx, "news_1")
	require.True(t, ok)
	assert.JSONEq(t, `{"title":"头条","id":1}`, string(data))

	var decoded struct {
		Title string `json:"title"`
		ID    int    `json:"id"`
	}
	require.True(t, c.GetInto(ctx, "news_1", &decoded))
	assert.Equal(t, "头条", decoded.Title)
	assert.Equal(t, 1, decoded.ID)

	_, ok = c.Get(ctx, "missing")
	assert.False(t, ok)

	c.Delete(ctx, "news_1")
	c.Delete(ctx, "news_1")
	_, ok = c.Get(ctx, "news_1")
	assert.False(t, ok)

	counters := c.Counters()
	assert.Equal(t, int64(2), counters.Hits)
	assert.Equal(t, int64(2), counters.Misses)
}

// 测试无法序列化的值返回错误
func TestKVCache_SetUnmarshalable(t *testing.T) {
	c, _ := newTestCache(t, storage.NewMemoryStorage(storage.MemoryStorageConfig{}), testConfig())

	err := c.Set(context.Background(), "bad", make(chan int), time.Minute)
	require.Error(t, err)

	var cacheErr *CacheError
	require.ErrorAs(t, err, &cacheErr)
	assert.Equal(t, ErrSerializeFailed, cacheErr.Code)
	assert.Equal(t, int64(0), c.Stats(context.Background()).TotalEntries)
}

// 测试TTL过期后读取未命中，且条目被惰性删除
func TestKVCache_TTL(t *testing.T) {
	c, clock := newTestCache(t, storage.NewMemoryStorage(storage.MemoryStorageConfig{}), testConfig())
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", "v", time.Second))

	clock.Advance(500 * time.Millisecond)
	data, ok := c.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, `"v"`, string(data))

	clock.Advance(time.Second)
	_, ok = c.Get(ctx, "k")
	assert.False(t, ok)
	assert.Equal(t, int64(0), c.Stats(ctx).TotalEntries, "过期条目应在读取时删除")
}

// 测试ttl<=0时使用默认TTL
func TestKVCache_DefaultTTL(t *testing.T) {
	c, clock := newTestCache(t, storage.NewMemoryStorage(storage.MemoryStorageConfig{}), testConfig())
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", 1, 0))

	clock.Advance(3*time.Minute - time.Second)
	_, ok := c.Get(ctx, "k")
	assert.True(t, ok)

	clock.Advance(2 * time.Second)
	_, ok = c.Get(ctx, "k")
	assert.False(t, ok)
}

// 测试读取会更新最后访问时间
func TestKVCache_GetTouchesEntry(t *testing.T) {
	store := storage.NewMemoryStorage(storage.MemoryStorageConfig{})
	config := testConfig()
	c, clock := newTestCache(t, store, config)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", "v", time.Hour))
	touched := clock.Advance(time.Minute)
	_, ok := c.Get(ctx, "k")
	require.True(t, ok)

	raw, ok, err := store.GetItem(ctx, config.StorageKey)
	require.NoError(t, err)
	require.True(t, ok)

	var entries map[string]*Entry
	require.NoError(t, json.Unmarshal([]byte(raw), &entries))
	require.Contains(t, entries, "k")
	assert.True(t, entries["k"].LastAccessed.Equal(touched))
	assert.True(t, entries["k"].Created.Equal(testStart))
	assert.Equal(t, int64(3), entries["k"].Size)
}

// 测试清理按最后访问时间淘汰最久未使用的条目
func TestKVCache_CleanupEvictsLeastRecentlyUsed(t *testing.T) {
	config := testConfig()
	config.MaxCacheSize = 15 << 10
	config.HighWatermark = 100 // 关闭写入时的自动清理
	config.ExpiredThreshold = 1000

	c, clock := newTestCache(t, storage.NewMemoryStorage(storage.MemoryStorageConfig{}), config)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		require.NoError(t, c.Set(ctx, fmt.Sprintf("item_%02d", i), sizedValue(1<<10), time.Hour))
		clock.Advance(time.Second)
	}
	// 前三个条目被重新访问，成为最近使用
	for i := 0; i < 3; i++ {
		_, ok := c.Get(ctx, fmt.Sprintf("item_%02d", i))
		require.True(t, ok)
		clock.Advance(time.Second)
	}

	assert.Equal(t, int64(20<<10), c.Stats(ctx).TotalSize)

	removed := c.Cleanup(ctx)
	assert.Equal(t, 8, removed)

	stats := c.Stats(ctx)
	assert.LessOrEqual(t, stats.TotalSize, int64(12<<10))
	assert.Equal(t, int64(12), stats.TotalEntries)

	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("item_%02d", i)
		_, ok := c.Get(ctx, key)
		if i >= 3 && i <= 10 {
			assert.False(t, ok, "%s 应被淘汰", key)
		} else {
			assert.True(t, ok, "%s 应保留", key)
		}
	}
	assert.Equal(t, int64(8), c.Counters().Evictions)
}

// 测试写入后超过高水位时自动清理
func TestKVCache_CleanupIfNeeded(t *testing.T) {
	config := testConfig()
	config.MaxCacheSize = 15 << 10

	c, clock := newTestCache(t, storage.NewMemoryStorage(storage.MemoryStorageConfig{}), config)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		require.NoError(t, c.Set(ctx, fmt.Sprintf("item_%02d", i), sizedValue(1<<10), time.Hour))
		clock.Advance(time.Second)
		assert.LessOrEqual(t, c.Stats(ctx).TotalSize, config.MaxCacheSize+(1<<10))
	}

	stats := c.Stats(ctx)
	assert.Equal(t, int64(12), stats.TotalEntries)
	assert.LessOrEqual(t, stats.TotalSize, config.MaxCacheSize)

	_, ok := c.Get(ctx, "item_07")
	assert.False(t, ok)
	_, ok = c.Get(ctx, "item_08")
	assert.True(t, ok)
	_, ok = c.Get(ctx, "item_19")
	assert.True(t, ok)
}

// 测试过期条目数量超过阈值时写入触发清理
func TestKVCache_ExpiredThreshold(t *testing.T) {
	c, clock := newTestCache(t, storage.NewMemoryStorage(storage.MemoryStorageConfig{}), testConfig())
	ctx := context.Background()

	for i := 0; i < 11; i++ {
		require.NoError(t, c.Set(ctx, fmt.Sprintf("short_%d", i), i, time.Second))
	}
	clock.Advance(2 * time.Second)
	assert.Equal(t, int64(11), c.Stats(ctx).ExpiredEntries)

	require.NoError(t, c.Set(ctx, "fresh", "v", time.Minute))

	stats := c.Stats(ctx)
	assert.Equal(t, int64(1), stats.TotalEntries)
	assert.Equal(t, int64(0), stats.ExpiredEntries)
}

// 测试统计信息与清空
func TestKVCache_StatsAndClear(t *testing.T) {
	c, clock := newTestCache(t, storage.NewMemoryStorage(storage.MemoryStorageConfig{}), testConfig())
	ctx := context.Background()

	empty := c.Stats(ctx)
	assert.Equal(t, Stats{}, empty)
	assert.Nil(t, empty.OldestEntry)
	assert.Nil(t, empty.NewestEntry)

	require.NoError(t, c.Set(ctx, "a", "1", time.Second))
	second := clock.Advance(time.Minute)
	require.NoError(t, c.Set(ctx, "b", "22", time.Hour))

	stats := c.Stats(ctx)
	assert.Equal(t, int64(2), stats.TotalEntries)
	assert.Equal(t, int64(7), stats.TotalSize)
	assert.Equal(t, int64(1), stats.ExpiredEntries)
	require.NotNil(t, stats.OldestEntry)
	require.NotNil(t, stats.NewestEntry)
	assert.True(t, stats.OldestEntry.Equal(testStart))
	assert.True(t, stats.NewestEntry.Equal(second))

	c.Clear(ctx)
	assert.Equal(t, Stats{}, c.Stats(ctx))
}

// 测试持久化数据损坏时按空缓存处理
func TestKVCache_CorruptedStore(t *testing.T) {
	store := storage.NewMemoryStorage(storage.MemoryStorageConfig{})
	config := testConfig()
	ctx := context.Background()
	require.NoError(t, store.SetItem(ctx, config.StorageKey, "{not json"))

	c, _ := newTestCache(t, store, config)

	_, ok := c.Get(ctx, "anything")
	assert.False(t, ok)
	assert.Equal(t, Stats{}, c.Stats(ctx))

	require.NoError(t, c.Set(ctx, "k", "v", time.Minute))
	_, ok = c.Get(ctx, "k")
	assert.True(t, ok)
}

// quotaStore 前 failures 次写入返回配额错误
type quotaStore struct {
	storage.Storage

	mu       sync.Mutex
	failures int
	removes  int
}

func (q *quotaStore) SetItem(ctx context.Context, key, value string) error {
	q.mu.Lock()
	if q.failures > 0 {
		q.failures--
		q.mu.Unlock()
		return storage.QuotaExceededError()
	}
	q.mu.Unlock()
	return q.Storage.SetItem(ctx, key, value)
}

func (q *quotaStore) RemoveItem(ctx context.Context, key string) error {
	q.mu.Lock()
	q.removes++
	q.mu.Unlock()
	return q.Storage.RemoveItem(ctx, key)
}

// 测试配额超限时清空后重试
func TestKVCache_QuotaRecovery(t *testing.T) {
	tests := []struct {
		name      string
		failures  int
		wantFound bool
		wantFails int64
	}{
		{name: "重试成功", failures: 1, wantFound: true, wantFails: 0},
		{name: "重试仍失败则丢弃", failures: 2, wantFound: false, wantFails: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &quotaStore{Storage: storage.NewMemoryStorage(storage.MemoryStorageConfig{})}
			c, _ := newTestCache(t, store, testConfig())
			ctx := context.Background()

			require.NoError(t, c.Set(ctx, "old", "v", time.Minute))

			store.failures = tt.failures
			require.NoError(t, c.Set(ctx, "new", "v", time.Minute), "配额错误不应返回给调用方")
			assert.Equal(t, 1, store.removes)

			_, found := c.Get(ctx, "new")
			assert.Equal(t, tt.wantFound, found)
			assert.Equal(t, tt.wantFails, c.Counters().WriteFailures)
		})
	}
}

// 测试经过批量写入器时读取仍能看到自己的写入
func TestKVCache_WithBatchWriter(t *testing.T) {
	backend := storage.NewMemoryStorage(storage.MemoryStorageConfig{})
	bw := storage.NewBatchWriter(backend, storage.BatchWriterConfig{BatchSize: 1000})
	bw.SetLogger(logger.Discard())
	defer bw.Close()

	config := testConfig()
	c, clock := newTestCache(t, bw, config)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", "v", time.Minute))
	clock.Advance(time.Second)
	_, ok := c.Get(ctx, "k")
	require.True(t, ok)

	_, persisted, err := backend.GetItem(ctx, config.StorageKey)
	require.NoError(t, err)
	assert.False(t, persisted, "刷新前不应写入底层存储")

	bw.Flush(ctx)
	_, persisted, err = backend.GetItem(ctx, config.StorageKey)
	require.NoError(t, err)
	assert.True(t, persisted)
}

// 测试后台清理协程与重复关闭
func TestKVCache_BackgroundCleanup(t *testing.T) {
	config := DefaultConfig()
	config.CleanupInterval = 10 * time.Millisecond

	clock := timing.NewManualClock(testStart)
	c := New(storage.NewMemoryStorage(storage.MemoryStorageConfig{}), config, WithClock(clock), WithLogger(logger.Discard()))
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", "v", time.Second))
	clock.Advance(time.Minute)

	assert.Eventually(t, func() bool {
		return c.Stats(ctx).TotalEntries == 0
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"空存储键", func(c *Config) { c.StorageKey = "" }},
		{"非正TTL", func(c *Config) { c.DefaultTTL = 0 }},
		{"非正容量", func(c *Config) { c.MaxCacheSize = -1 }},
		{"低水位越界", func(c *Config) { c.LowWatermark = 1.5 }},
		{"高水位低于低水位", func(c *Config) { c.HighWatermark = 0.5 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.modify(&config)
			err := config.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), string(ErrConfigInvalid))
		})
	}
}
