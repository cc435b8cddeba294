package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"brightlens/pkg/logger"
	"brightlens/pkg/storage"
)

const (
	registryKey = "sw:caches"
	entryPrefix = "sw:cache:"
)

// PartitionStats 分区统计
type PartitionStats struct {
	Entries int   `json:"entries"`
	Bytes   int64 `json:"bytes"`
}

// CacheStorage 管理按名称隔离的响应分区，所有数据保存在同一个 storage.Storage 中。
// 分区名登记在 sw:caches 下，条目保存在 sw:cache:<name>|<url> 下。
// 写入超出存储配额时，按写入时间从旧到新淘汰所有分区中的条目以腾出空间。
type CacheStorage struct {
	store storage.Storage
	log   *logrus.Entry

	mu sync.Mutex
}

// NewCacheStorage 创建分区存储
func NewCacheStorage(store storage.Storage) *CacheStorage {
	return &CacheStorage{
		store: store,
		log:   logger.WithComponent("cache_storage"),
	}
}

// SetLogger 替换日志器
func (cs *CacheStorage) SetLogger(entry *logrus.Entry) {
	cs.log = entry
}

// Open 打开分区，不存在时登记
func (cs *CacheStorage) Open(ctx context.Context, name string) (*Partition, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	names, err := cs.readNames(ctx)
	if err != nil {
		return nil, err
	}
	if !contains(names, name) {
		names = append(names, name)
		if err := cs.writeNames(ctx, names); err != nil {
			return nil, err
		}
	}
	return cs.partition(name), nil
}

// Has 判断分区是否已登记
func (cs *CacheStorage) Has(ctx context.Context, name string) (bool, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	names, err := cs.readNames(ctx)
	if err != nil {
		return false, err
	}
	return contains(names, name), nil
}

// Names 返回所有已登记的分区名
func (cs *CacheStorage) Names(ctx context.Context) ([]string, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	return cs.readNames(ctx)
}

// Delete 删除分区及其所有条目，返回分区之前是否存在
func (cs *CacheStorage) Delete(ctx context.Context, name string) (bool, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	names, err := cs.readNames(ctx)
	if err != nil {
		return false, err
	}
	if !contains(names, name) {
		return false, nil
	}

	p := cs.partition(name)
	keys, err := cs.store.Keys(ctx, p.prefix)
	if err != nil {
		return false, err
	}
	for _, key := range keys {
		if err := cs.store.RemoveItem(ctx, key); err != nil {
			return false, err
		}
	}

	remaining := names[:0]
	for _, n := range names {
		if n != name {
			remaining = append(remaining, n)
		}
	}
	return true, cs.writeNames(ctx, remaining)
}

func (cs *CacheStorage) partition(name string) *Partition {
	return &Partition{
		name:   name,
		prefix: entryPrefix + name + "|",
		store:  cs.store,
		owner:  cs,
		log:    cs.log.WithField("partition", name),
	}
}

type evictCandidate struct {
	key      string
	cachedAt time.Time
	size     int64
}

// evictOldest 淘汰最早写入的条目，直到释放至少 need 字节；keep 不参与淘汰。
// 所有条目加起来也不够 need 时不做任何删除。返回释放的字节数。
func (cs *CacheStorage) evictOldest(ctx context.Context, need int64, keep string) int64 {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	keys, err := cs.store.Keys(ctx, entryPrefix)
	if err != nil {
		cs.log.WithError(err).Warn("列出分区条目失败，无法淘汰")
		return 0
	}

	var (
		candidates []evictCandidate
		total      int64
	)
	for _, key := range keys {
		if key == keep {
			continue
		}
		raw, ok, err := cs.store.GetItem(ctx, key)
		if err != nil || !ok {
			continue
		}
		// 损坏的条目时间为零值，最先被淘汰
		var meta struct {
			CachedAt time.Time `json:"cached_at"`
		}
		_ = json.Unmarshal([]byte(raw), &meta)
		size := int64(len(key) + len(raw))
		candidates = append(candidates, evictCandidate{key: key, cachedAt: meta.CachedAt, size: size})
		total += size
	}
	if total < need {
		return 0
	}

	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].cachedAt.Equal(candidates[j].cachedAt) {
			return candidates[i].cachedAt.Before(candidates[j].cachedAt)
		}
		return candidates[i].key < candidates[j].key
	})

	var freed int64
	removed := 0
	for _, c := range candidates {
		if freed >= need {
			break
		}
		if err := cs.store.RemoveItem(ctx, c.key); err != nil {
			cs.log.WithError(err).WithField("key", c.key).Warn("淘汰分区条目失败")
			continue
		}
		freed += c.size
		removed++
	}

	cs.log.WithFields(logrus.Fields{"removed": removed, "freed": freed}).Info("分区存储已满，淘汰最早的条目")
	return freed
}

func (cs *CacheStorage) readNames(ctx context.Context) ([]string, error) {
	raw, ok, err := cs.store.GetItem(ctx, registryKey)
	if err != nil {
		return nil, err
	}
	if !ok || raw == "" {
		return []string{}, nil
	}

	var names []string
	if err := json.Unmarshal([]byte(raw), &names); err != nil {
		cs.log.WithError(err).Warn("分区登记数据损坏，重新登记")
		return []string{}, nil
	}
	return names, nil
}

func (cs *CacheStorage) writeNames(ctx context.Context, names []string) error {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	raw, err := json.Marshal(sorted)
	if err != nil {
		return err
	}
	return cs.store.SetItem(ctx, registryKey, string(raw))
}

// Partition 一个命名分区，按 URL 保存响应
type Partition struct {
	name   string
	prefix string
	store  storage.Storage
	owner  *CacheStorage
	log    *logrus.Entry
}

// Name 分区名
func (p *Partition) Name() string {
	return p.name
}

// Match 查找 URL 对应的响应，读取失败或数据损坏时视为未命中
func (p *Partition) Match(ctx context.Context, url string) (*StoredResponse, bool) {
	raw, ok, err := p.store.GetItem(ctx, p.prefix+url)
	if err != nil {
		p.log.WithError(err).WithField("url", url).Warn("读取缓存响应失败")
		return nil, false
	}
	if !ok {
		return nil, false
	}

	var sr StoredResponse
	if err := json.Unmarshal([]byte(raw), &sr); err != nil {
		p.log.WithError(err).WithField("url", url).Warn("缓存响应损坏，已删除")
		_ = p.store.RemoveItem(ctx, p.prefix+url)
		return nil, false
	}
	return &sr, true
}

// Put 保存响应，超出配额时先淘汰最早的条目再重试一次
func (p *Partition) Put(ctx context.Context, url string, sr *StoredResponse) error {
	raw, err := json.Marshal(sr)
	if err != nil {
		return fmt.Errorf("marshal response for %s failed: %w", url, err)
	}

	key := p.prefix + url
	err = p.store.SetItem(ctx, key, string(raw))
	if !storage.IsQuotaExceeded(err) || p.owner == nil {
		return err
	}
	if p.owner.evictOldest(ctx, int64(len(key)+len(raw)), key) == 0 {
		return err
	}
	return p.store.SetItem(ctx, key, string(raw))
}

// Delete 删除 URL 对应的响应
func (p *Partition) Delete(ctx context.Context, url string) error {
	return p.store.RemoveItem(ctx, p.prefix+url)
}

// Entries 返回分区内所有响应，按 URL 排序
func (p *Partition) Entries(ctx context.Context) ([]*StoredResponse, error) {
	keys, err := p.store.Keys(ctx, p.prefix)
	if err != nil {
		return nil, err
	}

	entries := make([]*StoredResponse, 0, len(keys))
	for _, key := range keys {
		sr, ok := p.Match(ctx, strings.TrimPrefix(key, p.prefix))
		if ok {
			entries = append(entries, sr)
		}
	}
	return entries, nil
}

// Stats 统计条目数与响应体字节数
func (p *Partition) Stats(ctx context.Context) (PartitionStats, error) {
	entries, err := p.Entries(ctx)
	if err != nil {
		return PartitionStats{}, err
	}

	var stats PartitionStats
	for _, sr := range entries {
		stats.Entries++
		stats.Bytes += int64(len(sr.Body))
	}
	return stats, nil
}

func contains(items []string, item string) bool {
	for _, it := range items {
		if it == item {
			return true
		}
	}
	return false
}
