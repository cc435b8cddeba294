package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"brightlens/pkg/logger"
)

// BatchWriter 封装了底层存储，提供写后批量刷新的能力。
// 每个键只保留最后一次写入，直到达到批次大小或刷新间隔才写入底层存储。
// 读操作优先读取尚未刷新的缓冲区，因此同一进程内总能读到自己的写入。
type BatchWriter struct {
	storage Storage
	config  BatchWriterConfig
	log     *logrus.Entry

	mu       sync.Mutex
	pending  map[string]pendingOp
	inflight map[string]pendingOp
	stats    BatchWriterStats
	closed   bool

	flushMu     sync.Mutex
	flushTicker *time.Ticker
	stopChan    chan struct{}
	wg          sync.WaitGroup
}

type pendingOp struct {
	value  string
	remove bool
}

// BatchWriterConfig 定义了 BatchWriter 的配置选项。
type BatchWriterConfig struct {
	BatchSize     int           `yaml:"batch_size"`     // 缓冲的键数量达到该值时触发刷新。
	FlushInterval time.Duration `yaml:"flush_interval"` // 定期将缓冲区写入存储的时间间隔。
	EnableAsync   bool          `yaml:"enable_async"`   // 达到批次大小时是否在后台 goroutine 中刷新。
}

// BatchWriterStats 包含了 BatchWriter 的运行统计信息。
type BatchWriterStats struct {
	TotalBatches    int64     `json:"total_batches"`    // 已执行的刷新批次数。
	TotalRecords    int64     `json:"total_records"`    // 已写入底层存储的记录数。
	BufferSize      int       `json:"buffer_size"`      // 当前缓冲区中的键数量。
	LastFlush       time.Time `json:"last_flush"`       // 最后一次刷新的时间。
	FlushErrors     int64     `json:"flush_errors"`     // 写入失败并被丢弃的记录数。
	QuotaRecoveries int64     `json:"quota_recoveries"` // 因配额超限而删除后重试的次数。
}

// DefaultBatchWriterConfig 返回一个默认的 BatchWriter 配置实例。
func DefaultBatchWriterConfig() BatchWriterConfig {
	return BatchWriterConfig{
		BatchSize:     64,
		FlushInterval: time.Second,
		EnableAsync:   true,
	}
}

// NewBatchWriter 创建一个新的 BatchWriter 实例。
func NewBatchWriter(storage Storage, config BatchWriterConfig) *BatchWriter {
	bw := &BatchWriter{
		storage:  storage,
		config:   config,
		log:      logger.WithComponent("batch_writer"),
		pending:  make(map[string]pendingOp),
		inflight: make(map[string]pendingOp),
		stopChan: make(chan struct{}),
	}

	if config.FlushInterval > 0 {
		bw.flushTicker = time.NewTicker(config.FlushInterval)
		bw.wg.Add(1)
		go bw.startPeriodicFlush()
	}

	return bw
}

// SetLogger 替换日志器
func (bw *BatchWriter) SetLogger(entry *logrus.Entry) {
	bw.log = entry
}

// GetItem 优先从缓冲区读取
func (bw *BatchWriter) GetItem(ctx context.Context, key string) (string, bool, error) {
	bw.mu.Lock()
	if bw.closed {
		bw.mu.Unlock()
		return "", false, ClosedError()
	}
	op, ok := bw.pending[key]
	if !ok {
		op, ok = bw.inflight[key]
	}
	bw.mu.Unlock()

	if ok {
		if op.remove {
			return "", false, nil
		}
		return op.value, true, nil
	}
	return bw.storage.GetItem(ctx, key)
}

// SetItem 将写入放入缓冲区。配额错误只会在刷新时出现，并在那里处理。
func (bw *BatchWriter) SetItem(ctx context.Context, key, value string) error {
	return bw.enqueue(ctx, key, pendingOp{value: value})
}

// RemoveItem 将删除放入缓冲区
func (bw *BatchWriter) RemoveItem(ctx context.Context, key string) error {
	return bw.enqueue(ctx, key, pendingOp{remove: true})
}

func (bw *BatchWriter) enqueue(ctx context.Context, key string, op pendingOp) error {
	bw.mu.Lock()
	if bw.closed {
		bw.mu.Unlock()
		return ClosedError()
	}
	bw.pending[key] = op
	full := bw.config.BatchSize > 0 && len(bw.pending) >= bw.config.BatchSize
	bw.mu.Unlock()

	if !full {
		return nil
	}
	if bw.config.EnableAsync {
		bw.wg.Add(1)
		go func() {
			defer bw.wg.Done()
			bw.flush(context.Background())
		}()
		return nil
	}
	bw.flush(ctx)
	return nil
}

// Keys 合并底层存储与缓冲区中的键
func (bw *BatchWriter) Keys(ctx context.Context, prefix string) ([]string, error) {
	keys, err := bw.storage.Keys(ctx, prefix)
	if err != nil {
		return nil, err
	}

	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}

	bw.mu.Lock()
	for _, ops := range []map[string]pendingOp{bw.inflight, bw.pending} {
		for k, op := range ops {
			if !strings.HasPrefix(k, prefix) {
				continue
			}
			if op.remove {
				delete(set, k)
			} else {
				set[k] = struct{}{}
			}
		}
	}
	bw.mu.Unlock()

	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

// Flush 手动触发一次将缓冲区写入底层存储的操作。
func (bw *BatchWriter) Flush(ctx context.Context) {
	bw.flush(ctx)
}

// flush 把缓冲区交换到 inflight 后逐个写入；配额超限时删除该键并重试一次
func (bw *BatchWriter) flush(ctx context.Context) {
	bw.flushMu.Lock()
	defer bw.flushMu.Unlock()

	bw.mu.Lock()
	if len(bw.pending) == 0 {
		bw.mu.Unlock()
		return
	}
	batch := bw.pending
	bw.pending = make(map[string]pendingOp)
	bw.inflight = batch
	bw.mu.Unlock()

	var written, failed, recovered int64
	for key, op := range batch {
		var err error
		if op.remove {
			err = bw.storage.RemoveItem(ctx, key)
		} else {
			err = bw.storage.SetItem(ctx, key, op.value)
			if IsQuotaExceeded(err) {
				recovered++
				_ = bw.storage.RemoveItem(ctx, key)
				err = bw.storage.SetItem(ctx, key, op.value)
			}
		}
		if err != nil {
			failed++
			bw.log.WithError(err).WithField("key", key).Error("批量写入失败，丢弃该记录")
			continue
		}
		written++
	}

	bw.mu.Lock()
	bw.inflight = make(map[string]pendingOp)
	bw.stats.TotalBatches++
	bw.stats.TotalRecords += written
	bw.stats.FlushErrors += failed
	bw.stats.QuotaRecoveries += recovered
	bw.stats.LastFlush = time.Now()
	bw.mu.Unlock()
}

// startPeriodicFlush 按固定的时间间隔刷新缓冲区。
func (bw *BatchWriter) startPeriodicFlush() {
	defer bw.wg.Done()
	for {
		select {
		case <-bw.flushTicker.C:
			bw.flush(context.Background())
		case <-bw.stopChan:
			return
		}
	}
}

// Close 先刷新剩余数据，再停止后台任务并关闭底层存储。可重复调用。
func (bw *BatchWriter) Close() error {
	bw.mu.Lock()
	if bw.closed {
		bw.mu.Unlock()
		return nil
	}
	bw.closed = true
	bw.mu.Unlock()

	if bw.flushTicker != nil {
		bw.flushTicker.Stop()
	}
	close(bw.stopChan)
	bw.wg.Wait()
	bw.flush(context.Background())

	return bw.storage.Close()
}

// GetStats 返回当前的运行统计信息。
func (bw *BatchWriter) GetStats() BatchWriterStats {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	stats := bw.stats
	stats.BufferSize = len(bw.pending)
	return stats
}

var _ Storage = (*BatchWriter)(nil)
