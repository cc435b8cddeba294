// Package offline 实现请求级缓存层：拦截页面发出的 HTTP 请求，按资源类别选择缓存策略，
// 响应保存在按版本命名的分区中。Worker 经历安装、激活的生命周期，由 Registration 决定哪个 worker 接管请求。
package offline

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"
	"golang.org/x/sync/singleflight"

	"brightlens/pkg/logger"
	"brightlens/pkg/timing"
)

// State worker 生命周期状态
type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

// WorkerConfig worker 配置
type WorkerConfig struct {
	Version              string        `mapstructure:"version" json:"version"`                               // 分区名中的版本号
	Origin               string        `mapstructure:"origin" json:"origin"`                                 // 站点地址，用于解析关键资源路径
	ImageMaxAge          time.Duration `mapstructure:"image_max_age" json:"image_max_age"`                   // 图片
	APIMaxAge            time.Duration `mapstructure:"api_max_age" json:"api_max_age"`                       // API响应
	StaticMaxAge         time.Duration `mapstructure:"static_max_age" json:"static_max_age"`                 // 静态资源
	PageMaxAge           time.Duration `mapstructure:"page_max_age" json:"page_max_age"`                     // 动态页面，仅用于清理
	PrewarmConcurrency   int           `mapstructure:"prewarm_concurrency" json:"prewarm_concurrency"`       // 预热并发数
	SkipWaitingOnInstall bool          `mapstructure:"skip_waiting_on_install" json:"skip_waiting_on_install"` // 安装后立即激活，不等待旧 worker
	MaxBodyBytes         int64         `mapstructure:"max_body_bytes" json:"max_body_bytes"`                   // 可缓存响应体的上限，超出时透传不缓存，<=0 不限制
	Rules                Rules         `mapstructure:"rules" json:"rules"`
}

// DefaultWorkerConfig 返回默认配置
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Version:              "v1",
		ImageMaxAge:          7 * 24 * time.Hour,
		APIMaxAge:            5 * time.Minute,
		StaticMaxAge:         24 * time.Hour,
		PageMaxAge:           24 * time.Hour,
		PrewarmConcurrency:   4,
		SkipWaitingOnInstall: true,
		MaxBodyBytes:         5 << 20,
		Rules:                DefaultRules(),
	}
}

// PartitionName 返回指定种类和版本的分区名
func PartitionName(kind, version string) string {
	return fmt.Sprintf("brightlens-%s-%s", kind, version)
}

// WorkerOption 构造选项
type WorkerOption func(*Worker)

// WithWorkerClock 替换时间源
func WithWorkerClock(clock timing.Clock) WorkerOption {
	return func(w *Worker) {
		w.clock = clock
	}
}

// WithWorkerLogger 替换日志器
func WithWorkerLogger(entry *logrus.Entry) WorkerOption {
	return func(w *Worker) {
		w.log = entry
	}
}

// Worker 一个版本的请求缓存处理器
type Worker struct {
	id         string
	config     WorkerConfig
	caches     *CacheStorage
	fetcher    Fetcher
	classifier *Classifier
	clock      timing.Clock
	log        *logrus.Entry
	group      singleflight.Group

	mu          sync.RWMutex
	state       State
	skipWaiting bool
	partitions  map[string]*Partition
}

// NewWorker 创建 worker，初始状态为 parsed
func NewWorker(caches *CacheStorage, fetcher Fetcher, config WorkerConfig, opts ...WorkerOption) *Worker {
	defaults := DefaultWorkerConfig()
	if config.Version == "" {
		config.Version = defaults.Version
	}
	if config.PrewarmConcurrency <= 0 {
		config.PrewarmConcurrency = defaults.PrewarmConcurrency
	}

	id := uuid.New().String()
	w := &Worker{
		id:         id,
		config:     config,
		caches:     caches,
		fetcher:    fetcher,
		classifier: NewClassifier(config.Rules),
		clock:      timing.Default(),
		state:      StateParsed,
		partitions: make(map[string]*Partition),
	}
	w.log = logger.WithComponent("sw_worker").WithFields(logrus.Fields{"worker": id, "version": config.Version})
	for _, opt := range opts {
		opt(w)
	}

	// 分区句柄只是名称与前缀，安装前即可使用
	for _, kind := range []string{KindStatic, KindDynamic, KindImages} {
		w.partitions[kind] = caches.partition(PartitionName(kind, config.Version))
	}
	return w
}

// ID worker 标识
func (w *Worker) ID() string {
	return w.id
}

// Version 分区版本号
func (w *Worker) Version() string {
	return w.config.Version
}

// State 当前生命周期状态
func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// SkipWaitingRequested 安装时是否请求了跳过等待
func (w *Worker) SkipWaitingRequested() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.skipWaiting
}

// Classifier 返回分类器
func (w *Worker) Classifier() *Classifier {
	return w.classifier
}

// PartitionNames 当前版本的分区名
func (w *Worker) PartitionNames() []string {
	return []string{
		PartitionName(KindStatic, w.config.Version),
		PartitionName(KindDynamic, w.config.Version),
		PartitionName(KindImages, w.config.Version),
	}
}

// Install 登记当前版本的分区并预热关键资源。单个资源预热失败只记录日志，不影响安装结果。
func (w *Worker) Install(ctx context.Context) error {
	if err := w.transition(StateParsed, StateInstalling); err != nil {
		return err
	}

	for _, name := range w.PartitionNames() {
		if _, err := w.caches.Open(ctx, name); err != nil {
			w.setState(StateRedundant)
			return fmt.Errorf("open partition %s failed: %w", name, err)
		}
	}

	w.prewarm(ctx)

	w.mu.Lock()
	w.state = StateInstalled
	w.skipWaiting = w.config.SkipWaitingOnInstall
	w.mu.Unlock()

	w.log.Info("worker 安装完成")
	return nil
}

// prewarm 并发拉取关键资源写入静态分区
func (w *Worker) prewarm(ctx context.Context) {
	base, err := url.Parse(w.config.Origin)
	if err != nil || w.config.Origin == "" {
		w.log.WithField("origin", w.config.Origin).Warn("未配置有效的站点地址，跳过预热")
		return
	}

	part := w.partition(KindStatic)
	p := pool.New().WithMaxGoroutines(w.config.PrewarmConcurrency).WithErrors()
	for _, asset := range w.config.Rules.CriticalAssets {
		ref, err := url.Parse(asset)
		if err != nil {
			w.log.WithError(err).WithField("asset", asset).Warn("关键资源地址无效")
			continue
		}
		target := base.ResolveReference(ref)

		p.Go(func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
			if err != nil {
				return err
			}
			sr, err := w.fetchShared(ctx, req)
			if err != nil {
				return fmt.Errorf("prewarm %s: %w", target, err)
			}
			if !sr.OK() {
				return fmt.Errorf("prewarm %s: status %d", target, sr.Status)
			}
			return part.Put(ctx, cacheKey(req), sr)
		})
	}

	if err := p.Wait(); err != nil {
		w.log.WithError(err).Warn("部分关键资源预热失败")
	}
}

// Activate 删除不属于当前版本的分区，清理过期条目
func (w *Worker) Activate(ctx context.Context) error {
	if err := w.transition(StateInstalled, StateActivating); err != nil {
		return err
	}

	current := make(map[string]struct{})
	for _, name := range w.PartitionNames() {
		current[name] = struct{}{}
	}

	names, err := w.caches.Names(ctx)
	if err != nil {
		w.setState(StateInstalled)
		return fmt.Errorf("list partitions failed: %w", err)
	}
	for _, name := range names {
		if _, ok := current[name]; ok {
			continue
		}
		if _, err := w.caches.Delete(ctx, name); err != nil {
			w.log.WithError(err).WithField("partition", name).Warn("删除旧分区失败")
			continue
		}
		w.log.WithField("partition", name).Info("已删除旧分区")
	}

	if removed, err := w.Sweep(ctx); err != nil {
		w.log.WithError(err).Warn("激活时清理过期条目失败")
	} else if removed > 0 {
		w.log.WithField("removed", removed).Info("激活时清理了过期条目")
	}

	w.setState(StateActivated)
	w.log.Info("worker 已激活")
	return nil
}

// Fetch 按资源类别处理请求。非 GET 请求不缓存，直接透传。
func (w *Worker) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodGet {
		return w.passthrough(ctx, req)
	}

	class := w.classifier.Classify(req.URL)
	st, ok := strategies[class]
	if !ok {
		return w.passthrough(ctx, req)
	}
	if st.networkFirst {
		return w.networkFirst(ctx, req, st)
	}
	return w.cacheFirst(ctx, req, st)
}

// Update 重新拉取 URL 并写入对应类别的分区
func (w *Worker) Update(ctx context.Context, rawURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return NewFetchError(ErrFetchFailed, rawURL, err.Error())
	}

	st, ok := strategies[w.classifier.Classify(req.URL)]
	if !ok {
		return nil
	}

	sr, err := w.fetchShared(ctx, req)
	if err != nil {
		fetchErr := NewFetchError(ErrFetchFailed, rawURL, "refetch failed")
		fetchErr.Cause = err
		return fetchErr
	}
	if !sr.OK() {
		return NewFetchError(ErrFetchFailed, rawURL, fmt.Sprintf("refetch returned status %d", sr.Status))
	}
	return w.partition(st.kind).Put(ctx, cacheKey(req), sr)
}

// CacheStats 返回所有已登记分区的统计
func (w *Worker) CacheStats(ctx context.Context) (map[string]PartitionStats, error) {
	names, err := w.caches.Names(ctx)
	if err != nil {
		return nil, err
	}

	stats := make(map[string]PartitionStats, len(names))
	for _, name := range names {
		s, err := w.caches.partition(name).Stats(ctx)
		if err != nil {
			return nil, err
		}
		stats[name] = s
	}
	return stats, nil
}

func (w *Worker) partition(kind string) *Partition {
	return w.partitions[kind]
}

func (w *Worker) transition(from, to State) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != from {
		return NewWorkerError(ErrInvalidState, fmt.Sprintf("cannot move from %s to %s", w.state, to))
	}
	w.state = to
	return nil
}

func (w *Worker) setState(state State) {
	w.mu.Lock()
	w.state = state
	w.mu.Unlock()
}

// markRedundant 被新 worker 取代或安装失败
func (w *Worker) markRedundant() {
	w.setState(StateRedundant)
	w.log.Debug("worker 已废弃")
}
