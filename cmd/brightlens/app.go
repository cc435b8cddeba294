package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"brightlens/pkg/cache"
	"brightlens/pkg/config"
	"brightlens/pkg/logger"
	"brightlens/pkg/metrics"
	"brightlens/pkg/offline"
	"brightlens/pkg/scheduler"
	"brightlens/pkg/storage"
)

// App 持有进程内所有组件，按依赖顺序创建，逆序关闭
type App struct {
	config    *config.Config
	store     storage.Storage // 键值缓存
	caches    storage.Storage // 请求缓存分区
	kv        *cache.KVCache
	reg       *offline.Registration
	reporter  metrics.Reporter
	scheduler scheduler.JobScheduler
	server    *Server
	logger    *logrus.Entry
}

// NewApp 创建两份存储、键值缓存、worker 注册表、维护任务和 HTTP 服务。
// fetcher 为 nil 时使用指向源站的 NetworkFetcher。
func NewApp(ctx context.Context, cfg *config.Config, fetcher offline.Fetcher) (*App, error) {
	log := logger.WithComponent("brightlens")

	store, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	app := &App{
		config: cfg,
		store:  store,
		logger: log,
	}

	app.kv = cache.New(store, cfg.Cache, cache.WithLogger(logger.WithComponent("kvcache")))

	app.caches, err = storage.Open(ctx, cfg.Storage.Partitions())
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to open partition storage: %w", err)
	}

	if fetcher == nil {
		fetcher = offline.NewNetworkFetcher(nil, cfg.Origin.Fetcher)
	}
	caches := offline.NewCacheStorage(app.caches)
	app.reg = offline.NewRegistration(fetcher)

	workerConfig := cfg.Worker
	if workerConfig.Origin == "" {
		workerConfig.Origin = cfg.Origin.URL
	}
	worker := offline.NewWorker(caches, fetcher, workerConfig)
	if err := app.reg.Register(ctx, worker); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to register worker %s: %w", workerConfig.Version, err)
	}

	app.reporter = metrics.New(cfg.Metrics)

	if err := app.setupScheduler(); err != nil {
		app.Close()
		return nil, err
	}

	app.server, err = NewServer(app.kv, app.reg, cfg.Origin.URL, logger.WithComponent("http"))
	if err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

func (a *App) setupScheduler() error {
	a.scheduler = scheduler.NewJobScheduler()
	a.scheduler.SetExecutor(scheduler.NewMaintenanceExecutor(a.kv, a.reg, a.reporter))

	m := a.config.Maintenance
	if m.JobsFile != "" {
		if _, err := os.Stat(m.JobsFile); err == nil {
			return a.scheduler.LoadConfig(m.JobsFile)
		}
		a.logger.WithField("jobs_file", m.JobsFile).Warn("任务配置文件不存在，使用默认任务")
	}

	jobs := scheduler.DefaultJobs(m.SweepSchedule, m.CleanupSchedule, m.StatsSchedule)
	if added := a.scheduler.AddJobs(jobs); added != len(jobs) {
		return fmt.Errorf("only %d of %d maintenance jobs were scheduled", added, len(jobs))
	}
	return nil
}

// Start 启动维护任务和 HTTP 服务
func (a *App) Start() error {
	if err := a.scheduler.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	a.server.Start(a.config.Server.Port)
	return nil
}

// Stop 在超时内关闭 HTTP 服务，然后停止维护任务
func (a *App) Stop(ctx context.Context) {
	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			a.logger.WithError(err).Error("Failed to gracefully shutdown server")
		}
	}
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
}

// Close 释放缓存、指标和两份存储
func (a *App) Close() {
	if a.kv != nil {
		a.kv.Close()
	}
	if a.reporter != nil {
		a.reporter.Close()
	}
	for _, s := range []storage.Storage{a.caches, a.store} {
		if s == nil {
			continue
		}
		if err := s.Close(); err != nil {
			a.logger.WithError(err).Warn("关闭存储失败")
		}
	}
}
