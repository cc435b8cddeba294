package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"brightlens/pkg/cache"
	"brightlens/pkg/logger"
	"brightlens/pkg/metrics"
	"brightlens/pkg/offline"
	"brightlens/pkg/storage"
)

// EnvPrefix 环境变量前缀，例如 BRIGHTLENS_SERVER_PORT
const EnvPrefix = "BRIGHTLENS"

// Config 主配置结构
type Config struct {
	// 服务配置
	Server ServerConfig `mapstructure:"server" json:"server"`

	// 源站配置，代理的请求都发往这里
	Origin OriginConfig `mapstructure:"origin" json:"origin"`

	// 存储后端配置
	Storage storage.Config `mapstructure:"storage" json:"storage"`

	// 键值缓存配置
	Cache cache.Config `mapstructure:"cache" json:"cache"`

	// 请求缓存 worker 配置
	Worker offline.WorkerConfig `mapstructure:"worker" json:"worker"`

	// 定时维护任务配置
	Maintenance MaintenanceConfig `mapstructure:"maintenance" json:"maintenance"`

	// 指标上报配置
	Metrics metrics.Config `mapstructure:"metrics" json:"metrics"`

	// 日志配置
	Logger logger.Config `mapstructure:"logger" json:"logger"`
}

// ServerConfig HTTP 服务配置
type ServerConfig struct {
	Port            string        `mapstructure:"port" json:"port"`
	Mode            string        `mapstructure:"mode" json:"mode"` // gin 模式: debug, release, test
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" json:"shutdown_timeout"`
}

// OriginConfig 源站配置
type OriginConfig struct {
	URL     string                `mapstructure:"url" json:"url"`
	Fetcher offline.FetcherConfig `mapstructure:"fetcher" json:"fetcher"`
}

// MaintenanceConfig 定时任务配置，表达式为标准五段 cron
type MaintenanceConfig struct {
	JobsFile        string `mapstructure:"jobs_file" json:"jobs_file"` // 非空时从该文件加载任务，忽略下面的默认任务
	SweepSchedule   string `mapstructure:"sweep_schedule" json:"sweep_schedule"`
	CleanupSchedule string `mapstructure:"cleanup_schedule" json:"cleanup_schedule"`
	StatsSchedule   string `mapstructure:"stats_schedule" json:"stats_schedule"`
}

// Default 返回默认配置
func Default() *Config {
	worker := offline.DefaultWorkerConfig()
	worker.Origin = "http://localhost:3000"

	return &Config{
		Server: ServerConfig{
			Port:            "8080",
			Mode:            "release",
			ShutdownTimeout: 5 * time.Second,
		},
		Origin: OriginConfig{
			URL:     "http://localhost:3000",
			Fetcher: offline.DefaultFetcherConfig(),
		},
		Storage: storage.Config{
			Backend: "memory",
			Dir:     "./data/cache",
			Quota:   20 << 20,
			Prefix:  "brightlens:",
			Flush:   0,

			PartitionQuota: 50 << 20,
			Redis: storage.RedisConfig{
				Addr:           "localhost:6379",
				ConnectTimeout: 5 * time.Second,
			},
		},
		Cache:  cache.DefaultConfig(),
		Worker: worker,
		Maintenance: MaintenanceConfig{
			SweepSchedule:   "*/10 * * * *",
			CleanupSchedule: "* * * * *",
			StatsSchedule:   "*/5 * * * *",
		},
		Metrics: metrics.Config{
			Org:    "brightlens",
			Bucket: "cache_stats",
		},
		Logger: logger.Config{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return errors.New("server port cannot be empty")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("server shutdown_timeout must be positive")
	}

	origin, err := url.Parse(c.Origin.URL)
	if err != nil || origin.Scheme == "" || origin.Host == "" {
		return fmt.Errorf("origin url %q must be an absolute URL", c.Origin.URL)
	}
	if c.Origin.Fetcher.Timeout <= 0 {
		return errors.New("origin fetcher timeout must be positive")
	}

	switch strings.ToLower(c.Storage.Backend) {
	case "memory", "redis":
	case "disk":
		if c.Storage.Dir == "" {
			return errors.New("storage dir is required for the disk backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}

	if err := c.Cache.Validate(); err != nil {
		return err
	}

	if c.Worker.Version == "" {
		return errors.New("worker version cannot be empty")
	}
	if strings.Contains(c.Worker.Version, "|") {
		return errors.New("worker version cannot contain '|'")
	}
	if c.Worker.ImageMaxAge <= 0 || c.Worker.APIMaxAge <= 0 || c.Worker.StaticMaxAge <= 0 || c.Worker.PageMaxAge <= 0 {
		return errors.New("worker max ages must be positive")
	}

	for name, expr := range map[string]string{
		"sweep_schedule":   c.Maintenance.SweepSchedule,
		"cleanup_schedule": c.Maintenance.CleanupSchedule,
		"stats_schedule":   c.Maintenance.StatsSchedule,
	} {
		if expr == "" {
			continue
		}
		if _, err := cron.ParseStandard(expr); err != nil {
			return fmt.Errorf("maintenance %s is invalid: %w", name, err)
		}
	}

	if c.Metrics.Enabled() && (c.Metrics.Org == "" || c.Metrics.Bucket == "") {
		return errors.New("metrics org and bucket are required when url is set")
	}
	return nil
}

// Load 加载配置：默认值 < 配置文件 < BRIGHTLENS_ 前缀的环境变量。path 为空时在 ./config 和当前目录查找 brightlens.yaml，找不到文件不算错误。
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("brightlens")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.Worker.Origin == "" {
		cfg.Worker.Origin = cfg.Origin.URL
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// setDefaults 为每个键登记默认值，环境变量只能覆盖已登记的键
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.mode", d.Server.Mode)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)

	v.SetDefault("origin.url", d.Origin.URL)
	v.SetDefault("origin.fetcher.timeout", d.Origin.Fetcher.Timeout)
	v.SetDefault("origin.fetcher.user_agent", d.Origin.Fetcher.UserAgent)
	v.SetDefault("origin.fetcher.breaker.name", d.Origin.Fetcher.Breaker.Name)
	v.SetDefault("origin.fetcher.breaker.max_requests", d.Origin.Fetcher.Breaker.MaxRequests)
	v.SetDefault("origin.fetcher.breaker.interval", d.Origin.Fetcher.Breaker.Interval)
	v.SetDefault("origin.fetcher.breaker.timeout", d.Origin.Fetcher.Breaker.Timeout)
	v.SetDefault("origin.fetcher.breaker.ready_to_trip", d.Origin.Fetcher.Breaker.ReadyToTrip)
	v.SetDefault("origin.fetcher.breaker.enabled", d.Origin.Fetcher.Breaker.Enabled)

	v.SetDefault("storage.backend", d.Storage.Backend)
	v.SetDefault("storage.dir", d.Storage.Dir)
	v.SetDefault("storage.quota", d.Storage.Quota)
	v.SetDefault("storage.partition_quota", d.Storage.PartitionQuota)
	v.SetDefault("storage.prefix", d.Storage.Prefix)
	v.SetDefault("storage.flush", d.Storage.Flush)
	v.SetDefault("storage.redis.addr", d.Storage.Redis.Addr)
	v.SetDefault("storage.redis.password", d.Storage.Redis.Password)
	v.SetDefault("storage.redis.db", d.Storage.Redis.DB)
	v.SetDefault("storage.redis.prefix", d.Storage.Redis.Prefix)
	v.SetDefault("storage.redis.connect_timeout", d.Storage.Redis.ConnectTimeout)

	v.SetDefault("cache.storage_key", d.Cache.StorageKey)
	v.SetDefault("cache.default_ttl", d.Cache.DefaultTTL)
	v.SetDefault("cache.max_size", d.Cache.MaxCacheSize)
	v.SetDefault("cache.cleanup_interval", d.Cache.CleanupInterval)
	v.SetDefault("cache.expired_threshold", d.Cache.ExpiredThreshold)
	v.SetDefault("cache.high_watermark", d.Cache.HighWatermark)
	v.SetDefault("cache.low_watermark", d.Cache.LowWatermark)

	v.SetDefault("worker.version", d.Worker.Version)
	v.SetDefault("worker.origin", "")
	v.SetDefault("worker.image_max_age", d.Worker.ImageMaxAge)
	v.SetDefault("worker.api_max_age", d.Worker.APIMaxAge)
	v.SetDefault("worker.static_max_age", d.Worker.StaticMaxAge)
	v.SetDefault("worker.page_max_age", d.Worker.PageMaxAge)
	v.SetDefault("worker.prewarm_concurrency", d.Worker.PrewarmConcurrency)
	v.SetDefault("worker.skip_waiting_on_install", d.Worker.SkipWaitingOnInstall)
	v.SetDefault("worker.max_body_bytes", d.Worker.MaxBodyBytes)
	v.SetDefault("worker.rules.api_markers", d.Worker.Rules.APIMarkers)
	v.SetDefault("worker.rules.api_hosts", d.Worker.Rules.APIHosts)
	v.SetDefault("worker.rules.critical_assets", d.Worker.Rules.CriticalAssets)
	v.SetDefault("worker.rules.external_assets", d.Worker.Rules.ExternalAssets)
	v.SetDefault("worker.rules.dynamic_pages", d.Worker.Rules.DynamicPages)

	v.SetDefault("maintenance.jobs_file", d.Maintenance.JobsFile)
	v.SetDefault("maintenance.sweep_schedule", d.Maintenance.SweepSchedule)
	v.SetDefault("maintenance.cleanup_schedule", d.Maintenance.CleanupSchedule)
	v.SetDefault("maintenance.stats_schedule", d.Maintenance.StatsSchedule)

	v.SetDefault("metrics.url", d.Metrics.URL)
	v.SetDefault("metrics.token", d.Metrics.Token)
	v.SetDefault("metrics.org", d.Metrics.Org)
	v.SetDefault("metrics.bucket", d.Metrics.Bucket)
	v.SetDefault("metrics.host", d.Metrics.Host)

	v.SetDefault("logger.level", d.Logger.Level)
	v.SetDefault("logger.format", d.Logger.Format)
	v.SetDefault("logger.output", d.Logger.Output)
}

// SetOrigin 设置源站地址，worker 的站点地址随之更新
func (c *Config) SetOrigin(origin string) *Config {
	c.Origin.URL = origin
	c.Worker.Origin = origin
	return c
}

// SetStorageBackend 设置存储后端
func (c *Config) SetStorageBackend(backend string) *Config {
	c.Storage.Backend = backend
	return c
}

// SetLogLevel 设置日志级别
func (c *Config) SetLogLevel(level string) *Config {
	c.Logger.Level = level
	return c
}
