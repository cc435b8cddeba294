package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
)

// 内置维护任务
const (
	TaskPartitionSweep = "partition-sweep" // 清理请求缓存分区中的过期条目
	TaskKVCleanup      = "kv-cleanup"      // 键值缓存的过期清理与 LRU 淘汰
	TaskStatsReport    = "stats-report"    // 上报缓存统计
)

// JobConfig 单个任务的配置
type JobConfig struct {
	Name     string                 `mapstructure:"name" json:"name"`
	Enabled  bool                   `mapstructure:"enabled" json:"enabled"`
	Schedule string                 `mapstructure:"schedule" json:"schedule"` // 标准五段 cron 或 @every 等描述符
	Task     string                 `mapstructure:"task" json:"task"`
	Timeout  time.Duration          `mapstructure:"timeout" json:"timeout,omitempty"` // 单次执行超时，0 表示使用调度器默认值
	Params   map[string]interface{} `mapstructure:"params" json:"params,omitempty"`
}

// JobsConfig 任务配置文件结构
type JobsConfig struct {
	Jobs []JobConfig `mapstructure:"jobs" json:"jobs"`
}

// Job 已登记的任务及其运行记录
type Job struct {
	ID         string
	Config     JobConfig
	EntryID    cron.EntryID
	Status     JobStatus
	LastRun    *time.Time
	NextRun    *time.Time
	RunCount   int64
	ErrorCount int64
	LastError  error
}

// clone 返回可以交给调用方的副本
func (j *Job) clone() *Job {
	c := *j
	return &c
}

// JobStatus 任务状态
type JobStatus string

const (
	JobStatusPending  JobStatus = "pending"
	JobStatusRunning  JobStatus = "running"
	JobStatusError    JobStatus = "error"
	JobStatusDisabled JobStatus = "disabled"
)

// JobExecutor 执行一次任务
type JobExecutor interface {
	Execute(ctx context.Context, job *Job) error
}

// JobScheduler 维护任务的调度器
type JobScheduler interface {
	LoadConfig(configPath string) error
	AddJob(config JobConfig) error
	AddJobs(configs []JobConfig) int
	RemoveJob(jobName string) error
	GetJob(jobName string) (*Job, error)
	GetAllJobs() []*Job
	RunJob(jobName string) error
	SetExecutor(executor JobExecutor)
	Start() error
	Stop() error
}
