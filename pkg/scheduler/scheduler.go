package scheduler

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"brightlens/pkg/logger"
)

const (
	// DefaultJobTimeout 任务未配置超时时单次执行的上限
	DefaultJobTimeout = 5 * time.Minute
	// DefaultStopTimeout Stop 等待运行中任务的上限
	DefaultStopTimeout = 30 * time.Second
)

var _ JobScheduler = (*DefaultJobScheduler)(nil)

// DefaultJobScheduler 基于 cron 的维护任务调度器。
// 同一任务不会重叠执行，无论由 cron 触发还是通过 RunJob 手动触发。
type DefaultJobScheduler struct {
	cron     *cron.Cron
	jobs     map[string]*Job
	executor JobExecutor
	mu       sync.RWMutex
	log      atomic.Pointer[logrus.Entry]

	jobTimeout  time.Duration
	stopTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

// Option 调度器选项
type Option func(*DefaultJobScheduler)

// WithJobTimeout 设置默认的单次执行超时
func WithJobTimeout(d time.Duration) Option {
	return func(s *DefaultJobScheduler) {
		if d > 0 {
			s.jobTimeout = d
		}
	}
}

// WithStopTimeout 设置 Stop 的等待上限
func WithStopTimeout(d time.Duration) Option {
	return func(s *DefaultJobScheduler) {
		if d > 0 {
			s.stopTimeout = d
		}
	}
}

// cronLogger 把 cron 内部的错误输出转给调度器当前的日志
type cronLogger struct {
	s *DefaultJobScheduler
}

func (l cronLogger) Printf(format string, args ...interface{}) {
	l.s.logger().Errorf(format, args...)
}

// NewJobScheduler 创建调度器，表达式按标准五段 cron 解析
func NewJobScheduler(opts ...Option) *DefaultJobScheduler {
	ctx, cancel := context.WithCancel(context.Background())

	s := &DefaultJobScheduler{
		jobs:        make(map[string]*Job),
		jobTimeout:  DefaultJobTimeout,
		stopTimeout: DefaultStopTimeout,
		ctx:         ctx,
		cancel:      cancel,
	}
	s.log.Store(logger.WithComponent("scheduler"))
	for _, opt := range opts {
		opt(s)
	}

	cl := cron.PrintfLogger(cronLogger{s: s})
	s.cron = cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	return s
}

func (s *DefaultJobScheduler) logger() *logrus.Entry {
	return s.log.Load()
}

// SetLogger 替换日志
func (s *DefaultJobScheduler) SetLogger(entry *logrus.Entry) {
	if entry != nil {
		s.log.Store(entry)
	}
}

// LoadConfig 从 YAML/JSON 文件登记任务，无效的任务被跳过并记录日志
func (s *DefaultJobScheduler) LoadConfig(configPath string) error {
	if _, err := os.Stat(configPath); err != nil {
		return newJobError(ErrJobsFile, "", fmt.Sprintf("jobs file %s not accessible", configPath)).wrap(err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		return newJobError(ErrJobsFile, "", "failed to read jobs file").wrap(err)
	}

	var file JobsConfig
	if err := v.Unmarshal(&file); err != nil {
		return newJobError(ErrJobsFile, "", "failed to decode jobs file").wrap(err)
	}

	loaded := s.AddJobs(file.Jobs)
	s.logger().WithFields(logrus.Fields{
		"file":    configPath,
		"loaded":  loaded,
		"skipped": len(file.Jobs) - loaded,
	}).Info("任务配置已加载")
	return nil
}

// AddJobs 批量登记，返回成功的数量
func (s *DefaultJobScheduler) AddJobs(configs []JobConfig) int {
	added := 0
	for _, jc := range configs {
		if err := s.AddJob(jc); err != nil {
			s.logger().WithError(err).WithField("job", jc.Name).Warn("跳过任务")
			continue
		}
		added++
	}
	return added
}

// AddJob 登记一个任务。禁用的任务只登记，不进入 cron。
func (s *DefaultJobScheduler) AddJob(config JobConfig) error {
	if err := validateJobConfig(config); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[config.Name]; exists {
		return newJobError(ErrJobExists, config.Name, "job already registered")
	}

	job := &Job{
		ID:     uuid.NewString(),
		Config: config,
		Status: JobStatusPending,
	}
	if !config.Enabled {
		job.Status = JobStatusDisabled
	} else {
		entryID, err := s.cron.AddFunc(config.Schedule, func() { s.executeJob(job) })
		if err != nil {
			return newJobError(ErrJobInvalid, config.Name, "cron rejected schedule").wrap(err)
		}
		job.EntryID = entryID
	}
	s.jobs[config.Name] = job

	s.logger().WithFields(logrus.Fields{
		"job":      config.Name,
		"task":     config.Task,
		"schedule": config.Schedule,
		"enabled":  config.Enabled,
	}).Info("任务已登记")
	return nil
}

// RemoveJob 移除任务
func (s *DefaultJobScheduler) RemoveJob(jobName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[jobName]
	if !exists {
		return newJobError(ErrJobNotFound, jobName, "job not registered")
	}
	if job.Config.Enabled {
		s.cron.Remove(job.EntryID)
	}
	delete(s.jobs, jobName)

	s.logger().WithField("job", jobName).Info("任务已移除")
	return nil
}

// GetJob 返回任务状态的副本
func (s *DefaultJobScheduler) GetJob(jobName string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, exists := s.jobs[jobName]
	if !exists {
		return nil, newJobError(ErrJobNotFound, jobName, "job not registered")
	}
	return job.clone(), nil
}

// GetAllJobs 返回所有任务的副本
func (s *DefaultJobScheduler) GetAllJobs() []*Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job.clone())
	}
	return jobs
}

// RunJob 立即在后台执行一次任务
func (s *DefaultJobScheduler) RunJob(jobName string) error {
	s.mu.RLock()
	job, exists := s.jobs[jobName]
	hasExecutor := s.executor != nil
	s.mu.RUnlock()

	switch {
	case !exists:
		return newJobError(ErrJobNotFound, jobName, "job not registered")
	case !job.Config.Enabled:
		return newJobError(ErrJobDisabled, jobName, "job is disabled")
	case !hasExecutor:
		return newJobError(ErrNoExecutor, jobName, "no executor set")
	}

	go s.executeJob(job)
	return nil
}

// SetExecutor 设置任务执行器
func (s *DefaultJobScheduler) SetExecutor(executor JobExecutor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executor = executor
}

// Start 启动 cron，必须先设置执行器
func (s *DefaultJobScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.executor == nil {
		return newJobError(ErrNoExecutor, "", "no executor set")
	}

	s.cron.Start()
	s.refreshNextRuns()
	s.logger().WithField("jobs", len(s.jobs)).Info("任务调度器已启动")
	return nil
}

// Stop 取消运行中任务的 context 并等待它们返回
func (s *DefaultJobScheduler) Stop() error {
	s.cancel()
	done := s.cron.Stop()

	select {
	case <-done.Done():
		s.logger().Info("任务调度器已停止")
	case <-time.After(s.stopTimeout):
		s.logger().WithField("timeout", s.stopTimeout).Warn("等待运行中任务超时")
	}
	return nil
}

func validateJobConfig(config JobConfig) error {
	invalid := func(msg string) error {
		return newJobError(ErrJobInvalid, config.Name, msg)
	}

	switch {
	case config.Name == "":
		return invalid("job name is required")
	case config.Task == "":
		return invalid("task is required")
	case config.Schedule == "":
		return invalid("schedule is required")
	case config.Timeout < 0:
		return invalid("timeout must not be negative")
	}
	if _, err := cron.ParseStandard(config.Schedule); err != nil {
		return newJobError(ErrJobInvalid, config.Name, fmt.Sprintf("bad schedule %q", config.Schedule)).wrap(err)
	}
	return nil
}

// begin 把任务标记为运行中，任务已在运行时返回 false
func (s *DefaultJobScheduler) begin(job *Job) (JobExecutor, *Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.Status == JobStatusRunning || s.executor == nil {
		return nil, nil, false
	}
	now := time.Now()
	job.Status = JobStatusRunning
	job.LastRun = &now
	job.RunCount++
	return s.executor, job.clone(), true
}

func (s *DefaultJobScheduler) finish(job *Job, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		job.Status = JobStatusError
		job.LastError = err
		job.ErrorCount++
	} else {
		job.Status = JobStatusPending
		job.LastError = nil
	}
	s.refreshNextRuns()
}

func (s *DefaultJobScheduler) executeJob(job *Job) {
	executor, snapshot, ok := s.begin(job)
	log := s.logger().WithFields(logrus.Fields{"job": job.Config.Name, "task": job.Config.Task})
	if !ok {
		log.Warn("任务仍在运行，跳过本次触发")
		return
	}

	timeout := s.jobTimeout
	if snapshot.Config.Timeout > 0 {
		timeout = snapshot.Config.Timeout
	}
	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()

	start := time.Now()
	err := runSafely(ctx, executor, snapshot)
	s.finish(job, err)

	log = log.WithField("elapsed", time.Since(start))
	if err != nil {
		log.WithError(err).Error("任务执行失败")
		return
	}
	log.Debug("任务执行完成")
}

// runSafely 把执行器的 panic 转成错误
func runSafely(ctx context.Context, executor JobExecutor, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.Config.Name, r)
		}
	}()
	return executor.Execute(ctx, job)
}

// refreshNextRuns 同步 cron 计算出的下次运行时间，调用方持有写锁
func (s *DefaultJobScheduler) refreshNextRuns() {
	next := make(map[cron.EntryID]time.Time)
	for _, entry := range s.cron.Entries() {
		next[entry.ID] = entry.Next
	}
	for _, job := range s.jobs {
		if t, ok := next[job.EntryID]; ok && job.Config.Enabled && !t.IsZero() {
			job.NextRun = &t
		}
	}
}
