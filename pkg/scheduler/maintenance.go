package scheduler

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"brightlens/pkg/cache"
	"brightlens/pkg/logger"
	"brightlens/pkg/metrics"
	"brightlens/pkg/offline"
)

// KVMaintainer 键值缓存中维护任务用到的部分
type KVMaintainer interface {
	Cleanup(ctx context.Context) int
	Stats(ctx context.Context) cache.Stats
	Counters() cache.Counters
}

// ControllerSource 返回当前控制请求的 worker，可能为 nil
type ControllerSource interface {
	Controller() *offline.Worker
}

// MaintenanceExecutor 执行内置维护任务
type MaintenanceExecutor struct {
	KV           KVMaintainer
	Registration ControllerSource
	Reporter     metrics.Reporter
	log          *logrus.Entry
}

// NewMaintenanceExecutor 创建维护任务执行器，reporter 为 nil 时不上报
func NewMaintenanceExecutor(kv KVMaintainer, reg ControllerSource, reporter metrics.Reporter) *MaintenanceExecutor {
	if reporter == nil {
		reporter = metrics.NopReporter{}
	}
	return &MaintenanceExecutor{
		KV:           kv,
		Registration: reg,
		Reporter:     reporter,
		log:          logger.WithComponent("maintenance"),
	}
}

// SetLogger 替换日志
func (e *MaintenanceExecutor) SetLogger(entry *logrus.Entry) {
	e.log = entry
}

// Execute 按任务类型分派
func (e *MaintenanceExecutor) Execute(ctx context.Context, job *Job) error {
	switch job.Config.Task {
	case TaskPartitionSweep:
		return e.sweep(ctx)
	case TaskKVCleanup:
		return e.cleanup(ctx)
	case TaskStatsReport:
		return e.report(ctx)
	default:
		return newJobError(ErrUnknownTask, job.Config.Name, fmt.Sprintf("unknown task %q", job.Config.Task))
	}
}

func (e *MaintenanceExecutor) sweep(ctx context.Context) error {
	w := e.controller()
	if w == nil {
		return nil
	}
	removed, err := w.Sweep(ctx)
	if err != nil {
		return err
	}
	if removed > 0 {
		e.log.WithField("removed", removed).Info("已清理过期的请求缓存")
	}
	return nil
}

func (e *MaintenanceExecutor) cleanup(ctx context.Context) error {
	if e.KV == nil {
		return nil
	}
	if removed := e.KV.Cleanup(ctx); removed > 0 {
		e.log.WithField("removed", removed).Info("已清理键值缓存")
	}
	return nil
}

func (e *MaintenanceExecutor) report(ctx context.Context) error {
	if e.KV != nil {
		if err := e.Reporter.ReportCache(ctx, e.KV.Stats(ctx), e.KV.Counters()); err != nil {
			return err
		}
	}
	w := e.controller()
	if w == nil {
		return nil
	}
	stats, err := w.CacheStats(ctx)
	if err != nil {
		return err
	}
	return e.Reporter.ReportPartitions(ctx, stats)
}

func (e *MaintenanceExecutor) controller() *offline.Worker {
	if e.Registration == nil {
		return nil
	}
	return e.Registration.Controller()
}

// DefaultJobs 按调度表达式生成内置任务，表达式为空的任务不生成
func DefaultJobs(sweepSchedule, cleanupSchedule, statsSchedule string) []JobConfig {
	var jobs []JobConfig
	for _, j := range []struct{ task, schedule string }{
		{TaskPartitionSweep, sweepSchedule},
		{TaskKVCleanup, cleanupSchedule},
		{TaskStatsReport, statsSchedule},
	} {
		if j.schedule == "" {
			continue
		}
		jobs = append(jobs, JobConfig{
			Name:     j.task,
			Enabled:  true,
			Schedule: j.schedule,
			Task:     j.task,
		})
	}
	return jobs
}
