package scheduler

import (
	apperror "brightlens/pkg/error"
)

const (
	// ErrJobNotFound 表示任务未登记。
	ErrJobNotFound apperror.ErrorCode = "JOB_NOT_FOUND"
	// ErrJobExists 表示同名任务已登记。
	ErrJobExists apperror.ErrorCode = "JOB_EXISTS"
	// ErrJobDisabled 表示任务已禁用，不能手动执行。
	ErrJobDisabled apperror.ErrorCode = "JOB_DISABLED"
	// ErrJobInvalid 表示任务配置无效。
	ErrJobInvalid apperror.ErrorCode = "JOB_INVALID"
	// ErrNoExecutor 表示尚未设置任务执行器。
	ErrNoExecutor apperror.ErrorCode = "NO_EXECUTOR"
	// ErrUnknownTask 表示执行器不认识任务类型。
	ErrUnknownTask apperror.ErrorCode = "UNKNOWN_TASK"
	// ErrJobsFile 表示任务配置文件缺失或无法解析。
	ErrJobsFile apperror.ErrorCode = "JOBS_FILE"
)

// JobError 调度相关错误
type JobError struct {
	apperror.BaseError
	Job string `json:"job,omitempty"`
}

func newJobError(code apperror.ErrorCode, job, message string) *JobError {
	e := &JobError{
		BaseError: *apperror.NewError(code, message),
		Job:       job,
	}
	if job != "" {
		e.WithContext("job", job)
	}
	return e
}

func (e *JobError) wrap(cause error) *JobError {
	e.Cause = cause
	return e
}
