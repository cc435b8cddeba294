package offline

import (
	"brightlens/pkg/error"
)

const (
	// ErrFetchFailed 表示网络请求失败且没有可用的缓存副本。
	ErrFetchFailed error.ErrorCode = "FETCH_FAILED"
	// ErrCircuitOpen 表示熔断器处于打开状态，请求未发出。
	ErrCircuitOpen error.ErrorCode = "CIRCUIT_OPEN"
	// ErrInvalidState 表示 worker 的生命周期状态不允许该操作。
	ErrInvalidState error.ErrorCode = "INVALID_STATE"
	// ErrUnknownMessage 表示收到了无法识别的消息类型。
	ErrUnknownMessage error.ErrorCode = "UNKNOWN_MESSAGE"
	// ErrNoController 表示当前没有处于激活状态的 worker。
	ErrNoController error.ErrorCode = "NO_CONTROLLER"
)

// FetchError 网络请求相关错误
type FetchError struct {
	error.BaseError
	URL string `json:"url"`
}

func NewFetchError(code error.ErrorCode, url, message string) *FetchError {
	return &FetchError{
		BaseError: *error.NewError(code, message),
		URL:       url,
	}
}

// WorkerError 生命周期与消息处理相关错误
type WorkerError struct {
	error.BaseError
}

func NewWorkerError(code error.ErrorCode, message string) *WorkerError {
	return &WorkerError{
		BaseError: *error.NewError(code, message),
	}
}
