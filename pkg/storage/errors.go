package storage

import (
	"brightlens/pkg/error"
)

const (
	// ErrStorageFull 表示存储空间已满（对应浏览器的 QuotaExceededError）。
	ErrStorageFull error.ErrorCode = "STORAGE_FULL"
	// ErrStorageIO 表示发生了存储I/O错误。
	ErrStorageIO error.ErrorCode = "STORAGE_IO"
	// ErrResourceClosed 表示尝试访问已关闭的资源。
	ErrResourceClosed error.ErrorCode = "RESOURCE_CLOSED"
	// ErrBackendUnknown 表示配置了未知的存储后端。
	ErrBackendUnknown error.ErrorCode = "BACKEND_UNKNOWN"
)

// QuotaExceededError 写入超出配额时返回，每次调用都是新的错误值
func QuotaExceededError() *StorageError {
	return NewStorageError(ErrStorageFull, "storage quota exceeded")
}

// ClosedError 存储关闭后的操作返回，每次调用都是新的错误值
func ClosedError() *StorageError {
	return NewStorageError(ErrResourceClosed, "storage is closed")
}

type StorageError struct {
	error.BaseError
}

func NewStorageError(code error.ErrorCode, message string) *StorageError {
	return &StorageError{
		BaseError: *error.NewError(code, message),
	}
}

// WrapStorageError 用存储错误代码包装底层错误
func WrapStorageError(code error.ErrorCode, message string, cause interface{ Error() string }) *StorageError {
	e := NewStorageError(code, message)
	if cause != nil {
		e.Cause = cause
	}
	return e
}
