package cache

import (
	"brightlens/pkg/error"
)

type CacheError struct {
	error.BaseError
}

const (
	// ErrSerializeFailed 表示缓存值无法序列化为 JSON。
	ErrSerializeFailed error.ErrorCode = "SERIALIZE_FAILED"
	// ErrConfigInvalid 表示缓存配置无效。
	ErrConfigInvalid error.ErrorCode = "CONFIG_INVALID"
)

func NewCacheError(code error.ErrorCode, message string) *CacheError {
	return &CacheError{
		BaseError: *error.NewError(code, message),
	}
}
