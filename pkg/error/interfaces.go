package error

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode 错误代码类型
type ErrorCode string

// BaseError 基础错误类型，缓存、存储和离线层的错误都嵌入它。
type BaseError struct {
	Code      ErrorCode              `json:"code"`              // 错误的分类代码
	Message   string                 `json:"message"`           // 人类可读的错误信息
	Cause     error                  `json:"-"`                 // 导致此错误的原始错误
	Context   map[string]interface{} `json:"context,omitempty"` // 额外的上下文信息
	Timestamp time.Time              `json:"timestamp"`         // 错误发生的时间戳
}

// NewError 创建新的基础错误
func NewError(code ErrorCode, message string) *BaseError {
	return &BaseError{
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
		Context:   make(map[string]interface{}),
	}
}

// WrapError 包装现有错误
func WrapError(code ErrorCode, message string, cause error) *BaseError {
	e := NewError(code, message)
	e.Cause = cause
	return e
}

// Error 实现 error 接口
func (e *BaseError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap 支持错误包装
func (e *BaseError) Unwrap() error {
	return e.Cause
}

// Is 按错误代码比较，目标可以是任何嵌入了 BaseError 的错误。
func (e *BaseError) Is(target error) bool {
	if code, ok := codeOf(target); ok {
		return e.Code == code
	}
	return false
}

// WithContext 为错误附加一个键值对形式的上下文信息。
func (e *BaseError) WithContext(key string, value interface{}) *BaseError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// ErrorCode 返回错误代码，供 coder 接口使用。
func (e *BaseError) ErrorCode() ErrorCode {
	return e.Code
}

// coder 由所有嵌入 BaseError 的错误类型实现
type coder interface {
	ErrorCode() ErrorCode
}

func codeOf(err error) (ErrorCode, bool) {
	if c, ok := err.(coder); ok {
		return c.ErrorCode(), true
	}
	return "", false
}

// CodeOf 沿错误链查找第一个带错误代码的错误，找不到时返回空字符串。
func CodeOf(err error) ErrorCode {
	var c coder
	if errors.As(err, &c) {
		return c.ErrorCode()
	}
	return ""
}

// HasCode 判断错误链中是否存在指定代码
func HasCode(err error, code ErrorCode) bool {
	for err != nil {
		if c, ok := codeOf(err); ok && c == code {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}
