// Package timing 提供可替换的时间源，TTL 与新鲜度判断都通过它取当前时间。
package timing

import (
	"sync"
	"time"
)

// Clock 提供当前时间接口，用于mock测试
type Clock interface {
	Now() time.Time
}

// SystemClock 使用系统实际时间
type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now()
}

// Default 返回系统时钟
func Default() Clock {
	return SystemClock{}
}

// ManualClock 手动推进的时钟，测试中精确模拟时间流逝
type ManualClock struct {
	mu      sync.Mutex
	current time.Time
}

// NewManualClock 创建从指定时间开始的手动时钟
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{current: start}
}

// Now 返回当前模拟时间
func (m *ManualClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Set 设置当前模拟时间
func (m *ManualClock) Set(t time.Time) {
	m.mu.Lock()
	m.current = t
	m.mu.Unlock()
}

// Advance 推进模拟时间
func (m *ManualClock) Advance(d time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = m.current.Add(d)
	return m.current
}
