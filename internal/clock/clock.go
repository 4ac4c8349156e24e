// =============================================================================
// 文件: internal/clock/clock.go
// 描述: 时钟抽象 - 系统时钟与手动推进的测试时钟
// =============================================================================
package clock

import (
	"sync"
	"time"
)

// Clock 毫秒级计时来源
type Clock interface {
	Now() time.Time
}

// System 系统时钟
type System struct{}

// Now 当前时间
func (System) Now() time.Time {
	return time.Now()
}

// Manual 手动推进的时钟，多个节点共享时保证时间一致
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual 创建手动时钟
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now 当前时间
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance 推进时钟
func (m *Manual) Advance(d time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
	return m.now
}

// Set 设置为指定时间
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}
