// =============================================================================
// 文件: internal/metrics/metrics.go
// 描述: 游戏循环统计 - 执行帧数、消息数、提前量变化记录，供健康检查与退出汇总使用
// =============================================================================
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

const maxRunAheadHistory = 100

// LoopMetrics 游戏循环统计，多 goroutine 安全
type LoopMetrics struct {
	// 帧统计
	framesExecuted uint64
	messagesTaken  uint64
	updates        uint64
	lastFrameNanos int64

	// 提前量变化
	runAheadChanges uint64
	runAheadHistory []RunAheadRecord

	// 启动时间
	startTime time.Time

	mu sync.RWMutex
}

// RunAheadRecord 提前量变化记录
type RunAheadRecord struct {
	Timestamp time.Time
	Frame     uint32
	RunAhead  int
	FrameRate int
}

// NewLoopMetrics 创建循环统计
func NewLoopMetrics() *LoopMetrics {
	return &LoopMetrics{
		startTime:       time.Now(),
		runAheadHistory: make([]RunAheadRecord, 0, maxRunAheadHistory),
	}
}

// =============================================================================
// 帧统计
// =============================================================================

// IncUpdates 记录一次循环
func (m *LoopMetrics) IncUpdates() {
	atomic.AddUint64(&m.updates, 1)
}

// FrameExecuted 记录执行了一帧及其中的消息数
func (m *LoopMetrics) FrameExecuted(messages int) {
	atomic.AddUint64(&m.framesExecuted, 1)
	if messages > 0 {
		atomic.AddUint64(&m.messagesTaken, uint64(messages))
	}
	atomic.StoreInt64(&m.lastFrameNanos, time.Now().UnixNano())
}

// GetFramesExecuted 已执行帧数
func (m *LoopMetrics) GetFramesExecuted() uint64 {
	return atomic.LoadUint64(&m.framesExecuted)
}

// GetMessagesTaken 已取出的模拟层消息数
func (m *LoopMetrics) GetMessagesTaken() uint64 {
	return atomic.LoadUint64(&m.messagesTaken)
}

// GetUpdates 循环次数
func (m *LoopMetrics) GetUpdates() uint64 {
	return atomic.LoadUint64(&m.updates)
}

// SinceLastFrame 距上次执行帧的时间，从未执行时为启动以来的时间
func (m *LoopMetrics) SinceLastFrame() time.Duration {
	last := atomic.LoadInt64(&m.lastFrameNanos)
	if last == 0 {
		return m.GetUptime()
	}
	return time.Since(time.Unix(0, last))
}

// =============================================================================
// 提前量变化
// =============================================================================

// RecordRunAhead 提前量或帧率变化时记录，值不变时忽略
func (m *LoopMetrics) RecordRunAhead(frame uint32, runAhead, frameRate int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n := len(m.runAheadHistory); n > 0 {
		last := m.runAheadHistory[n-1]
		if last.RunAhead == runAhead && last.FrameRate == frameRate {
			return
		}
	}
	atomic.AddUint64(&m.runAheadChanges, 1)

	if len(m.runAheadHistory) >= maxRunAheadHistory {
		m.runAheadHistory = m.runAheadHistory[1:]
	}
	m.runAheadHistory = append(m.runAheadHistory, RunAheadRecord{
		Timestamp: time.Now(),
		Frame:     frame,
		RunAhead:  runAhead,
		FrameRate: frameRate,
	})
}

// GetRunAheadChanges 提前量变化次数
func (m *LoopMetrics) GetRunAheadChanges() uint64 {
	return atomic.LoadUint64(&m.runAheadChanges)
}

// GetRunAheadHistory 最近的变化记录（倒序）
func (m *LoopMetrics) GetRunAheadHistory(limit int) []RunAheadRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.runAheadHistory) {
		limit = len(m.runAheadHistory)
	}
	result := make([]RunAheadRecord, limit)
	for i := 0; i < limit; i++ {
		result[i] = m.runAheadHistory[len(m.runAheadHistory)-1-i]
	}
	return result
}

// =============================================================================
// 综合
// =============================================================================

// GetUptime 运行时间
func (m *LoopMetrics) GetUptime() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Since(m.startTime)
}

// GetStats 获取所有统计信息
func (m *LoopMetrics) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"uptime":            m.GetUptime().String(),
		"updates":           m.GetUpdates(),
		"frames_executed":   m.GetFramesExecuted(),
		"messages_taken":    m.GetMessagesTaken(),
		"run_ahead_changes": m.GetRunAheadChanges(),
	}
}

// Reset 重置所有统计
func (m *LoopMetrics) Reset() {
	atomic.StoreUint64(&m.framesExecuted, 0)
	atomic.StoreUint64(&m.messagesTaken, 0)
	atomic.StoreUint64(&m.updates, 0)
	atomic.StoreInt64(&m.lastFrameNanos, 0)
	atomic.StoreUint64(&m.runAheadChanges, 0)

	m.mu.Lock()
	m.runAheadHistory = make([]RunAheadRecord, 0, maxRunAheadHistory)
	m.startTime = time.Now()
	m.mu.Unlock()
}
