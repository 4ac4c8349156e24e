// =============================================================================
// 文件: internal/telemetry/frame_metrics.go
// 描述: 帧率/时延/到达余量滚动统计，为提前量调节提供输入
// =============================================================================
package telemetry

import (
	"time"

	"github.com/mrcgq/lockstep/internal/clock"
	"github.com/mrcgq/lockstep/internal/frame"
)

// =============================================================================
// 配置
// =============================================================================

// Config 历史窗口长度与初始值
type Config struct {
	FPSHistoryLength     int
	LatencyHistoryLength int
	CushionHistoryLength int

	InitialFPS     int
	InitialLatency time.Duration
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		FPSHistoryLength:     30,
		LatencyHistoryLength: 200,
		CushionHistoryLength: 10,
		InitialFPS:           30,
		InitialLatency:       200 * time.Millisecond,
	}
}

func (c *Config) normalize() {
	d := DefaultConfig()
	if c.FPSHistoryLength <= 0 {
		c.FPSHistoryLength = d.FPSHistoryLength
	}
	if c.LatencyHistoryLength <= 0 {
		c.LatencyHistoryLength = d.LatencyHistoryLength
	}
	if c.CushionHistoryLength <= 0 {
		c.CushionHistoryLength = d.CushionHistoryLength
	}
	if c.InitialFPS <= 0 {
		c.InitialFPS = d.InitialFPS
	}
	if c.InitialLatency <= 0 {
		c.InitialLatency = d.InitialLatency
	}
}

// =============================================================================
// FrameMetrics
// =============================================================================

// FrameMetrics 本地帧统计
// 时延以帧信息命令的一阶确认往返为样本，单位秒
type FrameMetrics struct {
	cfg   Config
	clock clock.Clock

	fpsList     []float32
	fpsIndex    int
	averageFPS  float32
	fpsFrames   int
	lastFPSTime time.Time

	latencyList      []float32
	averageLatency   float32
	pendingLatencies [frame.MaxFramesAhead]time.Time

	cushionList    []int
	cushionIndex   int
	averageCushion float32
	minimumCushion int
}

// NewFrameMetrics 创建帧统计
func NewFrameMetrics(cfg Config, clk clock.Clock) *FrameMetrics {
	cfg.normalize()
	m := &FrameMetrics{cfg: cfg, clock: clk}
	m.Init()
	return m
}

// Init 分配历史窗口并填充初始值
func (m *FrameMetrics) Init() {
	m.fpsList = make([]float32, m.cfg.FPSHistoryLength)
	m.latencyList = make([]float32, m.cfg.LatencyHistoryLength)
	m.cushionList = make([]int, m.cfg.CushionHistoryLength)
	m.Reset()
}

// Reset 回到初始值
func (m *FrameMetrics) Reset() {
	fps := float32(m.cfg.InitialFPS)
	for i := range m.fpsList {
		m.fpsList[i] = fps
	}
	m.averageFPS = fps
	m.fpsIndex = 0
	m.fpsFrames = 0
	m.lastFPSTime = time.Time{}

	lat := float32(m.cfg.InitialLatency.Seconds())
	for i := range m.latencyList {
		m.latencyList[i] = lat
	}
	m.averageLatency = lat
	m.pendingLatencies = [frame.MaxFramesAhead]time.Time{}

	for i := range m.cushionList {
		m.cushionList[i] = 0
	}
	m.cushionIndex = 0
	m.averageCushion = 0
	m.minimumCushion = -1
}

// DoPerFrameMetrics 每发出一帧的帧信息调用一次
// 按整秒统计帧数，并记录该帧信息的发出时间
func (m *FrameMetrics) DoPerFrameMetrics(f uint32) {
	now := m.clock.Now()
	if m.lastFPSTime.IsZero() {
		m.lastFPSTime = now
	}

	m.fpsFrames++
	if elapsed := now.Sub(m.lastFPSTime); elapsed >= time.Second {
		sample := float32(m.fpsFrames) / float32(elapsed.Seconds())
		n := float32(len(m.fpsList))
		m.averageFPS -= m.fpsList[m.fpsIndex] / n
		m.fpsList[m.fpsIndex] = sample
		m.averageFPS += sample / n
		m.fpsIndex = (m.fpsIndex + 1) % len(m.fpsList)
		m.fpsFrames = 0
		m.lastFPSTime = now
	}

	m.pendingLatencies[f%frame.MaxFramesAhead] = now
}

// ProcessLatencyResponse 帧信息被一阶确认
func (m *FrameMetrics) ProcessLatencyResponse(f uint32) {
	sent := m.pendingLatencies[f%frame.MaxFramesAhead]
	if sent.IsZero() {
		return
	}
	sample := float32(m.clock.Now().Sub(sent).Seconds())
	idx := int(f % uint32(len(m.latencyList)))
	n := float32(len(m.latencyList))
	m.averageLatency -= m.latencyList[idx] / n
	m.latencyList[idx] = sample
	m.averageLatency += sample / n
}

// AddCushion 记录一次到达余量 (命令到齐时距执行帧的帧数)
// 窗口每轮回一次最小值重新统计
func (m *FrameMetrics) AddCushion(cushion int) {
	m.cushionIndex = (m.cushionIndex + 1) % len(m.cushionList)
	if m.cushionIndex == 0 {
		m.minimumCushion = -1
	}
	if m.minimumCushion == -1 || cushion < m.minimumCushion {
		m.minimumCushion = cushion
	}

	n := float32(len(m.cushionList))
	m.averageCushion -= float32(m.cushionList[m.cushionIndex]) / n
	m.cushionList[m.cushionIndex] = cushion
	m.averageCushion += float32(cushion) / n
}

// AverageFPS 平均帧率
func (m *FrameMetrics) AverageFPS() int {
	return int(m.averageFPS)
}

// AverageLatency 平均往返时延 (秒)
func (m *FrameMetrics) AverageLatency() float32 {
	return m.averageLatency
}

// MinimumCushion 当前窗口内的最小余量，-1 表示尚无数据
func (m *FrameMetrics) MinimumCushion() int {
	return m.minimumCushion
}

// AverageCushion 平均余量
func (m *FrameMetrics) AverageCushion() float32 {
	return m.averageCushion
}

// GetStats 获取统计信息
func (m *FrameMetrics) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"average_fps":        m.AverageFPS(),
		"average_latency_ms": int64(m.averageLatency * 1000),
		"minimum_cushion":    m.minimumCushion,
		"average_cushion":    m.averageCushion,
	}
}
