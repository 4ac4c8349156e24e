// =============================================================================
// 文件: internal/metrics/gauges.go
// 描述: 实时埋点指标（Counter/Gauge/Histogram），实现连接管理器的指标出口
// =============================================================================
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mrcgq/lockstep/internal/command"
	"github.com/mrcgq/lockstep/internal/manager"
)

const namespace = "lockstep"

var _ manager.MetricsSink = (*NetMetrics)(nil)

// NetMetrics 连接管理器事件指标
type NetMetrics struct {
	// 命令相关
	CommandsReceived *prometheus.CounterVec
	CommandsRelayed  *prometheus.CounterVec
	Duplicates       *prometheus.CounterVec

	// 帧相关
	ResendRequests *prometheus.CounterVec
	Desyncs        *prometheus.CounterVec

	// 提前量
	RunAhead      prometheus.Gauge
	FrameRate     prometheus.Gauge
	RunAheadSends prometheus.Histogram

	// 玩家
	Disconnects *prometheus.CounterVec
}

// NewNetMetrics 创建并注册指标
func NewNetMetrics(registry prometheus.Registerer) *NetMetrics {
	m := &NetMetrics{
		CommandsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "commands",
			Name:      "received_total",
			Help:      "Commands decoded from incoming packets",
		}, []string{"type"}),

		CommandsRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "commands",
			Name:      "relayed_total",
			Help:      "Commands forwarded to other slots",
		}, []string{"type"}),

		Duplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "commands",
			Name:      "duplicates_total",
			Help:      "Duplicate commands dropped",
		}, []string{"type"}),

		ResendRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "frames",
			Name:      "resend_requests_total",
			Help:      "Frame resend requests sent, by target slot",
		}, []string{"slot"}),

		Desyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "frames",
			Name:      "desyncs_total",
			Help:      "Frames that received more commands than announced",
		}, []string{"slot"}),

		RunAhead: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "runahead",
			Name:      "frames",
			Help:      "Last run-ahead sent by the packet router",
		}),

		FrameRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "runahead",
			Name:      "frame_rate",
			Help:      "Last frame rate sent by the packet router",
		}),

		RunAheadSends: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "runahead",
			Name:      "sent_frames",
			Help:      "Distribution of run-ahead values sent",
			Buckets:   []float64{10, 12, 16, 20, 24, 32, 48, 64},
		}),

		Disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "players",
			Name:      "disconnects_total",
			Help:      "Players removed from the session",
		}, []string{"slot"}),
	}

	// 注册所有指标
	registry.MustRegister(
		m.CommandsReceived,
		m.CommandsRelayed,
		m.Duplicates,
		m.ResendRequests,
		m.Desyncs,
		m.RunAhead,
		m.FrameRate,
		m.RunAheadSends,
		m.Disconnects,
	)

	return m
}

func slotLabel(slot uint8) string {
	return strconv.Itoa(int(slot))
}

// CommandReceived 记录收到的命令
func (m *NetMetrics) CommandReceived(t command.Type) {
	m.CommandsReceived.WithLabelValues(t.String()).Inc()
}

// CommandRelayed 记录代发
func (m *NetMetrics) CommandRelayed(t command.Type) {
	m.CommandsRelayed.WithLabelValues(t.String()).Inc()
}

// DuplicateDropped 记录重复命令
func (m *NetMetrics) DuplicateDropped(t command.Type) {
	m.Duplicates.WithLabelValues(t.String()).Inc()
}

// FrameResendRequested 记录重发请求
func (m *NetMetrics) FrameResendRequested(slot uint8) {
	m.ResendRequests.WithLabelValues(slotLabel(slot)).Inc()
}

// FrameDesync 记录帧命令数不符
func (m *NetMetrics) FrameDesync(slot uint8) {
	m.Desyncs.WithLabelValues(slotLabel(slot)).Inc()
}

// RunAheadSent 记录下发的提前量
func (m *NetMetrics) RunAheadSent(runAhead, frameRate int) {
	m.RunAhead.Set(float64(runAhead))
	m.FrameRate.Set(float64(frameRate))
	m.RunAheadSends.Observe(float64(runAhead))
}

// PlayerDisconnected 记录玩家移除
func (m *NetMetrics) PlayerDisconnected(slot uint8) {
	m.Disconnects.WithLabelValues(slotLabel(slot)).Inc()
}
