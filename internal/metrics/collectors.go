// =============================================================================
// 文件: internal/metrics/collectors.go
// 描述: Prometheus 收集器 - 抓取时读取连接管理器的最新快照
// =============================================================================
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mrcgq/lockstep/internal/manager"
)

// SnapshotProvider 提供连接管理器快照，可在任意 goroutine 调用
type SnapshotProvider interface {
	Snapshot() *manager.Stats
}

// SessionCollector 会话指标收集器
type SessionCollector struct {
	provider SnapshotProvider

	// 会话
	numPlayersDesc   *prometheus.Desc
	routerDesc       *prometheus.Desc
	screenOnDesc     *prometheus.Desc
	pendingDesc      *prometheus.Desc
	reassemblingDesc *prometheus.Desc
	malformedDesc    *prometheus.Desc

	// 本地帧统计
	fpsDesc        *prometheus.Desc
	latencyDesc    *prometheus.Desc
	minCushionDesc *prometheus.Desc
	avgCushionDesc *prometheus.Desc

	// 槽位
	slotConnectedDesc *prometheus.Desc
	slotFPSDesc       *prometheus.Desc
	slotLatencyDesc   *prometheus.Desc
	slotQueueDesc     *prometheus.Desc
	slotRetriesDesc   *prometheus.Desc
	slotPacketsDesc   *prometheus.Desc

	// 传输层
	transportPacketsDesc *prometheus.Desc
	transportBytesDesc   *prometheus.Desc
	transportUnknownDesc *prometheus.Desc
	transportRateDesc    *prometheus.Desc
}

// NewSessionCollector 创建会话收集器
func NewSessionCollector(provider SnapshotProvider) *SessionCollector {
	desc := func(subsystem, name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, labels, nil)
	}

	return &SessionCollector{
		provider: provider,

		numPlayersDesc:   desc("session", "players", "Connected players including the local one"),
		routerDesc:       desc("session", "packet_router_slot", "Current packet router slot, -1 if none"),
		screenOnDesc:     desc("session", "disconnect_screen", "Whether the disconnect screen is on (1 = yes)"),
		pendingDesc:      desc("session", "pending_commands", "Commands awaiting final acknowledgement", "list"),
		reassemblingDesc: desc("session", "reassembling_commands", "Wrapped commands being reassembled"),
		malformedDesc:    desc("session", "malformed_packets_total", "Packets that failed to decode"),

		fpsDesc:        desc("frames", "average_fps", "Local average frames per second"),
		latencyDesc:    desc("frames", "average_latency_seconds", "Local average round-trip latency"),
		minCushionDesc: desc("frames", "minimum_cushion", "Smallest packet arrival cushion, -1 if unknown"),
		avgCushionDesc: desc("frames", "average_cushion", "Average packet arrival cushion"),

		slotConnectedDesc: desc("slot", "connected", "Whether the slot is connected (1 = yes)", "slot", "name"),
		slotFPSDesc:       desc("slot", "average_fps", "Reported average frames per second, -1 if unknown", "slot"),
		slotLatencyDesc:   desc("slot", "average_latency_seconds", "Reported average latency", "slot"),
		slotQueueDesc:     desc("slot", "queue_length", "Commands queued on the connection", "slot"),
		slotRetriesDesc:   desc("slot", "retries_total", "Command retransmissions on the connection", "slot"),
		slotPacketsDesc:   desc("slot", "packets_sent_total", "Packets sent on the connection", "slot"),

		transportPacketsDesc: desc("transport", "packets_total", "Datagrams handled by the transport", "direction"),
		transportBytesDesc:   desc("transport", "bytes_total", "Bytes handled by the transport", "direction"),
		transportUnknownDesc: desc("transport", "unknown_packets_total", "Datagrams that failed validation"),
		transportRateDesc:    desc("transport", "bytes_per_second", "Throughput averaged over the statistics window", "direction"),
	}
}

// Describe 实现 prometheus.Collector 接口
func (c *SessionCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.numPlayersDesc
	ch <- c.routerDesc
	ch <- c.screenOnDesc
	ch <- c.pendingDesc
	ch <- c.reassemblingDesc
	ch <- c.malformedDesc
	ch <- c.fpsDesc
	ch <- c.latencyDesc
	ch <- c.minCushionDesc
	ch <- c.avgCushionDesc
	ch <- c.slotConnectedDesc
	ch <- c.slotFPSDesc
	ch <- c.slotLatencyDesc
	ch <- c.slotQueueDesc
	ch <- c.slotRetriesDesc
	ch <- c.slotPacketsDesc
	ch <- c.transportPacketsDesc
	ch <- c.transportBytesDesc
	ch <- c.transportUnknownDesc
	ch <- c.transportRateDesc
}

// Collect 实现 prometheus.Collector 接口
func (c *SessionCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.provider.Snapshot()
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}

	// 会话
	gauge(c.numPlayersDesc, float64(st.NumPlayers))
	gauge(c.routerDesc, float64(st.RouterSlot))
	gauge(c.screenOnDesc, boolValue(st.ScreenOn))
	gauge(c.pendingDesc, float64(st.PendingLocal), "local")
	gauge(c.pendingDesc, float64(st.PendingRelay), "relay")
	gauge(c.reassemblingDesc, float64(st.Reassembling))
	counter(c.malformedDesc, st.Malformed)

	// 本地帧统计
	gauge(c.fpsDesc, float64(st.AverageFPS))
	gauge(c.latencyDesc, float64(st.AverageLatency))
	gauge(c.minCushionDesc, float64(st.MinimumCushion))
	gauge(c.avgCushionDesc, float64(st.AverageCushion))

	// 各槽位
	for _, s := range st.Slots {
		slot := slotLabel(s.Slot)
		gauge(c.slotConnectedDesc, boolValue(s.Connected), slot, s.Name)
		gauge(c.slotFPSDesc, float64(s.AverageFPS), slot)
		gauge(c.slotLatencyDesc, float64(s.Latency), slot)
		if s.Local {
			continue
		}
		gauge(c.slotQueueDesc, float64(s.QueueLen), slot)
		counter(c.slotRetriesDesc, s.Connection.Retries, slot)
		counter(c.slotPacketsDesc, s.Connection.PacketsSent, slot)
	}

	// 传输层
	t := st.Transport
	counter(c.transportPacketsDesc, t.PacketsRecv, "in")
	counter(c.transportPacketsDesc, t.PacketsSent, "out")
	counter(c.transportBytesDesc, t.BytesRecv, "in")
	counter(c.transportBytesDesc, t.BytesSent, "out")
	counter(c.transportUnknownDesc, t.UnknownPackets)
	gauge(c.transportRateDesc, t.IncomingBytesPerSec, "in")
	gauge(c.transportRateDesc, t.OutgoingBytesPerSec, "out")
	gauge(c.transportRateDesc, t.UnknownBytesPerSec, "unknown")
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
