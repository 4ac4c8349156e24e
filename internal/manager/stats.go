// =============================================================================
// 文件: internal/manager/stats.go
// 描述: 统计快照 - 驱动线程每次 Update 结束时发布，其他 goroutine 只读
// =============================================================================
package manager

import (
	"github.com/mrcgq/lockstep/internal/command"
	"github.com/mrcgq/lockstep/internal/connection"
	"github.com/mrcgq/lockstep/internal/transport"
)

type counters struct {
	received       uint64
	relayed        uint64
	duplicates     uint64
	malformed      uint64
	desyncs        uint64
	resendRequests uint64
	disconnects    uint64
}

// SlotStats 单个槽位的统计
type SlotStats struct {
	Slot       uint8
	Name       string
	Connected  bool
	Local      bool
	AverageFPS int
	// Latency 上报的平均往返时延 (秒)
	Latency    float32
	QueueLen   int
	Connection connection.Stats
}

// Stats 连接管理器快照
type Stats struct {
	LocalSlot    int
	RouterSlot   int
	NumPlayers   int
	ScreenOn     bool
	PendingLocal int
	PendingRelay int
	Reassembling int

	CommandsReceived uint64
	CommandsRelayed  uint64
	Duplicates       uint64
	Malformed        uint64
	Desyncs          uint64
	ResendRequests   uint64
	Disconnects      uint64

	AverageFPS     int
	AverageLatency float32
	MinimumCushion int
	AverageCushion float32

	Slots     []SlotStats
	Transport transport.Stats
}

func (m *ConnectionManager) publishStats() {
	st := &Stats{
		LocalSlot:        m.localSlot,
		RouterSlot:       m.routerSlot,
		NumPlayers:       m.NumPlayers(),
		ScreenOn:         m.disconnect.IsScreenOn(),
		PendingLocal:     m.pending.Len(),
		PendingRelay:     m.relayed.Len(),
		Reassembling:     m.wrappers.Pending(),
		CommandsReceived: m.counters.received,
		CommandsRelayed:  m.counters.relayed,
		Duplicates:       m.counters.duplicates,
		Malformed:        m.counters.malformed,
		Desyncs:          m.counters.desyncs,
		ResendRequests:   m.counters.resendRequests,
		Disconnects:      m.counters.disconnects,
		AverageFPS:       m.frameMetrics.AverageFPS(),
		AverageLatency:   m.frameMetrics.AverageLatency(),
		MinimumCushion:   m.frameMetrics.MinimumCushion(),
		AverageCushion:   m.frameMetrics.AverageCushion(),
	}
	if !validSlot(m.localSlot) {
		st.NumPlayers = 0
	}

	for i := 0; i < command.MaxSlots; i++ {
		slot := uint8(i)
		local := i == m.localSlot
		c := m.connections[i]
		if !local && c == nil {
			continue
		}
		ss := SlotStats{
			Slot:       slot,
			Name:       m.PlayerName(slot),
			Connected:  m.IsPlayerConnected(slot),
			Local:      local,
			AverageFPS: m.fpsAverages[i],
			Latency:    m.latencyAverages[i],
		}
		if c != nil {
			ss.QueueLen = c.QueueLen()
			ss.Connection = c.Stats()
		}
		st.Slots = append(st.Slots, ss)
	}

	if m.transport != nil {
		st.Transport = m.transport.Stats()
	}
	m.snapshot.Store(st)
}

// Snapshot 最近一次发布的快照，可在任意 goroutine 调用
func (m *ConnectionManager) Snapshot() *Stats {
	if st := m.snapshot.Load(); st != nil {
		return st
	}
	return &Stats{LocalSlot: noSlot, RouterSlot: noSlot}
}

// GetStats 获取统计信息
func (m *ConnectionManager) GetStats() map[string]interface{} {
	st := m.Snapshot()
	slots := make([]map[string]interface{}, 0, len(st.Slots))
	for _, s := range st.Slots {
		slots = append(slots, map[string]interface{}{
			"slot":        s.Slot,
			"name":        s.Name,
			"connected":   s.Connected,
			"local":       s.Local,
			"average_fps": s.AverageFPS,
			"latency":     s.Latency,
			"queue_len":   s.QueueLen,
			"retries":     s.Connection.Retries,
		})
	}
	return map[string]interface{}{
		"local_slot":        st.LocalSlot,
		"router_slot":       st.RouterSlot,
		"num_players":       st.NumPlayers,
		"screen_on":         st.ScreenOn,
		"pending_local":     st.PendingLocal,
		"pending_relay":     st.PendingRelay,
		"reassembling":      st.Reassembling,
		"commands_received": st.CommandsReceived,
		"commands_relayed":  st.CommandsRelayed,
		"duplicates":        st.Duplicates,
		"malformed":         st.Malformed,
		"desyncs":           st.Desyncs,
		"resend_requests":   st.ResendRequests,
		"disconnects":       st.Disconnects,
		"average_fps":       st.AverageFPS,
		"average_latency":   st.AverageLatency,
		"minimum_cushion":   st.MinimumCushion,
		"average_cushion":   st.AverageCushion,
		"slots":             slots,
		"transport":         st.Transport.GetStats(),
	}
}
