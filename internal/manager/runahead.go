// =============================================================================
// 文件: internal/manager/runahead.go
// 描述: 提前量控制 - 路由器汇总各玩家时延与帧率，计算并下发提前量
// =============================================================================
package manager

import (
	"github.com/mrcgq/lockstep/internal/command"
	"github.com/mrcgq/lockstep/internal/frame"
)

const (
	// maxReportedFPS 上报帧率的上限
	maxReportedFPS = 100
	// minGameFPS 下发帧率的下限
	minGameFPS = 5
)

// ComputeRunAhead 由最大往返时延 (秒) 与最低帧率计算提前量和下发帧率
// 最低帧率与当前帧率相差不到一成时沿用当前帧率
func ComputeRunAhead(maxLatency float32, minFPS, frameRate, fpsLimit, slack int) (runAhead, fps int) {
	fps = minFPS
	if fps >= frameRate*9/10 && fps < frameRate {
		fps = frameRate
	}
	if fps < minGameFPS {
		fps = minGameFPS
	}
	if fps > fpsLimit {
		fps = fpsLimit
	}

	runAhead = int(maxLatency / 2 * float32(fps))
	runAhead += runAhead * slack / 100
	if runAhead < frame.MinRunAhead {
		runAhead = frame.MinRunAhead
	}
	if runAhead > frame.MaxFramesAhead/2 {
		runAhead = frame.MaxFramesAhead / 2
	}
	return runAhead, fps
}

// SlowPlayerFrameRate 最慢的玩家多给一成帧率，好让全局有机会提速
func SlowPlayerFrameRate(fps, fpsLimit int) int {
	n := fps * 11 / 10
	if n == fps {
		n = fps + 1
	}
	if n > fpsLimit {
		n = fpsLimit
	}
	return n
}

// maximumLatency 在线玩家中最大两个非零时延之和，即最坏的一次经路由器中转
func maximumLatency(latencies []float32, connected []bool) float32 {
	var first, second float32
	for i, l := range latencies {
		if !connected[i] || l == 0 {
			continue
		}
		switch {
		case l > first:
			first, second = l, first
		case l > second:
			second = l
		}
	}
	return first + second
}

// =============================================================================
// 管理器接口
// =============================================================================

// MaximumLatency 当前估计的最坏单程路由时延 (秒)
func (m *ConnectionManager) MaximumLatency() float32 {
	connected := make([]bool, command.MaxSlots)
	for i := range connected {
		connected[i] = m.IsPlayerConnected(uint8(i))
	}
	return maximumLatency(m.latencyAverages[:], connected)
}

// MinimumFPS 已知帧率中的最小值及其槽位，没有数据时槽位为 -1
func (m *ConnectionManager) MinimumFPS() (fps, slot int) {
	fps, slot = -1, noSlot
	for i := 0; i < command.MaxSlots; i++ {
		if i != m.localSlot && m.connections[i] == nil {
			continue
		}
		v := m.fpsAverages[i]
		if v < 0 {
			continue
		}
		if slot == noSlot || v < fps {
			fps, slot = v, i
		}
	}
	return fps, slot
}

// UpdateRunAhead 按统计周期调整提前量
// 路由器计算并下发，其余玩家把自己的时延与帧率报给路由器
func (m *ConnectionManager) UpdateRunAhead(oldRunAhead, frameRate int, didSelfSlug bool, nextExecFrame uint32) {
	now := m.s.Clock.Now()
	if !m.lastRunAheadSent.IsZero() && now.Sub(m.lastRunAheadSent) <= m.cfg.RunAheadMetricsInterval {
		return
	}
	m.lastRunAheadSent = now

	if !m.IsPacketRouter() {
		m.sendRunAheadMetrics()
		return
	}

	m.latencyAverages[m.localSlot] = m.frameMetrics.AverageLatency()
	m.fpsAverages[m.localSlot] = m.frameMetrics.AverageFPS()

	minFPS, minSlot := m.MinimumFPS()
	if minSlot == noSlot {
		return
	}
	runAhead, fps := ComputeRunAhead(m.MaximumLatency(), minFPS, frameRate, m.cfg.FPSLimit, m.cfg.RunAheadSlack)

	exec := m.logicFrame() + uint32(oldRunAhead)
	if nextExecFrame > exec {
		exec = nextExecFrame
	}

	// 两条命令共用 ID，补发帧数据时会被视为同一条
	msg := m.newLocalCommand(command.TypeRunAhead)
	msg.ExecutionFrame = exec
	body := msg.Body.(*command.RunAheadBody)
	body.RunAhead = uint16(runAhead)
	body.FrameRate = uint8(fps)
	m.SendLocalCommand(msg, command.AllSlotsMask^(1<<minSlot))

	slow := command.New(command.TypeRunAhead, m.localID())
	slow.ID = msg.ID
	slow.ExecutionFrame = exec
	slowBody := slow.Body.(*command.RunAheadBody)
	slowBody.RunAhead = uint16(runAhead)
	slowBody.FrameRate = uint8(SlowPlayerFrameRate(fps, m.cfg.FPSLimit))
	m.SendLocalCommand(slow, 1<<minSlot)

	m.s.Metrics.RunAheadSent(runAhead, fps)
	m.log.Debug().
		Int("run_ahead", runAhead).
		Int("fps", fps).
		Int("slow_slot", minSlot).
		Uint32("exec", exec).
		Bool("self_slug", didSelfSlug).
		Msg("下发提前量")
}

func (m *ConnectionManager) sendRunAheadMetrics() {
	if !validSlot(m.routerSlot) {
		return
	}
	c := m.connections[m.routerSlot]
	if c == nil {
		return
	}
	msg := m.newLocalCommand(command.TypeRunAheadMetrics)
	body := msg.Body.(*command.RunAheadMetricsBody)
	body.AverageLatency = m.frameMetrics.AverageLatency()
	fps := m.frameMetrics.AverageFPS()
	if fps > maxReportedFPS {
		fps = maxReportedFPS
	}
	body.AverageFPS = uint16(fps)
	c.SendCommand(msg, 1<<m.routerSlot)
}

// =============================================================================
// 统计查询
// =============================================================================

// SlotAverageFPS 槽位上报的平均帧率，未知为 -1
// 非路由器不知道自己的上报值
func (m *ConnectionManager) SlotAverageFPS(slot int) int {
	if !validSlot(slot) {
		return -1
	}
	if !m.IsPacketRouter() && slot == m.localSlot {
		return -1
	}
	return m.fpsAverages[slot]
}

// SlotAverageLatency 槽位上报的平均时延 (秒)
func (m *ConnectionManager) SlotAverageLatency(slot int) float32 {
	if !validSlot(slot) {
		return 0
	}
	return m.latencyAverages[slot]
}

// AverageFPS 本地平均帧率
func (m *ConnectionManager) AverageFPS() int {
	return m.frameMetrics.AverageFPS()
}

// MinimumCushion 本地统计的最小缓冲帧数，-1 表示没有数据
func (m *ConnectionManager) MinimumCushion() int {
	return m.frameMetrics.MinimumCushion()
}

// PacketArrivalCushion 上次取值以来的最小到达缓冲，取值后清零为 -1
func (m *ConnectionManager) PacketArrivalCushion() int {
	v := m.smallestCushion
	m.smallestCushion = -1
	return v
}
