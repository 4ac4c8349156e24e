// =============================================================================
// 文件: internal/manager/frames.go
// 描述: 帧聚合 - 帧信息广播、就绪判定、取帧命令、补发与重发请求
// =============================================================================
package manager

import (
	"time"

	"github.com/mrcgq/lockstep/internal/command"
	"github.com/mrcgq/lockstep/internal/frame"
)

// ProcessFrameTick 本地在 f 帧的命令已全部发出，广播命令数
func (m *ConnectionManager) ProcessFrameTick(f uint32) {
	if !validSlot(m.localSlot) {
		return
	}
	fd := m.frameData[m.localSlot]
	if fd == nil || fd.IsQuitting() {
		return
	}

	cmd := m.newLocalCommand(command.TypeFrameInfo)
	cmd.ExecutionFrame = f
	cmd.Body.(*command.FrameInfoBody).CommandCount = uint16(fd.CommandCount(f))

	m.frameMetrics.DoPerFrameMetrics(f)
	m.SendLocalCommand(cmd, m.othersMask())

	if m.IsPacketRouter() {
		m.DetermineRouterFallbackPlan()
	}
}

// AllCommandsReady f 帧是否所有玩家都到齐，并且断线子协议允许继续
func (m *ConnectionManager) AllCommandsReady(f uint32) bool {
	return m.allCommandsReady(f, false)
}

func (m *ConnectionManager) allCommandsReady(f uint32, justTesting bool) bool {
	ready := true
	desync := false
	var waiting uint8

	for i, fd := range m.frameData {
		if fd == nil || fd.IsQuitting() {
			continue
		}
		switch fd.AllCommandsReady(f) {
		case frame.NotReady:
			ready = false
			waiting |= 1 << i
		case frame.Resend:
			ready = false
			desync = true
			m.counters.desyncs++
			m.s.Metrics.FrameDesync(uint8(i))
			m.log.Warn().Int("slot", i).Uint32("frame", f).Msg("帧命令数超过期望，请求重发")
			m.RequestFrameDataResend(uint8(i), f)
		}
	}

	if desync {
		for i, fd := range m.frameData {
			if fd != nil && i != m.localSlot {
				fd.ResetFrame(f, false)
			}
		}
	}

	if justTesting {
		return ready
	}
	if !ready {
		m.noteStall(f, waiting)
		return false
	}

	m.stallSince = time.Time{}
	m.disconnect.allCommandsReady(m.logicFrame())
	return m.disconnect.allowedToContinue()
}

// noteStall 同一帧等待超过阈值后，向未到齐的槽位请求补发
func (m *ConnectionManager) noteStall(f uint32, waiting uint8) {
	now := m.s.Clock.Now()
	if m.stallSince.IsZero() || m.stallFrame != f {
		m.stallFrame = f
		m.stallSince = now
		return
	}
	if now.Sub(m.stallSince) < m.cfg.StallResendTime {
		return
	}
	m.stallSince = now

	for i := 0; i < command.MaxSlots; i++ {
		if waiting&(1<<i) == 0 || i == m.localSlot {
			continue
		}
		if !m.s.resendLimiter.AllowN(now, 1) {
			m.log.Debug().Uint32("frame", f).Msg("重发请求被限流")
			return
		}
		m.RequestFrameDataResend(uint8(i), f)
	}
}

// HandleAllCommandsReady 帧就绪后通知断线子协议关闭断线界面
func (m *ConnectionManager) HandleAllCommandsReady() {
	m.disconnect.allCommandsReady(m.logicFrame())
}

// FrameCommandList 取出 f 帧所有玩家的命令，并回收 FramesToKeep 帧之前的槽位
func (m *ConnectionManager) FrameCommandList(f uint32) *command.List {
	out := command.NewList()
	for _, fd := range m.frameData {
		if fd == nil {
			continue
		}
		if l := fd.CommandList(f); l != nil {
			out.AppendList(l)
		}
		if f > frame.FramesToKeep {
			fd.ResetFrame(f-frame.FramesToKeep, true)
		}
	}
	return out
}

// =============================================================================
// 补发
// =============================================================================

// SendFrameDataToPlayer 把 [start, 逻辑帧) 的帧数据补发给 player
func (m *ConnectionManager) SendFrameDataToPlayer(player uint8, start uint32) {
	logic := m.logicFrame()
	m.log.Info().Uint8("player", player).Uint32("from", start).Uint32("to", logic).Msg("补发帧数据")
	for f := start; f < logic; f++ {
		m.sendSingleFrameToPlayer(player, f, logic)
	}
}

func (m *ConnectionManager) sendSingleFrameToPlayer(player uint8, f, logic uint32) {
	if logic > frame.FramesToKeep && f < logic-frame.FramesToKeep {
		return
	}
	relay := uint8(1) << player

	for i, fd := range m.frameData {
		if fd == nil || i == int(player) {
			continue
		}
		if l := fd.CommandList(f); l != nil {
			for ref := l.Front(); ref != nil; ref = ref.Next() {
				m.SendLocalCommandDirect(ref.Command, relay)
			}
		}
		count, known := fd.FrameCommandCount(f)
		if !known {
			continue
		}
		info := command.New(command.TypeFrameInfo, uint8(i))
		info.ID = m.s.IDs.Next()
		info.ExecutionFrame = f
		info.Body.(*command.FrameInfoBody).CommandCount = uint16(count)
		m.SendLocalCommandDirect(info, relay)
	}
}

// RequestFrameDataResend 请求 slot 在 f 帧的数据
// slot 已不在线时向任一在线玩家请求
func (m *ConnectionManager) RequestFrameDataResend(slot uint8, f uint32) {
	target := int(slot)
	if target == m.localSlot || !m.IsPlayerConnected(slot) {
		target = noSlot
		for i := 0; i < command.MaxSlots; i++ {
			if i != m.localSlot && m.IsPlayerConnected(uint8(i)) {
				target = i
				break
			}
		}
	}
	if target == noSlot {
		return
	}

	cmd := m.newLocalCommand(command.TypeFrameResendRequest)
	cmd.Body.(*command.FrameBody).Frame = f
	m.SendLocalCommandDirect(cmd, 1<<target)

	m.counters.resendRequests++
	m.s.Metrics.FrameResendRequested(uint8(target))
}

func (m *ConnectionManager) processFrameResendRequest(cmd *command.Command) {
	body, ok := cmd.Body.(*command.FrameBody)
	if !ok {
		return
	}
	c := m.connections[cmd.PlayerID]
	if c == nil || c.IsQuitting() {
		return
	}
	m.SendFrameDataToPlayer(cmd.PlayerID, body.Frame)
}

// =============================================================================
// 发送节奏
// =============================================================================

// SetFrameGrouping 设置各连接的发送节奏，路由器取一半
func (m *ConnectionManager) SetFrameGrouping(d time.Duration) {
	m.grouping = d
	if m.IsPacketRouter() {
		d /= 2
	}
	for _, c := range m.connections {
		if c != nil {
			c.SetFrameGrouping(d)
		}
	}
}
