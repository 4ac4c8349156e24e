// =============================================================================
// 文件: internal/manager/players.go
// 描述: 玩家进出 - 离开、断开、退出游戏与包路由器候补顺序
// =============================================================================
package manager

import (
	"github.com/mrcgq/lockstep/internal/command"
	"github.com/mrcgq/lockstep/internal/frame"
)

// =============================================================================
// 离开与断开
// =============================================================================

// ProcessPlayerLeave 执行帧同步的离开命令
func (m *ConnectionManager) ProcessPlayerLeave(cmd *command.Command) PlayerLeaveCode {
	body, ok := cmd.Body.(*command.PlayerLeaveBody)
	if !ok || !validSlot(int(body.LeavingPlayerID)) {
		return LeaveCodeUnknown
	}
	slot := body.LeavingPlayerID

	if int(slot) == m.localSlot {
		for _, c := range m.connections {
			if c != nil {
				c.ClearCommandsExceptFrom(slot)
				c.SetQuitting()
			}
		}
	} else {
		if c := m.connections[slot]; c != nil {
			c.SetQuitting()
		}
		if fd := m.frameData[slot]; fd != nil && !fd.IsQuitting() {
			fd.SetQuitFrame(m.logicFrame() + frame.FramesToKeep + 1)
		}
	}

	code := m.DisconnectPlayer(slot)
	if code == LeaveCodePacketRouter {
		m.onRouterChanged()
	}
	return code
}

// HandleLocalPlayerLeaving 本地玩家在 f 帧离开，通知其他玩家
func (m *ConnectionManager) HandleLocalPlayerLeaving(f uint32) {
	cmd := m.newLocalCommand(command.TypePlayerLeave)
	cmd.ExecutionFrame = f
	cmd.Body.(*command.PlayerLeaveBody).LeavingPlayerID = m.localID()
	m.SendLocalCommand(cmd, command.AllSlotsMask)
	m.log.Info().Uint32("frame", f).Msg("本地玩家离开")
}

// DisconnectPlayer 移除槽位，返回被移除的是路由器、本地还是普通玩家
func (m *ConnectionManager) DisconnectPlayer(slot uint8) PlayerLeaveCode {
	if !validSlot(int(slot)) {
		return LeaveCodeUnknown
	}

	if fd := m.frameData[slot]; fd != nil && !fd.IsQuitting() {
		m.frameData[slot] = nil
	}
	if c := m.connections[slot]; c != nil && !c.IsQuitting() {
		m.connections[slot] = nil
	}

	code := LeaveCodeClient
	idx := m.fallbackIndex(int(slot))
	if int(slot) == m.routerSlot {
		next := noSlot
		if idx >= 0 && idx+1 < command.MaxSlots {
			next = m.fallback[idx+1]
		}
		m.routerSlot = next
		code = LeaveCodePacketRouter
	}
	if int(slot) == m.localSlot {
		code = LeaveCodeLocal
	}

	if idx >= 0 {
		copy(m.fallback[idx:], m.fallback[idx+1:])
		m.fallback[command.MaxSlots-1] = noSlot
	}

	m.dropRelayTarget(slot)

	m.counters.disconnects++
	m.s.Metrics.PlayerDisconnected(slot)
	m.s.Listener.OnPlayerDisconnected(slot, code)
	m.log.Info().
		Uint8("slot", slot).
		Stringer("code", code).
		Int("router", m.routerSlot).
		Msg("玩家已移除")
	return code
}

// onRouterChanged 包路由器换人后接管未确认的命令
// 本地成为路由器时直接重发，否则先确认新路由器在线
func (m *ConnectionManager) onRouterChanged() {
	if m.IsPacketRouter() {
		m.SetFrameGrouping(m.grouping)
		m.ResendPendingCommands()
		return
	}
	m.disconnect.queryPacketRouter()
}

// QuitGame 主动退出：通知其他玩家后断开全部连接
func (m *ConnectionManager) QuitGame() {
	if !validSlot(m.localSlot) {
		return
	}
	cmd := m.newLocalCommand(command.TypeDisconnectPlayer)
	cmd.Body.(*command.DisconnectPlayerBody).Slot = m.localID()
	m.SendLocalCommandDirect(cmd, m.othersMask())
	m.FlushConnections()
	m.DisconnectLocalPlayer()
}

// DisconnectLocalPlayer 断开所有远端槽位
func (m *ConnectionManager) DisconnectLocalPlayer() {
	for i := 0; i < command.MaxSlots; i++ {
		if i != m.localSlot {
			m.DisconnectPlayer(uint8(i))
		}
	}
}

// FlushConnections 立即发送所有连接的队列
func (m *ConnectionManager) FlushConnections() {
	for _, c := range m.connections {
		if c != nil {
			c.Flush()
		}
	}
}

// =============================================================================
// 包路由器
// =============================================================================

// IsPacketRouter 本地是否是包路由器
func (m *ConnectionManager) IsPacketRouter() bool {
	return m.localSlot != noSlot && m.localSlot == m.routerSlot
}

// PacketRouterSlot 当前包路由器槽位，-1 表示没有
func (m *ConnectionManager) PacketRouterSlot() int {
	return m.routerSlot
}

// PacketRouterFallbackSlot 候补顺序中第 n 位
func (m *ConnectionManager) PacketRouterFallbackSlot(n int) int {
	if n < 0 || n >= command.MaxSlots {
		return noSlot
	}
	return m.fallback[n]
}

// NextPacketRouterSlot slot 之后的候补，没有返回 -1
func (m *ConnectionManager) NextPacketRouterSlot(slot int) int {
	idx := m.fallbackIndex(slot)
	if idx < 0 || idx+1 >= command.MaxSlots {
		return noSlot
	}
	return m.fallback[idx+1]
}

// DetermineRouterFallbackPlan 按槽位顺序重建候补，只含在线玩家
func (m *ConnectionManager) DetermineRouterFallbackPlan() {
	var plan [command.MaxSlots]int
	for i := range plan {
		plan[i] = noSlot
	}
	n := 0
	for i := 0; i < command.MaxSlots; i++ {
		if m.IsPlayerConnected(uint8(i)) {
			plan[n] = i
			n++
		}
	}
	if plan != m.fallback {
		m.log.Debug().Ints("plan", plan[:n]).Msg("包路由器候补顺序已更新")
		m.fallback = plan
	}
}

func (m *ConnectionManager) fallbackIndex(slot int) int {
	for i, s := range m.fallback {
		if s == slot {
			return i
		}
	}
	return noSlot
}
