// =============================================================================
// 文件: internal/manager/routing.go
// 描述: 命令路由 - 经包路由器或直接发送、两阶段确认、代发与重发
// =============================================================================
package manager

import (
	"github.com/mrcgq/lockstep/internal/command"
)

// =============================================================================
// 本地发出
// =============================================================================

// SendLocalCommand 发出本地命令
// 非路由器经包路由器转发，掩码中的本地位表示同时归入本地帧数据
func (m *ConnectionManager) SendLocalCommand(cmd *command.Command, relay uint8) {
	if cmd.Type.RequiresDirectSend() || !validSlot(m.routerSlot) || m.connections[m.routerSlot] == nil {
		m.SendLocalCommandDirect(cmd, relay)
		return
	}

	if relay&m.localBit() != 0 {
		m.fileLocally(command.NewRef(cmd, m.localBit()))
	}

	remote := relay &^ m.localBit()
	if remote == 0 {
		return
	}
	m.connections[m.routerSlot].SendCommand(cmd, remote)
	if cmd.Type.RequiresAck() {
		m.pending.AddRef(cmd, remote)
	}
}

// SendLocalCommandDirect 不经路由器，直接发给掩码中的每个槽位
func (m *ConnectionManager) SendLocalCommandDirect(cmd *command.Command, relay uint8) {
	if relay&m.localBit() != 0 {
		m.fileLocally(command.NewRef(cmd, m.localBit()))
	}

	for i := 0; i < command.MaxSlots; i++ {
		bit := uint8(1) << i
		if relay&bit == 0 || i == m.localSlot {
			continue
		}
		if c := m.connections[i]; c != nil && !c.IsQuitting() {
			c.SendCommand(cmd, bit)
		}
	}
}

// SendLocalGameMessage 模拟层消息进入网络，执行帧由消息给出
func (m *ConnectionManager) SendLocalGameMessage(msg command.GameMessage) *command.Command {
	msg.PlayerID = m.localID()
	cmd := command.NewGameCommand(msg)
	cmd.ID = m.s.IDs.Next()
	m.SendLocalCommand(cmd, command.AllSlotsMask)
	return cmd
}

// fileLocally 发给本地的帧同步命令归入发送者的帧数据
func (m *ConnectionManager) fileLocally(ref *command.Ref) {
	cmd := ref.Command
	if !cmd.Type.IsSynchronized() || ref.Relay&m.localBit() == 0 {
		return
	}
	fd := m.frameData[cmd.PlayerID]
	if fd == nil {
		return
	}
	if _, err := fd.AddCommand(cmd); err != nil {
		m.log.Debug().Err(err).Stringer("cmd", cmd).Msg("命令未能归档")
	}
}

// =============================================================================
// 代发
// =============================================================================

// sendRemoteCommand 归档给本地，并转发给掩码中其余的槽位
func (m *ConnectionManager) sendRemoteCommand(ref *command.Ref) {
	cmd := ref.Command
	m.fileLocally(ref)

	var actual uint8
	for i := 0; i < command.MaxSlots; i++ {
		bit := uint8(1) << i
		if ref.Relay&bit == 0 || i == m.localSlot || i == int(cmd.PlayerID) {
			continue
		}
		c := m.connections[i]
		if c == nil || c.IsQuitting() {
			continue
		}
		c.SendCommand(cmd, bit)
		actual |= bit
	}

	if actual != 0 {
		m.counters.relayed++
		m.s.Metrics.CommandRelayed(cmd.Type)
		if cmd.Type.RequiresAck() {
			m.relayed.AddRef(cmd, actual)
		}
	}

	if cmd.Type.IsSynchronized() {
		m.noteCushion(cmd.ExecutionFrame)
	}
}

// noteCushion 命令让所在帧就绪时，记录它比逻辑帧提前了多少帧
func (m *ConnectionManager) noteCushion(execFrame uint32) {
	logic := m.logicFrame()
	if execFrame < logic || !m.allCommandsReady(execFrame, true) {
		return
	}
	cushion := int(execFrame - logic)
	if m.smallestCushion < 0 || cushion < m.smallestCushion {
		m.smallestCushion = cushion
	}
	m.frameMetrics.AddCushion(cushion)
}

// =============================================================================
// 确认
// =============================================================================

// ackCommand 确认收到的命令
// 还需转发给其他槽位时先发一阶确认，二阶确认在所有下一跳确认后发出
func (m *ConnectionManager) ackCommand(ref *command.Ref, hop int) {
	cmd := ref.Command

	var forward uint8
	for i := 0; i < command.MaxSlots; i++ {
		bit := uint8(1) << i
		if ref.Relay&bit == 0 || i == m.localSlot || i == int(cmd.PlayerID) {
			continue
		}
		if c := m.connections[i]; c != nil && !c.IsQuitting() {
			forward |= bit
		}
	}
	t := command.TypeAckBoth
	if forward != 0 {
		t = command.TypeAckStage1
	}

	target := hop
	if !validSlot(target) {
		target = int(cmd.PlayerID)
		if !cmd.Type.RequiresDirectSend() && !m.IsPacketRouter() && validSlot(m.routerSlot) {
			target = m.routerSlot
		}
	}
	if !validSlot(target) || target == m.localSlot {
		return
	}
	c := m.connections[target]
	if c == nil {
		return
	}
	c.SendCommand(command.NewAck(t, cmd, m.localID()), 1<<target)
}

// processAck 按确认类型处理
func (m *ConnectionManager) processAck(ack *command.Command) {
	switch ack.Type {
	case command.TypeAckStage1:
		m.processAckStage1(ack)
	case command.TypeAckStage2:
		m.processAckStage2(ack)
	case command.TypeAckBoth:
		m.processAckStage1(ack)
		m.processAckStage2(ack)
	}
}

// processAckStage1 下一跳已收到：从该连接的发送队列移除，帧信息的确认产生时延样本
// 命令是本地代发的，所有下一跳都确认后向发起者补发二阶确认
func (m *ConnectionManager) processAckStage1(ack *command.Command) {
	if !validSlot(int(ack.PlayerID)) {
		return
	}
	c := m.connections[ack.PlayerID]
	if c == nil {
		return
	}
	ref := c.ProcessAck(ack)
	if ref == nil {
		return
	}
	if ref.Command.Type == command.TypeFrameInfo && int(ref.Command.PlayerID) == m.localSlot {
		m.frameMetrics.ProcessLatencyResponse(ref.Command.ExecutionFrame)
	}
	if int(ref.Command.PlayerID) != m.localSlot {
		m.completeRelayHop(ref.Command, uint8(1)<<ack.PlayerID)
	}
}

// processAckStage2 最终接收者都已收到：本地发起的命令不再需要重发
func (m *ConnectionManager) processAckStage2(ack *command.Command) {
	body, ok := ack.Body.(*command.AckBody)
	if !ok || int(body.OriginalPlayerID) != m.localSlot {
		return
	}
	if ref := m.pending.FindByID(body.CommandID, body.OriginalPlayerID); ref != nil {
		m.pending.Remove(ref)
	}
}

// completeRelayHop 代发命令的某一跳已确认
func (m *ConnectionManager) completeRelayHop(cmd *command.Command, hops uint8) {
	ref := m.relayed.FindByID(cmd.ID, cmd.PlayerID)
	if ref == nil {
		return
	}
	ref.Relay &^= hops
	if ref.Relay != 0 {
		return
	}
	m.relayed.Remove(ref)

	origin := cmd.PlayerID
	if c := m.connections[origin]; c != nil && !c.IsQuitting() {
		c.SendCommand(command.NewAck(command.TypeAckStage2, cmd, m.localID()), 1<<origin)
	}
}

// dropRelayTarget 槽位离开后不再等待它的确认
func (m *ConnectionManager) dropRelayTarget(slot uint8) {
	bit := uint8(1) << slot
	var done []*command.Command
	for ref := m.relayed.Front(); ref != nil; ref = ref.Next() {
		if ref.Relay&bit != 0 && ref.Relay&^bit == 0 {
			done = append(done, ref.Command)
		}
	}
	for ref := m.relayed.Front(); ref != nil; {
		next := ref.Next()
		if ref.Command.PlayerID == slot {
			m.relayed.Remove(ref)
		}
		ref = next
	}
	for _, cmd := range done {
		if cmd.PlayerID != slot {
			m.completeRelayHop(cmd, bit)
		}
	}
	for ref := m.relayed.Front(); ref != nil; ref = ref.Next() {
		ref.Relay &^= bit
	}
}

// =============================================================================
// 重发
// =============================================================================

// ResendPendingCommands 包路由器变更后，重新发出所有尚未二阶确认的本地命令
func (m *ConnectionManager) ResendPendingCommands() {
	refs := make([]*command.Ref, 0, m.pending.Len())
	for ref := m.pending.Front(); ref != nil; ref = ref.Next() {
		refs = append(refs, ref)
	}
	m.pending.Reset()

	for _, ref := range refs {
		m.log.Debug().Stringer("cmd", ref.Command).Uint8("relay", ref.Relay).Msg("重发未确认的命令")
		m.sendPendingAgain(ref.Command, ref.Relay)
	}
}

// sendPendingAgain 不归档到本地，本地帧数据在首次发出时已有该命令
func (m *ConnectionManager) sendPendingAgain(cmd *command.Command, relay uint8) {
	relay &^= m.localBit()
	for i := 0; i < command.MaxSlots; i++ {
		if relay&(1<<i) != 0 && !m.IsPlayerConnected(uint8(i)) {
			relay &^= 1 << i
		}
	}
	if relay == 0 {
		return
	}
	m.SendLocalCommand(cmd, relay)
}
