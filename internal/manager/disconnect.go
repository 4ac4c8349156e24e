// =============================================================================
// 文件: internal/manager/disconnect.go
// 描述: 断线子协议 - 帧停滞检测、保活、超时、投票、帧对齐与剔除
// =============================================================================
package manager

import (
	"time"

	"github.com/mrcgq/lockstep/internal/command"
)

type screenState int

const (
	screenOff screenState = iota
	screenOn
)

type playerVote struct {
	vote  bool
	frame uint32
}

// DisconnectManager 帧停滞超过阈值后打开断线界面
// 在线玩家互发保活；超时或被多数投票的玩家，在所有人对齐到同一帧后由下一任路由器剔除
type DisconnectManager struct {
	m *ConnectionManager

	state      screenState
	lastFrame  uint32
	lastFrameT time.Time
	screenOnAt time.Time
	notified   bool

	lastKeepAlive time.Time
	timeouts      [command.MaxSlots]time.Time

	// votes[被投票者][投票者]
	votes          [command.MaxSlots][command.MaxSlots]playerVote
	frames         [command.MaxSlots]uint32
	framesReceived [command.MaxSlots]bool

	awaitingRouter  bool
	lastRouterQuery time.Time
}

func newDisconnectManager(m *ConnectionManager) *DisconnectManager {
	d := &DisconnectManager{m: m}
	d.init()
	return d
}

func (d *DisconnectManager) init() {
	m := d.m
	*d = DisconnectManager{m: m}
}

// =============================================================================
// 驱动
// =============================================================================

// update 每个循环调用一次，只在对局中
func (d *DisconnectManager) update() {
	now := d.m.s.Clock.Now()
	if d.lastFrameT.IsZero() {
		d.lastFrameT = now
		d.resetPlayerTimeouts(now)
	}

	logic := d.m.logicFrame()
	if logic == d.lastFrame {
		if now.Sub(d.lastFrameT) > d.m.cfg.DisconnectTime {
			if d.state == screenOff {
				d.turnOnScreen(now)
			}
			d.sendKeepAlive(now)
		}
	} else {
		d.nextFrame(logic, now)
	}

	if d.state != screenOff {
		d.updateDisconnectStatus(now)
	}
	d.updateRouterQuery(now)
}

func (d *DisconnectManager) nextFrame(f uint32, now time.Time) {
	d.lastFrame = f
	d.lastFrameT = now
	d.resetPlayerTimeouts(now)
}

func (d *DisconnectManager) turnOnScreen(now time.Time) {
	d.state = screenOn
	d.lastKeepAlive = time.Time{}
	d.resetPlayerTimeouts(now)
	d.notified = false
	d.screenOnAt = now

	d.m.log.Warn().Uint32("frame", d.m.logicFrame()).Msg("帧停滞，打开断线界面")
	d.m.s.Listener.OnDisconnectScreen(true)
}

func (d *DisconnectManager) sendKeepAlive(now time.Time) {
	if !d.lastKeepAlive.IsZero() && now.Sub(d.lastKeepAlive) <= d.m.cfg.DisconnectKeepAliveInterval {
		return
	}
	cmd := d.m.newLocalCommand(command.TypeDisconnectKeepAlive)
	d.m.SendLocalCommandDirect(cmd, d.m.othersMask())
	d.lastKeepAlive = now
}

// updateDisconnectStatus 检查每个在线远端玩家的超时与票数
func (d *DisconnectManager) updateDisconnectStatus(now time.Time) {
	m := d.m
	timeout := m.cfg.PlayerTimeout

	for i := 0; i < command.MaxSlots; i++ {
		slot := uint8(i)
		if i == m.localSlot || !m.IsPlayerConnected(slot) {
			continue
		}
		remaining := timeout - now.Sub(d.timeouts[i])
		votedOut := d.IsPlayerVotedOut(slot)

		if !d.notified {
			screenLong := !d.screenOnAt.IsZero() && now.Sub(d.screenOnAt) > m.cfg.DisconnectScreenNotifyTime
			if remaining < timeout/3 || votedOut || screenLong {
				d.notifyOthersOfCurrentFrame(m.logicFrame())
				d.notified = true
			}
		}

		if (remaining < 0 || votedOut) && d.allOnSameFrame() && d.isLocalNextRouter() {
			m.log.Warn().
				Uint8("slot", slot).
				Bool("voted_out", votedOut).
				Dur("timeout", timeout).
				Msg("剔除失联玩家")
			d.sendDisconnectCommand(slot)
			d.disconnectPlayer(slot)
			d.sendPlayerDestruct(slot)
		}
	}
}

// allCommandsReady 帧已就绪：关闭断线界面并通知其他玩家
func (d *DisconnectManager) allCommandsReady(f uint32) {
	if d.state == screenOff {
		return
	}
	d.state = screenOff
	d.notifyOthersOfNewFrame(f)
	if validSlot(d.m.localSlot) {
		for i := range d.votes {
			d.votes[i][d.m.localSlot].vote = false
		}
	}
	d.screenOnAt = time.Time{}

	d.m.log.Info().Uint32("frame", f).Msg("帧恢复，关闭断线界面")
	d.m.s.Listener.OnDisconnectScreen(false)
}

// allowedToContinue 断线界面打开时逻辑帧不前进
func (d *DisconnectManager) allowedToContinue() bool {
	return d.state == screenOff
}

// =============================================================================
// 入站命令
// =============================================================================

func (d *DisconnectManager) processCommand(cmd *command.Command) {
	switch cmd.Type {
	case command.TypeDisconnectKeepAlive:
		if validSlot(int(cmd.PlayerID)) {
			d.timeouts[cmd.PlayerID] = d.m.s.Clock.Now()
		}

	case command.TypeDisconnectPlayer:
		if body, ok := cmd.Body.(*command.DisconnectPlayerBody); ok {
			d.m.log.Info().
				Uint8("from", cmd.PlayerID).
				Uint8("slot", body.Slot).
				Uint32("frame", body.DisconnectFrame).
				Msg("收到剔除命令")
			if int(body.Slot) != d.m.localSlot {
				d.disconnectPlayer(body.Slot)
			}
		}

	case command.TypePacketRouterQuery:
		if d.m.IsPacketRouter() {
			ack := d.m.newLocalCommand(command.TypePacketRouterAck)
			d.m.SendLocalCommandDirect(ack, 1<<cmd.PlayerID)
		}

	case command.TypePacketRouterAck:
		if int(cmd.PlayerID) == d.m.routerSlot && d.awaitingRouter {
			d.awaitingRouter = false
			d.m.log.Info().Uint8("router", cmd.PlayerID).Msg("新路由器已确认，重发未确认命令")
			d.m.ResendPendingCommands()
			d.state = screenOn
		}

	case command.TypeDisconnectVote:
		if body, ok := cmd.Body.(*command.DisconnectVoteBody); ok {
			if d.isPlayerInGame(cmd.PlayerID) && validSlot(int(body.Slot)) {
				d.applyVote(body.Slot, body.VoteFrame, cmd.PlayerID)
			}
		}

	case command.TypeDisconnectFrame:
		if body, ok := cmd.Body.(*command.FrameBody); ok {
			d.processDisconnectFrame(cmd.PlayerID, body.Frame)
		}

	case command.TypeDisconnectScreenOff:
		if body, ok := cmd.Body.(*command.FrameBody); ok {
			d.processScreenOff(cmd.PlayerID, body.Frame)
		}
	}
}

// processDisconnectFrame 记录玩家停在哪一帧，落后的玩家由本地补发帧数据
func (d *DisconnectManager) processDisconnectFrame(player uint8, f uint32) {
	if !validSlot(int(player)) || d.frames[player] >= f {
		return
	}
	if f > 0 {
		d.resetPlayersVotes(player, f-1)
	}
	d.frames[player] = f
	d.framesReceived[player] = true

	local := d.m.localSlot
	if int(player) == local {
		for i := 0; i < command.MaxSlots; i++ {
			if i == local || !d.isPlayerInGame(uint8(i)) {
				continue
			}
			if d.framesReceived[i] && d.frames[i] < d.frames[local] {
				d.m.SendFrameDataToPlayer(uint8(i), d.frames[i])
			}
		}
		return
	}
	if validSlot(local) && d.framesReceived[player] && d.frames[player] < d.frames[local] {
		d.m.SendFrameDataToPlayer(player, d.frames[player])
	}
}

func (d *DisconnectManager) processScreenOff(player uint8, f uint32) {
	if !validSlot(int(player)) || f < d.frames[player] {
		return
	}
	d.framesReceived[player] = false
	d.frames[player] = f
	d.resetPlayersVotes(player, f)
}

// =============================================================================
// 通知
// =============================================================================

func (d *DisconnectManager) notifyOthersOfCurrentFrame(f uint32) {
	cmd := d.m.newLocalCommand(command.TypeDisconnectFrame)
	cmd.Body.(*command.FrameBody).Frame = f
	d.m.SendLocalCommandDirect(cmd, d.m.othersMask())
	d.processDisconnectFrame(cmd.PlayerID, f)
}

func (d *DisconnectManager) notifyOthersOfNewFrame(f uint32) {
	cmd := d.m.newLocalCommand(command.TypeDisconnectScreenOff)
	cmd.Body.(*command.FrameBody).Frame = f
	d.m.SendLocalCommandDirect(cmd, d.m.othersMask())
	d.processScreenOff(cmd.PlayerID, f)
}

// =============================================================================
// 剔除
// =============================================================================

func (d *DisconnectManager) sendDisconnectCommand(slot uint8) {
	cmd := d.m.newLocalCommand(command.TypeDisconnectPlayer)
	body := cmd.Body.(*command.DisconnectPlayerBody)
	body.Slot = slot
	body.DisconnectFrame = d.maxDisconnectFrame()
	d.m.SendLocalCommand(cmd, command.AllSlotsMask)
}

func (d *DisconnectManager) disconnectPlayer(slot uint8) {
	if !validSlot(int(slot)) {
		return
	}
	if d.m.DisconnectPlayer(slot) == LeaveCodePacketRouter {
		d.m.onRouterChanged()
	}
}

// sendPlayerDestruct 在下一个执行帧让模拟层移除该玩家
func (d *DisconnectManager) sendPlayerDestruct(slot uint8) {
	cmd := d.m.newLocalCommand(command.TypeDestroyPlayer)
	cmd.ExecutionFrame = d.m.executionFrame() + 1
	cmd.Body.(*command.DestroyPlayerBody).PlayerIndex = uint32(slot)
	d.m.SendLocalCommand(cmd, command.AllSlotsMask)
}

func (d *DisconnectManager) maxDisconnectFrame() uint32 {
	var out uint32
	for _, f := range d.frames {
		if f > out {
			out = f
		}
	}
	return out
}

// allOnSameFrame 本地已通报，且所有在局玩家通报的帧都与本地相同
func (d *DisconnectManager) allOnSameFrame() bool {
	local := d.m.localSlot
	if !validSlot(local) || !d.framesReceived[local] {
		return false
	}
	for i := 0; i < command.MaxSlots; i++ {
		if i == local || !d.isPlayerInGame(uint8(i)) {
			continue
		}
		if !d.framesReceived[i] || d.frames[i] != d.frames[local] {
			return false
		}
	}
	return true
}

// isLocalNextRouter 跳过不在局的玩家后，本地是否是路由器
func (d *DisconnectManager) isLocalNextRouter() bool {
	slot := d.m.routerSlot
	for slot != d.m.localSlot && (!validSlot(slot) || !d.isPlayerInGame(uint8(slot))) {
		if !validSlot(slot) {
			return false
		}
		slot = d.m.NextPacketRouterSlot(slot)
	}
	return slot == d.m.localSlot
}

// =============================================================================
// 路由器确认
// =============================================================================

// queryPacketRouter 向新路由器确认，收到回应后重发未确认命令
func (d *DisconnectManager) queryPacketRouter() {
	d.awaitingRouter = true
	d.lastRouterQuery = time.Time{}
	d.updateRouterQuery(d.m.s.Clock.Now())
}

func (d *DisconnectManager) updateRouterQuery(now time.Time) {
	if !d.awaitingRouter {
		return
	}
	router := d.m.routerSlot
	if !validSlot(router) || router == d.m.localSlot {
		d.awaitingRouter = false
		return
	}
	if !d.lastRouterQuery.IsZero() && now.Sub(d.lastRouterQuery) <= d.m.cfg.DisconnectKeepAliveInterval {
		return
	}
	q := d.m.newLocalCommand(command.TypePacketRouterQuery)
	d.m.SendLocalCommandDirect(q, 1<<router)
	d.lastRouterQuery = now
}

// =============================================================================
// 超时与投票
// =============================================================================

func (d *DisconnectManager) resetPlayerTimeouts(now time.Time) {
	for i := range d.timeouts {
		d.timeouts[i] = now
	}
}

// PlayerTimeoutRemaining 断线界面中玩家距超时的剩余时间
func (d *DisconnectManager) PlayerTimeoutRemaining(slot uint8) time.Duration {
	if !validSlot(int(slot)) {
		return 0
	}
	return d.m.cfg.PlayerTimeout - d.m.s.Clock.Now().Sub(d.timeouts[slot])
}

func (d *DisconnectManager) hasPlayerTimedOut(slot uint8) bool {
	if int(slot) == d.m.localSlot || d.timeouts[slot].IsZero() {
		return false
	}
	return d.PlayerTimeoutRemaining(slot) <= 0
}

// VoteForPlayerDisconnect 本地投票剔除 slot，每个断线界面周期只投一次
func (d *DisconnectManager) VoteForPlayerDisconnect(slot uint8) {
	local := d.m.localSlot
	if !validSlot(int(slot)) || !validSlot(local) || int(slot) == local {
		return
	}
	if d.votes[slot][local].vote {
		return
	}
	d.votes[slot][local].vote = true

	frame := d.m.logicFrame()
	cmd := d.m.newLocalCommand(command.TypeDisconnectVote)
	body := cmd.Body.(*command.DisconnectVoteBody)
	body.Slot = slot
	body.VoteFrame = frame
	d.m.SendLocalCommandDirect(cmd, d.m.othersMask())

	d.applyVote(slot, frame, uint8(local))
}

func (d *DisconnectManager) applyVote(slot uint8, frame uint32, from uint8) {
	if !validSlot(int(from)) {
		return
	}
	d.votes[slot][from] = playerVote{vote: true, frame: frame}
	d.m.log.Info().
		Uint8("slot", slot).
		Uint8("from", from).
		Uint32("frame", frame).
		Int("votes", d.VoteCount(slot)).
		Msg("断线投票")
}

// VoteCount 当前逻辑帧上针对 slot 的有效票数
func (d *DisconnectManager) VoteCount(slot uint8) int {
	if !validSlot(int(slot)) {
		return 0
	}
	logic := d.m.logicFrame()
	n := 0
	for _, v := range d.votes[slot] {
		if v.vote && v.frame == logic {
			n++
		}
	}
	return n
}

// IsPlayerVotedOut 其余玩家中超过半数投票
func (d *DisconnectManager) IsPlayerVotedOut(slot uint8) bool {
	others := d.m.NumPlayers() - 1
	return d.VoteCount(slot)*2 > others
}

func (d *DisconnectManager) resetPlayersVotes(voter uint8, frame uint32) {
	for i := range d.votes {
		if d.votes[i][voter].frame <= frame {
			d.votes[i][voter].vote = false
		}
	}
}

// isPlayerInGame 在线、未被投票剔除、未超时
func (d *DisconnectManager) isPlayerInGame(slot uint8) bool {
	if !d.m.IsPlayerConnected(slot) {
		return false
	}
	if d.IsPlayerVotedOut(slot) {
		return false
	}
	return !d.hasPlayerTimedOut(slot)
}

// IsScreenOn 断线界面是否打开
func (d *DisconnectManager) IsScreenOn() bool {
	return d.state != screenOff
}

// DisconnectFrame 玩家最近通报的停滞帧及是否有效
func (d *DisconnectManager) DisconnectFrame(slot uint8) (uint32, bool) {
	if !validSlot(int(slot)) {
		return 0, false
	}
	return d.frames[slot], d.framesReceived[slot]
}

// NotifyOthersOfCurrentFrame 通报本地停在当前逻辑帧
func (m *ConnectionManager) NotifyOthersOfCurrentFrame() {
	m.disconnect.notifyOthersOfCurrentFrame(m.logicFrame())
}

// NotifyOthersOfNewFrame 通报本地已推进到 f 帧
func (m *ConnectionManager) NotifyOthersOfNewFrame(f uint32) {
	m.disconnect.notifyOthersOfNewFrame(f)
}
