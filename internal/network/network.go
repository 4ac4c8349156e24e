// =============================================================================
// 文件: internal/network/network.go
// 描述: 游戏循环驱动 - 本地状态机、执行帧、帧信息节拍、帧节奏与取帧命令
// =============================================================================
package network

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/mrcgq/lockstep/internal/command"
	"github.com/mrcgq/lockstep/internal/frame"
	"github.com/mrcgq/lockstep/internal/manager"
	"github.com/mrcgq/lockstep/internal/transport"
)

const (
	initialRunAhead  = 30
	initialFrameRate = 30

	minFrameGrouping = time.Millisecond
	maxFrameGrouping = 500 * time.Millisecond
)

// Status 本地玩家所处阶段
type Status int

const (
	StatusPregame Status = iota
	StatusInGame
	StatusLeaving
	StatusLeft
	StatusPostgame
)

func (s Status) String() string {
	switch s {
	case StatusPregame:
		return "pregame"
	case StatusInGame:
		return "ingame"
	case StatusLeaving:
		return "leaving"
	case StatusLeft:
		return "left"
	case StatusPostgame:
		return "postgame"
	default:
		return "unknown"
	}
}

// Network 模拟层与连接管理器之间的驱动
// 模拟层每个循环调用 Update，IsFrameDataReady 为真时取走命令并推进逻辑帧
type Network struct {
	s   *manager.Session
	cm  *manager.ConnectionManager
	log zerolog.Logger

	status    Status
	runAhead  int
	frameRate int

	lastFrame          uint32
	lastExecutionFrame uint32
	lastFrameCompleted uint32

	queued         []command.GameMessage
	leaveRequested bool

	frameDataReady bool
	ready          []command.GameMessage
	didSelfSlug    bool
	nextFrameTime  time.Time
}

// New 创建驱动，连接管理器以本驱动作为执行帧来源
func New(s *manager.Session) *Network {
	n := &Network{
		s:  s,
		cm: manager.NewConnectionManager(s),
	}
	n.log = s.Log.With().Str("component", "network").Logger()
	n.cm.AttachScheduler(n)
	n.init()
	return n
}

func (n *Network) init() {
	n.status = StatusPregame
	n.runAhead = initialRunAhead
	if n.runAhead < frame.MinRunAhead {
		n.runAhead = frame.MinRunAhead
	}
	if n.runAhead > frame.MaxFramesAhead/2 {
		n.runAhead = frame.MaxFramesAhead / 2
	}
	n.frameRate = initialFrameRate
	n.lastFrame = 0
	n.lastExecutionFrame = uint32(n.runAhead - 1)
	n.lastFrameCompleted = uint32(n.runAhead - 1)
	n.queued = nil
	n.leaveRequested = false
	n.frameDataReady = false
	n.ready = nil
	n.didSelfSlug = false
	n.nextFrameTime = time.Time{}
}

// Reset 回到开局前，保留已挂接的传输层
func (n *Network) Reset() {
	n.cm.Init()
	n.init()
}

// Start 挂接传输层并解析玩家表，开局前的帧标记为空帧
func (n *Network) Start(t transport.Transport, players []manager.Player, localSlot uint8) error {
	n.cm.AttachTransport(t)
	if err := n.cm.ParseUserList(players, localSlot); err != nil {
		return err
	}
	n.cm.ZeroFrames(1, uint32(n.runAhead-1))

	n.log.Info().
		Int("run_ahead", n.runAhead).
		Int("frame_rate", n.frameRate).
		Int("frame_data_length", frame.DataLength).
		Int("frames_to_keep", frame.FramesToKeep).
		Msg("网络已启动")
	return nil
}

// Manager 底层连接管理器
func (n *Network) Manager() *manager.ConnectionManager {
	return n.cm
}

// Status 本地阶段
func (n *Network) Status() Status {
	return n.status
}

// RunAhead 当前提前量
func (n *Network) RunAhead() int {
	return n.runAhead
}

// FrameRate 当前目标帧率
func (n *Network) FrameRate() int {
	return n.frameRate
}

func (n *Network) logicFrame() uint32 {
	return n.s.Logic.Frame()
}

// ExecutionFrame 本地新命令的执行帧，单调不减
func (n *Network) ExecutionFrame() uint32 {
	f := n.logicFrame() + uint32(n.runAhead)
	if f > n.lastExecutionFrame {
		n.lastExecutionFrame = f
	}
	return n.lastExecutionFrame
}

// QueueGameMessage 排队本地消息，下次 Update 时发出；不在局中时丢弃
func (n *Network) QueueGameMessage(msg command.GameMessage) {
	n.queued = append(n.queued, msg)
}

// LeaveGame 本地玩家离开，下次 Update 时生效
func (n *Network) LeaveGame() {
	n.leaveRequested = true
}

// QuitGame 断线界面中直接退出
func (n *Network) QuitGame() {
	n.cm.QuitGame()
	n.status = StatusPostgame
	n.log.Info().Msg("退出游戏")
}

// =============================================================================
// 主循环
// =============================================================================

// Update 每个循环调用一次
func (n *Network) Update() {
	n.frameDataReady = false

	n.sendQueued()

	if n.status == StatusInGame {
		n.cm.UpdateRunAhead(n.runAhead, n.frameRate, n.didSelfSlug, n.ExecutionFrame())
		n.didSelfSlug = false
	}

	n.cm.Update(n.status != StatusPregame)

	if n.status == StatusLeft {
		n.endOfGameCheck()
	}

	logic := n.logicFrame()
	if n.AllCommandsReady(logic) {
		n.cm.HandleAllCommandsReady()
		if n.timeForNewFrame() {
			n.relayCommands(logic)
			n.frameDataReady = true
		}
	}
}

// sendQueued 逻辑帧变化时补发帧信息，然后发出排队的消息
func (n *Network) sendQueued() {
	logic := n.logicFrame()
	if logic != n.lastFrame || n.status == StatusPregame {
		if n.status == StatusPregame {
			if logic < 1 {
				n.queued = n.queued[:0]
				return
			}
			n.status = StatusInGame
			n.cm.FrameCommandList(0)
			n.log.Info().Uint32("frame", logic).Msg("进入对局")
		}
		if n.status == StatusInGame {
			exec := n.ExecutionFrame()
			for f := n.lastFrameCompleted + 1; f < exec; f++ {
				n.cm.ProcessFrameTick(f)
				n.lastFrameCompleted = f
			}
		}
		n.lastFrame = logic
	}

	if n.status == StatusInGame {
		exec := n.ExecutionFrame()
		for _, msg := range n.queued {
			msg.Frame = exec
			n.cm.SendLocalGameMessage(msg)
		}
	}
	n.queued = n.queued[:0]

	if n.leaveRequested && n.status == StatusInGame {
		n.leaveRequested = false
		exec := n.ExecutionFrame()
		n.cm.HandleLocalPlayerLeaving(exec + 1)
		n.cm.ProcessFrameTick(exec)
		n.cm.ProcessFrameTick(exec + 1)
		n.lastFrameCompleted = exec + 1
		n.status = StatusLeaving
		n.log.Info().Uint32("frame", exec+1).Msg("本地玩家离开")
	}
}

// AllCommandsReady 开局前与结束后不等待
func (n *Network) AllCommandsReady(f uint32) bool {
	if n.status == StatusPregame || n.status == StatusPostgame {
		return true
	}
	return n.cm.AllCommandsReady(f)
}

// IsFrameDataReady 本帧命令是否已取出，本地已离开时总是就绪
func (n *Network) IsFrameDataReady() bool {
	return n.frameDataReady || n.status == StatusLeft
}

// TakeFrameCommands 取走本帧的模拟层消息，各节点顺序相同
func (n *Network) TakeFrameCommands() []command.GameMessage {
	out := n.ready
	n.ready = nil
	return out
}

// relayCommands 取出 f 帧命令：模拟层消息留给调用方，帧同步网络命令就地执行
func (n *Network) relayCommands(f uint32) {
	if n.status == StatusPregame {
		return
	}
	list := n.cm.FrameCommandList(f)
	for ref := list.Front(); ref != nil; ref = ref.Next() {
		cmd := ref.Command
		if msg, ok := cmd.GameMessage(); ok {
			n.ready = append(n.ready, msg)
			continue
		}
		n.processFrameSynchronized(cmd, f)
	}
}

func (n *Network) processFrameSynchronized(cmd *command.Command, f uint32) {
	switch cmd.Type {
	case command.TypePlayerLeave:
		code := n.cm.ProcessPlayerLeave(cmd)
		if code == manager.LeaveCodeLocal {
			n.status = StatusLeft
		}
		n.log.Info().Uint32("frame", f).Stringer("code", code).Msg("玩家离开生效")

	case command.TypeRunAhead:
		body, ok := cmd.Body.(*command.RunAheadBody)
		if !ok {
			return
		}
		n.applyRunAhead(int(body.RunAhead), int(body.FrameRate))
		n.log.Debug().
			Int("run_ahead", n.runAhead).
			Int("frame_rate", n.frameRate).
			Uint32("exec", cmd.ExecutionFrame).
			Uint32("frame", f).
			Msg("提前量生效")

	case command.TypeDestroyPlayer:
		body, ok := cmd.Body.(*command.DestroyPlayerBody)
		if !ok || body.PlayerIndex >= command.MaxSlots {
			return
		}
		n.log.Info().
			Uint8("from", cmd.PlayerID).
			Uint32("player", body.PlayerIndex).
			Uint32("frame", f).
			Msg("移除玩家")
		n.s.Listener.OnDestroyPlayer(uint8(body.PlayerIndex), f)
	}
}

// applyRunAhead 发送间隔取单程时延对应的一半提前量
func (n *Network) applyRunAhead(runAhead, frameRate int) {
	if frameRate <= 0 {
		return
	}
	n.runAhead = runAhead
	n.frameRate = frameRate

	grouping := time.Duration(runAhead) * time.Second / time.Duration(frameRate) / 2
	if grouping < minFrameGrouping {
		grouping = minFrameGrouping
	}
	if grouping > maxFrameGrouping {
		grouping = maxFrameGrouping
	}
	n.cm.SetFrameGrouping(grouping)
}

func (n *Network) endOfGameCheck() {
	if !n.cm.CanILeave() {
		return
	}
	n.cm.DisconnectLocalPlayer()
	n.status = StatusPostgame
	n.log.Info().Msg("发送队列已清空，对局结束")
}

// timeForNewFrame 按目标帧率放行新帧；缓冲不足提前量的余量时放慢一成
func (n *Network) timeForNewFrame() bool {
	now := n.s.Clock.Now()
	delay := time.Second / time.Duration(n.frameRate)

	cushion := float64(n.cm.MinimumCushion())
	threshold := float64(n.runAhead) * float64(n.s.Config.RunAheadSlack) / 100
	if cushion < threshold {
		delay += delay / 10
		n.didSelfSlug = true
	}

	if now.Before(n.nextFrameTime) {
		return false
	}
	if n.nextFrameTime.Add(2 * delay).Before(now) {
		n.nextFrameTime = now
	} else {
		n.nextFrameTime = n.nextFrameTime.Add(delay)
	}
	return true
}

// =============================================================================
// 透传
// =============================================================================

// SendChat 发送聊天
func (n *Network) SendChat(text string, mask int32) {
	n.cm.SendChat(text, mask)
}

// VoteForPlayerDisconnect 投票剔除
func (n *Network) VoteForPlayerDisconnect(slot uint8) {
	n.cm.Disconnect().VoteForPlayerDisconnect(slot)
}

// PacketArrivalCushion 上次取值以来的最小到达缓冲
func (n *Network) PacketArrivalCushion() int {
	return n.cm.PacketArrivalCushion()
}

// PlayerName 本地玩家只在局中有名字
func (n *Network) PlayerName(slot uint8) string {
	if int(slot) == n.cm.LocalSlot() && n.status != StatusInGame {
		return ""
	}
	return n.cm.PlayerName(slot)
}

// GetStats 获取统计信息
func (n *Network) GetStats() map[string]interface{} {
	st := n.cm.GetStats()
	st["status"] = n.status.String()
	st["run_ahead"] = n.runAhead
	st["frame_rate"] = n.frameRate
	st["last_execution_frame"] = n.lastExecutionFrame
	return st
}
