// =============================================================================
// 文件: internal/manager/connection_manager.go
// 描述: 连接管理器 - 持有各槽位连接与帧数据，驱动收包、确认、中继与处理
// =============================================================================
package manager

import (
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/mrcgq/lockstep/internal/command"
	"github.com/mrcgq/lockstep/internal/connection"
	"github.com/mrcgq/lockstep/internal/frame"
	"github.com/mrcgq/lockstep/internal/protocol"
	"github.com/mrcgq/lockstep/internal/telemetry"
	"github.com/mrcgq/lockstep/internal/transport"
)

// =============================================================================
// 常量与错误
// =============================================================================

const noSlot = -1

var (
	ErrNoTransport   = errors.New("未挂接传输层")
	ErrBadSlot       = errors.New("槽位无效")
	ErrDuplicateSlot = errors.New("槽位重复")
	ErrNoLocalPlayer = errors.New("玩家表中没有本地槽位")
)

// PlayerLeaveCode 移除玩家的结果
type PlayerLeaveCode int

const (
	LeaveCodeClient PlayerLeaveCode = iota
	LeaveCodeLocal
	LeaveCodePacketRouter
	LeaveCodeUnknown
)

func (c PlayerLeaveCode) String() string {
	switch c {
	case LeaveCodeClient:
		return "client"
	case LeaveCodeLocal:
		return "local"
	case LeaveCodePacketRouter:
		return "packet-router"
	default:
		return "unknown"
	}
}

// Player 会话玩家表中的一项
type Player struct {
	Slot uint8  `yaml:"slot"`
	Name string `yaml:"name"`
	Addr string `yaml:"addr"`
}

// =============================================================================
// ConnectionManager
// =============================================================================

// ConnectionManager 一局游戏的网络编排
// 除 Snapshot 外只在驱动线程上调用
type ConnectionManager struct {
	s   *Session
	cfg Config
	log zerolog.Logger

	transport transport.Transport
	scheduler Scheduler

	localSlot   int
	localUser   connection.User
	connections [command.MaxSlots]*connection.Connection
	frameData   [command.MaxSlots]*frame.Manager
	addrSlots   map[string]uint8

	routerSlot int
	fallback   [command.MaxSlots]int

	// pending 本地发出、等待二阶确认的命令
	pending *command.List
	// relayed 路由器代发、等待各跳确认的命令
	relayed *command.List

	wrappers *protocol.Reassembler
	files    *fileTransfers

	frameMetrics     *telemetry.FrameMetrics
	latencyAverages  [command.MaxSlots]float32
	fpsAverages      [command.MaxSlots]int
	smallestCushion  int
	lastRunAheadSent time.Time

	keepAliveStart time.Time
	keepAliveNext  int

	stallFrame uint32
	stallSince time.Time
	grouping   time.Duration

	disconnect *DisconnectManager

	counters counters
	snapshot atomic.Pointer[Stats]
}

// NewConnectionManager 创建连接管理器
func NewConnectionManager(s *Session) *ConnectionManager {
	s.normalize()
	m := &ConnectionManager{
		s:            s,
		cfg:          s.Config,
		log:          s.Log,
		pending:      command.NewList(),
		relayed:      command.NewList(),
		wrappers:     protocol.NewReassembler(),
		frameMetrics: telemetry.NewFrameMetrics(s.Config.Metrics, s.Clock),
	}
	m.disconnect = newDisconnectManager(m)
	m.files = newFileTransfers()
	m.Init()
	return m
}

// Init 回到会话开始前的状态，保留已挂接的传输层
func (m *ConnectionManager) Init() {
	m.localSlot = noSlot
	m.localUser = connection.User{}
	m.routerSlot = noSlot
	for i := range m.connections {
		m.connections[i] = nil
		m.frameData[i] = nil
		m.fallback[i] = noSlot
		m.fpsAverages[i] = -1
		m.latencyAverages[i] = 0
	}
	m.addrSlots = make(map[string]uint8)
	m.pending.Reset()
	m.relayed.Reset()
	m.wrappers.Reset()
	m.files.reset()
	m.frameMetrics.Reset()
	m.smallestCushion = -1
	m.lastRunAheadSent = time.Time{}
	m.keepAliveStart = time.Time{}
	m.keepAliveNext = 0
	m.stallFrame = 0
	m.stallSince = time.Time{}
	m.grouping = m.cfg.Connection.FrameGrouping
	m.disconnect.init()
	m.counters = counters{}
	m.publishStats()
}

// Reset 结束一局：清空会话状态并解除传输层，传输层由其创建者关闭
func (m *ConnectionManager) Reset() {
	m.transport = nil
	m.Init()
}

// AttachTransport 挂接传输层
func (m *ConnectionManager) AttachTransport(t transport.Transport) {
	m.transport = t
}

// AttachScheduler 挂接执行帧来源
func (m *ConnectionManager) AttachScheduler(s Scheduler) {
	m.scheduler = s
}

// ParseUserList 按玩家表建立连接与帧数据，槽位顺序即路由器候补顺序
func (m *ConnectionManager) ParseUserList(players []Player, localSlot uint8) error {
	if m.transport == nil {
		return ErrNoTransport
	}
	if int(localSlot) >= command.MaxSlots {
		return fmt.Errorf("%w: 本地槽位 %d", ErrBadSlot, localSlot)
	}

	sorted := append([]Player(nil), players...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Slot < sorted[j].Slot })

	seen := make(map[uint8]bool, len(sorted))
	haveLocal := false
	for _, p := range sorted {
		if int(p.Slot) >= command.MaxSlots {
			return fmt.Errorf("%w: %d", ErrBadSlot, p.Slot)
		}
		if seen[p.Slot] {
			return fmt.Errorf("%w: %d", ErrDuplicateSlot, p.Slot)
		}
		seen[p.Slot] = true
		if p.Slot == localSlot {
			haveLocal = true
		}
	}
	if !haveLocal {
		return fmt.Errorf("%w: %d", ErrNoLocalPlayer, localSlot)
	}

	m.Init()
	m.localSlot = int(localSlot)
	for n, p := range sorted {
		if p.Slot == localSlot {
			m.localUser = connection.User{Name: p.Name, Addr: m.transport.LocalAddr()}
			m.frameData[p.Slot] = frame.NewManager(true)
		} else {
			user := connection.User{Name: p.Name, Addr: p.Addr}
			m.connections[p.Slot] = connection.New(p.Slot, user, m.transport, m.s.Clock, m.s.IDs, m.log, m.cfg.Connection)
			m.frameData[p.Slot] = frame.NewManager(false)
			m.addrSlots[p.Addr] = p.Slot
		}
		m.fallback[n] = int(p.Slot)
	}
	m.routerSlot = m.fallback[0]

	m.log.Info().
		Int("local", m.localSlot).
		Int("router", m.routerSlot).
		Int("players", len(sorted)).
		Msg("玩家表已解析")
	m.publishStats()
	return nil
}

// ZeroFrames 把各玩家 [start, start+n) 帧标记为没有命令
func (m *ConnectionManager) ZeroFrames(start, n uint32) {
	for _, fd := range m.frameData {
		if fd != nil {
			fd.ZeroFrames(start, n)
		}
	}
}

// =============================================================================
// 主循环
// =============================================================================

// Update 每个循环调用一次：收包、断线检测、确认/处理/中继、保活、发送
func (m *ConnectionManager) Update(inGame bool) {
	if m.transport == nil || m.localSlot == noSlot {
		return
	}

	datagrams := m.transport.Receive()

	if inGame {
		m.disconnect.update()
	}

	m.doRelay(datagrams)
	m.doKeepAlive()

	logic := m.logicFrame()
	for i := range m.connections {
		if c := m.connections[i]; c != nil {
			c.DoSend()
			if c.IsQuitting() && c.IsQueueEmpty() {
				m.log.Debug().Int("slot", i).Msg("退出中的连接已清空，删除")
				m.connections[i] = nil
			}
		}
		if fd := m.frameData[i]; fd != nil && fd.IsQuitting() && fd.QuitFrame() <= logic {
			m.log.Debug().Int("slot", i).Uint32("frame", logic).Msg("到达退出帧，删除帧数据")
			m.frameData[i] = nil
		}
	}

	m.publishStats()
}

// doRelay 解码收到的数据报，逐条确认、处理、中继
func (m *ConnectionManager) doRelay(datagrams []transport.Datagram) {
	for _, d := range datagrams {
		refs, err := protocol.Decode(d.Payload)
		if err != nil {
			m.counters.malformed++
			m.log.Debug().Err(err).Str("addr", d.Addr).Int("decoded", len(refs)).Msg("数据包解码中断，丢弃剩余部分")
		}
		hop := noSlot
		if slot, ok := m.addrSlots[d.Addr]; ok {
			hop = int(slot)
		}
		for _, ref := range refs {
			m.handleIncoming(ref, hop, false)
		}
	}

	ready, errs := m.wrappers.ReadyCommands()
	for _, err := range errs {
		m.log.Warn().Err(err).Msg("分块重组失败")
	}
	for _, ref := range ready {
		m.handleIncoming(ref, noSlot, true)
	}
}

// handleIncoming 单条入站命令
// 重组出的命令各分块已被确认和中继，这里只在发给本地时处理
func (m *ConnectionManager) handleIncoming(ref *command.Ref, hop int, reassembled bool) {
	cmd := ref.Command
	m.counters.received++
	m.s.Metrics.CommandReceived(cmd.Type)

	if !reassembled && cmd.Type.RequiresAck() {
		m.ackCommand(ref, hop)
	}

	if !m.acceptIncoming(cmd) {
		m.counters.duplicates++
		m.s.Metrics.DuplicateDropped(cmd.Type)
		return
	}

	if reassembled {
		if ref.Relay&m.localBit() != 0 && !m.processNetCommand(ref) {
			m.fileLocally(ref)
		}
		return
	}

	if !m.processNetCommand(ref) {
		m.sendRemoteCommand(ref)
	}
}

// acceptIncoming 按发起者的连接去重
func (m *ConnectionManager) acceptIncoming(cmd *command.Command) bool {
	if !validSlot(int(cmd.PlayerID)) {
		return false
	}
	if c := m.connections[cmd.PlayerID]; c != nil {
		return c.AcceptIncoming(cmd)
	}
	return true
}

// processNetCommand 处理非帧同步命令，返回 true 表示不再中继
func (m *ConnectionManager) processNetCommand(ref *command.Ref) bool {
	cmd := ref.Command

	if cmd.Type.IsAck() {
		m.processAck(cmd)
		return true
	}

	player := int(cmd.PlayerID)
	if player != m.localSlot && m.connections[player] == nil {
		return true
	}

	if cmd.Type == command.TypeWrapper {
		m.processWrapper(ref)
		return false
	}

	if cmd.Type.IsSynchronized() && cmd.ExecutionFrame < m.logicFrame() {
		m.log.Debug().Stringer("cmd", cmd).Uint32("logic", m.logicFrame()).Msg("命令执行帧已过，丢弃")
		return true
	}

	if cmd.Type.IsDisconnect() {
		m.disconnect.processCommand(cmd)
		return true
	}

	switch cmd.Type {
	case command.TypeFrameInfo:
		m.processFrameInfo(cmd)
		ref.Relay &^= m.localBit()
		return false

	case command.TypeProgress:
		if body, ok := cmd.Body.(*command.ProgressBody); ok {
			m.s.Listener.OnProgress(cmd.PlayerID, body.Percentage)
		}
		ref.Relay &^= m.localBit()
		return false

	case command.TypeTimeOutStart:
		m.s.Listener.OnTimeOutGameStart(cmd.PlayerID)
		return false

	case command.TypeLoadComplete:
		m.s.Listener.OnLoadComplete(cmd.PlayerID)
		return false

	case command.TypeRunAheadMetrics:
		m.processRunAheadMetrics(cmd)
		return true

	case command.TypeKeepAlive:
		return true

	case command.TypeDisconnectChat:
		m.processDisconnectChat(cmd)
		return true

	case command.TypeChat:
		m.processChat(cmd)
		return false

	case command.TypeFile:
		if ref.Relay&m.localBit() != 0 {
			m.processFile(cmd)
		}
		return false

	case command.TypeFileAnnounce:
		m.processFileAnnounce(cmd)
		return false

	case command.TypeFileProgress:
		m.processFileProgress(cmd)
		return false

	case command.TypeFrameResendRequest:
		m.processFrameResendRequest(cmd)
		return true
	}

	return false
}

func (m *ConnectionManager) processFrameInfo(cmd *command.Command) {
	body, ok := cmd.Body.(*command.FrameInfoBody)
	if !ok {
		return
	}
	fd := m.frameData[cmd.PlayerID]
	if fd == nil {
		return
	}
	if err := fd.SetFrameCommandCount(cmd.ExecutionFrame, int(body.CommandCount)); err != nil {
		m.log.Debug().Err(err).Uint8("player", cmd.PlayerID).Msg("帧信息已过期")
	}
}

func (m *ConnectionManager) processRunAheadMetrics(cmd *command.Command) {
	body, ok := cmd.Body.(*command.RunAheadMetricsBody)
	if !ok || !m.IsPlayerConnected(cmd.PlayerID) {
		return
	}
	m.latencyAverages[cmd.PlayerID] = body.AverageLatency
	fps := int(body.AverageFPS)
	if fps > maxReportedFPS {
		fps = maxReportedFPS
	}
	m.fpsAverages[cmd.PlayerID] = fps
}

// =============================================================================
// 保活
// =============================================================================

// doKeepAlive 每个间隔轮到一个槽位，一轮覆盖全部槽位后重新计时
func (m *ConnectionManager) doKeepAlive() {
	now := m.s.Clock.Now()
	if m.keepAliveStart.IsZero() {
		m.keepAliveStart = now
		return
	}

	steps := int(now.Sub(m.keepAliveStart) / m.cfg.KeepAliveInterval)
	for m.keepAliveNext <= steps && m.keepAliveNext < command.MaxSlots {
		if m.connections[m.keepAliveNext] != nil {
			cmd := command.New(command.TypeKeepAlive, m.localID())
			m.SendLocalCommandDirect(cmd, 1<<m.keepAliveNext)
		}
		m.keepAliveNext++
	}
	if m.keepAliveNext == command.MaxSlots {
		m.keepAliveNext = 0
		m.keepAliveStart = now
	}
}

// =============================================================================
// 查询
// =============================================================================

// LocalSlot 本地槽位，未解析玩家表时为 -1
func (m *ConnectionManager) LocalSlot() int {
	return m.localSlot
}

// IsPlayerConnected 本地玩家或连接未处于退出中的玩家
func (m *ConnectionManager) IsPlayerConnected(slot uint8) bool {
	if int(slot) >= command.MaxSlots {
		return false
	}
	if int(slot) == m.localSlot {
		return true
	}
	c := m.connections[slot]
	return c != nil && !c.IsQuitting()
}

// NumPlayers 已连接玩家数，含本地
func (m *ConnectionManager) NumPlayers() int {
	n := 0
	for i := 0; i < command.MaxSlots; i++ {
		if m.IsPlayerConnected(uint8(i)) {
			n++
		}
	}
	return n
}

// PlayerName 玩家名，未连接返回空串
func (m *ConnectionManager) PlayerName(slot uint8) string {
	if int(slot) == m.localSlot {
		return m.localUser.Name
	}
	if m.IsPlayerConnected(slot) {
		return m.connections[slot].User().Name
	}
	return ""
}

// Connection 槽位的连接，本地或未连接返回 nil
func (m *ConnectionManager) Connection(slot uint8) *connection.Connection {
	if int(slot) >= command.MaxSlots {
		return nil
	}
	return m.connections[slot]
}

// FrameData 槽位的帧数据管理器
func (m *ConnectionManager) FrameData(slot uint8) *frame.Manager {
	if int(slot) >= command.MaxSlots {
		return nil
	}
	return m.frameData[slot]
}

// AreAllQueuesEmpty 所有连接的发送队列是否为空
func (m *ConnectionManager) AreAllQueuesEmpty() bool {
	for _, c := range m.connections {
		if c != nil && !c.IsQueueEmpty() {
			return false
		}
	}
	return true
}

// CanILeave 本地玩家离开前需等发送队列排空
func (m *ConnectionManager) CanILeave() bool {
	return m.AreAllQueuesEmpty()
}

// FrameMetrics 本地帧统计
func (m *ConnectionManager) FrameMetrics() *telemetry.FrameMetrics {
	return m.frameMetrics
}

// Disconnect 断线管理器
func (m *ConnectionManager) Disconnect() *DisconnectManager {
	return m.disconnect
}

// =============================================================================
// 辅助
// =============================================================================

func validSlot(slot int) bool {
	return slot >= 0 && slot < command.MaxSlots
}

func (m *ConnectionManager) localID() uint8 {
	return uint8(m.localSlot)
}

func (m *ConnectionManager) localBit() uint8 {
	if !validSlot(m.localSlot) {
		return 0
	}
	return 1 << m.localSlot
}

func (m *ConnectionManager) othersMask() uint8 {
	return command.AllSlotsMask &^ m.localBit()
}

func (m *ConnectionManager) logicFrame() uint32 {
	if m.s.Logic == nil {
		return 0
	}
	return m.s.Logic.Frame()
}

// executionFrame 本地命令的执行帧，没有挂接驱动层时取最大提前量
func (m *ConnectionManager) executionFrame() uint32 {
	if m.scheduler != nil {
		return m.scheduler.ExecutionFrame()
	}
	return m.logicFrame() + frame.MaxRunAhead
}

// newLocalCommand 本地发起的命令，需要 ID 的类型分配新 ID
func (m *ConnectionManager) newLocalCommand(t command.Type) *command.Command {
	cmd := command.New(t, m.localID())
	if t.RequiresCommandID() {
		cmd.ID = m.s.IDs.Next()
	}
	return cmd
}
