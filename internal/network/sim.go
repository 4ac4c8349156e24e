// =============================================================================
// 文件: internal/network/sim.go
// 描述: 多节点模拟器 - 进程内网络 + 共享手动时钟，逐步驱动每个节点
// =============================================================================
package network

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/mrcgq/lockstep/internal/clock"
	"github.com/mrcgq/lockstep/internal/command"
	"github.com/mrcgq/lockstep/internal/manager"
	"github.com/mrcgq/lockstep/internal/protocol"
	"github.com/mrcgq/lockstep/internal/transport"
)

var ErrStepLimit = errors.New("模拟步数已用完")

// SimConfig 模拟参数
type SimConfig struct {
	Players int
	// Frames 每个节点执行到该逻辑帧即停止
	Frames uint32
	// Step 每一步推进的时钟
	Step time.Duration
	// MessageEvery 每隔多少帧发一条模拟层消息，0 表示不发
	MessageEvery uint32

	Manager manager.Config
	Log     zerolog.Logger
	Metrics manager.MetricsSink
}

// DefaultSimConfig 默认模拟参数
func DefaultSimConfig() SimConfig {
	return SimConfig{
		Players:      4,
		Frames:       300,
		Step:         5 * time.Millisecond,
		MessageEvery: 3,
		Manager:      manager.DefaultConfig(),
		Log:          zerolog.Nop(),
	}
}

type simLogic struct {
	frame uint32
}

func (l *simLogic) Frame() uint32 { return l.frame }

// Node 模拟器中的一个节点
type Node struct {
	Slot uint8
	Net  *Network

	logic    *simLogic
	events   *nodeEvents
	endpoint *transport.MemoryTransport
	journal  []string
}

// nodeEvents 记录需要进入执行日志的模拟层事件
type nodeEvents struct {
	manager.NopListener
	node      *Node
	destroyed []uint8
	screenOn  int
}

func (e *nodeEvents) OnDestroyPlayer(slot uint8, frame uint32) {
	e.destroyed = append(e.destroyed, slot)
	e.node.record(fmt.Sprintf("f=%d destroy=%d", frame, slot))
}

func (e *nodeEvents) OnDisconnectScreen(on bool) {
	if on {
		e.screenOn++
	}
}

// Frame 已执行的逻辑帧数
func (nd *Node) Frame() uint32 {
	return nd.logic.frame
}

// Journal 按执行顺序记录的帧命令
func (nd *Node) Journal() []string {
	return nd.journal
}

// Destroyed 收到移除命令的槽位
func (nd *Node) Destroyed() []uint8 {
	return nd.events.destroyed
}

// DisconnectScreens 打开断线界面的次数
func (nd *Node) DisconnectScreens() int {
	return nd.events.screenOn
}

// done 已到目标帧或已离开对局
func (nd *Node) done(target uint32) bool {
	return nd.logic.frame >= target || nd.Net.Status() == StatusPostgame
}

func (nd *Node) record(line string) {
	nd.journal = append(nd.journal, line)
}

func (nd *Node) step(every uint32) {
	nd.Net.Update()
	if !nd.Net.IsFrameDataReady() {
		return
	}

	f := nd.logic.frame
	for _, msg := range nd.Net.TakeFrameCommands() {
		nd.record(formatMessage(f, msg))
	}
	nd.logic.frame++

	if every > 0 && nd.logic.frame%every == 0 && nd.Net.Status() == StatusInGame {
		nd.Net.QueueGameMessage(command.GameMessage{
			Type: 100 + uint32(nd.Slot),
			Args: []command.Arg{command.IntArg(int32(nd.logic.frame)), command.BoolArg(nd.Slot%2 == 0)},
		})
	}
}

func formatMessage(f uint32, msg command.GameMessage) string {
	var b strings.Builder
	fmt.Fprintf(&b, "f=%d p=%d t=%d", f, msg.PlayerID, msg.Type)
	for _, a := range msg.Args {
		switch a.Type {
		case command.ArgInteger:
			fmt.Fprintf(&b, " i:%d", a.Int)
		case command.ArgBoolean:
			fmt.Fprintf(&b, " b:%t", a.Bool)
		default:
			fmt.Fprintf(&b, " %s", a.Type)
		}
	}
	return b.String()
}

// Simulator N 个节点共享一个进程内网络和一个手动时钟
type Simulator struct {
	cfg   SimConfig
	clock *clock.Manual
	net   *transport.MemoryNetwork
	nodes []*Node
	steps int
	// dropped 丢包规则丢弃的数据报数
	dropped int
}

// NewSimulator 创建全部节点并开局
func NewSimulator(cfg SimConfig) (*Simulator, error) {
	if cfg.Players < 2 || cfg.Players > command.MaxSlots {
		return nil, fmt.Errorf("玩家数必须在 2..%d 之间: %d", command.MaxSlots, cfg.Players)
	}
	if cfg.Step <= 0 {
		cfg.Step = DefaultSimConfig().Step
	}

	clk := clock.NewManual(time.Unix(0, 0))
	sim := &Simulator{
		cfg:   cfg,
		clock: clk,
		net:   transport.NewMemoryNetwork(clk),
	}

	players := make([]manager.Player, cfg.Players)
	for i := range players {
		players[i] = manager.Player{
			Slot: uint8(i),
			Name: fmt.Sprintf("player%d", i),
			Addr: fmt.Sprintf("sim-%d", i),
		}
	}

	for i := range players {
		ep, err := sim.net.Endpoint(players[i].Addr)
		if err != nil {
			sim.Close()
			return nil, err
		}
		nd := &Node{Slot: uint8(i), logic: &simLogic{}, endpoint: ep}
		nd.events = &nodeEvents{node: nd}

		s := &manager.Session{
			Config:   cfg.Manager,
			Clock:    clk,
			Log:      cfg.Log.With().Int("node", i).Logger(),
			Logic:    nd.logic,
			Listener: nd.events,
			Metrics:  cfg.Metrics,
		}
		nd.Net = New(s)
		if err := nd.Net.Start(ep, players, uint8(i)); err != nil {
			sim.Close()
			return nil, fmt.Errorf("节点 %d 开局失败: %w", i, err)
		}
		sim.nodes = append(sim.nodes, nd)
	}
	return sim, nil
}

// Nodes 全部节点，下标即槽位
func (s *Simulator) Nodes() []*Node {
	return s.nodes
}

// Clock 共享时钟
func (s *Simulator) Clock() *clock.Manual {
	return s.clock
}

// Steps 已执行步数
func (s *Simulator) Steps() int {
	return s.steps
}

// Isolate 切断槽位与其他节点的全部链路
func (s *Simulator) Isolate(slot uint8) {
	if int(slot) < len(s.nodes) {
		s.net.Isolate(s.nodes[slot].endpoint.LocalAddr())
	}
}

// Heal 恢复全部链路
func (s *Simulator) Heal() {
	s.SetDropFilter(nil)
}

// SetDropFilter 设置自定义丢包规则，nil 恢复全部链路
func (s *Simulator) SetDropFilter(f transport.DropFilter) {
	if f == nil {
		s.net.SetDropFilter(nil)
		return
	}
	s.net.SetDropFilter(func(from, to string, data []byte) bool {
		if f(from, to, data) {
			s.dropped++
			return true
		}
		return false
	})
}

// DropFrames 丢弃槽位发出的、携带 [first, last] 帧自身帧数据的数据报
// 重发请求的应答同样被丢弃，直到 Heal
func (s *Simulator) DropFrames(slot uint8, first, last uint32) {
	if int(slot) >= len(s.nodes) {
		return
	}
	addr := s.nodes[slot].endpoint.LocalAddr()
	s.SetDropFilter(func(from, _ string, data []byte) bool {
		if from != addr {
			return false
		}
		return carriesFrames(data, slot, first, last)
	})
}

// Dropped 被丢包规则丢弃的数据报数
func (s *Simulator) Dropped() int {
	return s.dropped
}

// carriesFrames 数据报中是否有 player 在 [first, last] 帧的帧命令或帧信息
func carriesFrames(data []byte, player uint8, first, last uint32) bool {
	payload, err := protocol.DecodeDatagram(data)
	if err != nil {
		return false
	}
	refs, _ := protocol.Decode(payload)
	for _, ref := range refs {
		cmd := ref.Command
		if cmd.PlayerID != player {
			continue
		}
		if !cmd.Type.IsSynchronized() && cmd.Type != command.TypeFrameInfo {
			continue
		}
		if cmd.ExecutionFrame >= first && cmd.ExecutionFrame <= last {
			return true
		}
	}
	return false
}

// Step 推进时钟，按槽位顺序驱动每个节点
// 已完成的节点不再推进逻辑帧，但继续收发，其他节点仍可经它中继
func (s *Simulator) Step() {
	s.clock.Advance(s.cfg.Step)
	for _, nd := range s.nodes {
		if nd.done(s.cfg.Frames) {
			nd.Net.Manager().Update(false)
			continue
		}
		nd.step(s.cfg.MessageEvery)
	}
	s.steps++
}

// RunUntil 逐步推进直到 cond 成立
func (s *Simulator) RunUntil(ctx context.Context, maxSteps int, cond func() bool) error {
	for i := 0; i < maxSteps; i++ {
		if cond() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		s.Step()
	}
	if cond() {
		return nil
	}
	return fmt.Errorf("%w: %d", ErrStepLimit, maxSteps)
}

// Run 推进直到所有节点都到达目标帧
func (s *Simulator) Run(ctx context.Context, maxSteps int) error {
	return s.RunUntil(ctx, maxSteps, func() bool {
		return s.allDone(s.nodes)
	})
}

func (s *Simulator) allDone(nodes []*Node) bool {
	for _, nd := range nodes {
		if !nd.done(s.cfg.Frames) {
			return false
		}
	}
	return true
}

// Close 关闭全部端点
func (s *Simulator) Close() {
	for _, nd := range s.nodes {
		nd.endpoint.Close()
	}
}
