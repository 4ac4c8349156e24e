// =============================================================================
// 文件: internal/frame/frame.go
// 描述: 单帧命令聚合 - 期望数/已收数/命令列表
// =============================================================================
package frame

import (
	"github.com/mrcgq/lockstep/internal/command"
)

// =============================================================================
// 常量定义
// =============================================================================

const (
	// MaxFramesAhead 最大提前帧窗口
	MaxFramesAhead = 128

	// MinRunAhead 最小提前量
	MinRunAhead = 10

	// MaxRunAhead 最大提前量
	MaxRunAhead = MaxFramesAhead / 2

	// DataLength 环形缓冲槽位数
	DataLength = MaxFramesAhead + 1

	// FramesToKeep 已执行帧的保留数量，用于给落后玩家补发
	FramesToKeep = MaxFramesAhead/2 + 1
)

// ReadyState 帧就绪判定结果
type ReadyState int

const (
	NotReady ReadyState = iota
	Ready
	// Resend 已收数超过期望数，帧已被清空，需要重新请求
	Resend
)

func (s ReadyState) String() string {
	switch s {
	case Ready:
		return "ready"
	case Resend:
		return "resend"
	default:
		return "not-ready"
	}
}

// =============================================================================
// FrameData
// =============================================================================

// Data 一个执行帧的命令集合
type Data struct {
	frame         uint32
	received      int
	expected      int
	expectedKnown bool
	commands      *command.List
}

// NewData 创建帧数据
func NewData(frame uint32) *Data {
	d := &Data{commands: command.NewList()}
	d.Init(frame)
	return d
}

// Init 重置并绑定到新的逻辑帧号
func (d *Data) Init(frame uint32) {
	d.Reset()
	d.frame = frame
}

// Frame 当前逻辑帧号
func (d *Data) Frame() uint32 {
	return d.frame
}

// SetFrame 修改逻辑帧号
func (d *Data) SetFrame(frame uint32) {
	d.frame = frame
}

// AllCommandsReady 已收数等于期望数时就绪
// 已收数超过期望数说明数据已经错乱，清空后返回 Resend
func (d *Data) AllCommandsReady() ReadyState {
	if !d.expectedKnown {
		return NotReady
	}
	if d.received > d.expected {
		d.Reset()
		return Resend
	}
	if d.received == d.expected {
		return Ready
	}
	return NotReady
}

// AddCommand 加入命令，重复命令返回 false
func (d *Data) AddCommand(cmd *command.Command) bool {
	if d.commands.Add(cmd) == nil {
		return false
	}
	d.received++
	return true
}

// SetCommandCount 设置期望命令数
func (d *Data) SetCommandCount(n int) {
	d.expected = n
	d.expectedKnown = true
}

// CommandCount 期望命令数及其是否已知
func (d *Data) CommandCount() (int, bool) {
	return d.expected, d.expectedKnown
}

// ReceivedCount 已收命令数
func (d *Data) ReceivedCount() int {
	return d.received
}

// CommandList 命令列表
func (d *Data) CommandList() *command.List {
	return d.commands
}

// Reset 清空命令，期望数回到未知
func (d *Data) Reset() {
	d.commands.Reset()
	d.received = 0
	d.expected = 0
	d.expectedKnown = false
}

// Zero 清空并声明该帧没有命令
func (d *Data) Zero() {
	d.Reset()
	d.SetCommandCount(0)
}
