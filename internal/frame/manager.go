// =============================================================================
// 文件: internal/frame/manager.go
// 描述: 每个玩家一个的帧数据环形缓冲
// =============================================================================
package frame

import (
	"errors"
	"fmt"

	"github.com/mrcgq/lockstep/internal/command"
)

// ErrStaleFrame 命令目标帧的槽位已经滑到更新的帧
var ErrStaleFrame = errors.New("目标帧已过期")

// Manager 一个玩家的帧数据管理器
// 本地管理器的期望数始终等于已收数
type Manager struct {
	frames  [DataLength]*Data
	isLocal bool

	quitting  bool
	quitFrame uint32
}

// NewManager 创建管理器，槽位 i 初始对应帧 i
func NewManager(isLocal bool) *Manager {
	m := &Manager{isLocal: isLocal}
	for i := range m.frames {
		m.frames[i] = NewData(uint32(i))
	}
	m.Reset()
	return m
}

// Reset 回到初始状态
func (m *Manager) Reset() {
	for i, d := range m.frames {
		d.Init(uint32(i))
		if m.isLocal {
			d.SetCommandCount(0)
		}
	}
	m.quitting = false
	m.quitFrame = 0
}

// IsLocal 是否是本地玩家的管理器
func (m *Manager) IsLocal() bool {
	return m.isLocal
}

// slot 返回帧所在槽位
// 槽位仍停在更早的帧时先滑动过去，停在更晚的帧返回 nil
func (m *Manager) slot(frame uint32) *Data {
	d := m.frames[frame%DataLength]
	switch {
	case d.Frame() == frame:
		return d
	case d.Frame() < frame:
		d.Init(frame)
		if m.isLocal {
			d.SetCommandCount(0)
		}
		return d
	}
	return nil
}

// AddCommand 把命令归入其执行帧
func (m *Manager) AddCommand(cmd *command.Command) (bool, error) {
	d := m.slot(cmd.ExecutionFrame)
	if d == nil {
		return false, fmt.Errorf("%w: frame=%d slot=%d", ErrStaleFrame,
			cmd.ExecutionFrame, m.frames[cmd.ExecutionFrame%DataLength].Frame())
	}
	added := d.AddCommand(cmd)
	if m.isLocal {
		d.SetCommandCount(d.ReceivedCount())
	}
	return added, nil
}

// AllCommandsReady 帧就绪判定
func (m *Manager) AllCommandsReady(frame uint32) ReadyState {
	d := m.slot(frame)
	if d == nil {
		return NotReady
	}
	return d.AllCommandsReady()
}

// CommandList 帧的命令列表，槽位已滑走返回 nil
func (m *Manager) CommandList(frame uint32) *command.List {
	if d := m.frames[frame%DataLength]; d.Frame() == frame {
		return d.CommandList()
	}
	return nil
}

// SetFrameCommandCount 设置帧的期望命令数
func (m *Manager) SetFrameCommandCount(frame uint32, n int) error {
	d := m.slot(frame)
	if d == nil {
		return fmt.Errorf("%w: frame=%d", ErrStaleFrame, frame)
	}
	d.SetCommandCount(n)
	return nil
}

// FrameCommandCount 帧的期望命令数及其是否已知
func (m *Manager) FrameCommandCount(frame uint32) (int, bool) {
	if d := m.frames[frame%DataLength]; d.Frame() == frame {
		return d.CommandCount()
	}
	return 0, false
}

// CommandCount 帧的已收命令数
func (m *Manager) CommandCount(frame uint32) int {
	if d := m.frames[frame%DataLength]; d.Frame() == frame {
		return d.ReceivedCount()
	}
	return 0
}

// ResetFrame 清空帧，advance 为真时槽位滑到下一轮
func (m *Manager) ResetFrame(frame uint32, advance bool) {
	d := m.frames[frame%DataLength]
	if d.Frame() != frame {
		return
	}
	d.Reset()
	if advance {
		d.SetFrame(frame + DataLength)
	}
	if m.isLocal {
		d.SetCommandCount(0)
	}
}

// ZeroFrames 把 [start, start+n) 标记为没有命令
func (m *Manager) ZeroFrames(start, n uint32) {
	for f := start; f < start+n; f++ {
		d := m.frames[f%DataLength]
		d.Init(f)
		d.Zero()
	}
}

// SetQuitFrame 标记玩家在 frame 之后退出
func (m *Manager) SetQuitFrame(frame uint32) {
	m.quitting = true
	m.quitFrame = frame
}

// IsQuitting 是否正在退出
func (m *Manager) IsQuitting() bool {
	return m.quitting
}

// QuitFrame 退出帧
func (m *Manager) QuitFrame() uint32 {
	return m.quitFrame
}
