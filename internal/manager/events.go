// =============================================================================
// 文件: internal/manager/events.go
// 描述: 非帧同步事件 - 聊天、断线界面聊天、加载进度、开局超时
// =============================================================================
package manager

import (
	"github.com/mrcgq/lockstep/internal/command"
)

// SendChat 发送聊天，mask 为可见玩家的槽位掩码
func (m *ConnectionManager) SendChat(text string, mask int32) {
	cmd := m.newLocalCommand(command.TypeChat)
	cmd.ExecutionFrame = m.executionFrame()
	body := cmd.Body.(*command.ChatBody)
	body.Text = text
	body.PlayerMask = mask

	m.SendLocalCommand(cmd, m.othersMask())
	m.processChat(cmd)
}

func (m *ConnectionManager) processChat(cmd *command.Command) {
	body, ok := cmd.Body.(*command.ChatBody)
	if !ok {
		return
	}
	if body.PlayerMask&(1<<m.localSlot) == 0 {
		return
	}
	m.s.Listener.OnChat(cmd.PlayerID, m.PlayerName(cmd.PlayerID), body.Text, body.PlayerMask)
}

// SendDisconnectChat 断线界面中的聊天，直接发给所有人
func (m *ConnectionManager) SendDisconnectChat(text string) {
	cmd := m.newLocalCommand(command.TypeDisconnectChat)
	cmd.Body.(*command.DisconnectChatBody).Text = text
	m.SendLocalCommandDirect(cmd, m.othersMask())
	m.processDisconnectChat(cmd)
}

func (m *ConnectionManager) processDisconnectChat(cmd *command.Command) {
	body, ok := cmd.Body.(*command.DisconnectChatBody)
	if !ok {
		return
	}
	m.s.Listener.OnDisconnectChat(cmd.PlayerID, m.PlayerName(cmd.PlayerID), body.Text)
}

// UpdateLoadProgress 广播本地加载进度
func (m *ConnectionManager) UpdateLoadProgress(percentage uint8) {
	if percentage > 100 {
		percentage = 100
	}
	cmd := m.newLocalCommand(command.TypeProgress)
	cmd.Body.(*command.ProgressBody).Percentage = percentage
	m.s.Listener.OnProgress(cmd.PlayerID, percentage)
	m.SendLocalCommand(cmd, m.othersMask())
}

// LoadProgressComplete 广播本地加载完成
func (m *ConnectionManager) LoadProgressComplete() {
	cmd := m.newLocalCommand(command.TypeLoadComplete)
	m.s.Listener.OnLoadComplete(cmd.PlayerID)
	m.SendLocalCommand(cmd, m.othersMask())
}

// SendTimeOutGameStart 通知所有人开局等待超时
func (m *ConnectionManager) SendTimeOutGameStart() {
	cmd := m.newLocalCommand(command.TypeTimeOutStart)
	m.s.Listener.OnTimeOutGameStart(cmd.PlayerID)
	m.SendLocalCommand(cmd, m.othersMask())
}
