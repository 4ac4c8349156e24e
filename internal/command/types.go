// =============================================================================
// 文件: internal/command/types.go
// 描述: 网络命令类型与类型特征表
// =============================================================================
package command

import "fmt"

// =============================================================================
// 常量定义
// =============================================================================

const (
	// MaxSlots 最大玩家槽位数，中继掩码为单字节
	MaxSlots = 8

	// BasePort UDP 基础端口，实际端口 = BasePort + slot
	BasePort = 8088

	// AllSlotsMask 全部槽位的中继掩码
	AllSlotsMask uint8 = 0xff
)

// Type 网络命令类型，声明顺序即列表排序顺序
type Type uint8

const (
	TypeAckBoth Type = iota
	TypeAckStage1
	TypeAckStage2
	TypeFrameInfo
	TypeGameCommand
	TypePlayerLeave
	TypeRunAheadMetrics
	TypeRunAhead
	TypeDestroyPlayer
	TypeKeepAlive
	TypeDisconnectChat
	TypeChat
	TypeProgress
	TypeLoadComplete
	TypeTimeOutStart
	TypeWrapper
	TypeFile
	TypeFileAnnounce
	TypeFileProgress
	TypeFrameResendRequest

	// 断线子协议命名空间
	TypeDisconnectStart
	TypeDisconnectKeepAlive
	TypeDisconnectPlayer
	TypePacketRouterQuery
	TypePacketRouterAck
	TypeDisconnectVote
	TypeDisconnectFrame
	TypeDisconnectScreenOff
	TypeDisconnectEnd

	typeCount
)

// HeaderTag 线上头部字段标签
type HeaderTag byte

const (
	TagType      HeaderTag = 'T'
	TagFrame     HeaderTag = 'F'
	TagRelay     HeaderTag = 'R'
	TagPlayer    HeaderTag = 'P'
	TagCommandID HeaderTag = 'C'
	TagData      HeaderTag = 'D'
	TagRepeat    HeaderTag = 'Z'
)

// =============================================================================
// 类型特征表
// =============================================================================

type traits struct {
	name         string
	requiresID   bool
	synchronized bool
	directSend   bool
	header       []HeaderTag
	newBody      func() Body
}

var (
	headerAck       = []HeaderTag{TagType, TagPlayer}
	headerFramed    = []HeaderTag{TagType, TagFrame, TagRelay, TagPlayer, TagCommandID}
	headerRelayed   = []HeaderTag{TagType, TagRelay, TagFrame, TagPlayer, TagCommandID}
	headerUntracked = []HeaderTag{TagType, TagRelay, TagPlayer}
	headerTracked   = []HeaderTag{TagType, TagRelay, TagPlayer, TagCommandID}
)

var typeTraits = [typeCount]traits{
	TypeAckBoth:             {name: "AckBoth", header: headerAck, newBody: func() Body { return &AckBody{} }},
	TypeAckStage1:           {name: "AckStage1", header: headerAck, newBody: func() Body { return &AckBody{} }},
	TypeAckStage2:           {name: "AckStage2", header: headerAck, newBody: func() Body { return &AckBody{} }},
	TypeFrameInfo:           {name: "FrameInfo", requiresID: true, header: headerFramed, newBody: func() Body { return &FrameInfoBody{} }},
	TypeGameCommand:         {name: "GameCommand", requiresID: true, synchronized: true, header: headerFramed, newBody: func() Body { return &GameCommandBody{} }},
	TypePlayerLeave:         {name: "PlayerLeave", requiresID: true, synchronized: true, header: headerRelayed, newBody: func() Body { return &PlayerLeaveBody{} }},
	TypeRunAheadMetrics:     {name: "RunAheadMetrics", requiresID: true, header: headerTracked, newBody: func() Body { return &RunAheadMetricsBody{} }},
	TypeRunAhead:            {name: "RunAhead", requiresID: true, synchronized: true, header: headerRelayed, newBody: func() Body { return &RunAheadBody{} }},
	TypeDestroyPlayer:       {name: "DestroyPlayer", requiresID: true, synchronized: true, header: headerRelayed, newBody: func() Body { return &DestroyPlayerBody{} }},
	TypeKeepAlive:           {name: "KeepAlive", directSend: true, header: headerUntracked, newBody: func() Body { return &EmptyBody{} }},
	TypeDisconnectChat:      {name: "DisconnectChat", directSend: true, header: headerUntracked, newBody: func() Body { return &DisconnectChatBody{} }},
	TypeChat:                {name: "Chat", requiresID: true, header: headerFramed, newBody: func() Body { return &ChatBody{} }},
	TypeProgress:            {name: "Progress", header: headerUntracked, newBody: func() Body { return &ProgressBody{} }},
	TypeLoadComplete:        {name: "LoadComplete", requiresID: true, header: headerTracked, newBody: func() Body { return &EmptyBody{} }},
	TypeTimeOutStart:        {name: "TimeOutStart", requiresID: true, header: headerTracked, newBody: func() Body { return &EmptyBody{} }},
	TypeWrapper:             {name: "Wrapper", requiresID: true, header: headerTracked, newBody: func() Body { return &WrapperBody{} }},
	TypeFile:                {name: "File", requiresID: true, header: headerTracked, newBody: func() Body { return &FileBody{} }},
	TypeFileAnnounce:        {name: "FileAnnounce", requiresID: true, header: headerTracked, newBody: func() Body { return &FileAnnounceBody{} }},
	TypeFileProgress:        {name: "FileProgress", requiresID: true, header: headerTracked, newBody: func() Body { return &FileProgressBody{} }},
	TypeFrameResendRequest:  {name: "FrameResendRequest", requiresID: true, directSend: true, header: headerTracked, newBody: func() Body { return &FrameBody{} }},
	TypeDisconnectStart:     {name: "DisconnectStart", directSend: true, header: headerUntracked, newBody: func() Body { return &EmptyBody{} }},
	TypeDisconnectKeepAlive: {name: "DisconnectKeepAlive", directSend: true, header: headerUntracked, newBody: func() Body { return &EmptyBody{} }},
	TypeDisconnectPlayer:    {name: "DisconnectPlayer", requiresID: true, directSend: true, header: headerTracked, newBody: func() Body { return &DisconnectPlayerBody{} }},
	TypePacketRouterQuery:   {name: "PacketRouterQuery", directSend: true, header: headerUntracked, newBody: func() Body { return &EmptyBody{} }},
	TypePacketRouterAck:     {name: "PacketRouterAck", directSend: true, header: headerUntracked, newBody: func() Body { return &EmptyBody{} }},
	TypeDisconnectVote:      {name: "DisconnectVote", requiresID: true, directSend: true, header: headerTracked, newBody: func() Body { return &DisconnectVoteBody{} }},
	TypeDisconnectFrame:     {name: "DisconnectFrame", requiresID: true, directSend: true, header: headerTracked, newBody: func() Body { return &FrameBody{} }},
	TypeDisconnectScreenOff: {name: "DisconnectScreenOff", requiresID: true, directSend: true, header: headerTracked, newBody: func() Body { return &FrameBody{} }},
	TypeDisconnectEnd:       {name: "DisconnectEnd", directSend: true, header: headerUntracked, newBody: func() Body { return &EmptyBody{} }},
}

// =============================================================================
// 类型查询
// =============================================================================

// Valid 类型是否在已知集合内
func (t Type) Valid() bool {
	return t < typeCount
}

// String 实现 fmt.Stringer
func (t Type) String() string {
	if !t.Valid() {
		return fmt.Sprintf("Unknown(%d)", uint8(t))
	}
	return typeTraits[t].name
}

// RequiresCommandID 是否需要命令 ID
func (t Type) RequiresCommandID() bool {
	return t.Valid() && typeTraits[t].requiresID
}

// RequiresAck 需要 ID 的命令即需要确认
func (t Type) RequiresAck() bool {
	return t.RequiresCommandID()
}

// IsSynchronized 是否归入帧聚合器并在指定帧执行
func (t Type) IsSynchronized() bool {
	return t.Valid() && typeTraits[t].synchronized
}

// RequiresDirectSend 是否绕过包路由器直接发送
func (t Type) RequiresDirectSend() bool {
	return t.Valid() && typeTraits[t].directSend
}

// IsAck 是否为确认类命令
func (t Type) IsAck() bool {
	return t == TypeAckBoth || t == TypeAckStage1 || t == TypeAckStage2
}

// IsDisconnect 是否属于断线子协议
func (t Type) IsDisconnect() bool {
	return t > TypeDisconnectStart && t < TypeDisconnectEnd
}

// Header 返回该类型写入的头部标签
func (t Type) Header() []HeaderTag {
	if !t.Valid() {
		return nil
	}
	return typeTraits[t].header
}

// HasHeader 头部是否包含某标签
func (t Type) HasHeader(tag HeaderTag) bool {
	for _, h := range t.Header() {
		if h == tag {
			return true
		}
	}
	return false
}

// NewBody 创建该类型的空载荷
func NewBody(t Type) (Body, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("未知命令类型: %d", uint8(t))
	}
	return typeTraits[t].newBody(), nil
}
