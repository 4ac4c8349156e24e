// =============================================================================
// 文件: internal/command/command.go
// 描述: 网络命令模型 - 公共头部 + 按类型声明的载荷字段
// =============================================================================
package command

import "fmt"

// =============================================================================
// 字段声明
// =============================================================================

// FieldVisitor 载荷字段访问器
// 编码器读取指针内容，解码器写入指针内容，尺寸估算器只计数
type FieldVisitor interface {
	Uint8(p *uint8)
	Uint16(p *uint16)
	Uint32(p *uint32)
	Int32(p *int32)
	Float32(p *float32)
	// WideString u8 字符数 + UTF-16LE 文本
	WideString(p *string)
	// CString 以 0 结尾的字节串
	CString(p *string)
	// Blob u32 长度 + 原始字节
	Blob(p *[]byte)
	// Args 游戏命令参数表
	Args(p *[]Arg)
}

// Body 命令载荷，字段只在 Fields 中声明一次
type Body interface {
	Fields(v FieldVisitor)
}

// =============================================================================
// 命令
// =============================================================================

// Command 网络命令，交给容器后视为不可变
type Command struct {
	Type           Type
	ExecutionFrame uint32
	PlayerID       uint8
	ID             uint16
	Body           Body
}

// New 创建指定类型的命令，载荷为空值
func New(t Type, player uint8) *Command {
	body, err := NewBody(t)
	if err != nil {
		panic(err)
	}
	return &Command{Type: t, PlayerID: player, Body: body}
}

// SortNumber 排序键，确认类命令按被确认的命令 ID 排序
func (c *Command) SortNumber() uint16 {
	if ack, ok := c.Body.(*AckBody); ok && c.Type.IsAck() {
		return ack.CommandID
	}
	return c.ID
}

// Same 去重相等性
func (c *Command) Same(o *Command) bool {
	if c.Type != o.Type || c.PlayerID != o.PlayerID {
		return false
	}
	if c.Type.IsAck() {
		a, b := c.Body.(*AckBody), o.Body.(*AckBody)
		return a.CommandID == b.CommandID && a.OriginalPlayerID == b.OriginalPlayerID
	}
	if c.Type.RequiresCommandID() {
		return c.ID == o.ID
	}
	return c == o
}

// String 实现 fmt.Stringer
func (c *Command) String() string {
	return fmt.Sprintf("%s(player=%d id=%d frame=%d)", c.Type, c.PlayerID, c.ID, c.ExecutionFrame)
}

// NewAck 为 cmd 创建确认命令
func NewAck(t Type, cmd *Command, from uint8) *Command {
	if !t.IsAck() {
		panic(fmt.Sprintf("NewAck: %s 不是确认类型", t))
	}
	return &Command{
		Type:     t,
		PlayerID: from,
		Body:     &AckBody{CommandID: cmd.ID, OriginalPlayerID: cmd.PlayerID},
	}
}

// =============================================================================
// 载荷类型
// =============================================================================

// EmptyBody 无载荷
type EmptyBody struct{}

func (*EmptyBody) Fields(FieldVisitor) {}

// AckBody 确认载荷
type AckBody struct {
	CommandID        uint16
	OriginalPlayerID uint8
}

func (b *AckBody) Fields(v FieldVisitor) {
	v.Uint16(&b.CommandID)
	v.Uint8(&b.OriginalPlayerID)
}

// FrameInfoBody 帧信息：该玩家在该帧的命令数
type FrameInfoBody struct {
	CommandCount uint16
}

func (b *FrameInfoBody) Fields(v FieldVisitor) {
	v.Uint16(&b.CommandCount)
}

// GameCommandBody 模拟层命令
type GameCommandBody struct {
	MessageType uint32
	Args        []Arg
}

func (b *GameCommandBody) Fields(v FieldVisitor) {
	v.Uint32(&b.MessageType)
	v.Args(&b.Args)
}

// PlayerLeaveBody 玩家离开
type PlayerLeaveBody struct {
	LeavingPlayerID uint8
}

func (b *PlayerLeaveBody) Fields(v FieldVisitor) {
	v.Uint8(&b.LeavingPlayerID)
}

// RunAheadMetricsBody 提前量遥测
type RunAheadMetricsBody struct {
	AverageLatency float32
	AverageFPS     uint16
}

func (b *RunAheadMetricsBody) Fields(v FieldVisitor) {
	v.Float32(&b.AverageLatency)
	v.Uint16(&b.AverageFPS)
}

// RunAheadBody 提前量调整
type RunAheadBody struct {
	RunAhead  uint16
	FrameRate uint8
}

func (b *RunAheadBody) Fields(v FieldVisitor) {
	v.Uint16(&b.RunAhead)
	v.Uint8(&b.FrameRate)
}

// DestroyPlayerBody 销毁玩家
type DestroyPlayerBody struct {
	PlayerIndex uint32
}

func (b *DestroyPlayerBody) Fields(v FieldVisitor) {
	v.Uint32(&b.PlayerIndex)
}

// ChatBody 聊天
type ChatBody struct {
	Text       string
	PlayerMask int32
}

func (b *ChatBody) Fields(v FieldVisitor) {
	v.WideString(&b.Text)
	v.Int32(&b.PlayerMask)
}

// DisconnectChatBody 断线界面聊天
type DisconnectChatBody struct {
	Text string
}

func (b *DisconnectChatBody) Fields(v FieldVisitor) {
	v.WideString(&b.Text)
}

// DisconnectPlayerBody 断开指定槽位
type DisconnectPlayerBody struct {
	Slot            uint8
	DisconnectFrame uint32
}

func (b *DisconnectPlayerBody) Fields(v FieldVisitor) {
	v.Uint8(&b.Slot)
	v.Uint32(&b.DisconnectFrame)
}

// DisconnectVoteBody 断线投票
type DisconnectVoteBody struct {
	Slot      uint8
	VoteFrame uint32
}

func (b *DisconnectVoteBody) Fields(v FieldVisitor) {
	v.Uint8(&b.Slot)
	v.Uint32(&b.VoteFrame)
}

// FrameBody 只带一个帧号 (断线帧 / 关闭断线界面 / 帧重发请求)
type FrameBody struct {
	Frame uint32
}

func (b *FrameBody) Fields(v FieldVisitor) {
	v.Uint32(&b.Frame)
}

// ProgressBody 加载进度
type ProgressBody struct {
	Percentage uint8
}

func (b *ProgressBody) Fields(v FieldVisitor) {
	v.Uint8(&b.Percentage)
}

// WrapperBody 大命令分块
type WrapperBody struct {
	WrappedCommandID uint16
	ChunkNumber      uint32
	NumChunks        uint32
	TotalDataLength  uint32
	DataOffset       uint32
	Data             []byte
}

func (b *WrapperBody) Fields(v FieldVisitor) {
	v.Uint16(&b.WrappedCommandID)
	v.Uint32(&b.ChunkNumber)
	v.Uint32(&b.NumChunks)
	v.Uint32(&b.TotalDataLength)
	v.Uint32(&b.DataOffset)
	v.Blob(&b.Data)
}

// FileBody 文件传输
type FileBody struct {
	Filename string
	Data     []byte
}

func (b *FileBody) Fields(v FieldVisitor) {
	v.CString(&b.Filename)
	v.Blob(&b.Data)
}

// FileAnnounceBody 文件传输预告
type FileAnnounceBody struct {
	Filename   string
	FileID     uint16
	PlayerMask uint8
}

func (b *FileAnnounceBody) Fields(v FieldVisitor) {
	v.CString(&b.Filename)
	v.Uint16(&b.FileID)
	v.Uint8(&b.PlayerMask)
}

// FileProgressBody 文件传输进度
type FileProgressBody struct {
	FileID   uint16
	Progress int32
}

func (b *FileProgressBody) Fields(v FieldVisitor) {
	v.Uint16(&b.FileID)
	v.Int32(&b.Progress)
}
