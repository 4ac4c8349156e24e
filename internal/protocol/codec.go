// =============================================================================
// 文件: internal/protocol/codec.go
// 描述: 命令包编解码 - 标签前缀 + 相对上一条命令的增量省略 + 'Z' 重复
// =============================================================================

package protocol

import (
	"fmt"

	"github.com/mrcgq/lockstep/internal/command"
)

// =============================================================================
// 编码状态
// =============================================================================

// encoderState 包内 "上一条命令" 状态，初始全零
type encoderState struct {
	typ    command.Type
	frame  uint32
	relay  uint8
	player uint8
	id     uint16
	last   *command.Command

	// standalone 为真时写出全部头部标签且不使用 'Z'
	standalone bool
}

// canRepeat 判断能否用单字节 'Z' 表示该命令
func (st *encoderState) canRepeat(ref *command.Ref) bool {
	if st.standalone || st.last == nil {
		return false
	}
	cmd, last := ref.Command, st.last
	if cmd.Type != last.Type || cmd.PlayerID != st.player {
		return false
	}

	switch {
	case cmd.Type == command.TypeFrameInfo:
		body := cmd.Body.(*command.FrameInfoBody)
		return body.CommandCount == 0 &&
			cmd.ExecutionFrame == st.frame+1 &&
			ref.Relay == st.relay &&
			cmd.ID == st.id+1
	case cmd.Type.IsAck():
		cur, prev := cmd.Body.(*command.AckBody), last.Body.(*command.AckBody)
		return cur.CommandID == prev.CommandID+1 &&
			cur.OriginalPlayerID == prev.OriginalPlayerID
	}
	return false
}

// commit 把命令登记为 "上一条命令"
func (st *encoderState) commit(cmd *command.Command, relay uint8) {
	t := cmd.Type
	st.typ = t
	if t.HasHeader(command.TagFrame) {
		st.frame = cmd.ExecutionFrame
	}
	if t.HasHeader(command.TagRelay) {
		st.relay = relay
	}
	st.player = cmd.PlayerID
	if t.RequiresCommandID() {
		st.id = cmd.ID
	}
	st.last = cmd
}

// emit 写出单条命令，写出与尺寸估算共用此函数
func emit(s sink, st *encoderState, ref *command.Ref) error {
	cmd := ref.Command
	if !cmd.Type.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownType, cmd.Type)
	}

	if st.canRepeat(ref) {
		s.u8(byte(command.TagRepeat))
		st.commit(cmd, ref.Relay)
		return nil
	}

	// 先基于旧状态决定各标签是否写出
	all := st.standalone
	for _, tag := range cmd.Type.Header() {
		switch tag {
		case command.TagType:
			if all || cmd.Type != st.typ {
				s.u8(byte(tag))
				s.u8(uint8(cmd.Type))
			}
		case command.TagFrame:
			if all || cmd.ExecutionFrame != st.frame {
				s.u8(byte(tag))
				s.u32(cmd.ExecutionFrame)
			}
		case command.TagRelay:
			if all || ref.Relay != st.relay {
				s.u8(byte(tag))
				s.u8(ref.Relay)
			}
		case command.TagPlayer:
			if all || cmd.PlayerID != st.player {
				s.u8(byte(tag))
				s.u8(cmd.PlayerID)
			}
		case command.TagCommandID:
			if all || st.id+1 != cmd.ID || cmd.PlayerID != st.player {
				s.u8(byte(tag))
				s.u16(cmd.ID)
			}
		}
	}

	s.u8(byte(command.TagData))
	w := &fieldWriter{s: s}
	cmd.Body.Fields(w)
	if w.err != nil {
		return fmt.Errorf("编码 %s: %w", cmd, w.err)
	}

	st.commit(cmd, ref.Relay)
	return nil
}

// =============================================================================
// 命令包
// =============================================================================

// Packet 正在组装的命令包
type Packet struct {
	buf      []byte
	st       encoderState
	commands int
}

// NewPacket 创建空包
func NewPacket() *Packet {
	return &Packet{buf: make([]byte, 0, MaxPacketSize)}
}

// EncodedSize 把 ref 追加到当前包需要的字节数
func (p *Packet) EncodedSize(ref *command.Ref) (int, error) {
	st := p.st
	c := &countSink{}
	if err := emit(c, &st, ref); err != nil {
		return 0, err
	}
	return c.n, nil
}

// IsRoomFor 必须在 AddCommand 之前调用，不修改包状态
func (p *Packet) IsRoomFor(ref *command.Ref) bool {
	n, err := p.EncodedSize(ref)
	return err == nil && len(p.buf)+n <= MaxPacketSize
}

// AddCommand 空间不足或无法编码时返回 false，包保持不变
func (p *Packet) AddCommand(ref *command.Ref) bool {
	if !p.IsRoomFor(ref) {
		return false
	}
	w := &bufSink{buf: p.buf}
	if err := emit(w, &p.st, ref); err != nil {
		return false
	}
	p.buf = w.buf
	p.commands++
	return true
}

// Bytes 已编码的负载
func (p *Packet) Bytes() []byte {
	return p.buf
}

// Len 负载长度
func (p *Packet) Len() int {
	return len(p.buf)
}

// NumCommands 包内命令数
func (p *Packet) NumCommands() int {
	return p.commands
}

// IsEmpty 是否没有任何命令
func (p *Packet) IsEmpty() bool {
	return p.commands == 0
}

// Reset 清空以便复用
func (p *Packet) Reset() {
	p.buf = p.buf[:0]
	p.st = encoderState{}
	p.commands = 0
}

// =============================================================================
// 独立编码 (用于分块)
// =============================================================================

// EncodeStandalone 写出带完整头部的单条命令
func EncodeStandalone(ref *command.Ref) ([]byte, error) {
	st := encoderState{standalone: true}
	w := &bufSink{}
	if err := emit(w, &st, ref); err != nil {
		return nil, err
	}
	return w.buf, nil
}

// StandaloneSize 独立编码长度
func StandaloneSize(ref *command.Ref) (int, error) {
	st := encoderState{standalone: true}
	c := &countSink{}
	if err := emit(c, &st, ref); err != nil {
		return 0, err
	}
	return c.n, nil
}

// DecodeStandalone 解析独立编码的单条命令
func DecodeStandalone(data []byte) (*command.Ref, error) {
	refs, err := Decode(data)
	if err != nil {
		return nil, err
	}
	if len(refs) != 1 {
		return nil, fmt.Errorf("%w: 期望 1 条命令, 实际 %d", ErrMalformedPacket, len(refs))
	}
	return refs[0], nil
}

// =============================================================================
// 解码
// =============================================================================

// decoderState 与 encoderState 对称，nextID 初始为 1
type decoderState struct {
	typ    command.Type
	frame  uint32
	relay  uint8
	player uint8
	nextID uint16
	last   *command.Command
}

// pendingHeader 当前命令已读到的显式头部字段
type pendingHeader struct {
	typ, frame, relay, player, id bool

	typVal    command.Type
	frameVal  uint32
	relayVal  uint8
	playerVal uint8
	idVal     uint16
}

func (h *pendingHeader) any() bool {
	return h.typ || h.frame || h.relay || h.player || h.id
}

// Decode 解析命令包，按包内顺序返回命令
// 遇到未知标签/类型或截断时返回已解析部分，其余内容丢弃
func Decode(data []byte) ([]*command.Ref, error) {
	r := &fieldReader{data: data}
	st := decoderState{nextID: 1}
	var (
		refs []*command.Ref
		h    pendingHeader
	)

	for r.remaining() > 0 {
		tag := command.HeaderTag(r.u8())
		switch tag {
		case command.TagType:
			t := command.Type(r.u8())
			if r.err == nil && !t.Valid() {
				return refs, fmt.Errorf("%w: %d (偏移 %d)", ErrUnknownType, uint8(t), r.off-1)
			}
			h.typ, h.typVal = true, t
		case command.TagFrame:
			h.frame, h.frameVal = true, r.u32()
		case command.TagRelay:
			h.relay, h.relayVal = true, r.u8()
		case command.TagPlayer:
			h.player, h.playerVal = true, r.u8()
		case command.TagCommandID:
			h.id, h.idVal = true, r.u16()
		case command.TagRepeat:
			if h.any() {
				return refs, fmt.Errorf("%w: 'Z' 前存在未完成的头部", ErrBadRepeat)
			}
			ref, err := st.repeat()
			if err != nil {
				return refs, err
			}
			refs = append(refs, ref)
		case command.TagData:
			ref, err := st.build(&h, r)
			if err != nil {
				return refs, err
			}
			refs = append(refs, ref)
			h = pendingHeader{}
		default:
			return refs, fmt.Errorf("%w: 0x%02X (偏移 %d)", ErrUnknownTag, byte(tag), r.off-1)
		}
		if r.err != nil {
			return refs, r.err
		}
	}

	if h.any() {
		return refs, fmt.Errorf("%w: 头部后缺少载荷", ErrTruncated)
	}
	return refs, nil
}

// build 合并显式头部与继承状态，读取载荷
func (st *decoderState) build(h *pendingHeader, r *fieldReader) (*command.Ref, error) {
	t := st.typ
	if h.typ {
		t = h.typVal
	}
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, uint8(t))
	}

	cmd := &command.Command{Type: t, PlayerID: st.player}
	if h.player {
		cmd.PlayerID = h.playerVal
	}

	var relay uint8
	if t.HasHeader(command.TagRelay) {
		relay = st.relay
		if h.relay {
			relay = h.relayVal
		}
	}
	if t.HasHeader(command.TagFrame) {
		cmd.ExecutionFrame = st.frame
		if h.frame {
			cmd.ExecutionFrame = h.frameVal
		}
	}
	if t.RequiresCommandID() {
		cmd.ID = st.nextID
		if h.id {
			cmd.ID = h.idVal
		}
	}

	body, err := command.NewBody(t)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownType, err)
	}
	body.Fields(r)
	if r.err != nil {
		return nil, fmt.Errorf("解析 %s 载荷: %w", t, r.err)
	}
	cmd.Body = body

	st.commit(cmd, relay)
	return command.NewRef(cmd, relay), nil
}

// repeat 还原 'Z' 表示的命令
func (st *decoderState) repeat() (*command.Ref, error) {
	last := st.last
	if last == nil {
		return nil, fmt.Errorf("%w: 包内没有上一条命令", ErrBadRepeat)
	}

	var cmd *command.Command
	relay := uint8(0)
	switch {
	case last.Type == command.TypeFrameInfo:
		cmd = &command.Command{
			Type:           command.TypeFrameInfo,
			PlayerID:       st.player,
			ExecutionFrame: st.frame + 1,
			ID:             st.nextID,
			Body:           &command.FrameInfoBody{},
		}
		relay = st.relay
	case last.Type.IsAck():
		prev := last.Body.(*command.AckBody)
		cmd = &command.Command{
			Type:     last.Type,
			PlayerID: st.player,
			Body: &command.AckBody{
				CommandID:        prev.CommandID + 1,
				OriginalPlayerID: prev.OriginalPlayerID,
			},
		}
	default:
		return nil, fmt.Errorf("%w: 上一条命令类型 %s", ErrBadRepeat, last.Type)
	}

	st.commit(cmd, relay)
	return command.NewRef(cmd, relay), nil
}

func (st *decoderState) commit(cmd *command.Command, relay uint8) {
	t := cmd.Type
	st.typ = t
	if t.HasHeader(command.TagFrame) {
		st.frame = cmd.ExecutionFrame
	}
	if t.HasHeader(command.TagRelay) {
		st.relay = relay
	}
	st.player = cmd.PlayerID
	if t.RequiresCommandID() {
		st.nextID = cmd.ID + 1
	}
	st.last = cmd
}
