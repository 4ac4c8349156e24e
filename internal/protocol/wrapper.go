// =============================================================================
// 文件: internal/protocol/wrapper.go
// 描述: 大命令分块与重组
// =============================================================================

package protocol

import (
	"fmt"

	"github.com/bits-and-blooms/bitset"

	"github.com/mrcgq/lockstep/internal/command"
)

// =============================================================================
// 分块容量
// =============================================================================

var (
	// WrapperOverhead 不含数据的分块命令独立编码长度
	WrapperOverhead = mustStandaloneSize(command.NewRef(command.New(command.TypeWrapper, 0), 0))

	// ChunkCapacity 单个分块可携带的数据量
	ChunkCapacity = MaxPacketSize - WrapperOverhead
)

func mustStandaloneSize(ref *command.Ref) int {
	n, err := StandaloneSize(ref)
	if err != nil {
		panic(err)
	}
	return n
}

// NeedsWrapping 命令是否无法放进一个空包
func NeedsWrapping(ref *command.Ref) bool {
	return !NewPacket().IsRoomFor(ref)
}

// =============================================================================
// 分块
// =============================================================================

// BuildWrapperCommands 把命令拆成若干分块命令
// 被拆分的命令必须带命令 ID，每个分块分配新 ID
func BuildWrapperCommands(ref *command.Ref, ids *command.IDGenerator) ([]*command.Command, error) {
	cmd := ref.Command
	if !cmd.Type.RequiresCommandID() {
		return nil, fmt.Errorf("%s 不带命令 ID，无法分块", cmd.Type)
	}
	data, err := EncodeStandalone(ref)
	if err != nil {
		return nil, fmt.Errorf("分块编码: %w", err)
	}
	if len(data) > MaxWrappedSize {
		return nil, fmt.Errorf("%w: 分块总长 %d > %d", ErrOversized, len(data), MaxWrappedSize)
	}
	return WrapBuffer(data, cmd, ids), nil
}

// WrapBuffer 按 ChunkCapacity 切分缓冲区
// 分块继承 tmpl 的玩家与执行帧，WrappedCommandID 为 tmpl.ID
func WrapBuffer(data []byte, tmpl *command.Command, ids *command.IDGenerator) []*command.Command {
	numChunks := (len(data) + ChunkCapacity - 1) / ChunkCapacity
	if numChunks == 0 {
		numChunks = 1
	}

	out := make([]*command.Command, 0, numChunks)
	for i := 0; i < numChunks; i++ {
		start := i * ChunkCapacity
		end := start + ChunkCapacity
		if end > len(data) {
			end = len(data)
		}
		out = append(out, &command.Command{
			Type:           command.TypeWrapper,
			PlayerID:       tmpl.PlayerID,
			ExecutionFrame: tmpl.ExecutionFrame,
			ID:             ids.Next(),
			Body: &command.WrapperBody{
				WrappedCommandID: tmpl.ID,
				ChunkNumber:      uint32(i),
				NumChunks:        uint32(numChunks),
				TotalDataLength:  uint32(len(data)),
				DataOffset:       uint32(start),
				Data:             data[start:end],
			},
		})
	}
	return out
}

// =============================================================================
// 重组
// =============================================================================

type wrapKey struct {
	player uint8
	id     uint16
}

type wrapEntry struct {
	data      []byte
	received  *bitset.BitSet
	numChunks uint32
}

func (e *wrapEntry) complete() bool {
	return uint32(e.received.Count()) == e.numChunks
}

// Reassembler 按 (玩家, 被包装命令 ID) 收集分块
type Reassembler struct {
	entries map[wrapKey]*wrapEntry
	ready   []wrapKey
}

// NewReassembler 创建重组器
func NewReassembler() *Reassembler {
	return &Reassembler{entries: make(map[wrapKey]*wrapEntry)}
}

// Add 收录一个分块，重复分块被忽略
func (r *Reassembler) Add(cmd *command.Command) error {
	body, ok := cmd.Body.(*command.WrapperBody)
	if !ok || cmd.Type != command.TypeWrapper {
		return fmt.Errorf("不是分块命令: %s", cmd)
	}
	if body.NumChunks == 0 || body.ChunkNumber >= body.NumChunks {
		return fmt.Errorf("分块序号无效: %d/%d", body.ChunkNumber, body.NumChunks)
	}
	if body.TotalDataLength > MaxWrappedSize {
		return fmt.Errorf("%w: 分块总长 %d", ErrOversized, body.TotalDataLength)
	}
	if uint64(body.DataOffset)+uint64(len(body.Data)) > uint64(body.TotalDataLength) {
		return fmt.Errorf("分块越界: offset=%d len=%d total=%d",
			body.DataOffset, len(body.Data), body.TotalDataLength)
	}

	key := wrapKey{player: cmd.PlayerID, id: body.WrappedCommandID}
	e, exists := r.entries[key]
	if !exists {
		e = &wrapEntry{
			data:      make([]byte, body.TotalDataLength),
			received:  bitset.New(uint(body.NumChunks)),
			numChunks: body.NumChunks,
		}
		r.entries[key] = e
	} else if e.numChunks != body.NumChunks || uint32(len(e.data)) != body.TotalDataLength {
		return fmt.Errorf("分块元数据不一致: player=%d id=%d", cmd.PlayerID, body.WrappedCommandID)
	}

	if e.received.Test(uint(body.ChunkNumber)) {
		return nil
	}
	copy(e.data[body.DataOffset:], body.Data)
	e.received.Set(uint(body.ChunkNumber))

	if e.complete() {
		r.ready = append(r.ready, key)
	}
	return nil
}

// IsComplete 所有分块是否到齐
func (r *Reassembler) IsComplete(player uint8, wrappedID uint16) bool {
	e, ok := r.entries[wrapKey{player, wrappedID}]
	return ok && e.complete()
}

// PercentComplete 已到达分块的百分比，未知命令返回 0
func (r *Reassembler) PercentComplete(player uint8, wrappedID uint16) int {
	e, ok := r.entries[wrapKey{player, wrappedID}]
	if !ok || e.numChunks == 0 {
		return 0
	}
	return int(uint64(e.received.Count()) * 100 / uint64(e.numChunks))
}

// Buffer 已完成的重组缓冲区
func (r *Reassembler) Buffer(player uint8, wrappedID uint16) ([]byte, bool) {
	e, ok := r.entries[wrapKey{player, wrappedID}]
	if !ok || !e.complete() {
		return nil, false
	}
	return e.data, true
}

// ReadyCommands 解析并移除所有已完成的缓冲区
// 解析失败的缓冲区同样被移除，错误一并返回
func (r *Reassembler) ReadyCommands() ([]*command.Ref, []error) {
	var (
		refs []*command.Ref
		errs []error
	)
	for _, key := range r.ready {
		e, ok := r.entries[key]
		if !ok {
			continue
		}
		delete(r.entries, key)
		ref, err := DecodeStandalone(e.data)
		if err != nil {
			errs = append(errs, fmt.Errorf("重组 player=%d id=%d: %w", key.player, key.id, err))
			continue
		}
		refs = append(refs, ref)
	}
	r.ready = r.ready[:0]
	return refs, errs
}

// Pending 未完成的重组数
func (r *Reassembler) Pending() int {
	return len(r.entries)
}

// Reset 清空
func (r *Reassembler) Reset() {
	r.entries = make(map[wrapKey]*wrapEntry)
	r.ready = nil
}
