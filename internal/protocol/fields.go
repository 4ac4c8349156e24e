// =============================================================================
// 文件: internal/protocol/fields.go
// 描述: 载荷字段的写出/计数/读取访问器
// 写出与计数共用同一套 emit 逻辑，估算值与实际写出永远一致
// =============================================================================

package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
	"unicode/utf16"

	"github.com/mrcgq/lockstep/internal/command"
)

const maxWideChars = 0xff

// =============================================================================
// 写出目标
// =============================================================================

type sink interface {
	u8(v uint8)
	u16(v uint16)
	u32(v uint32)
	raw(b []byte)
}

// countSink 只计数
type countSink struct {
	n int
}

func (c *countSink) u8(uint8) { c.n++ }
func (c *countSink) u16(uint16) { c.n += 2 }
func (c *countSink) u32(uint32) { c.n += 4 }
func (c *countSink) raw(b []byte) { c.n += len(b) }

// bufSink 追加到缓冲区
type bufSink struct {
	buf []byte
}

func (b *bufSink) u8(v uint8) { b.buf = append(b.buf, v) }
func (b *bufSink) u16(v uint16) { b.buf = binary.LittleEndian.AppendUint16(b.buf, v) }
func (b *bufSink) u32(v uint32) { b.buf = binary.LittleEndian.AppendUint32(b.buf, v) }
func (b *bufSink) raw(p []byte) { b.buf = append(b.buf, p...) }

// =============================================================================
// 字段写出
// =============================================================================

// fieldWriter 把载荷字段写入 sink
type fieldWriter struct {
	s   sink
	err error
}

func (w *fieldWriter) Uint8(p *uint8) { w.s.u8(*p) }
func (w *fieldWriter) Uint16(p *uint16) { w.s.u16(*p) }
func (w *fieldWriter) Uint32(p *uint32) { w.s.u32(*p) }
func (w *fieldWriter) Int32(p *int32) { w.s.u32(uint32(*p)) }
func (w *fieldWriter) Float32(p *float32) { w.s.u32(math.Float32bits(*p)) }

func (w *fieldWriter) WideString(p *string) {
	units := utf16.Encode([]rune(*p))
	if len(units) > maxWideChars {
		units = units[:maxWideChars]
		// 不拆开代理对
		if last := units[len(units)-1]; last >= 0xd800 && last < 0xdc00 {
			units = units[:len(units)-1]
		}
	}
	w.s.u8(uint8(len(units)))
	for _, u := range units {
		w.s.u16(u)
	}
}

func (w *fieldWriter) CString(p *string) {
	s := *p
	for i := 0; i < len(s); i++ {
		if s[i] == 0 {
			s = s[:i]
			break
		}
	}
	w.s.raw([]byte(s))
	w.s.u8(0)
}

func (w *fieldWriter) Blob(p *[]byte) {
	w.s.u32(uint32(len(*p)))
	w.s.raw(*p)
}

func (w *fieldWriter) Args(p *[]command.Arg) {
	runs := command.Runs(*p)
	if len(runs) > 0xff {
		w.err = fmt.Errorf("参数段过多: %d", len(runs))
		return
	}
	w.s.u8(uint8(len(runs)))
	for _, r := range runs {
		w.s.u8(uint8(r.Type))
		w.s.u8(r.Count)
	}
	for i := range *p {
		w.arg(&(*p)[i])
	}
}

func (w *fieldWriter) arg(a *command.Arg) {
	switch a.Type {
	case command.ArgInteger:
		w.Int32(&a.Int)
	case command.ArgReal:
		w.Float32(&a.Real)
	case command.ArgBoolean:
		var v uint8
		if a.Bool {
			v = 1
		}
		w.s.u8(v)
	case command.ArgObjectID, command.ArgDrawableID, command.ArgTeamID, command.ArgTimestamp:
		w.s.u32(a.ID)
	case command.ArgLocation:
		for i := range a.Location {
			w.Float32(&a.Location[i])
		}
	case command.ArgPixel:
		for i := range a.Pixel {
			w.Int32(&a.Pixel[i])
		}
	case command.ArgPixelRegion:
		for i := range a.Region {
			w.Int32(&a.Region[i])
		}
	case command.ArgWideChar:
		w.s.u16(a.Char)
	default:
		w.err = fmt.Errorf("未知参数类型: %s", a.Type)
	}
}

// =============================================================================
// 字段读取
// =============================================================================

// fieldReader 从字节流读取载荷字段，出错后所有读取变为空操作
type fieldReader struct {
	data []byte
	off  int
	err  error
}

func (r *fieldReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.data) {
		r.err = fmt.Errorf("%w: 需要 %d 字节, 剩余 %d", ErrTruncated, n, len(r.data)-r.off)
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *fieldReader) u8() uint8 {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *fieldReader) u16() uint16 {
	if b := r.take(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (r *fieldReader) u32() uint32 {
	if b := r.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (r *fieldReader) remaining() int {
	return len(r.data) - r.off
}

func (r *fieldReader) Uint8(p *uint8) { *p = r.u8() }
func (r *fieldReader) Uint16(p *uint16) { *p = r.u16() }
func (r *fieldReader) Uint32(p *uint32) { *p = r.u32() }
func (r *fieldReader) Int32(p *int32) { *p = int32(r.u32()) }
func (r *fieldReader) Float32(p *float32) { *p = math.Float32frombits(r.u32()) }

func (r *fieldReader) WideString(p *string) {
	n := int(r.u8())
	units := make([]uint16, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		units = append(units, r.u16())
	}
	*p = string(utf16.Decode(units))
}

func (r *fieldReader) CString(p *string) {
	if r.err != nil {
		return
	}
	for i := r.off; i < len(r.data); i++ {
		if r.data[i] == 0 {
			*p = string(r.data[r.off:i])
			r.off = i + 1
			return
		}
	}
	r.err = fmt.Errorf("%w: 字符串缺少结尾", ErrTruncated)
}

func (r *fieldReader) Blob(p *[]byte) {
	n := r.u32()
	if r.err == nil && int64(n) > int64(r.remaining()) {
		r.err = fmt.Errorf("%w: 块长度 %d 超出剩余 %d", ErrTruncated, n, r.remaining())
		return
	}
	if b := r.take(int(n)); b != nil {
		*p = append([]byte(nil), b...)
	}
}

func (r *fieldReader) Args(p *[]command.Arg) {
	nRuns := int(r.u8())
	runs := make([]command.ArgRun, 0, nRuns)
	total := 0
	for i := 0; i < nRuns && r.err == nil; i++ {
		run := command.ArgRun{Type: command.ArgType(r.u8()), Count: r.u8()}
		if r.err == nil && !run.Type.Valid() {
			r.err = fmt.Errorf("%w: 类型 %d", ErrBadArgs, run.Type)
			return
		}
		runs = append(runs, run)
		total += int(run.Count)
	}
	if r.err != nil {
		return
	}
	// 每个参数至少占一个字节，容量不超过剩余数据
	args := make([]command.Arg, 0, min(total, r.remaining()))
	for _, run := range runs {
		for j := 0; j < int(run.Count) && r.err == nil; j++ {
			args = append(args, r.arg(run.Type))
		}
	}
	if r.err != nil {
		return
	}
	if total == 0 {
		args = nil
	}
	*p = args
}

func (r *fieldReader) arg(t command.ArgType) command.Arg {
	a := command.Arg{Type: t}
	switch t {
	case command.ArgInteger:
		r.Int32(&a.Int)
	case command.ArgReal:
		r.Float32(&a.Real)
	case command.ArgBoolean:
		a.Bool = r.u8() != 0
	case command.ArgObjectID, command.ArgDrawableID, command.ArgTeamID, command.ArgTimestamp:
		a.ID = r.u32()
	case command.ArgLocation:
		for i := range a.Location {
			r.Float32(&a.Location[i])
		}
	case command.ArgPixel:
		for i := range a.Pixel {
			r.Int32(&a.Pixel[i])
		}
	case command.ArgPixelRegion:
		for i := range a.Region {
			r.Int32(&a.Region[i])
		}
	case command.ArgWideChar:
		a.Char = r.u16()
	}
	return a
}
