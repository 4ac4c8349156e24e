// =============================================================================
// 文件: internal/protocol/protocol.go
// 描述: 数据报封装 - crc32 + magic + 命令包负载
// =============================================================================

package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

// =============================================================================
// 常量定义
// =============================================================================

const (
	// MaxPacketSize 单个命令包负载上限
	MaxPacketSize = 476

	// PacketMagic 数据报魔数
	PacketMagic uint16 = 0xF00D

	// DatagramHeaderSize CRC(4) + Magic(2)
	DatagramHeaderSize = 6

	// MaxDatagramSize 单个数据报上限
	MaxDatagramSize = DatagramHeaderSize + MaxPacketSize

	// MaxWrappedSize 分块重组的最大总长度
	MaxWrappedSize = 16 * 1024 * 1024
)

// =============================================================================
// 错误定义
// =============================================================================

var (
	ErrShortDatagram = errors.New("数据报过短")
	ErrBadMagic      = errors.New("魔数不匹配")
	ErrBadCRC        = errors.New("CRC 校验失败")
	ErrOversized     = errors.New("负载超过包大小上限")

	// ErrMalformedPacket 包内容无法继续解析，剩余部分被丢弃
	ErrMalformedPacket = errors.New("畸形数据包")
	ErrUnknownTag      = fmt.Errorf("%w: 未知标签", ErrMalformedPacket)
	ErrUnknownType     = fmt.Errorf("%w: 未知命令类型", ErrMalformedPacket)
	ErrTruncated       = fmt.Errorf("%w: 数据截断", ErrMalformedPacket)
	ErrBadRepeat       = fmt.Errorf("%w: 无法重复上一条命令", ErrMalformedPacket)
	ErrBadArgs         = fmt.Errorf("%w: 参数表无效", ErrMalformedPacket)
)

// =============================================================================
// 数据报封装
// =============================================================================

// EncodeDatagram 封装负载
// 格式: CRC32(4, 覆盖负载) + Magic(2) + Payload(N)，小端
func EncodeDatagram(payload []byte) ([]byte, error) {
	if len(payload) > MaxPacketSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrOversized, len(payload), MaxPacketSize)
	}
	out := make([]byte, DatagramHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(out[0:4], crc32.ChecksumIEEE(payload))
	binary.LittleEndian.PutUint16(out[4:6], PacketMagic)
	copy(out[DatagramHeaderSize:], payload)
	return out, nil
}

// DecodeDatagram 校验并剥离封装，返回负载
func DecodeDatagram(data []byte) ([]byte, error) {
	if len(data) < DatagramHeaderSize {
		return nil, fmt.Errorf("%w: %d < %d", ErrShortDatagram, len(data), DatagramHeaderSize)
	}
	if magic := binary.LittleEndian.Uint16(data[4:6]); magic != PacketMagic {
		return nil, fmt.Errorf("%w: 0x%04X", ErrBadMagic, magic)
	}
	payload := data[DatagramHeaderSize:]
	if len(payload) > MaxPacketSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrOversized, len(payload), MaxPacketSize)
	}
	if sum := binary.LittleEndian.Uint32(data[0:4]); sum != crc32.ChecksumIEEE(payload) {
		return nil, ErrBadCRC
	}
	return payload, nil
}

// IsDatagram 快速判断是否可能是本协议的数据报
func IsDatagram(data []byte) bool {
	return len(data) >= DatagramHeaderSize &&
		binary.LittleEndian.Uint16(data[4:6]) == PacketMagic
}
