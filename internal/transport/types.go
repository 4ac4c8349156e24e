// =============================================================================
// 文件: internal/transport/types.go
// 描述: 传输层统一类型定义
// =============================================================================
package transport

import (
	"errors"
	"time"
)

const (
	// MaxMessages 接收队列深度，满后新数据报被丢弃
	MaxMessages = 128

	// StatisticsSeconds 吞吐统计窗口秒数
	StatisticsSeconds = 30
)

var (
	ErrClosed         = errors.New("传输层已关闭")
	ErrUnknownPeer    = errors.New("未知对端地址")
	ErrDatagramTooBig = errors.New("数据报超过上限")
)

// Datagram 一个已通过封装校验的数据报
type Datagram struct {
	// Payload 去掉 CRC 与魔数后的命令包负载
	Payload []byte
	// Addr 对端地址，与会话用户表中的地址同一格式
	Addr string
	At   time.Time
}

// Transport 数据报收发
// Receive 非阻塞地取走队列中的全部数据报，只由驱动线程调用
type Transport interface {
	SendRaw(data []byte, addr string) error
	Receive() []Datagram
	LocalAddr() string
	Stats() Stats
	Close() error
}

// Stats 传输统计
type Stats struct {
	PacketsRecv    uint64
	PacketsSent    uint64
	BytesRecv      uint64
	BytesSent      uint64
	PacketsDropped uint64
	UnknownPackets uint64
	UnknownBytes   uint64
	BadCRC         uint64
	SendErrors     uint64

	IncomingBytesPerSec   float64
	OutgoingBytesPerSec   float64
	UnknownBytesPerSec    float64
	IncomingPacketsPerSec float64
	OutgoingPacketsPerSec float64
}

// GetStats 获取统计信息
func (s Stats) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"packets_recv":    s.PacketsRecv,
		"packets_sent":    s.PacketsSent,
		"bytes_recv":      s.BytesRecv,
		"bytes_sent":      s.BytesSent,
		"packets_dropped": s.PacketsDropped,
		"unknown_packets": s.UnknownPackets,
		"bad_crc":         s.BadCRC,
		"send_errors":     s.SendErrors,
		"incoming_bps":    s.IncomingBytesPerSec,
		"outgoing_bps":    s.OutgoingBytesPerSec,
		"unknown_bps":     s.UnknownBytesPerSec,
		"incoming_pps":    s.IncomingPacketsPerSec,
		"outgoing_pps":    s.OutgoingPacketsPerSec,
	}
}
