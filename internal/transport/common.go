// =============================================================================
// 文件: internal/transport/common.go
// 描述: 传输层通用部件 - 接收队列、封装校验、吞吐统计
// =============================================================================
package transport

import (
	"errors"
	"sync"
	"time"

	"github.com/mrcgq/lockstep/internal/protocol"
)

// =============================================================================
// 吞吐窗口
// =============================================================================

// rateWindow 按秒分桶的滑动窗口
type rateWindow struct {
	buckets [StatisticsSeconds]uint64
	stamps  [StatisticsSeconds]int64
}

func (w *rateWindow) add(n uint64, now time.Time) {
	sec := now.Unix()
	idx := int(sec % StatisticsSeconds)
	if w.stamps[idx] != sec {
		w.stamps[idx] = sec
		w.buckets[idx] = 0
	}
	w.buckets[idx] += n
}

// perSecond 窗口内每秒平均值，过期的桶不计入
func (w *rateWindow) perSecond(now time.Time) float64 {
	sec := now.Unix()
	var total uint64
	for i := range w.buckets {
		if sec-w.stamps[i] < StatisticsSeconds {
			total += w.buckets[i]
		}
	}
	return float64(total) / StatisticsSeconds
}

// =============================================================================
// 统计
// =============================================================================

type counters struct {
	mu sync.Mutex
	s  Stats

	inBytes, outBytes, unknownBytes rateWindow
	inPackets, outPackets           rateWindow
}

func (c *counters) recv(n int, now time.Time) {
	c.mu.Lock()
	c.s.PacketsRecv++
	c.s.BytesRecv += uint64(n)
	c.inBytes.add(uint64(n), now)
	c.inPackets.add(1, now)
	c.mu.Unlock()
}

func (c *counters) sent(n int, now time.Time) {
	c.mu.Lock()
	c.s.PacketsSent++
	c.s.BytesSent += uint64(n)
	c.outBytes.add(uint64(n), now)
	c.outPackets.add(1, now)
	c.mu.Unlock()
}

func (c *counters) unknown(n int, badCRC bool, now time.Time) {
	c.mu.Lock()
	c.s.UnknownPackets++
	c.s.UnknownBytes += uint64(n)
	if badCRC {
		c.s.BadCRC++
	}
	c.unknownBytes.add(uint64(n), now)
	c.mu.Unlock()
}

func (c *counters) dropped() {
	c.mu.Lock()
	c.s.PacketsDropped++
	c.mu.Unlock()
}

func (c *counters) sendError() {
	c.mu.Lock()
	c.s.SendErrors++
	c.mu.Unlock()
}

func (c *counters) snapshot(now time.Time) Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.s
	s.IncomingBytesPerSec = c.inBytes.perSecond(now)
	s.OutgoingBytesPerSec = c.outBytes.perSecond(now)
	s.UnknownBytesPerSec = c.unknownBytes.perSecond(now)
	s.IncomingPacketsPerSec = c.inPackets.perSecond(now)
	s.OutgoingPacketsPerSec = c.outPackets.perSecond(now)
	return s
}

// =============================================================================
// 接收队列
// =============================================================================

// inbox 读协程写入、驱动线程取走的有界队列
type inbox struct {
	mu    sync.Mutex
	queue []Datagram
	stats *counters
}

func newInbox(stats *counters) *inbox {
	return &inbox{queue: make([]Datagram, 0, MaxMessages), stats: stats}
}

// deliver 校验封装后入队，返回是否入队
// data 在入队前被复制，调用方可复用缓冲区
func (in *inbox) deliver(data []byte, addr string, now time.Time) bool {
	payload, err := protocol.DecodeDatagram(data)
	if err != nil {
		in.stats.unknown(len(data), errors.Is(err, protocol.ErrBadCRC), now)
		return false
	}
	in.stats.recv(len(data), now)

	in.mu.Lock()
	defer in.mu.Unlock()
	if len(in.queue) >= MaxMessages {
		in.stats.dropped()
		return false
	}
	in.queue = append(in.queue, Datagram{
		Payload: append([]byte(nil), payload...),
		Addr:    addr,
		At:      now,
	})
	return true
}

// drain 取走全部
func (in *inbox) drain() []Datagram {
	in.mu.Lock()
	defer in.mu.Unlock()
	if len(in.queue) == 0 {
		return nil
	}
	out := in.queue
	in.queue = make([]Datagram, 0, MaxMessages)
	return out
}
