// =============================================================================
// 文件: internal/connection/connection.go
// 描述: 单个远端槽位的连接 - 发送队列、批量打包、重发、确认与时延采样
// =============================================================================
package connection

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/mrcgq/lockstep/internal/clock"
	"github.com/mrcgq/lockstep/internal/command"
	"github.com/mrcgq/lockstep/internal/protocol"
	"github.com/mrcgq/lockstep/internal/telemetry"
)

// =============================================================================
// 协作者与配置
// =============================================================================

// User 远端玩家
type User struct {
	Name string
	Addr string
}

// Sender 原始数据报发送方，由传输层实现
type Sender interface {
	SendRaw(data []byte, addr string) error
}

// Config 连接参数
type Config struct {
	RetryMin      time.Duration
	RetryMax      time.Duration
	FrameGrouping time.Duration
	DedupWindow   int
}

// DefaultConfig 默认参数
func DefaultConfig() Config {
	return Config{
		RetryMin:      100 * time.Millisecond,
		RetryMax:      2 * time.Second,
		FrameGrouping: 0,
		DedupWindow:   defaultDedupWindow,
	}
}

// Stats 连接统计
type Stats struct {
	PacketsSent     uint64
	BytesSent       uint64
	CommandsSent    uint64
	Retries         uint64
	AcksReceived    uint64
	DroppedCommands uint64
	SendErrors      uint64
}

// =============================================================================
// Connection
// =============================================================================

// Connection 到一个远端槽位的可靠命令通道
// 只在驱动线程上使用
type Connection struct {
	slot      uint8
	user      User
	sender    Sender
	clock     clock.Clock
	ids       *command.IDGenerator
	log       zerolog.Logger
	cfg       Config
	commands  *command.List
	dedup     *DedupFilter
	rtt       *telemetry.RTTEstimator
	retryTime time.Duration

	frameGrouping time.Duration
	lastTimeSent  time.Time
	quitting      bool

	stats Stats
}

// New 创建连接
// ids 为会话级命令 ID 生成器，分块命令从中取 ID
func New(slot uint8, user User, sender Sender, clk clock.Clock, ids *command.IDGenerator, log zerolog.Logger, cfg Config) *Connection {
	d := DefaultConfig()
	if cfg.RetryMin <= 0 {
		cfg.RetryMin = d.RetryMin
	}
	if cfg.RetryMax < cfg.RetryMin {
		cfg.RetryMax = d.RetryMax
	}
	c := &Connection{
		slot:          slot,
		user:          user,
		sender:        sender,
		clock:         clk,
		ids:           ids,
		log:           log.With().Uint8("slot", slot).Str("addr", user.Addr).Logger(),
		cfg:           cfg,
		commands:      command.NewList(),
		dedup:         NewDedupFilter(cfg.DedupWindow),
		rtt:           telemetry.NewRTTEstimator(),
		frameGrouping: cfg.FrameGrouping,
	}
	c.retryTime = c.rtt.RetryTimeout(cfg.RetryMin, cfg.RetryMax)
	return c
}

// Slot 对端槽位
func (c *Connection) Slot() uint8 { return c.slot }

// User 对端玩家
func (c *Connection) User() User { return c.user }

// =============================================================================
// 发送
// =============================================================================

// SendCommand 把命令放入发送队列
// 放不进空包的命令被拆成分块命令，按相同掩码排队
func (c *Connection) SendCommand(cmd *command.Command, relay uint8) {
	if c.quitting {
		return
	}

	ref := command.NewRef(cmd, relay)
	if protocol.NeedsWrapping(ref) {
		chunks, err := protocol.BuildWrapperCommands(ref, c.ids)
		if err != nil {
			c.stats.DroppedCommands++
			c.log.Warn().Err(err).Stringer("cmd", cmd).Msg("命令无法分块，已丢弃")
			return
		}
		for _, chunk := range chunks {
			c.commands.AddRef(chunk, relay)
		}
		c.log.Debug().Stringer("cmd", cmd).Int("chunks", len(chunks)).Msg("大命令已分块")
		return
	}

	c.commands.AddRef(cmd, relay)
}

// DoSend 按帧分组节奏打包并发送队列中到期的命令，返回发出的包数
func (c *Connection) DoSend() int {
	now := c.clock.Now()
	if !c.lastTimeSent.IsZero() && now.Sub(c.lastTimeSent) < c.frameGrouping {
		return 0
	}
	return c.send(now)
}

// Flush 立即发送，不受帧分组限制
func (c *Connection) Flush() int {
	return c.send(c.clock.Now())
}

func (c *Connection) due(ref *command.Ref, now time.Time) bool {
	return !ref.Sent() || now.Sub(ref.TimeLastSent) >= c.retryTime
}

func (c *Connection) send(now time.Time) int {
	sentPackets := 0
	pkt := protocol.NewPacket()

	for {
		pkt.Reset()
		var oversized *command.Ref

		for ref := c.commands.Front(); ref != nil; {
			next := ref.Next()
			if !c.due(ref, now) {
				ref = next
				continue
			}
			if !pkt.AddCommand(ref) {
				if pkt.IsEmpty() {
					oversized = ref
				}
				break
			}

			if ref.Sent() {
				ref.Retries++
				c.stats.Retries++
			}
			ref.TimeLastSent = now
			c.stats.CommandsSent++
			if !ref.Command.Type.RequiresAck() {
				c.commands.Remove(ref)
			}
			ref = next
		}

		if oversized != nil {
			// 入队时已分块，这里只剩无法编码的命令
			c.stats.DroppedCommands++
			c.log.Warn().Stringer("cmd", oversized.Command).Msg("命令无法放入空包，已丢弃")
			c.commands.Remove(oversized)
			continue
		}
		if pkt.IsEmpty() {
			break
		}

		if err := c.transmit(pkt.Bytes()); err != nil {
			c.stats.SendErrors++
			c.log.Debug().Err(err).Msg("发送失败，等待重发")
		}
		sentPackets++
	}

	if sentPackets > 0 {
		c.lastTimeSent = now
	}
	return sentPackets
}

func (c *Connection) transmit(payload []byte) error {
	data, err := protocol.EncodeDatagram(payload)
	if err != nil {
		return fmt.Errorf("封装数据报: %w", err)
	}
	if err := c.sender.SendRaw(data, c.user.Addr); err != nil {
		return fmt.Errorf("发送到 %s: %w", c.user.Addr, err)
	}
	c.stats.PacketsSent++
	c.stats.BytesSent += uint64(len(data))
	return nil
}

// =============================================================================
// 确认
// =============================================================================

// ProcessAck 一阶确认：从发送队列移除被确认的命令并返回其引用
// 重发过的命令不产生时延样本
func (c *Connection) ProcessAck(ack *command.Command) *command.Ref {
	body, ok := ack.Body.(*command.AckBody)
	if !ok {
		return nil
	}
	ref := c.commands.FindByID(body.CommandID, body.OriginalPlayerID)
	if ref == nil {
		return nil
	}
	c.commands.Remove(ref)
	c.stats.AcksReceived++

	if ref.Retries == 0 && ref.Sent() {
		c.rtt.Update(c.clock.Now().Sub(ref.TimeLastSent))
		c.retryTime = c.rtt.RetryTimeout(c.cfg.RetryMin, c.cfg.RetryMax)
	}
	return ref
}

// AcceptIncoming 入站去重，范围外的命令总是接受
func (c *Connection) AcceptIncoming(cmd *command.Command) bool {
	if !InDedupScope(cmd.Type) {
		return true
	}
	return c.dedup.CheckAndMark(cmd)
}

// =============================================================================
// 队列与状态
// =============================================================================

// ClearCommandsExceptFrom 只保留来自指定玩家的命令
func (c *Connection) ClearCommandsExceptFrom(player uint8) {
	for ref := c.commands.Front(); ref != nil; {
		next := ref.Next()
		if ref.Command.PlayerID != player {
			c.commands.Remove(ref)
		}
		ref = next
	}
}

// IsQueueEmpty 发送队列是否为空
func (c *Connection) IsQueueEmpty() bool {
	return c.commands.IsEmpty()
}

// QueueLen 发送队列长度
func (c *Connection) QueueLen() int {
	return c.commands.Len()
}

// SetQuitting 标记为退出中，不再接受新命令
func (c *Connection) SetQuitting() {
	c.quitting = true
}

// IsQuitting 是否退出中
func (c *Connection) IsQuitting() bool {
	return c.quitting
}

// SetFrameGrouping 设置发送节奏
func (c *Connection) SetFrameGrouping(d time.Duration) {
	if d < 0 {
		d = 0
	}
	c.frameGrouping = d
}

// FrameGrouping 当前发送节奏
func (c *Connection) FrameGrouping() time.Duration {
	return c.frameGrouping
}

// AverageLatency 平滑往返时延
func (c *Connection) AverageLatency() time.Duration {
	return c.rtt.SmoothedRTT()
}

// RetryTime 当前重发间隔
func (c *Connection) RetryTime() time.Duration {
	return c.retryTime
}

// Stats 统计快照
func (c *Connection) Stats() Stats {
	return c.stats
}

// GetStats 获取统计信息
func (c *Connection) GetStats() map[string]interface{} {
	ds := c.dedup.Stats()
	return map[string]interface{}{
		"slot":             c.slot,
		"name":             c.user.Name,
		"addr":             c.user.Addr,
		"queue_len":        c.commands.Len(),
		"quitting":         c.quitting,
		"frame_grouping":   c.frameGrouping.String(),
		"retry_time_ms":    c.retryTime.Milliseconds(),
		"packets_sent":     c.stats.PacketsSent,
		"bytes_sent":       c.stats.BytesSent,
		"commands_sent":    c.stats.CommandsSent,
		"retries":          c.stats.Retries,
		"acks_received":    c.stats.AcksReceived,
		"dropped_commands": c.stats.DroppedCommands,
		"send_errors":      c.stats.SendErrors,
		"dedup_duplicates": ds.Duplicates,
		"dedup_bloom_hits": ds.BloomHits,
		"rtt":              c.rtt.GetStats(),
	}
}
