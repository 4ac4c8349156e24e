// =============================================================================
// 文件: internal/transport/udp.go
// 描述: UDP 传输 - 读协程 + 有界接收队列，发送走调用方线程
// =============================================================================
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/mrcgq/lockstep/internal/protocol"
)

const (
	defaultReadBufferSize  = 1024 * 1024
	defaultWriteBufferSize = 1024 * 1024
	readDeadline           = time.Second

	// 连续读错误时的退避区间
	minReadBackoff = 5 * time.Millisecond
	maxReadBackoff = time.Second
)

// readBackoff 连续读错误的指数退避，成功读取后归零
type readBackoff struct {
	delay    time.Duration
	failures int
}

func (b *readBackoff) next() time.Duration {
	b.failures++
	if b.delay == 0 {
		b.delay = minReadBackoff
	} else {
		b.delay *= 2
	}
	if b.delay > maxReadBackoff {
		b.delay = maxReadBackoff
	}
	return b.delay
}

func (b *readBackoff) reset() {
	b.delay = 0
	b.failures = 0
}

// UDPTransport UDP 数据报传输
type UDPTransport struct {
	addr string
	log  zerolog.Logger

	conn   *net.UDPConn
	inbox  *inbox
	stats  *counters
	cancel context.CancelFunc
	group  *errgroup.Group

	// 对端地址解析缓存 string -> *net.UDPAddr
	resolved sync.Map

	running int32
}

// NewUDPTransport 监听 addr 并启动读协程
func NewUDPTransport(ctx context.Context, addr string, log zerolog.Logger) (*UDPTransport, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("解析地址 %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("监听 %s: %w", addr, err)
	}
	if err := conn.SetReadBuffer(defaultReadBufferSize); err != nil {
		log.Warn().Err(err).Msg("读缓冲区设置失败")
	}
	if err := conn.SetWriteBuffer(defaultWriteBufferSize); err != nil {
		log.Warn().Err(err).Msg("写缓冲区设置失败")
	}

	stats := &counters{}
	t := &UDPTransport{
		addr:  conn.LocalAddr().String(),
		log:   log,
		conn:  conn,
		stats: stats,
		inbox: newInbox(stats),
	}

	ctx, t.cancel = context.WithCancel(ctx)
	t.group, ctx = errgroup.WithContext(ctx)
	atomic.StoreInt32(&t.running, 1)
	t.group.Go(func() error { return t.readLoop(ctx) })

	t.log.Info().Str("addr", t.addr).Msg("UDP 传输已启动")
	return t, nil
}

// readLoop 读取循环，1 秒读超时用于检查退出
func (t *UDPTransport) readLoop(ctx context.Context) error {
	buf := make([]byte, 65535)
	var backoff readBackoff

	for atomic.LoadInt32(&t.running) == 1 {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		_ = t.conn.SetReadDeadline(time.Now().Add(readDeadline))
		n, addr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if atomic.LoadInt32(&t.running) == 0 || errors.Is(err, net.ErrClosed) {
				return nil
			}
			d := backoff.next()
			ev := t.log.Debug()
			if backoff.failures == 1 || d == maxReadBackoff {
				ev = t.log.Warn()
			}
			ev.Err(err).Int("failures", backoff.failures).Dur("retry_in", d).Msg("读取失败")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(d):
			}
			continue
		}
		backoff.reset()
		if n == 0 {
			continue
		}

		if !t.inbox.deliver(buf[:n], addr.String(), time.Now()) {
			t.log.Debug().Str("from", addr.String()).Int("len", n).Msg("数据报被丢弃")
		}
	}
	return nil
}

// SendRaw 发送一个已封装的数据报
func (t *UDPTransport) SendRaw(data []byte, addr string) error {
	if atomic.LoadInt32(&t.running) == 0 {
		return ErrClosed
	}
	if len(data) > protocol.MaxDatagramSize {
		return fmt.Errorf("%w: %d", ErrDatagramTooBig, len(data))
	}

	raddr, err := t.resolve(addr)
	if err != nil {
		t.stats.sendError()
		return err
	}
	if _, err := t.conn.WriteToUDP(data, raddr); err != nil {
		t.stats.sendError()
		return fmt.Errorf("WriteToUDP %s: %w", addr, err)
	}
	t.stats.sent(len(data), time.Now())
	return nil
}

func (t *UDPTransport) resolve(addr string) (*net.UDPAddr, error) {
	if v, ok := t.resolved.Load(addr); ok {
		return v.(*net.UDPAddr), nil
	}
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnknownPeer, addr, err)
	}
	t.resolved.Store(addr, raddr)
	return raddr, nil
}

// Receive 取走接收队列
func (t *UDPTransport) Receive() []Datagram {
	return t.inbox.drain()
}

// LocalAddr 实际监听地址
func (t *UDPTransport) LocalAddr() string {
	return t.addr
}

// Stats 统计快照
func (t *UDPTransport) Stats() Stats {
	return t.stats.snapshot(time.Now())
}

// Close 停止读协程并关闭 socket
func (t *UDPTransport) Close() error {
	if !atomic.CompareAndSwapInt32(&t.running, 1, 0) {
		return nil
	}
	t.cancel()
	err := t.conn.Close()
	if werr := t.group.Wait(); werr != nil && err == nil {
		err = werr
	}
	t.log.Info().Str("addr", t.addr).Msg("UDP 传输已停止")
	return err
}
