// =============================================================================
// 文件: internal/transport/memory.go
// 描述: 进程内网络 - 模拟器与测试使用，可按规则丢包
// =============================================================================
package transport

import (
	"fmt"
	"sync"
	"time"

	"github.com/mrcgq/lockstep/internal/clock"
	"github.com/mrcgq/lockstep/internal/protocol"
)

// DropFilter 返回 true 时丢弃 from -> to 的数据报
type DropFilter func(from, to string, data []byte) bool

// MemoryNetwork 进程内数据报网络，发送即投递到对端接收队列
type MemoryNetwork struct {
	mu        sync.RWMutex
	endpoints map[string]*MemoryTransport
	drop      DropFilter
	clock     clock.Clock
}

// NewMemoryNetwork 创建进程内网络
func NewMemoryNetwork(clk clock.Clock) *MemoryNetwork {
	if clk == nil {
		clk = clock.System{}
	}
	return &MemoryNetwork{
		endpoints: make(map[string]*MemoryTransport),
		clock:     clk,
	}
}

// Endpoint 在 addr 上创建端点，地址重复时返回错误
func (n *MemoryNetwork) Endpoint(addr string) (*MemoryTransport, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.endpoints[addr]; ok {
		return nil, fmt.Errorf("地址已被占用: %s", addr)
	}
	stats := &counters{}
	t := &MemoryTransport{
		net:   n,
		addr:  addr,
		stats: stats,
		inbox: newInbox(stats),
	}
	n.endpoints[addr] = t
	return t, nil
}

// SetDropFilter 设置丢包规则，nil 表示不丢包
func (n *MemoryNetwork) SetDropFilter(f DropFilter) {
	n.mu.Lock()
	n.drop = f
	n.mu.Unlock()
}

// Isolate 丢弃进出 addr 的全部数据报
func (n *MemoryNetwork) Isolate(addr string) {
	n.SetDropFilter(func(from, to string, _ []byte) bool {
		return from == addr || to == addr
	})
}

// Heal 恢复全部链路
func (n *MemoryNetwork) Heal() {
	n.SetDropFilter(nil)
}

func (n *MemoryNetwork) route(from, to string, data []byte) error {
	n.mu.RLock()
	dst, ok := n.endpoints[to]
	drop := n.drop
	n.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, to)
	}
	if drop != nil && drop(from, to, data) {
		return nil
	}
	dst.inbox.deliver(data, from, n.clock.Now())
	return nil
}

func (n *MemoryNetwork) remove(addr string) {
	n.mu.Lock()
	delete(n.endpoints, addr)
	n.mu.Unlock()
}

// MemoryTransport 进程内网络上的一个端点
type MemoryTransport struct {
	net   *MemoryNetwork
	addr  string
	inbox *inbox
	stats *counters

	mu     sync.Mutex
	closed bool
}

// SendRaw 投递到目标端点；被丢弃的数据报不报错
func (t *MemoryTransport) SendRaw(data []byte, addr string) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if len(data) > protocol.MaxDatagramSize {
		return fmt.Errorf("%w: %d", ErrDatagramTooBig, len(data))
	}

	if err := t.net.route(t.addr, addr, data); err != nil {
		t.stats.sendError()
		return err
	}
	t.stats.sent(len(data), t.now())
	return nil
}

func (t *MemoryTransport) now() time.Time {
	return t.net.clock.Now()
}

// Receive 取走接收队列
func (t *MemoryTransport) Receive() []Datagram {
	return t.inbox.drain()
}

// LocalAddr 端点地址
func (t *MemoryTransport) LocalAddr() string {
	return t.addr
}

// Stats 统计快照
func (t *MemoryTransport) Stats() Stats {
	return t.stats.snapshot(t.now())
}

// Close 从网络中移除
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.net.remove(t.addr)
	return nil
}
