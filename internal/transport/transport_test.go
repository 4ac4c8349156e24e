// =============================================================================
// 文件: internal/transport/transport_test.go
// 描述: 传输层测试
// =============================================================================
package transport

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/mrcgq/lockstep/internal/clock"
	"github.com/mrcgq/lockstep/internal/protocol"
)

func mustDatagram(t *testing.T, payload []byte) []byte {
	t.Helper()
	d, err := protocol.EncodeDatagram(payload)
	if err != nil {
		t.Fatalf("封装失败: %v", err)
	}
	return d
}

func TestInboxValidation(t *testing.T) {
	stats := &counters{}
	in := newInbox(stats)
	now := time.Unix(1700000000, 0)

	good := mustDatagram(t, []byte{'T', 9})
	if !in.deliver(good, "a", now) {
		t.Fatal("合法数据报应入队")
	}

	bad := append([]byte(nil), good...)
	bad[len(bad)-1] ^= 0xff
	if in.deliver(bad, "a", now) {
		t.Error("CRC 错误的数据报不应入队")
	}
	if in.deliver([]byte{1, 2, 3}, "a", now) {
		t.Error("过短的数据报不应入队")
	}

	s := stats.snapshot(now)
	if s.PacketsRecv != 1 || s.UnknownPackets != 2 || s.BadCRC != 1 {
		t.Errorf("统计不正确: %+v", s)
	}

	got := in.drain()
	if len(got) != 1 || !bytes.Equal(got[0].Payload, []byte{'T', 9}) || got[0].Addr != "a" {
		t.Errorf("取出内容不正确: %+v", got)
	}
	if in.drain() != nil {
		t.Error("队列应已清空")
	}
}

func TestInboxOverflow(t *testing.T) {
	stats := &counters{}
	in := newInbox(stats)
	now := time.Unix(1700000000, 0)
	d := mustDatagram(t, []byte{'T', 9})

	for i := 0; i < MaxMessages+5; i++ {
		in.deliver(d, "a", now)
	}
	if n := len(in.drain()); n != MaxMessages {
		t.Errorf("队列长度: got %d, want %d", n, MaxMessages)
	}
	if s := stats.snapshot(now); s.PacketsDropped != 5 {
		t.Errorf("丢弃数: got %d, want 5", s.PacketsDropped)
	}
}

func TestRateWindow(t *testing.T) {
	var w rateWindow
	start := time.Unix(1700000000, 0)

	for i := 0; i < 10; i++ {
		w.add(300, start.Add(time.Duration(i)*time.Second))
	}
	if got := w.perSecond(start.Add(9 * time.Second)); got != 100 {
		t.Errorf("每秒平均: got %v, want 100", got)
	}

	// 窗口滑过后旧桶不再计入
	if got := w.perSecond(start.Add(45 * time.Second)); got != 0 {
		t.Errorf("过期后: got %v, want 0", got)
	}
}

func TestMemoryNetwork(t *testing.T) {
	clk := clock.NewManual(time.Unix(1700000000, 0))
	n := NewMemoryNetwork(clk)

	a, err := n.Endpoint("a")
	if err != nil {
		t.Fatal(err)
	}
	b, _ := n.Endpoint("b")
	if _, err := n.Endpoint("a"); err == nil {
		t.Error("重复地址应报错")
	}

	d := mustDatagram(t, []byte("hello"))
	if err := a.SendRaw(d, "b"); err != nil {
		t.Fatalf("发送失败: %v", err)
	}
	got := b.Receive()
	if len(got) != 1 || string(got[0].Payload) != "hello" || got[0].Addr != "a" {
		t.Fatalf("接收不正确: %+v", got)
	}

	n.Isolate("a")
	_ = a.SendRaw(d, "b")
	_ = b.SendRaw(d, "a")
	if len(a.Receive())+len(b.Receive()) != 0 {
		t.Error("隔离后不应收到数据")
	}

	n.Heal()
	_ = b.SendRaw(d, "a")
	if len(a.Receive()) != 1 {
		t.Error("恢复后应收到数据")
	}

	if err := a.SendRaw(d, "nobody"); err == nil {
		t.Error("未知地址应报错")
	}
	if s := a.Stats(); s.SendErrors != 1 {
		t.Errorf("发送错误数: got %d, want 1", s.SendErrors)
	}

	_ = b.Close()
	if err := b.SendRaw(d, "a"); err != ErrClosed {
		t.Errorf("关闭后发送: got %v, want ErrClosed", err)
	}
}

func waitReceive(t *testing.T, tr Transport) []Datagram {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if got := tr.Receive(); len(got) > 0 {
			return got
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("等待数据超时")
	return nil
}

func TestUDPTransportLoopback(t *testing.T) {
	ctx := context.Background()
	a, err := NewUDPTransport(ctx, "127.0.0.1:0", zerolog.Nop())
	if err != nil {
		t.Fatalf("监听失败: %v", err)
	}
	defer a.Close()
	b, err := NewUDPTransport(ctx, "127.0.0.1:0", zerolog.Nop())
	if err != nil {
		t.Fatalf("监听失败: %v", err)
	}
	defer b.Close()

	if err := a.SendRaw(mustDatagram(t, []byte("ping")), b.LocalAddr()); err != nil {
		t.Fatalf("发送失败: %v", err)
	}
	got := waitReceive(t, b)
	if string(got[0].Payload) != "ping" || got[0].Addr != a.LocalAddr() {
		t.Errorf("接收不正确: %q from %s", got[0].Payload, got[0].Addr)
	}

	if err := a.SendRaw(make([]byte, protocol.MaxDatagramSize+1), b.LocalAddr()); err == nil {
		t.Error("超长数据报应报错")
	}
	if s := a.Stats(); s.PacketsSent != 1 {
		t.Errorf("发送数: got %d, want 1", s.PacketsSent)
	}
}

func TestWebSocketTransportLoopback(t *testing.T) {
	ctx := context.Background()
	a, err := NewWebSocketTransport(ctx, WebSocketConfig{ListenAddr: "127.0.0.1:0"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("监听失败: %v", err)
	}
	defer a.Close()
	b, err := NewWebSocketTransport(ctx, WebSocketConfig{ListenAddr: "127.0.0.1:0"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("监听失败: %v", err)
	}
	defer b.Close()

	if err := a.SendRaw(mustDatagram(t, []byte("ping")), b.LocalAddr()); err != nil {
		t.Fatalf("发送失败: %v", err)
	}
	got := waitReceive(t, b)
	if string(got[0].Payload) != "ping" || got[0].Addr != a.LocalAddr() {
		t.Errorf("接收不正确: %q from %s", got[0].Payload, got[0].Addr)
	}

	// 反向复用 a 拨入的连接
	if err := b.SendRaw(mustDatagram(t, []byte("pong")), a.LocalAddr()); err != nil {
		t.Fatalf("发送失败: %v", err)
	}
	got = waitReceive(t, a)
	if string(got[0].Payload) != "pong" || got[0].Addr != b.LocalAddr() {
		t.Errorf("接收不正确: %q from %s", got[0].Payload, got[0].Addr)
	}
}

func TestReadBackoff(t *testing.T) {
	var b readBackoff
	want := []time.Duration{
		5 * time.Millisecond, 10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond,
		80 * time.Millisecond, 160 * time.Millisecond, 320 * time.Millisecond, 640 * time.Millisecond,
		time.Second, time.Second,
	}
	for i, w := range want {
		if got := b.next(); got != w {
			t.Fatalf("第 %d 次: got %v, want %v", i+1, got, w)
		}
	}
	if b.failures != len(want) {
		t.Errorf("failures: got %d, want %d", b.failures, len(want))
	}

	// 持续出错时每秒最多重试一次
	var total time.Duration
	for i := 0; i < 100; i++ {
		total += b.next()
	}
	if total < 100*time.Second {
		t.Errorf("100 次退避总时长过短: %v", total)
	}

	b.reset()
	if got := b.next(); got != minReadBackoff {
		t.Errorf("重置后: got %v, want %v", got, minReadBackoff)
	}
}
