package connection

import (
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrcgq/lockstep/internal/clock"
	"github.com/mrcgq/lockstep/internal/command"
	"github.com/mrcgq/lockstep/internal/protocol"
)

type captureSender struct {
	datagrams [][]byte
	addrs     []string
}

func (s *captureSender) SendRaw(data []byte, addr string) error {
	s.datagrams = append(s.datagrams, append([]byte(nil), data...))
	s.addrs = append(s.addrs, addr)
	return nil
}

func (s *captureSender) decodeAll(t *testing.T) []*command.Ref {
	t.Helper()
	var out []*command.Ref
	for _, d := range s.datagrams {
		payload, err := protocol.DecodeDatagram(d)
		require.NoError(t, err)
		refs, err := protocol.Decode(payload)
		require.NoError(t, err)
		out = append(out, refs...)
	}
	s.datagrams = nil
	s.addrs = nil
	return out
}

func newTestConnection(t *testing.T) (*Connection, *captureSender, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(time.Unix(1700000000, 0))
	s := &captureSender{}
	c := New(1, User{Name: "bob", Addr: "peer1"}, s, clk, command.NewIDGenerator(), zerolog.Nop(), DefaultConfig())
	return c, s, clk
}

func chat(player uint8, id uint16, text string) *command.Command {
	cmd := command.New(command.TypeChat, player)
	cmd.ID = id
	cmd.Body.(*command.ChatBody).Text = text
	return cmd
}

func TestConnectionSendAndRetain(t *testing.T) {
	c, s, _ := newTestConnection(t)

	c.SendCommand(chat(0, 7, "hi"), 0x02)
	c.SendCommand(command.New(command.TypeKeepAlive, 0), 0x02)
	require.Equal(t, 2, c.QueueLen())

	assert.Equal(t, 1, c.DoSend())
	require.Equal(t, []string{"peer1"}, s.addrs)

	refs := s.decodeAll(t)
	require.Len(t, refs, 2)
	// 列表按类型排序
	assert.Equal(t, command.TypeKeepAlive, refs[0].Command.Type)
	assert.Equal(t, command.TypeChat, refs[1].Command.Type)
	assert.Equal(t, uint8(0x02), refs[1].Relay)

	// 保活不需要确认，发出即移除
	assert.Equal(t, 1, c.QueueLen())
}

func TestConnectionRetry(t *testing.T) {
	c, s, clk := newTestConnection(t)
	assert.Equal(t, 400*time.Millisecond, c.RetryTime())

	c.SendCommand(chat(0, 1, "x"), 0x02)
	require.Equal(t, 1, c.Flush())
	s.decodeAll(t)

	clk.Advance(300 * time.Millisecond)
	assert.Equal(t, 0, c.Flush())

	clk.Advance(100 * time.Millisecond)
	assert.Equal(t, 1, c.Flush())
	refs := s.decodeAll(t)
	require.Len(t, refs, 1)
	assert.Equal(t, uint16(1), refs[0].Command.ID)
	assert.Equal(t, uint64(1), c.Stats().Retries)
}

func TestConnectionProcessAck(t *testing.T) {
	t.Run("时延采样", func(t *testing.T) {
		c, _, clk := newTestConnection(t)
		cmd := chat(0, 5, "x")
		c.SendCommand(cmd, 0x02)
		c.Flush()

		clk.Advance(100 * time.Millisecond)
		ref := c.ProcessAck(command.NewAck(command.TypeAckStage1, cmd, 1))
		require.NotNil(t, ref)
		assert.Same(t, cmd, ref.Command)
		assert.True(t, c.IsQueueEmpty())
		assert.Equal(t, 100*time.Millisecond, c.AverageLatency())
		assert.Equal(t, 200*time.Millisecond, c.RetryTime())
	})

	t.Run("重发后不采样", func(t *testing.T) {
		c, _, clk := newTestConnection(t)
		cmd := chat(0, 5, "x")
		c.SendCommand(cmd, 0x02)
		c.Flush()
		clk.Advance(400 * time.Millisecond)
		c.Flush()

		clk.Advance(10 * time.Millisecond)
		require.NotNil(t, c.ProcessAck(command.NewAck(command.TypeAckStage1, cmd, 1)))
		assert.Equal(t, 200*time.Millisecond, c.AverageLatency())
		assert.Equal(t, 400*time.Millisecond, c.RetryTime())
	})

	t.Run("未知命令", func(t *testing.T) {
		c, _, _ := newTestConnection(t)
		assert.Nil(t, c.ProcessAck(command.NewAck(command.TypeAckStage1, chat(3, 9, ""), 1)))
		assert.Nil(t, c.ProcessAck(chat(0, 1, "")))
	})
}

func TestConnectionWrapsOversizedCommand(t *testing.T) {
	c, s, _ := newTestConnection(t)
	big := chat(0, 42, strings.Repeat("a", 255))

	c.SendCommand(big, 0x02)
	require.Greater(t, c.QueueLen(), 1)

	c.Flush()
	refs := s.decodeAll(t)
	require.Equal(t, c.QueueLen(), len(refs))

	r := protocol.NewReassembler()
	for _, ref := range refs {
		require.Equal(t, command.TypeWrapper, ref.Command.Type)
		require.NoError(t, r.Add(ref.Command))
	}
	ready, errs := r.ReadyCommands()
	require.Empty(t, errs)
	require.Len(t, ready, 1)
	assert.Equal(t, command.TypeChat, ready[0].Command.Type)
	assert.Equal(t, uint16(42), ready[0].Command.ID)
	assert.Equal(t, strings.Repeat("a", 255), ready[0].Command.Body.(*command.ChatBody).Text)
}

func TestConnectionFrameGrouping(t *testing.T) {
	c, s, clk := newTestConnection(t)
	c.SetFrameGrouping(100 * time.Millisecond)

	c.SendCommand(chat(0, 1, "a"), 0x02)
	assert.Equal(t, 1, c.DoSend())

	c.SendCommand(chat(0, 2, "b"), 0x02)
	clk.Advance(50 * time.Millisecond)
	assert.Equal(t, 0, c.DoSend())

	clk.Advance(50 * time.Millisecond)
	assert.Equal(t, 1, c.DoSend())
	refs := s.decodeAll(t)
	require.Len(t, refs, 2)
	assert.Equal(t, uint16(2), refs[1].Command.ID)
}

func TestConnectionQueueControl(t *testing.T) {
	c, _, _ := newTestConnection(t)
	c.SendCommand(chat(0, 1, "a"), 0x02)
	c.SendCommand(chat(2, 1, "b"), 0x02)
	c.SendCommand(chat(2, 2, "c"), 0x02)

	c.ClearCommandsExceptFrom(2)
	assert.Equal(t, 2, c.QueueLen())

	c.SetQuitting()
	assert.True(t, c.IsQuitting())
	c.SendCommand(chat(2, 3, "d"), 0x02)
	assert.Equal(t, 2, c.QueueLen())
}

func TestAcceptIncoming(t *testing.T) {
	c, _, _ := newTestConnection(t)

	assert.True(t, c.AcceptIncoming(chat(1, 3, "x")))
	assert.False(t, c.AcceptIncoming(chat(1, 3, "x")))
	assert.True(t, c.AcceptIncoming(chat(2, 3, "x")))

	gc := command.New(command.TypeGameCommand, 1)
	gc.ID = 3
	assert.True(t, c.AcceptIncoming(gc))
	assert.True(t, c.AcceptIncoming(gc))
}

func TestDedupFilterWindow(t *testing.T) {
	f := NewDedupFilter(2)
	a, b, d := chat(1, 1, ""), chat(1, 2, ""), chat(1, 3, "")

	assert.True(t, f.CheckAndMark(a))
	assert.True(t, f.CheckAndMark(b))
	assert.False(t, f.CheckAndMark(a))
	assert.True(t, f.CheckAndMark(d))
	assert.Equal(t, 2, f.Len())

	// a 已离开精确窗口，迟到的重传仍被布隆分片拦截
	assert.False(t, f.CheckAndMark(a))
	assert.False(t, f.CheckAndMark(d))

	st := f.Stats()
	assert.Equal(t, uint64(3), st.Duplicates)
	assert.Equal(t, uint64(2), st.ExactHits)
	assert.Equal(t, uint64(1), st.BloomHits)

	f.Reset()
	assert.Equal(t, 0, f.Len())
	assert.Equal(t, DedupStats{}, f.Stats())
	assert.True(t, f.CheckAndMark(a))
	assert.True(t, f.CheckAndMark(d))
}

func TestDedupFilterHorizon(t *testing.T) {
	f := NewDedupFilter(2)
	require.Equal(t, 6, f.Horizon())

	a := chat(1, 1, "")
	require.True(t, f.CheckAndMark(a))
	require.True(t, f.CheckAndMark(chat(1, 2, "")))
	require.True(t, f.CheckAndMark(chat(1, 3, "")))

	// 视野内的旧键一直被拒绝
	for id := uint16(10); id < 15; id++ {
		require.True(t, f.CheckAndMark(chat(1, id, "")), "id %d", id)
		assert.False(t, f.CheckAndMark(a), "after id %d", id)
	}

	// 第四次轮转清空了 a 所在的分片
	require.True(t, f.CheckAndMark(chat(1, 15, "")))
	assert.Equal(t, uint64(4), f.Stats().Rotations)
	assert.True(t, f.CheckAndMark(a))
}

func TestDedupFilterCapacityClamp(t *testing.T) {
	assert.Equal(t, defaultDedupWindow*(dedupSlices-1), NewDedupFilter(0).Horizon())
	assert.Equal(t, MaxDedupWindow*(dedupSlices-1), NewDedupFilter(1<<20).Horizon())
	// 精确窗口与全部分片加起来不超过命令 ID 空间
	assert.Less(t, MaxDedupWindow*(dedupSlices+1), 1<<16)
}
