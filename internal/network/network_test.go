package network

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrcgq/lockstep/internal/clock"
	"github.com/mrcgq/lockstep/internal/command"
	"github.com/mrcgq/lockstep/internal/manager"
	"github.com/mrcgq/lockstep/internal/protocol"
)

func newTestNetwork(clk *clock.Manual) (*Network, *simLogic) {
	logic := &simLogic{}
	s := &manager.Session{
		Config: manager.DefaultConfig(),
		Clock:  clk,
		Log:    zerolog.Nop(),
		Logic:  logic,
	}
	return New(s), logic
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "pregame", StatusPregame.String())
	assert.Equal(t, "ingame", StatusInGame.String())
	assert.Equal(t, "postgame", StatusPostgame.String())
	assert.Equal(t, "unknown", Status(42).String())
}

func TestExecutionFrameMonotonic(t *testing.T) {
	n, logic := newTestNetwork(clock.NewManual(time.Unix(0, 0)))

	assert.Equal(t, uint32(30), n.ExecutionFrame())
	logic.frame = 5
	assert.Equal(t, uint32(35), n.ExecutionFrame())

	n.applyRunAhead(10, 30)
	assert.Equal(t, 10, n.RunAhead())
	assert.Equal(t, uint32(35), n.ExecutionFrame())

	logic.frame = 40
	assert.Equal(t, uint32(50), n.ExecutionFrame())
}

func TestApplyRunAheadIgnoresZeroRate(t *testing.T) {
	n, _ := newTestNetwork(clock.NewManual(time.Unix(0, 0)))
	n.applyRunAhead(12, 0)
	assert.Equal(t, initialRunAhead, n.RunAhead())
	assert.Equal(t, initialFrameRate, n.FrameRate())
}

func TestTimeForNewFrame(t *testing.T) {
	clk := clock.NewManual(time.Unix(100, 0))
	n, _ := newTestNetwork(clk)

	// 没有缓冲数据时放慢一成: 每帧 36.67ms
	assert.True(t, n.timeForNewFrame())
	assert.True(t, n.timeForNewFrame())
	assert.False(t, n.timeForNewFrame())
	assert.True(t, n.didSelfSlug)

	clk.Advance(36 * time.Millisecond)
	assert.False(t, n.timeForNewFrame())
	clk.Advance(time.Millisecond)
	assert.True(t, n.timeForNewFrame())

	// 落后两帧以上时从当前时刻重新计时
	clk.Advance(time.Second)
	assert.True(t, n.timeForNewFrame())
	assert.True(t, n.timeForNewFrame())
	assert.False(t, n.timeForNewFrame())
}

func TestPregameAdvancesWithoutCommands(t *testing.T) {
	sim, err := NewSimulator(SimConfig{
		Players: 2,
		Frames:  1,
		Step:    5 * time.Millisecond,
		Manager: manager.DefaultConfig(),
		Log:     zerolog.Nop(),
	})
	require.NoError(t, err)
	defer sim.Close()

	nd := sim.Nodes()[0]
	assert.Equal(t, StatusPregame, nd.Net.Status())
	assert.True(t, nd.Net.AllCommandsReady(0))

	require.NoError(t, sim.Run(context.Background(), 100))
	for _, nd := range sim.Nodes() {
		assert.Equal(t, uint32(1), nd.Frame())
		assert.Empty(t, nd.Journal())
	}
}

func TestNewSimulatorRejectsBadPlayerCount(t *testing.T) {
	_, err := NewSimulator(SimConfig{Players: 1})
	assert.Error(t, err)
	_, err = NewSimulator(SimConfig{Players: 9})
	assert.Error(t, err)
}

func TestLockstepJournalsMatch(t *testing.T) {
	cfg := DefaultSimConfig()
	cfg.Frames = 120
	sim, err := NewSimulator(cfg)
	require.NoError(t, err)
	defer sim.Close()

	require.NoError(t, sim.Run(context.Background(), 20000))

	nodes := sim.Nodes()
	want := nodes[0].Journal()
	require.NotEmpty(t, want)
	for _, nd := range nodes[1:] {
		assert.Equal(t, want, nd.Journal(), "node %d", nd.Slot)
	}

	seen := make(map[uint8]bool)
	for _, nd := range nodes {
		assert.Equal(t, StatusInGame, nd.Net.Status())
		assert.Equal(t, cfg.Frames, nd.Frame())
		assert.Zero(t, nd.DisconnectScreens())
	}
	for _, line := range want {
		for slot := range nodes {
			if strings.Contains(line, fmt.Sprintf(" p=%d ", slot)) {
				seen[uint8(slot)] = true
			}
		}
	}
	assert.Len(t, seen, len(nodes))
}

func TestIsolatedPlayerIsRemoved(t *testing.T) {
	cfg := DefaultSimConfig()
	cfg.Frames = 200
	cfg.Manager.DisconnectTime = time.Second
	cfg.Manager.PlayerTimeout = 3 * time.Second
	sim, err := NewSimulator(cfg)
	require.NoError(t, err)
	defer sim.Close()

	ctx := context.Background()
	nodes := sim.Nodes()
	require.NoError(t, sim.RunUntil(ctx, 20000, func() bool {
		for _, nd := range nodes {
			if nd.Frame() < 60 {
				return false
			}
		}
		return true
	}))

	sim.Isolate(1)
	survivors := []*Node{nodes[0], nodes[2], nodes[3]}
	require.NoError(t, sim.RunUntil(ctx, 40000, func() bool {
		return sim.allDone(survivors)
	}))

	want := survivors[0].Journal()
	for _, nd := range survivors {
		assert.Equal(t, []uint8{1}, nd.Destroyed(), "node %d", nd.Slot)
		assert.GreaterOrEqual(t, nd.DisconnectScreens(), 1, "node %d", nd.Slot)
		assert.False(t, nd.Net.Manager().IsPlayerConnected(1), "node %d", nd.Slot)
		assert.Equal(t, 3, nd.Net.Manager().NumPlayers(), "node %d", nd.Slot)
		assert.Equal(t, want, nd.Journal(), "node %d", nd.Slot)
	}
	assert.Equal(t, 0, nodes[0].Net.Manager().PacketRouterSlot())
}

func TestTransientFrameDropRecovers(t *testing.T) {
	cfg := DefaultSimConfig()
	cfg.Frames = 120
	sim, err := NewSimulator(cfg)
	require.NoError(t, err)
	defer sim.Close()

	ctx := context.Background()
	nodes := sim.Nodes()
	others := []*Node{nodes[0], nodes[1], nodes[3]}

	// 槽位 2 的第 50-55 帧数据全部丢失，其他节点停在第 50 帧
	sim.DropFrames(2, 50, 55)
	require.NoError(t, sim.RunUntil(ctx, 20000, func() bool {
		for _, nd := range others {
			if nd.Frame() < 50 {
				return false
			}
		}
		return true
	}))
	for i := 0; i < 200; i++ {
		sim.Step()
		for _, nd := range others {
			require.LessOrEqual(t, nd.Frame(), uint32(50), "node %d step %d", nd.Slot, i)
		}
	}
	assert.Greater(t, nodes[2].Frame(), uint32(50))
	assert.Positive(t, sim.Dropped())

	sim.Heal()
	require.NoError(t, sim.Run(ctx, 20000))

	want := nodes[0].Journal()
	require.NotEmpty(t, want)
	for _, nd := range nodes {
		assert.Equal(t, cfg.Frames, nd.Frame(), "node %d", nd.Slot)
		assert.Equal(t, StatusInGame, nd.Net.Status(), "node %d", nd.Slot)
		assert.Zero(t, nd.DisconnectScreens(), "node %d", nd.Slot)
		assert.Empty(t, nd.Destroyed(), "node %d", nd.Slot)
		assert.Equal(t, want, nd.Journal(), "node %d", nd.Slot)
	}
}

func TestCarriesFrames(t *testing.T) {
	info := command.New(command.TypeFrameInfo, 2)
	info.ID = 1
	info.ExecutionFrame = 52
	chat := command.New(command.TypeChat, 2)
	chat.ID = 2
	chat.ExecutionFrame = 52

	encode := func(cmds ...*command.Command) []byte {
		pkt := protocol.NewPacket()
		for _, c := range cmds {
			require.True(t, pkt.AddCommand(&command.Ref{Command: c}))
		}
		data, err := protocol.EncodeDatagram(pkt.Bytes())
		require.NoError(t, err)
		return data
	}

	assert.True(t, carriesFrames(encode(info), 2, 50, 55))
	assert.False(t, carriesFrames(encode(info), 2, 53, 55))
	assert.False(t, carriesFrames(encode(info), 1, 50, 55))
	assert.False(t, carriesFrames(encode(chat), 2, 50, 55))
	assert.False(t, carriesFrames([]byte{1, 2, 3}, 2, 50, 55))
}
