package frame

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrcgq/lockstep/internal/command"
)

func gameCmd(player uint8, frame uint32, id uint16) *command.Command {
	return &command.Command{
		Type:           command.TypeGameCommand,
		PlayerID:       player,
		ExecutionFrame: frame,
		ID:             id,
		Body:           &command.GameCommandBody{MessageType: 7},
	}
}

func TestDataReadyStates(t *testing.T) {
	d := NewData(5)
	assert.Equal(t, NotReady, d.AllCommandsReady(), "期望数未知")

	d.SetCommandCount(2)
	assert.True(t, d.AddCommand(gameCmd(1, 5, 1)))
	assert.False(t, d.AddCommand(gameCmd(1, 5, 1)), "重复命令不计数")
	assert.Equal(t, NotReady, d.AllCommandsReady())

	assert.True(t, d.AddCommand(gameCmd(1, 5, 2)))
	assert.Equal(t, Ready, d.AllCommandsReady())
}

func TestDataOverflowResets(t *testing.T) {
	d := NewData(5)
	d.SetCommandCount(1)
	d.AddCommand(gameCmd(1, 5, 1))
	d.AddCommand(gameCmd(1, 5, 2))

	assert.Equal(t, Resend, d.AllCommandsReady())
	assert.Equal(t, 0, d.ReceivedCount())
	n, known := d.CommandCount()
	assert.Equal(t, 0, n)
	assert.False(t, known)
	assert.True(t, d.CommandList().IsEmpty())
	assert.Equal(t, uint32(5), d.Frame())
}

func TestDataZero(t *testing.T) {
	d := NewData(3)
	d.Zero()
	assert.Equal(t, Ready, d.AllCommandsReady())
}

func TestLocalManagerIsAlwaysKnown(t *testing.T) {
	m := NewManager(true)
	assert.Equal(t, Ready, m.AllCommandsReady(10))

	added, err := m.AddCommand(gameCmd(0, 10, 1))
	require.NoError(t, err)
	assert.True(t, added)
	n, known := m.FrameCommandCount(10)
	assert.True(t, known)
	assert.Equal(t, 1, n)
	assert.Equal(t, Ready, m.AllCommandsReady(10))
}

func TestRemoteManagerWaitsForCount(t *testing.T) {
	m := NewManager(false)
	assert.Equal(t, NotReady, m.AllCommandsReady(10))

	_, err := m.AddCommand(gameCmd(2, 10, 1))
	require.NoError(t, err)
	assert.Equal(t, NotReady, m.AllCommandsReady(10))

	require.NoError(t, m.SetFrameCommandCount(10, 1))
	assert.Equal(t, Ready, m.AllCommandsReady(10))
	assert.Equal(t, 1, m.CommandList(10).Len())
}

func TestZeroFrames(t *testing.T) {
	m := NewManager(false)
	m.ZeroFrames(1, 29)
	for f := uint32(1); f < 30; f++ {
		assert.Equal(t, Ready, m.AllCommandsReady(f), "frame %d", f)
	}
	assert.Equal(t, NotReady, m.AllCommandsReady(30))
}

func TestRingAdvance(t *testing.T) {
	m := NewManager(false)
	m.ZeroFrames(0, DataLength)

	m.ResetFrame(3, true)
	assert.Nil(t, m.CommandList(3))
	assert.NotNil(t, m.CommandList(3+DataLength))
	assert.Equal(t, NotReady, m.AllCommandsReady(3+DataLength))

	// 槽位停在更早的帧时直接滑动
	_, err := m.AddCommand(gameCmd(1, 4+DataLength, 1))
	require.NoError(t, err)
	assert.Nil(t, m.CommandList(4))
	assert.Equal(t, 1, m.CommandCount(4+DataLength))

	// 已滑走的帧拒收
	_, err = m.AddCommand(gameCmd(1, 4, 2))
	assert.ErrorIs(t, err, ErrStaleFrame)
	assert.ErrorIs(t, m.SetFrameCommandCount(3, 0), ErrStaleFrame)
}

func TestResetFrameWithoutAdvance(t *testing.T) {
	m := NewManager(false)
	require.NoError(t, m.SetFrameCommandCount(8, 1))
	_, _ = m.AddCommand(gameCmd(1, 8, 1))
	assert.Equal(t, Ready, m.AllCommandsReady(8))

	m.ResetFrame(8, false)
	assert.Equal(t, NotReady, m.AllCommandsReady(8))
	assert.Equal(t, 0, m.CommandCount(8))
}

func TestQuitFrame(t *testing.T) {
	m := NewManager(false)
	assert.False(t, m.IsQuitting())
	m.SetQuitFrame(77)
	assert.True(t, m.IsQuitting())
	assert.Equal(t, uint32(77), m.QuitFrame())
	m.Reset()
	assert.False(t, m.IsQuitting())
}
