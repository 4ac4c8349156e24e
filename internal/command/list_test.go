// =============================================================================
// 文件: internal/command/list_test.go
// =============================================================================
package command

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gameCmd(player uint8, id uint16) *Command {
	c := New(TypeGameCommand, player)
	c.ID = id
	return c
}

func TestListAddIdempotent(t *testing.T) {
	l := NewList()
	require.NotNil(t, l.Add(gameCmd(1, 7)))
	require.Equal(t, 1, l.Len())

	// 同一 (类型, 玩家, ID) 的新实例也视为重复
	assert.Nil(t, l.Add(gameCmd(1, 7)))
	assert.Equal(t, 1, l.Len())

	assert.NotNil(t, l.Add(gameCmd(2, 7)))
	assert.Equal(t, 2, l.Len())
}

func TestListOrderingRandomInsert(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	types := []Type{TypeGameCommand, TypeFrameInfo, TypeChat, TypeRunAhead, TypeAckStage1}

	for round := 0; round < 50; round++ {
		l := NewList()
		var cmds []*Command
		for i := 0; i < 40; i++ {
			typ := types[rng.Intn(len(types))]
			c := New(typ, uint8(rng.Intn(MaxSlots)))
			c.ID = uint16(rng.Intn(30) + 1)
			if ack, ok := c.Body.(*AckBody); ok {
				ack.CommandID = uint16(rng.Intn(30) + 1)
				ack.OriginalPlayerID = uint8(rng.Intn(MaxSlots))
			}
			cmds = append(cmds, c)
		}
		rng.Shuffle(len(cmds), func(i, j int) { cmds[i], cmds[j] = cmds[j], cmds[i] })

		for _, c := range cmds {
			l.Add(c)
			// 插入过程中任何时刻都保持有序
			require.True(t, l.IsSorted(), "round %d 插入 %s 后无序", round, c)
		}
	}
}

func TestListPanicsOnOrderViolation(t *testing.T) {
	t.Run("插入点附近", func(t *testing.T) {
		l := NewList()
		a := gameCmd(1, 1)
		require.NotNil(t, l.Add(a))
		require.NotNil(t, l.Add(gameCmd(1, 2)))

		// 入列后修改排序键
		a.ID = 5
		assert.Panics(t, func() { l.Add(gameCmd(1, 3)) })
	})
	t.Run("扫描途中", func(t *testing.T) {
		l := NewList()
		cmds := make([]*Command, 0, 4)
		for id := uint16(1); id <= 4; id++ {
			c := gameCmd(1, id)
			cmds = append(cmds, c)
			require.NotNil(t, l.Add(c))
		}
		cmds[1].ID = 9
		// 远离失序处的追加不受影响
		require.NotNil(t, l.Add(gameCmd(1, 20)))
		// 从表头扫描经过 9, 3
		assert.Panics(t, func() { l.Add(gameCmd(1, 10)) })
	})
}

func TestListFastPathAppend(t *testing.T) {
	l := NewList()
	for id := uint16(1); id <= 100; id++ {
		require.NotNil(t, l.Add(gameCmd(3, id)))
	}
	assert.Equal(t, 100, l.Len())
	assert.True(t, l.IsSorted())

	var got []uint16
	for r := l.Front(); r != nil; r = r.Next() {
		got = append(got, r.Command.ID)
	}
	assert.Equal(t, uint16(1), got[0])
	assert.Equal(t, uint16(100), got[99])
}

func TestListRemoveRepairsLastInserted(t *testing.T) {
	l := NewList()
	l.Add(gameCmd(1, 1))
	r2 := l.Add(gameCmd(1, 2))
	l.Remove(r2)

	// 缓存指向被删节点时必须修复，否则后续插入会失序
	require.NotNil(t, l.Add(gameCmd(1, 3)))
	require.NotNil(t, l.Add(gameCmd(1, 2)))
	assert.True(t, l.IsSorted())
	assert.Equal(t, 3, l.Len())
}

func TestListRemoveWhileIterating(t *testing.T) {
	l := NewList()
	for id := uint16(1); id <= 10; id++ {
		l.Add(gameCmd(0, id))
	}
	for r := l.Front(); r != nil; {
		next := r.Next()
		if r.Command.ID%2 == 0 {
			l.Remove(r)
		}
		r = next
	}
	assert.Equal(t, 5, l.Len())
	for r := l.Front(); r != nil; r = r.Next() {
		assert.Equal(t, uint16(1), r.Command.ID%2)
	}
}

func TestListAckEquality(t *testing.T) {
	l := NewList()
	src := gameCmd(2, 40)

	require.NotNil(t, l.Add(NewAck(TypeAckStage1, src, 1)))
	// 确认自身的 ID 不参与比较
	dup := NewAck(TypeAckStage1, src, 1)
	dup.ID = 999
	assert.Nil(t, l.Add(dup))

	other := gameCmd(3, 40)
	assert.NotNil(t, l.Add(NewAck(TypeAckStage1, other, 1)), "原始玩家不同不是重复")
	assert.Equal(t, 2, l.Len())
}

func TestListFindByID(t *testing.T) {
	l := NewList()
	l.Add(gameCmd(1, 5))
	l.Add(gameCmd(2, 5))

	r := l.FindByID(5, 2)
	require.NotNil(t, r)
	assert.Equal(t, uint8(2), r.Command.PlayerID)
	assert.Nil(t, l.FindByID(6, 2))
}

func TestListAppendListKeepsRelay(t *testing.T) {
	a, b := NewList(), NewList()
	a.AddRef(gameCmd(1, 1), 0x02)
	b.AddRef(gameCmd(1, 1), 0x04)
	b.AddRef(gameCmd(1, 2), 0x08)

	a.AppendList(b)
	require.Equal(t, 2, a.Len())
	assert.Equal(t, uint8(0x06), a.FindByID(1, 1).Relay)
	assert.Equal(t, uint8(0x08), a.FindByID(2, 1).Relay)
}

func TestIDGeneratorWrap(t *testing.T) {
	g := NewIDGenerator()
	assert.Equal(t, uint16(1), g.Next())
	g.next = 0xffff
	assert.Equal(t, uint16(0xffff), g.Next())
	assert.Equal(t, uint16(1), g.Next(), "回绕时跳过 0")
}

func TestTypeTraits(t *testing.T) {
	for typ := Type(0); typ < typeCount; typ++ {
		// 带 C 标签 <=> 需要 ID
		assert.Equal(t, typ.RequiresCommandID(), typ.HasHeader(TagCommandID), typ.String())
		assert.True(t, typ.HasHeader(TagType), typ.String())
		assert.True(t, typ.HasHeader(TagPlayer), typ.String())
		_, err := NewBody(typ)
		assert.NoError(t, err)
	}
	assert.True(t, TypeDisconnectVote.IsDisconnect())
	assert.False(t, TypeChat.IsDisconnect())
	assert.False(t, Type(200).Valid())
	_, err := NewBody(Type(200))
	assert.Error(t, err)
}

func TestArgRuns(t *testing.T) {
	args := []Arg{IntArg(1), IntArg(2), LocationArg(1, 2, 3), IntArg(4)}
	assert.Equal(t, []ArgRun{
		{Type: ArgInteger, Count: 2},
		{Type: ArgLocation, Count: 1},
		{Type: ArgInteger, Count: 1},
	}, Runs(args))
}
