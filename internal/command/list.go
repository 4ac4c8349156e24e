// =============================================================================
// 文件: internal/command/list.go
// 描述: 有序去重的命令列表 (按 类型/玩家/排序号 排序)
// =============================================================================
package command

import (
	"container/list"
	"fmt"
	"time"
)

// =============================================================================
// 命令引用
// =============================================================================

// Ref 命令引用，携带每条路径独立的中继掩码与最后发送时间
// 多个 Ref 可共享同一个 Command
type Ref struct {
	Command      *Command
	Relay        uint8
	TimeLastSent time.Time
	Retries      int

	elem  *list.Element
	owner *List
}

// NewRef 创建游离的引用
func NewRef(cmd *Command, relay uint8) *Ref {
	return &Ref{Command: cmd, Relay: relay}
}

// Next 下一个引用；移除当前元素前应先取 Next
func (r *Ref) Next() *Ref {
	if r.elem == nil {
		return nil
	}
	if n := r.elem.Next(); n != nil {
		return n.Value.(*Ref)
	}
	return nil
}

// Sent 是否已经发送过
func (r *Ref) Sent() bool {
	return !r.TimeLastSent.IsZero()
}

// =============================================================================
// 命令列表
// =============================================================================

// List 有序命令列表，(类型, 玩家, 排序号) 相同且 Same 为真的命令只保留一份
type List struct {
	l            *list.List
	lastInserted *list.Element
}

// NewList 创建命令列表
func NewList() *List {
	return &List{l: list.New()}
}

// compare 排序键比较
func compare(a, b *Command) int {
	switch {
	case a.Type != b.Type:
		if a.Type < b.Type {
			return -1
		}
		return 1
	case a.PlayerID != b.PlayerID:
		if a.PlayerID < b.PlayerID {
			return -1
		}
		return 1
	}
	sa, sb := a.SortNumber(), b.SortNumber()
	switch {
	case sa < sb:
		return -1
	case sa > sb:
		return 1
	}
	return 0
}

// Add 插入命令，已存在相同命令时返回 nil
func (l *List) Add(cmd *Command) *Ref {
	start := l.l.Front()

	// 快速路径：从上次插入位置向后扫描，覆盖按 ID 递增追加的常见情况
	if last := l.lastInserted; last != nil && compare(last.Value.(*Ref).Command, cmd) < 0 {
		start = last.Next()
	}

	var prev *Command
	for e := start; e != nil; e = e.Next() {
		cur := e.Value.(*Ref).Command
		if prev != nil && compare(prev, cur) > 0 {
			panic(orderViolation(prev, cur))
		}
		prev = cur
		c := compare(cur, cmd)
		if c == 0 && cur.Same(cmd) {
			return nil
		}
		if c > 0 {
			return l.link(cmd, func(r *Ref) *list.Element { return l.l.InsertBefore(r, e) })
		}
	}
	return l.link(cmd, func(r *Ref) *list.Element { return l.l.PushBack(r) })
}

func (l *List) link(cmd *Command, insert func(*Ref) *list.Element) *Ref {
	r := &Ref{Command: cmd, owner: l}
	r.elem = insert(r)
	l.lastInserted = r.elem
	checkAround(r.elem)
	return r
}

// checkAround 检查插入点前后各两个相邻对的顺序
// 已入列的命令排序键被修改时列表会失序，属于编程错误
func checkAround(e *list.Element) {
	first := e
	for i := 0; i < 2 && first.Prev() != nil; i++ {
		first = first.Prev()
	}
	last := e
	for i := 0; i < 2 && last.Next() != nil; i++ {
		last = last.Next()
	}
	for cur := first; cur != last; cur = cur.Next() {
		a, b := cur.Value.(*Ref).Command, cur.Next().Value.(*Ref).Command
		if compare(a, b) > 0 {
			panic(orderViolation(a, b))
		}
	}
}

func orderViolation(a, b *Command) string {
	return fmt.Sprintf("命令列表顺序被破坏: %s 排在 %s 之前", a, b)
}

// AddRef 插入命令并设置中继掩码
// 命令已存在时把掩码合并进已有引用，返回 nil
func (l *List) AddRef(cmd *Command, relay uint8) *Ref {
	if r := l.Add(cmd); r != nil {
		r.Relay = relay
		return r
	}
	if existing := l.Find(cmd); existing != nil {
		existing.Relay |= relay
	}
	return nil
}

// AppendList 合并另一个列表，保留各自的中继掩码
func (l *List) AppendList(other *List) {
	for r := other.Front(); r != nil; r = r.Next() {
		l.AddRef(r.Command, r.Relay)
	}
}

// Find 按去重相等性查找
func (l *List) Find(cmd *Command) *Ref {
	for r := l.Front(); r != nil; r = r.Next() {
		if r.Command.Same(cmd) {
			return r
		}
	}
	return nil
}

// FindByID 按 (命令 ID, 玩家) 查找
func (l *List) FindByID(id uint16, player uint8) *Ref {
	for r := l.Front(); r != nil; r = r.Next() {
		c := r.Command
		if c.Type.RequiresCommandID() && c.ID == id && c.PlayerID == player {
			return r
		}
	}
	return nil
}

// Remove 移除引用，O(1)
func (l *List) Remove(r *Ref) {
	if r == nil || r.owner != l || r.elem == nil {
		return
	}
	if l.lastInserted == r.elem {
		l.lastInserted = r.elem.Prev()
	}
	l.l.Remove(r.elem)
	r.elem = nil
	r.owner = nil
}

// Front 第一个引用
func (l *List) Front() *Ref {
	if e := l.l.Front(); e != nil {
		return e.Value.(*Ref)
	}
	return nil
}

// Len 元素个数
func (l *List) Len() int {
	return l.l.Len()
}

// IsEmpty 是否为空
func (l *List) IsEmpty() bool {
	return l.l.Len() == 0
}

// Reset 清空
func (l *List) Reset() {
	for r := l.Front(); r != nil; {
		next := r.Next()
		l.Remove(r)
		r = next
	}
	l.lastInserted = nil
}

// Commands 按顺序返回命令快照
func (l *List) Commands() []*Command {
	out := make([]*Command, 0, l.l.Len())
	for r := l.Front(); r != nil; r = r.Next() {
		out = append(out, r.Command)
	}
	return out
}

// IsSorted 校验排序不变量
func (l *List) IsSorted() bool {
	var prev *Command
	for r := l.Front(); r != nil; r = r.Next() {
		if prev != nil && compare(prev, r.Command) > 0 {
			return false
		}
		prev = r.Command
	}
	return true
}

// =============================================================================
// 命令 ID 生成
// =============================================================================

// IDGenerator 会话级命令 ID 生成器，跳过 0，到 65535 后回绕
// 只在驱动线程上使用
type IDGenerator struct {
	next uint16
}

// NewIDGenerator 创建生成器，首个 ID 为 1
func NewIDGenerator() *IDGenerator {
	return &IDGenerator{next: 1}
}

// Next 分配下一个 ID
func (g *IDGenerator) Next() uint16 {
	id := g.next
	g.next++
	if g.next == 0 {
		g.next = 1
	}
	return id
}

// Peek 下一个将要分配的 ID
func (g *IDGenerator) Peek() uint16 {
	return g.next
}
