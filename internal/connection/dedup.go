// =============================================================================
// 文件: internal/connection/dedup.go
// 描述: 入站命令去重 - 精确窗口 + 轮转布隆过滤器长窗口
// =============================================================================
package connection

import (
	"github.com/bits-and-blooms/bloom/v3"

	"github.com/mrcgq/lockstep/internal/command"
)

const (
	defaultDedupWindow = 4096
	dedupFalsePositive = 0.00001

	// 布隆分片数，每片容纳一个窗口的键
	dedupSlices = 4

	// MaxDedupWindow 精确窗口上限
	// 精确窗口加全部分片覆盖的键数必须小于命令 ID 空间，否则回绕后的新命令会被误判
	MaxDedupWindow = 8192
)

// DedupStats 去重统计
type DedupStats struct {
	TotalChecks uint64
	Duplicates  uint64
	ExactHits   uint64
	BloomHits   uint64
	Rotations   uint64
}

type dedupKey struct {
	typ    command.Type
	player uint8
	id     uint16
}

func (k dedupKey) bytes() []byte {
	return []byte{byte(k.typ), k.player, byte(k.id), byte(k.id >> 8)}
}

// InDedupScope 需要去重的命令：带 ID、不按帧归档、不是帧信息
// 按帧归档的命令由帧数据列表去重，帧信息可能被代发且 ID 来自代发者
func InDedupScope(t command.Type) bool {
	return t.RequiresCommandID() && !t.IsSynchronized() && t != command.TypeFrameInfo
}

// DedupFilter 已处理命令的去重器
// 最近 capacity 个键精确判断；已淘汰的键由布隆分片继续拦截，
// 每标记 capacity 个键轮转一次，最老的分片被清空
type DedupFilter struct {
	seen     map[dedupKey]struct{}
	order    []dedupKey
	next     int
	capacity int

	slices  [dedupSlices]*bloom.BloomFilter
	current int
	count   int

	stats DedupStats
}

// NewDedupFilter 创建去重器
func NewDedupFilter(capacity int) *DedupFilter {
	if capacity <= 0 {
		capacity = defaultDedupWindow
	}
	if capacity > MaxDedupWindow {
		capacity = MaxDedupWindow
	}
	f := &DedupFilter{
		seen:     make(map[dedupKey]struct{}, capacity),
		order:    make([]dedupKey, 0, capacity),
		capacity: capacity,
	}
	for i := range f.slices {
		f.slices[i] = bloom.NewWithEstimates(uint(capacity), dedupFalsePositive)
	}
	return f
}

// CheckAndMark 首次出现返回 true 并记录，重复返回 false
func (f *DedupFilter) CheckAndMark(cmd *command.Command) bool {
	f.stats.TotalChecks++
	k := dedupKey{typ: cmd.Type, player: cmd.PlayerID, id: cmd.ID}

	if _, ok := f.seen[k]; ok {
		f.stats.ExactHits++
		f.stats.Duplicates++
		return false
	}

	// 不在精确窗口内：布隆命中说明是已淘汰键的迟到重传
	b := k.bytes()
	for i := 0; i < dedupSlices; i++ {
		if f.slices[i].Test(b) {
			f.stats.BloomHits++
			f.stats.Duplicates++
			return false
		}
	}

	f.mark(k, b)
	return true
}

func (f *DedupFilter) mark(k dedupKey, b []byte) {
	if len(f.order) < f.capacity {
		f.order = append(f.order, k)
	} else {
		delete(f.seen, f.order[f.next])
		f.order[f.next] = k
		f.next = (f.next + 1) % f.capacity
	}
	f.seen[k] = struct{}{}

	if f.count >= f.capacity {
		f.rotate()
	}
	f.slices[f.current].Add(b)
	f.count++
}

// rotate 切换到下一个分片并清空它
func (f *DedupFilter) rotate() {
	f.current = (f.current + 1) % dedupSlices
	f.slices[f.current].ClearAll()
	f.count = 0
	f.stats.Rotations++
}

// Len 精确窗口内记录数
func (f *DedupFilter) Len() int {
	return len(f.seen)
}

// Horizon 仍能识别为重复的最少标记数
func (f *DedupFilter) Horizon() int {
	return f.capacity * (dedupSlices - 1)
}

// Stats 统计快照
func (f *DedupFilter) Stats() DedupStats {
	return f.stats
}

// Reset 清空
func (f *DedupFilter) Reset() {
	f.seen = make(map[dedupKey]struct{}, f.capacity)
	f.order = f.order[:0]
	f.next = 0
	for _, s := range f.slices {
		s.ClearAll()
	}
	f.current = 0
	f.count = 0
	f.stats = DedupStats{}
}
