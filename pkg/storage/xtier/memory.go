package xtier

import (
	"fmt"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// memoryTier 是进程内易失层。
//
// 条目以指针直接保存，不做序列化。simplelru 维护访问顺序：
// 每次命中都会把条目移到最新端并刷新 LastAccessedAt，因此最旧端
// 即 LastAccessedAt 最早的条目；相同时刻按操作顺序决出先后。
//
// memoryTier 本身不加锁，由 Manager 持锁调用。
type memoryTier struct {
	lru        *simplelru.LRU[string, *Entry]
	maxBytes   int64
	maxItems   int
	totalBytes int64
}

// newMemoryTier 创建内存层。maxItems 必须 > 0。
func newMemoryTier(maxBytes int64, maxItems int) (*memoryTier, error) {
	// 容量交给 admit 控制，simplelru 的自动淘汰永远不会触发
	lru, err := simplelru.NewLRU[string, *Entry](maxItems, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return &memoryTier{
		lru:      lru,
		maxBytes: maxBytes,
		maxItems: maxItems,
	}, nil
}

// peek 返回条目但不改变访问顺序。
func (t *memoryTier) peek(key string) (*Entry, bool) {
	return t.lru.Peek(key)
}

// promote 把 key 移到最新端。
func (t *memoryTier) promote(key string) {
	t.lru.Get(key)
}

// remove 删除条目并扣减字节统计。
func (t *memoryTier) remove(key string) (*Entry, bool) {
	e, ok := t.lru.Peek(key)
	if !ok {
		return nil, false
	}
	t.lru.Remove(key)
	t.totalBytes -= e.SizeBytes
	return e, true
}

// admit 写入条目，必要时先按 LRU 淘汰，返回被淘汰的 key。
//
// 同 key 的旧条目先被移除（替换，不计入淘汰）。
// 条目自身超过字节预算时不淘汰任何条目，直接返回 ErrEntryTooLarge。
func (t *memoryTier) admit(key string, e *Entry) ([]string, error) {
	t.remove(key)

	if e.SizeBytes > t.maxBytes {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrEntryTooLarge, e.SizeBytes, t.maxBytes)
	}

	evicted := t.evictFor(e.SizeBytes)
	t.lru.Add(key, e)
	t.totalBytes += e.SizeBytes
	return evicted, nil
}

// evictFor 反复淘汰最久未访问的条目，直到再放入 size 字节的一个新条目
// 不会超出字节预算和条目数预算，或层已为空。
func (t *memoryTier) evictFor(size int64) []string {
	var evicted []string
	for t.lru.Len() > 0 && (t.totalBytes+size > t.maxBytes || t.lru.Len()+1 > t.maxItems) {
		key, e, ok := t.lru.RemoveOldest()
		if !ok {
			break
		}
		t.totalBytes -= e.SizeBytes
		evicted = append(evicted, key)
	}
	return evicted
}

// keys 返回全部 key，按最久未访问到最近访问排序。
func (t *memoryTier) keys() []string {
	return t.lru.Keys()
}

// len 返回条目数。
func (t *memoryTier) len() int {
	return t.lru.Len()
}

// bytes 返回条目估算字节总数。
func (t *memoryTier) bytes() int64 {
	return t.totalBytes
}

// purge 清空内存层。
func (t *memoryTier) purge() {
	t.lru.Purge()
	t.totalBytes = 0
}
