package xtier

import (
	"context"
	"log/slog"
	"strings"
)

// =============================================================================
// 失效
// =============================================================================

// Invalidate 从所有层删除 key。持久层删除失败只记录日志。
func (m *Manager) Invalidate(ctx context.Context, key string) {
	if key == "" || m.closed.Load() {
		return
	}
	m.mu.Lock()
	m.mem.remove(key)
	m.mu.Unlock()

	for _, s := range m.stores() {
		m.removeFrom(ctx, s, key)
	}
}

// InvalidateByTag 删除所有带 tag 的条目，返回删除数量（所有层合计）。
//
// 持久层中无法解码的记录会一并删除，但不计入返回值。
func (m *Manager) InvalidateByTag(ctx context.Context, tag string) int {
	if tag == "" || m.closed.Load() {
		return 0
	}

	m.mu.Lock()
	removed := 0
	for _, key := range m.mem.keys() {
		if e, ok := m.mem.peek(key); ok && e.HasTag(tag) {
			m.mem.remove(key)
			removed++
		}
	}
	m.mu.Unlock()

	for _, s := range m.stores() {
		removed += m.removeWhere(ctx, s, func(key string, data []byte) (bool, bool) {
			e, err := decodeEntry(data)
			if err != nil {
				return true, false
			}
			return e.HasTag(tag), true
		})
	}

	if removed > 0 {
		m.logger.DebugContext(ctx, "xtier: invalidated by tag", slog.String("tag", tag), slog.Int("count", removed))
	}
	return removed
}

// InvalidatePrefix 删除 key 以 prefix 开头的所有条目，返回删除数量（所有层合计）。
// prefix 为空时不删除任何条目，清空请使用 Clear。
func (m *Manager) InvalidatePrefix(ctx context.Context, prefix string) int {
	if prefix == "" || m.closed.Load() {
		return 0
	}

	m.mu.Lock()
	removed := 0
	for _, key := range m.mem.keys() {
		if strings.HasPrefix(key, prefix) {
			m.mem.remove(key)
			removed++
		}
	}
	m.mu.Unlock()

	for _, s := range m.stores() {
		keys, err := s.Keys(ctx)
		if err != nil {
			m.logger.WarnContext(ctx, "xtier: tier keys failed",
				slog.String("tier", s.Kind().String()), slog.Any("error", err))
			continue
		}
		for _, key := range keys {
			if strings.HasPrefix(key, prefix) && m.removeFrom(ctx, s, key) {
				removed++
			}
		}
	}
	return removed
}

// Clear 清空所有层并重置统计。
func (m *Manager) Clear(ctx context.Context) {
	if m.closed.Load() {
		return
	}

	m.mu.Lock()
	m.mem.purge()
	m.hits, m.misses, m.evictions, m.expirations, m.writeFailures = 0, 0, 0, 0, 0
	m.mu.Unlock()

	for _, s := range m.stores() {
		m.removeWhere(ctx, s, func(string, []byte) (bool, bool) { return true, true })
	}
}

// removeWhere 遍历持久层并删除 match 返回 true 的条目，返回计数的删除数量。
// match 的第二个返回值为 false 表示该条目被删除但不计数。
func (m *Manager) removeWhere(ctx context.Context, s Store, match func(key string, data []byte) (remove, count bool)) int {
	keys, err := s.Keys(ctx)
	if err != nil {
		m.logger.WarnContext(ctx, "xtier: tier keys failed",
			slog.String("tier", s.Kind().String()), slog.Any("error", err))
		return 0
	}

	removed := 0
	for _, key := range keys {
		data, err := s.Read(ctx, key)
		if err != nil {
			// 列举后被并发删除或过期，跳过
			continue
		}
		remove, count := match(key, data)
		if !remove {
			continue
		}
		if m.removeFrom(ctx, s, key) && count {
			removed++
		}
	}
	return removed
}

// =============================================================================
// 统计
// =============================================================================

// Stats 是 Manager 的统计快照。
type Stats struct {
	// Hits 任意层命中次数。
	Hits uint64
	// Misses 所有层均未命中的次数。
	Misses uint64
	// Evictions 内存层 LRU 淘汰次数。
	Evictions uint64
	// Expirations 内存层因过期删除的次数（读取时发现或清扫）。
	Expirations uint64
	// ItemCount 内存层当前条目数。
	ItemCount int
	// TotalSizeBytes 内存层当前估算字节数。
	TotalSizeBytes int64
	// HitRate 命中率，Hits+Misses 为 0 时为 0。
	HitRate float64
	// TierWriteFailures 持久层写入失败次数。
	TierWriteFailures uint64
}

// Stats 返回统计快照。Clear 会重置计数。
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Stats{
		Hits:              m.hits,
		Misses:            m.misses,
		Evictions:         m.evictions,
		Expirations:       m.expirations,
		ItemCount:         m.mem.len(),
		TotalSizeBytes:    m.mem.bytes(),
		TierWriteFailures: m.writeFailures,
	}
	if total := st.Hits + st.Misses; total > 0 {
		st.HitRate = float64(st.Hits) / float64(total)
	}
	return st
}
