package xtier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/robfig/cron/v3"
)

// Manager 编排内存层与持久层。
//
// 读路径：内存层 → 会话层 → 源级持久层，慢层命中后提升到内存层。
// 写路径：总是写内存层（先按 LRU 腾出容量），可选再写一个持久层。
// 持久层的任何故障只影响该层本次操作，不会传播给调用方，也不会破坏其他层。
//
// Manager 必须通过 New 创建，使用完毕调用 Close。所有方法并发安全。
type Manager struct {
	cfg       Config
	logger    *slog.Logger
	clock     clock.Clock
	estimator SizeEstimator
	metrics   *cacheMetrics
	session   Store
	origin    Store
	scheduler *cron.Cron
	closed    atomic.Bool

	mu            sync.Mutex // 保护 mem 和计数器
	mem           *memoryTier
	hits          uint64
	misses        uint64
	evictions     uint64
	expirations   uint64
	writeFailures uint64
}

// New 创建 Manager 并启动后台清扫。
//
// 构造期校验（fail-fast）：
//   - 配置中存在负值 → ErrInvalidConfig
//   - 注册了 KindMemory 或重复 Kind 的持久层 → ErrInvalidConfig
//   - cfg.Storage 指向未注册的持久层不是错误，写入该层时记录告警
func New(cfg Config, opts ...Option) (*Manager, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}

	options := defaultManagerOptions()
	for _, opt := range opts {
		opt(options)
	}

	mem, err := newMemoryTier(cfg.MaxMemoryBytes, cfg.MaxItems)
	if err != nil {
		return nil, err
	}

	metrics, err := newCacheMetrics(options.meterProvider)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:       cfg,
		logger:    options.logger,
		clock:     options.clock,
		estimator: options.estimator,
		metrics:   metrics,
		mem:       mem,
	}

	for _, s := range options.stores {
		switch s.Kind() {
		case KindSession:
			if m.session != nil {
				return nil, fmt.Errorf("%w: duplicate session store", ErrInvalidConfig)
			}
			m.session = s
		case KindOrigin:
			if m.origin != nil {
				return nil, fmt.Errorf("%w: duplicate origin store", ErrInvalidConfig)
			}
			m.origin = s
		default:
			return nil, fmt.Errorf("%w: store kind %s cannot be persistent", ErrInvalidConfig, s.Kind())
		}
	}

	if options.sweep {
		m.startSweep()
	}
	return m, nil
}

// Config 返回生效的配置（已填充默认值）。
func (m *Manager) Config() Config {
	return m.cfg
}

// Close 停止后台清扫并清空内存层。持久层由调用方管理，不会被关闭。
// 重复调用返回 ErrClosed。
func (m *Manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	if m.scheduler != nil {
		<-m.scheduler.Stop().Done()
	}
	m.mu.Lock()
	m.mem.purge()
	m.mu.Unlock()
	return nil
}

// =============================================================================
// 读路径
// =============================================================================

// Get 按层级级联读取 key。
// version 为空时使用配置的 SchemaVersion。
//
// 过期或版本不符的条目会从所在层删除，级联继续到下一层。
// 在慢层命中的条目以相同的写入时刻、TTL、标签提升到内存层后返回。
// Get 从不返回错误：任何层的故障都等同于该层未命中。
func (m *Manager) Get(ctx context.Context, key, version string) (any, bool) {
	if key == "" || m.closed.Load() {
		return nil, false
	}
	if version == "" {
		version = m.cfg.SchemaVersion
	}
	now := m.clock.Now()

	if payload, ok := m.getMemory(ctx, key, version, now); ok {
		m.metrics.hit(ctx, KindMemory)
		return payload, true
	}

	for _, s := range m.stores() {
		e, ok := m.readTier(ctx, s, key, version, now)
		if !ok {
			continue
		}
		e.touch(now)

		m.mu.Lock()
		m.promoteLocked(ctx, key, e)
		m.hits++
		m.mu.Unlock()

		m.metrics.hit(ctx, s.Kind())
		return e.Payload, true
	}

	m.mu.Lock()
	m.misses++
	m.mu.Unlock()
	m.metrics.miss(ctx)
	return nil, false
}

// GetAs 读取 key 并转换为 T。
// 来自持久层的值按 JSON 解码为 T；类型不匹配或解码失败视为未命中，
// Get 已计入的命中改记为未命中。
func GetAs[T any](ctx context.Context, m *Manager, key, version string) (T, bool) {
	var zero T
	if m == nil {
		return zero, false
	}
	v, ok := m.Get(ctx, key, version)
	if !ok {
		return zero, false
	}
	out, ok := decodePayload[T](v)
	if !ok {
		m.logger.DebugContext(ctx, "xtier: cached value has unexpected type",
			slog.String("key", key), slog.String("type", fmt.Sprintf("%T", v)))
		m.hitToMiss(ctx)
	}
	return out, ok
}

// hitToMiss 把一次已计入的命中改记为未命中。
// otel 计数器只增不减，指标侧只补记未命中。
func (m *Manager) hitToMiss(ctx context.Context) {
	m.mu.Lock()
	if m.hits > 0 {
		m.hits--
	}
	m.misses++
	m.mu.Unlock()
	m.metrics.miss(ctx)
}

// getMemory 读取内存层。命中时更新访问信息并移到最新端。
func (m *Manager) getMemory(ctx context.Context, key, version string, now time.Time) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.mem.peek(key)
	if !ok {
		return nil, false
	}
	if e.Expired(now) {
		m.mem.remove(key)
		m.expirations++
		m.metrics.expired(ctx, 1)
		return nil, false
	}
	if e.SchemaVersion != version {
		m.mem.remove(key)
		return nil, false
	}

	m.mem.promote(key)
	e.touch(now)
	m.hits++
	return e.Payload, true
}

// readTier 从持久层读取并校验条目。无效条目（损坏、过期、版本不符）从该层删除。
func (m *Manager) readTier(ctx context.Context, s Store, key, version string, now time.Time) (*Entry, bool) {
	data, err := s.Read(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			m.logger.WarnContext(ctx, "xtier: tier read failed",
				slog.String("tier", s.Kind().String()), slog.String("key", key), slog.Any("error", err))
		}
		return nil, false
	}

	e, err := decodeEntry(data)
	if err != nil {
		m.logger.WarnContext(ctx, "xtier: drop undecodable entry",
			slog.String("tier", s.Kind().String()), slog.String("key", key), slog.Any("error", err))
		m.removeFrom(ctx, s, key)
		return nil, false
	}
	if e.Expired(now) || e.SchemaVersion != version {
		m.removeFrom(ctx, s, key)
		return nil, false
	}
	if e.SizeBytes <= 0 {
		if raw, ok := e.Payload.(json.RawMessage); ok {
			e.SizeBytes = int64(len(raw))
		}
	}
	return e, true
}

// promoteLocked 把慢层条目写入内存层。内存层已有更新的同 key 条目时不覆盖。
// 调用方必须持有 m.mu。
func (m *Manager) promoteLocked(ctx context.Context, key string, e *Entry) {
	if cur, ok := m.mem.peek(key); ok && !cur.InsertedAt.Before(e.InsertedAt) {
		return
	}
	evicted, err := m.mem.admit(key, e)
	if err != nil {
		m.logger.DebugContext(ctx, "xtier: skip promotion",
			slog.String("key", key), slog.Any("error", err))
		return
	}
	m.recordEvictionsLocked(ctx, evicted)
}

// =============================================================================
// 写路径
// =============================================================================

// Set 写入 key。
//
// 总是写内存层，必要时先淘汰最久未访问的条目；WithPersistTo（或配置中的
// Storage）指定持久层时再写入该层。持久层写入失败只记录日志和计数。
//
// 仅在没有任何层持有该值时返回错误：key 为空、Manager 已关闭、
// 值无法序列化（ErrSerialization），或条目超过内存预算且未能写入持久层（ErrEntryTooLarge）。
func (m *Manager) Set(ctx context.Context, key string, value any, opts ...SetOption) error {
	if key == "" {
		return ErrEmptyKey
	}
	if m.closed.Load() {
		return ErrClosed
	}

	so := &setOptions{
		ttl:           m.cfg.TTL,
		schemaVersion: m.cfg.SchemaVersion,
		tags:          m.cfg.Tags,
		persistTo:     m.cfg.Storage,
	}
	for _, opt := range opts {
		opt(so)
	}

	size, err := m.estimator.Estimate(value)
	if err != nil {
		if !errors.Is(err, ErrSerialization) {
			err = fmt.Errorf("%w: %w", ErrSerialization, err)
		}
		return err
	}

	now := m.clock.Now()
	e := &Entry{
		Payload:        value,
		InsertedAt:     now,
		TTL:            so.ttl,
		SchemaVersion:  so.schemaVersion,
		Tags:           normalizeTags(so.tags),
		Priority:       so.priority,
		AccessCount:    1,
		LastAccessedAt: now,
		SizeBytes:      size,
	}

	m.mu.Lock()
	evicted, memErr := m.mem.admit(key, e)
	m.recordEvictionsLocked(ctx, evicted)
	m.mu.Unlock()

	persisted := false
	if so.persistTo != KindMemory {
		persisted = m.writeTier(ctx, so.persistTo, key, e)
	}

	if memErr != nil {
		if !persisted {
			return memErr
		}
		m.logger.WarnContext(ctx, "xtier: entry kept only in persistent tier",
			slog.String("key", key), slog.String("tier", so.persistTo.String()), slog.Any("error", memErr))
	}
	return nil
}

// writeTier 把条目写入指定持久层，返回是否成功。失败只记录日志和计数。
func (m *Manager) writeTier(ctx context.Context, kind Kind, key string, e *Entry) bool {
	s := m.store(kind)
	if s == nil {
		m.tierWriteFailed(ctx, kind, key, fmt.Errorf("%w: %s tier not configured", ErrTierUnavailable, kind))
		return false
	}

	data, err := encodeEntry(e)
	if err != nil {
		m.tierWriteFailed(ctx, kind, key, err)
		return false
	}

	// TTL 为 0 的条目已视为即将过期，给持久层一个最小过期时间而不是“永不过期”
	hint := e.TTL
	if hint <= 0 {
		hint = time.Millisecond
	}
	if err := s.Write(ctx, key, data, hint); err != nil {
		m.tierWriteFailed(ctx, kind, key, err)
		return false
	}
	return true
}

func (m *Manager) tierWriteFailed(ctx context.Context, kind Kind, key string, err error) {
	m.mu.Lock()
	m.writeFailures++
	m.mu.Unlock()
	m.metrics.writeFailed(ctx, kind)
	m.logger.WarnContext(ctx, "xtier: tier write failed",
		slog.String("tier", kind.String()), slog.String("key", key), slog.Any("error", err))
}

// recordEvictionsLocked 记录 LRU 淘汰。调用方必须持有 m.mu。
func (m *Manager) recordEvictionsLocked(ctx context.Context, evicted []string) {
	if len(evicted) == 0 {
		return
	}
	m.evictions += uint64(len(evicted))
	m.metrics.evicted(ctx, len(evicted))
	m.logger.DebugContext(ctx, "xtier: evicted entries", slog.Int("count", len(evicted)))
}

// =============================================================================
// 层级辅助
// =============================================================================

// stores 按级联顺序返回已注册的持久层。
func (m *Manager) stores() []Store {
	out := make([]Store, 0, 2)
	if m.session != nil {
		out = append(out, m.session)
	}
	if m.origin != nil {
		out = append(out, m.origin)
	}
	return out
}

// store 返回指定 Kind 的持久层，未注册返回 nil。
func (m *Manager) store(kind Kind) Store {
	switch kind {
	case KindSession:
		return m.session
	case KindOrigin:
		return m.origin
	default:
		return nil
	}
}

// removeFrom 从持久层删除 key，失败只记录日志。
func (m *Manager) removeFrom(ctx context.Context, s Store, key string) bool {
	if err := s.Remove(ctx, key); err != nil {
		m.logger.WarnContext(ctx, "xtier: tier remove failed",
			slog.String("tier", s.Kind().String()), slog.String("key", key), slog.Any("error", err))
		return false
	}
	return true
}

// =============================================================================
// 后台清扫
// =============================================================================

// startSweep 在 cron 调度器上注册定期清扫。cron.Every 以秒为粒度，最小 1 秒。
func (m *Manager) startSweep() {
	logger := cronLogger{logger: m.logger}
	m.scheduler = cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	m.scheduler.Schedule(cron.Every(m.cfg.SweepInterval), cron.FuncJob(func() {
		m.Sweep()
	}))
	m.scheduler.Start()
}

// Sweep 立即清除内存层中全部已过期条目，返回清除数量。
func (m *Manager) Sweep() int {
	if m.closed.Load() {
		return 0
	}
	now := m.clock.Now()

	m.mu.Lock()
	removed := 0
	for _, key := range m.mem.keys() {
		if e, ok := m.mem.peek(key); ok && e.Expired(now) {
			m.mem.remove(key)
			removed++
		}
	}
	m.expirations += uint64(removed)
	m.mu.Unlock()

	if removed > 0 {
		ctx := context.Background()
		m.metrics.expired(ctx, removed)
		m.logger.Debug("xtier: sweep removed expired entries", slog.Int("count", removed))
	}
	return removed
}

// cronLogger 把 cron 内部日志转接到 slog。
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("xtier: sweep scheduler: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("xtier: sweep scheduler: "+msg, slices.Concat([]any{slog.Any("error", err)}, keysAndValues)...)
}
