package xtier

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	// DefaultQueryTTL 查询结果的默认存活时间。
	DefaultQueryTTL = 10 * time.Minute

	// DatabaseTag 所有查询结果共有的标签。
	DatabaseTag = "database"

	queryKeyPrefix = "query:"
	queryTagPrefix = "query:"
	depTagPrefix   = "dep:"
	tablePrefix    = "table:"
)

// =============================================================================
// QueryCache 配置选项
// =============================================================================

type queryCacheOptions struct {
	ttl       time.Duration
	version   string
	persistTo Kind
	logger    *slog.Logger
}

// QueryCacheOption 定义配置 QueryCache 的函数类型。
type QueryCacheOption func(*queryCacheOptions)

// WithQueryDefaultTTL 设置查询结果的默认存活时间。默认 10 分钟，<= 0 将被忽略。
func WithQueryDefaultTTL(ttl time.Duration) QueryCacheOption {
	return func(o *queryCacheOptions) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithQueryVersion 设置查询结果的数据版本。默认使用 Manager 配置的 SchemaVersion。
func WithQueryVersion(version string) QueryCacheOption {
	return func(o *queryCacheOptions) {
		o.version = version
	}
}

// WithQueryPersistTo 设置查询结果额外写入的持久层。默认沿用 Manager 配置的 Storage。
func WithQueryPersistTo(kind Kind) QueryCacheOption {
	return func(o *queryCacheOptions) {
		o.persistTo = kind
	}
}

// WithQueryLogger 设置日志记录器。默认沿用 slog.Default()，传入 nil 禁用日志。
func WithQueryLogger(logger *slog.Logger) QueryCacheOption {
	return func(o *queryCacheOptions) {
		if logger == nil {
			logger = slog.New(slog.DiscardHandler)
		}
		o.logger = logger
	}
}

// queryCallOptions 单次查询的选项。
type queryCallOptions struct {
	ttl  time.Duration
	tags []string
}

// QueryOption 定义单次查询选项的函数类型。
type QueryOption func(*queryCallOptions)

// WithQueryTTL 覆盖本次查询结果的存活时间。<= 0 将被忽略。
func WithQueryTTL(ttl time.Duration) QueryOption {
	return func(o *queryCallOptions) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithQueryTags 为本次查询结果追加标签。
func WithQueryTags(tags ...string) QueryOption {
	return func(o *queryCallOptions) {
		o.tags = append(o.tags, tags...)
	}
}

// =============================================================================
// QueryCache 实现
// =============================================================================

// QueryCache 缓存计算代价高的查询结果。
//
// 缓存 key 由查询标识和依赖列表共同决定，依赖顺序无关、依赖不同则 key 不同。
// 结果带有 DatabaseTag、查询标签和每个依赖的标签，
// 因此可以按查询或按依赖（例如某张表）批量失效。
type QueryCache struct {
	m       *Manager
	options *queryCacheOptions
	group   singleflight.Group
}

// NewQueryCache 创建查询结果缓存。
func NewQueryCache(m *Manager, opts ...QueryCacheOption) (*QueryCache, error) {
	if m == nil {
		return nil, ErrNilManager
	}
	options := &queryCacheOptions{
		ttl:       DefaultQueryTTL,
		persistTo: m.cfg.Storage,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(options)
	}
	if options.version == "" {
		options.version = m.cfg.SchemaVersion
	}
	return &QueryCache{m: m, options: options}, nil
}

// Query 返回 queryID 在 deps 下的结果，优先读缓存，未命中时调用 fn 并缓存结果。
//
// fn 每次未命中至多调用一次，同一 key 的并发未命中共享一次调用；
// fn 返回错误时不缓存，错误原样返回。
func Query[T any](ctx context.Context, qc *QueryCache, queryID string, deps []string,
	fn func(ctx context.Context) (T, error), opts ...QueryOption) (T, error) {
	var zero T
	if qc == nil || qc.m == nil {
		return zero, ErrNilManager
	}
	if queryID == "" {
		return zero, ErrEmptyKey
	}
	if fn == nil {
		return zero, ErrNilProducer
	}

	call := &queryCallOptions{ttl: qc.options.ttl}
	for _, opt := range opts {
		opt(call)
	}

	key := QueryKey(queryID, deps)
	if v, ok := GetAs[T](ctx, qc.m, key, qc.options.version); ok {
		return v, nil
	}

	sfKey := key + "|" + reflect.TypeFor[T]().String()
	ch := qc.group.DoChan(sfKey, func() (any, error) {
		runCtx := context.WithoutCancel(ctx)
		v, err := fn(runCtx)
		if err != nil {
			return nil, err
		}
		if err := qc.m.Set(runCtx, key, v,
			WithTTL(call.ttl),
			WithSchemaVersion(qc.options.version),
			WithTags(queryTags(queryID, deps, call.tags)...),
			WithPersistTo(qc.options.persistTo),
		); err != nil {
			qc.options.logger.WarnContext(runCtx, "xtier: cache query result failed",
				slog.String("query", queryID), slog.Any("error", err))
		}
		return v, nil
	})

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		v, ok := res.Val.(T)
		if !ok {
			return zero, fmt.Errorf("xtier: unexpected result type %T from singleflight", res.Val)
		}
		return v, nil
	}
}

// InvalidateQuery 删除 queryID 的全部结果（不论依赖），返回删除数量。
func (qc *QueryCache) InvalidateQuery(ctx context.Context, queryID string) int {
	return qc.m.InvalidateByTag(ctx, queryTagPrefix+queryID)
}

// InvalidateDependency 删除依赖 dep 的全部查询结果，返回删除数量。
func (qc *QueryCache) InvalidateDependency(ctx context.Context, dep string) int {
	return qc.m.InvalidateByTag(ctx, depTagPrefix+dep)
}

// InvalidateTable 删除依赖表 table 的全部查询结果，返回删除数量。
// 查询需以 TableTag(table) 作为依赖声明。
func (qc *QueryCache) InvalidateTable(ctx context.Context, table string) int {
	return qc.InvalidateDependency(ctx, TableTag(table))
}

// TableTag 返回表依赖的标准名称，用于 Query 的 deps。
func TableTag(table string) string {
	return tablePrefix + table
}

// QueryKey 返回 queryID 在 deps 下的缓存 key。
// 各部分带长度前缀，依赖排序去重，例如 ("q", ["b", "a"]) → "query:1:q|1:a|1:b"。
func QueryKey(queryID string, deps []string) string {
	var b strings.Builder
	b.WriteString(queryKeyPrefix)
	writeLenPrefixed(&b, queryID)
	for _, dep := range sortedDeps(deps) {
		b.WriteByte('|')
		writeLenPrefixed(&b, dep)
	}
	return b.String()
}

func writeLenPrefixed(b *strings.Builder, s string) {
	b.WriteString(strconv.Itoa(len(s)))
	b.WriteByte(':')
	b.WriteString(s)
}

func sortedDeps(deps []string) []string {
	if len(deps) == 0 {
		return nil
	}
	out := slices.Clone(deps)
	slices.Sort(out)
	return slices.Compact(out)
}

func queryTags(queryID string, deps, extra []string) []string {
	tags := make([]string, 0, 2+len(deps)+len(extra))
	tags = append(tags, DatabaseTag, queryTagPrefix+queryID)
	for _, dep := range deps {
		tags = append(tags, depTagPrefix+dep)
	}
	return append(tags, extra...)
}
