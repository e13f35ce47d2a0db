package xtier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker/v2"

	"github.com/omeyang/xtier/internal/storageopt"
)

const (
	// DefaultOriginPrefix 源级持久层 key 的默认前缀。
	DefaultOriginPrefix = "xtier:"

	// scanBatch 每次 SCAN 的建议条数。
	scanBatch = 256
)

// =============================================================================
// OriginStore 配置选项
// =============================================================================

// OriginOptions 定义源级持久层的配置选项。
type OriginOptions struct {
	// Prefix key 前缀，用于隔离命名空间并限定 SCAN 范围。
	// 不应包含 glob 特殊字符（* ? [ ]）。
	// 默认为 DefaultOriginPrefix。
	Prefix string

	// OpTimeout 单次 Redis 操作超时。
	// 默认为 storageopt.DefaultOpTimeout (2s)，<= 0 表示仅使用调用方 ctx。
	OpTimeout time.Duration

	// BreakerFailures 连续失败多少次后熔断。
	// 默认为 5。
	BreakerFailures uint32

	// BreakerTimeout 熔断打开后多久进入半开状态。
	// 默认为 30s。
	BreakerTimeout time.Duration
}

// OriginOption 定义配置源级持久层的函数类型。
type OriginOption func(*OriginOptions)

// defaultOriginOptions 返回默认的源级持久层配置。
func defaultOriginOptions() *OriginOptions {
	return &OriginOptions{
		Prefix:          DefaultOriginPrefix,
		OpTimeout:       storageopt.DefaultOpTimeout,
		BreakerFailures: 5,
		BreakerTimeout:  30 * time.Second,
	}
}

// WithOriginPrefix 设置 key 前缀。空字符串将被忽略。
func WithOriginPrefix(prefix string) OriginOption {
	return func(o *OriginOptions) {
		if prefix != "" {
			o.Prefix = prefix
		}
	}
}

// WithOriginTimeout 设置单次操作超时。
func WithOriginTimeout(d time.Duration) OriginOption {
	return func(o *OriginOptions) {
		o.OpTimeout = d
	}
}

// WithOriginBreaker 设置熔断参数。failures 为 0 或 timeout <= 0 时对应项保持默认。
func WithOriginBreaker(failures uint32, timeout time.Duration) OriginOption {
	return func(o *OriginOptions) {
		if failures > 0 {
			o.BreakerFailures = failures
		}
		if timeout > 0 {
			o.BreakerTimeout = timeout
		}
	}
}

// =============================================================================
// OriginStore 实现
// =============================================================================

// OriginStore 是基于 Redis 的源级持久层。
//
// 每个条目是一个 string key，写入使用带 PX 的 SET，条目与过期时间原子生效，
// 并发读者只会看到完整的旧值或新值。所有调用都经过熔断器：
// 连续失败达到阈值后直接返回 ErrTierUnavailable，不再等待 Redis 超时。
//
// 注意：Keys 基于 SCAN，在 Redis Cluster 下只覆盖单个节点。
type OriginStore struct {
	client  redis.UniversalClient
	options *OriginOptions
	cb      *gobreaker.CircuitBreaker[[]byte]
	counter storageopt.TierCounter
}

// NewOriginStore 创建源级持久层。client 的生命周期由调用方管理。
func NewOriginStore(client redis.UniversalClient, opts ...OriginOption) (*OriginStore, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: nil redis client", ErrInvalidConfig)
	}

	options := defaultOriginOptions()
	for _, opt := range opts {
		opt(options)
	}
	if strings.ContainsAny(options.Prefix, "*?[]") {
		return nil, fmt.Errorf("%w: origin prefix %q contains glob characters", ErrInvalidConfig, options.Prefix)
	}

	failures := options.BreakerFailures
	cb := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "xtier-origin",
		MaxRequests: 1,
		Timeout:     options.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// 未命中是正常结果，不计入失败
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, redis.Nil)
		},
	})

	return &OriginStore{
		client:  client,
		options: options,
		cb:      cb,
	}, nil
}

// Kind 实现 Store。
func (s *OriginStore) Kind() Kind {
	return KindOrigin
}

// Counter 返回访问计数快照。
func (s *OriginStore) Counter() storageopt.TierSnapshot {
	return s.counter.Snapshot()
}

// BreakerState 返回熔断器当前状态（closed / half-open / open）。
func (s *OriginStore) BreakerState() string {
	return s.cb.State().String()
}

// Read 实现 Store。
func (s *OriginStore) Read(ctx context.Context, key string) ([]byte, error) {
	data, err := s.execute(ctx, func(ctx context.Context) ([]byte, error) {
		return s.client.Get(ctx, s.options.Prefix+key).Bytes()
	})
	if errors.Is(err, redis.Nil) {
		s.counter.ObserveRead(nil)
		return nil, ErrNotFound
	}
	s.counter.ObserveRead(err)
	if err != nil {
		return nil, unavailable(err)
	}
	return data, nil
}

// Write 实现 Store。ttl > 0 时设置 Redis 原生过期。
func (s *OriginStore) Write(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	_, err := s.execute(ctx, func(ctx context.Context) ([]byte, error) {
		return nil, s.client.Set(ctx, s.options.Prefix+key, data, ttl).Err()
	})
	s.counter.ObserveWrite(err)
	if err != nil {
		return unavailable(err)
	}
	return nil
}

// Remove 实现 Store。
func (s *OriginStore) Remove(ctx context.Context, key string) error {
	s.counter.IncRemove()
	_, err := s.execute(ctx, func(ctx context.Context) ([]byte, error) {
		return nil, s.client.Del(ctx, s.options.Prefix+key).Err()
	})
	if err != nil {
		return unavailable(err)
	}
	return nil
}

// Keys 实现 Store，按前缀 SCAN 全部 key。
func (s *OriginStore) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	// 熔断器只跟踪成败，结果通过闭包带出
	_, err := s.cb.Execute(func() ([]byte, error) {
		keys = keys[:0]
		iter := s.client.Scan(ctx, 0, s.options.Prefix+"*", scanBatch).Iterator()
		for iter.Next(ctx) {
			keys = append(keys, strings.TrimPrefix(iter.Val(), s.options.Prefix))
		}
		return nil, iter.Err()
	})
	if err != nil {
		return nil, unavailable(err)
	}
	return keys, nil
}

// execute 在熔断器保护下以单次操作超时执行 fn。
func (s *OriginStore) execute(ctx context.Context, fn func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	return s.cb.Execute(func() ([]byte, error) {
		opCtx, cancel := storageopt.OpContext(ctx, s.options.OpTimeout)
		defer cancel()
		return fn(opCtx)
	})
}

// unavailable 把底层错误包装为 ErrTierUnavailable。
func unavailable(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: circuit breaker: %w", ErrTierUnavailable, err)
	}
	return fmt.Errorf("%w: %w", ErrTierUnavailable, err)
}
