package xtier

import (
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// =============================================================================
// Manager 配置选项
// =============================================================================

// managerOptions 定义 Manager 的可选依赖。
type managerOptions struct {
	logger        *slog.Logger
	clock         clock.Clock
	estimator     SizeEstimator
	stores        []Store
	meterProvider metric.MeterProvider
	sweep         bool
}

// Option 定义配置 Manager 的函数类型。
type Option func(*managerOptions)

// defaultManagerOptions 返回默认的 Manager 选项。
func defaultManagerOptions() *managerOptions {
	return &managerOptions{
		logger:        slog.Default(),
		clock:         clock.New(),
		estimator:     JSONSizeEstimator{},
		meterProvider: otel.GetMeterProvider(),
		sweep:         true,
	}
}

// WithLogger 设置自定义 Logger。
// 传入 nil 将禁用日志输出。
func WithLogger(logger *slog.Logger) Option {
	return func(o *managerOptions) {
		if logger == nil {
			logger = slog.New(slog.DiscardHandler)
		}
		o.logger = logger
	}
}

// WithClock 设置时间源。测试中可传入 clock.NewMock()。
// 传入 nil 将被忽略。
func WithClock(c clock.Clock) Option {
	return func(o *managerOptions) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithSizeEstimator 设置大小估算器。
// 默认为 JSONSizeEstimator。传入 nil 将被忽略。
func WithSizeEstimator(e SizeEstimator) Option {
	return func(o *managerOptions) {
		if e != nil {
			o.estimator = e
		}
	}
}

// WithStore 注册一个持久层。每种 Kind 至多注册一个，
// 读取时按 KindSession、KindOrigin 的固定顺序级联，与注册顺序无关。
// 传入 nil 将被忽略。
func WithStore(s Store) Option {
	return func(o *managerOptions) {
		if s != nil {
			o.stores = append(o.stores, s)
		}
	}
}

// WithMeterProvider 设置 OpenTelemetry MeterProvider。
// 默认为 otel.GetMeterProvider()。传入 nil 将被忽略。
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *managerOptions) {
		if mp != nil {
			o.meterProvider = mp
		}
	}
}

// WithSweep 设置是否启动后台定期清扫。
// 默认为 true。关闭后仍可手动调用 Manager.Sweep。
func WithSweep(enable bool) Option {
	return func(o *managerOptions) {
		o.sweep = enable
	}
}

// =============================================================================
// Set 选项
// =============================================================================

// setOptions 定义单次写入的策略。
type setOptions struct {
	ttl           time.Duration
	schemaVersion string
	tags          []string
	priority      Priority
	persistTo     Kind
}

// SetOption 定义单次写入选项的函数类型。
type SetOption func(*setOptions)

// WithTTL 设置条目存活时间。负值按 0 处理（写入后任何时间流逝都会使其过期）。
func WithTTL(ttl time.Duration) SetOption {
	return func(o *setOptions) {
		if ttl < 0 {
			ttl = 0
		}
		o.ttl = ttl
	}
}

// WithSchemaVersion 设置条目版本。空字符串将被忽略。
func WithSchemaVersion(version string) SetOption {
	return func(o *setOptions) {
		if version != "" {
			o.schemaVersion = version
		}
	}
}

// WithTags 设置条目标签，覆盖配置中的默认标签。
func WithTags(tags ...string) SetOption {
	return func(o *setOptions) {
		o.tags = tags
	}
}

// WithPriority 设置条目优先级。
func WithPriority(p Priority) SetOption {
	return func(o *setOptions) {
		o.priority = p
	}
}

// WithPersistTo 选择额外写入的持久层。每次写入至多一个持久层；
// KindMemory 表示只写内存层。
func WithPersistTo(kind Kind) SetOption {
	return func(o *setOptions) {
		o.persistTo = kind
	}
}
