package xtier

import "errors"

// =============================================================================
// 通用错误
// =============================================================================

var (
	// ErrEmptyKey 表示传入的 key 为空字符串。
	ErrEmptyKey = errors.New("xtier: empty key")

	// ErrClosed 表示 Manager 或存储层已关闭。
	ErrClosed = errors.New("xtier: closed")

	// ErrInvalidConfig 表示配置参数无效。
	// 属于开发期错误，构造时 fail-fast 返回。
	ErrInvalidConfig = errors.New("xtier: invalid configuration")

	// ErrUnknownKind 表示无法识别的存储层类型。
	ErrUnknownKind = errors.New("xtier: unknown storage kind")
)

// =============================================================================
// 存储层错误
// =============================================================================

var (
	// ErrNotFound 表示存储层中不存在该 key。
	// 属于正常的未命中条件，不会记录为存储层故障。
	ErrNotFound = errors.New("xtier: key not found")

	// ErrTierUnavailable 表示持久层底层存储不可用（被禁用、超出配额、访问出错、熔断打开）。
	// Manager 在该层上把读视为未命中、写视为空操作，其他层照常工作。
	ErrTierUnavailable = errors.New("xtier: tier unavailable")

	// ErrQuotaExceeded 表示写入会超出存储层配额。
	// 返回时总是同时包装 ErrTierUnavailable。
	ErrQuotaExceeded = errors.New("xtier: quota exceeded")

	// ErrSerialization 表示值无法转换为存储表示（例如包含 channel、func 等不可序列化的值）。
	ErrSerialization = errors.New("xtier: serialization failed")

	// ErrEntryTooLarge 表示单个条目超过内存层字节预算，内存层拒绝接收。
	ErrEntryTooLarge = errors.New("xtier: entry exceeds memory budget")
)

// =============================================================================
// 包装器错误
// =============================================================================

var (
	// ErrNilManager 表示传入的 Manager 为 nil。
	ErrNilManager = errors.New("xtier: nil manager")

	// ErrNilProducer 表示回源函数为 nil。
	ErrNilProducer = errors.New("xtier: nil producer")

	// ErrHTTPStatus 表示上游返回了非 2xx 状态码，结果不会被缓存。
	ErrHTTPStatus = errors.New("xtier: unexpected http status")
)
