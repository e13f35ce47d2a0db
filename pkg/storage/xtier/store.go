package xtier

import (
	"context"
	"time"
)

// Store 是持久层的统一契约。
//
// 持久层保存序列化后的条目；Manager 只通过该接口访问底层存储，
// 不假设具体平台，只要求支持字符串 key 的读、写、删和 key 枚举。
//
// 错误约定：
//   - key 不存在返回 ErrNotFound
//   - 底层不可用（被禁用、超出配额、熔断、网络错误）返回包装了 ErrTierUnavailable 的错误
//
// 每次 Write 必须原子地替换整个条目，并发读者只会看到旧值或新值。
type Store interface {
	// Kind 返回该存储所属的层级，只能是 KindSession 或 KindOrigin。
	Kind() Kind

	// Read 读取 key 对应的序列化条目。
	Read(ctx context.Context, key string) ([]byte, error)

	// Write 写入 key 对应的序列化条目。
	// ttl 是条目的剩余存活时间提示，支持原生过期的存储可据此设置过期，0 表示不设置。
	Write(ctx context.Context, key string, data []byte, ttl time.Duration) error

	// Remove 删除 key。key 不存在不视为错误。
	Remove(ctx context.Context, key string) error

	// Keys 返回当前存储中的全部 key，用于标签失效等全量扫描。
	Keys(ctx context.Context) ([]string, error)
}
