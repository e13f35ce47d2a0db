package xtier

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind 标识缓存层级。取值是封闭集合，新增层级需要在此处扩展并实现 Store。
type Kind uint8

const (
	// KindMemory 进程内易失层，最快，唯一受 LRU 淘汰约束的层。
	KindMemory Kind = iota
	// KindSession 会话级持久层，会话内跨重启保留，会话结束时清除。
	KindSession
	// KindOrigin 源级持久层，容量更大，跨会话保留。
	KindOrigin
)

// String 返回 Kind 的可读字符串表示。
func (k Kind) String() string {
	switch k {
	case KindMemory:
		return "memory"
	case KindSession:
		return "session"
	case KindOrigin:
		return "origin"
	default:
		return "Kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// ParseKind 解析配置中的存储层名称。
//
// 支持的取值（大小写不敏感）：
//   - memory
//   - session、tab-persistent
//   - origin、origin-persistent
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "memory":
		return KindMemory, nil
	case "session", "tab-persistent":
		return KindSession, nil
	case "origin", "origin-persistent":
		return KindOrigin, nil
	default:
		return KindMemory, fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
}

// MarshalText 实现 encoding.TextMarshaler。
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText 实现 encoding.TextUnmarshaler。
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Priority 条目优先级。
// 仅作为元数据记录并随条目持久化，不参与淘汰排序。
type Priority uint8

const (
	// PriorityMedium 默认优先级。
	PriorityMedium Priority = iota
	// PriorityLow 低优先级。
	PriorityLow
	// PriorityHigh 高优先级。
	PriorityHigh
)

// String 返回 Priority 的可读字符串表示。
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	default:
		return "medium"
	}
}

// parsePriority 解析持久化记录中的优先级，未知值按 medium 处理。
func parsePriority(s string) Priority {
	switch s {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	default:
		return PriorityMedium
	}
}
