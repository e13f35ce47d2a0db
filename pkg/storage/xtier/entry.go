package xtier

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// Entry 是缓存值的信封。
//
// 内存层直接持有 *Entry（不序列化）；持久层保存 record 的 JSON 编码，
// 读回时 Payload 为 json.RawMessage，由 GetAs 解码为调用方类型。
type Entry struct {
	// Payload 缓存的值。写入后由条目独占，调用方不应再修改。
	Payload any

	// InsertedAt 写入时刻。
	InsertedAt time.Time

	// TTL 存活时间。now - InsertedAt > TTL 时条目过期。
	TTL time.Duration

	// SchemaVersion 写入时的数据版本，与读取时期望版本不一致视为未命中。
	SchemaVersion string

	// Tags 标签集合（去重、排序），用于批量失效。
	Tags []string

	// Priority 优先级元数据。
	Priority Priority

	// AccessCount 访问次数，写入时为 1，每次命中加 1。
	AccessCount int64

	// LastAccessedAt 最近访问时刻，决定 LRU 顺序。
	LastAccessedAt time.Time

	// SizeBytes 写入时估算的序列化大小。
	SizeBytes int64
}

// Expired 判断条目在 now 时刻是否已过期。
func (e *Entry) Expired(now time.Time) bool {
	return now.Sub(e.InsertedAt) > e.TTL
}

// Remaining 返回条目剩余存活时间，已过期返回 0。
func (e *Entry) Remaining(now time.Time) time.Duration {
	left := e.TTL - now.Sub(e.InsertedAt)
	if left < 0 {
		return 0
	}
	return left
}

// HasTag 判断条目是否带有指定标签。
func (e *Entry) HasTag(tag string) bool {
	_, found := slices.BinarySearch(e.Tags, tag)
	return found
}

// touch 记录一次成功访问。
func (e *Entry) touch(now time.Time) {
	e.AccessCount++
	e.LastAccessedAt = now
}

// normalizeTags 返回去重且排序后的标签副本，空标签被丢弃。
func normalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t != "" {
			out = append(out, t)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// =============================================================================
// 持久化记录
// =============================================================================

// record 是条目在持久层中的序列化形式。时间戳使用 Unix 毫秒。
type record struct {
	Payload        json.RawMessage `json:"payload"`
	InsertedAt     int64           `json:"inserted_at"`
	TTLMillis      int64           `json:"ttl_ms"`
	SchemaVersion  string          `json:"schema_version"`
	Tags           []string        `json:"tags,omitempty"`
	AccessCount    int64           `json:"access_count"`
	LastAccessedAt int64           `json:"last_accessed_at"`
	SizeBytes      int64           `json:"size_bytes"`
	Priority       string          `json:"priority,omitempty"`
}

// marshalPayload 将值编码为 JSON。已是 json.RawMessage 的值原样返回。
func marshalPayload(v any) (json.RawMessage, error) {
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSerialization, err)
	}
	return data, nil
}

// encodeEntry 将条目编码为持久层存储的字节。
func encodeEntry(e *Entry) ([]byte, error) {
	payload, err := marshalPayload(e.Payload)
	if err != nil {
		return nil, err
	}
	rec := record{
		Payload:        payload,
		InsertedAt:     e.InsertedAt.UnixMilli(),
		TTLMillis:      e.TTL.Milliseconds(),
		SchemaVersion:  e.SchemaVersion,
		Tags:           e.Tags,
		AccessCount:    e.AccessCount,
		LastAccessedAt: e.LastAccessedAt.UnixMilli(),
		SizeBytes:      e.SizeBytes,
		Priority:       e.Priority.String(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSerialization, err)
	}
	return data, nil
}

// decodeEntry 将持久层字节解码为条目。Payload 为 json.RawMessage。
func decodeEntry(data []byte) (*Entry, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSerialization, err)
	}
	if rec.Payload == nil {
		return nil, fmt.Errorf("%w: missing payload", ErrSerialization)
	}
	accessCount := rec.AccessCount
	if accessCount < 1 {
		accessCount = 1
	}
	return &Entry{
		Payload:        rec.Payload,
		InsertedAt:     time.UnixMilli(rec.InsertedAt),
		TTL:            time.Duration(rec.TTLMillis) * time.Millisecond,
		SchemaVersion:  rec.SchemaVersion,
		Tags:           normalizeTags(rec.Tags),
		Priority:       parsePriority(rec.Priority),
		AccessCount:    accessCount,
		LastAccessedAt: time.UnixMilli(rec.LastAccessedAt),
		SizeBytes:      rec.SizeBytes,
	}, nil
}

// decodePayload 将缓存值转换为 T。
// 内存中原始类型直接断言；来自持久层的 json.RawMessage 按 JSON 解码。
func decodePayload[T any](v any) (T, bool) {
	if t, ok := v.(T); ok {
		return t, true
	}
	var out T
	raw, ok := v.(json.RawMessage)
	if !ok {
		return out, false
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, false
	}
	return out, true
}
