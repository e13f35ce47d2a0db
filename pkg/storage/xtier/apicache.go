package xtier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultAPITTL API 响应的默认存活时间。
	DefaultAPITTL = 5 * time.Minute

	// APITag 所有 API 响应共有的标签。
	APITag = "api"

	apiKeyPrefix     = "api:"
	hostTagPrefix    = "host:"
	unknownHost      = "unknown"
	defaultAPIClient = 30 * time.Second
)

// =============================================================================
// APICache 配置选项
// =============================================================================

type apiOptions struct {
	client    *http.Client
	ttl       time.Duration
	version   string
	persistTo Kind
	logger    *slog.Logger
}

// APIOption 定义配置 APICache 的函数类型。
type APIOption func(*apiOptions)

// WithHTTPClient 设置发起请求的 HTTP 客户端，超时由该客户端决定。
// 默认客户端超时 30 秒。传入 nil 将被忽略。
func WithHTTPClient(client *http.Client) APIOption {
	return func(o *apiOptions) {
		if client != nil {
			o.client = client
		}
	}
}

// WithAPITTL 设置响应存活时间。默认 5 分钟，<= 0 将被忽略。
func WithAPITTL(ttl time.Duration) APIOption {
	return func(o *apiOptions) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithAPIVersion 设置响应的数据版本。默认使用 Manager 配置的 SchemaVersion。
func WithAPIVersion(version string) APIOption {
	return func(o *apiOptions) {
		o.version = version
	}
}

// WithAPIPersistTo 设置响应额外写入的持久层。默认沿用 Manager 配置的 Storage。
func WithAPIPersistTo(kind Kind) APIOption {
	return func(o *apiOptions) {
		o.persistTo = kind
	}
}

// WithAPILogger 设置日志记录器。默认沿用 slog.Default()，传入 nil 禁用日志。
func WithAPILogger(logger *slog.Logger) APIOption {
	return func(o *apiOptions) {
		if logger == nil {
			logger = slog.New(slog.DiscardHandler)
		}
		o.logger = logger
	}
}

// =============================================================================
// APICache 实现
// =============================================================================

// Request 描述一次可缓存的 HTTP 请求。
type Request struct {
	// Method HTTP 方法，为空按 GET 处理。
	Method string
	// URL 完整请求地址。
	URL string
	// Header 请求头，参与缓存 key 计算。
	Header http.Header
	// Body 请求体，参与缓存 key 计算。
	Body []byte
}

// APICache 缓存 JSON API 的响应。
//
// 缓存 key 由方法、URL、按名称排序的请求头和请求体确定性地计算，
// 响应带有 APITag 和目标主机标签，便于按来源批量失效。
// 同一 key 的并发未命中只发起一次请求。
type APICache struct {
	m       *Manager
	options *apiOptions
	group   singleflight.Group
}

// NewAPICache 创建 API 响应缓存。
func NewAPICache(m *Manager, opts ...APIOption) (*APICache, error) {
	if m == nil {
		return nil, ErrNilManager
	}
	options := &apiOptions{
		client:    &http.Client{Timeout: defaultAPIClient},
		ttl:       DefaultAPITTL,
		version:   m.cfg.SchemaVersion,
		persistTo: m.cfg.Storage,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(options)
	}
	if options.version == "" {
		options.version = m.cfg.SchemaVersion
	}
	return &APICache{m: m, options: options}, nil
}

// Key 返回请求对应的缓存 key。
func (c *APICache) Key(req Request) string {
	return apiKeyPrefix + strconv.FormatUint(canonicalRequestHash(req), 16)
}

// HostTag 返回主机对应的标签。
func HostTag(host string) string {
	return hostTagPrefix + strings.ToLower(host)
}

// InvalidateHost 删除来自 host 的全部响应，返回删除数量。
func (c *APICache) InvalidateHost(ctx context.Context, host string) int {
	return c.m.InvalidateByTag(ctx, HostTag(host))
}

// InvalidateAll 删除全部 API 响应，返回删除数量。
func (c *APICache) InvalidateAll(ctx context.Context) int {
	return c.m.InvalidateByTag(ctx, APITag)
}

// FetchJSON 返回请求的 JSON 响应解码为 T 的结果，优先读缓存。
//
// 未命中时发起请求：非 2xx 返回 ErrHTTPStatus，解码失败返回 ErrSerialization，
// 两种情况都不写缓存。写缓存失败只记录日志，仍返回取得的结果。
//
// 调用方 ctx 取消只影响自身等待，已发起的请求继续完成并供其他等待者使用。
func FetchJSON[T any](ctx context.Context, c *APICache, req Request) (T, error) {
	var zero T
	if c == nil || c.m == nil {
		return zero, ErrNilManager
	}
	if req.URL == "" {
		return zero, ErrEmptyKey
	}

	key := c.Key(req)
	if v, ok := GetAs[T](ctx, c.m, key, c.options.version); ok {
		return v, nil
	}

	// 同一请求按不同类型解码时互不共享
	sfKey := key + "|" + reflect.TypeFor[T]().String()
	ch := c.group.DoChan(sfKey, func() (any, error) {
		fetchCtx := context.WithoutCancel(ctx)
		v, err := fetchJSON[T](fetchCtx, c.options.client, req)
		if err != nil {
			return nil, err
		}
		if err := c.m.Set(fetchCtx, key, v,
			WithTTL(c.options.ttl),
			WithSchemaVersion(c.options.version),
			WithTags(APITag, requestHostTag(req.URL)),
			WithPersistTo(c.options.persistTo),
		); err != nil {
			c.options.logger.WarnContext(fetchCtx, "xtier: cache api response failed",
				slog.String("url", req.URL), slog.Any("error", err))
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

// fetchJSON 发起请求并把 2xx 响应体解码为 T。
func fetchJSON[T any](ctx context.Context, client *http.Client, req Request) (T, error) {
	var out T

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return out, fmt.Errorf("xtier: build request: %w", err)
	}
	for name, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(name, v)
		}
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return out, fmt.Errorf("xtier: fetch %s: %w", req.URL, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return out, fmt.Errorf("%w: %s %s: %d", ErrHTTPStatus, method, req.URL, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("%w: decode response: %w", ErrSerialization, err)
	}
	return out, nil
}

// canonicalRequestHash 计算请求的规范化哈希。
// 每个字段都带长度前缀，避免不同字段拼接后产生歧义。
func canonicalRequestHash(req Request) uint64 {
	d := xxhash.New()
	writeField := func(s string) {
		_, _ = d.WriteString(strconv.Itoa(len(s)))
		_, _ = d.WriteString(":")
		_, _ = d.WriteString(s)
	}

	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	writeField(method)
	writeField(req.URL)

	names := make([]string, 0, len(req.Header))
	for name := range req.Header {
		names = append(names, http.CanonicalHeaderKey(name))
	}
	slices.Sort(names)
	names = slices.Compact(names)
	for _, name := range names {
		writeField(name)
		values := req.Header.Values(name)
		writeField(strconv.Itoa(len(values)))
		for _, v := range values {
			writeField(v)
		}
	}

	writeField(string(req.Body))
	return d.Sum64()
}

// requestHostTag 返回 URL 主机对应的标签，无法解析时使用 unknown。
func requestHostTag(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return HostTag(unknownHost)
	}
	return HostTag(u.Hostname())
}
