package xtier

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/google/uuid"

	"github.com/omeyang/xtier/internal/storageopt"
)

const (
	// DefaultSessionRoot 会话目录的默认父目录。
	DefaultSessionRoot = "xtier-sessions"

	entryFileSuffix = ".entry"
	tempFilePrefix  = ".tmp-"
)

// =============================================================================
// SessionStore 配置选项
// =============================================================================

// SessionOptions 定义会话层的配置选项。
type SessionOptions struct {
	// Root 会话目录的父目录。
	// 默认为 DefaultSessionRoot。
	Root string

	// ID 会话标识。相同 ID 的 SessionStore 共享同一目录，
	// 因此进程重启后仍能读到同一会话写入的条目。
	// 默认为随机 UUID（即每个实例一个新会话）。
	ID string

	// QuotaBytes 会话目录允许占用的最大字节数，模拟底层存储配额。
	// 超出时写入失败并返回 ErrQuotaExceeded。0 表示不限制。
	QuotaBytes int64
}

// SessionOption 定义配置会话层的函数类型。
type SessionOption func(*SessionOptions)

// defaultSessionOptions 返回默认的会话层配置。
func defaultSessionOptions() *SessionOptions {
	return &SessionOptions{
		Root: DefaultSessionRoot,
	}
}

// WithSessionRoot 设置会话目录的父目录。空字符串将被忽略。
func WithSessionRoot(root string) SessionOption {
	return func(o *SessionOptions) {
		if root != "" {
			o.Root = root
		}
	}
}

// WithSessionID 设置会话标识。空字符串将被忽略。
func WithSessionID(id string) SessionOption {
	return func(o *SessionOptions) {
		if id != "" {
			o.ID = id
		}
	}
}

// WithSessionQuota 设置会话配额（字节）。n <= 0 表示不限制。
func WithSessionQuota(n int64) SessionOption {
	return func(o *SessionOptions) {
		if n > 0 {
			o.QuotaBytes = n
		} else {
			o.QuotaBytes = 0
		}
	}
}

// =============================================================================
// SessionStore 实现
// =============================================================================

// SessionStore 是会话级持久层，每个条目是会话目录下的一个文件。
//
// 文件名是 key 的 base64url 编码，写入先落临时文件再 rename，
// 保证读者看不到写了一半的条目。会话结束（End）时整个目录被删除。
//
// 底层文件系统通过 go-billy 抽象：生产环境使用 osfs，测试使用 memfs。
type SessionStore struct {
	fs      billy.Filesystem
	dir     string
	id      string
	quota   int64
	mu      sync.Mutex // 串行化写入、删除和 End，保证配额核算与 rename 的一致性
	counter storageopt.TierCounter
	ended   atomic.Bool
}

// NewSessionStore 在 filesystem 上创建会话层，并确保会话目录存在。
func NewSessionStore(filesystem billy.Filesystem, opts ...SessionOption) (*SessionStore, error) {
	if filesystem == nil {
		return nil, fmt.Errorf("%w: nil filesystem", ErrInvalidConfig)
	}

	options := defaultSessionOptions()
	for _, opt := range opts {
		opt(options)
	}
	if options.ID == "" {
		options.ID = uuid.NewString()
	}
	if strings.ContainsAny(options.ID, `/\`) || options.ID == "." || options.ID == ".." {
		return nil, fmt.Errorf("%w: invalid session id %q", ErrInvalidConfig, options.ID)
	}

	dir := path.Join(options.Root, options.ID)
	if err := filesystem.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create session dir: %w", ErrTierUnavailable, err)
	}

	return &SessionStore{
		fs:    filesystem,
		dir:   dir,
		id:    options.ID,
		quota: options.QuotaBytes,
	}, nil
}

// Kind 实现 Store。
func (s *SessionStore) Kind() Kind {
	return KindSession
}

// ID 返回会话标识。
func (s *SessionStore) ID() string {
	return s.id
}

// Counter 返回访问计数快照。
func (s *SessionStore) Counter() storageopt.TierSnapshot {
	return s.counter.Snapshot()
}

// Read 实现 Store。
func (s *SessionStore) Read(_ context.Context, key string) ([]byte, error) {
	if s.ended.Load() {
		return nil, fmt.Errorf("%w: session ended", ErrTierUnavailable)
	}

	data, err := util.ReadFile(s.fs, s.filePath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.counter.ObserveRead(nil)
			return nil, ErrNotFound
		}
		s.counter.ObserveRead(err)
		return nil, fmt.Errorf("%w: %w", ErrTierUnavailable, err)
	}
	s.counter.ObserveRead(nil)
	return data, nil
}

// Write 实现 Store。ttl 被忽略，过期由条目自身的时间戳判断。
func (s *SessionStore) Write(_ context.Context, key string, data []byte, _ time.Duration) error {
	if s.ended.Load() {
		return fmt.Errorf("%w: session ended", ErrTierUnavailable)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// End 可能在上面的检查之后、取得锁之前执行完毕
	if s.ended.Load() {
		return fmt.Errorf("%w: session ended", ErrTierUnavailable)
	}

	err := s.write(key, data)
	s.counter.ObserveWrite(err)
	return err
}

func (s *SessionStore) write(key string, data []byte) error {
	target := s.filePath(key)

	if s.quota > 0 {
		used, err := s.usage(target)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrTierUnavailable, err)
		}
		if used+int64(len(data)) > s.quota {
			return fmt.Errorf("%w: %w: %d + %d > %d bytes",
				ErrTierUnavailable, ErrQuotaExceeded, used, len(data), s.quota)
		}
	}

	tmp, err := s.fs.TempFile(s.dir, tempFilePrefix)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTierUnavailable, err)
	}
	tmpName := tmp.Name()

	_, err = tmp.Write(data)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = s.fs.Remove(tmpName)
		return fmt.Errorf("%w: %w", ErrTierUnavailable, err)
	}

	if err := s.fs.Rename(tmpName, target); err != nil {
		// 部分文件系统不允许覆盖已有文件，删除后重试一次
		_ = s.fs.Remove(target)
		if err := s.fs.Rename(tmpName, target); err != nil {
			_ = s.fs.Remove(tmpName)
			return fmt.Errorf("%w: %w", ErrTierUnavailable, err)
		}
	}
	return nil
}

// usage 返回会话目录已占用字节数，不含即将被替换的 exclude 文件。
func (s *SessionStore) usage(exclude string) (int64, error) {
	infos, err := s.fs.ReadDir(s.dir)
	if err != nil {
		return 0, err
	}
	var used int64
	for _, info := range infos {
		if info.IsDir() || !strings.HasSuffix(info.Name(), entryFileSuffix) {
			continue
		}
		if path.Join(s.dir, info.Name()) == exclude {
			continue
		}
		used += info.Size()
	}
	return used, nil
}

// Remove 实现 Store。
func (s *SessionStore) Remove(_ context.Context, key string) error {
	if s.ended.Load() {
		return fmt.Errorf("%w: session ended", ErrTierUnavailable)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended.Load() {
		return fmt.Errorf("%w: session ended", ErrTierUnavailable)
	}

	s.counter.IncRemove()
	if err := s.fs.Remove(s.filePath(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %w", ErrTierUnavailable, err)
	}
	return nil
}

// Keys 实现 Store。无法解码的文件名（临时文件、外来文件）被跳过。
func (s *SessionStore) Keys(_ context.Context) ([]string, error) {
	if s.ended.Load() {
		return nil, fmt.Errorf("%w: session ended", ErrTierUnavailable)
	}
	infos, err := s.fs.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %w", ErrTierUnavailable, err)
	}
	keys := make([]string, 0, len(infos))
	for _, info := range infos {
		name := info.Name()
		if info.IsDir() || !strings.HasSuffix(name, entryFileSuffix) {
			continue
		}
		raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSuffix(name, entryFileSuffix))
		if err != nil {
			continue
		}
		keys = append(keys, string(raw))
	}
	return keys, nil
}

// End 结束会话：删除会话目录下的全部条目。之后所有操作返回 ErrTierUnavailable。
// 重复调用返回 ErrClosed。
func (s *SessionStore) End() error {
	if !s.ended.CompareAndSwap(false, true) {
		return ErrClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := util.RemoveAll(s.fs, s.dir); err != nil {
		return fmt.Errorf("%w: %w", ErrTierUnavailable, err)
	}
	return nil
}

// filePath 返回 key 对应的条目文件路径。
func (s *SessionStore) filePath(key string) string {
	return path.Join(s.dir, base64.RawURLEncoding.EncodeToString([]byte(key))+entryFileSuffix)
}
