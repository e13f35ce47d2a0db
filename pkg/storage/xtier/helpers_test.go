package xtier

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/benbjohnson/clock"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// newTestManager 创建使用 mock 时钟、关闭后台清扫的 Manager。
func newTestManager(t *testing.T, cfg Config, opts ...Option) (*Manager, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	opts = append([]Option{WithClock(clk), WithLogger(nil), WithSweep(false)}, opts...)
	m, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m, clk
}

// newTestSession 创建基于 memfs 的会话层。
func newTestSession(t *testing.T, opts ...SessionOption) *SessionStore {
	t.Helper()
	s, err := NewSessionStore(memfs.New(), opts...)
	require.NoError(t, err)
	return s
}

// newTestOrigin 创建基于 miniredis 的源级持久层。
func newTestOrigin(t *testing.T, opts ...OriginOption) (*OriginStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	s, err := NewOriginStore(client, opts...)
	require.NoError(t, err)
	return s, mr
}

// persist 直接向持久层写入条目，绕过 Manager。
func persist(t *testing.T, s Store, key string, e *Entry) {
	t.Helper()
	data, err := encodeEntry(e)
	require.NoError(t, err)
	require.NoError(t, s.Write(context.Background(), key, data, e.TTL))
}
