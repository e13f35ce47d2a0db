package xtier

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_InvalidateByTag_PricingScenario(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, Config{})

	require.NoError(t, m.Set(ctx, "price:1", 1.5, WithTags("pricing")))
	require.NoError(t, m.Set(ctx, "price:2", 2.5, WithTags("pricing")))
	require.NoError(t, m.Set(ctx, "stock:1", 7, WithTags("inventory")))

	assert.Equal(t, 2, m.InvalidateByTag(ctx, "pricing"))

	for _, k := range []string{"price:1", "price:2"} {
		_, ok := m.Get(ctx, k, "")
		assert.False(t, ok, k)
	}
	v, ok := m.Get(ctx, "stock:1", "")
	require.True(t, ok)
	assert.Equal(t, 7, v)
}

func TestManager_InvalidateByTag_AcrossTiers(t *testing.T) {
	ctx := context.Background()
	session := newTestSession(t)
	origin, _ := newTestOrigin(t)
	m, _ := newTestManager(t, Config{}, WithStore(session), WithStore(origin))

	require.NoError(t, m.Set(ctx, "price:1", 1.5, WithTags("pricing"), WithPersistTo(KindSession)))
	require.NoError(t, m.Set(ctx, "price:2", 2.5, WithTags("pricing"), WithPersistTo(KindOrigin)))
	require.NoError(t, m.Set(ctx, "stock:1", 7, WithTags("inventory"), WithPersistTo(KindOrigin)))
	require.NoError(t, session.Write(ctx, "garbage", []byte("{"), 0))

	// 内存层 2 条 + 会话层 1 条 + 源级层 1 条，损坏记录被删除但不计数
	assert.Equal(t, 4, m.InvalidateByTag(ctx, "pricing"))

	_, err := session.Read(ctx, "price:1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = session.Read(ctx, "garbage")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = origin.Read(ctx, "price:2")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = origin.Read(ctx, "stock:1")
	require.NoError(t, err)

	// 共享源级持久层的另一个 Manager 仍能读到 inventory 条目
	other, _ := newTestManager(t, Config{}, WithStore(origin))
	v, ok := GetAs[int](ctx, other, "stock:1", "")
	require.True(t, ok)
	assert.Equal(t, 7, v)
}

func TestManager_Invalidate(t *testing.T) {
	ctx := context.Background()
	session := newTestSession(t)
	origin, mr := newTestOrigin(t)
	m, _ := newTestManager(t, Config{}, WithStore(session), WithStore(origin))

	require.NoError(t, m.Set(ctx, "k", 1, WithPersistTo(KindSession)))
	persist(t, origin, "k", &Entry{Payload: 1, InsertedAt: time.UnixMilli(0), TTL: time.Hour, SchemaVersion: DefaultSchemaVersion})

	m.Invalidate(ctx, "k")

	_, ok := m.Get(ctx, "k", "")
	assert.False(t, ok)
	_, err := session.Read(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, mr.Exists(DefaultOriginPrefix+"k"))

	m.Invalidate(ctx, "")
	m.Invalidate(ctx, "absent")
}

func TestManager_InvalidatePrefix(t *testing.T) {
	ctx := context.Background()
	session := newTestSession(t)
	m, _ := newTestManager(t, Config{}, WithStore(session))

	require.NoError(t, m.Set(ctx, "user:1", 1, WithPersistTo(KindSession)))
	require.NoError(t, m.Set(ctx, "user:2", 2, WithPersistTo(KindSession)))
	require.NoError(t, m.Set(ctx, "order:1", 3))

	assert.Zero(t, m.InvalidatePrefix(ctx, ""))
	assert.Equal(t, 4, m.InvalidatePrefix(ctx, "user:"))

	_, ok := m.Get(ctx, "user:1", "")
	assert.False(t, ok)
	_, ok = m.Get(ctx, "order:1", "")
	assert.True(t, ok)
}

func TestManager_Clear(t *testing.T) {
	ctx := context.Background()
	session := newTestSession(t)
	origin, _ := newTestOrigin(t)
	m, _ := newTestManager(t, Config{}, WithStore(session), WithStore(origin))

	require.NoError(t, m.Set(ctx, "a", 1, WithPersistTo(KindSession)))
	require.NoError(t, m.Set(ctx, "b", 2, WithPersistTo(KindOrigin)))
	m.Get(ctx, "a", "")
	m.Get(ctx, "absent", "")

	m.Clear(ctx)

	assert.Equal(t, Stats{}, m.Stats())
	keys, err := session.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
	keys, err = origin.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)

	_, ok := m.Get(ctx, "b", "")
	assert.False(t, ok)
}

func TestManager_InvalidateAfterClose(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, Config{})
	require.NoError(t, m.Set(ctx, "k", 1, WithTags("t")))
	require.NoError(t, m.Close())

	assert.Zero(t, m.InvalidateByTag(ctx, "t"))
	assert.Zero(t, m.InvalidatePrefix(ctx, "k"))
	m.Invalidate(ctx, "k")
	m.Clear(ctx)
}
