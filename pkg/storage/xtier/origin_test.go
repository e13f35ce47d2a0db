package xtier

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewOriginStore_Validation(t *testing.T) {
	_, err := NewOriginStore(nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()
	_, err = NewOriginStore(client, WithOriginPrefix("cache:*"))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestOriginStore_ReadWriteRemove(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestOrigin(t, WithOriginPrefix("app:"))
	assert.Equal(t, KindOrigin, s.Kind())

	_, err := s.Read(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Write(ctx, "k", []byte("v"), 1500*time.Millisecond))
	assert.True(t, mr.Exists("app:k"))
	assert.Equal(t, 1500*time.Millisecond, mr.TTL("app:k"))

	data, err := s.Read(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(data))

	require.NoError(t, s.Remove(ctx, "k"))
	assert.False(t, mr.Exists("app:k"))

	snap := s.Counter()
	assert.Equal(t, int64(2), snap.Reads)
	assert.Zero(t, snap.ReadErrors)
	assert.Equal(t, int64(1), snap.Writes)
	assert.Equal(t, int64(1), snap.Removes)
}

func TestOriginStore_NativeExpiry(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestOrigin(t)

	require.NoError(t, s.Write(ctx, "k", []byte("v"), time.Second))
	mr.FastForward(2 * time.Second)

	_, err := s.Read(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOriginStore_KeysScopedByPrefix(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestOrigin(t)

	require.NoError(t, mr.Set("other:x", "1"))
	for _, k := range []string{"a", "b", "price:42"} {
		require.NoError(t, s.Write(ctx, k, []byte("{}"), time.Minute))
	}

	keys, err := s.Keys(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b", "price:42"}, keys)
}

func TestOriginStore_BreakerOpensOnFailures(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestOrigin(t,
		WithOriginBreaker(2, time.Minute),
		WithOriginTimeout(200*time.Millisecond),
	)
	mr.Close()

	for range 2 {
		_, err := s.Read(ctx, "k")
		assert.ErrorIs(t, err, ErrTierUnavailable)
	}
	assert.Equal(t, "open", s.BreakerState())

	err := s.Write(ctx, "k", []byte("v"), time.Minute)
	assert.ErrorIs(t, err, ErrTierUnavailable)
	assert.Contains(t, err.Error(), "circuit breaker")
	assert.Equal(t, int64(2), s.Counter().ReadErrors)
}

func TestOriginStore_MissDoesNotTripBreaker(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestOrigin(t, WithOriginBreaker(1, time.Minute))

	for range 5 {
		_, err := s.Read(ctx, "absent")
		assert.ErrorIs(t, err, ErrNotFound)
	}
	assert.Equal(t, "closed", s.BreakerState())
}
