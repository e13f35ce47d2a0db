package xtier

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sized(n int64) *Entry {
	return &Entry{Payload: n, SizeBytes: n}
}

func TestMemoryTier_EvictsOldestWhenItemBudgetExceeded(t *testing.T) {
	mem, err := newMemoryTier(1<<20, 3)
	require.NoError(t, err)

	for _, k := range []string{"k1", "k2", "k3"} {
		evicted, err := mem.admit(k, sized(1))
		require.NoError(t, err)
		assert.Empty(t, evicted)
	}

	evicted, err := mem.admit("k4", sized(1))
	require.NoError(t, err)
	assert.Equal(t, []string{"k1"}, evicted)
	assert.Equal(t, []string{"k2", "k3", "k4"}, mem.keys())
}

func TestMemoryTier_PromoteChangesEvictionOrder(t *testing.T) {
	mem, err := newMemoryTier(1<<20, 3)
	require.NoError(t, err)

	for _, k := range []string{"k1", "k2", "k3"} {
		_, err := mem.admit(k, sized(1))
		require.NoError(t, err)
	}
	mem.promote("k1")

	evicted, err := mem.admit("k4", sized(1))
	require.NoError(t, err)
	assert.Equal(t, []string{"k2"}, evicted)
}

func TestMemoryTier_ByteBudget(t *testing.T) {
	mem, err := newMemoryTier(100, 100)
	require.NoError(t, err)

	_, err = mem.admit("a", sized(40))
	require.NoError(t, err)
	_, err = mem.admit("b", sized(40))
	require.NoError(t, err)

	evicted, err := mem.admit("c", sized(50))
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, evicted)
	assert.Equal(t, int64(90), mem.bytes())
	assert.LessOrEqual(t, mem.bytes(), int64(100))
}

func TestMemoryTier_ReplaceIsNotEviction(t *testing.T) {
	mem, err := newMemoryTier(100, 2)
	require.NoError(t, err)

	_, err = mem.admit("a", sized(30))
	require.NoError(t, err)
	_, err = mem.admit("b", sized(30))
	require.NoError(t, err)

	evicted, err := mem.admit("a", sized(60))
	require.NoError(t, err)
	assert.Empty(t, evicted)
	assert.Equal(t, 2, mem.len())
	assert.Equal(t, int64(90), mem.bytes())
}

func TestMemoryTier_EntryTooLarge(t *testing.T) {
	mem, err := newMemoryTier(10, 10)
	require.NoError(t, err)

	_, err = mem.admit("small", sized(5))
	require.NoError(t, err)

	evicted, err := mem.admit("big", sized(11))
	assert.ErrorIs(t, err, ErrEntryTooLarge)
	assert.Empty(t, evicted)
	assert.Equal(t, 1, mem.len(), "超限条目不会挤掉现有条目")
}

func TestMemoryTier_RemoveAndPurge(t *testing.T) {
	mem, err := newMemoryTier(100, 10)
	require.NoError(t, err)

	_, err = mem.admit("a", sized(10))
	require.NoError(t, err)
	_, err = mem.admit("b", sized(20))
	require.NoError(t, err)

	e, ok := mem.remove("a")
	require.True(t, ok)
	assert.Equal(t, int64(10), e.SizeBytes)
	assert.Equal(t, int64(20), mem.bytes())

	_, ok = mem.remove("a")
	assert.False(t, ok)

	mem.purge()
	assert.Zero(t, mem.len())
	assert.Zero(t, mem.bytes())
}

func TestNewMemoryTier_InvalidItems(t *testing.T) {
	_, err := newMemoryTier(10, 0)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
