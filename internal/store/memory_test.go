package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func appendItems(t *testing.T, s Store, items ...string) []uint64 {
	t.Helper()
	ids := make([]uint64, 0, len(items))
	for _, item := range items {
		id := s.NextID()
		require.NoError(t, s.Append(Record{ID: id, Item: []byte(item)}))
		ids = append(ids, id)
	}
	return ids
}

func TestMemoryStore_FIFO(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Open())
	appendItems(t, s, "a", "b", "c")

	assert.Equal(t, 3, s.Len())
	for _, want := range []string{"a", "b", "c"} {
		rec, ok, err := s.Reserve()
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, want, string(rec.Item))
		require.NoError(t, s.Remove(rec.ID))
	}

	_, ok, err := s.Reserve()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, s.Total())
}

func TestMemoryStore_ReserveRelease(t *testing.T) {
	s := NewMemoryStore()
	ids := appendItems(t, s, "a", "b")

	rec, ok, err := s.Reserve()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ids[0], rec.ID)

	peeked, ok, err := s.Peek()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "b", string(peeked.Item))
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, 2, s.Total())
	assert.True(t, s.Contains(ids[0]))

	s.Release(ids[0])
	peeked, _, err = s.Peek()
	require.NoError(t, err)
	assert.Equal(t, "a", string(peeked.Item))
	assert.Equal(t, 2, s.Len())
}

func TestMemoryStore_RemoveUnknown(t *testing.T) {
	s := NewMemoryStore()
	assert.ErrorIs(t, s.Remove(42), ErrNotFound)
}

func TestMemoryStore_DuplicateID(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Append(Record{ID: 7, Item: []byte("x")}))
	assert.ErrorIs(t, s.Append(Record{ID: 7, Item: []byte("y")}), ErrDuplicateID)
	assert.Equal(t, uint64(8), s.NextID())
}

func TestMemoryStore_CopiesItem(t *testing.T) {
	s := NewMemoryStore()
	item := []byte("abc")
	require.NoError(t, s.Append(Record{ID: s.NextID(), Item: item}))
	item[0] = 'z'

	rec, _, err := s.Peek()
	require.NoError(t, err)
	assert.Equal(t, "abc", string(rec.Item))
}

func TestMemoryStore_SurvivesClose(t *testing.T) {
	s := NewMemoryStore()
	appendItems(t, s, "a")
	require.NoError(t, s.Close())
	require.NoError(t, s.Open())
	assert.Equal(t, 1, s.Len())
}

func TestMemoryStore_PurgeKeepsReserved(t *testing.T) {
	s := NewMemoryStore()
	ids := appendItems(t, s, "a", "b", "c")
	_, _, err := s.Reserve()
	require.NoError(t, err)

	n, err := s.Purge()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, s.Total())
	assert.True(t, s.Contains(ids[0]))
}
