package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnykmshr/txqueue/internal/format"
)

// openFileStore creates and opens a file store in dir with cleanup.
func openFileStore(t *testing.T, dir string, maxFileSize int64) *FileStore {
	t.Helper()
	opts := DefaultFileStoreOptions(dir)
	opts.MaxFileSize = maxFileSize
	s := NewFileStore(opts)
	require.NoError(t, s.Open())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func takeAll(t *testing.T, s Store) []string {
	t.Helper()
	var out []string
	for {
		rec, ok, err := s.Reserve()
		require.NoError(t, err)
		if !ok {
			return out
		}
		require.NoError(t, s.Remove(rec.ID))
		out = append(out, string(rec.Item))
	}
}

func TestFileStore_FreshDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "q")
	s := openFileStore(t, dir, 0)

	assert.Equal(t, KindFile, s.Kind())
	assert.Equal(t, 0, s.Len())
	for _, name := range []string{"data.0", "data.1", ControlFileName} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err, name)
	}
}

func TestFileStore_AppendReopen(t *testing.T) {
	dir := t.TempDir()
	s := openFileStore(t, dir, 0)
	appendItems(t, s, "a", "b", "c")
	require.NoError(t, s.Close())

	s2 := openFileStore(t, dir, 0)
	assert.Equal(t, 3, s2.Len())
	assert.Equal(t, []string{"a", "b", "c"}, takeAll(t, s2))

	// ids keep increasing across reopen
	assert.Greater(t, s2.NextID(), uint64(3))
}

func TestFileStore_RemovalSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s := openFileStore(t, dir, 0)
	appendItems(t, s, "a", "b", "c")

	rec, ok, err := s.Reserve()
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.Remove(rec.ID))
	require.NoError(t, s.Close())

	s2 := openFileStore(t, dir, 0)
	assert.Equal(t, []string{"b", "c"}, takeAll(t, s2))
}

func TestFileStore_RemoveAhead(t *testing.T) {
	dir := t.TempDir()
	s := openFileStore(t, dir, 0)
	ids := appendItems(t, s, "a", "b", "c")

	// remove the middle record while the head stays
	require.NoError(t, s.Remove(ids[1]))
	assert.False(t, s.Contains(ids[1]))
	require.NoError(t, s.Abort())

	s2 := openFileStore(t, dir, 0)
	assert.Equal(t, []string{"a", "c"}, takeAll(t, s2))
}

func TestFileStore_ReserveRelease(t *testing.T) {
	s := openFileStore(t, t.TempDir(), 0)
	ids := appendItems(t, s, "a", "b")

	rec, ok, err := s.Reserve()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ids[0], rec.ID)
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, 2, s.Total())

	peeked, ok, err := s.Peek()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "b", string(peeked.Item))

	s.Release(ids[0])
	assert.Equal(t, []string{"a", "b"}, takeAll(t, s))
}

func TestFileStore_ReservedNotPersistedAsRemoved(t *testing.T) {
	dir := t.TempDir()
	s := openFileStore(t, dir, 0)
	appendItems(t, s, "a")

	_, ok, err := s.Reserve()
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.Close())

	s2 := openFileStore(t, dir, 0)
	assert.Equal(t, 1, s2.Len())
}

func TestFileStore_Rotation(t *testing.T) {
	dir := t.TempDir()
	// each record with a 10 byte item takes 26 bytes
	s := openFileStore(t, dir, 50)

	rotations := 0
	s.opts.OnRotate = func() { rotations++ }

	appendItems(t, s, "0000000001", "0000000002", "0000000003")
	assert.Equal(t, uint8(1), s.writeFile, "third append rotates")
	assert.Equal(t, uint8(0), s.readFile)
	assert.Equal(t, 1, rotations)

	// write file does not rotate again while the read file still has records
	appendItems(t, s, "0000000004", "0000000005", "0000000006")
	assert.Equal(t, uint8(1), s.writeFile)

	assert.Equal(t, []string{"0000000001", "0000000002"}, takeAll(t, s)[:2])
	assert.Equal(t, uint8(1), s.readFile)

	info, err := os.Stat(filepath.Join(dir, "data.0"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), info.Size(), "drained file is truncated")
}

func TestFileStore_RotationReopenOrder(t *testing.T) {
	dir := t.TempDir()
	s := openFileStore(t, dir, 50)

	appendItems(t, s, "0000000001", "0000000002", "0000000003", "0000000004")
	rec, _, err := s.Reserve()
	require.NoError(t, err)
	require.NoError(t, s.Remove(rec.ID))
	require.NoError(t, s.Close())

	s2 := openFileStore(t, dir, 50)
	assert.Equal(t, []string{"0000000002", "0000000003", "0000000004"}, takeAll(t, s2))
}

func TestFileStore_ResetWhenDrained(t *testing.T) {
	dir := t.TempDir()
	s := openFileStore(t, dir, 20)

	appendItems(t, s, "0000000001")
	assert.Equal(t, []string{"0000000001"}, takeAll(t, s))
	assert.Equal(t, int64(0), s.writeOffset)

	info, err := os.Stat(filepath.Join(dir, "data.0"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), info.Size())

	// no rotation needed after the reset
	appendItems(t, s, "0000000002")
	assert.Equal(t, uint8(0), s.writeFile)
	require.NoError(t, s.Close())

	s2 := openFileStore(t, dir, 20)
	assert.Equal(t, []string{"0000000002"}, takeAll(t, s2))
}

func TestFileStore_Purge(t *testing.T) {
	dir := t.TempDir()
	s := openFileStore(t, dir, 0)
	ids := appendItems(t, s, "a", "b", "c")

	_, _, err := s.Reserve()
	require.NoError(t, err)

	n, err := s.Purge()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, 1, s.Total())
	assert.True(t, s.Contains(ids[0]))
	require.NoError(t, s.Close())

	s2 := openFileStore(t, dir, 0)
	assert.Equal(t, []string{"a"}, takeAll(t, s2))
}

func TestFileStore_TornTail(t *testing.T) {
	dir := t.TempDir()
	s := openFileStore(t, dir, 0)
	appendItems(t, s, "a", "b")
	require.NoError(t, s.Close())

	path := filepath.Join(dir, "data.0")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0x20, 0x00, 0x00, 0x00, 0x01, 0x02})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s2 := openFileStore(t, dir, 0)
	assert.Equal(t, 2, s2.Len())
	appendItems(t, s2, "c")
	require.NoError(t, s2.Close())

	s3 := openFileStore(t, dir, 0)
	assert.Equal(t, []string{"a", "b", "c"}, takeAll(t, s3))
}

func TestFileStore_AppendsAfterControl(t *testing.T) {
	dir := t.TempDir()
	s := openFileStore(t, dir, 0)
	appendItems(t, s, "a", "b")
	// simulate a crash: control still describes the freshly opened store
	require.NoError(t, s.Abort())

	s2 := openFileStore(t, dir, 0)
	assert.Equal(t, []string{"a", "b"}, takeAll(t, s2))
}

func TestFileStore_CorruptControl(t *testing.T) {
	dir := t.TempDir()
	s := openFileStore(t, dir, 0)
	appendItems(t, s, "a", "b")
	require.NoError(t, s.Close())

	require.NoError(t, os.WriteFile(filepath.Join(dir, ControlFileName), []byte("garbage"), 0644))

	s2 := openFileStore(t, dir, 0)
	assert.Equal(t, []string{"a", "b"}, takeAll(t, s2))

	c, err := format.ReadControl(filepath.Join(dir, ControlFileName))
	require.NoError(t, err, "control file is rewritten")
	assert.Equal(t, uint8(0), c.ReadFile)
}

func TestFileStore_MissingControlWithRotatedData(t *testing.T) {
	dir := t.TempDir()
	s := openFileStore(t, dir, 50)
	appendItems(t, s, "0000000001", "0000000002", "0000000003", "0000000004")
	require.NoError(t, s.Close())
	require.NoError(t, os.Remove(filepath.Join(dir, ControlFileName)))

	s2 := openFileStore(t, dir, 50)
	assert.Equal(t, []string{"0000000001", "0000000002", "0000000003", "0000000004"}, takeAll(t, s2))
}

func TestFileStore_ClosedOperations(t *testing.T) {
	s := NewFileStore(DefaultFileStoreOptions(t.TempDir()))

	assert.ErrorIs(t, s.Append(Record{ID: 1}), ErrClosed)
	_, _, err := s.Reserve()
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Remove(1), ErrClosed)
	assert.NoError(t, s.Close())
}

func TestFileStore_DuplicateAndUnknown(t *testing.T) {
	s := openFileStore(t, t.TempDir(), 0)
	ids := appendItems(t, s, "a")

	assert.ErrorIs(t, s.Append(Record{ID: ids[0], Item: []byte("x")}), ErrDuplicateID)
	assert.ErrorIs(t, s.Remove(999), ErrNotFound)
}

func TestFileStore_EmptyItem(t *testing.T) {
	dir := t.TempDir()
	s := openFileStore(t, dir, 0)
	require.NoError(t, s.Append(Record{ID: s.NextID()}))
	require.NoError(t, s.Close())

	s2 := openFileStore(t, dir, 0)
	rec, ok, err := s2.Peek()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Empty(t, rec.Item)
}
