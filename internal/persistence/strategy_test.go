package persistence

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnykmshr/txqueue/internal/store"
)

func newStrategy(t *testing.T, dir string) *Strategy {
	t.Helper()
	p := New(&Options{WorkDir: dir, MaxFileSize: 1 << 20, SyncWrites: true})
	t.Cleanup(func() { _ = p.Stop(false) })
	return p
}

func TestStrategy_OpensKnownStoresOnStart(t *testing.T) {
	dir := t.TempDir()
	p := newStrategy(t, dir)

	a, err := p.Store("a")
	require.NoError(t, err)
	b, err := p.Store("b/c")
	require.NoError(t, err)

	// not open before Start
	assert.ErrorIs(t, a.Append(store.Record{ID: 1}), store.ErrClosed)

	require.NoError(t, p.Start(context.Background()))
	assert.True(t, p.Started())
	require.NoError(t, a.Append(store.Record{ID: a.NextID(), Item: []byte("x")}))
	require.NoError(t, b.Append(store.Record{ID: b.NextID(), Item: []byte("y")}))

	require.NoError(t, p.Stop(false))
	assert.ErrorIs(t, a.Append(store.Record{ID: 9}), store.ErrClosed)

	require.NoError(t, p.Start(context.Background()))
	assert.Equal(t, 1, a.Len())
	assert.Equal(t, 1, b.Len())

	names, err := Discover(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b/c"}, names)
}

func TestStrategy_LazyOpenWhileStarted(t *testing.T) {
	p := newStrategy(t, t.TempDir())
	require.NoError(t, p.Start(context.Background()))

	st, err := p.ResolveStore("late")
	require.NoError(t, err)
	require.NoError(t, st.Append(store.Record{ID: st.NextID()}))
	assert.Equal(t, 1, st.Len())
}

func TestStrategy_ResolveWhileStopped(t *testing.T) {
	p := newStrategy(t, t.TempDir())
	_, err := p.ResolveStore("early")
	assert.ErrorIs(t, err, ErrStopped)
}

func TestStrategy_Drop(t *testing.T) {
	dir := t.TempDir()
	p := newStrategy(t, dir)
	require.NoError(t, p.Start(context.Background()))

	st, err := p.Store("q")
	require.NoError(t, err)
	require.NoError(t, st.Append(store.Record{ID: st.NextID(), Item: []byte("x")}))
	require.NoError(t, p.Drop("q"))

	again, err := p.Store("q")
	require.NoError(t, err)
	assert.NotSame(t, st, again)
	assert.Equal(t, 1, again.Len(), "data stays on disk")
}

func TestStrategy_RotationCallback(t *testing.T) {
	var rotated []string
	p := New(&Options{
		WorkDir:     t.TempDir(),
		MaxFileSize: 1,
		OnRotate:    func(q string) { rotated = append(rotated, q) },
	})
	t.Cleanup(func() { _ = p.Stop(false) })
	require.NoError(t, p.Start(context.Background()))

	st, err := p.Store("r")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, st.Append(store.Record{ID: st.NextID(), Item: []byte("x")}))
	}
	// the second append rotates; the third stays put while data.0 is unread
	assert.Equal(t, []string{"r"}, rotated)
}

func TestDiscover_MissingDirectory(t *testing.T) {
	names, err := Discover(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, names)
}
