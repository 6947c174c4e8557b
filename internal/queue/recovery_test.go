package queue

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnykmshr/txqueue/internal/journal"
)

func TestRecovery_PollJournaledBeforeCrash(t *testing.T) {
	dir := t.TempDir()
	fj := newFaultyJournal(dir)
	m := newManager(t, dir, func(o *Options) {
		persistentQueues(o)
		o.Journal = fj
	})
	s, q := openQueue(t, m, "queue1")
	put(t, q, "String1")

	require.NoError(t, s.Begin())
	item, ok, err := q.Poll(context.Background(), 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "String1", string(item))

	// the commit record reaches the disk, then the process dies
	fj.failAfterWrite = true
	err = s.Commit(context.Background())
	assert.ErrorIs(t, err, ErrResourceManager)
	assert.ErrorIs(t, err, errJournalFault)
	require.NoError(t, m.Stop(ShutdownForced))

	m2 := newManager(t, dir, persistentQueues)
	_, q2 := openQueue(t, m2, "queue1")
	requireSize(t, q2, 0)
	_, ok, err = q2.Poll(context.Background(), 0)
	require.NoError(t, err)
	assert.False(t, ok, "the polled item is consumed exactly once")
}

func TestRecovery_OfferJournaledBeforeCrash(t *testing.T) {
	dir := t.TempDir()
	fj := newFaultyJournal(dir)
	m := newManager(t, dir, func(o *Options) {
		persistentQueues(o)
		o.Journal = fj
	})
	s, q := openQueue(t, m, "queue1")
	put(t, q, "String1")

	require.NoError(t, s.Begin())
	put(t, q, "String2")
	fj.failAfterWrite = true
	assert.ErrorIs(t, s.Commit(context.Background()), ErrResourceManager)
	require.NoError(t, m.Stop(ShutdownForced))

	m2 := newManager(t, dir, persistentQueues)
	_, q2 := openQueue(t, m2, "queue1")
	requireSize(t, q2, 2)
	assert.Equal(t, "String1", take(t, q2))
	assert.Equal(t, "String2", take(t, q2))
}

func TestRecovery_OfferNotJournaled(t *testing.T) {
	dir := t.TempDir()
	fj := newFaultyJournal(dir)
	m := newManager(t, dir, func(o *Options) {
		persistentQueues(o)
		o.Journal = fj
	})
	s, q := openQueue(t, m, "queue1")

	require.NoError(t, s.Begin())
	put(t, q, "String1")
	fj.failBeforeWrite = true
	assert.ErrorIs(t, s.Commit(context.Background()), ErrResourceManager)
	assert.True(t, s.InTransaction(), "failed commit leaves the transaction open")
	require.NoError(t, m.Stop(ShutdownForced))

	m2 := newManager(t, dir, persistentQueues)
	_, q2 := openQueue(t, m2, "queue1")
	requireSize(t, q2, 0)
}

func TestRecovery_RollbackAfterFailedJournal(t *testing.T) {
	dir := t.TempDir()
	fj := newFaultyJournal(dir)
	m := newManager(t, dir, func(o *Options) {
		persistentQueues(o)
		o.Journal = fj
	})
	s, q := openQueue(t, m, "queue1")
	put(t, q, "String1")

	require.NoError(t, s.Begin())
	assert.Equal(t, "String1", take(t, q))
	fj.failBeforeWrite = true
	assert.ErrorIs(t, s.Commit(context.Background()), ErrResourceManager)
	require.NoError(t, s.Rollback())

	fj.failBeforeWrite = false
	requireSize(t, q, 1)

	// a retried transaction commits normally
	require.NoError(t, s.Begin())
	assert.Equal(t, "String1", take(t, q))
	require.NoError(t, s.Commit(context.Background()))
	requireSize(t, q, 0)
}

func TestRecovery_DrainedQueueReopensEmpty(t *testing.T) {
	dir := t.TempDir()
	m := newManager(t, dir, persistentQueues)
	_, q := openQueue(t, m, "queue1")
	put(t, q, "String1", "String2", "String3")
	for i := 0; i < 3; i++ {
		take(t, q)
	}
	require.NoError(t, m.Dispose())

	m2 := newManager(t, dir, persistentQueues)
	_, q2 := openQueue(t, m2, "queue1")
	requireSize(t, q2, 0)
}

func TestRecovery_FailedRecoveryAbortsStart(t *testing.T) {
	dir := t.TempDir()
	fj := newFaultyJournal(dir)
	fj.replayErr = errors.New("unreadable journal")

	opts := DefaultOptions(dir)
	opts.Journal = fj
	m, err := NewManager(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Dispose() })

	err = m.Start(context.Background())
	assert.Error(t, err)
	assert.False(t, m.Running())

	fj.replayErr = nil
	require.NoError(t, m.Start(context.Background()))
}

func TestRecovery_NormalStopCompactsJournal(t *testing.T) {
	dir := t.TempDir()
	fj := journal.NewFileJournal(journal.DefaultFileOptions(dir))
	m := newManager(t, dir, func(o *Options) {
		persistentQueues(o)
		o.Journal = fj
	})
	s, q := openQueue(t, m, "queue1")

	require.NoError(t, s.Begin())
	put(t, q, "String1")
	require.NoError(t, s.Commit(context.Background()))
	assert.Positive(t, fj.Size())
	assert.Zero(t, fj.Outstanding())

	require.NoError(t, m.Stop(ShutdownNormal))
	require.NoError(t, fj.Open())
	assert.Zero(t, fj.Size())
	require.NoError(t, fj.Close())
}

func TestRecovery_UncertainJournalRefusesRollback(t *testing.T) {
	dir := t.TempDir()
	fj := newFaultyJournal(dir)
	m := newManager(t, dir, func(o *Options) {
		persistentQueues(o)
		o.Journal = fj
	})
	s, q := openQueue(t, m, "queue1")
	put(t, q, "String1")

	require.NoError(t, s.Begin())
	assert.Equal(t, "String1", take(t, q))
	put(t, q, "String2")

	fj.uncertain = true
	err := s.Commit(context.Background())
	assert.ErrorIs(t, err, ErrResourceManager)
	assert.ErrorIs(t, err, journal.ErrUncertain)
	assert.True(t, s.InTransaction())
	assert.ErrorIs(t, s.Rollback(), ErrResourceManager, "the commit may be on disk")

	fj.uncertain = false
	require.NoError(t, s.Commit(context.Background()))
	assert.False(t, s.InTransaction())
	requireSize(t, q, 1)
	assert.Equal(t, "String2", take(t, q))
	require.NoError(t, m.Stop(ShutdownForced))

	m2 := newManager(t, dir, persistentQueues)
	_, q2 := openQueue(t, m2, "queue1")
	requireSize(t, q2, 0)
}
