package queue

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/vnykmshr/txqueue/internal/journal"
)

func newManager(t *testing.T, dir string, configure func(*Options)) *Manager {
	t.Helper()

	opts := DefaultOptions(dir)
	opts.MaxFileSize = 1 << 20
	if configure != nil {
		configure(opts)
	}
	m, err := NewManager(opts)
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Dispose() })
	return m
}

func persistentQueues(opts *Options) {
	opts.DefaultConfiguration = Configuration{Persistent: true}
}

func openQueue(t *testing.T, m *Manager, name string) (*Session, *Queue) {
	t.Helper()

	s, err := m.GetQueueSession()
	require.NoError(t, err)
	q, err := s.GetQueue(name)
	require.NoError(t, err)
	return s, q
}

func requireSize(t *testing.T, q *Queue, want int) {
	t.Helper()
	n, err := q.Size()
	require.NoError(t, err)
	require.Equal(t, want, n)
}

func put(t *testing.T, q *Queue, items ...string) {
	t.Helper()
	for _, item := range items {
		require.NoError(t, q.Put(context.Background(), []byte(item)))
	}
}

func take(t *testing.T, q *Queue) string {
	t.Helper()
	item, err := q.Take(context.Background())
	require.NoError(t, err)
	return string(item)
}

var errJournalFault = errors.New("injected journal fault")

// faultyJournal is a file journal whose commit step can be told to fail,
// before or after the commit record reached the disk, or after writing it
// without knowing whether it did.
type faultyJournal struct {
	*journal.FileJournal

	failBeforeWrite bool
	failAfterWrite  bool
	uncertain       bool
	replayErr       error

	// beforeWrite, if set, runs at the start of every LogCommit
	beforeWrite func(ops []journal.Op)
}

func newFaultyJournal(dir string) *faultyJournal {
	return &faultyJournal{FileJournal: journal.NewFileJournal(journal.DefaultFileOptions(dir))}
}

func (j *faultyJournal) LogCommit(txID uuid.UUID, ops []journal.Op) error {
	if j.beforeWrite != nil {
		j.beforeWrite(ops)
	}
	if j.failBeforeWrite {
		return errJournalFault
	}
	if err := j.FileJournal.LogCommit(txID, ops); err != nil {
		return err
	}
	if j.failAfterWrite {
		return errJournalFault
	}
	if j.uncertain {
		return fmt.Errorf("%w: %w", journal.ErrUncertain, errJournalFault)
	}
	return nil
}

func (j *faultyJournal) Replay() (*journal.ReplayResult, error) {
	if j.replayErr != nil {
		return nil, j.replayErr
	}
	return j.FileJournal.Replay()
}
