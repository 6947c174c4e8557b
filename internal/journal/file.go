package journal

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/vnykmshr/txqueue/internal/format"
	"github.com/vnykmshr/txqueue/internal/logging"
)

// FileName is the journal file inside the working directory.
const FileName = "txqueue.journal"

var (
	// ErrClosed indicates an append to a journal that is not open.
	ErrClosed = errors.New("journal: closed")

	// ErrUncertain indicates a failed append that could not be cut back, so
	// the entry may still be on disk.
	ErrUncertain = errors.New("journal: append outcome unknown")

	// ErrUnusable indicates an append after an uncertain one. The journal
	// accepts appends again after Replay, Reset or reopening.
	ErrUnusable = errors.New("journal: unusable until replayed or reset")
)

// file is the subset of *os.File a journal uses.
type file interface {
	io.ReaderAt
	io.WriterAt
	Stat() (os.FileInfo, error)
	Truncate(size int64) error
	Sync() error
	Close() error
}

// FileOptions configures a file journal.
type FileOptions struct {
	// Path of the journal file
	Path string

	// CompactThreshold is the file size in bytes above which the journal is
	// truncated once no committed transaction is waiting for its APPLIED marker.
	// 0 truncates whenever nothing is outstanding.
	CompactThreshold int64

	// Logger for structured logging (nil = no logging)
	Logger logging.Logger
}

// DefaultFileOptions returns defaults for a journal in workDir.
func DefaultFileOptions(workDir string) *FileOptions {
	return &FileOptions{
		Path:             filepath.Join(workDir, FileName),
		CompactThreshold: 4 * 1024 * 1024, // 4 MB
		Logger:           logging.NoopLogger{},
	}
}

// FileJournal is an append-only journal file.
type FileJournal struct {
	opts *FileOptions

	mu          sync.Mutex
	file        file
	size        int64
	unusable    bool
	outstanding map[uuid.UUID]struct{}
}

// NewFileJournal creates a file journal. Call Open before use.
func NewFileJournal(opts *FileOptions) *FileJournal {
	if opts.Logger == nil {
		opts.Logger = logging.NoopLogger{}
	}
	return &FileJournal{
		opts:        opts,
		outstanding: make(map[uuid.UUID]struct{}),
	}
}

// Path returns the journal file path.
func (j *FileJournal) Path() string { return j.opts.Path }

// Open implements Journal.
func (j *FileJournal) Open() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(j.opts.Path), 0755); err != nil {
		return fmt.Errorf("failed to create journal directory: %w", err)
	}

	f, err := os.OpenFile(j.opts.Path, os.O_RDWR|os.O_CREATE, 0644) //nolint:gosec // G304: path is derived from the working directory
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to stat journal: %w", err)
	}

	j.file = f
	j.size = info.Size()
	j.unusable = false
	return nil
}

// LogCommit implements Journal.
func (j *FileJournal) LogCommit(txID uuid.UUID, ops []Op) error {
	buf := make([]byte, 0, 64*(len(ops)+1))
	for _, op := range ops {
		data, err := (&format.JournalEntry{
			Op:       op.Kind,
			TxID:     txID,
			Queue:    op.Queue,
			RecordID: op.RecordID,
			Item:     op.Item,
		}).Marshal()
		if err != nil {
			return err
		}
		buf = append(buf, data...)
	}
	marker, err := (&format.JournalEntry{Op: format.JournalCommit, TxID: txID}).Marshal()
	if err != nil {
		return err
	}
	buf = append(buf, marker...)

	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.appendLocked(buf); err != nil {
		if errors.Is(err, ErrUncertain) {
			j.outstanding[txID] = struct{}{}
		}
		return err
	}
	j.outstanding[txID] = struct{}{}
	return nil
}

// LogApplied implements Journal.
func (j *FileJournal) LogApplied(txID uuid.UUID) error {
	marker, err := (&format.JournalEntry{Op: format.JournalApplied, TxID: txID}).Marshal()
	if err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.appendLocked(marker); err != nil {
		return err
	}
	delete(j.outstanding, txID)
	return j.maybeCompactLocked()
}

// appendLocked writes and fsyncs data at the end of the journal. On failure
// the file is cut back to its previous size. If that fails too the error
// wraps ErrUncertain and further appends fail with ErrUnusable.
func (j *FileJournal) appendLocked(data []byte) error {
	if j.file == nil {
		return ErrClosed
	}
	if j.unusable {
		return ErrUnusable
	}

	if _, err := j.file.WriteAt(data, j.size); err != nil {
		return j.cutBackLocked(fmt.Errorf("failed to append to journal: %w", err))
	}
	if err := j.file.Sync(); err != nil {
		return j.cutBackLocked(fmt.Errorf("failed to sync journal: %w", err))
	}
	j.size += int64(len(data))
	return nil
}

func (j *FileJournal) cutBackLocked(cause error) error {
	err := j.file.Truncate(j.size)
	if err == nil {
		return cause
	}
	j.unusable = true
	j.opts.Logger.Error("journal append could not be undone",
		logging.F("path", j.opts.Path),
		logging.F("offset", j.size),
		logging.F("error", err),
	)
	return fmt.Errorf("%w: %w", ErrUncertain, multierr.Append(cause, err))
}

func (j *FileJournal) maybeCompactLocked() error {
	if len(j.outstanding) > 0 || j.size <= j.opts.CompactThreshold {
		return nil
	}
	if err := j.truncateLocked(); err != nil {
		return err
	}
	j.opts.Logger.Debug("journal compacted", logging.F("path", j.opts.Path))
	return nil
}

func (j *FileJournal) truncateLocked() error {
	if err := j.file.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate journal: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync journal: %w", err)
	}
	j.size = 0
	j.unusable = false
	return nil
}

type txState struct {
	ops       []Op
	committed bool
	applied   bool
}

// Replay implements Journal. A torn or corrupt entry ends the scan and the
// file is cut at that point.
func (j *FileJournal) Replay() (*ReplayResult, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return nil, ErrClosed
	}
	if j.unusable {
		info, err := j.file.Stat()
		if err != nil {
			return nil, fmt.Errorf("failed to stat journal: %w", err)
		}
		j.size = info.Size()
		j.unusable = false
	}

	states := make(map[uuid.UUID]*txState)
	var order []uuid.UUID

	r := bufio.NewReaderSize(io.NewSectionReader(j.file, 0, j.size), 64*1024)
	var pos int64
	for {
		e, n, err := format.ReadJournalEntry(r)
		if err == io.EOF {
			break
		}
		if errors.Is(err, format.ErrTornRecord) {
			j.opts.Logger.Warn("dropping torn journal tail",
				logging.F("path", j.opts.Path),
				logging.F("offset", pos),
				logging.F("bytes", j.size-pos),
			)
			if err := j.file.Truncate(pos); err != nil {
				return nil, fmt.Errorf("failed to truncate journal: %w", err)
			}
			j.size = pos
			break
		}
		if err != nil {
			return nil, err
		}
		pos += int64(n)

		st, ok := states[e.TxID]
		if !ok {
			st = &txState{}
			states[e.TxID] = st
		}
		switch e.Op {
		case format.JournalOffer, format.JournalPoll:
			st.ops = append(st.ops, Op{Kind: e.Op, Queue: e.Queue, RecordID: e.RecordID, Item: e.Item})
		case format.JournalCommit:
			st.committed = true
			order = append(order, e.TxID)
		case format.JournalApplied:
			st.applied = true
		}
	}

	res := &ReplayResult{}
	j.outstanding = make(map[uuid.UUID]struct{})
	for _, id := range order {
		st := states[id]
		if st.applied {
			res.Applied++
			continue
		}
		res.Pending = append(res.Pending, Transaction{ID: id, Ops: st.ops})
		j.outstanding[id] = struct{}{}
	}
	for _, st := range states {
		if !st.committed && len(st.ops) > 0 {
			res.Discarded++
		}
	}
	return res, nil
}

// Reset implements Journal.
func (j *FileJournal) Reset() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return ErrClosed
	}
	j.outstanding = make(map[uuid.UUID]struct{})
	return j.truncateLocked()
}

// Outstanding returns the number of committed transactions still waiting
// for their APPLIED marker.
func (j *FileJournal) Outstanding() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.outstanding)
}

// Size returns the current journal size in bytes.
func (j *FileJournal) Size() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.size
}

// Close implements Journal.
func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return nil
	}
	err := multierr.Combine(j.file.Sync(), j.file.Close())
	j.file = nil
	return err
}

// NoopJournal records nothing. Managers without persistent queues use it.
type NoopJournal struct{}

// Open implements Journal.
func (NoopJournal) Open() error { return nil }

// LogCommit implements Journal.
func (NoopJournal) LogCommit(uuid.UUID, []Op) error { return nil }

// LogApplied implements Journal.
func (NoopJournal) LogApplied(uuid.UUID) error { return nil }

// Replay implements Journal.
func (NoopJournal) Replay() (*ReplayResult, error) { return &ReplayResult{}, nil }

// Reset implements Journal.
func (NoopJournal) Reset() error { return nil }

// Close implements Journal.
func (NoopJournal) Close() error { return nil }
