package store

import (
	"bufio"
	"container/list"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/multierr"

	"github.com/vnykmshr/txqueue/internal/format"
	"github.com/vnykmshr/txqueue/internal/logging"
)

// FileStoreOptions configures a dual-file store.
type FileStoreOptions struct {
	// Dir is the queue directory holding data.0, data.1 and control
	Dir string

	// MaxFileSize is the write file size in bytes that triggers rotation
	// once the other file is free. 0 disables rotation.
	MaxFileSize int64

	// SyncWrites fsyncs the write file after every append
	SyncWrites bool

	// Logger for structured logging (nil = no logging)
	Logger logging.Logger

	// OnRotate is called after the write file changes (optional)
	OnRotate func()
}

// DefaultFileStoreOptions returns sensible defaults for a queue directory.
func DefaultFileStoreOptions(dir string) *FileStoreOptions {
	return &FileStoreOptions{
		Dir:         dir,
		MaxFileSize: 64 * 1024 * 1024, // 64 MB
		SyncWrites:  true,
		Logger:      logging.NoopLogger{},
	}
}

// fileEntry locates one record in a data file. Removed entries stay in the
// list until the read offset moves past them.
type fileEntry struct {
	id       uint64
	file     uint8
	offset   int64
	size     int64
	reserved bool
	removed  bool
}

// FileStore is a durable store made of two rotating data files.
//
// Records are appended to the write file. Once it reaches MaxFileSize and the
// read file has been drained, writing moves to the other file while reading
// continues in the old one; when that drains, reading follows. A control file
// records which file is read, which is written and the offsets in each.
type FileStore struct {
	opts *FileStoreOptions

	mu    sync.Mutex
	open  bool
	files [2]*os.File

	readFile    uint8
	writeFile   uint8
	readOffset  int64
	writeOffset int64
	nextID      uint64
	dirty       bool

	// entries holds every record between the read position and the write
	// position in file order
	entries      *list.List
	byID         map[uint64]*list.Element
	removedAhead map[uint64]struct{}
	reserved     int
}

// NewFileStore creates a file store. Call Open before use.
func NewFileStore(opts *FileStoreOptions) *FileStore {
	if opts.Logger == nil {
		opts.Logger = logging.NoopLogger{}
	}
	return &FileStore{
		opts: opts,
	}
}

// Kind implements Store.
func (s *FileStore) Kind() Kind { return KindFile }

// Dir returns the queue directory.
func (s *FileStore) Dir() string { return s.opts.Dir }

func (s *FileStore) controlPath() string {
	return filepath.Join(s.opts.Dir, ControlFileName)
}

// Open implements Store.
//
// With a valid control file the live records are rebuilt from the recorded
// positions, and records appended after the last control update are picked up
// by scanning forward. A missing or corrupted control file falls back to
// scanning both data files from the start.
func (s *FileStore) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.open {
		return nil
	}

	if err := os.MkdirAll(s.opts.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create queue directory: %w", err)
	}

	for i := range s.files {
		f, err := os.OpenFile(filepath.Join(s.opts.Dir, DataFileName(uint8(i))), os.O_RDWR|os.O_CREATE, 0644) //nolint:gosec // G304: path is derived from the working directory
		if err != nil {
			s.closeFiles()
			return fmt.Errorf("failed to open data file %d: %w", i, err)
		}
		s.files[i] = f
	}

	s.resetIndex()

	ctrl, err := format.ReadControl(s.controlPath())
	switch {
	case err == nil:
		err = s.loadFromControl(ctrl)
	case errors.Is(err, os.ErrNotExist):
		err = s.loadByScan(false)
	default:
		s.opts.Logger.Warn("control file unreadable, rebuilding from data files",
			logging.F("dir", s.opts.Dir),
			logging.F("error", err.Error()),
		)
		err = s.loadByScan(true)
	}
	if err == nil {
		err = s.writeControlLocked()
	}
	if err != nil {
		s.closeFiles()
		s.resetIndex()
		return err
	}

	s.open = true
	s.opts.Logger.Debug("file store opened",
		logging.F("dir", s.opts.Dir),
		logging.F("records", len(s.byID)),
		logging.F("read_file", s.readFile),
		logging.F("write_file", s.writeFile),
	)
	return nil
}

func (s *FileStore) resetIndex() {
	s.entries = list.New()
	s.byID = make(map[uint64]*list.Element)
	s.removedAhead = make(map[uint64]struct{})
	s.reserved = 0
	s.dirty = false
}

func (s *FileStore) loadFromControl(c *format.Control) error {
	s.readFile = c.ReadFile
	s.writeFile = c.WriteFile
	s.readOffset = int64(c.ReadOffset) //nolint:gosec // G115: offsets are bounded by file size
	s.nextID = c.NextID

	removed := make(map[uint64]struct{}, len(c.RemovedAhead))
	for _, id := range c.RemovedAhead {
		removed[id] = struct{}{}
	}

	writeStart := int64(0)
	if s.readFile != s.writeFile {
		if _, err := s.scanFile(s.readFile, s.readOffset, removed); err != nil {
			return err
		}
	} else {
		size, err := s.fileSize(s.readFile)
		if err != nil {
			return err
		}
		if s.readOffset > size {
			s.opts.Logger.Warn("read offset beyond data file, treating queue as drained",
				logging.F("dir", s.opts.Dir),
				logging.F("read_offset", s.readOffset),
				logging.F("file_size", size),
			)
			s.readOffset = size
		}
		writeStart = s.readOffset
	}

	end, err := s.scanFile(s.writeFile, writeStart, removed)
	if err != nil {
		return err
	}
	if end < int64(c.WriteOffset) { //nolint:gosec // G115: offsets are bounded by file size
		s.opts.Logger.Warn("write file shorter than recorded write offset",
			logging.F("dir", s.opts.Dir),
			logging.F("recorded", c.WriteOffset),
			logging.F("found", end),
		)
	}
	if err := s.truncateTail(s.writeFile, end); err != nil {
		return err
	}
	s.writeOffset = end

	drained := s.foldHead()
	if drained >= 0 {
		// The drained file is truncated after the control update in Open.
		if err := s.files[drained].Truncate(0); err != nil {
			return fmt.Errorf("failed to truncate drained data file: %w", err)
		}
	}
	return nil
}

// loadByScan rebuilds the store without a usable control file. Both data
// files are scanned from the start; the one whose first record has the lower
// id is the read file.
func (s *FileStore) loadByScan(corrupted bool) error {
	var (
		counts [2]int
		firsts [2]uint64
		ends   [2]int64
	)

	// Scan into a scratch index per file to decide the order.
	for i := uint8(0); i < 2; i++ {
		s.resetIndex()
		end, err := s.scanFile(i, 0, nil)
		if err != nil {
			return err
		}
		ends[i] = end
		counts[i] = s.entries.Len()
		if front := s.entries.Front(); front != nil {
			firsts[i] = front.Value.(*fileEntry).id
		}
	}
	s.resetIndex()

	switch {
	case counts[0] == 0 && counts[1] == 0:
		s.readFile, s.writeFile = 0, 0
	case counts[1] == 0:
		s.readFile, s.writeFile = 0, 0
	case counts[0] == 0:
		s.readFile, s.writeFile = 1, 1
	case firsts[0] < firsts[1]:
		s.readFile, s.writeFile = 0, 1
	default:
		s.readFile, s.writeFile = 1, 0
	}

	if s.readFile != s.writeFile {
		if _, err := s.scanFile(s.readFile, 0, nil); err != nil {
			return err
		}
	} else if err := s.files[1-s.writeFile].Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate unused data file: %w", err)
	}
	if _, err := s.scanFile(s.writeFile, 0, nil); err != nil {
		return err
	}
	if err := s.truncateTail(s.writeFile, ends[s.writeFile]); err != nil {
		return err
	}

	s.readOffset = 0
	s.writeOffset = ends[s.writeFile]
	if corrupted {
		s.opts.Logger.Warn("rebuilt queue state from data files",
			logging.F("dir", s.opts.Dir),
			logging.F("records", len(s.byID)),
		)
	}
	return nil
}

// scanFile indexes every intact record of a data file from offset from.
// Returns the offset just past the last intact record.
func (s *FileStore) scanFile(file uint8, from int64, removed map[uint64]struct{}) (int64, error) {
	size, err := s.fileSize(file)
	if err != nil {
		return 0, err
	}
	if from >= size {
		return from, nil
	}

	r := bufio.NewReaderSize(io.NewSectionReader(s.files[file], from, size-from), 64*1024)
	pos := from
	for {
		rec, err := format.ReadRecord(r)
		if err == io.EOF {
			return pos, nil
		}
		if errors.Is(err, format.ErrTornRecord) {
			s.opts.Logger.Warn("dropping torn record tail",
				logging.F("dir", s.opts.Dir),
				logging.F("file", file),
				logging.F("offset", pos),
				logging.F("bytes", size-pos),
			)
			return pos, nil
		}
		if err != nil {
			return 0, fmt.Errorf("failed to scan data file %d: %w", file, err)
		}

		recSize := int64(rec.EncodedSize())
		if _, dup := s.byID[rec.ID]; !dup {
			e := &fileEntry{id: rec.ID, file: file, offset: pos, size: recSize}
			if _, ok := removed[rec.ID]; ok {
				e.removed = true
				s.removedAhead[rec.ID] = struct{}{}
				s.entries.PushBack(e)
			} else {
				s.byID[rec.ID] = s.entries.PushBack(e)
			}
		}
		if rec.ID >= s.nextID {
			s.nextID = rec.ID + 1
		}
		pos += recSize
	}
}

func (s *FileStore) fileSize(file uint8) (int64, error) {
	info, err := s.files[file].Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat data file %d: %w", file, err)
	}
	return info.Size(), nil
}

func (s *FileStore) truncateTail(file uint8, end int64) error {
	size, err := s.fileSize(file)
	if err != nil {
		return err
	}
	if size <= end {
		return nil
	}
	if err := s.files[file].Truncate(end); err != nil {
		return fmt.Errorf("failed to truncate data file %d: %w", file, err)
	}
	return s.files[file].Sync()
}

// foldHead drops removed records from the front and moves the read position
// past them. When the read file drains, reading switches to the write file and
// the drained file id is returned; otherwise -1.
func (s *FileStore) foldHead() int {
	for front := s.entries.Front(); front != nil; front = s.entries.Front() {
		e := front.Value.(*fileEntry)
		if !e.removed {
			break
		}
		s.entries.Remove(front)
		delete(s.removedAhead, e.id)
		if e.file == s.readFile {
			s.readOffset = e.offset + e.size
		}
	}

	if s.readFile == s.writeFile {
		return -1
	}

	front := s.entries.Front()
	if front != nil && front.Value.(*fileEntry).file == s.readFile {
		return -1
	}

	drained := int(s.readFile)
	s.readFile = s.writeFile
	if front != nil {
		s.readOffset = front.Value.(*fileEntry).offset
	} else {
		s.readOffset = s.writeOffset
	}
	return drained
}

func (s *FileStore) writeControlLocked() error {
	c := &format.Control{
		ReadFile:    s.readFile,
		WriteFile:   s.writeFile,
		ReadOffset:  uint64(s.readOffset),  //nolint:gosec // G115: offsets are non-negative
		WriteOffset: uint64(s.writeOffset), //nolint:gosec // G115: offsets are non-negative
		NextID:      s.nextID,
	}
	if len(s.removedAhead) > 0 {
		c.RemovedAhead = make([]uint64, 0, len(s.removedAhead))
		for id := range s.removedAhead {
			c.RemovedAhead = append(c.RemovedAhead, id)
		}
	}
	if err := format.WriteControl(s.controlPath(), c); err != nil {
		return fmt.Errorf("failed to write control file: %w", err)
	}
	return nil
}

// NextID implements Store.
func (s *FileStore) NextID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.nextID == 0 {
		s.nextID = 1
	}
	id := s.nextID
	s.nextID++
	return id
}

// Append implements Store.
func (s *FileStore) Append(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return ErrClosed
	}
	if _, ok := s.byID[rec.ID]; ok {
		return ErrDuplicateID
	}

	if s.opts.MaxFileSize > 0 && s.readFile == s.writeFile && s.writeOffset >= s.opts.MaxFileSize {
		if err := s.rotateLocked(); err != nil {
			return err
		}
	}

	data := rec.Marshal()
	f := s.files[s.writeFile]
	if _, err := f.WriteAt(data, s.writeOffset); err != nil {
		_ = f.Truncate(s.writeOffset)
		return fmt.Errorf("failed to append record: %w", err)
	}
	if s.opts.SyncWrites {
		if err := f.Sync(); err != nil {
			_ = f.Truncate(s.writeOffset)
			return fmt.Errorf("failed to sync data file: %w", err)
		}
	} else {
		s.dirty = true
	}

	e := &fileEntry{id: rec.ID, file: s.writeFile, offset: s.writeOffset, size: int64(len(data))}
	s.byID[rec.ID] = s.entries.PushBack(e)
	s.writeOffset += int64(len(data))
	if rec.ID >= s.nextID {
		s.nextID = rec.ID + 1
	}
	return nil
}

// rotateLocked moves writing to the other data file. The caller ensures the
// other file holds no live records.
func (s *FileStore) rotateLocked() error {
	old := s.writeFile
	next := 1 - old

	if err := s.files[next].Truncate(0); err != nil {
		return fmt.Errorf("failed to reset data file %d: %w", next, err)
	}

	s.writeFile = next
	s.writeOffset = 0
	if s.entries.Len() == 0 {
		s.readFile = next
		s.readOffset = 0
	}
	if err := s.writeControlLocked(); err != nil {
		return err
	}
	if s.readFile == next {
		if err := s.files[old].Truncate(0); err != nil {
			return fmt.Errorf("failed to truncate drained data file: %w", err)
		}
	}

	s.opts.Logger.Debug("rotated data file",
		logging.F("dir", s.opts.Dir),
		logging.F("read_file", s.readFile),
		logging.F("write_file", s.writeFile),
	)
	if s.opts.OnRotate != nil {
		s.opts.OnRotate()
	}
	return nil
}

// Peek implements Store.
func (s *FileStore) Peek() (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return Record{}, false, ErrClosed
	}
	e := s.firstVisible()
	if e == nil {
		return Record{}, false, nil
	}
	rec, err := s.readEntry(e)
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

// Reserve implements Store.
func (s *FileStore) Reserve() (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return Record{}, false, ErrClosed
	}
	e := s.firstVisible()
	if e == nil {
		return Record{}, false, nil
	}
	rec, err := s.readEntry(e)
	if err != nil {
		return Record{}, false, err
	}
	e.reserved = true
	s.reserved++
	return rec, true, nil
}

func (s *FileStore) firstVisible() *fileEntry {
	for el := s.entries.Front(); el != nil; el = el.Next() {
		if e := el.Value.(*fileEntry); !e.removed && !e.reserved {
			return e
		}
	}
	return nil
}

func (s *FileStore) readEntry(e *fileEntry) (Record, error) {
	rec, err := format.ReadRecordAt(s.files[e.file], e.offset)
	if err != nil {
		return Record{}, fmt.Errorf("failed to read record %d: %w", e.id, err)
	}
	if rec.ID != e.id {
		return Record{}, fmt.Errorf("%w: record at offset %d has id %d, want %d", format.ErrCorrupted, e.offset, rec.ID, e.id)
	}
	return *rec, nil
}

// Release implements Store.
func (s *FileStore) Release(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.byID[id]; ok {
		if e := el.Value.(*fileEntry); e.reserved {
			e.reserved = false
			s.reserved--
		}
	}
}

// Remove implements Store. The new read position is made durable before
// Remove returns.
func (s *FileStore) Remove(id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return ErrClosed
	}
	el, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}

	e := el.Value.(*fileEntry)
	if e.reserved {
		e.reserved = false
		s.reserved--
	}
	e.removed = true
	delete(s.byID, id)
	s.removedAhead[id] = struct{}{}

	return s.advanceLocked()
}

// Purge implements Store.
func (s *FileStore) Purge() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return 0, ErrClosed
	}

	n := 0
	for el := s.entries.Front(); el != nil; el = el.Next() {
		e := el.Value.(*fileEntry)
		if e.removed || e.reserved {
			continue
		}
		e.removed = true
		delete(s.byID, e.id)
		s.removedAhead[e.id] = struct{}{}
		n++
	}
	if n == 0 {
		return 0, nil
	}
	return n, s.advanceLocked()
}

// advanceLocked folds removed records into the read position and persists
// it. A drained read file is truncated once the control file no longer
// points at it. When the read position catches up with the write position
// the write file is emptied and both offsets restart at zero.
func (s *FileStore) advanceLocked() error {
	drained := s.foldHead()

	if s.entries.Len() == 0 && s.readFile == s.writeFile && s.writeOffset > 0 {
		// Truncate before the control update. A control file pointing past
		// the end of an empty file reads as drained.
		if err := s.files[s.writeFile].Truncate(0); err != nil {
			return fmt.Errorf("failed to reset data file %d: %w", s.writeFile, err)
		}
		s.readOffset = 0
		s.writeOffset = 0
		s.dirty = false
	}

	if err := s.writeControlLocked(); err != nil {
		return err
	}
	if drained >= 0 {
		if err := s.files[drained].Truncate(0); err != nil {
			return fmt.Errorf("failed to truncate drained data file: %w", err)
		}
	}
	return nil
}

// Contains implements Store.
func (s *FileStore) Contains(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.byID[id]
	return ok
}

// Len implements Store.
func (s *FileStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID) - s.reserved
}

// Total implements Store.
func (s *FileStore) Total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

// Sync implements Store.
func (s *FileStore) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return ErrClosed
	}
	return s.syncLocked()
}

func (s *FileStore) syncLocked() error {
	if !s.dirty {
		return nil
	}
	if err := s.files[s.writeFile].Sync(); err != nil {
		return fmt.Errorf("failed to sync data file: %w", err)
	}
	s.dirty = false
	return nil
}

// Close implements Store. It syncs pending appends and records the final
// positions in the control file.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return nil
	}

	err := multierr.Combine(s.syncLocked(), s.writeControlLocked())
	err = multierr.Append(err, s.closeFiles())
	s.resetIndex()
	s.open = false
	return err
}

// Abort releases the data files without syncing or updating the control
// file, leaving the directory as a crash at this point would.
func (s *FileStore) Abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return nil
	}
	err := s.closeFiles()
	s.resetIndex()
	s.open = false
	return err
}

func (s *FileStore) closeFiles() error {
	var err error
	for i, f := range s.files {
		if f != nil {
			err = multierr.Append(err, f.Close())
			s.files[i] = nil
		}
	}
	return err
}
