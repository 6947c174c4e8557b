package store

import (
	"container/list"
	"sync"
)

type memEntry struct {
	rec      Record
	reserved bool
}

// MemoryStore keeps records in an in-process list.
// Close does not drop records, so a memory queue survives a warm restart.
type MemoryStore struct {
	mu       sync.Mutex
	entries  *list.List
	byID     map[uint64]*list.Element
	reserved int
	nextID   uint64
}

// NewMemoryStore creates an empty memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: list.New(),
		byID:    make(map[uint64]*list.Element),
		nextID:  1,
	}
}

// Kind implements Store.
func (s *MemoryStore) Kind() Kind { return KindMemory }

// Open implements Store.
func (s *MemoryStore) Open() error { return nil }

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }

// Sync implements Store.
func (s *MemoryStore) Sync() error { return nil }

// Abort implements Store.
func (s *MemoryStore) Abort() error { return nil }

// NextID implements Store.
func (s *MemoryStore) NextID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	return id
}

// Append implements Store.
func (s *MemoryStore) Append(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[rec.ID]; ok {
		return ErrDuplicateID
	}

	item := make([]byte, len(rec.Item))
	copy(item, rec.Item)

	s.byID[rec.ID] = s.entries.PushBack(&memEntry{rec: Record{ID: rec.ID, Item: item}})
	if rec.ID >= s.nextID {
		s.nextID = rec.ID + 1
	}
	return nil
}

// Peek implements Store.
func (s *MemoryStore) Peek() (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e := s.firstVisible(); e != nil {
		return e.rec, true, nil
	}
	return Record{}, false, nil
}

// Reserve implements Store.
func (s *MemoryStore) Reserve() (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.firstVisible()
	if e == nil {
		return Record{}, false, nil
	}
	e.reserved = true
	s.reserved++
	return e.rec, true, nil
}

// Release implements Store.
func (s *MemoryStore) Release(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.byID[id]; ok {
		if e := el.Value.(*memEntry); e.reserved {
			e.reserved = false
			s.reserved--
		}
	}
}

// Remove implements Store.
func (s *MemoryStore) Remove(id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	if el.Value.(*memEntry).reserved {
		s.reserved--
	}
	s.entries.Remove(el)
	delete(s.byID, id)
	return nil
}

// Purge implements Store.
func (s *MemoryStore) Purge() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for el := s.entries.Front(); el != nil; {
		next := el.Next()
		if e := el.Value.(*memEntry); !e.reserved {
			s.entries.Remove(el)
			delete(s.byID, e.rec.ID)
			n++
		}
		el = next
	}
	return n, nil
}

// Contains implements Store.
func (s *MemoryStore) Contains(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.byID[id]
	return ok
}

// Len implements Store.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries.Len() - s.reserved
}

// Total implements Store.
func (s *MemoryStore) Total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries.Len()
}

func (s *MemoryStore) firstVisible() *memEntry {
	for el := s.entries.Front(); el != nil; el = el.Next() {
		if e := el.Value.(*memEntry); !e.reserved {
			return e
		}
	}
	return nil
}
