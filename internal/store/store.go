// Package store provides the ordered backing collections of txqueue queues.
//
// Two kinds exist:
//   - KindMemory: items live in process memory for as long as the queue
//   - KindFile: items live in two rotating data files plus a control file
//
// Stores hand out records in FIFO order. A record can be reserved, which hides
// it from Peek/Reserve without removing it, then either released back in
// place or removed for good. Transactions use this to make a take invisible
// to other sessions before it is committed.
package store

import (
	"errors"

	"github.com/vnykmshr/txqueue/internal/format"
)

// Record is a stored queue item together with its store-assigned id.
type Record = format.Record

// Kind tags the concrete store implementation.
type Kind uint8

const (
	// KindMemory keeps records in memory only
	KindMemory Kind = iota

	// KindFile keeps records in dual rotating data files
	KindFile
)

// String returns the string representation of the store kind.
func (k Kind) String() string {
	switch k {
	case KindMemory:
		return "memory"
	case KindFile:
		return "file"
	default:
		return "unknown"
	}
}

var (
	// ErrClosed indicates an operation on a store that is not open.
	ErrClosed = errors.New("store: closed")

	// ErrNotFound indicates an id that is not live in the store.
	ErrNotFound = errors.New("store: record not found")

	// ErrDuplicateID indicates an append with an id that is already live.
	ErrDuplicateID = errors.New("store: duplicate record id")
)

// Store is the ordered, mutable backing collection for one named queue.
// Implementations are safe for concurrent use.
type Store interface {
	// Kind reports the implementation.
	Kind() Kind

	// Open prepares the store for use. Opening an open store is a no-op.
	Open() error

	// Close releases resources. Memory stores keep their records.
	Close() error

	// NextID allocates a fresh record id.
	NextID() uint64

	// Append adds a record at the tail.
	Append(rec Record) error

	// Peek returns the first live, unreserved record.
	Peek() (Record, bool, error)

	// Reserve returns the first live, unreserved record and hides it from
	// later Peek/Reserve calls until it is released or removed.
	Reserve() (Record, bool, error)

	// Release makes a reserved record visible again at its original position.
	Release(id uint64)

	// Remove deletes a live record, reserved or not.
	Remove(id uint64) error

	// Purge removes every live, unreserved record and returns how many
	// were removed.
	Purge() (int, error)

	// Contains reports whether the record is live (reserved or not).
	Contains(id uint64) bool

	// Len returns the number of live, unreserved records.
	Len() int

	// Total returns the number of live records including reserved ones.
	Total() int

	// Sync makes all appended and removed records durable.
	Sync() error

	// Abort releases resources without persisting in-memory state, leaving
	// durable files as a process crash would.
	Abort() error
}
