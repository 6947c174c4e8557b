// Package journal implements the transaction write-ahead log of txqueue.
//
// A commit appends one entry per mutation of a persistent queue followed by a
// COMMIT marker, all made durable with a single fsync, before any queue store
// is touched. Once the mutations reached the stores an APPLIED marker follows.
// On startup the Recoverer re-applies every committed transaction that lacks
// its APPLIED marker and drops everything that never committed.
package journal

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/vnykmshr/txqueue/internal/format"
	"github.com/vnykmshr/txqueue/internal/store"
)

// Operation kinds recorded in the journal.
const (
	OpOffer = format.JournalOffer
	OpPoll  = format.JournalPoll
)

// Op is one staged mutation of a queue store.
// Offers carry the record id the item will be stored under, polls the id of
// the concrete record they took, so replaying an op twice has no extra effect.
type Op struct {
	Kind     format.JournalOp
	Queue    string
	RecordID uint64
	Item     []byte
}

// Transaction is a committed transaction read back from the journal.
type Transaction struct {
	ID  uuid.UUID
	Ops []Op
}

// ReplayResult summarizes a journal scan.
type ReplayResult struct {
	// Pending lists committed transactions without an APPLIED marker, in
	// commit order
	Pending []Transaction

	// Discarded counts transactions with entries but no COMMIT marker
	Discarded int

	// Applied counts transactions that were fully applied
	Applied int
}

// Journal is the durable log consulted by commits and recovery.
// Implementations are safe for concurrent use.
type Journal interface {
	// Open prepares the journal for appends.
	Open() error

	// LogCommit durably records the ops of a transaction and its COMMIT
	// marker. When it returns an error nothing of the transaction survives,
	// unless the error wraps ErrUncertain: then the COMMIT marker may be on
	// disk and the transaction must be treated as committed.
	LogCommit(txID uuid.UUID, ops []Op) error

	// LogApplied durably records that the ops of a committed transaction
	// reached the queue stores.
	LogApplied(txID uuid.UUID) error

	// Replay scans the journal from the start.
	Replay() (*ReplayResult, error)

	// Reset discards all entries.
	Reset() error

	// Close releases resources.
	Close() error
}

// ApplyOp applies a journaled op to a store. It is idempotent: an offer whose
// record is already stored and a poll whose record is already gone are no-ops.
func ApplyOp(st store.Store, op Op) error {
	switch op.Kind {
	case format.JournalOffer:
		if st.Contains(op.RecordID) {
			return nil
		}
		if err := st.Append(store.Record{ID: op.RecordID, Item: op.Item}); err != nil && !errors.Is(err, store.ErrDuplicateID) {
			return err
		}
		return nil
	case format.JournalPoll:
		if err := st.Remove(op.RecordID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		return nil
	default:
		return fmt.Errorf("cannot apply journal op %s", op.Kind)
	}
}
