package queue

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/vnykmshr/txqueue/internal/format"
	"github.com/vnykmshr/txqueue/internal/journal"
	"github.com/vnykmshr/txqueue/internal/store"
)

// txOp is one staged mutation.
//
// An offer holds its item until commit and gets its record id only then, so
// ids stay in commit order within each store. A poll holds the record it
// reserved; the record stays in the store, hidden, until commit removes it.
type txOp struct {
	q    *queueState
	kind format.JournalOp
	rec  store.Record

	// dropped marks an offer taken back out by the same transaction
	dropped bool
}

func (op *txOp) journalOp() journal.Op {
	return journal.Op{
		Kind:     op.kind,
		Queue:    op.q.name,
		RecordID: op.rec.ID,
		Item:     op.rec.Item,
	}
}

// transaction is the local transaction context of a session.
type transaction struct {
	id      uuid.UUID
	started time.Time
	ops     []*txOp

	// journaled is set once the commit record is durable. From then on the
	// transaction can only be completed, never rolled back.
	journaled bool
}

func newTransaction() *transaction {
	return &transaction{id: uuid.New(), started: time.Now()}
}

func (tx *transaction) stageOffer(q *queueState, item []byte) {
	tx.ops = append(tx.ops, &txOp{q: q, kind: journal.OpOffer, rec: store.Record{Item: item}})
}

func (tx *transaction) stagePoll(q *queueState, rec store.Record) {
	tx.ops = append(tx.ops, &txOp{q: q, kind: journal.OpPoll, rec: rec})
}

// firstOffer returns the oldest live staged offer for q, or nil.
func (tx *transaction) firstOffer(q *queueState) *txOp {
	for _, op := range tx.ops {
		if op.q == q && op.kind == journal.OpOffer && !op.dropped {
			return op
		}
	}
	return nil
}

// offers counts the live staged offers for q.
func (tx *transaction) offers(q *queueState) int {
	n := 0
	for _, op := range tx.ops {
		if op.q == q && op.kind == journal.OpOffer && !op.dropped {
			n++
		}
	}
	return n
}

// live returns the ops that still have an effect.
func (tx *transaction) live() []*txOp {
	ops := make([]*txOp, 0, len(tx.ops))
	for _, op := range tx.ops {
		if !op.dropped {
			ops = append(ops, op)
		}
	}
	return ops
}

// queues returns the distinct queues of ops ordered by name, the order in
// which commit locks them.
func queuesOf(ops []*txOp) []*queueState {
	seen := make(map[*queueState]struct{})
	var qs []*queueState
	for _, op := range ops {
		if _, ok := seen[op.q]; !ok {
			seen[op.q] = struct{}{}
			qs = append(qs, op.q)
		}
	}
	sort.Slice(qs, func(i, j int) bool { return qs[i].name < qs[j].name })
	return qs
}
