package queue

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/vnykmshr/txqueue/internal/store"
)

// Queue is a session-scoped handle on a named queue. Inside a transaction of
// its session, offers and takes are staged; otherwise they apply directly.
type Queue struct {
	s *Session
	q *queueState

	// disposed is guarded by s.mu
	disposed bool
}

// Name returns the queue name.
func (h *Queue) Name() string { return h.q.name }

// Put appends item, blocking while the queue is at capacity.
func (h *Queue) Put(ctx context.Context, item []byte) error {
	_, err := h.Offer(ctx, item, -1)
	return err
}

// Offer appends item, waiting up to timeout for capacity. It reports false
// when the timeout elapsed first. A zero timeout never waits and a negative
// one waits forever.
func (h *Queue) Offer(ctx context.Context, item []byte, timeout time.Duration) (bool, error) {
	if err := validateItemSize(item, h.s.m.opts.MaxItemSize); err != nil {
		return false, err
	}
	item = bytes.Clone(item)
	if item == nil {
		item = []byte{}
	}
	return waitFor(ctx, h.q.notFull, timeout, func() (bool, error) {
		return h.tryOffer(item)
	})
}

// Take removes and returns the head item, blocking until one is available.
func (h *Queue) Take(ctx context.Context) ([]byte, error) {
	item, _, err := h.Poll(ctx, -1)
	return item, err
}

// Poll removes and returns the head item, waiting up to timeout for one.
// It reports false when the timeout elapsed first. A zero timeout never
// waits and a negative one waits forever.
func (h *Queue) Poll(ctx context.Context, timeout time.Duration) ([]byte, bool, error) {
	var item []byte
	ok, err := waitFor(ctx, h.q.notEmpty, timeout, func() (bool, error) {
		var (
			found bool
			err   error
		)
		item, found, err = h.tryPoll()
		return found, err
	})
	if err != nil || !ok {
		return nil, false, err
	}
	return item, true, nil
}

// Peek returns the head item without removing it. Inside a transaction the
// session sees its own staged offers after the committed items.
func (h *Queue) Peek() ([]byte, bool, error) {
	var (
		item  []byte
		found bool
	)
	err := h.do(func() error {
		rec, ok, err := h.q.st.Peek()
		if err != nil {
			return fmt.Errorf("failed to peek queue %q: %w", h.q.name, err)
		}
		if ok {
			item, found = rec.Item, true
			return nil
		}
		if tx := h.s.tx; tx != nil {
			if op := tx.firstOffer(h.q); op != nil {
				item, found = op.rec.Item, true
			}
		}
		return nil
	})
	if err != nil || !found {
		return nil, false, err
	}
	return item, true, nil
}

// Size returns the number of items this session can take: committed items
// not held by any transaction plus the session's own staged offers.
func (h *Queue) Size() (int, error) {
	n := 0
	err := h.do(func() error {
		n = h.q.st.Len()
		if tx := h.s.tx; tx != nil {
			n += tx.offers(h.q)
		}
		return nil
	})
	return n, err
}

// Purge removes every committed item no transaction holds and returns how
// many were removed. It is not transactional and fails with
// ErrTransactionActive while the session has a transaction open.
func (h *Queue) Purge() (int, error) {
	n := 0
	err := h.do(func() error {
		if h.s.tx != nil {
			return ErrTransactionActive
		}
		q := h.q
		removed, err := q.st.Purge()
		if err != nil {
			return fmt.Errorf("failed to purge queue %q: %w", q.name, err)
		}
		n = removed
		h.s.m.metrics.UpdateQueueDepth(q.name, q.st.Len())
		q.notFull.broadcast()
		return nil
	})
	return n, err
}

// Dispose releases the handle. The queue keeps its items unless it is a
// memory queue losing its last handle. Disposing twice is a no-op.
func (h *Queue) Dispose() error {
	h.s.mu.Lock()
	if h.disposed || h.s.closed {
		h.s.mu.Unlock()
		return nil
	}
	h.disposed = true
	delete(h.s.handles, h)
	h.s.mu.Unlock()

	h.s.m.registry.release(h.q)
	return nil
}

// do runs fn with the manager running and the session and queue locked.
func (h *Queue) do(fn func() error) error {
	m := h.s.m
	m.life.RLock()
	defer m.life.RUnlock()

	if err := m.checkRunningLocked(); err != nil {
		return err
	}

	h.s.mu.Lock()
	defer h.s.mu.Unlock()

	if err := h.checkLocked(); err != nil {
		return err
	}

	h.q.mu.Lock()
	defer h.q.mu.Unlock()
	return fn()
}

func (h *Queue) checkLocked() error {
	if h.s.closed {
		return ErrSessionClosed
	}
	if h.disposed {
		return ErrQueueDisposed
	}
	if h.s.aborted {
		return ErrTransactionAborted
	}
	return nil
}

func (h *Queue) tryOffer(item []byte) (bool, error) {
	done := false
	err := h.do(func() error {
		q := h.q
		if q.fullLocked() {
			return nil
		}
		if q.persistent() {
			if err := checkDiskSpace(h.s.m.opts.WorkingDirectory, h.s.m.opts.MinFreeDiskSpace); err != nil {
				return err
			}
		}

		if tx := h.s.tx; tx != nil {
			tx.stageOffer(q, item)
			q.staged++
			done = true
			return nil
		}

		if err := q.st.Append(store.Record{ID: q.st.NextID(), Item: item}); err != nil {
			return fmt.Errorf("failed to append to queue %q: %w", q.name, err)
		}
		h.s.m.metrics.RecordOffer(q.name, len(item))
		h.s.m.metrics.UpdateQueueDepth(q.name, q.st.Len())
		q.notEmpty.broadcast()
		done = true
		return nil
	})
	return done, err
}

func (h *Queue) tryPoll() ([]byte, bool, error) {
	var item []byte
	found := false
	err := h.do(func() error {
		q := h.q
		rec, ok, err := q.st.Reserve()
		if err != nil {
			return fmt.Errorf("failed to read queue %q: %w", q.name, err)
		}

		if tx := h.s.tx; tx != nil {
			if ok {
				tx.stagePoll(q, rec)
				item, found = rec.Item, true
				return nil
			}
			// the session's own uncommitted offers come after committed items
			if op := tx.firstOffer(q); op != nil {
				op.dropped = true
				q.staged--
				q.notFull.broadcast()
				item, found = op.rec.Item, true
			}
			return nil
		}

		if !ok {
			return nil
		}
		if err := q.st.Remove(rec.ID); err != nil {
			q.st.Release(rec.ID)
			return fmt.Errorf("failed to remove from queue %q: %w", q.name, err)
		}
		h.s.m.metrics.RecordPoll(q.name, len(rec.Item))
		h.s.m.metrics.UpdateQueueDepth(q.name, q.st.Len())
		q.notFull.broadcast()
		item, found = rec.Item, true
		return nil
	})
	return item, found, err
}
