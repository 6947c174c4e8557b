package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/vnykmshr/txqueue/internal/logging"
)

// Session bundles queue access with a local transaction context. A session
// is meant to be used by one goroutine at a time; its methods are safe for
// concurrent use but interleaved transactions are not meaningful.
type Session struct {
	m *Manager

	mu      sync.Mutex
	tx      *transaction
	aborted bool
	closed  bool
	handles map[*Queue]struct{}
}

func newSession(m *Manager) *Session {
	return &Session{m: m, handles: make(map[*Queue]struct{})}
}

// GetQueue returns a handle on the named queue. Handles for the same name
// share one store, across sessions.
func (s *Session) GetQueue(name string) (*Queue, error) {
	s.m.life.RLock()
	defer s.m.life.RUnlock()

	if s.m.disposed {
		return nil, ErrManagerDisposed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSessionClosed
	}
	q, err := s.m.registry.acquire(name)
	if err != nil {
		return nil, err
	}
	h := &Queue{s: s, q: q}
	s.handles[h] = struct{}{}
	return h, nil
}

// Begin opens a transaction. Until Commit or Rollback, offers are visible
// only to this session and takes hold their items back from other sessions.
func (s *Session) Begin() error {
	s.m.life.RLock()
	defer s.m.life.RUnlock()

	if err := s.m.checkRunningLocked(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	if s.tx != nil {
		return ErrTransactionActive
	}
	s.aborted = false
	s.tx = newTransaction()
	return nil
}

// Commit makes the transaction's mutations visible and durable. Mutations of
// persistent queues are journaled before any store changes. On error the
// transaction stays open. If the error occurred before journaling the caller
// may retry Commit or call Rollback. Once the transaction is journaled, or
// the journal cannot tell whether it is, Rollback is refused with
// ErrResourceManager and the caller must retry Commit until it succeeds.
func (s *Session) Commit(ctx context.Context) error {
	s.m.life.RLock()
	defer s.m.life.RUnlock()

	if err := s.m.checkRunningLocked(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.tx == nil {
		err := ErrNoTransaction
		if s.aborted {
			s.aborted = false
			err = ErrTransactionAborted
		}
		s.mu.Unlock()
		return err
	}

	tx := s.tx
	qs, err := s.m.commit(ctx, tx)
	if err != nil {
		s.mu.Unlock()
		s.m.metrics.RecordCommitFailure()
		s.m.logger.Error("commit failed",
			logging.F("tx", tx.id.String()),
			logging.F("journaled", tx.journaled),
			logging.F("error", err),
		)
		return err
	}
	s.tx = nil
	s.mu.Unlock()

	s.m.settle(qs)
	return nil
}

// Rollback discards the transaction. Taken items return to the head of their
// queues in their original order. A transaction whose commit was already
// journaled cannot be rolled back and fails with ErrResourceManager.
func (s *Session) Rollback() error {
	s.m.life.RLock()
	defer s.m.life.RUnlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.tx == nil {
		aborted := s.aborted
		s.aborted = false
		s.mu.Unlock()
		if aborted {
			return nil
		}
		return ErrNoTransaction
	}
	if s.tx.journaled {
		s.mu.Unlock()
		return fmt.Errorf("%w: transaction %s is journaled, retry the commit", ErrResourceManager, s.tx.id)
	}

	qs := s.m.rollback(s.tx)
	s.tx = nil
	s.mu.Unlock()

	s.m.settle(qs)
	s.m.metrics.RecordRollback()
	return nil
}

// InTransaction reports whether a transaction is open.
func (s *Session) InTransaction() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tx != nil
}

// Close rolls back an open transaction and disposes every handle of the
// session. A journaled transaction keeps the session open and fails like
// Rollback does.
func (s *Session) Close() error {
	if err := s.Rollback(); err != nil && !errors.Is(err, ErrNoTransaction) && !errors.Is(err, ErrSessionClosed) {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	handles := s.handles
	s.handles = make(map[*Queue]struct{})
	for h := range handles {
		h.disposed = true
	}
	s.mu.Unlock()

	for h := range handles {
		s.m.registry.release(h.q)
	}

	s.m.sessMu.Lock()
	delete(s.m.sessions, s)
	s.m.sessMu.Unlock()
	return nil
}
