// Package queue implements the transactional queue engine.
//
// A Manager owns a registry of named queues, each backed by a memory or a
// dual-file store, and hands out Sessions. Through a Session callers obtain
// Queue handles and optionally run local transactions:
//
//	m, err := queue.NewManager(queue.DefaultOptions("/var/lib/app"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := m.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer m.Dispose()
//
//	s, _ := m.GetQueueSession()
//	q, _ := s.GetQueue("orders")
//
//	_ = s.Begin()
//	_ = q.Put(ctx, []byte("order-1"))
//	_ = s.Commit(ctx)
//
// Commits touching persistent queues are written to the transaction journal
// before any store is mutated, and recovered on the next Start if the
// process dies in between.
package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/vnykmshr/txqueue/internal/journal"
	"github.com/vnykmshr/txqueue/internal/logging"
	"github.com/vnykmshr/txqueue/internal/metrics"
	"github.com/vnykmshr/txqueue/internal/persistence"
	"github.com/vnykmshr/txqueue/internal/store"
)

// Manager is the top-level registry of queues and the factory of sessions.
// It is safe for concurrent use.
type Manager struct {
	opts    *Options
	logger  logging.Logger
	metrics metrics.Recorder

	journal     journal.Journal
	persistence *persistence.Strategy
	registry    *registry

	// life guards running and disposed. Operations hold it shared for their
	// duration, Start/Stop/Dispose exclusively.
	life     sync.RWMutex
	running  bool
	disposed bool

	sessMu   sync.Mutex
	sessions map[*Session]struct{}
}

// QueueStats is a point-in-time view of one queue.
type QueueStats struct {
	Name       string
	Persistent bool
	Capacity   int

	// Size counts committed items not reserved by an open transaction
	Size int

	// Reserved counts items taken by open transactions
	Reserved int

	// Staged counts uncommitted offers of open transactions
	Staged int

	// Handles counts open queue handles
	Handles int
}

// NewManager creates a stopped manager. Call Start before queue operations.
func NewManager(opts *Options) (*Manager, error) {
	if opts == nil {
		return nil, fmt.Errorf("options cannot be nil")
	}
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoopLogger{}
	}
	if opts.MetricsCollector == nil {
		opts.MetricsCollector = metrics.NoopCollector{}
	}

	m := &Manager{
		opts:     opts,
		logger:   opts.Logger,
		metrics:  opts.MetricsCollector,
		sessions: make(map[*Session]struct{}),
	}

	m.journal = opts.Journal
	if m.journal == nil {
		jopts := journal.DefaultFileOptions(opts.WorkingDirectory)
		jopts.CompactThreshold = opts.JournalCompactThreshold
		jopts.Logger = opts.Logger
		m.journal = journal.NewFileJournal(jopts)
	}

	m.persistence = persistence.New(&persistence.Options{
		WorkDir:     opts.WorkingDirectory,
		MaxFileSize: opts.MaxFileSize,
		SyncWrites:  opts.SyncWrites,
		Logger:      opts.Logger,
		OnRotate:    m.metrics.RecordRotation,
	})
	m.registry = newRegistry(opts.DefaultConfiguration, m.newStore)
	return m, nil
}

func (m *Manager) newStore(name string, cfg Configuration) (store.Store, error) {
	if !cfg.Persistent {
		return store.NewMemoryStore(), nil
	}
	st, err := m.persistence.Store(name)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// Start opens the journal and every known persistent queue, then recovers
// committed transactions that did not reach their stores. A recovery failure
// aborts the start. Starting a running manager is a no-op.
func (m *Manager) Start(ctx context.Context) error {
	m.life.Lock()
	defer m.life.Unlock()

	if m.disposed {
		return ErrManagerDisposed
	}
	if m.running {
		return nil
	}

	if err := os.MkdirAll(m.opts.WorkingDirectory, 0755); err != nil {
		return fmt.Errorf("failed to create working directory: %w", err)
	}
	if err := m.journal.Open(); err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	if err := m.persistence.Start(ctx); err != nil {
		return multierr.Append(err, m.journal.Close())
	}

	res, err := journal.NewRecoverer(m.journal, m.persistence, m.logger).Recover(ctx)
	if err != nil {
		return multierr.Combine(
			fmt.Errorf("recovery failed: %w", err),
			m.persistence.Stop(true),
			m.journal.Close(),
		)
	}
	m.metrics.RecordRecovery(res.Replayed, res.Discarded)

	m.running = true
	for _, q := range m.registry.all() {
		m.metrics.UpdateQueueDepth(q.name, q.st.Len())
	}
	m.logger.Info("queue manager started",
		logging.F("dir", m.opts.WorkingDirectory),
		logging.F("replayed", res.Replayed),
		logging.F("discarded", res.Discarded),
	)
	return nil
}

// Stop closes persistence. Open transactions are rolled back and their
// sessions see ErrTransactionAborted once. In ShutdownNormal a transaction
// whose commit was journaled but not applied is completed first; in
// ShutdownForced it is left to recovery. Queue handles stay valid across a
// later Start. Stopping a stopped manager is a no-op.
func (m *Manager) Stop(mode ShutdownMode) error {
	m.life.Lock()
	defer m.life.Unlock()
	return m.stopLocked(mode)
}

func (m *Manager) stopLocked(mode ShutdownMode) error {
	if !m.running {
		return nil
	}
	m.running = false

	pending := m.abortTransactions(mode)

	// wake blocked callers so they observe the stop
	for _, q := range m.registry.all() {
		q.notEmpty.broadcast()
		q.notFull.broadcast()
	}

	var err error
	storeErr := m.persistence.Stop(mode == ShutdownForced)
	err = multierr.Append(err, storeErr)
	if mode == ShutdownNormal && pending == 0 && storeErr == nil {
		err = multierr.Append(err, m.journal.Reset())
	}
	err = multierr.Append(err, m.journal.Close())

	m.logger.Info("queue manager stopped",
		logging.F("mode", mode.String()),
		logging.F("pending_transactions", pending),
	)
	return err
}

// abortTransactions ends every open transaction and returns how many
// journaled ones were left for recovery.
func (m *Manager) abortTransactions(mode ShutdownMode) int {
	m.sessMu.Lock()
	defer m.sessMu.Unlock()

	pending := 0
	for s := range m.sessions {
		s.mu.Lock()
		tx := s.tx
		if tx == nil {
			s.mu.Unlock()
			continue
		}
		if tx.journaled && mode == ShutdownNormal {
			qs, err := m.commit(context.Background(), tx)
			if err == nil {
				s.tx = nil
				s.mu.Unlock()
				m.settle(qs)
				continue
			}
			m.logger.Error("failed to complete journaled transaction",
				logging.F("tx", tx.id.String()),
				logging.F("error", err),
			)
		}
		if tx.journaled {
			pending++
		}
		qs := m.rollback(tx)
		s.tx = nil
		s.aborted = true
		s.mu.Unlock()
		m.settle(qs)
		m.metrics.RecordRollback()
	}
	return pending
}

// Dispose stops the manager if needed and releases every queue. A disposed
// manager cannot be restarted.
func (m *Manager) Dispose() error {
	m.life.Lock()
	defer m.life.Unlock()

	if m.disposed {
		return nil
	}
	err := m.stopLocked(ShutdownNormal)
	m.disposed = true

	m.sessMu.Lock()
	for s := range m.sessions {
		s.mu.Lock()
		s.closed = true
		s.handles = nil
		s.mu.Unlock()
	}
	m.sessions = make(map[*Session]struct{})
	m.sessMu.Unlock()

	m.registry.clear()
	return err
}

// Running reports whether the manager is started.
func (m *Manager) Running() bool {
	m.life.RLock()
	defer m.life.RUnlock()
	return m.running
}

// GetQueueSession creates a session. Sessions can be created while the
// manager is stopped.
func (m *Manager) GetQueueSession() (*Session, error) {
	m.life.RLock()
	defer m.life.RUnlock()

	if m.disposed {
		return nil, ErrManagerDisposed
	}
	s := newSession(m)

	m.sessMu.Lock()
	m.sessions[s] = struct{}{}
	m.sessMu.Unlock()
	return s, nil
}

// SetQueueConfiguration sets the configuration of a queue. It fails with
// ErrQueueInUse while handles are open on the queue or transactions
// reference it.
func (m *Manager) SetQueueConfiguration(name string, cfg Configuration) error {
	if err := validateConfiguration(cfg); err != nil {
		return err
	}

	m.life.RLock()
	defer m.life.RUnlock()

	if m.disposed {
		return ErrManagerDisposed
	}
	if err := m.registry.setConfig(name, cfg, m.persistence.Drop); err != nil {
		return fmt.Errorf("failed to configure queue %q: %w", name, err)
	}
	m.logger.Debug("queue configured",
		logging.F("queue", name),
		logging.F("capacity", cfg.Capacity),
		logging.F("persistent", cfg.Persistent),
	)
	return nil
}

// SetDefaultQueueConfiguration sets the configuration of queues without
// their own. Queues already in use keep theirs.
func (m *Manager) SetDefaultQueueConfiguration(cfg Configuration) error {
	if err := validateConfiguration(cfg); err != nil {
		return err
	}

	m.life.RLock()
	defer m.life.RUnlock()

	if m.disposed {
		return ErrManagerDisposed
	}
	m.registry.setDefault(cfg)
	return nil
}

// QueueNames lists configured queues, queues in use and persistent queues
// found in the working directory.
func (m *Manager) QueueNames() ([]string, error) {
	names := m.registry.names()
	onDisk, err := persistence.Discover(m.opts.WorkingDirectory)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		seen[name] = struct{}{}
	}
	for _, name := range onDisk {
		if _, ok := seen[name]; !ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Stats returns a snapshot of every queue in use, ordered by name.
func (m *Manager) Stats() []QueueStats {
	m.registry.mu.Lock()
	defer m.registry.mu.Unlock()

	stats := make([]QueueStats, 0, len(m.registry.queues))
	for _, q := range m.registry.queues {
		q.mu.Lock()
		stats = append(stats, QueueStats{
			Name:       q.name,
			Persistent: q.persistent(),
			Capacity:   q.cfg.Capacity,
			Size:       q.st.Len(),
			Reserved:   q.st.Total() - q.st.Len(),
			Staged:     q.staged,
			Handles:    q.handles,
		})
		q.mu.Unlock()
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}

func (m *Manager) checkRunningLocked() error {
	if m.disposed {
		return ErrManagerDisposed
	}
	if !m.running {
		return ErrManagerStopped
	}
	return nil
}

func (m *Manager) settle(qs []*queueState) {
	for _, q := range qs {
		m.registry.settle(q)
	}
}

// commit journals and applies the live ops of tx. All queues involved are
// locked in name order for the duration. On error the transaction stays
// open: before journaling nothing was mutated, after journaling the commit
// can be retried and every op re-applies idempotently.
func (m *Manager) commit(ctx context.Context, tx *transaction) ([]*queueState, error) {
	start := time.Now()
	ops := tx.live()
	all := queuesOf(tx.ops)
	if len(ops) == 0 {
		return all, nil
	}

	qs := queuesOf(ops)
	for _, q := range qs {
		q.mu.Lock()
	}
	defer func() {
		for i := len(qs) - 1; i >= 0; i-- {
			qs[i].mu.Unlock()
		}
	}()

	if !tx.journaled {
		var logged []journal.Op
		for _, op := range ops {
			if op.kind == journal.OpOffer {
				op.rec.ID = op.q.st.NextID()
			}
			if op.q.persistent() {
				logged = append(logged, op.journalOp())
			}
		}
		if len(logged) > 0 {
			if err := m.journal.LogCommit(tx.id, logged); err != nil {
				if errors.Is(err, journal.ErrUncertain) {
					// the COMMIT marker may be on disk: only a retried commit may finish tx
					tx.journaled = true
					return nil, fmt.Errorf("%w: transaction %s may be journaled, retry the commit: %w", ErrResourceManager, tx.id, err)
				}
				for _, op := range ops {
					if op.kind == journal.OpOffer {
						op.rec.ID = 0
					}
				}
				return nil, fmt.Errorf("%w: failed to journal transaction %s: %w", ErrResourceManager, tx.id, err)
			}
			tx.journaled = true
		}
	}

	for _, op := range ops {
		if err := m.applyWithRetry(ctx, op.q.st, op.journalOp()); err != nil {
			return nil, fmt.Errorf("%w: failed to apply %s to queue %q: %w", ErrResourceManager, op.kind, op.q.name, err)
		}
	}

	var syncErr error
	for _, q := range qs {
		if q.persistent() {
			syncErr = multierr.Append(syncErr, q.st.Sync())
		}
	}
	if syncErr != nil {
		return nil, fmt.Errorf("%w: failed to sync queues: %w", ErrResourceManager, syncErr)
	}

	if tx.journaled {
		if err := m.journal.LogApplied(tx.id); err != nil {
			// the stores are durable; recovery re-applies idempotently
			m.logger.Warn("failed to mark transaction applied",
				logging.F("tx", tx.id.String()),
				logging.F("error", err),
			)
		}
	}

	for _, op := range ops {
		switch op.kind {
		case journal.OpOffer:
			op.q.staged--
			m.metrics.RecordOffer(op.q.name, len(op.rec.Item))
		case journal.OpPoll:
			m.metrics.RecordPoll(op.q.name, len(op.rec.Item))
		}
	}
	for _, q := range qs {
		q.notEmpty.broadcast()
		q.notFull.broadcast()
		m.metrics.UpdateQueueDepth(q.name, q.st.Len())
	}

	m.metrics.RecordCommit(len(ops), time.Since(start))
	m.logger.Debug("transaction committed",
		logging.F("tx", tx.id.String()),
		logging.F("ops", len(ops)),
	)
	return all, nil
}

// rollback undoes the staging of tx: reserved records reappear at their
// original position and staged offers stop counting against capacity.
func (m *Manager) rollback(tx *transaction) []*queueState {
	for i := len(tx.ops) - 1; i >= 0; i-- {
		op := tx.ops[i]
		if op.dropped {
			continue
		}
		q := op.q
		q.mu.Lock()
		switch op.kind {
		case journal.OpPoll:
			q.st.Release(op.rec.ID)
			q.notEmpty.broadcast()
		case journal.OpOffer:
			q.staged--
			q.notFull.broadcast()
		}
		q.mu.Unlock()
	}
	return queuesOf(tx.ops)
}
