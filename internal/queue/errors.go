package queue

import (
	"errors"

	"github.com/vnykmshr/txqueue/internal/format"
	"github.com/vnykmshr/txqueue/internal/store"
)

// Errors returned by manager, session and queue operations.
var (
	// ErrResourceManager indicates a commit that could not journal or apply
	// its mutations. The transaction stays open.
	ErrResourceManager = errors.New("txqueue: resource manager failure")

	// ErrInterrupted indicates a blocking call whose context was cancelled
	// before it was satisfied. Timeouts are not errors.
	ErrInterrupted = errors.New("txqueue: interrupted")

	// ErrManagerStopped indicates an operation while the manager is stopped.
	ErrManagerStopped = errors.New("txqueue: manager stopped")

	// ErrManagerDisposed indicates an operation on a disposed manager.
	ErrManagerDisposed = errors.New("txqueue: manager disposed")

	// ErrNoTransaction indicates Commit or Rollback without Begin.
	ErrNoTransaction = errors.New("txqueue: no transaction in progress")

	// ErrTransactionActive indicates Begin while a transaction is open.
	ErrTransactionActive = errors.New("txqueue: transaction already in progress")

	// ErrTransactionAborted indicates a transaction rolled back by a manager
	// stop. Commit, Rollback or Begin acknowledges it.
	ErrTransactionAborted = errors.New("txqueue: transaction rolled back by manager stop")

	// ErrSessionClosed indicates an operation on a closed session.
	ErrSessionClosed = errors.New("txqueue: session closed")

	// ErrQueueDisposed indicates an operation on a disposed queue handle.
	ErrQueueDisposed = errors.New("txqueue: queue disposed")

	// ErrQueueInUse indicates a configuration change for a queue that still
	// has open handles or transactional work.
	ErrQueueInUse = errors.New("txqueue: queue in use")

	// ErrItemTooLarge indicates an item above Options.MaxItemSize.
	ErrItemTooLarge = errors.New("txqueue: item too large")

	// ErrInsufficientSpace indicates an append to a persistent queue while
	// free disk space is below Options.MinFreeDiskSpace.
	ErrInsufficientSpace = errors.New("txqueue: insufficient disk space")

	// ErrCorrupted indicates on-disk data that fails validation.
	ErrCorrupted = format.ErrCorrupted

	// ErrStoreClosed indicates access to a queue store that is not open.
	ErrStoreClosed = store.ErrClosed
)
