package queue

import (
	"context"
	"errors"
	"os"
	"syscall"

	"github.com/sethvargo/go-retry"

	"github.com/vnykmshr/txqueue/internal/journal"
	"github.com/vnykmshr/txqueue/internal/logging"
	"github.com/vnykmshr/txqueue/internal/store"
)

// applyWithRetry applies a committed op to its store, retrying transient
// failures with Fibonacci backoff. ApplyOp is idempotent, so a retry after a
// partial write cannot duplicate or lose the record.
func (m *Manager) applyWithRetry(ctx context.Context, st store.Store, op journal.Op) error {
	b := retry.WithMaxRetries(m.opts.ApplyRetries, retry.NewFibonacci(m.opts.ApplyRetryBase))
	attempt := 0
	return retry.Do(ctx, b, func(_ context.Context) error {
		attempt++
		err := journal.ApplyOp(st, op)
		if err == nil {
			return nil
		}
		if !shouldRetry(err) {
			return err
		}
		m.logger.Warn("retrying queue mutation",
			logging.F("queue", op.Queue),
			logging.F("op", op.Kind.String()),
			logging.F("attempt", attempt),
			logging.F("error", err),
		)
		return retry.RetryableError(err)
	})
}

// shouldRetry reports whether a store error may succeed on a later attempt.
func shouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, store.ErrClosed) ||
		errors.Is(err, store.ErrNotFound) ||
		errors.Is(err, store.ErrDuplicateID) {
		return false
	}
	if errors.Is(err, os.ErrNotExist) ||
		errors.Is(err, os.ErrPermission) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, os.ErrExist) {
		return false
	}

	switch {
	case errors.Is(err, syscall.EROFS),
		errors.Is(err, syscall.ENOSPC),
		errors.Is(err, syscall.EACCES),
		errors.Is(err, syscall.EPERM),
		errors.Is(err, syscall.EINVAL):
		return false
	}
	return true
}
