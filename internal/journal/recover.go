package journal

import (
	"context"
	"fmt"

	"go.uber.org/multierr"

	"github.com/vnykmshr/txqueue/internal/logging"
	"github.com/vnykmshr/txqueue/internal/store"
)

// StoreResolver returns the open store of a persistent queue by name.
type StoreResolver interface {
	ResolveStore(queue string) (store.Store, error)
}

// StoreResolverFunc adapts a function to StoreResolver.
type StoreResolverFunc func(queue string) (store.Store, error)

// ResolveStore implements StoreResolver.
func (f StoreResolverFunc) ResolveStore(queue string) (store.Store, error) {
	return f(queue)
}

// RecoveryResult summarizes a recovery run.
type RecoveryResult struct {
	// Replayed counts committed transactions whose ops were re-applied
	Replayed int

	// Discarded counts transactions dropped for lack of a COMMIT marker
	Discarded int

	// Queues lists the queues touched by replayed transactions
	Queues []string
}

// Recoverer reconciles queue stores with the journal after a restart.
type Recoverer struct {
	journal  Journal
	resolver StoreResolver
	logger   logging.Logger
}

// NewRecoverer creates a recoverer.
func NewRecoverer(j Journal, resolver StoreResolver, logger logging.Logger) *Recoverer {
	if logger == nil {
		logger = logging.NoopLogger{}
	}
	return &Recoverer{journal: j, resolver: resolver, logger: logger}
}

// Recover re-applies every committed transaction without an APPLIED marker,
// syncs the stores it touched and resets the journal. Any error leaves the
// journal intact so the next start retries.
func (r *Recoverer) Recover(ctx context.Context) (*RecoveryResult, error) {
	replay, err := r.journal.Replay()
	if err != nil {
		return nil, fmt.Errorf("failed to replay journal: %w", err)
	}

	res := &RecoveryResult{Discarded: replay.Discarded}
	touched := make(map[string]store.Store)

	for _, tx := range replay.Pending {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, op := range tx.Ops {
			st, ok := touched[op.Queue]
			if !ok {
				st, err = r.resolver.ResolveStore(op.Queue)
				if err != nil {
					return nil, fmt.Errorf("failed to open queue %q for recovery: %w", op.Queue, err)
				}
				touched[op.Queue] = st
				res.Queues = append(res.Queues, op.Queue)
			}
			if err := ApplyOp(st, op); err != nil {
				return nil, fmt.Errorf("failed to re-apply %s on queue %q (tx %s): %w", op.Kind, op.Queue, tx.ID, err)
			}
		}
		res.Replayed++
	}

	var syncErr error
	for _, st := range touched {
		syncErr = multierr.Append(syncErr, st.Sync())
	}
	if syncErr != nil {
		return nil, fmt.Errorf("failed to sync recovered queues: %w", syncErr)
	}

	if err := r.journal.Reset(); err != nil {
		return nil, err
	}

	if res.Replayed > 0 || res.Discarded > 0 {
		r.logger.Info("journal recovery complete",
			logging.F("replayed", res.Replayed),
			logging.F("discarded", res.Discarded),
			logging.F("queues", res.Queues),
		)
	}
	return res, nil
}
