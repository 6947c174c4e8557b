package queue

import (
	"sort"
	"sync"

	"github.com/vnykmshr/txqueue/internal/store"
)

// queueState is the shared state of one named queue. Every handle for the
// name, in every session, points at the same queueState.
type queueState struct {
	name string
	cfg  Configuration
	st   store.Store

	// mu serializes capacity checks with the store mutations they guard
	mu sync.Mutex

	// staged counts uncommitted offers of all sessions, guarded by mu
	staged int

	// handles counts open handles, guarded by registry.mu
	handles int

	notEmpty *signal
	notFull  *signal
}

func (q *queueState) persistent() bool {
	return q.st.Kind() == store.KindFile
}

// fullLocked reports whether a new offer would exceed capacity. Staged offers
// of open transactions count against it. Caller holds q.mu.
func (q *queueState) fullLocked() bool {
	return q.cfg.Capacity > 0 && q.st.Total()+q.staged >= q.cfg.Capacity
}

// idleLocked reports whether no transaction references the queue.
// Caller holds q.mu.
func (q *queueState) idleLocked() bool {
	return q.staged == 0 && q.st.Total() == q.st.Len()
}

// storeFactory creates the store of a queue the first time it is acquired.
type storeFactory func(name string, cfg Configuration) (store.Store, error)

// registry maps queue names to their configuration and shared state.
type registry struct {
	mu         sync.Mutex
	queues     map[string]*queueState
	configs    map[string]Configuration
	defaultCfg Configuration
	newStore   storeFactory
}

func newRegistry(defaultCfg Configuration, newStore storeFactory) *registry {
	return &registry{
		queues:     make(map[string]*queueState),
		configs:    make(map[string]Configuration),
		defaultCfg: defaultCfg,
		newStore:   newStore,
	}
}

func (r *registry) configFor(name string) Configuration {
	if cfg, ok := r.configs[name]; ok {
		return cfg
	}
	return r.defaultCfg
}

// acquire returns the state of a queue and counts a new handle on it.
func (r *registry) acquire(name string) (*queueState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	q, ok := r.queues[name]
	if !ok {
		cfg := r.configFor(name)
		st, err := r.newStore(name, cfg)
		if err != nil {
			return nil, err
		}
		q = &queueState{
			name:     name,
			cfg:      cfg,
			st:       st,
			notEmpty: newSignal(),
			notFull:  newSignal(),
		}
		r.queues[name] = q
	}
	q.handles++
	return q, nil
}

// release drops a handle. A memory queue is discarded with its last handle
// once no transaction references it.
func (r *registry) release(q *queueState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	q.handles--
	r.maybeDropLocked(q)
}

// settle discards a memory queue whose last handle went away while a
// transaction still referenced it.
func (r *registry) settle(q *queueState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maybeDropLocked(q)
}

func (r *registry) maybeDropLocked(q *queueState) {
	if q.handles > 0 || q.persistent() || r.queues[q.name] != q {
		return
	}
	q.mu.Lock()
	idle := q.idleLocked()
	q.mu.Unlock()
	if idle {
		delete(r.queues, q.name)
	}
}

// lookup returns the state of a queue without counting a handle.
func (r *registry) lookup(name string) (*queueState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[name]
	return q, ok
}

// setConfig replaces the configuration of a queue. The queue must have no
// open handles and no transactional work. drop is called for an existing
// persistent queue so its store is reopened under the new configuration.
func (r *registry) setConfig(name string, cfg Configuration, drop func(name string) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if q, ok := r.queues[name]; ok {
		if q.handles > 0 {
			return ErrQueueInUse
		}
		q.mu.Lock()
		idle := q.idleLocked()
		q.mu.Unlock()
		if !idle {
			return ErrQueueInUse
		}
		if q.persistent() {
			if err := drop(name); err != nil {
				return err
			}
		}
		delete(r.queues, name)
	}
	r.configs[name] = cfg
	return nil
}

func (r *registry) setDefault(cfg Configuration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultCfg = cfg
}

// all returns every live queue state ordered by name.
func (r *registry) all() []*queueState {
	r.mu.Lock()
	defer r.mu.Unlock()

	qs := make([]*queueState, 0, len(r.queues))
	for _, q := range r.queues {
		qs = append(qs, q)
	}
	sort.Slice(qs, func(i, j int) bool { return qs[i].name < qs[j].name })
	return qs
}

// names returns the names of live and configured queues, sorted.
func (r *registry) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]struct{}, len(r.queues)+len(r.configs))
	for name := range r.queues {
		seen[name] = struct{}{}
	}
	for name := range r.configs {
		seen[name] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *registry) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queues = make(map[string]*queueState)
}
