// Package persistence opens and closes the file stores of persistent queues
// in step with the queue manager lifecycle.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/vnykmshr/txqueue/internal/logging"
	"github.com/vnykmshr/txqueue/internal/store"
)

// ErrStopped indicates a store resolution while the strategy is stopped.
var ErrStopped = errors.New("persistence: stopped")

// Options configures a Strategy.
type Options struct {
	// WorkDir is the root of all queue directories
	WorkDir string

	// MaxFileSize is the rotation threshold of each data file
	MaxFileSize int64

	// SyncWrites fsyncs every append
	SyncWrites bool

	// OpenConcurrency bounds parallel store opens (0 = 8)
	OpenConcurrency int

	// Logger for structured logging (nil = no logging)
	Logger logging.Logger

	// OnRotate is called with the queue name after a data file rotation
	OnRotate func(queue string)
}

// Strategy owns the file stores of one working directory.
type Strategy struct {
	opts *Options

	mu      sync.Mutex
	started bool
	stores  map[string]*store.FileStore
}

// New creates a stopped strategy.
func New(opts *Options) *Strategy {
	if opts.Logger == nil {
		opts.Logger = logging.NoopLogger{}
	}
	if opts.OpenConcurrency <= 0 {
		opts.OpenConcurrency = 8
	}
	return &Strategy{
		opts:   opts,
		stores: make(map[string]*store.FileStore),
	}
}

// Store returns the file store of a queue, creating it on first use. While
// the strategy is started the store is opened before it is returned.
func (p *Strategy) Store(name string) (*store.FileStore, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.stores[name]
	if !ok {
		st = p.newStore(name)
		p.stores[name] = st
	}
	if p.started {
		if err := st.Open(); err != nil {
			return nil, fmt.Errorf("failed to open queue %q: %w", name, err)
		}
	}
	return st, nil
}

// ResolveStore returns the open store of a queue. It lets journal recovery
// reach queues nobody has asked for yet, and fails with ErrStopped unless
// the strategy is started.
func (p *Strategy) ResolveStore(name string) (store.Store, error) {
	if !p.Started() {
		return nil, ErrStopped
	}
	return p.Store(name)
}

func (p *Strategy) newStore(name string) *store.FileStore {
	opts := store.DefaultFileStoreOptions(store.QueueDir(p.opts.WorkDir, name))
	opts.MaxFileSize = p.opts.MaxFileSize
	opts.SyncWrites = p.opts.SyncWrites
	opts.Logger = p.opts.Logger
	if p.opts.OnRotate != nil {
		onRotate := p.opts.OnRotate
		opts.OnRotate = func() { onRotate(name) }
	}
	return store.NewFileStore(opts)
}

// Start opens every known store concurrently. On failure the stores that did
// open are closed again.
func (p *Strategy) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return nil
	}
	if err := os.MkdirAll(filepath.Join(p.opts.WorkDir, store.QueuesDirName), 0755); err != nil {
		return fmt.Errorf("failed to create queues directory: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.OpenConcurrency)
	for name, st := range p.stores {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := st.Open(); err != nil {
				return fmt.Errorf("failed to open queue %q: %w", name, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		_ = p.closeAllLocked(false)
		return err
	}

	p.started = true
	p.opts.Logger.Debug("persistent queues opened", logging.F("count", len(p.stores)))
	return nil
}

// Stop closes every store. With abort set, stores are released without
// writing their control files.
func (p *Strategy) Stop(abort bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.started = false
	return p.closeAllLocked(abort)
}

func (p *Strategy) closeAllLocked(abort bool) error {
	var err error
	for name, st := range p.stores {
		var cerr error
		if abort {
			cerr = st.Abort()
		} else {
			cerr = st.Close()
		}
		if cerr != nil {
			err = multierr.Append(err, fmt.Errorf("failed to close queue %q: %w", name, cerr))
		}
	}
	return err
}

// Drop closes and forgets the store of a queue. Its files stay on disk.
func (p *Strategy) Drop(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.stores[name]
	if !ok {
		return nil
	}
	delete(p.stores, name)
	return st.Close()
}

// Started reports whether the strategy is started.
func (p *Strategy) Started() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// Discover lists the queue names that have a directory under WorkDir.
// Directories whose names were shortened cannot be mapped back and are
// skipped.
func Discover(workDir string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(workDir, store.QueuesDirName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list queues: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if name, ok := store.DesanitizeName(e.Name()); ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}
