package queue

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// signal is a broadcast condition usable in select statements. Waiters grab
// the current channel before checking their condition; broadcast closes it
// and installs a fresh one.
type signal struct {
	mu sync.Mutex
	ch chan struct{}
}

func newSignal() *signal {
	return &signal{ch: make(chan struct{})}
}

func (s *signal) wait() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}

func (s *signal) broadcast() {
	s.mu.Lock()
	close(s.ch)
	s.ch = make(chan struct{})
	s.mu.Unlock()
}

// waitFor calls attempt until it reports done, the timeout elapses or ctx is
// cancelled. A negative timeout waits forever and a zero timeout makes a
// single attempt. Expiry returns (false, nil).
func waitFor(ctx context.Context, sig *signal, timeout time.Duration, attempt func() (bool, error)) (bool, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		ch := sig.wait()
		done, err := attempt()
		if err != nil || done {
			return done, err
		}
		if timeout == 0 {
			return false, nil
		}

		select {
		case <-ch:
		case <-deadline:
			// one last look: the state may have changed as the timer fired
			return attempt()
		case <-ctx.Done():
			return false, fmt.Errorf("%w: %w", ErrInterrupted, ctx.Err())
		}
	}
}
