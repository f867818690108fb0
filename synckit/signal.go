package synckit

import (
	"context"
	"sync"
)

// loopSignal coordinates a direction's worker loop with callers that want
// work done and want to know when it is. Each request gets a ticket; a
// drain started after a request covers it.
type loopSignal struct {
	trigger chan struct{}

	mu        sync.Mutex
	requested uint64
	completed uint64
	lastErr   error
	progress  chan struct{}
}

func newLoopSignal() *loopSignal {
	return &loopSignal{
		trigger:  make(chan struct{}, 1),
		progress: make(chan struct{}),
	}
}

// request asks for a drain and returns its ticket.
func (s *loopSignal) request() uint64 {
	s.mu.Lock()
	s.requested++
	n := s.requested
	s.mu.Unlock()
	select {
	case s.trigger <- struct{}{}:
	default:
	}
	return n
}

// begin is called by the loop when a drain starts. The drain covers every
// ticket issued so far.
func (s *loopSignal) begin() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requested
}

// done records that the drain that began at ticket n finished with err.
func (s *loopSignal) done(n uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > s.completed {
		s.completed = n
	}
	s.lastErr = err
	close(s.progress)
	s.progress = make(chan struct{})
}

// wait blocks until ticket n is covered by a finished drain and returns
// that drain's error.
func (s *loopSignal) wait(ctx context.Context, n uint64, stopped <-chan struct{}) error {
	for {
		s.mu.Lock()
		if s.completed >= n {
			err := s.lastErr
			s.mu.Unlock()
			return err
		}
		ch := s.progress
		s.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		case <-stopped:
			return errStopped
		}
	}
}
