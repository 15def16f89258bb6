// Package infra holds small concurrency primitives shared across the
// gateway.
package infra

import (
	"context"
	"sync"
)

// Semaphore is a counting semaphore used to cap concurrent pipeline
// runs. Acquire respects context cancellation so a query waiting at
// the gate can be abandoned cleanly.
type Semaphore struct {
	mu      sync.Mutex
	cond    *sync.Cond
	max     int64
	current int64
	waiters int
}

// NewSemaphore creates a semaphore with the given maximum permits.
func NewSemaphore(max int64) *Semaphore {
	if max <= 0 {
		max = 1
	}
	s := &Semaphore{max: max}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Acquire blocks until n permits are available or the context ends.
func (s *Semaphore) Acquire(ctx context.Context, n int64) error {
	if n <= 0 {
		return nil
	}
	if n > s.max {
		n = s.max
	}

	s.mu.Lock()
	if s.current+n <= s.max && s.waiters == 0 {
		s.current += n
		s.mu.Unlock()
		return nil
	}

	s.waiters++

	done := make(chan struct{})
	cancelled := false
	go func() {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			cancelled = true
			s.cond.Broadcast()
			s.mu.Unlock()
		case <-done:
		}
	}()

	for {
		if cancelled {
			s.waiters--
			s.mu.Unlock()
			close(done)
			return ctx.Err()
		}
		if s.current+n <= s.max {
			s.current += n
			s.waiters--
			s.mu.Unlock()
			close(done)
			return nil
		}
		s.cond.Wait()
	}
}

// TryAcquire attempts to take n permits without blocking.
func (s *Semaphore) TryAcquire(n int64) bool {
	if n <= 0 {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current+n <= s.max {
		s.current += n
		return true
	}
	return false
}

// Release returns n permits. Releasing more than acquired caps at max.
func (s *Semaphore) Release(n int64) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	s.current -= n
	if s.current < 0 {
		s.current = 0
	}
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Available returns the number of free permits.
func (s *Semaphore) Available() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.max - s.current
}

// Waiters returns how many goroutines are blocked in Acquire.
func (s *Semaphore) Waiters() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waiters
}
