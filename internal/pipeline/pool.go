package pipeline

import (
	"sync"
	"sync/atomic"
)

// Pool is the process-wide query registry. Ingress is the single
// writer; plugin verbs and the debug console are the readers.
type Pool struct {
	counter atomic.Uint64

	mu      sync.RWMutex
	queries map[uint64]*Query

	intMu      sync.Mutex
	interrupts map[uint64]struct{}
}

// NewPool creates an empty query pool.
func NewPool() *Pool {
	return &Pool{
		queries:    make(map[uint64]*Query),
		interrupts: make(map[uint64]struct{}),
	}
}

// NextID allocates the next query id. IDs are strictly increasing for
// the life of the process.
func (p *Pool) NextID() uint64 {
	return p.counter.Add(1)
}

// Add registers a query under its id.
func (p *Pool) Add(q *Query) {
	p.mu.Lock()
	p.queries[q.QueryID] = q
	p.mu.Unlock()
}

// Get looks a query up by id.
func (p *Pool) Get(queryID uint64) (*Query, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	q, ok := p.queries[queryID]
	return q, ok
}

// Remove deletes a query and clears any pending interrupt for its id.
func (p *Pool) Remove(queryID uint64) {
	p.mu.Lock()
	delete(p.queries, queryID)
	p.mu.Unlock()

	p.intMu.Lock()
	delete(p.interrupts, queryID)
	p.intMu.Unlock()
}

// Len returns the number of in-flight queries.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.queries)
}

// Each calls fn for every in-flight query. The pool lock is held for
// the duration; fn must not call back into the pool's write methods.
func (p *Pool) Each(fn func(*Query)) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, q := range p.queries {
		fn(q)
	}
}

// Interrupt requests cooperative cancellation of a running query.
// Stages observe it at their next poll and return Interrupt without
// further side effects.
func (p *Pool) Interrupt(queryID uint64) {
	p.intMu.Lock()
	p.interrupts[queryID] = struct{}{}
	p.intMu.Unlock()
}

// Interrupted reports whether cancellation was requested for the id.
func (p *Pool) Interrupted(queryID uint64) bool {
	p.intMu.Lock()
	defer p.intMu.Unlock()
	_, ok := p.interrupts[queryID]
	return ok
}
