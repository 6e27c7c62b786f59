// Package cache keeps built values around for reuse.
package cache

import (
	"sync"
)

// Pool hands out values built by a constructor and takes them back after a
// reset, keeping at most max idle values. Unlike sync.Pool it never drops
// idle values behind the caller's back, so a value's setup cost is paid once
// per concurrent user.
type Pool[V any] struct {
	mu    sync.Mutex
	idle  []V
	max   int
	build func() (V, error)
	reset func(V)

	hits, misses int
}

// NewPool creates a pool. reset may be nil.
func NewPool[V any](max int, build func() (V, error), reset func(V)) *Pool[V] {
	if max < 0 {
		max = 0
	}
	return &Pool[V]{max: max, build: build, reset: reset}
}

// Get returns an idle value or builds a new one.
func (p *Pool[V]) Get() (V, error) {
	p.mu.Lock()
	if n := len(p.idle); n > 0 {
		v := p.idle[n-1]
		var zero V
		p.idle[n-1] = zero
		p.idle = p.idle[:n-1]
		p.hits++
		p.mu.Unlock()
		return v, nil
	}
	p.misses++
	p.mu.Unlock()

	return p.build()
}

// Put resets v and keeps it for the next Get, or drops it when the pool is
// full.
func (p *Pool[V]) Put(v V) {
	if p.reset != nil {
		p.reset(v)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.idle) < p.max {
		p.idle = append(p.idle, v)
	}
}

// Size returns the number of idle values.
func (p *Pool[V]) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Stats returns how many Gets were served from the pool and how many built
// a new value.
func (p *Pool[V]) Stats() (hits, misses int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hits, p.misses
}
