package buffer

import (
	"sync"

	"github.com/emergingrobotics/go-ipa/pkg/driver"
)

// Pool manages a fixed set of reusable items
type Pool[T any] struct {
	pool   chan T
	size   int
	mu     sync.Mutex
	closed bool
}

// NewPool creates a pool pre-filled with size items built by newItem
func NewPool[T any](size int, newItem func(i int) T) (*Pool[T], error) {
	if size <= 0 {
		return nil, driver.NewError(driver.StatusInvalidArgument, "pool size must be positive")
	}

	p := &Pool[T]{
		pool: make(chan T, size),
		size: size,
	}
	for i := 0; i < size; i++ {
		p.pool <- newItem(i)
	}
	return p, nil
}

// Get gets an item from the pool (blocks until available)
func (p *Pool[T]) Get() (T, error) {
	var zero T
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return zero, driver.ErrClosed
	}
	p.mu.Unlock()

	item, ok := <-p.pool
	if !ok {
		return zero, driver.ErrClosed
	}
	return item, nil
}

// TryGet tries to get an item without blocking
func (p *Pool[T]) TryGet() (T, bool) {
	var zero T
	select {
	case item, ok := <-p.pool:
		return item, ok
	default:
		return zero, false
	}
}

// Put returns an item to the pool. Items beyond capacity or put after
// Close are discarded.
func (p *Pool[T]) Put(item T) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}

	select {
	case p.pool <- item:
	default:
	}
}

// Close closes the pool and drains the remaining items
func (p *Pool[T]) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.pool)
	p.mu.Unlock()

	for range p.pool {
	}
}

// Available returns the number of items in the pool
func (p *Pool[T]) Available() int {
	return len(p.pool)
}

// Size returns the pool capacity
func (p *Pool[T]) Size() int {
	return p.size
}

// Outstanding returns the number of items currently taken
func (p *Pool[T]) Outstanding() int {
	return p.size - len(p.pool)
}
