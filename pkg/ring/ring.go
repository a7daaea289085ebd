// Package ring implements the software side of a free-buffer ring: a bounded
// single-producer single-consumer queue whose read and write cursors are
// free-running uint32 counters indexed modulo a power-of-two depth.
package ring

import (
	"fmt"
	"sync/atomic"

	"github.com/emergingrobotics/go-ipa/pkg/driver"
)

// Ring is a bounded SPSC ring. Push must only be called by one goroutine
// and Pop/PopExpect by one (possibly different) goroutine.
//
// Invariant: 0 <= wp-rp <= depth at every observation point.
type Ring[T any] struct {
	slots []T
	mask  uint32
	rp    atomic.Uint32
	wp    atomic.Uint32
}

// New creates a ring of the given depth, which must be a power of two.
func New[T any](depth int) (*Ring[T], error) {
	if depth <= 0 || depth&(depth-1) != 0 || depth > 1<<30 {
		return nil, driver.NewError(driver.StatusInvalidArgument,
			fmt.Sprintf("ring depth %d is not a power of two", depth))
	}
	return &Ring[T]{
		slots: make([]T, depth),
		mask:  uint32(depth - 1),
	}, nil
}

// Depth returns the capacity.
func (r *Ring[T]) Depth() int {
	return len(r.slots)
}

// Len returns the number of occupied slots.
func (r *Ring[T]) Len() int {
	return int(r.wp.Load() - r.rp.Load())
}

// Empty reports whether rp == wp.
func (r *Ring[T]) Empty() bool {
	return r.wp.Load() == r.rp.Load()
}

// Full reports whether the ring holds depth entries.
func (r *Ring[T]) Full() bool {
	return r.Len() == len(r.slots)
}

// Cursors returns the raw read and write cursors.
func (r *Ring[T]) Cursors() (rp, wp uint32) {
	return r.rp.Load(), r.wp.Load()
}

// Push appends v. It returns false when the ring is full.
// The slot is written before the write cursor is published.
func (r *Ring[T]) Push(v T) bool {
	wp := r.wp.Load()
	if wp-r.rp.Load() >= uint32(len(r.slots)) {
		return false
	}
	r.slots[wp&r.mask] = v
	r.wp.Store(wp + 1)
	return true
}

// Peek returns the oldest entry without consuming it.
func (r *Ring[T]) Peek() (T, bool) {
	var zero T
	rp := r.rp.Load()
	if rp == r.wp.Load() {
		return zero, false
	}
	return r.slots[rp&r.mask], true
}

// Pop removes and returns the oldest entry. It never succeeds when rp == wp.
func (r *Ring[T]) Pop() (T, bool) {
	var zero T
	rp := r.rp.Load()
	if rp == r.wp.Load() {
		return zero, false
	}
	v := r.slots[rp&r.mask]
	r.slots[rp&r.mask] = zero
	r.rp.Store(rp + 1)
	return v, true
}

// DesyncError reports that the oldest software entry does not describe the
// buffer the hardware completed.
type DesyncError struct {
	Expected uint64
	Got      uint64
}

func (e *DesyncError) Error() string {
	return fmt.Sprintf("ring desync: hardware address %#x, software address %#x", e.Expected, e.Got)
}

// Is makes errors.Is(err, driver.ErrDesync) hold.
func (e *DesyncError) Is(target error) bool {
	return target == driver.ErrDesync
}

// PopExpect pops the oldest entry and checks that addrOf reports addr for
// it. The entry is consumed either way; on mismatch it is returned together
// with a *DesyncError so the caller still owns the buffer. An empty ring
// returns driver.ErrNoData.
func (r *Ring[T]) PopExpect(addr uint64, addrOf func(T) uint64) (T, error) {
	v, ok := r.Pop()
	if !ok {
		return v, driver.ErrNoData
	}
	if got := addrOf(v); got != addr {
		return v, &DesyncError{Expected: addr, Got: got}
	}
	return v, nil
}

// Drain pops every entry and hands it to fn. It returns the count drained.
func (r *Ring[T]) Drain(fn func(T)) int {
	n := 0
	for {
		v, ok := r.Pop()
		if !ok {
			return n
		}
		if fn != nil {
			fn(v)
		}
		n++
	}
}

// Reset empties the ring. It must not race with Push or Pop.
func (r *Ring[T]) Reset() {
	var zero T
	for i := range r.slots {
		r.slots[i] = zero
	}
	r.rp.Store(0)
	r.wp.Store(0)
}
