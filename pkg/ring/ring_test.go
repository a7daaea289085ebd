//go:build unit

package ring

import (
	"errors"
	"math"
	"math/rand"
	"sync"
	"testing"

	"github.com/emergingrobotics/go-ipa/pkg/driver"
)

type slot struct {
	addr uint64
}

func slotAddr(s slot) uint64 { return s.addr }

func TestNewRejectsBadDepth(t *testing.T) {
	for _, depth := range []int{0, -4, 3, 6, 1000} {
		if _, err := New[int](depth); !errors.Is(err, driver.ErrInvalid) {
			t.Errorf("New(%d) error = %v, expected ErrInvalid", depth, err)
		}
	}
	for _, depth := range []int{1, 2, 64, 1024} {
		if _, err := New[int](depth); err != nil {
			t.Errorf("New(%d) unexpected error: %v", depth, err)
		}
	}
}

func TestPushPopOrder(t *testing.T) {
	r, _ := New[int](4)

	for i := 0; i < 4; i++ {
		if !r.Push(i) {
			t.Fatalf("Push(%d) failed on non-full ring", i)
		}
	}
	if r.Push(99) {
		t.Error("Push succeeded on full ring")
	}
	if !r.Full() {
		t.Error("expected ring to be full")
	}
	for i := 0; i < 4; i++ {
		v, ok := r.Pop()
		if !ok || v != i {
			t.Errorf("Pop() = %d,%v expected %d,true", v, ok, i)
		}
	}
	if _, ok := r.Pop(); ok {
		t.Error("Pop succeeded on empty ring")
	}
}

// checkInvariant asserts 0 <= wp-rp <= depth with unsigned wraparound.
func checkInvariant[T any](t *testing.T, r *Ring[T]) {
	t.Helper()
	rp, wp := r.Cursors()
	if d := wp - rp; d > uint32(r.Depth()) {
		t.Fatalf("invariant broken: rp=%d wp=%d depth=%d", rp, wp, r.Depth())
	}
}

func TestInvariantRandomSequence(t *testing.T) {
	for _, depth := range []int{1, 2, 8, 32} {
		r, _ := New[int](depth)
		// start close to overflow to exercise wraparound
		start := uint32(math.MaxUint32 - 5)
		r.rp.Store(start)
		r.wp.Store(start)

		rng := rand.New(rand.NewSource(int64(depth)))
		var model []int
		next := 0
		for step := 0; step < 5000; step++ {
			if rng.Intn(2) == 0 {
				ok := r.Push(next)
				if ok != (len(model) < depth) {
					t.Fatalf("depth %d step %d: Push ok=%v with %d queued", depth, step, ok, len(model))
				}
				if ok {
					model = append(model, next)
				}
				next++
			} else {
				v, ok := r.Pop()
				if ok != (len(model) > 0) {
					t.Fatalf("depth %d step %d: Pop ok=%v with %d queued", depth, step, ok, len(model))
				}
				if ok {
					if v != model[0] {
						t.Fatalf("depth %d step %d: Pop = %d, expected %d", depth, step, v, model[0])
					}
					model = model[1:]
				}
			}
			checkInvariant(t, r)
			if r.Len() != len(model) {
				t.Fatalf("Len() = %d, expected %d", r.Len(), len(model))
			}
		}
	}
}

func TestPopExpect(t *testing.T) {
	r, _ := New[slot](8)
	r.Push(slot{addr: 0x1000})
	r.Push(slot{addr: 0x2000})

	s, err := r.PopExpect(0x2000, slotAddr)
	var desync *DesyncError
	if !errors.As(err, &desync) {
		t.Fatalf("expected DesyncError, got %v", err)
	}
	if !errors.Is(err, driver.ErrDesync) {
		t.Error("expected DesyncError to match ErrDesync")
	}
	if desync.Expected != 0x2000 || desync.Got != 0x1000 {
		t.Errorf("unexpected desync detail %+v", desync)
	}
	if s.addr != 0x1000 {
		t.Errorf("mismatched entry must be handed back, got %#x", s.addr)
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, expected 1", r.Len())
	}

	s, err = r.PopExpect(0x2000, slotAddr)
	if err != nil || s.addr != 0x2000 {
		t.Errorf("PopExpect = %+v, %v", s, err)
	}
	if _, err := r.PopExpect(0x3000, slotAddr); !errors.Is(err, driver.ErrNoData) {
		t.Errorf("empty PopExpect error = %v, expected ErrNoData", err)
	}
}

func TestDrainAndReset(t *testing.T) {
	r, _ := New[int](4)
	r.Push(1)
	r.Push(2)

	var got []int
	if n := r.Drain(func(v int) { got = append(got, v) }); n != 2 {
		t.Errorf("Drain() = %d, expected 2", n)
	}
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("drained %v", got)
	}

	r.Push(3)
	r.Reset()
	if !r.Empty() {
		t.Error("expected empty ring after Reset")
	}
	rp, wp := r.Cursors()
	if rp != 0 || wp != 0 {
		t.Errorf("cursors after Reset = %d,%d", rp, wp)
	}
}

func TestConcurrentSPSC(t *testing.T) {
	r, _ := New[int](16)
	const total = 20000

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; {
			if r.Push(i) {
				i++
			}
		}
	}()

	for want := 0; want < total; {
		v, ok := r.Pop()
		if !ok {
			continue
		}
		if v != want {
			t.Fatalf("Pop() = %d, expected %d", v, want)
		}
		want++
	}
	wg.Wait()
}
