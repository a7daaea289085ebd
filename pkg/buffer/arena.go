// Package buffer provides the DMA-visible memory the IPA core hands to the
// hardware: an mmap-backed arena of fixed-size buffers addressed by a
// synthetic bus address, and a bounded pool of reusable descriptors.
package buffer

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/emergingrobotics/go-ipa/pkg/driver"
)

// PageSize is the system page size (typically 4096 bytes)
const PageSize = 4096

// DefaultIOVABase is the first bus address handed out by an arena.
const DefaultIOVABase uint64 = 0x8000_0000

// Buffer is one fixed-size slot of an Arena.
type Buffer struct {
	Addr uint64
	data []byte
}

// Data returns the full slot.
func (b *Buffer) Data() []byte {
	return b.data
}

// Size returns the slot size.
func (b *Buffer) Size() int {
	return len(b.data)
}

// Arena carves one page-aligned anonymous mapping into fixed-size buffers.
// Each buffer is identified by a bus address base+index*slotSize; the hal
// resolves that address back to memory when it delivers a completion.
type Arena struct {
	mu       sync.Mutex
	slab     []byte
	slotSize int
	base     uint64
	free     []int
	inUse    []bool
	closed   bool
}

// NewArena maps count buffers of size bytes each.
func NewArena(count, size int, base uint64) (*Arena, error) {
	if count <= 0 || size <= 0 {
		return nil, driver.NewError(driver.StatusInvalidArgument,
			fmt.Sprintf("arena %dx%d", count, size))
	}

	// Keep every slot cache-line aligned.
	slot := (size + 63) &^ 63
	total := count * slot
	aligned := ((total + PageSize - 1) / PageSize) * PageSize

	slab, err := unix.Mmap(-1, 0, aligned,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, driver.NewErrorWithCause(driver.StatusNoMemory, "arena mmap", err)
	}

	a := &Arena{
		slab:     slab,
		slotSize: slot,
		base:     base,
		free:     make([]int, 0, count),
		inUse:    make([]bool, count),
	}
	for i := count - 1; i >= 0; i-- {
		a.free = append(a.free, i)
	}
	return a, nil
}

// SlotSize returns the per-buffer size.
func (a *Arena) SlotSize() int {
	return a.slotSize
}

// Capacity returns the number of slots.
func (a *Arena) Capacity() int {
	return len(a.inUse)
}

// Available returns the number of free slots.
func (a *Arena) Available() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.free)
}

// Alloc takes one buffer. It returns ErrNoMemory when the arena is exhausted.
func (a *Arena) Alloc() (*Buffer, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil, driver.ErrClosed
	}
	n := len(a.free)
	if n == 0 {
		return nil, driver.NewError(driver.StatusNoMemory, "arena exhausted")
	}
	idx := a.free[n-1]
	a.free = a.free[:n-1]
	a.inUse[idx] = true
	return a.bufferAt(idx), nil
}

func (a *Arena) bufferAt(idx int) *Buffer {
	off := idx * a.slotSize
	return &Buffer{
		Addr: a.base + uint64(off),
		data: a.slab[off : off+a.slotSize : off+a.slotSize],
	}
}

func (a *Arena) index(addr uint64) (int, bool) {
	if addr < a.base {
		return 0, false
	}
	off := addr - a.base
	if off%uint64(a.slotSize) != 0 {
		return 0, false
	}
	idx := int(off / uint64(a.slotSize))
	if idx >= len(a.inUse) {
		return 0, false
	}
	return idx, true
}

// Free returns the buffer at addr to the arena. Freeing an unknown or
// already free address returns ErrInvalid.
func (a *Arena) Free(addr uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	idx, ok := a.index(addr)
	if !ok || !a.inUse[idx] {
		return driver.NewError(driver.StatusInvalidArgument, fmt.Sprintf("free %#x", addr))
	}
	a.inUse[idx] = false
	a.free = append(a.free, idx)
	return nil
}

// Resolve maps a bus address to the memory of an allocated buffer.
func (a *Arena) Resolve(addr uint64) ([]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil, false
	}
	idx, ok := a.index(addr)
	if !ok || !a.inUse[idx] {
		return nil, false
	}
	return a.bufferAt(idx).data, true
}

// Close unmaps the slab. Outstanding buffers become invalid.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true
	if err := unix.Munmap(a.slab); err != nil {
		return fmt.Errorf("munmap failed: %w", err)
	}
	a.slab = nil
	return nil
}
