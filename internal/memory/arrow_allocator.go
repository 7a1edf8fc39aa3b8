package memory

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/apache/arrow-go/v18/arrow/memory"
)

// ArrowAllocator implements memory.Allocator on top of a PoolSet.
//
// Arrow frees buffers in arbitrary order, which a stack pool can only honour
// by reclaiming everything allocated after the freed buffer. So Free only
// adjusts the byte count and the memory comes back all at once in Release,
// which frees the adapter's first allocation in every pool it touched.
// The PoolSet must use a host-addressable backend.
type ArrowAllocator struct {
	mu        sync.Mutex
	set       *PoolSet
	label     string
	allocated int64
	// first allocation per pool, in the order pools were first touched
	firsts []Handle
	seen   map[int]struct{}
}

// NewArrowAllocator creates an adapter whose allocations are tagged with label.
func NewArrowAllocator(set *PoolSet, label string) *ArrowAllocator {
	return &ArrowAllocator{
		set:   set,
		label: label,
		seen:  make(map[int]struct{}),
	}
}

// Allocate returns size zeroed bytes carved from the pool set.
// It panics with the pool set's error, as memory.Allocator has no error
// return; the panic value is always an error.
func (a *ArrowAllocator) Allocate(size int) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()

	h, err := a.set.Allocate(int64(size), a.label)
	if err != nil {
		panic(fmt.Errorf("arrow allocator %q: %w", a.label, err))
	}
	b := a.set.Bytes(h)
	if b == nil {
		panic(fmt.Errorf("arrow allocator %q: %w", a.label, ErrNotHostAddressable))
	}
	if _, ok := a.seen[h.PoolID()]; !ok {
		a.seen[h.PoolID()] = struct{}{}
		a.firsts = append(a.firsts, h)
	}

	atomic.AddInt64(&a.allocated, int64(size))
	// Stack memory is reused without clearing; Arrow expects fresh buffers to be zero.
	b = b[:size]
	clear(b)
	return b
}

// Reallocate resizes a slice.
func (a *ArrowAllocator) Reallocate(size int, b []byte) []byte {
	if size == len(b) {
		return b
	}
	if size < len(b) {
		atomic.AddInt64(&a.allocated, int64(size-len(b)))
		return b[:size]
	}
	newBuf := a.Allocate(size)
	copy(newBuf, b)
	a.Free(b)
	return newBuf
}

// Free only tracks bytes; memory is reclaimed at Release.
func (a *ArrowAllocator) Free(b []byte) {
	atomic.AddInt64(&a.allocated, -int64(len(b)))
}

// Allocated returns total bytes currently allocated.
func (a *ArrowAllocator) Allocated() int64 {
	return atomic.LoadInt64(&a.allocated)
}

// Release returns every allocation made through the adapter to the pool set.
// Allocations made directly on the pool set after the adapter's first one in
// the same pool are reclaimed too.
func (a *ArrowAllocator) Release() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var firstErr error
	for i := len(a.firsts) - 1; i >= 0; i-- {
		if err := a.set.Free(a.firsts[i]); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.firsts = nil
	clear(a.seen)
	atomic.StoreInt64(&a.allocated, 0)
	return firstErr
}

var _ memory.Allocator = (*ArrowAllocator)(nil)
