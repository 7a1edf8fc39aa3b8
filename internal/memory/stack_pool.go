package memory

import (
	"fmt"
	"slices"
)

// StackPool hands out sub-allocations from one backing buffer with stack
// discipline. It is not safe for concurrent use.
//
// Live records are contiguous from offset 0, in allocation order, and top is
// the end of the last one. Freeing a record rolls top back to its offset,
// which also reclaims every record allocated after it.
type StackPool struct {
	id        int
	backend   Backend
	buf       Buffer
	capacity  int64
	blockSize int64
	top       int64
	highWater int64
	records   []Allocation
	nextSeq   uint64
	allocs    uint64
	released  bool
}

// NewStackPool acquires a capacity-byte buffer from backend. If the backend
// supplies a zero-fill function it is applied once to the whole buffer.
func NewStackPool(id int, capacity, blockSize int64, backend Backend) (*StackPool, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: pool capacity %d", ErrInvalidSize, capacity)
	}
	if blockSize <= 0 {
		return nil, fmt.Errorf("%w: block size %d", ErrInvalidSize, blockSize)
	}

	buf, err := backend.Allocate(capacity)
	if err != nil {
		return nil, err
	}
	if zero := zeroFunc(backend); zero != nil {
		if err := zero(buf, capacity); err != nil {
			_ = backend.Deallocate(buf)
			return nil, fmt.Errorf("zero fill %d bytes: %w", capacity, err)
		}
	}

	return &StackPool{
		id:        id,
		backend:   backend,
		buf:       buf,
		capacity:  capacity,
		blockSize: blockSize,
	}, nil
}

// rounded returns the bytes a request of size n reserves.
func (p *StackPool) rounded(n int64) int64 {
	if n == 0 {
		n = 1
	}
	return RoundUp(n, p.blockSize)
}

// HasRoom reports whether a request of n bytes fits.
func (p *StackPool) HasRoom(n int64) bool {
	if n < 0 || p.released {
		return false
	}
	return p.capacity-p.top >= p.rounded(n)
}

// Allocate reserves n bytes, rounded up to the block size.
// Callers are expected to check HasRoom first; a request that does not fit
// returns the null handle and ErrNoRoom.
func (p *StackPool) Allocate(n int64, label string) (Handle, error) {
	if n < 0 {
		return Handle{}, fmt.Errorf("%w: request %d", ErrInvalidSize, n)
	}
	if !p.HasRoom(n) {
		return Handle{}, ErrNoRoom
	}

	size := p.rounded(n)
	rec := Allocation{
		Offset: p.top,
		Size:   size,
		Label:  label,
		Seq:    p.nextSeq,
	}
	p.records = append(p.records, rec)
	p.nextSeq++
	p.allocs++
	p.top += size
	p.highWater = max(p.highWater, p.top)

	return Handle{
		Addr:  p.buf.Addr + uintptr(rec.Offset),
		Size:  size,
		Label: label,
		pool:  p.id,
		seq:   rec.Seq,
	}, nil
}

// Free releases the record containing addr together with every record
// allocated after it, and returns how many records were reclaimed.
func (p *StackPool) Free(addr uintptr) (int, error) {
	if !p.Owns(addr) {
		return 0, ErrNotOwned
	}
	off := int64(addr - p.buf.Addr)

	i, found := slices.BinarySearchFunc(p.records, off, func(a Allocation, off int64) int {
		switch {
		case a.End() <= off:
			return -1
		case a.Offset > off:
			return 1
		}
		return 0
	})
	if !found {
		return 0, fmt.Errorf("%w: offset %d in pool %d", ErrUnknownAllocation, off, p.id)
	}

	reclaimed := len(p.records) - i
	p.top = p.records[i].Offset
	clear(p.records[i:])
	p.records = p.records[:i]
	return reclaimed, nil
}

// Owns reports whether addr lies inside this pool's buffer.
func (p *StackPool) Owns(addr uintptr) bool {
	return addr >= p.buf.Addr && addr-p.buf.Addr < uintptr(p.capacity)
}

// Bytes returns the host view of h's region, or nil when the pool's memory is
// not host addressable or h was not issued by this pool.
func (p *StackPool) Bytes(h Handle) []byte {
	if p.buf.Bytes == nil || h.IsNil() || !p.Owns(h.Addr) {
		return nil
	}
	off := int64(h.Addr - p.buf.Addr)
	end := off + h.Size
	return p.buf.Bytes[off:end:end]
}

// Release returns the buffer to the backend. Later calls are no-ops.
func (p *StackPool) Release() error {
	if p.released {
		return nil
	}
	p.released = true
	p.records = nil
	p.top = 0
	return p.backend.Deallocate(p.buf)
}

// ID returns the pool's creation index within its pool set.
func (p *StackPool) ID() int { return p.id }

// Size returns the capacity in bytes.
func (p *StackPool) Size() int64 { return p.capacity }

// Used returns the current top offset.
func (p *StackPool) Used() int64 { return p.top }

// HighWaterMark returns the largest top ever reached.
func (p *StackPool) HighWaterMark() int64 { return p.highWater }

// ActiveAllocations returns the number of live records.
func (p *StackPool) ActiveAllocations() int { return len(p.records) }

// TotalAllocations returns the number of successful allocations ever made.
func (p *StackPool) TotalAllocations() uint64 { return p.allocs }

// Base returns the address of the first byte of the buffer.
func (p *StackPool) Base() uintptr { return p.buf.Addr }

// Allocations returns a copy of the live records, oldest first.
func (p *StackPool) Allocations() []Allocation {
	return slices.Clone(p.records)
}
