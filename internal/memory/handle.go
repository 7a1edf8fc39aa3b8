package memory

import "fmt"

// Handle identifies one live sub-allocation.
// The zero Handle is the null handle returned alongside errors.
type Handle struct {
	// Addr is the pool base plus the allocation offset.
	Addr uintptr
	// Size is the rounded size actually reserved.
	Size int64
	// Label is the caller's diagnostic tag.
	Label string

	pool int
	seq  uint64
}

// IsNil reports whether h is the null handle.
func (h Handle) IsNil() bool {
	return h.Size == 0
}

// PoolID returns the id of the pool that issued h.
func (h Handle) PoolID() int {
	return h.pool
}

// Seq returns the issuing pool's sequence number for h.
func (h Handle) Seq() uint64 {
	return h.seq
}

func (h Handle) String() string {
	if h.IsNil() {
		return "Handle(nil)"
	}
	return fmt.Sprintf("Handle(pool=%d addr=%#x size=%d label=%q)", h.pool, h.Addr, h.Size, h.Label)
}

// Allocation is one live record of a StackPool.
type Allocation struct {
	Offset int64
	Size   int64
	Label  string
	Seq    uint64
}

// End returns the offset one past the record.
func (a Allocation) End() int64 {
	return a.Offset + a.Size
}
