package memory

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, capacity, block int64) (*StackPool, *countingBackend) {
	t.Helper()
	backend := &countingBackend{}
	p, err := NewStackPool(0, capacity, block, backend)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Release() })
	return p, backend
}

func TestStackPool_AllocateRoundsAndBumps(t *testing.T) {
	p, _ := newTestPool(t, 8192, 1024)

	a, err := p.Allocate(100, "a")
	require.NoError(t, err)
	b, err := p.Allocate(1025, "b")
	require.NoError(t, err)

	assert.Equal(t, int64(1024), a.Size)
	assert.Equal(t, int64(2048), b.Size)
	assert.Equal(t, p.Base(), a.Addr)
	assert.Equal(t, p.Base()+1024, b.Addr)
	assert.Equal(t, int64(3072), p.Used())
	assert.Equal(t, int64(3072), p.HighWaterMark())
	assert.Equal(t, 2, p.ActiveAllocations())
	assert.Equal(t, uint64(2), p.TotalAllocations())
	assert.Equal(t, 0, b.PoolID())
	assert.Equal(t, "b", b.Label)
}

func TestStackPool_ZeroByteRequestTakesOneBlock(t *testing.T) {
	p, _ := newTestPool(t, 4096, 1024)

	a, err := p.Allocate(0, "empty")
	require.NoError(t, err)
	b, err := p.Allocate(0, "empty2")
	require.NoError(t, err)

	assert.False(t, a.IsNil())
	assert.Equal(t, int64(1024), a.Size)
	assert.NotEqual(t, a.Addr, b.Addr)
}

func TestStackPool_NoRoom(t *testing.T) {
	p, _ := newTestPool(t, 2048, 1024)

	assert.True(t, p.HasRoom(2048))
	assert.False(t, p.HasRoom(2049))

	_, err := p.Allocate(1024, "a")
	require.NoError(t, err)

	assert.False(t, p.HasRoom(1025))
	h, err := p.Allocate(1025, "too big")
	assert.ErrorIs(t, err, ErrNoRoom)
	assert.True(t, h.IsNil())
	assert.Equal(t, int64(1024), p.Used())
}

func TestStackPool_LIFOFree(t *testing.T) {
	p, _ := newTestPool(t, 8192, 1024)

	a, _ := p.Allocate(1024, "a")
	b, _ := p.Allocate(1024, "b")

	n, err := p.Free(b.Addr)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(1024), p.Used())

	n, err = p.Free(a.Addr)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(0), p.Used())
	assert.Equal(t, int64(2048), p.HighWaterMark(), "high water is never reset")
}

func TestStackPool_OutOfOrderFreeCascades(t *testing.T) {
	p, _ := newTestPool(t, 8192, 1024)

	x, _ := p.Allocate(512, "x")
	a, _ := p.Allocate(1024, "a")
	_, _ = p.Allocate(2000, "b")
	_, _ = p.Allocate(1, "c")

	n, err := p.Free(a.Addr)
	require.NoError(t, err)
	assert.Equal(t, 3, n, "freeing a reclaims a, b and c")
	assert.Equal(t, int64(1024), p.Used(), "top returns to the offset before a")

	want := []Allocation{{Offset: 0, Size: 1024, Label: "x", Seq: 0}}
	if diff := cmp.Diff(want, p.Allocations()); diff != "" {
		t.Errorf("live records mismatch (-want +got):\n%s", diff)
	}

	// b was reclaimed with a.
	_, err = p.Free(x.Addr + 2048)
	assert.ErrorIs(t, err, ErrUnknownAllocation)
}

func TestStackPool_FreeInteriorAddress(t *testing.T) {
	p, _ := newTestPool(t, 8192, 1024)

	_, _ = p.Allocate(1024, "a")
	b, _ := p.Allocate(2048, "b")

	n, err := p.Free(b.Addr + 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(1024), p.Used())
}

func TestStackPool_FreeErrors(t *testing.T) {
	p, _ := newTestPool(t, 4096, 1024)

	_, err := p.Free(p.Base() + 4096)
	assert.ErrorIs(t, err, ErrNotOwned)

	_, err = p.Free(p.Base())
	assert.ErrorIs(t, err, ErrUnknownAllocation)
}

func TestStackPool_Records(t *testing.T) {
	p, _ := newTestPool(t, 16384, 1024)

	_, _ = p.Allocate(10, "halo")
	_, _ = p.Allocate(3000, "flux")
	_, _ = p.Allocate(1024, "scratch")

	want := []Allocation{
		{Offset: 0, Size: 1024, Label: "halo", Seq: 0},
		{Offset: 1024, Size: 3072, Label: "flux", Seq: 1},
		{Offset: 4096, Size: 1024, Label: "scratch", Seq: 2},
	}
	if diff := cmp.Diff(want, p.Allocations()); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}
}

func TestStackPool_Bytes(t *testing.T) {
	p, _ := newTestPool(t, 4096, 1024)

	h, _ := p.Allocate(100, "a")
	b := p.Bytes(h)
	require.Len(t, b, 1024)
	assert.Equal(t, 1024, cap(b), "view must not extend into the next record")
	b[0], b[1023] = 1, 2

	h2, _ := p.Allocate(1, "b")
	assert.Equal(t, byte(0), p.Bytes(h2)[0])
	assert.Equal(t, byte(2), p.Bytes(h)[1023])

	assert.Nil(t, p.Bytes(Handle{}))
}

func TestStackPool_ZeroFillOnceAndRelease(t *testing.T) {
	p, backend := newTestPool(t, 4096, 1024)
	assert.Equal(t, 1, backend.allocs)
	assert.Equal(t, 1, backend.zeroFills)

	for i := 0; i < 3; i++ {
		h, err := p.Allocate(1024, "a")
		require.NoError(t, err)
		_, err = p.Free(h.Addr)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, backend.zeroFills, "zero fill runs only at acquisition")
	assert.Equal(t, 1, backend.allocs)

	require.NoError(t, p.Release())
	require.NoError(t, p.Release())
	assert.Equal(t, 1, backend.frees, "buffer is returned exactly once")
	assert.False(t, p.HasRoom(1))
}

func TestStackPool_NoZeroFillWithoutFiller(t *testing.T) {
	var zeroed int
	backend, err := NewFuncBackend("plain",
		func(size int64) (Buffer, error) { return hostBackend{}.Allocate(size) },
		func(Buffer) error { return nil },
		nil)
	require.NoError(t, err)
	_, isFiller := backend.(ZeroFiller)
	assert.False(t, isFiller)

	withZero, err := NewFuncBackend("zeroing",
		func(size int64) (Buffer, error) { return hostBackend{}.Allocate(size) },
		func(Buffer) error { return nil },
		func(Buffer, int64) error { zeroed++; return nil })
	require.NoError(t, err)

	_, err = NewStackPool(0, 1024, 1024, backend)
	require.NoError(t, err)
	_, err = NewStackPool(0, 1024, 1024, withZero)
	require.NoError(t, err)
	assert.Equal(t, 1, zeroed)
}

func TestStackPool_InvalidConstruction(t *testing.T) {
	backend := &countingBackend{}

	_, err := NewStackPool(0, 0, 1024, backend)
	assert.ErrorIs(t, err, ErrInvalidSize)
	_, err = NewStackPool(0, 1024, 0, backend)
	assert.ErrorIs(t, err, ErrInvalidSize)
	assert.Zero(t, backend.allocs)

	backend.failAlloc = true
	_, err = NewStackPool(0, 1024, 1024, backend)
	assert.ErrorIs(t, err, errInjected)
}

// TestStackPoolProperties drives random allocate/free sequences and checks
// that live records stay contiguous and sum to top.
func TestStackPoolProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	const (
		capacity = 64 * 1024
		block    = 256
	)

	properties.Property("live sizes sum to top and never exceed capacity", prop.ForAll(
		func(ops []int64) bool {
			p, err := NewStackPool(0, capacity, block, &countingBackend{})
			if err != nil {
				return false
			}
			defer p.Release()

			var live []Handle
			for _, op := range ops {
				if op < 0 && len(live) > 0 {
					// free the record at index |op| mod len, cascading the rest
					i := int(-op) % len(live)
					if _, err := p.Free(live[i].Addr); err != nil {
						return false
					}
					live = live[:i]
				} else if p.HasRoom(op) {
					h, err := p.Allocate(op, "prop")
					if err != nil {
						return false
					}
					live = append(live, h)
				}

				var sum, end int64
				for _, rec := range p.Allocations() {
					if rec.Offset != end {
						return false
					}
					end = rec.End()
					sum += rec.Size
				}
				if sum != p.Used() || sum > capacity || len(live) != p.ActiveAllocations() {
					return false
				}
				if p.HighWaterMark() < p.Used() {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Int64Range(-50, 4000)),
	))

	properties.TestingRun(t)
}
