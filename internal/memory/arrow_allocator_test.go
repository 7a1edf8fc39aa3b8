package memory

import (
	"testing"

	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArrowAllocator(t *testing.T) {
	set, _ := newTestSet(t, Sizing{InitialSize: 64 * 1024, GrowSize: 64 * 1024, BlockSize: 64})
	alloc := NewArrowAllocator(set, "arrow")

	buf := alloc.Allocate(1000)
	assert.Len(t, buf, 1000)
	buf[0], buf[999] = 1, 2
	assert.Equal(t, int64(1000), alloc.Allocated())

	buf2 := alloc.Allocate(100)
	assert.NotEqual(t, &buf[0], &buf2[0])

	grown := alloc.Reallocate(3000, buf)
	assert.Len(t, grown, 3000)
	assert.Equal(t, byte(1), grown[0])
	assert.Equal(t, byte(2), grown[999])
	assert.Equal(t, int64(3100), alloc.Allocated())

	shrunk := alloc.Reallocate(10, grown)
	assert.Len(t, shrunk, 10)
	assert.Equal(t, int64(110), alloc.Allocated())

	alloc.Free(buf2)
	assert.Equal(t, int64(10), alloc.Allocated())
	assert.Equal(t, 3, set.TotalActiveAllocations(), "frees are deferred to Release")

	require.NoError(t, alloc.Release())
	assert.Zero(t, alloc.Allocated())
	assert.Zero(t, set.TotalActiveAllocations())
}

func TestArrowAllocator_ReturnsZeroedMemory(t *testing.T) {
	set, _ := newTestSet(t, Sizing{InitialSize: 4096, GrowSize: 4096, BlockSize: 64})
	alloc := NewArrowAllocator(set, "dirty")

	b := alloc.Allocate(128)
	for i := range b {
		b[i] = 0xaa
	}
	require.NoError(t, alloc.Release())

	b = alloc.Allocate(128)
	for _, v := range b {
		require.Zero(t, v)
	}
	require.NoError(t, alloc.Release())
}

func TestArrowAllocator_ReleaseSpansPools(t *testing.T) {
	set, _ := newTestSet(t, Sizing{InitialSize: 4096, GrowSize: 4096, BlockSize: 64})
	alloc := NewArrowAllocator(set, "span")

	for i := 0; i < 6; i++ {
		_ = alloc.Allocate(3000)
	}
	require.Greater(t, set.NumPools(), 1)

	require.NoError(t, alloc.Release())
	assert.Zero(t, set.TotalActiveAllocations())
	for _, p := range set.Pools() {
		assert.Zero(t, p.Used)
	}
}

func TestArrowAllocator_Builder(t *testing.T) {
	set, _ := newTestSet(t, Sizing{InitialSize: 1 << 20, GrowSize: 1 << 20, BlockSize: 64})
	alloc := NewArrowAllocator(set, "int64-column")

	b := array.NewInt64Builder(alloc)
	for i := int64(0); i < 10000; i++ {
		if i%7 == 0 {
			b.AppendNull()
			continue
		}
		b.Append(i * 3)
	}
	arr := b.NewInt64Array()
	b.Release()

	require.Equal(t, 10000, arr.Len())
	assert.True(t, arr.IsNull(0))
	assert.Equal(t, int64(3), arr.Value(1))
	assert.Equal(t, int64(9999*3), arr.Value(9999))
	assert.Equal(t, 10000/7+1, arr.NullN())

	arr.Release()
	require.NoError(t, alloc.Release())
	assert.Zero(t, set.TotalActiveAllocations())
}

func TestArrowAllocator_PanicsOnCapacityError(t *testing.T) {
	set, _ := newTestSet(t, Sizing{InitialSize: 4096, GrowSize: 4096, BlockSize: 64})
	alloc := NewArrowAllocator(set, "too-big")

	assert.Panics(t, func() { alloc.Allocate(8192) })
}

func TestArrowAllocator_PanicsOnDeviceMemory(t *testing.T) {
	backend, err := NewFuncBackend("device-only",
		func(size int64) (Buffer, error) { return Buffer{Addr: 0x4000, Size: size}, nil },
		func(Buffer) error { return nil },
		nil)
	require.NoError(t, err)
	set := NewPoolSet("device-only", nil)
	require.NoError(t, set.Initialize(backend, Sizing{InitialSize: 4096}))
	defer set.Finalize()

	alloc := NewArrowAllocator(set, "device")
	assert.Panics(t, func() { alloc.Allocate(64) })
}
