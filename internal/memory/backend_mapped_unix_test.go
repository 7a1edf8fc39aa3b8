//go:build unix

package memory

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMappedBackend_AllocateAndRelease(t *testing.T) {
	opts := DefaultBackendOptions()
	opts.ZeroFill = true
	b, err := NewBackend(BackendMapped, opts)
	require.NoError(t, err)
	assert.Equal(t, "mapped", b.Name())

	buf, err := b.Allocate(1 << 16)
	require.NoError(t, err)
	require.Len(t, buf.Bytes, 1<<16)
	assert.Equal(t, addrOf(buf.Bytes), buf.Addr)

	buf.Bytes[0], buf.Bytes[len(buf.Bytes)-1] = 7, 9
	require.NoError(t, b.(ZeroFiller).ZeroFill(buf, buf.Size))
	assert.Equal(t, byte(0), buf.Bytes[0])

	require.NoError(t, b.Deallocate(buf))
}

func TestMappedBackend_PoolSet(t *testing.T) {
	b, err := NewBackend(BackendMapped, DefaultBackendOptions())
	require.NoError(t, err)

	set := NewPoolSet("mapped", nil)
	require.NoError(t, set.Initialize(b, Sizing{InitialSize: 1 << 20, BlockSize: 4096}))

	h1, err := set.Allocate(10000, "a")
	require.NoError(t, err)
	h2, err := set.Allocate(1<<20, "b")
	require.NoError(t, err)
	assert.Equal(t, 1, h2.PoolID())

	copy(set.Bytes(h1), "mapped memory")
	assert.Equal(t, "mapped memory", string(set.Bytes(h1)[:13]))

	require.NoError(t, set.Finalize())
	assert.Equal(t, int64(2), set.BackendStats().Deallocations)
}

func TestMappedBackend_NUMAHintIsBestEffort(t *testing.T) {
	var logs bytes.Buffer
	logger := zerolog.New(&logs)
	opts := DefaultBackendOptions()
	// No machine has this many nodes; the hint fails but the mapping is usable.
	opts.NUMANode = 4095
	opts.Logger = &logger

	b, err := NewBackend(BackendMapped, opts)
	require.NoError(t, err)
	buf, err := b.Allocate(4096)
	require.NoError(t, err)
	buf.Bytes[0] = 1
	require.NoError(t, b.Deallocate(buf))
	assert.Contains(t, logs.String(), "NUMA locality hint not applied")
}
