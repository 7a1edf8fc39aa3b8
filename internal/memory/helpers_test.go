package memory

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/require"
)

// countingBackend is a host backend that records every call.
type countingBackend struct {
	hostBackend
	allocs     int
	frees      int
	zeroFills  int
	failAlloc  bool
	failFree   bool
	allocSizes []int64
}

var errInjected = stderrors.New("injected backend failure")

func (c *countingBackend) Name() string { return "counting" }

func (c *countingBackend) Allocate(size int64) (Buffer, error) {
	if c.failAlloc {
		return Buffer{}, errInjected
	}
	c.allocs++
	c.allocSizes = append(c.allocSizes, size)
	return c.hostBackend.Allocate(size)
}

func (c *countingBackend) Deallocate(buf Buffer) error {
	c.frees++
	if c.failFree {
		return errInjected
	}
	return nil
}

func (c *countingBackend) ZeroFill(buf Buffer, size int64) error {
	c.zeroFills++
	return c.hostBackend.ZeroFill(buf, size)
}

// newTestSet initializes a pool set on a counting host backend.
func newTestSet(t *testing.T, sizing Sizing) (*PoolSet, *countingBackend) {
	t.Helper()
	backend := &countingBackend{}
	set := NewPoolSet(t.Name(), nil)
	require.NoError(t, set.Initialize(backend, sizing))
	t.Cleanup(func() { _ = set.Finalize() })
	return set, backend
}
