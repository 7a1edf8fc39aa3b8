package memory

import (
	"sync/atomic"

	"github.com/23skdu/hetpool/internal/metrics"
)

// BackendStats is a snapshot of the calls a TrackingBackend has seen.
type BackendStats struct {
	Allocations    int64
	Deallocations  int64
	BytesAllocated int64
	BytesFreed     int64
	Errors         int64
}

// TrackingBackend wraps a Backend and updates Prometheus metrics.
type TrackingBackend struct {
	base Backend
	// Exposed for tests, but main purpose is metrics
	Allocations    atomic.Int64
	Deallocations  atomic.Int64
	BytesAllocated atomic.Int64
	BytesFreed     atomic.Int64
	Errors         atomic.Int64
}

// trackingZeroBackend keeps the wrapped backend's zero-fill capability visible.
type trackingZeroBackend struct {
	*TrackingBackend
	zero ZeroFiller
}

// NewTrackingBackend wraps base. The result implements ZeroFiller exactly
// when base does.
func NewTrackingBackend(base Backend) Backend {
	t := &TrackingBackend{base: base}
	if z, ok := base.(ZeroFiller); ok {
		return &trackingZeroBackend{TrackingBackend: t, zero: z}
	}
	return t
}

func (t *TrackingBackend) Name() string { return t.base.Name() }

// Unwrap returns the wrapped backend.
func (t *TrackingBackend) Unwrap() Backend { return t.base }

func (t *TrackingBackend) Allocate(size int64) (Buffer, error) {
	name := t.base.Name()
	buf, err := t.base.Allocate(size)
	if err != nil {
		t.Errors.Add(1)
		metrics.BackendErrorsTotal.WithLabelValues(name, "allocate").Inc()
		return Buffer{}, err
	}
	t.Allocations.Add(1)
	t.BytesAllocated.Add(size)
	metrics.BackendAllocationsTotal.WithLabelValues(name).Inc()
	metrics.BackendBytesAllocatedTotal.WithLabelValues(name).Add(float64(size))
	return buf, nil
}

func (t *TrackingBackend) Deallocate(buf Buffer) error {
	name := t.base.Name()
	if err := t.base.Deallocate(buf); err != nil {
		t.Errors.Add(1)
		metrics.BackendErrorsTotal.WithLabelValues(name, "deallocate").Inc()
		return err
	}
	t.Deallocations.Add(1)
	t.BytesFreed.Add(buf.Size)
	metrics.BackendBytesFreedTotal.WithLabelValues(name).Add(float64(buf.Size))
	return nil
}

// Stats returns a snapshot of the counters.
func (t *TrackingBackend) Stats() BackendStats {
	return BackendStats{
		Allocations:    t.Allocations.Load(),
		Deallocations:  t.Deallocations.Load(),
		BytesAllocated: t.BytesAllocated.Load(),
		BytesFreed:     t.BytesFreed.Load(),
		Errors:         t.Errors.Load(),
	}
}

func (t *trackingZeroBackend) ZeroFill(buf Buffer, size int64) error {
	if err := t.zero.ZeroFill(buf, size); err != nil {
		t.Errors.Add(1)
		metrics.BackendErrorsTotal.WithLabelValues(t.base.Name(), "zero_fill").Inc()
		return err
	}
	return nil
}

// trackerOf returns the TrackingBackend inside b, if any.
func trackerOf(b Backend) *TrackingBackend {
	switch t := b.(type) {
	case *TrackingBackend:
		return t
	case *trackingZeroBackend:
		return t.TrackingBackend
	}
	return nil
}

var (
	_ Backend    = (*TrackingBackend)(nil)
	_ ZeroFiller = (*trackingZeroBackend)(nil)
)
