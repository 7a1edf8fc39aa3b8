// Package gpu wraps the accelerator runtime calls used by the device and
// managed-memory pool backends.
package gpu

import (
	"errors"
	"unsafe"
)

// ErrGPUNotAvailable is returned by Open in builds without accelerator support.
var ErrGPUNotAvailable = errors.New("GPU support not enabled in this build")

// Config selects the accelerator a DeviceMemory instance targets.
type Config struct {
	// DeviceID is the accelerator ordinal allocations are bound to.
	DeviceID int
}

// DeviceMemory is the accelerator allocation primitive.
// Pointers returned here refer to memory outside the Go heap.
type DeviceMemory interface {
	// Malloc allocates device-only memory.
	Malloc(size int64) (unsafe.Pointer, error)

	// MallocManaged allocates unified memory addressable from host and device.
	MallocManaged(size int64) (unsafe.Pointer, error)

	// Prefetch migrates a managed range toward device.
	Prefetch(ptr unsafe.Pointer, size int64, device int) error

	// Memset fills size bytes at ptr with value.
	Memset(ptr unsafe.Pointer, value byte, size int64) error

	// Free releases memory from Malloc or MallocManaged.
	Free(ptr unsafe.Pointer) error

	// DeviceID returns the bound accelerator ordinal.
	DeviceID() int
}
