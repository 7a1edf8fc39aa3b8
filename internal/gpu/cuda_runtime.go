//go:build cuda

package gpu

/*
#cgo LDFLAGS: -lcudart
#include <stdlib.h>
#include <cuda_runtime.h>

// The CUDA current device is per host thread, so every helper selects the
// device in the same cgo call that uses it.
static int hp_malloc(int device, void **ptr, size_t size) {
	cudaError_t rc = cudaSetDevice(device);
	if (rc != cudaSuccess) return (int)rc;
	return (int)cudaMalloc(ptr, size);
}

static int hp_malloc_managed(int device, void **ptr, size_t size) {
	cudaError_t rc = cudaSetDevice(device);
	if (rc != cudaSuccess) return (int)rc;
	return (int)cudaMallocManaged(ptr, size, cudaMemAttachGlobal);
}

static int hp_prefetch(void *ptr, size_t size, int device) {
	cudaError_t rc = cudaSetDevice(device);
	if (rc != cudaSuccess) return (int)rc;
	return (int)cudaMemPrefetchAsync(ptr, size, device, 0);
}

static int hp_memset(int device, void *ptr, int value, size_t size) {
	cudaError_t rc = cudaSetDevice(device);
	if (rc != cudaSuccess) return (int)rc;
	return (int)cudaMemset(ptr, value, size);
}

static int hp_free(int device, void *ptr) {
	cudaError_t rc = cudaSetDevice(device);
	if (rc != cudaSuccess) return (int)rc;
	return (int)cudaFree(ptr);
}

static int hp_pointer_device(const void *ptr, int *device) {
	struct cudaPointerAttributes attr;
	cudaError_t rc = cudaPointerGetAttributes(&attr, ptr);
	if (rc != cudaSuccess) return (int)rc;
	*device = attr.device;
	return 0;
}

static int hp_device_count(int *count) {
	return (int)cudaGetDeviceCount(count);
}

static const char *hp_error_string(int code) {
	return cudaGetErrorString((cudaError_t)code);
}
*/
import "C"

import (
	"fmt"
	"unsafe"
)

// cudaMemory issues CUDA runtime calls bound to one device.
type cudaMemory struct {
	device int
}

// Open validates cfg.DeviceID; every later call runs on that device
// regardless of which OS thread issues it.
func Open(cfg Config) (DeviceMemory, error) {
	var count C.int
	if rc := C.hp_device_count(&count); rc != 0 {
		return nil, cudaError("cudaGetDeviceCount", rc)
	}
	if cfg.DeviceID < 0 || cfg.DeviceID >= int(count) {
		return nil, fmt.Errorf("device %d out of range (%d devices)", cfg.DeviceID, int(count))
	}
	return &cudaMemory{device: cfg.DeviceID}, nil
}

// Available reports whether this build can reach an accelerator.
func Available() bool {
	var count C.int
	return C.hp_device_count(&count) == 0 && count > 0
}

func (m *cudaMemory) Malloc(size int64) (unsafe.Pointer, error) {
	var ptr unsafe.Pointer
	if rc := C.hp_malloc(C.int(m.device), &ptr, C.size_t(size)); rc != 0 {
		return nil, cudaError("cudaMalloc", rc)
	}
	return ptr, nil
}

func (m *cudaMemory) MallocManaged(size int64) (unsafe.Pointer, error) {
	var ptr unsafe.Pointer
	if rc := C.hp_malloc_managed(C.int(m.device), &ptr, C.size_t(size)); rc != 0 {
		return nil, cudaError("cudaMallocManaged", rc)
	}
	return ptr, nil
}

func (m *cudaMemory) Prefetch(ptr unsafe.Pointer, size int64, device int) error {
	if rc := C.hp_prefetch(ptr, C.size_t(size), C.int(device)); rc != 0 {
		return cudaError("cudaMemPrefetchAsync", rc)
	}
	return nil
}

func (m *cudaMemory) Memset(ptr unsafe.Pointer, value byte, size int64) error {
	if rc := C.hp_memset(C.int(m.device), ptr, C.int(value), C.size_t(size)); rc != 0 {
		return cudaError("cudaMemset", rc)
	}
	return nil
}

func (m *cudaMemory) Free(ptr unsafe.Pointer) error {
	if rc := C.hp_free(C.int(m.device), ptr); rc != 0 {
		return cudaError("cudaFree", rc)
	}
	return nil
}

// pointerDevice reports the device that owns ptr.
func pointerDevice(ptr unsafe.Pointer) (int, error) {
	var dev C.int
	if rc := C.hp_pointer_device(ptr, &dev); rc != 0 {
		return -1, cudaError("cudaPointerGetAttributes", rc)
	}
	return int(dev), nil
}

// DeviceCount returns the number of visible accelerators.
func DeviceCount() int {
	var count C.int
	if C.hp_device_count(&count) != 0 {
		return 0
	}
	return int(count)
}

func (m *cudaMemory) DeviceID() int {
	return m.device
}

func cudaError(call string, rc C.int) error {
	return fmt.Errorf("%s failed: %s (code %d)", call, C.GoString(C.hp_error_string(rc)), int(rc))
}
