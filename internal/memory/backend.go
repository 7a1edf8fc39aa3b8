package memory

import (
	"fmt"
	"strings"
	"unsafe"

	"github.com/23skdu/hetpool/internal/gpu"
	"github.com/rs/zerolog"
)

// Buffer is one backing region obtained from a Backend.
type Buffer struct {
	// Addr is the first byte of the region. For device-only memory it is a
	// device address and must not be dereferenced on the host.
	Addr uintptr
	// Size is the region length in bytes.
	Size int64
	// Bytes is the host view of the region, nil when the memory is not host addressable.
	Bytes []byte
	// Token is backend-private state needed to release the region.
	Token any
}

// HostAddressable reports whether the buffer can be read and written from Go.
func (b Buffer) HostAddressable() bool {
	return b.Bytes != nil
}

// Backend is the expensive allocation primitive pools are carved from.
type Backend interface {
	// Name identifies the backend in logs and metrics.
	Name() string
	// Allocate obtains size bytes of backing memory.
	Allocate(size int64) (Buffer, error)
	// Deallocate returns a buffer obtained from Allocate.
	Deallocate(buf Buffer) error
}

// ZeroFiller is implemented by backends that supply a zero-fill function.
// A pool calls it once over its whole buffer right after acquisition.
type ZeroFiller interface {
	ZeroFill(buf Buffer, size int64) error
}

// zeroFunc returns b's zero-fill function, or nil when it supplies none.
func zeroFunc(b Backend) func(Buffer, int64) error {
	if z, ok := b.(ZeroFiller); ok {
		return z.ZeroFill
	}
	return nil
}

// Function types of the injected backend triple.
type (
	AllocFunc func(size int64) (Buffer, error)
	FreeFunc  func(buf Buffer) error
	ZeroFunc  func(buf Buffer, size int64) error
)

type funcBackend struct {
	name  string
	alloc AllocFunc
	free  FreeFunc
}

func (f *funcBackend) Name() string                        { return f.name }
func (f *funcBackend) Allocate(size int64) (Buffer, error) { return f.alloc(size) }
func (f *funcBackend) Deallocate(buf Buffer) error         { return f.free(buf) }

type funcZeroBackend struct {
	*funcBackend
	zero ZeroFunc
}

func (f *funcZeroBackend) ZeroFill(buf Buffer, size int64) error { return f.zero(buf, size) }

// NewFuncBackend adapts an injected function triple to a Backend.
// zero may be nil, in which case new pools are not zero filled.
func NewFuncBackend(name string, alloc AllocFunc, free FreeFunc, zero ZeroFunc) (Backend, error) {
	if alloc == nil || free == nil {
		return nil, fmt.Errorf("%w: custom backend %q needs both allocate and deallocate functions", ErrInvalidBackend, name)
	}
	fb := &funcBackend{name: name, alloc: alloc, free: free}
	if zero != nil {
		return &funcZeroBackend{funcBackend: fb, zero: zero}, nil
	}
	return fb, nil
}

// noZero hides the ZeroFill method of the wrapped backend.
type noZero struct {
	Backend
}

// BackendKind is the closed set of backend strategies.
type BackendKind string

const (
	// BackendHost allocates from the Go heap.
	BackendHost BackendKind = "host"
	// BackendMapped allocates anonymous memory mappings with locality hints.
	BackendMapped BackendKind = "mapped"
	// BackendManaged allocates accelerator unified memory.
	BackendManaged BackendKind = "managed"
	// BackendDevice allocates accelerator device-only memory.
	BackendDevice BackendKind = "device"
	// BackendCustom is supplied by the caller through NewFuncBackend.
	BackendCustom BackendKind = "custom"
)

// ParseBackendKind parses a backend name, case-insensitively.
func ParseBackendKind(s string) (BackendKind, error) {
	switch k := BackendKind(strings.ToLower(strings.TrimSpace(s))); k {
	case BackendHost, BackendMapped, BackendManaged, BackendDevice, BackendCustom:
		return k, nil
	case "":
		return BackendHost, nil
	default:
		return "", fmt.Errorf("%w: unknown backend kind %q", ErrInvalidBackend, s)
	}
}

// BackendOptions tunes the built-in backends.
type BackendOptions struct {
	// ZeroFill makes the backend supply a zero-fill function, so every new
	// pool is cleared (and its pages touched) once after acquisition.
	ZeroFill bool
	// Prefetch asks mapped and managed memory to be made resident up front.
	Prefetch bool
	// NUMANode is the preferred node for mapped memory; negative means no preference.
	NUMANode int
	// DeviceID is the accelerator managed and device memory is bound to.
	DeviceID int
	// Register, when set, is called for every new managed buffer so a
	// secondary programming model can map the same address range.
	Register func(buf Buffer) error
	// Unregister undoes Register before the buffer is freed.
	Unregister func(buf Buffer) error
	// Logger receives warnings about hints that could not be applied.
	Logger *zerolog.Logger
}

// DefaultBackendOptions returns the options used when none are given.
func DefaultBackendOptions() BackendOptions {
	return BackendOptions{
		Prefetch: true,
		NUMANode: -1,
	}
}

// NewBackend builds the built-in backend of the given kind.
// BackendCustom cannot be built here; use NewFuncBackend.
func NewBackend(kind BackendKind, opts BackendOptions) (Backend, error) {
	var (
		b   Backend
		err error
	)

	switch kind {
	case BackendHost, "":
		b = &hostBackend{}
	case BackendMapped:
		b, err = newMappedBackend(opts)
	case BackendManaged, BackendDevice:
		var mem gpu.DeviceMemory
		mem, err = gpu.Open(gpu.Config{DeviceID: opts.DeviceID})
		if err != nil {
			return nil, fmt.Errorf("%w: %s backend: %v", ErrBackendUnavailable, kind, err)
		}
		if kind == BackendManaged {
			b = &managedBackend{mem: mem, opts: opts}
		} else {
			b = &deviceBackend{mem: mem}
		}
	case BackendCustom:
		return nil, fmt.Errorf("%w: custom backends are built with NewFuncBackend", ErrInvalidBackend)
	default:
		return nil, fmt.Errorf("%w: unknown backend kind %q", ErrInvalidBackend, kind)
	}
	if err != nil {
		return nil, err
	}

	if !opts.ZeroFill {
		return noZero{Backend: b}, nil
	}
	return b, nil
}

func addrOf(b []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))
}

// hostBackend allocates pools from the Go heap.
type hostBackend struct{}

func (hostBackend) Name() string { return string(BackendHost) }

func (hostBackend) Allocate(size int64) (Buffer, error) {
	if size <= 0 {
		return Buffer{}, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	b := make([]byte, size)
	return Buffer{
		Addr:  addrOf(b),
		Size:  size,
		Bytes: b,
	}, nil
}

func (hostBackend) Deallocate(buf Buffer) error {
	// The heap slice becomes garbage once the pool drops its Buffer.
	return nil
}

func (hostBackend) ZeroFill(buf Buffer, size int64) error {
	clear(buf.Bytes[:size])
	return nil
}

// deviceBackend allocates accelerator device-only memory.
type deviceBackend struct {
	mem gpu.DeviceMemory
}

func (d *deviceBackend) Name() string { return string(BackendDevice) }

func (d *deviceBackend) Allocate(size int64) (Buffer, error) {
	ptr, err := d.mem.Malloc(size)
	if err != nil {
		return Buffer{}, err
	}
	return Buffer{Addr: uintptr(ptr), Size: size, Token: ptr}, nil
}

func (d *deviceBackend) Deallocate(buf Buffer) error {
	ptr, ok := buf.Token.(unsafe.Pointer)
	if !ok {
		return fmt.Errorf("%w: device buffer without device pointer", ErrInvalidBackend)
	}
	return d.mem.Free(ptr)
}

func (d *deviceBackend) ZeroFill(buf Buffer, size int64) error {
	ptr, ok := buf.Token.(unsafe.Pointer)
	if !ok {
		return fmt.Errorf("%w: device buffer without device pointer", ErrInvalidBackend)
	}
	return d.mem.Memset(ptr, 0, size)
}

// managedBackend allocates unified memory visible to host and device.
type managedBackend struct {
	mem  gpu.DeviceMemory
	opts BackendOptions
}

func (m *managedBackend) Name() string { return string(BackendManaged) }

func (m *managedBackend) Allocate(size int64) (Buffer, error) {
	ptr, err := m.mem.MallocManaged(size)
	if err != nil {
		return Buffer{}, err
	}
	buf := Buffer{
		Addr:  uintptr(ptr),
		Size:  size,
		Bytes: unsafe.Slice((*byte)(ptr), size),
		Token: ptr,
	}

	if m.opts.Prefetch {
		if err := m.mem.Prefetch(ptr, size, m.mem.DeviceID()); err != nil {
			logger := zerolog.Nop()
			if m.opts.Logger != nil {
				logger = *m.opts.Logger
			}
			logger.Warn().Err(err).Int("device", m.mem.DeviceID()).Msg("managed prefetch hint not applied")
		}
	}
	if m.opts.Register != nil {
		if err := m.opts.Register(buf); err != nil {
			_ = m.mem.Free(ptr)
			return Buffer{}, fmt.Errorf("register managed buffer: %w", err)
		}
	}
	return buf, nil
}

func (m *managedBackend) Deallocate(buf Buffer) error {
	ptr, ok := buf.Token.(unsafe.Pointer)
	if !ok {
		return fmt.Errorf("%w: managed buffer without device pointer", ErrInvalidBackend)
	}
	if m.opts.Unregister != nil {
		if err := m.opts.Unregister(buf); err != nil {
			return fmt.Errorf("unregister managed buffer: %w", err)
		}
	}
	return m.mem.Free(ptr)
}

func (m *managedBackend) ZeroFill(buf Buffer, size int64) error {
	clear(buf.Bytes[:size])
	return nil
}
