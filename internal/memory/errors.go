package memory

import "errors"

var (
	// ErrNoRoom is returned by StackPool.Allocate when the rounded request
	// does not fit between top and capacity.
	ErrNoRoom = errors.New("pool has no room for request")
	// ErrUnknownAllocation is returned when an address inside a pool matches no live allocation.
	ErrUnknownAllocation = errors.New("address matches no live allocation")
	// ErrNotOwned is returned when an address lies outside a pool's buffer.
	ErrNotOwned = errors.New("address not owned by pool")
	// ErrInvalidSize is returned for negative request or buffer sizes.
	ErrInvalidSize = errors.New("invalid size")
	// ErrBackendUnavailable is returned when a backend kind cannot be built on this platform or build.
	ErrBackendUnavailable = errors.New("backend unavailable")
	// ErrInvalidBackend is returned for unknown backend kinds or incomplete custom backends.
	ErrInvalidBackend = errors.New("invalid backend")
	// ErrNotHostAddressable is returned when host bytes are requested from device-only memory.
	ErrNotHostAddressable = errors.New("memory is not host addressable")
)
