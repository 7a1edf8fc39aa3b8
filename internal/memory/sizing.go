package memory

import (
	"fmt"
	"math"
	"unsafe"

	"github.com/23skdu/hetpool/internal/errors"
	"github.com/23skdu/hetpool/internal/metrics"
	"github.com/rs/zerolog"
)

const (
	// MiB is one mebibyte.
	MiB int64 = 1 << 20
	// WordSize is the machine word in bytes; block sizes must be a multiple of it.
	WordSize = int64(unsafe.Sizeof(uintptr(0)))
	// DefaultInitialSize is the capacity of the first pool.
	DefaultInitialSize = 1024 * MiB
	// DefaultBlockSize is 128 machine words.
	DefaultBlockSize = 128 * WordSize
)

// Sizing is the pool-set sizing policy. Zero fields mean "use the default".
type Sizing struct {
	// InitialSize is the capacity of the first pool.
	InitialSize int64
	// GrowSize is the capacity of every pool created on demand.
	GrowSize int64
	// BlockSize is the rounding granularity of every request.
	BlockSize int64
}

// DefaultSizing returns the built-in sizing policy.
func DefaultSizing() Sizing {
	return Sizing{
		InitialSize: DefaultInitialSize,
		GrowSize:    DefaultInitialSize,
		BlockSize:   DefaultBlockSize,
	}
}

// ResolveSizing applies overrides on top of the defaults.
//
// A negative size, or a block size that is not a multiple of WordSize, is
// reported as a configuration warning and replaced by its default. A valid
// initial size with no grow override also becomes the grow size.
// The returned warnings have already been logged and counted.
func ResolveSizing(overrides Sizing, logger *zerolog.Logger) (Sizing, []error) {
	var warnings []error
	warn := func(setting string, value, fallback int64, reason string) {
		err := errors.NewConfigurationError("resolve_sizing",
			fmt.Sprintf("%s override %d %s, using default %d", setting, value, reason, fallback)).
			WithContext("setting", setting).
			WithContext("value", value)
		warnings = append(warnings, err)
		metrics.ConfigWarningsTotal.WithLabelValues(setting).Inc()
		if logger != nil {
			logger.Warn().
				Str("setting", setting).
				Int64("value", value).
				Int64("default", fallback).
				Msg(reason + ", using default")
		}
	}

	s := DefaultSizing()

	switch {
	case overrides.InitialSize > 0:
		s.InitialSize = overrides.InitialSize
	case overrides.InitialSize < 0:
		warn("initial_size", overrides.InitialSize, s.InitialSize, "must be positive")
	}

	// Grow defaults to the effective initial size.
	s.GrowSize = s.InitialSize
	switch {
	case overrides.GrowSize > 0:
		s.GrowSize = overrides.GrowSize
	case overrides.GrowSize < 0:
		warn("grow_size", overrides.GrowSize, s.GrowSize, "must be positive")
	}

	switch {
	case overrides.BlockSize > 0 && overrides.BlockSize%WordSize == 0:
		s.BlockSize = overrides.BlockSize
	case overrides.BlockSize < 0:
		warn("block_size", overrides.BlockSize, s.BlockSize, "must be positive")
	case overrides.BlockSize > 0:
		warn("block_size", overrides.BlockSize, s.BlockSize,
			fmt.Sprintf("is not a multiple of the %d-byte word", WordSize))
	}

	return s, warnings
}

// RoundUp rounds x up to the next multiple of block.
// Results that would overflow saturate at math.MaxInt64, which no pool can hold.
func RoundUp(x, block int64) int64 {
	if x > math.MaxInt64-(block-1) {
		return math.MaxInt64
	}
	return (x + block - 1) / block * block
}
