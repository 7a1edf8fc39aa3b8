//go:build unix

package memory

import (
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// mappedBackend allocates anonymous private mappings outside the Go heap.
type mappedBackend struct {
	opts   BackendOptions
	logger zerolog.Logger
}

func newMappedBackend(opts BackendOptions) (Backend, error) {
	m := &mappedBackend{opts: opts, logger: zerolog.Nop()}
	if opts.Logger != nil {
		m.logger = *opts.Logger
	}
	return m, nil
}

func (m *mappedBackend) Name() string { return string(BackendMapped) }

func (m *mappedBackend) Allocate(size int64) (Buffer, error) {
	if size <= 0 || int64(int(size)) != size {
		return Buffer{}, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	b, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return Buffer{}, fmt.Errorf("mmap %d bytes: %w", size, err)
	}

	// Locality and residency are hints; failing to apply them leaves a usable mapping.
	if m.opts.NUMANode >= 0 {
		if err := bindPreferred(b, m.opts.NUMANode); err != nil {
			m.logger.Warn().Err(err).Int("numa_node", m.opts.NUMANode).Msg("NUMA locality hint not applied")
		}
	}
	if m.opts.Prefetch {
		if err := unix.Madvise(b, unix.MADV_WILLNEED); err != nil {
			m.logger.Warn().Err(err).Msg("madvise(MADV_WILLNEED) hint not applied")
		}
	}

	return Buffer{
		Addr:  addrOf(b),
		Size:  size,
		Bytes: b,
	}, nil
}

func (m *mappedBackend) Deallocate(buf Buffer) error {
	if buf.Bytes == nil {
		return fmt.Errorf("%w: mapped buffer without host view", ErrInvalidBackend)
	}
	if err := unix.Munmap(buf.Bytes); err != nil {
		return fmt.Errorf("munmap %d bytes: %w", buf.Size, err)
	}
	return nil
}

// ZeroFill touches every page of the mapping. Fresh anonymous mappings are
// already zero, so this only pays the page faults up front.
func (m *mappedBackend) ZeroFill(buf Buffer, size int64) error {
	clear(buf.Bytes[:size])
	return nil
}
