// Package memory provides stack-ordered pool sets over pluggable host and
// device memory backends.
package memory

import (
	"fmt"
	"sync/atomic"

	"github.com/23skdu/hetpool/internal/errors"
	"github.com/23skdu/hetpool/internal/metrics"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
)

// State is the lifecycle state of a PoolSet.
type State int

const (
	StateUninitialized State = iota
	StateInitialized
	StateFinalized
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateFinalized:
		return "finalized"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// noCopy makes go vet's copylocks check flag copies of a PoolSet.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// PoolStats is a read-only snapshot of one pool.
type PoolStats struct {
	ID                int
	Base              uintptr
	Capacity          int64
	Used              int64
	HighWater         int64
	ActiveAllocations int
	TotalAllocations  uint64
}

// PoolSet owns an ordered set of StackPools carved from one Backend.
// Requests go to the first pool with room; a new pool of GrowSize is created
// when none has room. Backing buffers are only returned at Finalize.
//
// A PoolSet is not safe for concurrent use and must not be copied.
type PoolSet struct {
	_ noCopy

	name    string
	logger  zerolog.Logger
	state   State
	backend Backend
	sizing  Sizing
	pools   []*StackPool
	// resident mirrors TotalCapacity for readers on other goroutines
	resident atomic.Int64
}

// NewPoolSet returns an uninitialized pool set. name labels its logs and
// metrics; a nil logger disables logging.
func NewPoolSet(name string, logger *zerolog.Logger) *PoolSet {
	if name == "" {
		name = "default"
	}
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("pool_set", name).Logger()
	}
	return &PoolSet{name: name, logger: l}
}

// Initialize resolves the sizing overrides and creates the first pool.
// Invalid overrides fall back to their defaults with a warning. It may be
// called again after Finalize.
func (s *PoolSet) Initialize(backend Backend, overrides Sizing) error {
	const op = "initialize"
	if s.state == StateInitialized {
		return s.fatal(errors.NewStateError(op, "pool set is already initialized"))
	}
	if backend == nil {
		return s.fatal(errors.NewInvariantError(op, "backend is nil"))
	}

	sizing, _ := ResolveSizing(overrides, &s.logger)
	s.sizing = sizing
	s.backend = NewTrackingBackend(backend)
	s.pools = nil

	if _, err := s.grow(s.sizing.InitialSize, "initial"); err != nil {
		return err
	}
	s.state = StateInitialized

	s.logger.Info().
		Str("backend", backend.Name()).
		Int64("initial_size", sizing.InitialSize).
		Int64("grow_size", sizing.GrowSize).
		Int64("block_size", sizing.BlockSize).
		Msg("pool set initialized")
	return nil
}

// Allocate reserves bytes from the first pool with room, growing the set
// when no pool has room. Requests larger than GrowSize that fit nowhere
// return a fatal capacity error.
func (s *PoolSet) Allocate(bytes int64, label string) (Handle, error) {
	const op = "allocate"
	if err := s.requireInitialized(op); err != nil {
		return Handle{}, err
	}
	if bytes < 0 {
		return Handle{}, s.fatal(errors.NewInvariantError(op,
			fmt.Sprintf("negative request of %d bytes", bytes)).WithContext("label", label))
	}

	for _, p := range s.pools {
		if p.HasRoom(bytes) {
			return s.allocateFrom(p, bytes, label)
		}
	}

	rounded := RoundUp(max(bytes, 1), s.sizing.BlockSize)
	if rounded > s.sizing.GrowSize {
		return Handle{}, s.fatal(errors.NewCapacityError(op,
			fmt.Sprintf("request of %d bytes (%d rounded) exceeds grow size %d", bytes, rounded, s.sizing.GrowSize)).
			WithContext("label", label).
			WithContext("bytes", bytes).
			WithContext("grow_size", s.sizing.GrowSize))
	}

	p, err := s.grow(s.sizing.GrowSize, "grow")
	if err != nil {
		return Handle{}, err
	}
	return s.allocateFrom(p, bytes, label)
}

func (s *PoolSet) allocateFrom(p *StackPool, bytes int64, label string) (Handle, error) {
	h, err := p.Allocate(bytes, label)
	if err != nil {
		return Handle{}, s.fatal(errors.WrapInvariantError(err, "allocate",
			"pool rejected a request after its room check passed").
			WithContext("pool", p.ID()).
			WithContext("label", label).
			WithContext("bytes", bytes))
	}
	metrics.PoolAllocationsTotal.WithLabelValues(s.name).Inc()
	s.updateGauges()
	return h, nil
}

// Free releases h. Freeing anything but the most recent allocation of its
// pool also reclaims every later allocation of that pool.
func (s *PoolSet) Free(h Handle) error {
	return s.FreeAddr(h.Addr)
}

// FreeAddr releases the allocation containing addr, routed to the most
// recently created pool that owns the address.
func (s *PoolSet) FreeAddr(addr uintptr) error {
	const op = "free"
	if err := s.requireInitialized(op); err != nil {
		return err
	}

	for i := len(s.pools) - 1; i >= 0; i-- {
		p := s.pools[i]
		if !p.Owns(addr) {
			continue
		}
		reclaimed, err := p.Free(addr)
		if err != nil {
			return s.fatal(errors.WrapInvariantError(err, op, "free of an address with no live allocation").
				WithContext("pool", p.ID()).
				WithContext("addr", fmt.Sprintf("%#x", addr)))
		}
		metrics.PoolFreesTotal.WithLabelValues(s.name).Inc()
		if reclaimed > 1 {
			metrics.PoolCascadedRecordsTotal.WithLabelValues(s.name).Add(float64(reclaimed - 1))
			s.logger.Warn().
				Int("pool", p.ID()).
				Int("reclaimed", reclaimed).
				Msg("out-of-order free reclaimed later allocations")
		}
		s.updateGauges()
		return nil
	}

	return s.fatal(errors.NewInvariantError(op, "no pool owns the address").
		WithContext("addr", fmt.Sprintf("%#x", addr)))
}

// Finalize returns every backing buffer to the backend. It is safe to call
// more than once and on a set that was never initialized. Deallocation
// failures are collected into one backend error.
func (s *PoolSet) Finalize() error {
	if s.state != StateInitialized {
		return nil
	}

	var result *multierror.Error
	for i := len(s.pools) - 1; i >= 0; i-- {
		if err := s.pools[i].Release(); err != nil {
			result = multierror.Append(result, fmt.Errorf("pool %d: %w", s.pools[i].ID(), err))
		}
	}
	released := len(s.pools)
	s.pools = nil
	s.resident.Store(0)
	s.state = StateFinalized
	s.updateGauges()

	if err := result.ErrorOrNil(); err != nil {
		return s.fatal(errors.WrapBackendError(err, "finalize", "backend failed to release pools"))
	}
	s.logger.Info().Int("pools", released).Msg("pool set finalized")
	return nil
}

// grow creates a pool of the given capacity and appends it to the set.
func (s *PoolSet) grow(capacity int64, reason string) (*StackPool, error) {
	id := len(s.pools)
	p, err := NewStackPool(id, capacity, s.sizing.BlockSize, s.backend)
	if err != nil {
		return nil, s.fatal(errors.WrapBackendError(err, "create_pool", "backend could not provide a pool").
			WithContext("pool", id).
			WithContext("capacity", capacity))
	}
	s.pools = append(s.pools, p)
	s.resident.Add(capacity)
	metrics.PoolsCreatedTotal.WithLabelValues(s.name, reason).Inc()
	s.updateGauges()

	s.logger.Info().
		Int("pool", id).
		Int64("capacity", capacity).
		Str("reason", reason).
		Msg("pool created")
	return p, nil
}

func (s *PoolSet) requireInitialized(op string) error {
	if s.state != StateInitialized {
		return s.fatal(errors.NewStateError(op, "pool set is "+s.state.String()))
	}
	return nil
}

// fatal is the single reporting path for unrecoverable conditions: the error
// is logged and counted, then handed back for the caller to act on.
func (s *PoolSet) fatal(err *errors.StructuredError) error {
	metrics.FatalErrorsTotal.WithLabelValues(string(err.Type)).Inc()
	s.logger.Error().EmbedObject(err).Msg(err.Message)
	return err
}

func (s *PoolSet) updateGauges() {
	metrics.PoolCapacityBytes.WithLabelValues(s.name).Set(float64(s.TotalCapacity()))
	metrics.PoolHighWaterBytes.WithLabelValues(s.name).Set(float64(s.HighWaterMark()))
	metrics.PoolActiveAllocations.WithLabelValues(s.name).Set(float64(s.TotalActiveAllocations()))
}

// HighWaterMark sums the high-water marks of all pools.
func (s *PoolSet) HighWaterMark() int64 {
	var n int64
	for _, p := range s.pools {
		n += p.HighWaterMark()
	}
	return n
}

// TotalCapacity sums the capacities of all pools.
func (s *PoolSet) TotalCapacity() int64 {
	var n int64
	for _, p := range s.pools {
		n += p.Size()
	}
	return n
}

// TotalActiveAllocations counts live allocations across all pools.
func (s *PoolSet) TotalActiveAllocations() int {
	var n int
	for _, p := range s.pools {
		n += p.ActiveAllocations()
	}
	return n
}

// ResidentBytes returns the backing bytes currently held. Unlike the other
// accessors it is safe to call from any goroutine.
func (s *PoolSet) ResidentBytes() int64 { return s.resident.Load() }

// NumPools returns the number of pools.
func (s *PoolSet) NumPools() int { return len(s.pools) }

// Name returns the set's metrics and log label.
func (s *PoolSet) Name() string { return s.name }

// State returns the lifecycle state.
func (s *PoolSet) State() State { return s.state }

// Sizing returns the resolved sizing policy.
func (s *PoolSet) Sizing() Sizing { return s.sizing }

// Pools returns a stats snapshot of every pool in creation order.
func (s *PoolSet) Pools() []PoolStats {
	out := make([]PoolStats, 0, len(s.pools))
	for _, p := range s.pools {
		out = append(out, PoolStats{
			ID:                p.ID(),
			Base:              p.Base(),
			Capacity:          p.Size(),
			Used:              p.Used(),
			HighWater:         p.HighWaterMark(),
			ActiveAllocations: p.ActiveAllocations(),
			TotalAllocations:  p.TotalAllocations(),
		})
	}
	return out
}

// Allocations returns the live records of pool id, or nil if there is no such pool.
func (s *PoolSet) Allocations(id int) []Allocation {
	if id < 0 || id >= len(s.pools) {
		return nil
	}
	return s.pools[id].Allocations()
}

// Bytes returns the host view of h, or nil when h's memory is not host addressable.
func (s *PoolSet) Bytes(h Handle) []byte {
	if h.pool < 0 || h.pool >= len(s.pools) {
		return nil
	}
	return s.pools[h.pool].Bytes(h)
}

// BackendStats reports the calls made to the backend since Initialize.
func (s *PoolSet) BackendStats() BackendStats {
	if t := trackerOf(s.backend); t != nil {
		return t.Stats()
	}
	return BackendStats{}
}
