package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/23skdu/hetpool/internal/errors"
	"github.com/23skdu/hetpool/internal/memory"
	"github.com/23skdu/hetpool/internal/metrics"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"
)

// Workloads
const (
	workloadLIFO    = "lifo"
	workloadCascade = "cascade"
	workloadGrowth  = "growth"
	workloadArrow   = "arrow"
)

// maxGrowthDepth bounds a growth round to a few pools' worth of memory.
const maxGrowthDepth = 8

var errVerifyFailed = stderrors.New("allocation contents changed before free")

// liveAlloc is a handle plus the checksum of the bytes written into it.
type liveAlloc struct {
	h       memory.Handle
	sum     uint64
	checked bool
}

// worker drives one PoolSet from a single goroutine.
type worker struct {
	id     int
	set    *memory.PoolSet
	rng    *rand.Rand
	opts   benchOptions
	c      *counters
	logger zerolog.Logger
}

func (w *worker) observe(op string, d time.Duration) {
	w.c.latency.Record(d)
	metrics.BenchOperationDuration.WithLabelValues(w.opts.workload, op).Observe(d.Seconds())
}

func (w *worker) size(lo, hi int64) int64 {
	if hi <= lo {
		return lo
	}
	return lo + w.rng.Int63n(hi-lo+1)
}

func (w *worker) allocate(size int64, label string) (liveAlloc, error) {
	t0 := time.Now()
	h, err := w.set.Allocate(size, label)
	w.observe("allocate", time.Since(t0))
	if err != nil {
		return liveAlloc{}, err
	}
	w.c.allocations.Add(1)

	a := liveAlloc{h: h}
	if w.opts.verify {
		// Device-only memory has no host view to check.
		if b := w.set.Bytes(h); b != nil {
			_, _ = w.rng.Read(b)
			a.sum = xxhash.Sum64(b)
			a.checked = true
		}
	}
	return a, nil
}

func (w *worker) check(a liveAlloc) error {
	if !a.checked {
		return nil
	}
	w.c.verifyChecks.Add(1)
	if xxhash.Sum64(w.set.Bytes(a.h)) != a.sum {
		w.c.verifyFailures.Add(1)
		metrics.BenchVerifyFailuresTotal.WithLabelValues(w.opts.workload).Inc()
		return fmt.Errorf("%w: %s", errVerifyFailed, a.h)
	}
	return nil
}

func (w *worker) free(a liveAlloc) error {
	t0 := time.Now()
	err := w.set.Free(a.h)
	w.observe("free", time.Since(t0))
	if err != nil {
		return err
	}
	w.c.frees.Add(1)
	return nil
}

// round runs one iteration of the configured workload.
func (w *worker) round() error {
	switch w.opts.workload {
	case workloadLIFO:
		return w.lifoRound()
	case workloadCascade:
		return w.cascadeRound()
	case workloadGrowth:
		return w.growthRound()
	case workloadArrow:
		return w.arrowRound()
	}
	return fmt.Errorf("unknown workload %q", w.opts.workload)
}

// lifoRound allocates depth buffers and frees them newest first.
func (w *worker) lifoRound() error {
	live := make([]liveAlloc, 0, w.opts.depth)
	for i := 0; i < w.opts.depth; i++ {
		a, err := w.allocate(w.size(w.opts.minSize, w.opts.maxSize), "lifo")
		if err != nil {
			return err
		}
		live = append(live, a)
	}
	for i := len(live) - 1; i >= 0; i-- {
		if err := w.check(live[i]); err != nil {
			return err
		}
		if err := w.free(live[i]); err != nil {
			return err
		}
	}
	return nil
}

// cascadeRound allocates depth buffers and reclaims them by freeing only the
// oldest allocation of every pool touched.
func (w *worker) cascadeRound() error {
	var (
		live   []liveAlloc
		firsts []liveAlloc
		seen   = make(map[int]bool)
	)
	for i := 0; i < w.opts.depth; i++ {
		a, err := w.allocate(w.size(w.opts.minSize, w.opts.maxSize), "cascade")
		if err != nil {
			return err
		}
		live = append(live, a)
		if !seen[a.h.PoolID()] {
			seen[a.h.PoolID()] = true
			firsts = append(firsts, a)
		}
	}
	for _, a := range live {
		if err := w.check(a); err != nil {
			return err
		}
	}
	for i := len(firsts) - 1; i >= 0; i-- {
		if err := w.free(firsts[i]); err != nil {
			return err
		}
	}
	if n := w.set.TotalActiveAllocations(); n != 0 {
		return errors.NewInvariantError("cascade", fmt.Sprintf("%d allocations survived the cascade", n))
	}
	w.c.cascaded.Add(int64(len(live) - len(firsts)))
	return nil
}

// growthRound makes requests of a quarter to half the grow size so the set
// has to add pools, checking after every request that the oldest buffer is
// untouched.
func (w *worker) growthRound() error {
	grow := w.set.Sizing().GrowSize
	lo, hi := max(grow/4, 1), max(grow/2, 1)
	depth := min(w.opts.depth, maxGrowthDepth)

	live := make([]liveAlloc, 0, depth)
	for i := 0; i < depth; i++ {
		a, err := w.allocate(w.size(lo, hi), "growth")
		if err != nil {
			return err
		}
		live = append(live, a)
		if err := w.check(live[0]); err != nil {
			return err
		}
	}
	for i := len(live) - 1; i >= 0; i-- {
		if err := w.check(live[i]); err != nil {
			return err
		}
		if err := w.free(live[i]); err != nil {
			return err
		}
	}
	return nil
}

// arrowRound builds an Int64 column through the arrow adapter and checks
// its contents before releasing it.
func (w *worker) arrowRound() (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = e
				return
			}
			panic(r)
		}
	}()

	before := totalAllocations(w.set)
	alloc := memory.NewArrowAllocator(w.set, "arrow")
	n := w.opts.depth * 64
	values := make([]int64, n)

	t0 := time.Now()
	b := array.NewInt64Builder(alloc)
	for i := range values {
		values[i] = w.rng.Int63()
		b.Append(values[i])
	}
	arr := b.NewInt64Array()
	b.Release()
	w.observe("build", time.Since(t0))

	if w.opts.verify {
		w.c.verifyChecks.Add(1)
		for i, v := range values {
			if arr.Value(i) != v {
				w.c.verifyFailures.Add(1)
				metrics.BenchVerifyFailuresTotal.WithLabelValues(w.opts.workload).Inc()
				arr.Release()
				_ = alloc.Release()
				return fmt.Errorf("%w: arrow value %d", errVerifyFailed, i)
			}
		}
	}
	arr.Release()

	w.c.allocations.Add(int64(totalAllocations(w.set) - before))
	t0 = time.Now()
	if err := alloc.Release(); err != nil {
		return err
	}
	w.observe("release", time.Since(t0))
	w.c.frees.Add(1)
	return nil
}

func totalAllocations(set *memory.PoolSet) uint64 {
	var n uint64
	for _, p := range set.Pools() {
		n += p.TotalAllocations
	}
	return n
}

// runWorker owns one PoolSet for the whole run.
func runWorker(ctx context.Context, id int, opts benchOptions, backend memory.Backend, sizing memory.Sizing,
	c *counters, tuner *memory.GCTuner, logger zerolog.Logger, resolved *memory.Sizing) error {
	wl := logger.With().Int("worker", id).Logger()
	set := memory.NewPoolSet(fmt.Sprintf("%s-%d", opts.workload, id), &wl)
	if err := set.Initialize(backend, sizing); err != nil {
		return err
	}
	if id == 0 {
		*resolved = set.Sizing()
	}
	if tuner != nil {
		tuner.Track(set.ResidentBytes)
	}

	w := &worker{
		id:     id,
		set:    set,
		rng:    rand.New(rand.NewSource(opts.seed + int64(id))),
		opts:   opts,
		c:      c,
		logger: wl,
	}

	var runErr error
	for round := 0; opts.rounds == 0 || round < opts.rounds; round++ {
		if ctx.Err() != nil {
			break
		}
		if runErr = w.round(); runErr != nil {
			break
		}
		c.rounds.Add(1)
	}

	c.pools.Add(int64(set.NumPools()))
	c.highWater.Add(set.HighWaterMark())
	c.capacity.Add(set.TotalCapacity())
	c.backendAllocations.Add(set.BackendStats().Allocations)
	c.snapshot(set.Pools())

	if err := set.Finalize(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}
