package memory

import (
	"context"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/23skdu/hetpool/internal/logging"
	"github.com/23skdu/hetpool/internal/metrics"
	"github.com/rs/zerolog"
)

// ResidentSource reports backing bytes held on the Go heap, e.g. PoolSet.ResidentBytes.
type ResidentSource func() int64

// heapSampler returns the runtime's HeapInuse.
type heapSampler func() uint64

func readHeapInuse() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.HeapInuse
}

// Usage bands are fractions of the soft limit.
const (
	relaxedBelow    = 0.5
	aggressiveAbove = 0.9

	// poolHeavyRatio is the share of HeapInuse held by tracked pools above
	// which GOGC is capped at poolHeavyGOGC.
	poolHeavyRatio = 0.7
	poolHeavyGOGC  = 50

	gogcDeadband = 5
)

// GCTuner steps GOGC between a relaxed and an aggressive value as heap usage
// approaches a soft memory limit.
//
// Host-backend pools are long-lived heap objects that the collector scans but
// never frees. With PoolAware set, the tuner compares the resident bytes of
// every tracked pool set with HeapInuse and caps GOGC while pools hold most
// of the heap.
type GCTuner struct {
	PoolAware bool

	softLimit  int64
	relaxed    int
	aggressive int
	sample     heapSampler
	logger     zerolog.Logger

	mu      sync.Mutex
	gogc    int
	sources []ResidentSource
}

// NewGCTuner creates a tuner for softLimit bytes. Non-positive GOGC values
// default to 100 (relaxed) and 10 (aggressive).
func NewGCTuner(softLimit int64, relaxed, aggressive int, logger *zerolog.Logger) *GCTuner {
	if relaxed <= 0 {
		relaxed = 100
	}
	if aggressive <= 0 {
		aggressive = 10
	}
	return &GCTuner{
		softLimit:  softLimit,
		relaxed:    relaxed,
		aggressive: min(aggressive, relaxed),
		sample:     readHeapInuse,
		logger:     logging.OrNop(logger).With().Str("component", "gc_tuner").Logger(),
		gogc:       100,
	}
}

// Track registers a pool set's resident byte count.
func (t *GCTuner) Track(src ResidentSource) {
	t.mu.Lock()
	t.sources = append(t.sources, src)
	t.mu.Unlock()
}

// GOGC returns the last value the tuner applied.
func (t *GCTuner) GOGC() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gogc
}

// Start applies the soft limit and retunes every interval until ctx is done.
// The memory limit and GOGC in effect before Start are restored on return.
func (t *GCTuner) Start(ctx context.Context, interval time.Duration) {
	prevLimit := debug.SetMemoryLimit(-1)
	t.mu.Lock()
	prevGOGC := debug.SetGCPercent(t.gogc)
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		debug.SetGCPercent(prevGOGC)
		t.gogc = prevGOGC
		t.mu.Unlock()
		debug.SetMemoryLimit(prevLimit)
		t.logger.Debug().Int("gogc", prevGOGC).Int64("memory_limit", prevLimit).Msg("GC settings restored")
	}()

	if t.softLimit > 0 {
		debug.SetMemoryLimit(t.softLimit)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.tune(t.sample())
		}
	}
}

// target maps heap usage to GOGC: relaxed in the low band, aggressive in the
// high band, linear in between.
func (t *GCTuner) target(usage float64) int {
	switch {
	case usage < relaxedBelow:
		return t.relaxed
	case usage > aggressiveAbove:
		return t.aggressive
	}
	frac := (usage - relaxedBelow) / (aggressiveAbove - relaxedBelow)
	return t.relaxed + int(float64(t.aggressive-t.relaxed)*frac)
}

func (t *GCTuner) tune(heapInuse uint64) {
	if t.softLimit <= 0 {
		return
	}
	usage := float64(heapInuse) / float64(t.softLimit)
	metrics.GCTunerHeapUtilization.Set(usage)
	want := t.target(usage)

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.PoolAware && heapInuse > 0 {
		var resident int64
		for _, src := range t.sources {
			resident += src()
		}
		share := float64(resident) / float64(heapInuse)
		metrics.GCTunerPoolRatio.Set(share)
		if share > poolHeavyRatio {
			want = min(want, poolHeavyGOGC)
		}
	}
	want = max(t.aggressive, min(want, t.relaxed))

	if d := want - t.gogc; d >= -gogcDeadband && d <= gogcDeadband {
		return
	}
	debug.SetGCPercent(want)
	t.logger.Debug().
		Int("from", t.gogc).
		Int("to", want).
		Float64("heap_usage", usage).
		Msg("GOGC adjusted")
	t.gogc = want
	metrics.GCTunerTargetGOGC.Set(float64(want))
}
