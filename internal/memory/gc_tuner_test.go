package memory

import (
	"context"
	"runtime/debug"
	"testing"
	"time"

	"github.com/23skdu/hetpool/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func restoreGCSettings(t *testing.T) {
	t.Helper()
	gogc := debug.SetGCPercent(100)
	debug.SetGCPercent(gogc)
	limit := debug.SetMemoryLimit(-1)
	t.Cleanup(func() {
		debug.SetGCPercent(gogc)
		debug.SetMemoryLimit(limit)
	})
}

func TestGCTuner_Bands(t *testing.T) {
	restoreGCSettings(t)

	limit := int64(100 * MiB)
	logger := zerolog.Nop()
	tuner := NewGCTuner(limit, 100, 10, &logger)

	tests := []struct {
		name string
		heap int64
		want int
	}{
		{"low usage", 10 * MiB, 100},
		{"band edge", 50 * MiB, 100},
		{"top of band", 90 * MiB, 10},
		{"critical", 95 * MiB, 10},
		{"interpolated", 70 * MiB, 55},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tuner.tune(uint64(tt.heap))
			assert.InDelta(t, tt.want, tuner.GOGC(), gogcDeadband)
		})
	}
	assert.InDelta(t, 0.7, testutil.ToFloat64(metrics.GCTunerHeapUtilization), 1e-9)
	assert.Equal(t, float64(tuner.GOGC()), testutil.ToFloat64(metrics.GCTunerTargetGOGC))
}

func TestGCTuner_Deadband(t *testing.T) {
	restoreGCSettings(t)

	tuner := NewGCTuner(100*MiB, 100, 10, nil)
	// 52% maps to 96, within the deadband of the initial 100.
	tuner.tune(uint64(52 * MiB))
	assert.Equal(t, 100, tuner.GOGC())
}

func TestGCTuner_Defaults(t *testing.T) {
	tuner := NewGCTuner(0, 0, 0, nil)
	assert.Equal(t, 100, tuner.relaxed)
	assert.Equal(t, 10, tuner.aggressive)

	tuner = NewGCTuner(0, 20, 80, nil)
	assert.Equal(t, 20, tuner.aggressive, "aggressive is clamped to relaxed")

	// Without a soft limit tune does nothing.
	tuner.tune(1 << 30)
	assert.Equal(t, 100, tuner.GOGC())
}

func TestGCTuner_PoolAware(t *testing.T) {
	restoreGCSettings(t)

	tuner := NewGCTuner(512*MiB, 100, 10, nil)
	tuner.PoolAware = true

	backend, err := NewBackend(BackendHost, DefaultBackendOptions())
	require.NoError(t, err)
	set := NewPoolSet("gc-tuner", nil)
	require.NoError(t, set.Initialize(backend, Sizing{InitialSize: 8 * MiB}))
	defer set.Finalize()
	tuner.Track(set.ResidentBytes)

	// Pools hold 80% of a 10 MiB heap, well under the soft limit.
	tuner.tune(uint64(10 * MiB))
	assert.Equal(t, poolHeavyGOGC, tuner.GOGC())
	assert.InDelta(t, 0.8, testutil.ToFloat64(metrics.GCTunerPoolRatio), 1e-9)

	require.NoError(t, set.Finalize())
	tuner.tune(uint64(10 * MiB))
	assert.Equal(t, 100, tuner.GOGC())
}

func TestGCTuner_PoolAwareIgnoredWhenDisabled(t *testing.T) {
	restoreGCSettings(t)

	tuner := NewGCTuner(512*MiB, 100, 10, nil)
	tuner.Track(func() int64 { return 9 * MiB })
	tuner.tune(uint64(10 * MiB))
	assert.Equal(t, 100, tuner.GOGC())
}

func TestGCTuner_Start(t *testing.T) {
	restoreGCSettings(t)
	debug.SetGCPercent(77)
	debug.SetMemoryLimit(8 << 30)

	tuner := NewGCTuner(100*MiB, 100, 10, nil)
	tuner.sample = func() uint64 { return uint64(95 * MiB) }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tuner.Start(ctx, time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool { return tuner.GOGC() == 10 }, time.Second, time.Millisecond)
	assert.Equal(t, int64(100*MiB), debug.SetMemoryLimit(-1))

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("tuner did not stop")
	}

	assert.Equal(t, int64(8<<30), debug.SetMemoryLimit(-1), "memory limit restored")
	assert.Equal(t, 77, debug.SetGCPercent(77), "GOGC restored")
	assert.Equal(t, 77, tuner.GOGC())
}
