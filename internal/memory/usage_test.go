package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAnalyzeUsage(t *testing.T) {
	rt := RuntimeStats{HeapSys: 100, HeapInuse: 40, NumGoroutines: 10}
	pools := []PoolStats{
		{ID: 0, Capacity: 1 << 20, HighWater: 1 << 20},
		{ID: 1, Capacity: 1 << 20, HighWater: 1 << 19},
	}

	a := AnalyzeUsage(rt, pools)
	assert.Equal(t, 2, a.Pools)
	assert.Equal(t, int64(2<<20), a.CapacityBytes)
	assert.Equal(t, int64(3<<19), a.HighWaterBytes)
	assert.InDelta(t, 0.75, a.PoolUtilization, 1e-9)
	assert.InDelta(t, 0.4, a.HeapUtilization, 1e-9)
	assert.Equal(t, PressureLow, a.Pressure)
	assert.Equal(t, []string{"Pool sizing appears appropriate"}, a.Recommendations)
}

func TestAnalyzeUsage_Recommendations(t *testing.T) {
	pools := make([]PoolStats, 6)
	for i := range pools {
		pools[i] = PoolStats{ID: i, Capacity: 1000, HighWater: 10}
	}
	a := AnalyzeUsage(RuntimeStats{HeapSys: 100, HeapInuse: 95, GCCPUFraction: 0.4}, pools)

	assert.Equal(t, PressureCritical, a.Pressure)
	assert.Len(t, a.Recommendations, 3)
	assert.Contains(t, a.Recommendations[0], "smaller initial size")
	assert.Contains(t, a.Recommendations[1], "larger initial or grow size")
	assert.Contains(t, a.Recommendations[2], "mapped backend")
}

func TestPressureOf(t *testing.T) {
	tests := []struct {
		heap, gc float64
		want     MemoryPressure
	}{
		{0.1, 0.0, PressureLow},
		{0.6, 0.0, PressureMedium},
		{0.1, 0.25, PressureMedium},
		{0.8, 0.0, PressureHigh},
		{0.1, 0.35, PressureHigh},
		{0.95, 0.0, PressureCritical},
		{0.1, 0.6, PressureCritical},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, pressureOf(tt.heap, tt.gc), "heap=%v gc=%v", tt.heap, tt.gc)
	}
}

func TestAnalyzeUsage_LivePoolSet(t *testing.T) {
	set, _ := newTestSet(t, Sizing{InitialSize: 1 << 20, BlockSize: 1024})
	_, err := set.Allocate(4096, "a")
	assert.NoError(t, err)

	a := AnalyzeUsage(ReadRuntimeStats(), set.Pools())
	assert.Equal(t, 1, a.Pools)
	assert.Equal(t, int64(4096), a.HighWaterBytes)
	assert.Positive(t, a.Runtime.HeapSys)
}
