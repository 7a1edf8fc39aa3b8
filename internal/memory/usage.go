package memory

import (
	"runtime"
)

// RuntimeStats is the subset of runtime.MemStats relevant to pool sizing.
type RuntimeStats struct {
	HeapAlloc     uint64
	HeapSys       uint64
	HeapInuse     uint64
	NumGC         uint32
	GCCPUFraction float64
	NumGoroutines int
}

// ReadRuntimeStats samples the Go runtime.
func ReadRuntimeStats() RuntimeStats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return RuntimeStats{
		HeapAlloc:     m.HeapAlloc,
		HeapSys:       m.HeapSys,
		HeapInuse:     m.HeapInuse,
		NumGC:         m.NumGC,
		GCCPUFraction: m.GCCPUFraction,
		NumGoroutines: runtime.NumGoroutine(),
	}
}

type MemoryPressure string

const (
	PressureLow      MemoryPressure = "low"
	PressureMedium   MemoryPressure = "medium"
	PressureHigh     MemoryPressure = "high"
	PressureCritical MemoryPressure = "critical"
)

// UsageAnalysis summarises how well a set of pools was sized for its workload.
type UsageAnalysis struct {
	Runtime         RuntimeStats
	Pools           int
	CapacityBytes   int64
	HighWaterBytes  int64
	PoolUtilization float64
	HeapUtilization float64
	Pressure        MemoryPressure
	Recommendations []string
}

// AnalyzeUsage combines a runtime sample with pool snapshots taken before
// the pools were finalized.
func AnalyzeUsage(rt RuntimeStats, pools []PoolStats) UsageAnalysis {
	a := UsageAnalysis{Runtime: rt, Pools: len(pools)}
	for _, p := range pools {
		a.CapacityBytes += p.Capacity
		a.HighWaterBytes += p.HighWater
	}
	if a.CapacityBytes > 0 {
		a.PoolUtilization = float64(a.HighWaterBytes) / float64(a.CapacityBytes)
	}
	if rt.HeapSys > 0 {
		a.HeapUtilization = float64(rt.HeapInuse) / float64(rt.HeapSys)
	}
	a.Pressure = pressureOf(a.HeapUtilization, rt.GCCPUFraction)
	a.Recommendations = recommend(&a)
	return a
}

func pressureOf(heapUtilization, gcFraction float64) MemoryPressure {
	switch {
	case heapUtilization > 0.9 || gcFraction > 0.5:
		return PressureCritical
	case heapUtilization > 0.7 || gcFraction > 0.3:
		return PressureHigh
	case heapUtilization > 0.5 || gcFraction > 0.2:
		return PressureMedium
	}
	return PressureLow
}

func recommend(a *UsageAnalysis) []string {
	var recs []string
	if a.Pools > 0 && a.PoolUtilization < 0.25 {
		recs = append(recs, "Pools stayed mostly empty - consider a smaller initial size")
	}
	if a.Pools > 4 {
		recs = append(recs, "Many pools were added - consider a larger initial or grow size")
	}
	if a.Runtime.GCCPUFraction > 0.3 {
		recs = append(recs, "High GC CPU overhead - consider the mapped backend to move buffers off the Go heap")
	}
	if a.Runtime.NumGoroutines > 5000 {
		recs = append(recs, "High goroutine count - check for goroutine leaks")
	}
	if len(recs) == 0 {
		recs = append(recs, "Pool sizing appears appropriate")
	}
	return recs
}
