package main

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/23skdu/hetpool/internal/memory"
	"github.com/fxamacker/cbor/v2"
	gojson "github.com/goccy/go-json"
)

// Report summarises one poolbench run.
type Report struct {
	RunID    string `json:"run_id" cbor:"run_id"`
	Workload string `json:"workload" cbor:"workload"`
	Backend  string `json:"backend" cbor:"backend"`
	Workers  int    `json:"workers" cbor:"workers"`

	InitialSize int64 `json:"initial_size" cbor:"initial_size"`
	GrowSize    int64 `json:"grow_size" cbor:"grow_size"`
	BlockSize   int64 `json:"block_size" cbor:"block_size"`

	ElapsedNs      int64 `json:"elapsed_ns" cbor:"elapsed_ns"`
	Rounds         int64 `json:"rounds" cbor:"rounds"`
	Allocations    int64 `json:"allocations" cbor:"allocations"`
	Frees          int64 `json:"frees" cbor:"frees"`
	Cascaded       int64 `json:"cascaded" cbor:"cascaded"`
	VerifyChecks   int64 `json:"verify_checks" cbor:"verify_checks"`
	VerifyFailures int64 `json:"verify_failures" cbor:"verify_failures"`

	AvgLatencyNs int64 `json:"avg_latency_ns" cbor:"avg_latency_ns"`
	MaxLatencyNs int64 `json:"max_latency_ns" cbor:"max_latency_ns"`

	Pools              int   `json:"pools" cbor:"pools"`
	HighWaterBytes     int64 `json:"high_water_bytes" cbor:"high_water_bytes"`
	CapacityBytes      int64 `json:"capacity_bytes" cbor:"capacity_bytes"`
	BackendAllocations int64 `json:"backend_allocations" cbor:"backend_allocations"`

	PoolUtilization float64  `json:"pool_utilization" cbor:"pool_utilization"`
	Pressure        string   `json:"pressure" cbor:"pressure"`
	Recommendations []string `json:"recommendations,omitempty" cbor:"recommendations,omitempty"`
}

// counters are shared by all workers of a run.
type counters struct {
	rounds         atomic.Int64
	allocations    atomic.Int64
	frees          atomic.Int64
	cascaded       atomic.Int64
	verifyChecks   atomic.Int64
	verifyFailures atomic.Int64

	pools              atomic.Int64
	highWater          atomic.Int64
	capacity           atomic.Int64
	backendAllocations atomic.Int64

	latency sumLatency

	mu        sync.Mutex
	snapshots []memory.PoolStats
}

// snapshot records a worker's pools before they are finalized.
func (c *counters) snapshot(pools []memory.PoolStats) {
	c.mu.Lock()
	c.snapshots = append(c.snapshots, pools...)
	c.mu.Unlock()
}

// Latency tracking
type sumLatency struct {
	totalNs atomic.Int64
	count   atomic.Int64
	maxNs   atomic.Int64
}

func (l *sumLatency) Record(d time.Duration) {
	ns := d.Nanoseconds()
	l.totalNs.Add(ns)
	l.count.Add(1)

	// Simple spin-loop max update
	for {
		current := l.maxNs.Load()
		if ns <= current {
			break
		}
		if l.maxNs.CompareAndSwap(current, ns) {
			break
		}
	}
}

func (l *sumLatency) Average() time.Duration {
	if count := l.count.Load(); count > 0 {
		return time.Duration(l.totalNs.Load() / count)
	}
	return 0
}

func (c *counters) fill(r *Report) {
	r.Rounds = c.rounds.Load()
	r.Allocations = c.allocations.Load()
	r.Frees = c.frees.Load()
	r.Cascaded = c.cascaded.Load()
	r.VerifyChecks = c.verifyChecks.Load()
	r.VerifyFailures = c.verifyFailures.Load()
	r.AvgLatencyNs = c.latency.Average().Nanoseconds()
	r.MaxLatencyNs = c.latency.maxNs.Load()
	r.Pools = int(c.pools.Load())
	r.HighWaterBytes = c.highWater.Load()
	r.CapacityBytes = c.capacity.Load()
	r.BackendAllocations = c.backendAllocations.Load()

	c.mu.Lock()
	usage := memory.AnalyzeUsage(memory.ReadRuntimeStats(), c.snapshots)
	c.mu.Unlock()
	r.PoolUtilization = usage.PoolUtilization
	r.Pressure = string(usage.Pressure)
	r.Recommendations = usage.Recommendations
}

// writeReport renders r as text, json or cbor.
func writeReport(w io.Writer, r *Report, format string) error {
	switch format {
	case "", "text":
		printResults(w, r)
		return nil
	case "json":
		enc := gojson.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	case "cbor":
		b, err := cbor.Marshal(r)
		if err != nil {
			return fmt.Errorf("encode cbor report: %w", err)
		}
		_, err = w.Write(b)
		return err
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func printResults(w io.Writer, r *Report) {
	elapsed := time.Duration(r.ElapsedNs)
	seconds := elapsed.Seconds()
	var throughput float64
	if seconds > 0 {
		throughput = float64(r.Allocations) / seconds
	}

	fmt.Fprintln(w, "\n--- Results ---")
	fmt.Fprintf(w, "Run ID:       %s\n", r.RunID)
	fmt.Fprintf(w, "Workload:     %s (%s backend, %d workers)\n", r.Workload, r.Backend, r.Workers)
	fmt.Fprintf(w, "Elapsed:      %.2fs\n", seconds)
	fmt.Fprintf(w, "Rounds:       %d\n", r.Rounds)
	fmt.Fprintf(w, "Allocations:  %d\n", r.Allocations)
	fmt.Fprintf(w, "Frees:        %d (%d reclaimed by cascade)\n", r.Frees, r.Cascaded)
	fmt.Fprintf(w, "Throughput:   %.2f allocs/sec\n", throughput)
	fmt.Fprintf(w, "Avg Latency:  %v\n", time.Duration(r.AvgLatencyNs))
	fmt.Fprintf(w, "Max Latency:  %v\n", time.Duration(r.MaxLatencyNs))
	fmt.Fprintf(w, "Pools:        %d (%d backend allocations)\n", r.Pools, r.BackendAllocations)
	fmt.Fprintf(w, "High Water:   %d bytes of %d\n", r.HighWaterBytes, r.CapacityBytes)
	if r.VerifyChecks > 0 {
		fmt.Fprintf(w, "Verified:     %d (%d failures)\n", r.VerifyChecks, r.VerifyFailures)
	}
	if r.Pressure != "" {
		fmt.Fprintf(w, "Utilization:  %.1f%% of pool capacity, %s memory pressure\n", r.PoolUtilization*100, r.Pressure)
	}
	for _, rec := range r.Recommendations {
		fmt.Fprintf(w, "  - %s\n", rec)
	}
}
