// Command poolbench drives synthetic allocation workloads through hetpool
// pool sets and reports throughput, latency and pool growth.
package main

import (
	"context"
	stderrors "errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/23skdu/hetpool/internal/config"
	"github.com/23skdu/hetpool/internal/errors"
	"github.com/23skdu/hetpool/internal/gpu"
	"github.com/23skdu/hetpool/internal/logging"
	"github.com/23skdu/hetpool/internal/memory"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Option validation errors
var (
	ErrInvalidWorkload    = stderrors.New("workload must be lifo, cascade, growth or arrow")
	ErrInvalidConcurrency = stderrors.New("concurrency must be positive")
	ErrInvalidDepth       = stderrors.New("depth must be positive")
	ErrInvalidSizeRange   = stderrors.New("min-size must be non-negative and no larger than max-size")
	ErrInvalidOutput      = stderrors.New("output must be text, json or cbor")
	ErrNoStopCondition    = stderrors.New("either duration or rounds must be positive")
)

type benchOptions struct {
	workload    string
	duration    time.Duration
	rounds      int
	concurrency int
	depth       int
	minSize     int64
	maxSize     int64
	verify      bool
	output      string
	outPath     string
	seed        int64
	gcLimitMB   int64
}

func (o benchOptions) validate() error {
	switch o.workload {
	case workloadLIFO, workloadCascade, workloadGrowth, workloadArrow:
	default:
		return ErrInvalidWorkload
	}
	if o.concurrency <= 0 {
		return ErrInvalidConcurrency
	}
	if o.depth <= 0 {
		return ErrInvalidDepth
	}
	if o.minSize < 0 || o.minSize > o.maxSize {
		return ErrInvalidSizeRange
	}
	switch o.output {
	case "text", "json", "cbor":
	default:
		return ErrInvalidOutput
	}
	if o.duration <= 0 && o.rounds <= 0 {
		return ErrNoStopCondition
	}
	return nil
}

func main() {
	os.Exit(realMain(os.Args[1:], os.Stdout, os.Stderr))
}

// realMain parses args, runs the benchmark and returns the exit status.
func realMain(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("poolbench", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var opts benchOptions
	fs.StringVar(&opts.workload, "workload", workloadLIFO, "Workload: lifo, cascade, growth or arrow")
	fs.DurationVar(&opts.duration, "duration", 5*time.Second, "Duration of the benchmark when -rounds is 0")
	fs.IntVar(&opts.rounds, "rounds", 0, "Rounds per worker (0 runs for -duration)")
	fs.IntVar(&opts.concurrency, "concurrency", 1, "Number of workers, each with its own pool set")
	fs.IntVar(&opts.depth, "depth", 64, "Allocations per round")
	fs.Int64Var(&opts.minSize, "min-size", 64, "Smallest request in bytes")
	fs.Int64Var(&opts.maxSize, "max-size", 64*1024, "Largest request in bytes")
	fs.BoolVar(&opts.verify, "verify", false, "Fill allocations with random bytes and verify checksums before free")
	fs.StringVar(&opts.output, "output", "text", "Report format: text, json or cbor")
	fs.StringVar(&opts.outPath, "out", "", "Write the report to this file instead of stdout")
	fs.Int64Var(&opts.seed, "seed", 1, "Random seed")
	fs.Int64Var(&opts.gcLimitMB, "gc-limit-mb", 0, "Run the pool-aware GC tuner with this soft memory limit")
	envFile := fs.String("env-file", "", "Comma-separated dotenv files to load before the environment")
	metricsAddr := fs.String("metrics-addr", "", "Serve /metrics on this address (overrides HETPOOL_METRICS_ADDR)")

	if err := fs.Parse(args); err != nil {
		return 2
	}

	var files []string
	if *envFile != "" {
		files = strings.Split(*envFile, ",")
	}
	cfg, err := config.Load(files...)
	if err != nil {
		fmt.Fprintf(stderr, "poolbench: %v\n", err)
		return 1
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}

	logCfg := cfg.Logging()
	logCfg.Output = stderr
	logCfg.Component = "poolbench"
	logger, err := logging.NewLogger(logCfg)
	if err != nil {
		fmt.Fprintf(stderr, "poolbench: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		srv := startMetricsServer(cfg.MetricsAddr, &logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	report, err := run(ctx, opts, cfg, &logger)
	if err != nil {
		var se *errors.StructuredError
		if stderrors.As(err, &se) && se.Fatal() {
			logger.Error().Err(err).EmbedObject(se).Msg("fatal allocator error")
		} else {
			logger.Error().Err(err).Msg("benchmark failed")
		}
		return 1
	}

	out := stdout
	if opts.outPath != "" {
		f, err := os.Create(opts.outPath)
		if err != nil {
			logger.Error().Err(err).Str("path", opts.outPath).Msg("cannot create report file")
			return 1
		}
		defer f.Close()
		out = f
	}
	if err := writeReport(out, report, opts.output); err != nil {
		logger.Error().Err(err).Msg("cannot write report")
		return 1
	}
	return 0
}

func startMetricsServer(addr string, logger *zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info().Str("address", addr).Msg("Starting metrics server")
		if err := srv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Failed to start metrics server")
		}
	}()
	return srv
}

// run executes the workload on opts.concurrency workers and returns the
// combined report. The first worker error cancels the others.
func run(ctx context.Context, opts benchOptions, cfg config.Config, logger *zerolog.Logger) (*Report, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	sizing, _ := cfg.Sizing(logger)
	kind := cfg.BackendKind()
	if (kind == memory.BackendManaged || kind == memory.BackendDevice) && !gpu.Available() {
		return nil, fmt.Errorf("%w: %s backend needs an accelerator and a cuda build", memory.ErrBackendUnavailable, kind)
	}
	backend, err := memory.NewBackend(kind, cfg.BackendOptions(logger))
	if err != nil {
		return nil, err
	}

	report := &Report{
		RunID:    uuid.NewString(),
		Workload: opts.workload,
		Backend:  string(kind),
		Workers:  opts.concurrency,
	}
	logger.Info().
		Str("run_id", report.RunID).
		Str("workload", opts.workload).
		Str("backend", string(kind)).
		Int("concurrency", opts.concurrency).
		Int("depth", opts.depth).
		Bool("verify", opts.verify).
		Msg("Starting benchmark")

	if opts.rounds == 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.duration)
		defer cancel()
	}

	var tuner *memory.GCTuner
	if opts.gcLimitMB > 0 {
		tuner = memory.NewGCTuner(opts.gcLimitMB*memory.MiB, 100, 10, logger)
		tuner.PoolAware = kind == memory.BackendHost
		tunerCtx, cancel := context.WithCancel(ctx)
		tunerDone := make(chan struct{})
		go func() {
			defer close(tunerDone)
			tuner.Start(tunerCtx, time.Second)
		}()
		defer func() {
			cancel()
			<-tunerDone
		}()
	}

	var (
		c        counters
		resolved memory.Sizing
	)
	g, gctx := errgroup.WithContext(ctx)
	start := time.Now()
	for i := 0; i < opts.concurrency; i++ {
		id := i
		g.Go(func() error {
			return runWorker(gctx, id, opts, backend, sizing, &c, tuner, *logger, &resolved)
		})
	}
	err = g.Wait()

	report.ElapsedNs = time.Since(start).Nanoseconds()
	report.InitialSize = resolved.InitialSize
	report.GrowSize = resolved.GrowSize
	report.BlockSize = resolved.BlockSize
	c.fill(report)
	return report, err
}
