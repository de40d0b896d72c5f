package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/23skdu/longbow-shmreduce/internal/comm"
	"github.com/23skdu/longbow-shmreduce/internal/config"
	"github.com/23skdu/longbow-shmreduce/internal/coordinator"
	"github.com/23skdu/longbow-shmreduce/internal/dtype"
	"github.com/23skdu/longbow-shmreduce/internal/metrics"
	"github.com/23skdu/longbow-shmreduce/internal/simd"
)

var (
	workerFlags struct {
		rank         int
		worldSize    int
		segment      string
		rendezvous   string
		lowLatency   bool
		replaceStale bool
		elements     int
		iterations   int
		warmup       int
		reportEvery  int
		metricsAddr  string
		tracing      bool
		output       string
		cpuProfile   string
		setupTimeout time.Duration
	}

	workerCmd = &cobra.Command{
		Use:   "worker",
		Short: "Run one rank of an all-reduce benchmark",
		Long: `Joins the group through the rendezvous, sets up the shared-memory
workspace and times repeated bf16 all-reduces of a deterministic input.
The result is checked against the expected sum on every rank.`,
		RunE: runWorker,
	}
)

func init() {
	addWorkerFlags(workerCmd)
}

func addWorkerFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.IntVar(&workerFlags.rank, "rank", 0, "Rank of this worker")
	f.IntVar(&workerFlags.worldSize, "world-size", 1, "Number of workers in the group")
	f.StringVar(&workerFlags.segment, "segment", config.DefaultSegmentName, "Shared-memory segment name")
	f.StringVar(&workerFlags.rendezvous, "rendezvous", "", "Rendezvous address served by rank 0")
	f.BoolVar(&workerFlags.lowLatency, "low-latency", true, "Use the shared-memory path for bf16 sums")
	f.BoolVar(&workerFlags.replaceStale, "replace-stale", false, "Remove a leftover segment before creating it")
	f.IntVar(&workerFlags.elements, "elements", 0, "bf16 elements per all-reduce")
	f.IntVar(&workerFlags.iterations, "iterations", 0, "Timed iterations")
	f.IntVar(&workerFlags.warmup, "warmup", 0, "Untimed warmup iterations")
	f.IntVar(&workerFlags.reportEvery, "report-every", 0, "Log running statistics every N iterations")
	f.StringVar(&workerFlags.metricsAddr, "metrics-addr", "", "Address for /metrics, /stats and /health")
	f.BoolVar(&workerFlags.tracing, "otel", false, "Enable OpenTelemetry tracing (stdout)")
	f.StringVar(&workerFlags.output, "output", "", "Write the reduced buffer as an Arrow IPC stream")
	f.StringVar(&workerFlags.cpuProfile, "cpuprofile", "", "Write cpu profile to file")
	f.DurationVar(&workerFlags.setupTimeout, "setup-timeout", time.Minute, "Deadline for joining the group")
}

// applyWorkerFlags copies explicitly set flags over cfg.
func applyWorkerFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	set := func(name string, apply func()) {
		if f.Lookup(name) != nil && f.Changed(name) {
			apply()
		}
	}
	set("rank", func() { cfg.Rank = workerFlags.rank })
	set("world-size", func() { cfg.WorldSize = workerFlags.worldSize })
	set("segment", func() { cfg.SegmentName = workerFlags.segment })
	set("rendezvous", func() { cfg.RendezvousAddr = workerFlags.rendezvous })
	set("low-latency", func() { cfg.LowLatency = workerFlags.lowLatency })
	set("replace-stale", func() { cfg.ReplaceStale = workerFlags.replaceStale })
	set("elements", func() { cfg.Elements = workerFlags.elements })
	set("iterations", func() { cfg.Iterations = workerFlags.iterations })
	set("warmup", func() { cfg.WarmupIterations = workerFlags.warmup })
	set("report-every", func() { cfg.ReportEvery = workerFlags.reportEvery })
	set("metrics-addr", func() { cfg.MetricsAddr = workerFlags.metricsAddr })
	set("otel", func() { cfg.Tracing = workerFlags.tracing })
	set("output", func() { cfg.OutputPath = workerFlags.output })
}

// workload returns the input of rank: element i holds ((i mod 8) + rank) / 2.
func workload(rank, n int) []uint16 {
	vals := make([]float32, n)
	for i := range vals {
		vals[i] = float32(i%8+rank) * 0.5
	}
	out := make([]uint16, n)
	simd.FromFloat32(out, vals)
	return out
}

// expected is the all-reduced workload of a worldSize group.
func expected(worldSize, n int) []uint16 {
	vals := make([]float32, n)
	for r := 0; r < worldSize; r++ {
		in := workload(r, n)
		for i := range vals {
			vals[i] += simd.Widen(in[i])
		}
	}
	out := make([]uint16, n)
	simd.FromFloat32(out, vals)
	return out
}

func verify(got, want []uint16) error {
	for i := range want {
		if got[i] != want[i] {
			return fmt.Errorf("element %d: got %#04x (%v), want %#04x (%v)",
				i, got[i], simd.Widen(got[i]), want[i], simd.Widen(want[i]))
		}
	}
	return nil
}

// workerObserver feeds every timed call, on whichever path the group takes,
// to the running stats, the summary recorder and the Prometheus metrics.
func workerObserver(reg prometheus.Registerer, stats *metrics.Stats, rec *metrics.Recorder) metrics.Multi {
	return metrics.Multi{stats, rec, metrics.NewPrometheus(reg)}
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := log.With().Int("rank", cfg.Rank).Int("world_size", cfg.WorldSize).Logger()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing {
		shutdown, err := initTracer(cfg.Rank)
		if err != nil {
			return fmt.Errorf("initialize tracer: %w", err)
		}
		defer func() { _ = shutdown(context.Background()) }()
	}

	if workerFlags.cpuProfile != "" {
		f, err := os.Create(workerFlags.cpuProfile)
		if err != nil {
			return fmt.Errorf("create cpu profile: %w", err)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			return fmt.Errorf("start cpu profile: %w", err)
		}
		defer pprof.StopCPUProfile()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	stats := metrics.NewStats(cfg.ReportEvery, func(s metrics.Snapshot) {
		logger.Info().
			Int64("count", s.Count).
			Dur("mean", s.Mean).
			Dur("stddev", s.StdDev).
			Dur("min", s.Min).
			Dur("max", s.Max).
			Msg("All-reduce latency")
	})
	recorder := &metrics.Recorder{}

	setupCtx, span := tracer.Start(ctx, "setup")
	setupCtx, cancel := context.WithTimeout(setupCtx, workerFlags.setupTimeout)
	c, err := comm.Connect(cfg.RendezvousAddr, cfg.Rank, cfg.WorldSize)
	if err != nil {
		cancel()
		span.RecordError(err)
		span.End()
		return err
	}
	group, err := coordinator.NewGroup(setupCtx, c, cfg)
	cancel()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "setup failed")
		span.End()
		_ = c.Close()
		return err
	}
	span.SetAttributes(attribute.Bool("low_latency", group.LowLatency()))
	span.End()

	if cfg.MetricsAddr != "" {
		startServer(ctx, cfg.MetricsAddr, NewServer(cfg.Rank, cfg.WorldSize, group.LowLatency(), stats, reg))
	}

	logger.Info().
		Bool("low_latency", group.LowLatency()).
		Int("elements", cfg.Elements).
		Int("iterations", cfg.Iterations).
		Msg("Joined group")

	input := workload(cfg.Rank, cfg.Elements)
	want := expected(cfg.WorldSize, cfg.Elements)
	buf := make([]uint16, cfg.Elements)
	observe := workerObserver(reg, stats, recorder)

	runCtx, runSpan := tracer.Start(ctx, "run")
	runSpan.SetAttributes(
		attribute.Int("elements", cfg.Elements),
		attribute.Int("iterations", cfg.Iterations),
		attribute.Int("warmup", cfg.WarmupIterations),
	)
	for i := 0; i < cfg.WarmupIterations+cfg.Iterations; i++ {
		copy(buf, input)
		start := time.Now()
		if err := group.AllReduceBF16(runCtx, buf, dtype.Sum); err != nil {
			runSpan.RecordError(err)
			runSpan.End()
			return err
		}
		if i >= cfg.WarmupIterations {
			observe.Observe(len(buf), time.Since(start))
		}
		if i == 0 {
			if err := verify(buf, want); err != nil {
				runSpan.RecordError(err)
				runSpan.End()
				return fmt.Errorf("rank %d: wrong result: %w", cfg.Rank, err)
			}
		}
	}
	runSpan.End()

	sum := recorder.Summary()
	logger.Info().
		Int("count", sum.Count).
		Dur("mean", sum.Mean).
		Dur("stddev", sum.StdDev).
		Dur("min", sum.Min).
		Dur("p50", sum.P50).
		Dur("p99", sum.P99).
		Dur("max", sum.Max).
		Msg("Run complete")

	if cfg.OutputPath != "" && cfg.Rank == 0 {
		if err := dumpResult(cfg.OutputPath, buf); err != nil {
			logger.Warn().Err(err).Msg("Failed to write arrow stream")
		}
	}

	closeCtx, cancelClose := context.WithTimeout(context.Background(), workerFlags.setupTimeout)
	defer cancelClose()
	return group.Close(closeCtx)
}
