package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"criteo-ctr/internal/cfg"
	"criteo-ctr/internal/common"
	"criteo-ctr/internal/dataset"
	"criteo-ctr/internal/frame"
	"criteo-ctr/internal/metrics"
	"criteo-ctr/internal/ml"
	"criteo-ctr/internal/report"
	"criteo-ctr/internal/runner"
	"criteo-ctr/internal/storage"
)

// Exit codes per failure kind.
const (
	exitConfig      = 2
	exitData        = 3
	exitResource    = 4
	exitPersistence = 5
)

func main() {
	_ = godotenv.Load()

	var (
		dataSize   = flag.String("size", "", "Dataset size: sample or full (overrides config)")
		dataFile   = flag.String("data", "", "Local Criteo TSV or archive; skips the download")
		modelDir   = flag.String("model-dir", "", "Directory the pipeline is saved in")
		modelName  = flag.String("model-name", "", "Pipeline directory name")
		outputDir  = flag.String("output", "", "Output directory for result.json and summary.txt")
		seed       = flag.Int64("seed", -1, "Split and boosting seed")
		iterations = flag.Int("iterations", 0, "Boosting iterations")
		leaves     = flag.Int("leaves", 0, "Maximum leaves per tree")
		workers    = flag.Int("workers", -1, "Worker count (0 = all CPUs)")
		maxRows    = flag.Int("max-rows", -1, "Stop reading after this many rows (0 = all)")
		logLevel   = flag.String("log-level", "", "Log level: debug, info, warn, error")
		rollback   = flag.Bool("rollback", false, "Republish the previous model version and exit")
		activate   = flag.String("activate", "", "Republish this model version and exit")
	)
	flag.Parse()

	setupLogging(*logLevel)

	c, err := cfg.Load()
	if err != nil {
		log.Error().Err(err).Msg("config load failed")
		os.Exit(exitConfig)
	}

	// Override config with command line arguments
	if *dataSize != "" {
		c.DataSize = *dataSize
	}
	if *dataFile != "" {
		c.DataFile = *dataFile
	}
	if *modelDir != "" {
		c.ModelDir = *modelDir
	}
	if *modelName != "" {
		c.ModelName = *modelName
	}
	if *outputDir != "" {
		c.OutputDir = *outputDir
	}
	if *seed >= 0 {
		c.Seed = *seed
	}
	if *iterations > 0 {
		c.NumIterations = *iterations
	}
	if *leaves > 0 {
		c.NumLeaves = *leaves
	}
	if *workers >= 0 {
		c.Workers = *workers
	}
	if *maxRows >= 0 {
		c.MaxRows = *maxRows
	}
	if err := c.Validate(); err != nil {
		log.Error().Err(err).Msg("invalid flags")
		os.Exit(exitConfig)
	}

	if *rollback || *activate != "" {
		os.Exit(activateVersion(c, *activate))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, c)
	stop()
	os.Exit(code)
}

func setupLogging(flagLevel string) {
	levelName := flagLevel
	if levelName == "" {
		levelName = os.Getenv(common.EnvLogLevel)
	}
	level, err := zerolog.ParseLevel(levelName)
	if err != nil || levelName == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

func run(ctx context.Context, c cfg.Settings) int {
	m := metrics.New()
	mw := metrics.NewWrapper(m)
	if c.MetricsPort > 0 {
		srv := metrics.StartServer(ctx, c.MetricsPort, prometheus.DefaultGatherer)
		defer srv.Close()
	}

	store := initializeStorage(c)
	if store != nil {
		defer store.Close()
	}

	workers := c.Workers
	if workers == 0 {
		workers = runtime.NumCPU()
	}
	sess := frame.NewSession(workers)
	defer sess.Close()

	loader := dataset.NewLoader(c.CacheDir, map[dataset.Size]string{
		dataset.SizeSample: c.SampleURL,
		dataset.SizeFull:   c.FullURL,
	}, c.DownloadTimeout,
		dataset.WithPartitions(workers),
		dataset.WithMaxRows(c.MaxRows),
		dataset.WithMetrics(mw),
	)

	res, err := runner.New(c, sess, loader, store, mw).Run(ctx)
	if err != nil {
		return exitCode(err)
	}

	r := report.NewReporter(res, c.OutputDir)
	if err := r.GenerateReport(); err != nil {
		log.Error().Err(err).Msg("Failed to write report")
		return exitPersistence
	}
	r.PrintSummary(os.Stdout)
	fmt.Printf("%s=%.6f\n", report.GlueKey, res.MetricValue)
	return 0
}

func activateVersion(c cfg.Settings, version string) int {
	v, err := runner.Rollback(c, version)
	if err != nil {
		log.Error().Err(err).Msg("Failed to activate model version")
		if errors.Is(err, ml.ErrNoRollback) || errors.Is(err, ml.ErrVersionNotFound) {
			return exitConfig
		}
		return exitPersistence
	}
	fmt.Printf("active=%s %s=%.6f\n", v.Version, v.Metrics.MetricName, v.Metrics.MetricValue)
	return 0
}

// initializeStorage opens the run store; a run without it still produces a
// pipeline and a report.
func initializeStorage(c cfg.Settings) *storage.Store {
	if c.RunsDB == "" {
		return nil
	}
	store, err := storage.New(c.RunsDB)
	if err != nil {
		log.Warn().Err(err).Msg("storage initialization failed, continuing without run history")
		return nil
	}
	return store
}

func exitCode(err error) int {
	var se *common.StageError
	if !errors.As(err, &se) {
		return 1
	}
	switch se.Kind {
	case common.KindConfig:
		return exitConfig
	case common.KindData:
		return exitData
	case common.KindResource:
		return exitResource
	case common.KindPersistence:
		return exitPersistence
	}
	return 1
}
