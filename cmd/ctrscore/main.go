package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"criteo-ctr/internal/cfg"
	"criteo-ctr/internal/common"
	"criteo-ctr/internal/dataset"
	"criteo-ctr/internal/evaluate"
	"criteo-ctr/internal/frame"
	"criteo-ctr/internal/ml"
	"criteo-ctr/internal/pipeline"
	"criteo-ctr/internal/report"
)

func main() {
	_ = godotenv.Load()

	var (
		modelPath = flag.String("model", "", "Saved pipeline directory (default: the active registered version)")
		version   = flag.String("version", "", "Score with this registered model version")
		dataFile  = flag.String("data", "", "Criteo TSV or archive to score")
		outPath   = flag.String("out", "", "Write label and predictions as TSV to this file")
		metric    = flag.String("metric", "", "Evaluation metric (default: METRIC_NAME)")
		maxRows   = flag.Int("max-rows", 0, "Stop reading after this many rows (0 = all)")
		logLevel  = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	)
	flag.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	c, err := cfg.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	if *modelPath == "" {
		path, err := resolveModelPath(c, *version)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to resolve model version")
		}
		*modelPath = path
	}
	if *metric == "" {
		*metric = c.MetricName
	}
	if *dataFile == "" {
		*dataFile = c.DataFile
	}
	if *dataFile == "" {
		log.Fatal().Msg("No data file given; use -data or DATA_FILE")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := score(ctx, c, *modelPath, *dataFile, *outPath, *metric, *maxRows); err != nil {
		log.Fatal().Err(err).Msg("Scoring failed")
	}
}

// resolveModelPath picks the pipeline of version, else the active version,
// else the published model path.
func resolveModelPath(c cfg.Settings, version string) (string, error) {
	mm, err := ml.NewModelManager(c.ModelDir)
	if err != nil {
		return "", err
	}
	if version != "" {
		v, err := mm.GetVersion(version)
		if err != nil {
			return "", err
		}
		return v.Path, nil
	}
	if cur := mm.CurrentVersion(); cur != nil {
		return cur.Path, nil
	}
	return c.ModelPath(), nil
}

func score(ctx context.Context, c cfg.Settings, modelPath, dataFile, outPath, metric string, maxRows int) error {
	p, meta, err := pipeline.Load(modelPath)
	if err != nil {
		return err
	}
	log.Info().
		Str("path", modelPath).
		Int("trees", meta.NumTrees).
		Int("features", meta.NumFeatures).
		Time("created_at", meta.CreatedAt).
		Msg("Pipeline loaded")

	ev, err := evaluate.NewEvaluator(metric)
	if err != nil {
		return err
	}
	ev.ScoreCol = c.ScoreColumn

	workers := c.Workers
	if workers == 0 {
		workers = runtime.NumCPU()
	}
	sess := frame.NewSession(workers)
	defer sess.Close()

	loader := dataset.NewLoader(c.CacheDir, nil, c.DownloadTimeout, dataset.WithMaxRows(maxRows))
	raw, err := loader.LoadFile(ctx, sess, dataFile)
	if err != nil {
		return err
	}
	scored, err := p.Transform(ctx, raw)
	if err != nil {
		return err
	}
	value, err := ev.Evaluate(ctx, scored)
	if err != nil {
		return err
	}

	if outPath != "" {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("failed to create predictions file: %w", err)
		}
		cols := []string{common.LabelColumn, common.RawPredictionColumn, common.ProbabilityColumn, common.PredictionColumn}
		if err := report.WritePredictions(f, scored, cols); err != nil {
			f.Close()
			return fmt.Errorf("failed to write predictions: %w", err)
		}
		if err := f.Close(); err != nil {
			return err
		}
		log.Info().Str("file", outPath).Int("rows", scored.Count()).Msg("Predictions written")
	}

	fmt.Printf("%s=%.6f rows=%d\n", ev.Metric, value, scored.Count())
	return nil
}
