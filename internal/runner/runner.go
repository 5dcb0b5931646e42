// Package runner executes one end-to-end CTR experiment: load, split, hash,
// train, predict, evaluate, persist and record. Stages run in order and the
// first failure aborts the run.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"criteo-ctr/internal/cfg"
	"criteo-ctr/internal/common"
	"criteo-ctr/internal/dataset"
	"criteo-ctr/internal/evaluate"
	"criteo-ctr/internal/features"
	"criteo-ctr/internal/frame"
	"criteo-ctr/internal/metrics"
	"criteo-ctr/internal/ml"
	"criteo-ctr/internal/pipeline"
	"criteo-ctr/internal/storage"
)

// Stage names, in execution order. StageConfig reports settings rejected
// before any stage ran.
const (
	StageConfig   = "config"
	StageLoad     = "load"
	StageSplit    = "split"
	StageHash     = "hash"
	StageTrain    = "train"
	StagePredict  = "predict"
	StageEvaluate = "evaluate"
	StagePersist  = "persist"
	StageRecord   = "record"
)

// validationFraction of the training split is held out for early stopping.
const validationFraction = 0.1

var (
	ErrNoRows     = errors.New("dataset has no rows")
	ErrEmptySplit = errors.New("split produced an empty partition")
)

// StageTiming is the wall time of one completed stage.
type StageTiming struct {
	Name     string        `json:"name"`
	Duration time.Duration `json:"duration"`
}

// Result is what a successful run reports. PreviousMetricValue is the metric
// of the last recorded run of the same model, when one exists.
type Result struct {
	ModelName           string             `json:"model_name"`
	MetricName          string             `json:"metric_name"`
	MetricValue         float64            `json:"metric_value"`
	PreviousMetricValue *float64           `json:"previous_metric_value,omitempty"`
	LogLoss             float64            `json:"log_loss"`
	BaselineLogLoss     float64            `json:"baseline_log_loss"`
	TotalRows           int                `json:"total_rows"`
	TrainRows           int                `json:"train_rows"`
	TestRows            int                `json:"test_rows"`
	NumTrees            int                `json:"num_trees"`
	TopFeatures         []ml.FeatureScore  `json:"top_features"`
	Stages              []StageTiming      `json:"stages"`
	PipelinePath        string             `json:"pipeline_path"`
	VersionPath         string             `json:"version_path"`
	Version             string             `json:"version"`
	Metadata            *pipeline.Metadata `json:"metadata"`
	Params              storage.RunParams  `json:"params"`
	StartedAt           time.Time          `json:"started_at"`
	FinishedAt          time.Time          `json:"finished_at"`
}

// StageSeconds flattens the stage timings for recording.
func (r *Result) StageSeconds() map[string]float64 {
	out := make(map[string]float64, len(r.Stages))
	for _, st := range r.Stages {
		out[st.Name] = st.Duration.Seconds()
	}
	return out
}

// Runner wires the pipeline stages together. Store and Metrics are optional.
type Runner struct {
	Settings cfg.Settings
	Session  *frame.Session
	Loader   *dataset.Loader
	Store    *storage.Store
	Metrics  *metrics.MetricsWrapper
}

func New(settings cfg.Settings, sess *frame.Session, loader *dataset.Loader, store *storage.Store, m *metrics.MetricsWrapper) *Runner {
	return &Runner{
		Settings: settings,
		Session:  sess,
		Loader:   loader,
		Store:    store,
		Metrics:  m,
	}
}

// runState carries intermediate frames between stages.
type runState struct {
	raw         *frame.Frame
	train, test *frame.Frame
	hasher      *features.Hasher
	hashedTrain *frame.Frame
	hashedTest  *frame.Frame
	model       *ml.Model
	scored      *frame.Frame
}

// Run executes every stage and returns the run summary. A failed stage is
// returned as a *common.StageError and, when a store is configured, recorded
// as a failure.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	s := r.Settings
	res := &Result{
		ModelName:  s.ModelName,
		MetricName: s.MetricName,
		Params:     runParams(s),
		StartedAt:  time.Now().UTC(),
	}
	if err := s.Validate(); err != nil {
		return nil, r.fail(res, StageConfig, common.KindConfig, err)
	}

	log.Info().
		Str("model", s.ModelName).
		Str("data_size", s.DataSize).
		Int("num_bits", s.NumBits).
		Int("num_leaves", s.NumLeaves).
		Int("num_iterations", s.NumIterations).
		Int("workers", r.Session.Workers()).
		Msg("Starting CTR run")

	st := &runState{}
	stages := []struct {
		name string
		fn   func(context.Context, *runState, *Result) error
	}{
		{StageLoad, r.load},
		{StageSplit, r.split},
		{StageHash, r.hash},
		{StageTrain, r.train},
		{StagePredict, r.predict},
		{StageEvaluate, r.evaluate},
		{StagePersist, r.persist},
		{StageRecord, r.record},
	}
	for _, stage := range stages {
		if err := ctx.Err(); err != nil {
			return nil, r.fail(res, stage.name, common.KindResource, err)
		}
		start := time.Now()
		if err := stage.fn(ctx, st, res); err != nil {
			return nil, r.fail(res, stage.name, classify(stage.name, err), err)
		}
		elapsed := time.Since(start)
		res.Stages = append(res.Stages, StageTiming{Name: stage.name, Duration: elapsed})
		if r.Metrics != nil {
			r.Metrics.StageObserve(stage.name, elapsed)
		}
		log.Info().Str("stage", stage.name).Dur("duration", elapsed).Msg("Stage completed")
	}

	if r.Metrics != nil {
		r.Metrics.RunCompleted(res.FinishedAt)
	}
	log.Info().
		Str("metric", res.MetricName).
		Float64("value", res.MetricValue).
		Float64("log_loss", res.LogLoss).
		Float64("baseline_log_loss", res.BaselineLogLoss).
		Int("trees", res.NumTrees).
		Msg("CTR run finished")
	return res, nil
}

func (r *Runner) load(ctx context.Context, st *runState, res *Result) error {
	s := r.Settings
	var (
		f   *frame.Frame
		err error
	)
	if s.DataFile != "" {
		f, err = r.Loader.LoadFile(ctx, r.Session, s.DataFile)
	} else {
		var size dataset.Size
		size, err = dataset.ParseSize(s.DataSize)
		if err != nil {
			return err
		}
		f, err = r.Loader.Load(ctx, r.Session, size)
	}
	if err != nil {
		return err
	}
	res.TotalRows = f.Count()
	if res.TotalRows == 0 {
		return ErrNoRows
	}
	st.raw = f
	return nil
}

func (r *Runner) split(ctx context.Context, st *runState, res *Result) error {
	train, test, err := frame.RandomSplit(ctx, st.raw, r.Settings.SplitRatio, r.Settings.Seed)
	if err != nil {
		return err
	}
	res.TrainRows, res.TestRows = train.Count(), test.Count()
	if res.TrainRows == 0 || res.TestRows == 0 {
		return fmt.Errorf("%w: %d train rows, %d test rows", ErrEmptySplit, res.TrainRows, res.TestRows)
	}
	if r.Metrics != nil {
		r.Metrics.SplitRowsSet("train", res.TrainRows)
		r.Metrics.SplitRowsSet("test", res.TestRows)
	}
	log.Info().Int("train", res.TrainRows).Int("test", res.TestRows).Msg("Data split")
	st.train, st.test = train, test
	return nil
}

func (r *Runner) hash(ctx context.Context, st *runState, _ *Result) error {
	h := features.NewHasher(common.FeatureColumns(), common.FeaturesColumn, r.Settings.NumBits)
	train, err := h.Transform(ctx, st.train)
	if err != nil {
		return fmt.Errorf("hash train split: %w", err)
	}
	test, err := h.Transform(ctx, st.test)
	if err != nil {
		return fmt.Errorf("hash test split: %w", err)
	}
	st.hasher, st.hashedTrain, st.hashedTest = h, train, test
	return nil
}

func (r *Runner) train(ctx context.Context, st *runState, res *Result) error {
	trainer := ml.NewTrainer(r.params())
	if r.Metrics != nil {
		trainer.Metrics = r.Metrics
	}

	var (
		model *ml.Model
		err   error
	)
	if r.Settings.EarlyStoppingRounds > 0 {
		fit, valid, serr := frame.RandomSplit(ctx, st.hashedTrain, 1-validationFraction, r.Settings.Seed+1)
		if serr != nil {
			return serr
		}
		if fit.Count() == 0 || valid.Count() == 0 {
			return fmt.Errorf("%w: validation holdout", ErrEmptySplit)
		}
		model, err = trainer.FitWithValidation(ctx, fit, valid)
	} else {
		model, err = trainer.Fit(ctx, st.hashedTrain)
	}
	if err != nil {
		return err
	}
	res.NumTrees = model.NumTrees()

	top, err := model.TopFeatures(ml.ImportanceGain, 10)
	if err != nil {
		return err
	}
	res.TopFeatures = top
	st.model = model
	return nil
}

func (r *Runner) params() ml.Params {
	s := r.Settings
	p := ml.DefaultParams()
	p.NumLeaves = s.NumLeaves
	p.NumIterations = s.NumIterations
	p.LearningRate = s.LearningRate
	p.FeatureFraction = s.FeatureFraction
	p.IsUnbalance = s.IsUnbalance
	p.Seed = s.Seed
	p.MinDataInLeaf = s.MinDataInLeaf
	p.MaxBin = s.MaxBin
	p.EarlyStoppingRounds = s.EarlyStoppingRounds
	return p
}

func (r *Runner) predict(ctx context.Context, st *runState, _ *Result) error {
	scored, err := st.model.Transform(ctx, st.hashedTest)
	if err != nil {
		return err
	}
	st.scored = scored
	return nil
}

func (r *Runner) evaluate(ctx context.Context, st *runState, res *Result) error {
	ev, err := evaluate.NewEvaluator(r.Settings.MetricName)
	if err != nil {
		return err
	}
	ev.ScoreCol = r.Settings.ScoreColumn
	value, err := ev.Evaluate(ctx, st.scored)
	if err != nil {
		return err
	}
	res.MetricValue = value

	ll, err := evaluate.NewEvaluator(string(evaluate.LogLoss))
	if err != nil {
		return err
	}
	if res.LogLoss, err = ll.Evaluate(ctx, st.scored); err != nil {
		return err
	}

	prior, err := ml.NewPriorPredictor(st.hashedTrain, common.FeaturesColumn, common.LabelColumn)
	if err != nil {
		return err
	}
	baseline, err := prior.Transform(ctx, st.hashedTest)
	if err != nil {
		return err
	}
	if res.BaselineLogLoss, err = ll.Evaluate(ctx, baseline); err != nil {
		return err
	}

	if r.Metrics != nil {
		r.Metrics.EvaluationSet(string(ev.Metric), value)
		r.Metrics.EvaluationSet(string(evaluate.LogLoss), res.LogLoss)
	}
	log.Info().
		Str("metric", string(ev.Metric)).
		Float64("value", value).
		Float64("log_loss", res.LogLoss).
		Float64("baseline_log_loss", res.BaselineLogLoss).
		Msg("Evaluation complete")
	return nil
}

// persist keeps every run under its own version directory and publishes it at
// the model path as the active pipeline.
func (r *Runner) persist(_ context.Context, st *runState, res *Result) error {
	p, err := pipeline.New(st.hasher, st.model)
	if err != nil {
		return err
	}
	mm, err := ml.NewModelManager(r.Settings.ModelDir)
	if err != nil {
		return err
	}
	version := mm.NewVersionID()
	versionPath := r.Settings.VersionPath(version)
	if _, err := pipeline.Save(p, versionPath); err != nil {
		return err
	}
	path := r.Settings.ModelPath()
	meta, err := pipeline.Save(p, path)
	if err != nil {
		return err
	}
	if r.Metrics != nil {
		r.Metrics.PipelineSavesInc()
	}

	err = mm.AddVersion(version, versionPath, ml.ModelMetrics{
		MetricName:  res.MetricName,
		MetricValue: res.MetricValue,
		LogLoss:     res.LogLoss,
		TrainRows:   res.TrainRows,
		TestRows:    res.TestRows,
		NumTrees:    res.NumTrees,
	}, true)
	if err != nil {
		return err
	}
	res.PipelinePath, res.VersionPath, res.Version, res.Metadata = path, versionPath, version, meta
	return nil
}

func (r *Runner) record(_ context.Context, _ *runState, res *Result) error {
	res.FinishedAt = time.Now().UTC()
	if r.Store == nil {
		return nil
	}

	prev, err := r.Store.LatestRun(res.ModelName)
	switch {
	case err == nil && prev.MetricName == res.MetricName:
		v := prev.MetricValue
		res.PreviousMetricValue = &v
		log.Info().
			Str("metric", res.MetricName).
			Float64("previous", v).
			Float64("current", res.MetricValue).
			Float64("change", res.MetricValue-v).
			Str("previous_version", prev.Version).
			Msg("Compared with previous run")
	case err != nil && !errors.Is(err, storage.ErrNotFound):
		log.Warn().Err(err).Msg("Failed to read previous run")
	}

	return r.Store.RecordRun(storage.RunRecord{
		ModelName:    res.ModelName,
		Timestamp:    res.FinishedAt,
		Params:       res.Params,
		MetricName:   res.MetricName,
		MetricValue:  res.MetricValue,
		BaselineLoss: res.BaselineLogLoss,
		LogLoss:      res.LogLoss,
		TotalRows:    res.TotalRows,
		TrainRows:    res.TrainRows,
		TestRows:     res.TestRows,
		NumTrees:     res.NumTrees,
		StageSeconds: res.StageSeconds(),
		PipelinePath: res.PipelinePath,
		Version:      res.Version,
	})
}

// fail wraps err for stage, counts it and records it. Recording problems are
// logged and do not replace the stage error.
func (r *Runner) fail(res *Result, stage string, kind common.ErrorKind, err error) error {
	serr := common.NewStageError(stage, kind, err)
	if r.Metrics != nil {
		r.Metrics.StageFailureInc(stage, string(kind))
	}
	log.Error().Err(err).Str("stage", stage).Str("kind", string(kind)).Msg("CTR run failed")

	if r.Store != nil && res.ModelName != "" {
		rerr := r.Store.RecordFailure(storage.FailureRecord{
			ModelName: res.ModelName,
			Timestamp: time.Now().UTC(),
			Stage:     stage,
			Kind:      string(kind),
			Error:     err.Error(),
		})
		if rerr != nil {
			log.Warn().Err(rerr).Msg("Failed to record run failure")
		}
	}
	return serr
}

// classify maps a stage error onto the failure taxonomy.
func classify(stage string, err error) common.ErrorKind {
	switch {
	case errors.Is(err, cfg.ErrInvalidConfig),
		errors.Is(err, ml.ErrInvalidParams),
		errors.Is(err, dataset.ErrUnknownSize),
		errors.Is(err, evaluate.ErrUnknownMetric):
		return common.KindConfig
	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, frame.ErrSessionClosed):
		return common.KindResource
	case errors.Is(err, dataset.ErrMalformedRow),
		errors.Is(err, dataset.ErrNoDataFile),
		errors.Is(err, ErrNoRows):
		return common.KindData
	}
	switch stage {
	case StageLoad:
		return common.KindResource
	case StagePersist, StageRecord:
		return common.KindPersistence
	default:
		return common.KindData
	}
}

func runParams(s cfg.Settings) storage.RunParams {
	return storage.RunParams{
		DataSize:        s.DataSize,
		SplitRatio:      s.SplitRatio,
		Seed:            s.Seed,
		NumBits:         s.NumBits,
		NumLeaves:       s.NumLeaves,
		NumIterations:   s.NumIterations,
		LearningRate:    s.LearningRate,
		FeatureFraction: s.FeatureFraction,
		IsUnbalance:     s.IsUnbalance,
	}
}
