package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"criteo-ctr/internal/cfg"
	"criteo-ctr/internal/common"
	"criteo-ctr/internal/dataset"
	"criteo-ctr/internal/frame"
	"criteo-ctr/internal/metrics"
	"criteo-ctr/internal/ml"
	"criteo-ctr/internal/pipeline"
	"criteo-ctr/internal/storage"
)

func writeData(t *testing.T, dir string, rows []frame.Row) string {
	t.Helper()
	path := filepath.Join(dir, "train.txt")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, dataset.WriteTSV(f, rows))
	return path
}

func testSettings(t *testing.T, dataFile string) cfg.Settings {
	t.Helper()
	dir := t.TempDir()
	s := cfg.Default()
	s.DataFile = dataFile
	s.CacheDir = filepath.Join(dir, "cache")
	s.ModelDir = filepath.Join(dir, "models")
	s.OutputDir = filepath.Join(dir, "output")
	s.RunsDB = filepath.Join(dir, "runs.db")
	s.NumBits = 12
	s.NumLeaves = 8
	s.NumIterations = 15
	s.Workers = 4
	return s
}

type harness struct {
	runner *Runner
	store  *storage.Store
	m      *metrics.Metrics
}

func newHarness(t *testing.T, s cfg.Settings) *harness {
	t.Helper()
	sess := frame.NewSession(s.Workers)
	t.Cleanup(func() { sess.Close() })

	store, err := storage.New(s.RunsDB)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	reg := prometheus.NewRegistry()
	m := metrics.NewWithRegistry(reg)
	w := metrics.NewWrapper(m)
	loader := dataset.NewLoader(s.CacheDir, nil, time.Second, dataset.WithPartitions(4), dataset.WithMetrics(w))
	return &harness{
		runner: New(s, sess, loader, store, w),
		store:  store,
		m:      m,
	}
}

func requireStageError(t *testing.T, err error, stage string, kind common.ErrorKind) {
	t.Helper()
	require.Error(t, err)
	var se *common.StageError
	require.True(t, errors.As(err, &se), "expected StageError, got %v", err)
	assert.Equal(t, stage, se.Stage)
	assert.Equal(t, kind, se.Kind)
}

func TestRun_EndToEnd(t *testing.T) {
	data := writeData(t, t.TempDir(), dataset.Synthetic(4000, 21))
	s := testSettings(t, data)
	h := newHarness(t, s)

	res, err := h.runner.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4000, res.TotalRows)
	assert.Equal(t, res.TotalRows, res.TrainRows+res.TestRows)
	assert.InDelta(t, 0.8, float64(res.TrainRows)/float64(res.TotalRows), 0.05)
	assert.Greater(t, res.MetricValue, 0.65)
	assert.LessOrEqual(t, res.MetricValue, 1.0)
	assert.Less(t, res.LogLoss, res.BaselineLogLoss)
	assert.Equal(t, 15, res.NumTrees)
	assert.NotEmpty(t, res.TopFeatures)
	assert.Equal(t, s.ModelPath(), res.PipelinePath)
	assert.NotEmpty(t, res.Version)

	names := make([]string, len(res.Stages))
	for i, st := range res.Stages {
		names[i] = st.Name
	}
	assert.Equal(t, []string{StageLoad, StageSplit, StageHash, StageTrain, StagePredict, StageEvaluate, StagePersist, StageRecord}, names)

	// The saved pipeline and the version registry reflect the run.
	p, meta, err := pipeline.Load(res.PipelinePath)
	require.NoError(t, err)
	assert.Equal(t, res.NumTrees, meta.NumTrees)
	assert.Equal(t, 1<<12, p.Model.NumFeatures)

	mm, err := ml.NewModelManager(s.ModelDir)
	require.NoError(t, err)
	require.NotNil(t, mm.CurrentVersion())
	assert.Equal(t, res.Version, mm.CurrentVersion().Version)
	assert.Equal(t, s.VersionPath(res.Version), mm.CurrentVersion().Path)
	assert.DirExists(t, res.VersionPath)
	assert.Nil(t, res.PreviousMetricValue)

	latest, err := h.store.LatestRun(s.ModelName)
	require.NoError(t, err)
	assert.Equal(t, res.MetricValue, latest.MetricValue)
	assert.Equal(t, "areaUnderROC", latest.MetricName)
	assert.Equal(t, res.TestRows, latest.TestRows)
	assert.Contains(t, latest.StageSeconds, StageTrain)

	assert.Equal(t, 4000.0, testutil.ToFloat64(h.m.RowsLoaded))
	assert.Equal(t, 15.0, testutil.ToFloat64(h.m.BoostingIterations))
	assert.Equal(t, float64(res.TestRows), testutil.ToFloat64(h.m.SplitRows.WithLabelValues("test")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.m.PipelineSaves))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.m.RunsTotal))
}

// TestRun_CriteoSample runs the reference configuration on the real sample
// archive. Set CRITEO_SAMPLE_PATH to the downloaded dac_sample.tar.gz.
func TestRun_CriteoSample(t *testing.T) {
	path := os.Getenv("CRITEO_SAMPLE_PATH")
	if path == "" {
		t.Skip("CRITEO_SAMPLE_PATH not set")
	}
	if testing.Short() {
		t.Skip("skipping full sample run in short mode")
	}
	s := testSettings(t, path)
	d := cfg.Default()
	s.NumBits, s.NumLeaves, s.NumIterations = d.NumBits, d.NumLeaves, d.NumIterations
	h := newHarness(t, s)

	res, err := h.runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 100000, res.TotalRows)
	assert.GreaterOrEqual(t, res.MetricValue, 0.55)
	assert.LessOrEqual(t, res.MetricValue, 0.75)
}

func TestRun_Deterministic(t *testing.T) {
	data := writeData(t, t.TempDir(), dataset.Synthetic(3000, 5))

	run := func() *Result {
		h := newHarness(t, testSettings(t, data))
		res, err := h.runner.Run(context.Background())
		require.NoError(t, err)
		return res
	}
	a, b := run(), run()
	assert.Equal(t, a.TrainRows, b.TrainRows)
	assert.Equal(t, a.MetricValue, b.MetricValue)
	assert.Equal(t, a.LogLoss, b.LogLoss)
}

func TestRun_EarlyStoppingHoldout(t *testing.T) {
	data := writeData(t, t.TempDir(), dataset.Synthetic(3000, 8))
	s := testSettings(t, data)
	s.NumIterations = 200
	s.LearningRate = 0.5
	s.EarlyStoppingRounds = 3
	h := newHarness(t, s)

	res, err := h.runner.Run(context.Background())
	require.NoError(t, err)
	assert.Less(t, res.NumTrees, 200)
	assert.Greater(t, res.MetricValue, 0.6)
}

func TestRollback_RestoresEarlierPipeline(t *testing.T) {
	data := writeData(t, t.TempDir(), dataset.Synthetic(2000, 4))
	s := testSettings(t, data)
	s.NumIterations = 3
	h := newHarness(t, s)

	first, err := h.runner.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, first.NumTrees)

	h.runner.Settings.NumIterations = 12
	second, err := h.runner.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 12, second.NumTrees)
	assert.NotEqual(t, first.Version, second.Version)
	assert.NotEqual(t, first.VersionPath, second.VersionPath)
	require.NotNil(t, second.PreviousMetricValue)
	assert.Equal(t, first.MetricValue, *second.PreviousMetricValue)

	treesAt := func(path string) int {
		t.Helper()
		_, meta, err := pipeline.Load(path)
		require.NoError(t, err)
		return meta.NumTrees
	}
	assert.Equal(t, 12, treesAt(s.ModelPath()))
	assert.Equal(t, 3, treesAt(first.VersionPath))

	v, err := Rollback(s, "")
	require.NoError(t, err)
	assert.Equal(t, first.Version, v.Version)
	assert.True(t, v.IsActive)
	assert.Equal(t, 3, treesAt(v.Path))
	assert.Equal(t, 3, treesAt(s.ModelPath()))

	mm, err := ml.NewModelManager(s.ModelDir)
	require.NoError(t, err)
	require.NotNil(t, mm.CurrentVersion())
	assert.Equal(t, first.Version, mm.CurrentVersion().Version)

	_, err = Rollback(s, "")
	assert.ErrorIs(t, err, ml.ErrNoRollback)

	v, err = Rollback(s, second.Version)
	require.NoError(t, err)
	assert.Equal(t, second.Version, v.Version)
	assert.Equal(t, 12, treesAt(s.ModelPath()))

	_, err = Rollback(s, "missing")
	assert.ErrorIs(t, err, ml.ErrVersionNotFound)
}

func TestRun_InvalidSettings(t *testing.T) {
	data := writeData(t, t.TempDir(), dataset.Synthetic(100, 1))
	s := testSettings(t, data)
	s.NumLeaves = 1
	h := newHarness(t, s)

	_, err := h.runner.Run(context.Background())
	requireStageError(t, err, StageConfig, common.KindConfig)
	assert.ErrorIs(t, err, cfg.ErrInvalidConfig)

	failures, err := h.store.GetFailures(s.ModelName, time.Unix(0, 0), time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, "config", failures[0].Kind)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.m.StageFailures.WithLabelValues(StageConfig, "config")))
}

func TestRun_MissingDataFile(t *testing.T) {
	s := testSettings(t, filepath.Join(t.TempDir(), "absent.txt"))
	h := newHarness(t, s)

	_, err := h.runner.Run(context.Background())
	requireStageError(t, err, StageLoad, common.KindResource)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.NoDirExists(t, s.ModelPath())
}

func TestRun_MalformedData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.txt")
	require.NoError(t, os.WriteFile(path, []byte("not\ta\tcriteo\trow\n"), 0o644))
	h := newHarness(t, testSettings(t, path))

	_, err := h.runner.Run(context.Background())
	requireStageError(t, err, StageLoad, common.KindData)
	assert.ErrorIs(t, err, dataset.ErrMalformedRow)
}

func TestRun_SingleClass(t *testing.T) {
	rows := dataset.Synthetic(500, 3)
	for _, row := range rows {
		row[0] = frame.Num(0)
	}
	data := writeData(t, t.TempDir(), rows)
	s := testSettings(t, data)
	h := newHarness(t, s)

	_, err := h.runner.Run(context.Background())
	requireStageError(t, err, StageTrain, common.KindData)
	assert.ErrorIs(t, err, ml.ErrSingleClass)

	_, err = h.store.LatestRun(s.ModelName)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRun_Cancelled(t *testing.T) {
	data := writeData(t, t.TempDir(), dataset.Synthetic(100, 1))
	h := newHarness(t, testSettings(t, data))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.runner.Run(ctx)
	requireStageError(t, err, StageLoad, common.KindResource)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		stage string
		err   error
		want  common.ErrorKind
	}{
		{StageTrain, ml.ErrInvalidParams, common.KindConfig},
		{StageLoad, dataset.ErrUnknownSize, common.KindConfig},
		{StageTrain, frame.ErrSessionClosed, common.KindResource},
		{StageLoad, errors.New("connection reset"), common.KindResource},
		{StageLoad, dataset.ErrNoDataFile, common.KindData},
		{StageEvaluate, errors.New("missing class"), common.KindData},
		{StagePersist, errors.New("disk full"), common.KindPersistence},
		{StageRecord, errors.New("db locked"), common.KindPersistence},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, classify(tt.stage, tt.err), "%s: %v", tt.stage, tt.err)
	}
}
