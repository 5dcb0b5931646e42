package ml

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"criteo-ctr/internal/common"
	"criteo-ctr/internal/frame"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTree_Predict(t *testing.T) {
	// node 0: f2 <= 1.5 ? node 1 : leaf 2
	// node 1: f0 <= 0   ? leaf 0 : leaf 1
	tree := &Tree{
		SplitFeature: []int32{2, 0},
		Threshold:    []float64{1.5, 0},
		SplitGain:    []float64{3, 1},
		LeftChild:    []int32{1, ^int32(0)},
		RightChild:   []int32{^int32(2), ^int32(1)},
		LeafValue:    []float64{-1, 0.5, 2},
		LeafCount:    []int{5, 5, 5},
	}
	vec := func(idx []int32, vals []float64) *frame.SparseVector {
		v, err := frame.NewSparseVector(4, idx, vals)
		require.NoError(t, err)
		return v
	}

	assert.Equal(t, -1.0, tree.Predict(vec(nil, nil)))
	assert.Equal(t, 0.5, tree.Predict(vec([]int32{0}, []float64{3})))
	assert.Equal(t, 2.0, tree.Predict(vec([]int32{0, 2}, []float64{3, 7})))
	assert.Equal(t, 3, tree.NumLeaves())

	stump := &Tree{LeafValue: []float64{0.25}}
	assert.Equal(t, 0.25, stump.Predict(vec(nil, nil)))
}

func TestModel_EncodeDecodeIsBitIdentical(t *testing.T) {
	sess := frame.NewSession(2)
	defer sess.Close()
	f := hashedSynthetic(t, sess, 1500, 5, 12)

	m, err := NewTrainer(fastParams()).Fit(context.Background(), f)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, m.Encode(&buf))
	got, err := DecodeModel(&buf)
	require.NoError(t, err)

	assert.Equal(t, m.NumTrees(), got.NumTrees())
	assert.Equal(t, m.InitScore, got.InitScore)
	assert.Equal(t, m.Params, got.Params)
	assert.True(t, m.TrainedAt.Equal(got.TrainedAt))
	assert.Equal(t, probabilities(t, m, f), probabilities(t, got, f))
}

func TestDecodeModel_Malformed(t *testing.T) {
	_, err := DecodeModel(bytes.NewReader([]byte("not gob")))
	assert.Error(t, err)

	var buf bytes.Buffer
	bad := &Model{Trees: []*Tree{{SplitFeature: []int32{1}, LeafValue: []float64{1}}}}
	require.NoError(t, bad.Encode(&buf))
	_, err = DecodeModel(&buf)
	assert.ErrorContains(t, err, "malformed")
}

func TestModel_Transform(t *testing.T) {
	sess := frame.NewSession(2)
	defer sess.Close()
	f := hashedSynthetic(t, sess, 800, 6, 10)

	m, err := NewTrainer(fastParams()).Fit(context.Background(), f)
	require.NoError(t, err)
	out, err := m.Transform(context.Background(), f)
	require.NoError(t, err)
	assert.Equal(t, f.Count(), out.Count())

	raws, err := out.Column(common.RawPredictionColumn)
	require.NoError(t, err)
	probs, err := out.Column(common.ProbabilityColumn)
	require.NoError(t, err)
	preds, err := out.Column(common.PredictionColumn)
	require.NoError(t, err)
	want := probabilities(t, m, f)
	for i := range probs {
		p, _ := probs[i].Float()
		r, _ := raws[i].Float()
		c, _ := preds[i].Float()
		assert.Equal(t, want[i], p)
		assert.Equal(t, sigmoid(r), p)
		assert.Equal(t, p > 0.5, c == 1)
	}

	_, err = m.Transform(context.Background(), out)
	assert.ErrorIs(t, err, ErrInvalidFeatures)
}

func TestModel_TransformRejectsWrongDimension(t *testing.T) {
	sess := frame.NewSession(1)
	defer sess.Close()
	m := &Model{FeaturesCol: common.FeaturesColumn, NumFeatures: 16, Trees: nil}
	f := vectorFrame(t, sess, []float64{0, 1}, []*frame.SparseVector{{Size: 8}, {Size: 8}})

	_, err := m.Transform(context.Background(), f)
	assert.ErrorIs(t, err, ErrInvalidFeatures)
}

func TestModel_FeatureImportance(t *testing.T) {
	sess := frame.NewSession(2)
	defer sess.Close()
	f := hashedSynthetic(t, sess, 1500, 7, 12)
	m, err := NewTrainer(fastParams()).Fit(context.Background(), f)
	require.NoError(t, err)

	splits, err := m.FeatureImportance(ImportanceSplit)
	require.NoError(t, err)
	var total float64
	for _, c := range splits {
		total += c
	}
	nodes := 0
	for _, tr := range m.Trees {
		nodes += len(tr.SplitFeature)
	}
	assert.Equal(t, float64(nodes), total)

	gains, err := m.FeatureImportance(ImportanceGain)
	require.NoError(t, err)
	assert.Len(t, gains, len(splits))
	for _, g := range gains {
		assert.Greater(t, g, 0.0)
	}

	top, err := m.TopFeatures(ImportanceGain, 3)
	require.NoError(t, err)
	require.Len(t, top, 3)
	assert.GreaterOrEqual(t, top[0].Score, top[1].Score)
	assert.GreaterOrEqual(t, top[1].Score, top[2].Score)

	_, err = m.FeatureImportance("weight")
	assert.Error(t, err)
}

func TestPriorPredictor(t *testing.T) {
	sess := frame.NewSession(1)
	defer sess.Close()
	labels := []float64{1, 0, 0, 0}
	vecs := []*frame.SparseVector{{Size: 4}, {Size: 4}, {Size: 4}, {Size: 4}}
	f := vectorFrame(t, sess, labels, vecs)

	p, err := NewPriorPredictor(f, common.FeaturesColumn, common.LabelColumn)
	require.NoError(t, err)
	out, err := p.Transform(context.Background(), f)
	require.NoError(t, err)
	probs, err := out.Column(common.ProbabilityColumn)
	require.NoError(t, err)
	for _, v := range probs {
		x, _ := v.Float()
		assert.InDelta(t, 0.25, x, 1e-12)
	}

	_, err = NewPriorPredictor(vectorFrame(t, sess, []float64{0, 0}, vecs[:2]), common.FeaturesColumn, common.LabelColumn)
	assert.ErrorIs(t, err, ErrSingleClass)
}

func TestModelManager(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "models")
	mm, err := NewModelManager(dir)
	require.NoError(t, err)
	assert.Nil(t, mm.CurrentVersion())

	v1 := mm.NewVersionID()
	require.NoError(t, mm.AddVersion(v1, filepath.Join(dir, "a"), ModelMetrics{MetricName: "areaUnderROC", MetricValue: 0.7}, true))
	time.Sleep(2 * time.Millisecond)
	v2 := mm.NewVersionID()
	require.NotEqual(t, v1, v2)
	require.NoError(t, mm.AddVersion(v2, filepath.Join(dir, "b"), ModelMetrics{MetricName: "areaUnderROC", MetricValue: 0.72}, true))
	assert.Error(t, mm.AddVersion(v2, filepath.Join(dir, "c"), ModelMetrics{}, false))

	prev, err := mm.PreviousVersion()
	require.NoError(t, err)
	assert.Equal(t, v1, prev.Version)
	assert.Equal(t, filepath.Join(dir, "a"), prev.Path)
	got, err := mm.GetVersion(v2)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "b"), got.Path)
	_, err = mm.GetVersion("missing")
	assert.ErrorIs(t, err, ErrVersionNotFound)

	require.NotNil(t, mm.CurrentVersion())
	assert.Equal(t, v2, mm.CurrentVersion().Version)
	versions := mm.ListVersions()
	require.Len(t, versions, 2)
	assert.Equal(t, v2, versions[0].Version)

	require.NoError(t, mm.Rollback())
	assert.Equal(t, v1, mm.CurrentVersion().Version)
	assert.ErrorIs(t, mm.Rollback(), ErrNoRollback)
	assert.ErrorIs(t, mm.ActivateVersion("missing"), ErrVersionNotFound)

	reopened, err := NewModelManager(dir)
	require.NoError(t, err)
	require.NotNil(t, reopened.CurrentVersion())
	assert.Equal(t, v1, reopened.CurrentVersion().Version)
	assert.Equal(t, 0.7, reopened.CurrentVersion().Metrics.MetricValue)
}

func TestModelManager_CorruptRegistryStartsFresh(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, versionsFileName), []byte("{"), 0o600))

	mm, err := NewModelManager(dir)
	require.NoError(t, err)
	assert.Empty(t, mm.ListVersions())
}
