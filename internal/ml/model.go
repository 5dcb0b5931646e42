package ml

import (
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"time"

	"criteo-ctr/internal/common"
	"criteo-ctr/internal/frame"
)

// ErrInvalidFeatures is returned when a frame cannot be scored by a model.
var ErrInvalidFeatures = errors.New("invalid features for model")

// Model is a fitted tree ensemble. It is not modified after training.
type Model struct {
	Params        Params
	FeaturesCol   string
	NumFeatures   int
	InitScore     float64
	Trees         []*Tree
	BestIteration int
	TrainRows     int
	TrainedAt     time.Time
}

func (m *Model) NumTrees() int { return len(m.Trees) }

// PredictRaw returns the log-odds score of v.
func (m *Model) PredictRaw(v *frame.SparseVector) float64 {
	s := m.InitScore
	for _, t := range m.Trees {
		s += t.Predict(v)
	}
	return s
}

// PredictProbability returns the click probability of v.
func (m *Model) PredictProbability(v *frame.SparseVector) float64 {
	return sigmoid(m.PredictRaw(v))
}

// Score satisfies Predictor.
func (m *Model) Score(v *frame.SparseVector) (float64, error) {
	if v.Size != m.NumFeatures {
		return 0, fmt.Errorf("%w: vector size %d, model expects %d", ErrInvalidFeatures, v.Size, m.NumFeatures)
	}
	return m.PredictRaw(v), nil
}

// Transform appends rawPrediction, probability and prediction columns to f.
func (m *Model) Transform(ctx context.Context, f *frame.Frame) (*frame.Frame, error) {
	return transformWith(ctx, f, m.FeaturesCol, m)
}

// transformWith scores every row of f with p.
func transformWith(ctx context.Context, f *frame.Frame, featuresCol string, p Predictor) (*frame.Frame, error) {
	col, idx, err := f.Schema().Lookup(featuresCol)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFeatures, err)
	}
	if col.Type != frame.TypeVector {
		return nil, fmt.Errorf("%w: column %q is %s, want vector", ErrInvalidFeatures, featuresCol, col.Type)
	}
	for _, name := range []string{common.RawPredictionColumn, common.ProbabilityColumn, common.PredictionColumn} {
		if f.Schema().Index(name) >= 0 {
			return nil, fmt.Errorf("%w: output column %q already exists", ErrInvalidFeatures, name)
		}
	}

	out := []frame.Column{
		{Name: common.RawPredictionColumn, Type: frame.TypeNumeric},
		{Name: common.ProbabilityColumn, Type: frame.TypeNumeric},
		{Name: common.PredictionColumn, Type: frame.TypeNumeric},
	}
	return f.WithColumns(ctx, out, func(row frame.Row) ([]frame.Value, error) {
		v := row[idx].Vector()
		if v == nil {
			return nil, fmt.Errorf("%w: row has no feature vector", ErrInvalidFeatures)
		}
		raw, err := p.Score(v)
		if err != nil {
			return nil, err
		}
		prob := sigmoid(raw)
		label := 0.0
		if prob > 0.5 {
			label = 1
		}
		return []frame.Value{frame.Num(raw), frame.Num(prob), frame.Num(label)}, nil
	})
}

// Encode writes m with encoding/gob.
func (m *Model) Encode(w io.Writer) error {
	if err := gob.NewEncoder(w).Encode(m); err != nil {
		return fmt.Errorf("encode model: %w", err)
	}
	return nil
}

// DecodeModel reads a model written by Encode.
func DecodeModel(r io.Reader) (*Model, error) {
	var m Model
	if err := gob.NewDecoder(r).Decode(&m); err != nil {
		return nil, fmt.Errorf("decode model: %w", err)
	}
	for i, t := range m.Trees {
		if t == nil || len(t.LeafValue) == 0 || len(t.LeafValue) != len(t.SplitFeature)+1 {
			return nil, fmt.Errorf("decode model: tree %d is malformed", i)
		}
	}
	return &m, nil
}
