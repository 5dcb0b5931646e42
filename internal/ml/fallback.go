package ml

import (
	"context"
	"fmt"
	"math"

	"criteo-ctr/internal/frame"
)

// PriorPredictor scores every row with the training click rate. It is the
// baseline a fitted model is compared against.
type PriorPredictor struct {
	FeaturesCol string
	LogOdds     float64
}

// NewPriorPredictor derives the unweighted log-odds of the labels in f.
func NewPriorPredictor(f *frame.Frame, featuresCol, labelCol string) (*PriorPredictor, error) {
	_, labels, err := extractLabeled(f, featuresCol, labelCol)
	if err != nil {
		return nil, err
	}
	var pos float64
	for _, y := range labels {
		pos += y
	}
	if pos == 0 || pos == float64(len(labels)) {
		return nil, fmt.Errorf("%w: prior needs both classes", ErrSingleClass)
	}
	return &PriorPredictor{
		FeaturesCol: featuresCol,
		LogOdds:     math.Log(pos / (float64(len(labels)) - pos)),
	}, nil
}

func (p *PriorPredictor) Score(*frame.SparseVector) (float64, error) {
	return p.LogOdds, nil
}

// Transform appends the same prediction columns a Model does.
func (p *PriorPredictor) Transform(ctx context.Context, f *frame.Frame) (*frame.Frame, error) {
	return transformWith(ctx, f, p.FeaturesCol, p)
}
