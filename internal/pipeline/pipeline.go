// Package pipeline composes the feature hasher and a fitted model into one
// unit that turns raw Criteo rows into click predictions, and persists it as
// a versioned directory.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"criteo-ctr/internal/features"
	"criteo-ctr/internal/frame"
	"criteo-ctr/internal/ml"
)

// ErrIncompatibleStages is returned when the model cannot consume the hasher's
// output.
var ErrIncompatibleStages = errors.New("pipeline stages are incompatible")

// Pipeline applies Hasher then Model.
type Pipeline struct {
	Hasher *features.Hasher
	Model  *ml.Model
}

// New checks that model was trained on the vectors hasher produces.
func New(hasher *features.Hasher, model *ml.Model) (*Pipeline, error) {
	if hasher == nil || model == nil {
		return nil, fmt.Errorf("%w: missing stage", ErrIncompatibleStages)
	}
	if hasher.OutputCol != model.FeaturesCol {
		return nil, fmt.Errorf("%w: hasher writes %q, model reads %q", ErrIncompatibleStages, hasher.OutputCol, model.FeaturesCol)
	}
	if hasher.Dim() != model.NumFeatures {
		return nil, fmt.Errorf("%w: hasher dimension %d, model expects %d", ErrIncompatibleStages, hasher.Dim(), model.NumFeatures)
	}
	return &Pipeline{Hasher: hasher, Model: model}, nil
}

// Transform hashes the raw columns of f and appends the prediction columns.
func (p *Pipeline) Transform(ctx context.Context, f *frame.Frame) (*frame.Frame, error) {
	hashed, err := p.Hasher.Transform(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("hash features: %w", err)
	}
	scored, err := p.Model.Transform(ctx, hashed)
	if err != nil {
		return nil, fmt.Errorf("predict: %w", err)
	}
	return scored, nil
}
