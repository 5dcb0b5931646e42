package ml

import (
	"errors"
	"fmt"
)

// ErrInvalidParams is returned by Params.Validate.
var ErrInvalidParams = errors.New("invalid boosting parameters")

// Params are the boosting hyperparameters.
type Params struct {
	NumLeaves       int     `json:"num_leaves" yaml:"numLeaves"`
	NumIterations   int     `json:"num_iterations" yaml:"numIterations"`
	LearningRate    float64 `json:"learning_rate" yaml:"learningRate"`
	FeatureFraction float64 `json:"feature_fraction" yaml:"featureFraction"`
	IsUnbalance     bool    `json:"is_unbalance" yaml:"isUnbalance"`
	Seed            int64   `json:"seed" yaml:"seed"`

	MaxBin              int     `json:"max_bin" yaml:"maxBin"`
	MinDataInLeaf       int     `json:"min_data_in_leaf" yaml:"minDataInLeaf"`
	MinSumHessianInLeaf float64 `json:"min_sum_hessian_in_leaf" yaml:"minSumHessianInLeaf"`
	LambdaL2            float64 `json:"lambda_l2" yaml:"lambdaL2"`
	MaxDepth            int     `json:"max_depth" yaml:"maxDepth"` // <= 0 means unlimited
	BaggingFraction     float64 `json:"bagging_fraction" yaml:"baggingFraction"`
	BaggingFreq         int     `json:"bagging_freq" yaml:"baggingFreq"`
	EarlyStoppingRounds int     `json:"early_stopping_rounds" yaml:"earlyStoppingRounds"`
}

// DefaultParams mirrors the hyperparameters used for the Criteo sample run.
func DefaultParams() Params {
	return Params{
		NumLeaves:           32,
		NumIterations:       50,
		LearningRate:        0.1,
		FeatureFraction:     0.8,
		IsUnbalance:         true,
		Seed:                42,
		MaxBin:              255,
		MinDataInLeaf:       20,
		MinSumHessianInLeaf: 1e-3,
		LambdaL2:            0,
		MaxDepth:            -1,
		BaggingFraction:     1,
		BaggingFreq:         0,
	}
}

// Validate checks every parameter range.
func (p Params) Validate() error {
	switch {
	case p.NumLeaves < 2:
		return fmt.Errorf("%w: num leaves must be > 1, got %d", ErrInvalidParams, p.NumLeaves)
	case p.NumIterations <= 0:
		return fmt.Errorf("%w: num iterations must be > 0, got %d", ErrInvalidParams, p.NumIterations)
	case !(p.LearningRate > 0 && p.LearningRate <= 1):
		return fmt.Errorf("%w: learning rate must be in (0,1], got %v", ErrInvalidParams, p.LearningRate)
	case !(p.FeatureFraction > 0 && p.FeatureFraction <= 1):
		return fmt.Errorf("%w: feature fraction must be in (0,1], got %v", ErrInvalidParams, p.FeatureFraction)
	case p.MaxBin < 2 || p.MaxBin > 65535:
		return fmt.Errorf("%w: max bin must be in [2,65535], got %d", ErrInvalidParams, p.MaxBin)
	case p.MinDataInLeaf < 1:
		return fmt.Errorf("%w: min data in leaf must be >= 1, got %d", ErrInvalidParams, p.MinDataInLeaf)
	case p.MinSumHessianInLeaf < 0:
		return fmt.Errorf("%w: min sum hessian must be >= 0, got %v", ErrInvalidParams, p.MinSumHessianInLeaf)
	case p.LambdaL2 < 0:
		return fmt.Errorf("%w: lambda l2 must be >= 0, got %v", ErrInvalidParams, p.LambdaL2)
	case !(p.BaggingFraction > 0 && p.BaggingFraction <= 1):
		return fmt.Errorf("%w: bagging fraction must be in (0,1], got %v", ErrInvalidParams, p.BaggingFraction)
	case p.BaggingFreq < 0:
		return fmt.Errorf("%w: bagging freq must be >= 0, got %d", ErrInvalidParams, p.BaggingFreq)
	case p.EarlyStoppingRounds < 0:
		return fmt.Errorf("%w: early stopping rounds must be >= 0, got %d", ErrInvalidParams, p.EarlyStoppingRounds)
	}
	return nil
}

func (p Params) bagging() bool {
	return p.BaggingFraction < 1 && p.BaggingFreq > 0
}
