// Package ml trains and applies gradient boosted decision trees for binary
// click prediction. Training is histogram based and grows trees leaf-wise;
// histogram construction and score updates run on the frame session's
// workers.
package ml

import "criteo-ctr/internal/frame"

// Predictor scores hashed feature vectors.
type Predictor interface {
	// Score returns the log-odds of a click for v.
	Score(v *frame.SparseVector) (float64, error)
}
