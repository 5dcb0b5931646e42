package ml

import (
	"fmt"
	"sort"
)

// ImportanceKind selects how feature importance is accumulated over trees.
type ImportanceKind string

const (
	// ImportanceSplit counts the splits that use a feature.
	ImportanceSplit ImportanceKind = "split"
	// ImportanceGain sums the gain of the splits that use a feature.
	ImportanceGain ImportanceKind = "gain"
)

// FeatureScore is the importance of one hashed feature index.
type FeatureScore struct {
	Index int32   `json:"index"`
	Score float64 `json:"score"`
}

// FeatureImportance returns the importance of every feature used by at least
// one split, keyed by hashed feature index.
func (m *Model) FeatureImportance(kind ImportanceKind) (map[int32]float64, error) {
	if kind != ImportanceSplit && kind != ImportanceGain {
		return nil, fmt.Errorf("unknown importance kind %q", kind)
	}
	out := make(map[int32]float64)
	for _, t := range m.Trees {
		for i, f := range t.SplitFeature {
			if kind == ImportanceSplit {
				out[f]++
			} else {
				out[f] += t.SplitGain[i]
			}
		}
	}
	return out, nil
}

// TopFeatures returns the n most important features, highest first. Equal
// scores are ordered by index.
func (m *Model) TopFeatures(kind ImportanceKind, n int) ([]FeatureScore, error) {
	imp, err := m.FeatureImportance(kind)
	if err != nil {
		return nil, err
	}
	scores := make([]FeatureScore, 0, len(imp))
	for idx, s := range imp {
		scores = append(scores, FeatureScore{Index: idx, Score: s})
	}
	sort.Slice(scores, func(i, j int) bool {
		if scores[i].Score != scores[j].Score {
			return scores[i].Score > scores[j].Score
		}
		return scores[i].Index < scores[j].Index
	})
	if n >= 0 && n < len(scores) {
		scores = scores[:n]
	}
	return scores, nil
}
