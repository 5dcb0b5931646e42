// Package evaluate scores predictions against labels.
package evaluate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/stat"

	"criteo-ctr/internal/common"
	"criteo-ctr/internal/frame"
)

var (
	ErrUnknownMetric = errors.New("unknown evaluation metric")
	ErrInvalidInput  = errors.New("invalid evaluation input")
	ErrMissingClass  = errors.New("evaluation data lacks a class")
)

// Metric names a binary classification metric.
type Metric string

const (
	AreaUnderROC Metric = "areaUnderROC"
	AreaUnderPR  Metric = "areaUnderPR"
	LogLoss      Metric = "logLoss"
	Accuracy     Metric = "accuracy"
)

// ParseMetric accepts the metric names case-insensitively; "auc" is an alias
// for areaUnderROC.
func ParseMetric(s string) (Metric, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "areaunderroc", "auc":
		return AreaUnderROC, nil
	case "areaunderpr":
		return AreaUnderPR, nil
	case "logloss":
		return LogLoss, nil
	case "accuracy":
		return Accuracy, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMetric, s)
}

// LargerIsBetter reports the direction of improvement.
func (m Metric) LargerIsBetter() bool { return m != LogLoss }

// Evaluator computes one metric from a label column and a score column.
type Evaluator struct {
	LabelCol string
	ScoreCol string
	Metric   Metric
}

// NewEvaluator returns an evaluator over the default label and probability
// columns.
func NewEvaluator(metric string) (*Evaluator, error) {
	m, err := ParseMetric(metric)
	if err != nil {
		return nil, err
	}
	return &Evaluator{
		LabelCol: common.LabelColumn,
		ScoreCol: common.ProbabilityColumn,
		Metric:   m,
	}, nil
}

// Evaluate computes the metric over every row of f. The result does not
// depend on row order or partitioning.
func (e *Evaluator) Evaluate(ctx context.Context, f *frame.Frame) (float64, error) {
	scores, labels, err := e.collect(ctx, f)
	if err != nil {
		return 0, err
	}
	return e.Compute(scores, labels)
}

// Compute evaluates the metric on in-memory scores and 0/1 labels.
func (e *Evaluator) Compute(scores, labels []float64) (float64, error) {
	if len(scores) != len(labels) {
		return 0, fmt.Errorf("%w: %d scores for %d labels", ErrInvalidInput, len(scores), len(labels))
	}
	if len(scores) == 0 {
		return 0, fmt.Errorf("%w: no rows", ErrInvalidInput)
	}
	switch e.Metric {
	case AreaUnderROC:
		return AUC(scores, labels)
	case AreaUnderPR:
		return AUPR(scores, labels)
	case LogLoss:
		return logLoss(scores, labels)
	case Accuracy:
		return accuracy(scores, labels), nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownMetric, e.Metric)
}

func (e *Evaluator) collect(ctx context.Context, f *frame.Frame) (scores, labels []float64, err error) {
	_, li, err := f.Schema().Lookup(e.LabelCol)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	sc, si, err := f.Schema().Lookup(e.ScoreCol)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	if sc.Type != frame.TypeNumeric {
		return nil, nil, fmt.Errorf("%w: score column %q is %s, want numeric", ErrInvalidInput, e.ScoreCol, sc.Type)
	}

	partScores := make([][]float64, f.NumPartitions())
	partLabels := make([][]float64, f.NumPartitions())
	err = f.ForEachPartition(ctx, func(_ context.Context, i int, rows []frame.Row) error {
		s := make([]float64, len(rows))
		l := make([]float64, len(rows))
		for r, row := range rows {
			y, ok := row[li].Float()
			if !ok || (y != 0 && y != 1) {
				return fmt.Errorf("%w: label must be 0 or 1, got %q", ErrInvalidInput, row[li].Format())
			}
			x, ok := row[si].Float()
			if !ok || math.IsNaN(x) {
				return fmt.Errorf("%w: score must be a number, got %q", ErrInvalidInput, row[si].Format())
			}
			s[r], l[r] = x, y
		}
		partScores[i], partLabels[i] = s, l
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	for i := range partScores {
		scores = append(scores, partScores[i]...)
		labels = append(labels, partLabels[i]...)
	}
	return scores, labels, nil
}

// roc returns the ROC curve of scores against labels with one point per
// distinct score, plus the class counts.
func roc(scores, labels []float64) (tpr, fpr []float64, pos, neg int, err error) {
	y := append([]float64(nil), scores...)
	classes := make([]bool, len(labels))
	for i, l := range labels {
		classes[i] = l == 1
		if classes[i] {
			pos++
		} else {
			neg++
		}
	}
	if pos == 0 || neg == 0 {
		return nil, nil, pos, neg, fmt.Errorf("%w: %d positive, %d negative", ErrMissingClass, pos, neg)
	}
	stat.SortWeightedLabeled(y, classes, nil)
	tpr, fpr, _ = stat.ROC(nil, y, classes, nil)
	return tpr, fpr, pos, neg, nil
}

// AUC is the area under the ROC curve. Tied scores contribute half credit.
func AUC(scores, labels []float64) (float64, error) {
	tpr, fpr, _, _, err := roc(scores, labels)
	if err != nil {
		return 0, err
	}
	return integrate.Trapezoidal(fpr, tpr), nil
}

// AUPR is the area under the precision-recall curve, trapezoidal over recall.
// The curve starts at recall 0 with the precision of the first threshold.
func AUPR(scores, labels []float64) (float64, error) {
	tpr, fpr, pos, neg, err := roc(scores, labels)
	if err != nil {
		return 0, err
	}
	recall := make([]float64, 0, len(tpr))
	precision := make([]float64, 0, len(tpr))
	for i := range tpr {
		tp := tpr[i] * float64(pos)
		fp := fpr[i] * float64(neg)
		if tp+fp == 0 {
			continue
		}
		if len(recall) == 0 {
			recall = append(recall, 0)
			precision = append(precision, tp/(tp+fp))
		}
		recall = append(recall, tpr[i])
		precision = append(precision, tp/(tp+fp))
	}
	return integrate.Trapezoidal(recall, precision), nil
}

func logLoss(probs, labels []float64) (float64, error) {
	const eps = 1e-15
	var sum float64
	for i, p := range probs {
		if p < 0 || p > 1 {
			return 0, fmt.Errorf("%w: log loss needs probabilities, got %v", ErrInvalidInput, p)
		}
		p = math.Min(math.Max(p, eps), 1-eps)
		if labels[i] == 1 {
			sum -= math.Log(p)
		} else {
			sum -= math.Log(1 - p)
		}
	}
	return sum / float64(len(probs)), nil
}

// accuracy thresholds scores at 0.5, which also works on a 0/1 prediction
// column.
func accuracy(scores, labels []float64) float64 {
	correct := 0
	for i, s := range scores {
		pred := 0.0
		if s > 0.5 {
			pred = 1
		}
		if pred == labels[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(scores))
}
