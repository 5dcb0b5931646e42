package ml

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog/log"

	"criteo-ctr/internal/common"
	"criteo-ctr/internal/frame"
)

// ErrSingleClass is returned when the training labels hold only one class.
var ErrSingleClass = errors.New("training data contains a single class")

// TrainingMetrics receives per-iteration boosting telemetry.
type TrainingMetrics interface {
	IterationsInc()
	IterationLatencyObserve(seconds float64)
	TrainLossSet(v float64)
}

// Trainer fits a gradient boosted tree ensemble with binary log-loss.
type Trainer struct {
	Params      Params
	FeaturesCol string
	LabelCol    string
	Metrics     TrainingMetrics
}

// NewTrainer returns a trainer reading the default feature and label columns.
func NewTrainer(p Params) *Trainer {
	return &Trainer{
		Params:      p,
		FeaturesCol: common.FeaturesColumn,
		LabelCol:    common.LabelColumn,
	}
}

// Fit trains on every row of f.
func (t *Trainer) Fit(ctx context.Context, f *frame.Frame) (*Model, error) {
	return t.FitWithValidation(ctx, f, nil)
}

// FitWithValidation trains on train and, when valid is non-nil and
// EarlyStoppingRounds > 0, stops once validation log-loss has not improved
// for that many rounds. The model is truncated to its best iteration.
func (t *Trainer) FitWithValidation(ctx context.Context, train, valid *frame.Frame) (*Model, error) {
	p := t.Params
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if err := train.Session().Err(); err != nil {
		return nil, err
	}

	vecs, labels, err := extractLabeled(train, t.FeaturesCol, t.LabelCol)
	if err != nil {
		return nil, err
	}
	var pos int
	for _, y := range labels {
		if y == 1 {
			pos++
		}
	}
	neg := len(labels) - pos
	if pos == 0 || neg == 0 {
		return nil, fmt.Errorf("%w: %d positive, %d negative", ErrSingleClass, pos, neg)
	}

	var validVecs []*frame.SparseVector
	var validLabels []float64
	if valid != nil {
		validVecs, validLabels, err = extractLabeled(valid, t.FeaturesCol, t.LabelCol)
		if err != nil {
			return nil, fmt.Errorf("validation frame: %w", err)
		}
		if validVecs[0].Size != vecs[0].Size {
			return nil, fmt.Errorf("%w: validation vector size %d, training %d", ErrInvalidTrainingData, validVecs[0].Size, vecs[0].Size)
		}
	}

	start := time.Now()
	d := newBinnedData(vecs, labels, p.MaxBin)
	log.Info().
		Int("rows", d.numRows).
		Int("positives", pos).
		Int("features", d.numSlots()).
		Int("bins", d.totalBin).
		Dur("elapsed", time.Since(start)).
		Msg("Binned training data")

	wPos, wNeg := classWeights(pos, neg, p.IsUnbalance)
	weights := make([]float64, d.numRows)
	var sw, swPos float64
	for i, y := range labels {
		if y == 1 {
			weights[i] = wPos
			swPos += wPos
		} else {
			weights[i] = wNeg
		}
		sw += weights[i]
	}
	initScore := math.Log(swPos / (sw - swPos))

	sess := train.Session()
	scores := make([]float64, d.numRows)
	for i := range scores {
		scores[i] = initScore
	}
	var validScores []float64
	if len(validVecs) > 0 {
		validScores = make([]float64, len(validVecs))
		for i := range validScores {
			validScores[i] = initScore
		}
	}

	grad := make([]float64, d.numRows)
	hess := make([]float64, d.numRows)
	all := make([]int32, d.numRows)
	for i := range all {
		all[i] = int32(i)
	}

	rng := rand.New(rand.NewPCG(uint64(p.Seed), 0x6c67626d))
	learner := newTreeLearner(d, p, sess)
	chunks := chunkRanges(d.numRows, sess.Workers())

	model := &Model{
		Params:      p,
		FeaturesCol: t.FeaturesCol,
		NumFeatures: vecs[0].Size,
		InitScore:   initScore,
		TrainRows:   d.numRows,
	}

	earlyStopping := p.EarlyStoppingRounds > 0 && len(validVecs) > 0
	bestLoss := math.Inf(1)
	bestIter := 0
	bagRows := all

	for iter := 0; iter < p.NumIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		iterStart := time.Now()

		err := sess.Run(ctx, len(chunks), func(_ context.Context, c int) error {
			for i := chunks[c][0]; i < chunks[c][1]; i++ {
				pr := sigmoid(scores[i])
				w := weights[i]
				grad[i] = (pr - labels[i]) * w
				hess[i] = math.Max(pr*(1-pr), 1e-16) * w
			}
			return nil
		})
		if err != nil {
			return nil, err
		}

		if p.bagging() && iter%p.BaggingFreq == 0 {
			bagRows = sampleRows(rng, d.numRows, p.BaggingFraction)
		}
		allowed := sampleFeatures(rng, d.numSlots(), p.FeatureFraction)

		tree, err := learner.grow(ctx, bagRows, grad, hess, allowed)
		if err != nil {
			return nil, err
		}
		if len(tree.SplitFeature) == 0 {
			log.Info().Int("iteration", iter).Msg("No further splits with positive gain, stopping")
			break
		}
		model.Trees = append(model.Trees, tree)

		err = sess.Run(ctx, len(chunks), func(_ context.Context, c int) error {
			for i := chunks[c][0]; i < chunks[c][1]; i++ {
				scores[i] += tree.Predict(vecs[i])
			}
			return nil
		})
		if err != nil {
			return nil, err
		}

		trainLoss := weightedLogLoss(scores, labels, weights)
		if t.Metrics != nil {
			t.Metrics.IterationsInc()
			t.Metrics.IterationLatencyObserve(time.Since(iterStart).Seconds())
			t.Metrics.TrainLossSet(trainLoss)
		}
		ev := log.Debug().
			Int("iteration", iter).
			Int("leaves", tree.NumLeaves()).
			Float64("train_loss", trainLoss)

		if validScores != nil {
			for i, v := range validVecs {
				validScores[i] += tree.Predict(v)
			}
			vl := weightedLogLoss(validScores, validLabels, nil)
			ev = ev.Float64("valid_loss", vl)
			if vl < bestLoss {
				bestLoss = vl
				bestIter = len(model.Trees)
			}
		}
		ev.Msg("Boosting iteration")

		if earlyStopping && len(model.Trees)-bestIter >= p.EarlyStoppingRounds {
			log.Info().
				Int("iteration", iter).
				Int("best_iteration", bestIter).
				Float64("best_valid_loss", bestLoss).
				Msg("Early stopping")
			break
		}
	}

	if earlyStopping && bestIter > 0 {
		model.Trees = model.Trees[:bestIter]
	}
	model.BestIteration = len(model.Trees)
	model.TrainedAt = time.Now().UTC()

	log.Info().
		Int("trees", len(model.Trees)).
		Float64("init_score", initScore).
		Dur("elapsed", time.Since(start)).
		Msg("Training complete")
	return model, nil
}

// classWeights applies the unbalanced-data rule: the minority class is
// up-weighted by the majority/minority ratio.
func classWeights(pos, neg int, unbalance bool) (wPos, wNeg float64) {
	if !unbalance {
		return 1, 1
	}
	if pos < neg {
		return float64(neg) / float64(pos), 1
	}
	return 1, float64(pos) / float64(neg)
}

// sampleFeatures picks round(fraction*n) slots, at least one. A nil result
// allows every slot.
func sampleFeatures(rng *rand.Rand, n int, fraction float64) []bool {
	if fraction >= 1 || n == 0 {
		return nil
	}
	k := max(int(math.Round(fraction*float64(n))), 1)
	allowed := make([]bool, n)
	for _, s := range rng.Perm(n)[:k] {
		allowed[s] = true
	}
	return allowed
}

func sampleRows(rng *rand.Rand, n int, fraction float64) []int32 {
	rows := make([]int32, 0, int(float64(n)*fraction)+1)
	for i := 0; i < n; i++ {
		if rng.Float64() < fraction {
			rows = append(rows, int32(i))
		}
	}
	if len(rows) == 0 {
		rows = append(rows, int32(rng.IntN(n)))
	}
	return rows
}

func chunkRanges(n, k int) [][2]int {
	k = max(min(k, n), 1)
	per := (n + k - 1) / k
	out := make([][2]int, 0, k)
	for lo := 0; lo < n; lo += per {
		out = append(out, [2]int{lo, min(lo+per, n)})
	}
	return out
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

// weightedLogLoss is the mean binary log-loss of raw scores. Nil weights
// count every row once.
func weightedLogLoss(scores, labels, weights []float64) float64 {
	const eps = 1e-15
	var sum, sw float64
	for i, s := range scores {
		pr := math.Min(math.Max(sigmoid(s), eps), 1-eps)
		w := 1.0
		if weights != nil {
			w = weights[i]
		}
		if labels[i] == 1 {
			sum -= w * math.Log(pr)
		} else {
			sum -= w * math.Log(1-pr)
		}
		sw += w
	}
	if sw == 0 {
		return 0
	}
	return sum / sw
}
