package ml

import (
	"context"
	"math"

	"criteo-ctr/internal/frame"
)

// Tree is one regression tree of the ensemble. Internal nodes are indexed from
// zero with node 0 as the root; a negative child c refers to leaf ^c.
type Tree struct {
	SplitFeature []int32
	Threshold    []float64
	SplitGain    []float64
	LeftChild    []int32
	RightChild   []int32
	LeafValue    []float64
	LeafCount    []int
}

func (t *Tree) NumLeaves() int { return len(t.LeafValue) }

// Predict returns the leaf value v falls into. A feature absent from v is zero.
func (t *Tree) Predict(v *frame.SparseVector) float64 {
	if len(t.SplitFeature) == 0 {
		return t.LeafValue[0]
	}
	node := int32(0)
	for node >= 0 {
		if v.At(int(t.SplitFeature[node])) <= t.Threshold[node] {
			node = t.LeftChild[node]
		} else {
			node = t.RightChild[node]
		}
	}
	return t.LeafValue[^node]
}

type splitInfo struct {
	valid      bool
	slot       int32
	bin        int
	gain       float64
	leftG      float64
	leftH      float64
	leftCount  int
	rightG     float64
	rightH     float64
	rightCount int
}

// findBestSplit scans every allowed, touched slot for the threshold with the
// largest positive gain. Ties keep the lowest slot and bin.
func findBestSplit(d *binnedData, h *histogram, allowed []bool, sumG, sumH float64, count int, p Params) splitInfo {
	var best splitInfo
	lambda := p.LambdaL2
	parent := sumG * sumG / (sumH + lambda)

	for _, s := range h.touched {
		if allowed != nil && !allowed[s] {
			continue
		}
		off, nb := d.offsets[s], d.mappers[s].numBins()
		var lg, lh float64
		var lc int
		for b := 0; b < nb-1; b++ {
			lg += h.grad[off+b]
			lh += h.hess[off+b]
			lc += int(h.count[off+b])
			rc := count - lc
			if lc < p.MinDataInLeaf {
				continue
			}
			if rc < p.MinDataInLeaf {
				break
			}
			rg, rh := sumG-lg, sumH-lh
			if lh < p.MinSumHessianInLeaf || rh < p.MinSumHessianInLeaf {
				continue
			}
			if lh+lambda <= 0 || rh+lambda <= 0 {
				continue
			}
			gain := lg*lg/(lh+lambda) + rg*rg/(rh+lambda) - parent
			if gain > best.gain && !math.IsInf(gain, 0) && !math.IsNaN(gain) {
				best = splitInfo{
					valid: true, slot: s, bin: b, gain: gain,
					leftG: lg, leftH: lh, leftCount: lc,
					rightG: rg, rightH: rh, rightCount: rc,
				}
			}
		}
	}
	return best
}

func leafOutput(sumG, sumH float64, p Params) float64 {
	den := sumH + p.LambdaL2
	if den <= 0 {
		return 0
	}
	return -sumG / den * p.LearningRate
}

type leafState struct {
	rows   []int32
	sumG   float64
	sumH   float64
	depth  int
	parent int32 // internal node pointing at this leaf, -1 for the root leaf
	isLeft bool
	best   splitInfo
}

// treeLearner grows one leaf-wise tree per call.
type treeLearner struct {
	d      *binnedData
	p      Params
	hist   *histBuilder
	leaves []*leafState
}

func newTreeLearner(d *binnedData, p Params, sess *frame.Session) *treeLearner {
	return &treeLearner{d: d, p: p, hist: newHistBuilder(d, sess)}
}

func (l *treeLearner) evaluate(ctx context.Context, leaf *leafState, grad, hess []float64, allowed []bool) error {
	if l.p.MaxDepth > 0 && leaf.depth >= l.p.MaxDepth {
		leaf.best = splitInfo{}
		return nil
	}
	if len(leaf.rows) < 2*l.p.MinDataInLeaf {
		leaf.best = splitInfo{}
		return nil
	}
	h, err := l.hist.build(ctx, leaf.rows, grad, hess, leaf.sumG, leaf.sumH)
	if err != nil {
		return err
	}
	leaf.best = findBestSplit(l.d, h, allowed, leaf.sumG, leaf.sumH, len(leaf.rows), l.p)
	return nil
}

// grow fits a tree to the gradients of rows, splitting the leaf with the
// largest gain until NumLeaves is reached or no leaf can be split.
func (l *treeLearner) grow(ctx context.Context, rows []int32, grad, hess []float64, allowed []bool) (*Tree, error) {
	var sumG, sumH float64
	for _, r := range rows {
		sumG += grad[r]
		sumH += hess[r]
	}
	root := &leafState{rows: rows, sumG: sumG, sumH: sumH, parent: -1}
	if err := l.evaluate(ctx, root, grad, hess, allowed); err != nil {
		return nil, err
	}
	l.leaves = append(l.leaves[:0], root)
	t := &Tree{}

	for len(l.leaves) < l.p.NumLeaves {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		bestLeaf := -1
		for i, lf := range l.leaves {
			if lf.best.valid && (bestLeaf < 0 || lf.best.gain > l.leaves[bestLeaf].best.gain) {
				bestLeaf = i
			}
		}
		if bestLeaf < 0 {
			break
		}
		if err := l.split(ctx, t, bestLeaf, grad, hess, allowed); err != nil {
			return nil, err
		}
	}

	t.LeafValue = make([]float64, len(l.leaves))
	t.LeafCount = make([]int, len(l.leaves))
	for i, lf := range l.leaves {
		t.LeafValue[i] = leafOutput(lf.sumG, lf.sumH, l.p)
		t.LeafCount[i] = len(lf.rows)
	}
	return t, nil
}

func (l *treeLearner) split(ctx context.Context, t *Tree, leafIdx int, grad, hess []float64, allowed []bool) error {
	leaf := l.leaves[leafIdx]
	sp := leaf.best
	mapper := &l.d.mappers[sp.slot]

	left := make([]int32, 0, sp.leftCount)
	right := make([]int32, 0, sp.rightCount)
	for _, r := range leaf.rows {
		if l.d.rowBin(int(r), sp.slot) <= sp.bin {
			left = append(left, r)
		} else {
			right = append(right, r)
		}
	}

	node := int32(len(t.SplitFeature))
	newLeaf := int32(len(l.leaves))
	t.SplitFeature = append(t.SplitFeature, l.d.features[sp.slot])
	t.Threshold = append(t.Threshold, mapper.upper[sp.bin])
	t.SplitGain = append(t.SplitGain, sp.gain)
	t.LeftChild = append(t.LeftChild, ^int32(leafIdx))
	t.RightChild = append(t.RightChild, ^newLeaf)
	if leaf.parent >= 0 {
		if leaf.isLeft {
			t.LeftChild[leaf.parent] = node
		} else {
			t.RightChild[leaf.parent] = node
		}
	}

	lf := &leafState{rows: left, sumG: sp.leftG, sumH: sp.leftH, depth: leaf.depth + 1, parent: node, isLeft: true}
	rt := &leafState{rows: right, sumG: sp.rightG, sumH: sp.rightH, depth: leaf.depth + 1, parent: node}
	l.leaves[leafIdx] = lf
	l.leaves = append(l.leaves, rt)

	if err := l.evaluate(ctx, lf, grad, hess, allowed); err != nil {
		return err
	}
	return l.evaluate(ctx, rt, grad, hess, allowed)
}
