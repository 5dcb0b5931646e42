package ml

import (
	"context"
	"slices"

	"criteo-ctr/internal/frame"
)

// parallelHistogramRows is the leaf size below which histograms are built on
// the calling goroutine.
const parallelHistogramRows = 4096

// histogram holds gradient statistics per (slot, bin). Only the slots listed in
// touched are populated; every other slot is all zero.
type histogram struct {
	grad    []float64
	hess    []float64
	count   []int32
	touched []int32
	mark    []uint32
	stamp   uint32
}

func newHistogram(d *binnedData) *histogram {
	return &histogram{
		grad:  make([]float64, d.totalBin),
		hess:  make([]float64, d.totalBin),
		count: make([]int32, d.totalBin),
		mark:  make([]uint32, d.numSlots()),
		stamp: 1,
	}
}

func (h *histogram) reset(d *binnedData) {
	for _, s := range h.touched {
		lo, hi := d.offsets[s], d.offsets[s]+d.mappers[s].numBins()
		clear(h.grad[lo:hi])
		clear(h.hess[lo:hi])
		clear(h.count[lo:hi])
	}
	h.touched = h.touched[:0]
	h.stamp++
	if h.stamp == 0 {
		clear(h.mark)
		h.stamp = 1
	}
}

func (h *histogram) touch(s int32) {
	if h.mark[s] != h.stamp {
		h.mark[s] = h.stamp
		h.touched = append(h.touched, s)
	}
}

func (h *histogram) accumulate(d *binnedData, rows []int32, grad, hess []float64) {
	for _, r := range rows {
		g, hs := grad[r], hess[r]
		for k := d.rowStart[r]; k < d.rowStart[r+1]; k++ {
			s := d.entSlot[k]
			h.touch(s)
			i := d.offsets[s] + int(d.entBin[k])
			h.grad[i] += g
			h.hess[i] += hs
			h.count[i]++
		}
	}
}

func (h *histogram) merge(d *binnedData, other *histogram) {
	for _, s := range other.touched {
		h.touch(s)
		lo, hi := d.offsets[s], d.offsets[s]+d.mappers[s].numBins()
		for i := lo; i < hi; i++ {
			h.grad[i] += other.grad[i]
			h.hess[i] += other.hess[i]
			h.count[i] += other.count[i]
		}
	}
}

// fillZeroBins credits every touched slot's zero bin with the leaf's rows that
// do not carry the feature, then orders touched for deterministic scans.
func (h *histogram) fillZeroBins(d *binnedData, sumG, sumH float64, count int) {
	for _, s := range h.touched {
		lo, hi := d.offsets[s], d.offsets[s]+d.mappers[s].numBins()
		var g, hs float64
		var c int32
		for i := lo; i < hi; i++ {
			g += h.grad[i]
			hs += h.hess[i]
			c += h.count[i]
		}
		z := lo + d.mappers[s].zeroBin
		h.grad[z] += sumG - g
		h.hess[z] += sumH - hs
		h.count[z] += int32(count) - c
	}
	slices.Sort(h.touched)
}

// histBuilder builds leaf histograms, sharding large leaves across the
// session's workers. Shards are merged in order so results do not depend on
// scheduling.
type histBuilder struct {
	d      *binnedData
	sess   *frame.Session
	main   *histogram
	shards []*histogram
}

func newHistBuilder(d *binnedData, sess *frame.Session) *histBuilder {
	b := &histBuilder{d: d, sess: sess, main: newHistogram(d)}
	if w := sess.Workers(); w > 1 {
		b.shards = make([]*histogram, w)
		for i := range b.shards {
			b.shards[i] = newHistogram(d)
		}
	}
	return b
}

// build returns the histogram of rows. The result is reused by the next call.
func (b *histBuilder) build(ctx context.Context, rows []int32, grad, hess []float64, sumG, sumH float64) (*histogram, error) {
	b.main.reset(b.d)
	if len(b.shards) == 0 || len(rows) < parallelHistogramRows {
		b.main.accumulate(b.d, rows, grad, hess)
		b.main.fillZeroBins(b.d, sumG, sumH, len(rows))
		return b.main, nil
	}

	k := len(b.shards)
	per := (len(rows) + k - 1) / k
	err := b.sess.Run(ctx, k, func(_ context.Context, i int) error {
		sh := b.shards[i]
		sh.reset(b.d)
		lo := min(i*per, len(rows))
		hi := min(lo+per, len(rows))
		sh.accumulate(b.d, rows[lo:hi], grad, hess)
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, sh := range b.shards {
		b.main.merge(b.d, sh)
	}
	b.main.fillZeroBins(b.d, sumG, sumH, len(rows))
	return b.main, nil
}
