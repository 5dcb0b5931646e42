package ml

import (
	"errors"
	"fmt"
	"slices"
	"sort"

	"criteo-ctr/internal/frame"
)

// ErrInvalidTrainingData is returned when the training frame cannot be used.
var ErrInvalidTrainingData = errors.New("invalid training data")

// binnedData is the training set in the layout the tree learner works on:
// each row is a short, slot-ordered list of (slot, bin) entries for its
// non-zero features. A slot is the dense id of a feature index seen in training.
type binnedData struct {
	numRows  int
	labels   []float64
	vectors  []*frame.SparseVector
	features []int32 // slot -> feature index in the input vector
	mappers  []binMapper
	offsets  []int // slot -> first bin in a flat histogram
	totalBin int

	rowStart []int
	entSlot  []int32
	entBin   []uint16
}

// extractLabeled pulls the feature vectors and binary labels out of f.
func extractLabeled(f *frame.Frame, featuresCol, labelCol string) ([]*frame.SparseVector, []float64, error) {
	fc, fi, err := f.Schema().Lookup(featuresCol)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrInvalidTrainingData, err)
	}
	if fc.Type != frame.TypeVector {
		return nil, nil, fmt.Errorf("%w: features column %q is %s, want vector", ErrInvalidTrainingData, featuresCol, fc.Type)
	}
	_, li, err := f.Schema().Lookup(labelCol)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrInvalidTrainingData, err)
	}

	n := f.Count()
	vecs := make([]*frame.SparseVector, 0, n)
	labels := make([]float64, 0, n)
	size := -1
	for p := 0; p < f.NumPartitions(); p++ {
		for _, row := range f.Partition(p) {
			v := row[fi].Vector()
			if row[fi].Kind() != frame.KindVector || v == nil {
				return nil, nil, fmt.Errorf("%w: row %d has no feature vector", ErrInvalidTrainingData, len(vecs))
			}
			if size >= 0 && v.Size != size {
				return nil, nil, fmt.Errorf("%w: vector size %d differs from %d", ErrInvalidTrainingData, v.Size, size)
			}
			size = v.Size
			y, ok := row[li].Float()
			if !ok || (y != 0 && y != 1) {
				return nil, nil, fmt.Errorf("%w: label must be 0 or 1, got %q at row %d", ErrInvalidTrainingData, row[li].Format(), len(vecs))
			}
			vecs = append(vecs, v)
			labels = append(labels, y)
		}
	}
	if len(vecs) == 0 {
		return nil, nil, fmt.Errorf("%w: no rows", ErrInvalidTrainingData)
	}
	return vecs, labels, nil
}

func newBinnedData(vecs []*frame.SparseVector, labels []float64, maxBin int) *binnedData {
	n := len(vecs)
	observed := make(map[int32][]float64)
	for _, v := range vecs {
		for k, idx := range v.Indices {
			observed[idx] = append(observed[idx], v.Values[k])
		}
	}

	d := &binnedData{
		numRows:  n,
		labels:   labels,
		vectors:  vecs,
		features: make([]int32, 0, len(observed)),
	}
	for idx := range observed {
		d.features = append(d.features, idx)
	}
	slices.Sort(d.features)

	d.mappers = make([]binMapper, len(d.features))
	d.offsets = make([]int, len(d.features))
	for s, idx := range d.features {
		d.mappers[s] = newBinMapper(observed[idx], n, maxBin)
		d.offsets[s] = d.totalBin
		d.totalBin += d.mappers[s].numBins()
	}

	nnz := 0
	for _, v := range vecs {
		nnz += v.NNZ()
	}
	d.rowStart = make([]int, n+1)
	d.entSlot = make([]int32, 0, nnz)
	d.entBin = make([]uint16, 0, nnz)
	for r, v := range vecs {
		d.rowStart[r] = len(d.entSlot)
		for k, idx := range v.Indices {
			s := d.slotOf(idx)
			d.entSlot = append(d.entSlot, int32(s))
			d.entBin = append(d.entBin, uint16(d.mappers[s].bin(v.Values[k])))
		}
	}
	d.rowStart[n] = len(d.entSlot)
	return d
}

func (d *binnedData) slotOf(featureIdx int32) int {
	return sort.Search(len(d.features), func(i int) bool { return d.features[i] >= featureIdx })
}

func (d *binnedData) numSlots() int { return len(d.features) }

// rowBin returns the bin of slot s in row r, the zero bin when the row does not
// carry the feature.
func (d *binnedData) rowBin(r int, s int32) int {
	lo, hi := d.rowStart[r], d.rowStart[r+1]
	k := lo + sort.Search(hi-lo, func(i int) bool { return d.entSlot[lo+i] >= s })
	if k < hi && d.entSlot[k] == s {
		return int(d.entBin[k])
	}
	return d.mappers[s].zeroBin
}
