package frame

import (
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"
)

// SparseVector is a fixed-size vector storing only its non-zero entries.
// Indices are strictly increasing and lie in [0, Size).
type SparseVector struct {
	Size    int
	Indices []int32
	Values  []float64
}

// NewSparseVector validates indices and values without copying them.
func NewSparseVector(size int, indices []int32, values []float64) (*SparseVector, error) {
	if len(indices) != len(values) {
		return nil, fmt.Errorf("indices and values length mismatch: %d != %d", len(indices), len(values))
	}
	prev := int32(-1)
	for _, idx := range indices {
		if idx <= prev {
			return nil, fmt.Errorf("indices must be strictly increasing, got %d after %d", idx, prev)
		}
		if int(idx) >= size {
			return nil, fmt.Errorf("index %d out of range for size %d", idx, size)
		}
		prev = idx
	}
	return &SparseVector{Size: size, Indices: indices, Values: values}, nil
}

// SumDuplicates builds a vector from unordered (index, value) pairs. Entries
// sharing an index are added together and entries that end up zero are dropped.
func SumDuplicates(size int, indices []int32, values []float64) *SparseVector {
	type entry struct {
		idx int32
		val float64
	}
	entries := make([]entry, len(indices))
	for i := range indices {
		entries[i] = entry{indices[i], values[i]}
	}
	slices.SortStableFunc(entries, func(a, b entry) int { return int(a.idx) - int(b.idx) })

	v := &SparseVector{
		Size:    size,
		Indices: make([]int32, 0, len(entries)),
		Values:  make([]float64, 0, len(entries)),
	}
	for i := 0; i < len(entries); {
		j, sum := i, 0.0
		for ; j < len(entries) && entries[j].idx == entries[i].idx; j++ {
			sum += entries[j].val
		}
		if sum != 0 {
			v.Indices = append(v.Indices, entries[i].idx)
			v.Values = append(v.Values, sum)
		}
		i = j
	}
	return v
}

// At returns the value stored at index i, zero when absent.
func (v *SparseVector) At(i int) float64 {
	k := sort.Search(len(v.Indices), func(j int) bool { return int(v.Indices[j]) >= i })
	if k < len(v.Indices) && int(v.Indices[k]) == i {
		return v.Values[k]
	}
	return 0
}

func (v *SparseVector) NNZ() int { return len(v.Indices) }

func (v *SparseVector) Dense() []float64 {
	out := make([]float64, v.Size)
	for k, idx := range v.Indices {
		out[idx] = v.Values[k]
	}
	return out
}

// String renders (size,[indices],[values]).
func (v *SparseVector) String() string {
	if v == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString("(")
	b.WriteString(strconv.Itoa(v.Size))
	b.WriteString(",[")
	for k, idx := range v.Indices {
		if k > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(int(idx)))
	}
	b.WriteString("],[")
	for k, val := range v.Values {
		if k > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(val, 'g', -1, 64))
	}
	b.WriteString("])")
	return b.String()
}
