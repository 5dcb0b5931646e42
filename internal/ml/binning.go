package ml

import (
	"math"
	"slices"
	"sort"
)

// binMapper discretises one feature. A value v falls in the first bin i with
// v <= upper[i]; the last bound is +Inf.
type binMapper struct {
	upper   []float64
	zeroBin int
}

func (m *binMapper) numBins() int { return len(m.upper) }

func (m *binMapper) bin(v float64) int {
	return sort.SearchFloat64s(m.upper, v)
}

// newBinMapper builds at most maxBin bins over a feature whose non-zero
// observations are nonzero and whose remaining numRows-len(nonzero) rows are
// zero. nonzero is sorted in place.
func newBinMapper(nonzero []float64, numRows, maxBin int) binMapper {
	slices.Sort(nonzero)

	// distinct values with their counts, zero included
	var values []float64
	var counts []int
	zeros := numRows - len(nonzero)
	zeroAdded := zeros <= 0
	push := func(v float64, c int) {
		if n := len(values); n > 0 && values[n-1] == v {
			counts[n-1] += c
			return
		}
		values = append(values, v)
		counts = append(counts, c)
	}
	for _, v := range nonzero {
		if !zeroAdded && v > 0 {
			push(0, zeros)
			zeroAdded = true
		}
		push(v, 1)
	}
	if !zeroAdded {
		push(0, zeros)
	}

	var upper []float64
	if len(values) <= maxBin {
		for i := 0; i+1 < len(values); i++ {
			upper = append(upper, midpoint(values[i], values[i+1]))
		}
	} else {
		total := 0
		for _, c := range counts {
			total += c
		}
		target := float64(total) / float64(maxBin)
		acc := 0
		for i := 0; i+1 < len(values) && len(upper) < maxBin-1; i++ {
			acc += counts[i]
			if float64(acc) >= target {
				upper = append(upper, midpoint(values[i], values[i+1]))
				acc = 0
			}
		}
	}
	upper = append(upper, math.Inf(1))

	m := binMapper{upper: upper}
	m.zeroBin = m.bin(0)
	return m
}

func midpoint(a, b float64) float64 {
	mid := a + (b-a)/2
	if mid <= a || mid >= b {
		return a
	}
	return mid
}
