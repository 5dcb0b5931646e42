package dataset

import (
	"fmt"
	"math"
	"math/rand/v2"

	"criteo-ctr/internal/common"
	"criteo-ctr/internal/frame"
)

// Synthetic generates n Criteo-shaped rows whose click label depends on a few
// of the features, so a classifier can beat chance on it. The output is fully
// determined by seed.
//
// Clicks are driven by cat00 (the first three values click far more often),
// cat01 (even values click less), int00 (higher counts click more) and a
// little noise; every other column is filler.
func Synthetic(n int, seed uint64) []frame.Row {
	rng := rand.New(rand.NewPCG(seed, 0x5eed))
	rows := make([]frame.Row, n)

	for r := range rows {
		row := make(frame.Row, common.NumColumns)
		z := -1.2

		for i := 0; i < common.NumNumericColumns; i++ {
			if rng.Float64() < 0.1 {
				row[1+i] = frame.Null()
				continue
			}
			var v float64
			if i%2 == 0 {
				v = float64(rng.IntN(20))
			} else {
				v = math.Floor(rng.ExpFloat64() * 50)
			}
			row[1+i] = frame.Num(v)
			if i == 0 {
				z += 0.15 * (v - 10)
			}
		}

		for i := 0; i < common.NumCategorical; i++ {
			if rng.Float64() < 0.05 {
				row[1+common.NumNumericColumns+i] = frame.Null()
				continue
			}
			vocab := 10 + 10*i
			k := rng.IntN(vocab)
			row[1+common.NumNumericColumns+i] = frame.Str(categoryToken(i, k))
			switch i {
			case 0:
				if k < 3 {
					z += 2.0
				}
			case 1:
				if k%2 == 0 {
					z -= 1.0
				}
			}
		}

		z += rng.NormFloat64() * 0.3
		p := 1 / (1 + math.Exp(-z))
		if rng.Float64() < p {
			row[0] = frame.Num(1)
		} else {
			row[0] = frame.Num(0)
		}
		rows[r] = row
	}
	return rows
}

// categoryToken mimics Criteo's 8-hex-digit hashed categorical values.
func categoryToken(col, k int) string {
	return fmt.Sprintf("%08x", uint32(col*1_000_003+k*7919+0x68fb1d))
}
