package frame

import (
	"context"
	"fmt"
	"math/rand/v2"
)

// RandomSplit assigns every row to train or test with probability ratio and
// 1-ratio. Each partition draws from its own generator seeded by (seed,
// partition index), so the split is reproducible for the same input
// partitioning and row order.
func RandomSplit(ctx context.Context, f *Frame, ratio float64, seed int64) (train, test *Frame, err error) {
	if !(ratio > 0 && ratio < 1) {
		return nil, nil, fmt.Errorf("split ratio must be in (0,1), got %v", ratio)
	}
	trainParts := make([][]Row, f.NumPartitions())
	testParts := make([][]Row, f.NumPartitions())

	err = f.ForEachPartition(ctx, func(_ context.Context, i int, rows []Row) error {
		rng := rand.New(rand.NewPCG(uint64(seed), uint64(i)))
		tr := make([]Row, 0, int(float64(len(rows))*ratio)+1)
		te := make([]Row, 0, int(float64(len(rows))*(1-ratio))+1)
		for _, row := range rows {
			if rng.Float64() < ratio {
				tr = append(tr, row)
			} else {
				te = append(te, row)
			}
		}
		trainParts[i], testParts[i] = tr, te
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return &Frame{sess: f.sess, schema: f.schema, parts: trainParts},
		&Frame{sess: f.sess, schema: f.schema, parts: testParts}, nil
}
