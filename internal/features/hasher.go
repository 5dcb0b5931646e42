// Package features turns raw Criteo columns into fixed-width sparse vectors.
//
// The Hasher is stateless: it never looks at more than one row at a time, so
// it can be applied to training and test data independently without leaking
// information between them.
package features

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"criteo-ctr/internal/frame"

	"github.com/cespare/xxhash/v2"
)

// ErrInvalidInput is returned when the hasher cannot consume an input column.
var ErrInvalidInput = errors.New("invalid hasher input")

// Hasher maps named numeric and string columns into a 2^NumBits dimensional
// sparse vector.
//
// A numeric column contributes its value at hash(name). A string column
// contributes 1.0 at hash(name + "=" + value). Nulls and numeric zeros
// contribute nothing, and colliding contributions are summed.
type Hasher struct {
	InputCols []string `json:"input_cols"`
	OutputCol string   `json:"output_col"`
	NumBits   int      `json:"num_bits"`
}

// NewHasher returns a hasher over cols writing to outputCol.
func NewHasher(cols []string, outputCol string, numBits int) *Hasher {
	return &Hasher{
		InputCols: append([]string(nil), cols...),
		OutputCol: outputCol,
		NumBits:   numBits,
	}
}

// Validate checks the hasher configuration.
func (h *Hasher) Validate() error {
	if len(h.InputCols) == 0 {
		return fmt.Errorf("%w: no input columns", ErrInvalidInput)
	}
	if h.OutputCol == "" {
		return fmt.Errorf("%w: empty output column", ErrInvalidInput)
	}
	if h.NumBits < 1 || h.NumBits > 30 {
		return fmt.Errorf("%w: num bits must be in [1,30], got %d", ErrInvalidInput, h.NumBits)
	}
	return nil
}

// Dim is the width of the produced vectors.
func (h *Hasher) Dim() int { return 1 << h.NumBits }

func (h *Hasher) mask() uint64 { return uint64(h.Dim() - 1) }

// NumericIndex is the slot a numeric column writes its value to.
func (h *Hasher) NumericIndex(col string) int32 {
	return int32(xxhash.Sum64String(col) & h.mask())
}

// CategoricalIndex is the slot the pair (col, value) sets to one.
func (h *Hasher) CategoricalIndex(col, value string) int32 {
	d := xxhash.New()
	d.WriteString(col)
	d.WriteString("=")
	d.WriteString(value)
	return int32(d.Sum64() & h.mask())
}

// Transform appends the OutputCol vector column to f.
func (h *Hasher) Transform(ctx context.Context, f *frame.Frame) (*frame.Frame, error) {
	if err := h.Validate(); err != nil {
		return nil, err
	}
	schema := f.Schema()
	positions := make([]int, len(h.InputCols))
	numeric := make([]bool, len(h.InputCols))
	slots := make([]int32, len(h.InputCols))

	for i, name := range h.InputCols {
		col, idx, err := schema.Lookup(name)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
		}
		if col.Type == frame.TypeVector {
			return nil, fmt.Errorf("%w: column %q is a vector", ErrInvalidInput, name)
		}
		positions[i] = idx
		numeric[i] = col.Type == frame.TypeNumeric
		if numeric[i] {
			slots[i] = h.NumericIndex(name)
		}
	}
	if schema.Index(h.OutputCol) >= 0 {
		return nil, fmt.Errorf("%w: output column %q already exists", ErrInvalidInput, h.OutputCol)
	}

	dim := h.Dim()
	out := []frame.Column{{Name: h.OutputCol, Type: frame.TypeVector}}
	return f.WithColumns(ctx, out, func(row frame.Row) ([]frame.Value, error) {
		idx := make([]int32, 0, len(positions))
		vals := make([]float64, 0, len(positions))
		for i, pos := range positions {
			v := row[pos]
			switch v.Kind() {
			case frame.KindNull:
				continue
			case frame.KindNumeric:
				x, _ := v.Float()
				if x == 0 {
					continue
				}
				slot := slots[i]
				if !numeric[i] {
					slot = h.NumericIndex(h.InputCols[i])
				}
				idx = append(idx, slot)
				vals = append(vals, x)
			case frame.KindString:
				s, _ := v.Text()
				idx = append(idx, h.CategoricalIndex(h.InputCols[i], s))
				vals = append(vals, 1)
			default:
				return nil, fmt.Errorf("%w: column %q holds a vector", ErrInvalidInput, h.InputCols[i])
			}
		}
		return []frame.Value{frame.Vec(frame.SumDuplicates(dim, idx, vals))}, nil
	})
}

// MarshalConfig serializes the hasher for persistence.
func (h *Hasher) MarshalConfig() ([]byte, error) {
	return json.MarshalIndent(h, "", "  ")
}

// UnmarshalHasher restores a hasher written by MarshalConfig.
func UnmarshalHasher(data []byte) (*Hasher, error) {
	var h Hasher
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("decode hasher config: %w", err)
	}
	if err := h.Validate(); err != nil {
		return nil, err
	}
	return &h, nil
}
