// Package dataset loads the Criteo display-advertising click logs into frames.
//
// Each row carries a binary click label, 13 integer-valued features and 26
// hashed categorical features, any of which may be empty. Two size variants are
// recognised: the 100,000-row sample and the full seven-day corpus. Archives are
// downloaded on first use and cached on disk.
package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"criteo-ctr/internal/common"
	"criteo-ctr/internal/frame"
)

// Size selects which variant of the corpus to load.
type Size string

const (
	SizeSample Size = "sample"
	SizeFull   Size = "full"
)

// ErrUnknownSize is returned for a size selector other than sample or full.
var ErrUnknownSize = errors.New("unknown dataset size")

// ErrMalformedRow is returned when a line cannot be parsed as a Criteo record.
var ErrMalformedRow = errors.New("malformed criteo row")

// ParseSize validates a size selector.
func ParseSize(s string) (Size, error) {
	switch Size(strings.ToLower(strings.TrimSpace(s))) {
	case SizeSample:
		return SizeSample, nil
	case SizeFull:
		return SizeFull, nil
	default:
		return "", fmt.Errorf("%w: %q (want sample or full)", ErrUnknownSize, s)
	}
}

// Schema returns the 40-column Criteo schema: label, int00..int12, cat00..cat25.
func Schema() frame.Schema {
	cols := make([]frame.Column, 0, common.NumColumns)
	cols = append(cols, frame.Column{Name: common.LabelColumn, Type: frame.TypeNumeric})
	for i := 0; i < common.NumNumericColumns; i++ {
		cols = append(cols, frame.Column{Name: common.NumericColumn(i), Type: frame.TypeNumeric})
	}
	for i := 0; i < common.NumCategorical; i++ {
		cols = append(cols, frame.Column{Name: common.CategoricalColumn(i), Type: frame.TypeString})
	}
	return frame.Schema{Columns: cols}
}

func newTSVReader(r io.Reader) *csv.Reader {
	cr := csv.NewReader(r)
	cr.Comma = '\t'
	cr.FieldsPerRecord = common.NumColumns
	cr.LazyQuotes = true
	cr.ReuseRecord = true
	return cr
}

// parseRecord converts one split TSV line into a row. line is 1-based and only
// used in error messages.
func parseRecord(fields []string, line int) (frame.Row, error) {
	row := make(frame.Row, common.NumColumns)

	switch fields[0] {
	case "0":
		row[0] = frame.Num(0)
	case "1":
		row[0] = frame.Num(1)
	default:
		return nil, fmt.Errorf("%w: line %d: label must be 0 or 1, got %q", ErrMalformedRow, line, fields[0])
	}

	for i := 1; i <= common.NumNumericColumns; i++ {
		if fields[i] == "" {
			row[i] = frame.Null()
			continue
		}
		v, err := strconv.ParseFloat(fields[i], 64)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: column %s: %v", ErrMalformedRow, line, common.NumericColumn(i-1), err)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: line %d: column %s: non-finite value %q", ErrMalformedRow, line, common.NumericColumn(i-1), fields[i])
		}
		row[i] = frame.Num(v)
	}

	for i := 1 + common.NumNumericColumns; i < common.NumColumns; i++ {
		if fields[i] == "" {
			row[i] = frame.Null()
			continue
		}
		row[i] = frame.Str(strings.Clone(fields[i]))
	}
	return row, nil
}

// WriteTSV writes rows in the Criteo layout (tab separated, empty for missing).
func WriteTSV(w io.Writer, rows []frame.Row) error {
	cw := csv.NewWriter(w)
	cw.Comma = '\t'
	record := make([]string, common.NumColumns)
	for n, row := range rows {
		if len(row) < common.NumColumns {
			return fmt.Errorf("row %d has %d values, want %d", n, len(row), common.NumColumns)
		}
		for i := 0; i < common.NumColumns; i++ {
			record[i] = row[i].Format()
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write row %d: %w", n, err)
		}
	}
	cw.Flush()
	return cw.Error()
}
