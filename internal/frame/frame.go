package frame

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrSessionClosed is returned by any operation issued after Session.Close.
	ErrSessionClosed = errors.New("execution session is closed")
	// ErrColumnNotFound is returned when a named column is not in the schema.
	ErrColumnNotFound = errors.New("column not found")
)

// Session is the long-lived execution context shared by every stage of a run.
type Session struct {
	workers int
	closed  atomic.Bool
}

// NewSession creates a session running at most workers partitions at once.
// workers <= 0 uses one worker per CPU.
func NewSession(workers int) *Session {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	log.Debug().Int("workers", workers).Msg("Execution session started")
	return &Session{workers: workers}
}

func (s *Session) Workers() int { return s.workers }

// Err reports whether the session can still accept work.
func (s *Session) Err() error {
	if s == nil || s.closed.Load() {
		return ErrSessionClosed
	}
	return nil
}

// Close tears the session down. Closing twice is a no-op.
func (s *Session) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		log.Debug().Msg("Execution session closed")
	}
	return nil
}

// Run executes fn(i) for i in [0, n) on the session's worker pool and waits
// for all of them. The first error cancels the context passed to the others.
func (s *Session) Run(ctx context.Context, n int, fn func(ctx context.Context, i int) error) error {
	if err := s.Err(); err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return fn(gctx, i)
		})
	}
	return g.Wait()
}

// Frame is an immutable, partitioned collection of rows sharing a schema.
type Frame struct {
	sess   *Session
	schema Schema
	parts  [][]Row
}

// FromRows splits rows into numPartitions contiguous partitions,
// preserving order.
func FromRows(sess *Session, schema Schema, rows []Row, numPartitions int) (*Frame, error) {
	if numPartitions <= 0 {
		numPartitions = sess.Workers()
	}
	if numPartitions > len(rows) && len(rows) > 0 {
		numPartitions = len(rows)
	}
	parts := make([][]Row, 0, numPartitions)
	if len(rows) == 0 {
		parts = append(parts, nil)
	} else {
		per := (len(rows) + numPartitions - 1) / numPartitions
		for start := 0; start < len(rows); start += per {
			end := min(start+per, len(rows))
			parts = append(parts, rows[start:end:end])
		}
	}
	return FromPartitions(sess, schema, parts)
}

// FromPartitions wraps already partitioned rows. Every row must match the
// schema width.
func FromPartitions(sess *Session, schema Schema, parts [][]Row) (*Frame, error) {
	if err := sess.Err(); err != nil {
		return nil, err
	}
	for p, rows := range parts {
		for r, row := range rows {
			if len(row) != schema.Len() {
				return nil, fmt.Errorf("partition %d row %d has %d values, schema has %d columns", p, r, len(row), schema.Len())
			}
		}
	}
	return &Frame{sess: sess, schema: schema, parts: parts}, nil
}

func (f *Frame) Session() *Session { return f.sess }
func (f *Frame) Schema() Schema { return f.schema }
func (f *Frame) NumPartitions() int { return len(f.parts) }

// Partition returns the rows of partition i. Callers must not modify them.
func (f *Frame) Partition(i int) []Row { return f.parts[i] }

func (f *Frame) Count() int {
	n := 0
	for _, p := range f.parts {
		n += len(p)
	}
	return n
}

// Collect returns all rows in partition order.
func (f *Frame) Collect() []Row {
	out := make([]Row, 0, f.Count())
	for _, p := range f.parts {
		out = append(out, p...)
	}
	return out
}

// Column gathers every value of one column in partition order.
func (f *Frame) Column(name string) ([]Value, error) {
	_, idx, err := f.schema.Lookup(name)
	if err != nil {
		return nil, err
	}
	out := make([]Value, 0, f.Count())
	for _, p := range f.parts {
		for _, row := range p {
			out = append(out, row[idx])
		}
	}
	return out, nil
}

// ForEachPartition runs fn on every partition in parallel.
func (f *Frame) ForEachPartition(ctx context.Context, fn func(ctx context.Context, i int, rows []Row) error) error {
	return f.sess.Run(ctx, len(f.parts), func(ctx context.Context, i int) error {
		return fn(ctx, i, f.parts[i])
	})
}

// WithColumns returns a new frame whose rows carry the values fn derives for
// cols appended after the existing columns.
func (f *Frame) WithColumns(ctx context.Context, cols []Column, fn func(Row) ([]Value, error)) (*Frame, error) {
	schema, err := NewSchema(append(append([]Column(nil), f.schema.Columns...), cols...)...)
	if err != nil {
		return nil, err
	}
	width := schema.Len()
	parts := make([][]Row, len(f.parts))
	err = f.ForEachPartition(ctx, func(_ context.Context, i int, rows []Row) error {
		out := make([]Row, len(rows))
		for r, row := range rows {
			extra, err := fn(row)
			if err != nil {
				return err
			}
			if len(extra) != len(cols) {
				return fmt.Errorf("derived %d values for %d columns", len(extra), len(cols))
			}
			nr := make(Row, 0, width)
			nr = append(nr, row...)
			out[r] = append(nr, extra...)
		}
		parts[i] = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Frame{sess: f.sess, schema: schema, parts: parts}, nil
}
