package frame

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func idFrame(t *testing.T, sess *Session, n, parts int) *Frame {
	t.Helper()
	schema, err := NewSchema(Column{Name: "id", Type: TypeNumeric})
	require.NoError(t, err)
	rows := make([]Row, n)
	for i := range rows {
		rows[i] = Row{Num(float64(i))}
	}
	f, err := FromRows(sess, schema, rows, parts)
	require.NoError(t, err)
	return f
}

func ids(t *testing.T, f *Frame) []float64 {
	t.Helper()
	vals, err := f.Column("id")
	require.NoError(t, err)
	out := make([]float64, len(vals))
	for i, v := range vals {
		x, ok := v.Float()
		require.True(t, ok)
		out[i] = x
	}
	return out
}

func TestFromRows_PreservesOrderAcrossPartitions(t *testing.T) {
	sess := NewSession(4)
	defer sess.Close()

	f := idFrame(t, sess, 10, 3)
	assert.Equal(t, 3, f.NumPartitions())
	assert.Equal(t, 10, f.Count())
	assert.Equal(t, []float64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, ids(t, f))
}

func TestFromRows_RejectsWrongWidth(t *testing.T) {
	sess := NewSession(1)
	schema, err := NewSchema(Column{Name: "a"}, Column{Name: "b"})
	require.NoError(t, err)

	_, err = FromRows(sess, schema, []Row{{Num(1)}}, 1)
	assert.Error(t, err)
}

func TestNewSchema_Duplicate(t *testing.T) {
	_, err := NewSchema(Column{Name: "a"}, Column{Name: "a"})
	assert.Error(t, err)
}

func TestRandomSplit_Deterministic(t *testing.T) {
	sess := NewSession(4)
	defer sess.Close()
	f := idFrame(t, sess, 5000, 7)

	tr1, te1, err := RandomSplit(context.Background(), f, 0.8, 42)
	require.NoError(t, err)
	tr2, te2, err := RandomSplit(context.Background(), f, 0.8, 42)
	require.NoError(t, err)

	assert.Equal(t, ids(t, tr1), ids(t, tr2))
	assert.Equal(t, ids(t, te1), ids(t, te2))

	tr3, _, err := RandomSplit(context.Background(), f, 0.8, 7)
	require.NoError(t, err)
	assert.NotEqual(t, ids(t, tr1), ids(t, tr3))
}

func TestRandomSplit_DisjointAndComplete(t *testing.T) {
	sess := NewSession(3)
	defer sess.Close()
	f := idFrame(t, sess, 10000, 5)

	train, test, err := RandomSplit(context.Background(), f, 0.8, 42)
	require.NoError(t, err)
	assert.Equal(t, f.Count(), train.Count()+test.Count())

	seen := make(map[float64]int)
	for _, id := range ids(t, train) {
		seen[id]++
	}
	for _, id := range ids(t, test) {
		seen[id]++
	}
	assert.Len(t, seen, f.Count())
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("row %v assigned %d times", id, n)
		}
	}

	frac := float64(train.Count()) / float64(f.Count())
	assert.InDelta(t, 0.8, frac, 0.03)
}

func TestRandomSplit_InvalidRatio(t *testing.T) {
	sess := NewSession(1)
	f := idFrame(t, sess, 10, 1)
	for _, r := range []float64{0, 1, -0.1, 1.5} {
		_, _, err := RandomSplit(context.Background(), f, r, 1)
		assert.Error(t, err, "ratio %v", r)
	}
}

func TestSession_ClosedRejectsWork(t *testing.T) {
	sess := NewSession(2)
	f := idFrame(t, sess, 10, 2)
	require.NoError(t, sess.Close())
	require.NoError(t, sess.Close())

	_, _, err := RandomSplit(context.Background(), f, 0.5, 1)
	assert.True(t, errors.Is(err, ErrSessionClosed))
}

func TestWithColumns(t *testing.T) {
	sess := NewSession(2)
	defer sess.Close()
	f := idFrame(t, sess, 20, 4)

	out, err := f.WithColumns(context.Background(), []Column{{Name: "double", Type: TypeNumeric}}, func(r Row) ([]Value, error) {
		x, _ := r[0].Float()
		return []Value{Num(2 * x)}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "double"}, out.Schema().Names())
	assert.Equal(t, 1, f.Schema().Len(), "source frame must be unchanged")

	vals, err := out.Column("double")
	require.NoError(t, err)
	for i, v := range vals {
		x, _ := v.Float()
		assert.Equal(t, float64(2*i), x)
	}
}

func TestWithColumns_PropagatesError(t *testing.T) {
	sess := NewSession(2)
	defer sess.Close()
	f := idFrame(t, sess, 20, 4)

	boom := errors.New("boom")
	_, err := f.WithColumns(context.Background(), []Column{{Name: "x"}}, func(Row) ([]Value, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestColumn_Missing(t *testing.T) {
	sess := NewSession(1)
	f := idFrame(t, sess, 1, 1)
	_, err := f.Column("nope")
	assert.ErrorIs(t, err, ErrColumnNotFound)
}

func TestSumDuplicates(t *testing.T) {
	v := SumDuplicates(16, []int32{5, 2, 5, 9, 9}, []float64{1, 3, 2, 4, -4})
	assert.Equal(t, []int32{2, 5}, v.Indices)
	assert.Equal(t, []float64{3, 3}, v.Values)
	assert.Equal(t, 3.0, v.At(5))
	assert.Equal(t, 0.0, v.At(9))
	assert.Equal(t, 0.0, v.At(15))
	assert.Len(t, v.Dense(), 16)
	assert.Equal(t, "(16,[2,5],[3,3])", v.String())
}

func TestNewSparseVector_Validation(t *testing.T) {
	_, err := NewSparseVector(4, []int32{1, 1}, []float64{1, 1})
	assert.Error(t, err)
	_, err = NewSparseVector(4, []int32{4}, []float64{1})
	assert.Error(t, err)
	_, err = NewSparseVector(4, []int32{1}, nil)
	assert.Error(t, err)
	v, err := NewSparseVector(4, []int32{0, 3}, []float64{1, 2})
	require.NoError(t, err)
	assert.Equal(t, 2, v.NNZ())
}
