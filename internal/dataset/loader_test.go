package dataset

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"criteo-ctr/internal/common"
	"criteo-ctr/internal/frame"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingMetrics struct {
	rows      atomic.Int64
	downloads atomic.Int64
}

func (m *countingMetrics) RowsLoadedAdd(v float64) { m.rows.Add(int64(v)) }
func (m *countingMetrics) DownloadsInc()           { m.downloads.Add(1) }

func tsvBytes(t *testing.T, rows []frame.Row) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, WriteTSV(&buf, rows))
	return buf.Bytes()
}

func tarGz(t *testing.T, files map[string][]byte, order []string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, name := range order {
		data := files[name]
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(data)), Typeflag: tar.TypeReg}))
		_, err := tw.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func TestParseSize(t *testing.T) {
	s, err := ParseSize("sample")
	require.NoError(t, err)
	assert.Equal(t, SizeSample, s)

	s, err = ParseSize(" FULL ")
	require.NoError(t, err)
	assert.Equal(t, SizeFull, s)

	_, err = ParseSize("medium")
	assert.ErrorIs(t, err, ErrUnknownSize)
}

func TestSchema(t *testing.T) {
	s := Schema()
	assert.Equal(t, common.NumColumns, s.Len())
	assert.Equal(t, "label", s.Columns[0].Name)
	assert.Equal(t, "int00", s.Columns[1].Name)
	assert.Equal(t, "int12", s.Columns[13].Name)
	assert.Equal(t, "cat00", s.Columns[14].Name)
	assert.Equal(t, "cat25", s.Columns[39].Name)
	assert.Equal(t, frame.TypeString, s.Columns[39].Type)
}

func TestLoadFile_PlainTSVWithMissingValues(t *testing.T) {
	dir := t.TempDir()
	line := "1\t5\t\t3" + strings.Repeat("\t7", 10) + "\t68fb1d" + strings.Repeat("\t", 25) + "\n"
	path := filepath.Join(dir, "dac.txt")
	require.NoError(t, os.WriteFile(path, []byte(line+line), 0o644))

	sess := frame.NewSession(2)
	defer sess.Close()
	m := &countingMetrics{}
	f, err := NewLoader(dir, nil, 0, WithMetrics(m)).LoadFile(context.Background(), sess, path)
	require.NoError(t, err)
	require.Equal(t, 2, f.Count())
	assert.Equal(t, int64(2), m.rows.Load())

	row := f.Collect()[0]
	label, ok := row[0].Float()
	require.True(t, ok)
	assert.Equal(t, 1.0, label)

	v, ok := row[1].Float()
	require.True(t, ok)
	assert.Equal(t, 5.0, v)
	assert.True(t, row[2].IsNull())

	s, ok := row[14].Text()
	require.True(t, ok)
	assert.Equal(t, "68fb1d", s)
	assert.True(t, row[39].IsNull())
}

func TestLoadFile_RoundTripSynthetic(t *testing.T) {
	dir := t.TempDir()
	rows := Synthetic(500, 1)
	path := filepath.Join(dir, "synthetic.tsv")
	require.NoError(t, os.WriteFile(path, tsvBytes(t, rows), 0o644))

	sess := frame.NewSession(4)
	defer sess.Close()
	f, err := NewLoader(dir, nil, 0, WithPartitions(3)).LoadFile(context.Background(), sess, path)
	require.NoError(t, err)
	assert.Equal(t, 3, f.NumPartitions())

	got := f.Collect()
	require.Len(t, got, len(rows))
	for i := range rows {
		for c := range rows[i] {
			assert.Equal(t, rows[i][c].Format(), got[i][c].Format(), "row %d col %d", i, c)
		}
	}
}

func TestLoadFile_MaxRows(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "synthetic.tsv")
	require.NoError(t, os.WriteFile(path, tsvBytes(t, Synthetic(100, 2)), 0o644))

	sess := frame.NewSession(1)
	f, err := NewLoader(dir, nil, 0, WithMaxRows(10)).LoadFile(context.Background(), sess, path)
	require.NoError(t, err)
	assert.Equal(t, 10, f.Count())
}

func TestLoadFile_MalformedRows(t *testing.T) {
	dir := t.TempDir()
	sess := frame.NewSession(1)
	loader := NewLoader(dir, nil, 0)

	cases := map[string]string{
		"bad label":   "2" + strings.Repeat("\t", 39) + "\n",
		"bad numeric": "0\tabc" + strings.Repeat("\t", 38) + "\n",
		"nan numeric": "0\tNaN" + strings.Repeat("\t", 38) + "\n",
		"inf numeric": "1\t3\t-Inf" + strings.Repeat("\t", 37) + "\n",
		"short row":   "0\t1\t2\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, strings.ReplaceAll(name, " ", "_")+".txt")
			require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
			_, err := loader.LoadFile(context.Background(), sess, path)
			assert.ErrorIs(t, err, ErrMalformedRow)
		})
	}
}

func TestLoadFile_TarGzSkipsReadmeAndTest(t *testing.T) {
	dir := t.TempDir()
	train := tsvBytes(t, Synthetic(20, 3))
	archive := tarGz(t, map[string][]byte{
		"readme.txt": []byte("not data"),
		"test.txt":   []byte("not labeled"),
		"train.txt":  train,
	}, []string{"readme.txt", "test.txt", "train.txt"})
	path := filepath.Join(dir, "dac.tar.gz")
	require.NoError(t, os.WriteFile(path, archive, 0o644))

	sess := frame.NewSession(2)
	f, err := NewLoader(dir, nil, 0).LoadFile(context.Background(), sess, path)
	require.NoError(t, err)
	assert.Equal(t, 20, f.Count())
}

func TestLoadFile_TarGzWithoutData(t *testing.T) {
	dir := t.TempDir()
	archive := tarGz(t, map[string][]byte{"readme.txt": []byte("x")}, []string{"readme.txt"})
	path := filepath.Join(dir, "empty.tar.gz")
	require.NoError(t, os.WriteFile(path, archive, 0o644))

	_, err := NewLoader(dir, nil, 0).LoadFile(context.Background(), frame.NewSession(1), path)
	assert.ErrorIs(t, err, ErrNoDataFile)
}

func TestLoadFile_ClosedSession(t *testing.T) {
	sess := frame.NewSession(1)
	sess.Close()
	_, err := NewLoader(t.TempDir(), nil, 0).LoadFile(context.Background(), sess, "whatever.txt")
	assert.ErrorIs(t, err, frame.ErrSessionClosed)
}

func TestLoad_DownloadsOnceAndCaches(t *testing.T) {
	archive := tarGz(t, map[string][]byte{"dac_sample.txt": tsvBytes(t, Synthetic(50, 4))}, []string{"dac_sample.txt"})
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write(archive)
	}))
	defer srv.Close()

	dir := t.TempDir()
	m := &countingMetrics{}
	loader := NewLoader(dir, map[Size]string{SizeSample: srv.URL + "/dac_sample.tar.gz"}, 5*time.Second, WithMetrics(m))
	sess := frame.NewSession(2)
	defer sess.Close()

	for i := 0; i < 2; i++ {
		f, err := loader.Load(context.Background(), sess, SizeSample)
		require.NoError(t, err)
		assert.Equal(t, 50, f.Count())
	}
	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, int64(1), m.downloads.Load())
	assert.FileExists(t, loader.ArchivePath(SizeSample))
}

func TestLoad_DownloadFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	dir := t.TempDir()
	loader := NewLoader(dir, map[Size]string{SizeSample: srv.URL}, 5*time.Second)
	_, err := loader.Load(context.Background(), frame.NewSession(1), SizeSample)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.NoFileExists(t, loader.ArchivePath(SizeSample))
}

func TestLoad_UnknownSize(t *testing.T) {
	_, err := NewLoader(t.TempDir(), nil, 0).Load(context.Background(), frame.NewSession(1), Size("tiny"))
	assert.ErrorIs(t, err, ErrUnknownSize)
}

func TestLoad_NoURLConfigured(t *testing.T) {
	_, err := NewLoader(t.TempDir(), map[Size]string{}, 0).Load(context.Background(), frame.NewSession(1), SizeFull)
	assert.ErrorIs(t, err, ErrUnknownSize)
}

func TestSynthetic_DeterministicAndBalancedEnough(t *testing.T) {
	a := Synthetic(2000, 9)
	b := Synthetic(2000, 9)
	require.Len(t, a, 2000)

	clicks := 0
	for i := range a {
		for c := range a[i] {
			require.Equal(t, a[i][c].Format(), b[i][c].Format())
		}
		if l, _ := a[i][0].Float(); l == 1 {
			clicks++
		}
	}
	assert.Greater(t, clicks, 200)
	assert.Less(t, clicks, 1800)
}
