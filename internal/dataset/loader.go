package dataset

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"criteo-ctr/internal/frame"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

// ErrNoDataFile is returned when an archive holds no usable TSV member.
var ErrNoDataFile = errors.New("no criteo data file in archive")

// LoaderMetrics receives loader counters. Implementations must be safe for
// concurrent use.
type LoaderMetrics interface {
	RowsLoadedAdd(float64)
	DownloadsInc()
}

// Loader fetches Criteo archives into a local cache and parses them into frames.
type Loader struct {
	cacheDir   string
	urls       map[Size]string
	client     *resty.Client
	partitions int
	maxRows    int
	metrics    LoaderMetrics
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithPartitions sets the number of partitions of loaded frames (default: one
// per session worker).
func WithPartitions(n int) LoaderOption { return func(l *Loader) { l.partitions = n } }

// WithMaxRows stops parsing after n rows; 0 reads everything.
func WithMaxRows(n int) LoaderOption { return func(l *Loader) { l.maxRows = n } }

// WithMetrics attaches a metrics sink.
func WithMetrics(m LoaderMetrics) LoaderOption { return func(l *Loader) { l.metrics = m } }

// WithHTTPClient replaces the resty client, mostly for tests.
func WithHTTPClient(c *resty.Client) LoaderOption { return func(l *Loader) { l.client = c } }

// NewLoader creates a loader caching downloads in cacheDir.
func NewLoader(cacheDir string, urls map[Size]string, timeout time.Duration, opts ...LoaderOption) *Loader {
	c := resty.New()
	if timeout > 0 {
		c.SetTimeout(timeout)
	}
	l := &Loader{
		cacheDir: cacheDir,
		urls:     urls,
		client:   c,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// ArchivePath is where the archive for size is cached.
func (l *Loader) ArchivePath(size Size) string {
	return filepath.Join(l.cacheDir, fmt.Sprintf("criteo_%s.tar.gz", size))
}

// Load returns the requested variant as a frame, downloading it first if the
// cache does not hold it yet.
func (l *Loader) Load(ctx context.Context, sess *frame.Session, size Size) (*frame.Frame, error) {
	if _, err := ParseSize(string(size)); err != nil {
		return nil, err
	}
	path, err := l.Fetch(ctx, size)
	if err != nil {
		return nil, err
	}
	return l.LoadFile(ctx, sess, path)
}

// Fetch makes sure the archive for size is in the cache and returns its path.
func (l *Loader) Fetch(ctx context.Context, size Size) (string, error) {
	path := l.ArchivePath(size)
	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		log.Debug().Str("path", path).Msg("Using cached criteo archive")
		return path, nil
	}

	url, ok := l.urls[size]
	if !ok || url == "" {
		return "", fmt.Errorf("%w: no download URL configured for %q", ErrUnknownSize, size)
	}
	if err := os.MkdirAll(l.cacheDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create cache directory: %w", err)
	}

	start := time.Now()
	log.Info().Str("url", url).Str("size", string(size)).Msg("Downloading criteo archive")

	resp, err := l.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(url)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", url, err)
	}
	body := resp.RawBody()
	defer body.Close()
	if resp.IsError() {
		return "", fmt.Errorf("download %s: unexpected status %s", url, resp.Status())
	}

	tmp, err := os.CreateTemp(l.cacheDir, ".criteo-*.part")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	n, copyErr := io.Copy(tmp, body)
	closeErr := tmp.Close()
	if copyErr != nil || closeErr != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write archive: %w", errors.Join(copyErr, closeErr))
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("move archive into cache: %w", err)
	}

	if l.metrics != nil {
		l.metrics.DownloadsInc()
	}
	log.Info().
		Str("path", path).
		Int64("bytes", n).
		Dur("took", time.Since(start)).
		Msg("Criteo archive cached")
	return path, nil
}

// LoadFile parses a local Criteo file: plain TSV, gzip'd TSV, or a tar.gz
// archive containing the TSV.
func (l *Loader) LoadFile(ctx context.Context, sess *frame.Session, path string) (*frame.Frame, error) {
	if err := sess.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open data file: %w", err)
	}
	defer f.Close()

	r, closeFn, err := openData(f, path)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	rows, err := l.parse(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if l.metrics != nil {
		l.metrics.RowsLoadedAdd(float64(len(rows)))
	}

	log.Info().
		Str("path", path).
		Int("rows", len(rows)).
		Msg("Criteo data loaded")

	return frame.FromRows(sess, Schema(), rows, l.partitions)
}

func (l *Loader) parse(ctx context.Context, r io.Reader) ([]frame.Row, error) {
	cr := newTSVReader(r)
	var rows []frame.Row
	for line := 1; ; line++ {
		if l.maxRows > 0 && len(rows) >= l.maxRows {
			break
		}
		if line%10000 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		fields, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedRow, err)
		}
		row, err := parseRecord(fields, line)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// openData unwraps gzip and tar layers based on the file name.
func openData(f *os.File, path string) (io.Reader, func(), error) {
	name := strings.ToLower(path)
	noop := func() {}

	switch {
	case strings.HasSuffix(name, ".tar.gz"), strings.HasSuffix(name, ".tgz"):
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, noop, fmt.Errorf("failed to open gzip stream: %w", err)
		}
		tr := tar.NewReader(gz)
		for {
			hdr, err := tr.Next()
			if err == io.EOF {
				gz.Close()
				return nil, noop, fmt.Errorf("%w: %s", ErrNoDataFile, path)
			}
			if err != nil {
				gz.Close()
				return nil, noop, fmt.Errorf("failed to read archive: %w", err)
			}
			if hdr.Typeflag == tar.TypeReg && isDataMember(hdr.Name) {
				log.Debug().Str("member", hdr.Name).Msg("Reading archive member")
				return tr, func() { gz.Close() }, nil
			}
		}
	case strings.HasSuffix(name, ".gz"):
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, noop, fmt.Errorf("failed to open gzip stream: %w", err)
		}
		return gz, func() { gz.Close() }, nil
	default:
		return f, noop, nil
	}
}

// isDataMember skips the unlabeled test split and readme files shipped with
// the full corpus.
func isDataMember(name string) bool {
	base := strings.ToLower(filepath.Base(name))
	if strings.HasPrefix(base, ".") || strings.Contains(base, "readme") || strings.Contains(base, "test") {
		return false
	}
	return strings.HasSuffix(base, ".txt") || strings.HasSuffix(base, ".tsv")
}
