package loglocate

import (
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"
)

// ErrUnsupportedCompression is returned for archive formats the locator
// recognizes by extension but cannot decode (currently .lzo).
var ErrUnsupportedCompression = errors.New("unsupported compression format")

// Open opens a located log file, transparently decompressing it based on
// its extension. The returned ReadCloser closes every wrapped layer.
func Open(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open log %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".zst", ".zstd":
		zr, err := zstd.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("open zstd log %s: %w", path, err)
		}
		return &layeredReader{r: zr, closers: []func() error{wrapClose(zr.Close), f.Close}}, nil
	case ".lz4":
		return &layeredReader{r: lz4.NewReader(f), closers: []func() error{f.Close}}, nil
	case ".gz":
		gzr, err := gzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("open gzip log %s: %w", path, err)
		}
		return &layeredReader{r: gzr, closers: []func() error{gzr.Close, f.Close}}, nil
	case ".xz":
		xzr, err := xz.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("open xz log %s: %w", path, err)
		}
		return &layeredReader{r: xzr, closers: []func() error{f.Close}}, nil
	case ".lzo":
		f.Close()
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCompression, path)
	default:
		return f, nil
	}
}

// layeredReader closes decompression layers innermost-first.
type layeredReader struct {
	r       io.Reader
	closers []func() error
}

func (l *layeredReader) Read(p []byte) (int, error) {
	return l.r.Read(p)
}

func (l *layeredReader) Close() error {
	var firstErr error
	for _, c := range l.closers {
		if err := c(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// wrapClose adapts a close func with no error return.
func wrapClose(f func()) func() error {
	return func() error {
		f()
		return nil
	}
}
