package source

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// readCloser pairs a decoding reader with the closers of every layer beneath it.
type readCloser struct {
	io.Reader
	closers []func() error
}

func (rc *readCloser) Close() error {
	var first error
	for _, c := range rc.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// OpenText opens src and returns UTF-8 text. Inputs named *.gz or *.zst are
// decompressed; a leading byte order mark is removed, and UTF-16 input with
// a BOM is transcoded.
func OpenText(ctx context.Context, src Source) (io.ReadCloser, error) {
	raw, err := src.Open(ctx)
	if err != nil {
		return nil, err
	}

	rc := &readCloser{Reader: raw, closers: []func() error{raw.Close}}

	name := strings.ToLower(src.Name())
	switch {
	case strings.HasSuffix(name, ".gz"):
		gz, err := gzip.NewReader(raw)
		if err != nil {
			raw.Close()
			return nil, fmt.Errorf("open gzip stream %s: %w", src.Name(), err)
		}
		rc.Reader = gz
		rc.closers = append([]func() error{gz.Close}, rc.closers...)
	case strings.HasSuffix(name, ".zst"):
		dec, err := zstd.NewReader(raw)
		if err != nil {
			raw.Close()
			return nil, fmt.Errorf("open zstd stream %s: %w", src.Name(), err)
		}
		zrc := dec.IOReadCloser()
		rc.Reader = zrc
		rc.closers = append([]func() error{zrc.Close}, rc.closers...)
	}

	rc.Reader = transform.NewReader(rc.Reader, unicode.BOMOverride(transform.Nop))
	return rc, nil
}
