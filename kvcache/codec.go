package kvcache

import (
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"
	gzip "github.com/klauspost/pgzip"
)

// codec selects a compression format by file extension.
type codec int

const (
	codecPlain codec = iota
	codecZstd
	codecGzip
)

func codecFor(filename string) codec {
	switch {
	case strings.HasSuffix(filename, ".zst"):
		return codecZstd
	case strings.HasSuffix(filename, ".gz"):
		return codecGzip
	default:
		return codecPlain
	}
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

// zstdReadCloser releases decoder resources on close.
type zstdReadCloser struct {
	*zstd.Decoder
}

func (z zstdReadCloser) Close() error {
	z.Decoder.Close()
	return nil
}

// newWriter wraps w with a compressor; closing the returned writer flushes
// the compressor but does not close w.
func newWriter(w io.Writer, c codec) (io.WriteCloser, error) {
	switch c {
	case codecZstd:
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return nil, err
		}
		return zw, nil
	case codecGzip:
		return gzip.NewWriter(w), nil
	default:
		return nopWriteCloser{w}, nil
	}
}

// newReader wraps r with a decompressor; closing the returned reader does
// not close r.
func newReader(r io.Reader, c codec) (io.ReadCloser, error) {
	switch c {
	case codecZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return zstdReadCloser{zr}, nil
	case codecGzip:
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, err
		}
		return zr, nil
	default:
		return io.NopCloser(r), nil
	}
}
