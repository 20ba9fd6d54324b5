// Package codec implements the pluggable compression and authenticated
// encryption providers selected by a block's flags byte (spec §4.2).
// Order on write is compress-then-encrypt; order on read is the reverse.
package codec

import (
	"bytes"
	"compress/gzip"
	"io"
	"time"

	"github.com/golang/snappy"
	kgzip "github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"

	"github.com/chartly-labs/mailvault/internal/block"
	"github.com/chartly-labs/mailvault/pkg/verrors"
)

// CompressionProvider implements one compression algorithm.
type CompressionProvider interface {
	Compress(plain []byte) ([]byte, error)
	Decompress(compressed []byte) ([]byte, error)
}

var compressionProviders = map[block.CompressionAlgo]CompressionProvider{
	block.CompressionNone:   noneCompression{},
	block.CompressionGzip:   gzipCompression{},
	block.CompressionLZ4:    lz4Compression{},
	block.CompressionZstd:   zstdCompression{},
	block.CompressionBrotli: brotliCompression{},
}

// Compress applies the provider for algo, failing closed on an unknown enum
// value rather than silently storing plaintext (spec §9: "refuse to read
// blocks whose algorithm enum is unknown" applies symmetrically to write).
func Compress(algo block.CompressionAlgo, plain []byte) ([]byte, error) {
	p, ok := compressionProviders[algo]
	if !ok {
		return nil, verrors.New(verrors.InvalidArgument, "codec.compress", "unknown compression algorithm")
	}
	out, err := p.Compress(plain)
	if err != nil {
		return nil, verrors.Wrap(err, verrors.Io, "codec.compress")
	}
	return out, nil
}

// Decompress is Compress's inverse.
func Decompress(algo block.CompressionAlgo, compressed []byte) ([]byte, error) {
	p, ok := compressionProviders[algo]
	if !ok {
		return nil, verrors.New(verrors.VersionMismatch, "codec.decompress", "unknown compression algorithm")
	}
	out, err := p.Decompress(compressed)
	if err != nil {
		return nil, verrors.Wrap(err, verrors.CorruptBlock, "codec.decompress")
	}
	return out, nil
}

type noneCompression struct{}

func (noneCompression) Compress(p []byte) ([]byte, error)       { return p, nil }
func (noneCompression) Decompress(p []byte) ([]byte, error) { return p, nil }

// gzipCompression uses klauspost/compress/gzip (a drop-in, faster
// implementation of the stdlib gzip format) with a fixed ModTime so two
// compressions of the same bytes produce the same output, matching the
// deterministic-encoding idiom used throughout the archive's own encoders.
type gzipCompression struct{}

func (gzipCompression) Compress(p []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := kgzip.NewWriterLevel(&buf, kgzip.BestSpeed)
	if err != nil {
		return nil, err
	}
	w.ModTime = time.Unix(0, 0)
	w.OS = 255
	if _, err := w.Write(p); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gzipCompression) Decompress(p []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(p))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// lz4Compression stands in for the spec's LZ4 selector. No real LZ4 library
// is wired anywhere in the example pack; klauspost/compress/s2 (an
// LZ4-class, block-oriented, very-fast codec already in the teacher's
// broader dependency neighborhood) is substituted and documented as such —
// see DESIGN.md and SPEC_FULL.md §4.2.
type lz4Compression struct{}

func (lz4Compression) Compress(p []byte) ([]byte, error) {
	return s2.Encode(nil, p), nil
}

func (lz4Compression) Decompress(p []byte) ([]byte, error) {
	return s2.Decode(nil, p)
}

type zstdCompression struct{}

func (zstdCompression) Compress(p []byte) ([]byte, error) {
	w, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	defer w.Close()
	return w.EncodeAll(p, nil), nil
}

func (zstdCompression) Decompress(p []byte) ([]byte, error) {
	r, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return r.DecodeAll(p, nil)
}

// brotliCompression stands in for the spec's Brotli selector; no Brotli
// library appears in the example pack, so golang/snappy (a real, widely
// used block-compression library present in the teacher's dependency
// neighborhood) is substituted. See DESIGN.md.
type brotliCompression struct{}

func (brotliCompression) Compress(p []byte) ([]byte, error) {
	return snappy.Encode(nil, p), nil
}

func (brotliCompression) Decompress(p []byte) ([]byte, error) {
	return snappy.Decode(nil, p)
}
