package codec

import (
	"bytes"
	"compress/gzip"
	"io"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/NetNinjaCorp/EmailDB-sub006/pkg/blockio"
	"github.com/NetNinjaCorp/EmailDB-sub006/pkg/dberrors"
)

var epoch = time.Unix(0, 0).UTC()

// compressor is the fixed-table interface for the five algorithms named
// in spec §4.2 (including CompressionNone, handled by Encode/Decode
// skipping the step entirely rather than a no-op implementation here).
type compressor interface {
	compress(plain []byte) ([]byte, error)
	decompress(compressed []byte, uncompressedSize int) ([]byte, error)
}

var compressorTable = map[blockio.CompressionAlgorithm]compressor{
	blockio.CompressionGzip:   gzipCompressor{},
	blockio.CompressionLZ4:    lz4Compressor{},
	blockio.CompressionZstd:   zstdCompressor{},
	blockio.CompressionBrotli: brotliCompressor{},
}

// gzipCompressor mirrors the teacher's gzipDeterministic helper in
// services/storage/internal/timeseries/writer.go: fixed ModTime (unix
// epoch) and a stable compression level so the same input always
// produces the same compressed bytes.
type gzipCompressor struct{}

func (gzipCompressor) compress(plain []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
	if err != nil {
		return nil, err
	}
	w.ModTime = epoch
	if _, err := w.Write(plain); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gzipCompressor) decompress(compressed []byte, uncompressedSize int) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, dberrors.New("codec.gzip.decompress", dberrors.Internal, err, "open gzip stream")
	}
	defer r.Close()
	out, err := io.ReadAll(io.LimitReader(r, int64(uncompressedSize)+1))
	if err != nil {
		return nil, dberrors.New("codec.gzip.decompress", dberrors.Internal, err, "read gzip stream")
	}
	return out, nil
}

type lz4Compressor struct{}

func (lz4Compressor) compress(plain []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(plain); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (lz4Compressor) decompress(compressed []byte, uncompressedSize int) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(compressed))
	out, err := io.ReadAll(io.LimitReader(r, int64(uncompressedSize)+1))
	if err != nil {
		return nil, dberrors.New("codec.lz4.decompress", dberrors.Internal, err, "read lz4 stream")
	}
	return out, nil
}

type zstdCompressor struct{}

func (zstdCompressor) compress(plain []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(plain, nil), nil
}

func (zstdCompressor) decompress(compressed []byte, uncompressedSize int) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, dberrors.New("codec.zstd.decompress", dberrors.Internal, err, "create zstd decoder")
	}
	defer dec.Close()
	out, err := dec.DecodeAll(compressed, make([]byte, 0, uncompressedSize))
	if err != nil {
		return nil, dberrors.New("codec.zstd.decompress", dberrors.Internal, err, "decode zstd stream")
	}
	return out, nil
}

type brotliCompressor struct{}

func (brotliCompressor) compress(plain []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := brotli.NewWriterLevel(&buf, brotli.DefaultCompression)
	if _, err := w.Write(plain); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (brotliCompressor) decompress(compressed []byte, uncompressedSize int) ([]byte, error) {
	r := brotli.NewReader(bytes.NewReader(compressed))
	out, err := io.ReadAll(io.LimitReader(r, int64(uncompressedSize)+1))
	if err != nil {
		return nil, dberrors.New("codec.brotli.decompress", dberrors.Internal, err, "read brotli stream")
	}
	return out, nil
}
