package page

import (
	"fmt"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"

	"github.com/cuemby/sophia/pkg/config"
)

// Filter is an opaque stream codec applied to the page body past the header
type Filter interface {
	Name() string
	Compress(src []byte) ([]byte, error)
	Decompress(src []byte, originSize int) ([]byte, error)
}

// NewFilter returns the codec for the configured compression, nil for none
func NewFilter(c config.Compression) (Filter, error) {
	switch c {
	case config.CompressionNone, "":
		return nil, nil
	case config.CompressionSnappy:
		return snappyFilter{}, nil
	case config.CompressionZstd:
		return newZstdFilter()
	}
	return nil, fmt.Errorf("page: unknown compression %q", c)
}

type snappyFilter struct{}

func (snappyFilter) Name() string { return "snappy" }

func (snappyFilter) Compress(src []byte) ([]byte, error) {
	return snappy.Encode(nil, src), nil
}

func (snappyFilter) Decompress(src []byte, originSize int) ([]byte, error) {
	dst, err := snappy.Decode(make([]byte, 0, originSize), src)
	if err != nil {
		return nil, fmt.Errorf("snappy decode: %w", err)
	}
	return dst, nil
}

type zstdFilter struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newZstdFilter() (*zstdFilter, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &zstdFilter{enc: enc, dec: dec}, nil
}

func (f *zstdFilter) Name() string { return "zstd" }

func (f *zstdFilter) Compress(src []byte) ([]byte, error) {
	return f.enc.EncodeAll(src, nil), nil
}

func (f *zstdFilter) Decompress(src []byte, originSize int) ([]byte, error) {
	dst, err := f.dec.DecodeAll(src, make([]byte, 0, originSize))
	if err != nil {
		return nil, fmt.Errorf("zstd decode: %w", err)
	}
	return dst, nil
}
