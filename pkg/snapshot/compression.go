// Package snapshot saves and restores whole partition images as
// compressed, checksummed snapshot files. A snapshot taken from a live
// device can be restored into an image file and debugged on a host with
// the same store code.
package snapshot

import (
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
)

var (
	// ErrUnknownCodec is returned when an unsupported compression codec
	// is specified.
	ErrUnknownCodec = errors.New("unknown compression codec")

	// ErrInvalidCompressedData is returned when compressed data cannot
	// be decompressed.
	ErrInvalidCompressedData = errors.New("invalid compressed data")
)

// Codec selects the compression applied to a snapshot payload.
type Codec uint8

const (
	CodecNone Codec = iota
	CodecSnappy
	CodecZstd
)

// String returns the codec's manifest name.
func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecSnappy:
		return "snappy"
	case CodecZstd:
		return "zstd"
	default:
		return fmt.Sprintf("codec(%d)", uint8(c))
	}
}

// ParseCodec maps a codec name to its value.
func ParseCodec(name string) (Codec, error) {
	switch name {
	case "none":
		return CodecNone, nil
	case "snappy":
		return CodecSnappy, nil
	case "zstd":
		return CodecZstd, nil
	default:
		return CodecNone, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}

// CompressionManager compresses and decompresses snapshot payloads. The
// ZSTD encoder and decoder are created once and reused.
type CompressionManager struct {
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder

	mu sync.Mutex
}

// NewCompressionManager creates a manager with initialized codecs.
func NewCompressionManager() (*CompressionManager, error) {
	zstdEncoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create ZSTD encoder: %w", err)
	}

	zstdDecoder, err := zstd.NewReader(nil)
	if err != nil {
		zstdEncoder.Close()
		return nil, fmt.Errorf("failed to create ZSTD decoder: %w", err)
	}

	return &CompressionManager{
		zstdEncoder: zstdEncoder,
		zstdDecoder: zstdDecoder,
	}, nil
}

// Compress compresses data using the specified codec.
func (c *CompressionManager) Compress(data []byte, codec Codec) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch codec {
	case CodecNone:
		return data, nil
	case CodecZstd:
		return c.zstdEncoder.EncodeAll(data, nil), nil
	case CodecSnappy:
		return snappy.Encode(nil, data), nil
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnknownCodec, codec)
	}
}

// Decompress decompresses data using the specified codec.
func (c *CompressionManager) Decompress(data []byte, codec Codec) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch codec {
	case CodecNone:
		return data, nil
	case CodecZstd:
		out, err := c.zstdDecoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCompressedData, err)
		}
		return out, nil
	case CodecSnappy:
		out, err := snappy.Decode(nil, data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCompressedData, err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnknownCodec, codec)
	}
}

// Close releases the ZSTD codecs.
func (c *CompressionManager) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.zstdEncoder != nil {
		c.zstdEncoder.Close()
		c.zstdEncoder = nil
	}
	if c.zstdDecoder != nil {
		c.zstdDecoder.Close()
		c.zstdDecoder = nil
	}
}
