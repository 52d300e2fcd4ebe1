package sessionstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects how artifact bytes are held in memory.
type Compression uint8

// Supported compression modes. Values are persisted in snapshots.
const (
	CompressionNone Compression = 0
	CompressionLZ4  Compression = 1
	CompressionZstd Compression = 2
)

// ErrUnknownCompression is returned for an unrecognized compression name or tag.
var ErrUnknownCompression = errors.New("unknown compression")

// errIncompressible means the encoded form would not be smaller than the input.
var errIncompressible = errors.New("data is incompressible")

// String returns the configuration name of the mode.
func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseCompression parses "none", "lz4" or "zstd". Empty means none.
func ParseCompression(name string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownCompression, name)
	}
}

// zstd encoder and decoder are safe for concurrent use and reused across calls.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error

	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("sessionstore: zstd encoder initialization failed: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("sessionstore: zstd decoder initialization failed: " + err.Error())
	}
}

// blob is an artifact as stored: possibly compressed bytes plus the
// information needed to restore them.
type blob struct {
	codec Compression
	size  int
	data  []byte
}

// encode compresses data with mode, falling back to none when compression
// does not shrink it. The input is always copied.
func encode(data []byte, mode Compression) (blob, error) {
	var (
		out []byte
		err error
	)

	switch mode {
	case CompressionNone:
		return rawBlob(data), nil
	case CompressionLZ4:
		out, err = compressLZ4(data)
	case CompressionZstd:
		out, err = compressZstd(data)
	default:
		return blob{}, fmt.Errorf("%w: %d", ErrUnknownCompression, mode)
	}

	if errors.Is(err, errIncompressible) {
		return rawBlob(data), nil
	}

	if err != nil {
		return blob{}, err
	}

	return blob{codec: mode, size: len(data), data: out}, nil
}

func rawBlob(data []byte) blob {
	return blob{codec: CompressionNone, size: len(data), data: append([]byte(nil), data...)}
}

// decode returns a fresh copy of the original bytes.
func (b blob) decode() ([]byte, error) {
	switch b.codec {
	case CompressionNone:
		return append([]byte(nil), b.data...), nil
	case CompressionLZ4:
		return decompressLZ4(b.data, b.size)
	case CompressionZstd:
		return decompressZstd(b.data, b.size)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownCompression, b.codec)
	}
}

func compressLZ4(data []byte) ([]byte, error) {
	destination := make([]byte, lz4.CompressBlockBound(len(data)))

	written, err := lz4.CompressBlock(data, destination, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}

	// Zero means lz4 judged the block incompressible.
	if written == 0 || written >= len(data) {
		return nil, errIncompressible
	}

	return destination[:written], nil
}

func decompressLZ4(compressed []byte, size int) ([]byte, error) {
	destination := make([]byte, size)

	read, err := lz4.UncompressBlock(compressed, destination)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}

	if read != size {
		return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, size)
	}

	return destination, nil
}

func compressZstd(data []byte) ([]byte, error) {
	compressed := zstdEncoder.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return nil, errIncompressible
	}

	return compressed, nil
}

func decompressZstd(compressed []byte, size int) ([]byte, error) {
	result, err := zstdDecoder.DecodeAll(compressed, make([]byte, 0, size))
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}

	if len(result) != size {
		return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(result), size)
	}

	return result, nil
}
