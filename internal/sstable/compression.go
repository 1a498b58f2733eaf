package sstable

import (
	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects the per-chunk codec.
type Compression uint8

const (
	// CompressionNone stores chunk payloads raw.
	CompressionNone Compression = iota

	// CompressionLZ4 compresses chunks with lz4 block encoding.
	CompressionLZ4

	// CompressionZstd compresses chunks with zstd.
	CompressionZstd
)

// ErrUnknownCompression indicates a Compression value outside the enum.
var ErrUnknownCompression = errors.New("sstable: unknown compression")

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return "unknown"
	}
}

// ParseCompression maps a config string to a Compression.
func ParseCompression(s string) (Compression, error) {
	switch s {
	case "none", "":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, errors.Wrapf(ErrUnknownCompression, "%q", s)
	}
}

func (c Compression) version() (uint16, error) {
	switch c {
	case CompressionNone:
		return versionNone, nil
	case CompressionLZ4:
		return versionLZ4, nil
	case CompressionZstd:
		return versionZstd, nil
	default:
		return 0, errors.Wrapf(ErrUnknownCompression, "%d", c)
	}
}

func compressionForVersion(v uint16) (Compression, bool) {
	switch v {
	case versionNone:
		return CompressionNone, true
	case versionLZ4:
		return CompressionLZ4, true
	case versionZstd:
		return CompressionZstd, true
	default:
		return 0, false
	}
}

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
)

// compress encodes src with the codec. A nil return means the payload did not
// shrink and must be stored raw; the format signals raw storage by writing
// compressed size == uncompressed size.
func (c Compression) compress(src []byte) ([]byte, error) {
	switch c {
	case CompressionNone:
		return nil, nil
	case CompressionLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(src)))
		n, err := lz4.CompressBlock(src, dst, nil)
		if err != nil {
			return nil, err
		}
		if n == 0 || n >= len(src) {
			return nil, nil
		}
		return dst[:n], nil
	case CompressionZstd:
		dst := zstdEncoder.EncodeAll(src, nil)
		if len(dst) >= len(src) {
			return nil, nil
		}
		return dst, nil
	default:
		return nil, errors.Wrapf(ErrUnknownCompression, "%d", c)
	}
}

// decompress decodes src into a buffer of exactly uncompressedLen bytes.
func (c Compression) decompress(src []byte, uncompressedLen int) ([]byte, error) {
	switch c {
	case CompressionLZ4:
		dst := make([]byte, uncompressedLen)
		n, err := lz4.UncompressBlock(src, dst)
		if err != nil {
			return nil, errors.Wrap(ErrCorruptChunk, err.Error())
		}
		if n != uncompressedLen {
			return nil, errors.Wrapf(ErrCorruptChunk, "decompressed %d bytes, expected %d", n, uncompressedLen)
		}
		return dst, nil
	case CompressionZstd:
		dst, err := zstdDecoder.DecodeAll(src, make([]byte, 0, uncompressedLen))
		if err != nil {
			return nil, errors.Wrap(ErrCorruptChunk, err.Error())
		}
		if len(dst) != uncompressedLen {
			return nil, errors.Wrapf(ErrCorruptChunk, "decompressed %d bytes, expected %d", len(dst), uncompressedLen)
		}
		return dst, nil
	default:
		// CompressionNone chunks are stored raw and never reach here.
		return nil, errors.Wrapf(ErrUnknownCompression, "%d", c)
	}
}
