// Package codec implements the wire primitives shared by the SSTable and
// manifest formats: big-endian fixed-width integers, length-prefixed byte
// strings, and a streaming CRC32C.
package codec

import (
	"encoding/binary"
	"hash"
	"hash/crc32"

	"github.com/cockroachdb/errors"
)

var (
	// ErrTruncated indicates the input ended before a complete field.
	ErrTruncated = errors.New("codec: truncated input")

	// ErrInvalidLength indicates a decoded length exceeds the caller's cap.
	ErrInvalidLength = errors.New("codec: invalid length")
)

// AppendUint8 appends v to b.
func AppendUint8(b []byte, v uint8) []byte {
	return append(b, v)
}

// AppendUint32 appends v to b in big-endian order.
func AppendUint32(b []byte, v uint32) []byte {
	return binary.BigEndian.AppendUint32(b, v)
}

// AppendUint64 appends v to b in big-endian order.
func AppendUint64(b []byte, v uint64) []byte {
	return binary.BigEndian.AppendUint64(b, v)
}

// AppendBytes appends p to b prefixed with its length as a big-endian u64.
func AppendBytes(b, p []byte) []byte {
	b = binary.BigEndian.AppendUint64(b, uint64(len(p)))
	return append(b, p...)
}

// Uint8 decodes a single byte from b and returns the remainder.
func Uint8(b []byte) (uint8, []byte, error) {
	if len(b) < 1 {
		return 0, nil, ErrTruncated
	}
	return b[0], b[1:], nil
}

// Uint32 decodes a big-endian u32 from b and returns the remainder.
func Uint32(b []byte) (uint32, []byte, error) {
	if len(b) < 4 {
		return 0, nil, ErrTruncated
	}
	return binary.BigEndian.Uint32(b), b[4:], nil
}

// Uint64 decodes a big-endian u64 from b and returns the remainder.
func Uint64(b []byte) (uint64, []byte, error) {
	if len(b) < 8 {
		return 0, nil, ErrTruncated
	}
	return binary.BigEndian.Uint64(b), b[8:], nil
}

// Bytes decodes a u64-length-prefixed byte string from b and returns it along
// with the remainder. Lengths above max fail with ErrInvalidLength; max guards
// against allocating for a corrupted prefix.
func Bytes(b []byte, max uint64) ([]byte, []byte, error) {
	n, rest, err := Uint64(b)
	if err != nil {
		return nil, nil, err
	}
	if n > max {
		return nil, nil, errors.Wrapf(ErrInvalidLength, "length %d exceeds cap %d", n, max)
	}
	if uint64(len(rest)) < n {
		return nil, nil, ErrTruncated
	}
	return rest[:n], rest[n:], nil
}

// BytesSize returns the encoded size of p under AppendBytes.
func BytesSize(p []byte) int {
	return 8 + len(p)
}

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// NewCRC returns a streaming CRC32C (Castagnoli) hash.
func NewCRC() hash.Hash32 {
	return crc32.New(castagnoli)
}

// Checksum returns the CRC32C of p.
func Checksum(p []byte) uint32 {
	return crc32.Checksum(p, castagnoli)
}
