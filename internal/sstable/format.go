// Package sstable implements the on-disk Sorted String Table: an immutable
// file of strictly ascending key/value entries grouped into page-sized
// chunks, addressed by a chunk directory and a fixed-size footer.
//
// File layout:
//
//	header   8 bytes   magic:u32  version:u16  page size:u16
//	chunks   repeated  chunk header (20 bytes) + payload
//	directory          packed (offset:u64, min key, max key) entries
//	footer   12 bytes  directory offset:u64  chunk count:u32
//
// All integers are big-endian. Keys inside the directory are u64
// length-prefixed. The header version doubles as the codec selector so a
// reader never has to guess how chunk payloads were compressed.
package sstable

import "github.com/cockroachdb/errors"

const (
	// Magic identifies an SSTable file.
	Magic uint32 = 0xFAA7BEEF

	// DefaultPageSize bounds a chunk's uncompressed payload.
	DefaultPageSize = 4096

	// MaxPageSize is the largest page size the 8-byte header can record.
	MaxPageSize = 1<<16 - 1

	headerSize      = 8
	chunkHeaderSize = 20 // item count:u32 + compressed size:u64 + uncompressed size:u64
	footerSize      = 12 // directory offset:u64 + chunk count:u32
)

// Versions. The version field selects the chunk codec; a chunk whose
// compressed size equals its uncompressed size is stored raw regardless.
const (
	versionNone uint16 = 1
	versionLZ4  uint16 = 2
	versionZstd uint16 = 3
)

// MaxKeyLen caps key lengths accepted when decoding directories and chunks.
// It guards allocation against corrupted length prefixes.
const MaxKeyLen = 1 << 20

// MaxValueLen caps value lengths accepted when decoding chunks.
const MaxValueLen = 1 << 30

var (
	// ErrBadMagic indicates the file does not start with Magic.
	ErrBadMagic = errors.New("sstable: bad magic")

	// ErrUnsupportedVersion indicates an unknown header version.
	ErrUnsupportedVersion = errors.New("sstable: unsupported version")

	// ErrTruncated indicates the file is shorter than its framing claims.
	ErrTruncated = errors.New("sstable: truncated file")

	// ErrCorruptDirectory indicates directory entries are not in
	// monotonically increasing, non-overlapping order.
	ErrCorruptDirectory = errors.New("sstable: corrupt chunk directory")

	// ErrCorruptChunk indicates a chunk's sizes or payload failed validation.
	ErrCorruptChunk = errors.New("sstable: corrupt chunk")

	// ErrOutOfOrderKey indicates the caller broke the ascending-key contract.
	ErrOutOfOrderKey = errors.New("sstable: key out of order")

	// ErrDuplicateKey indicates the caller added the same key twice.
	ErrDuplicateKey = errors.New("sstable: duplicate key")

	// ErrFinished indicates a write after Finish.
	ErrFinished = errors.New("sstable: writer already finished")
)

// dirEntry locates one chunk and the key interval it covers.
type dirEntry struct {
	offset uint64
	min    []byte
	max    []byte
}
