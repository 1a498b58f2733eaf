package sstable

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"sort"

	"github.com/cockroachdb/errors"

	"github.com/quanta-kt/sanddb/internal/codec"
)

// Reader serves point lookups and range scans over a finalized SSTable. The
// chunk directory is held in memory; chunk payloads are read and decompressed
// on demand, one at a time. Reads go through ReadAt, so a Reader is safe for
// concurrent use.
type Reader struct {
	f    *os.File
	path string

	comp      Compression
	pageSize  int
	fileSize  int64
	dirOffset uint64
	dir       []dirEntry
}

// Open validates the header and footer of the file at path and loads its
// chunk directory.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "sstable: open")
	}
	r := &Reader{f: f, path: path}
	if err := r.load(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return r, nil
}

func (r *Reader) load() error {
	st, err := r.f.Stat()
	if err != nil {
		return errors.Wrap(err, "sstable: stat")
	}
	r.fileSize = st.Size()
	if r.fileSize < headerSize+footerSize {
		return ErrTruncated
	}

	var header [headerSize]byte
	if _, err := r.f.ReadAt(header[:], 0); err != nil {
		return errors.Wrap(err, "sstable: read header")
	}
	if binary.BigEndian.Uint32(header[0:4]) != Magic {
		return ErrBadMagic
	}
	version := binary.BigEndian.Uint16(header[4:6])
	comp, ok := compressionForVersion(version)
	if !ok {
		return errors.Wrapf(ErrUnsupportedVersion, "version %d", version)
	}
	r.comp = comp
	r.pageSize = int(binary.BigEndian.Uint16(header[6:8]))

	var footer [footerSize]byte
	if _, err := r.f.ReadAt(footer[:], r.fileSize-footerSize); err != nil {
		return errors.Wrap(err, "sstable: read footer")
	}
	r.dirOffset = binary.BigEndian.Uint64(footer[0:8])
	chunkCount := binary.BigEndian.Uint32(footer[8:12])

	if r.dirOffset < headerSize || r.dirOffset > uint64(r.fileSize-footerSize) {
		return errors.Wrapf(ErrTruncated, "directory offset %d outside file", r.dirOffset)
	}

	raw := make([]byte, uint64(r.fileSize-footerSize)-r.dirOffset)
	if _, err := r.f.ReadAt(raw, int64(r.dirOffset)); err != nil {
		return errors.Wrap(err, "sstable: read directory")
	}

	r.dir = make([]dirEntry, 0, chunkCount)
	rest := raw
	for i := uint32(0); i < chunkCount; i++ {
		var e dirEntry
		e.offset, rest, err = codec.Uint64(rest)
		if err == nil {
			e.min, rest, err = codec.Bytes(rest, MaxKeyLen)
		}
		if err == nil {
			e.max, rest, err = codec.Bytes(rest, MaxKeyLen)
		}
		if err != nil {
			if errors.Is(err, codec.ErrTruncated) {
				return errors.Wrap(ErrTruncated, "directory entry")
			}
			return errors.Wrap(ErrCorruptDirectory, err.Error())
		}
		if e.offset < headerSize || e.offset+chunkHeaderSize > r.dirOffset {
			return errors.Wrapf(ErrCorruptDirectory, "chunk offset %d outside data region", e.offset)
		}
		if bytes.Compare(e.min, e.max) > 0 {
			return errors.Wrapf(ErrCorruptDirectory, "min %q above max %q", e.min, e.max)
		}
		if i > 0 && bytes.Compare(r.dir[i-1].max, e.min) >= 0 {
			return errors.Wrapf(ErrCorruptDirectory, "interval %d overlaps predecessor", i)
		}
		r.dir = append(r.dir, e)
	}
	if len(rest) != 0 {
		return errors.Wrapf(ErrCorruptDirectory, "%d trailing bytes", len(rest))
	}

	return nil
}

// Get returns the stored value for key. The second return is false when the
// table holds no entry for key.
func (r *Reader) Get(key []byte) ([]byte, bool, error) {
	i := sort.Search(len(r.dir), func(i int) bool {
		return bytes.Compare(r.dir[i].max, key) >= 0
	})
	if i == len(r.dir) || bytes.Compare(r.dir[i].min, key) > 0 {
		return nil, false, nil
	}

	entries, err := r.readChunk(r.dir[i])
	if err != nil {
		return nil, false, err
	}
	j := sort.Search(len(entries), func(j int) bool {
		return bytes.Compare(entries[j].key, key) >= 0
	})
	if j == len(entries) || !bytes.Equal(entries[j].key, key) {
		return nil, false, nil
	}
	return entries[j].value, true, nil
}

// entryKV is one decoded chunk item.
type entryKV struct {
	key   []byte
	value []byte
}

// readChunk reads, decompresses, and decodes the chunk at e, validating the
// recorded sizes against what the file and codec actually produce.
func (r *Reader) readChunk(e dirEntry) ([]entryKV, error) {
	var header [chunkHeaderSize]byte
	if _, err := r.f.ReadAt(header[:], int64(e.offset)); err != nil {
		return nil, errors.Wrap(err, "sstable: read chunk header")
	}
	count := binary.BigEndian.Uint32(header[0:4])
	compressedSize := binary.BigEndian.Uint64(header[4:12])
	uncompressedSize := binary.BigEndian.Uint64(header[12:20])

	if compressedSize > uncompressedSize {
		return nil, errors.Wrapf(ErrCorruptChunk, "compressed size %d above uncompressed %d", compressedSize, uncompressedSize)
	}
	if e.offset+chunkHeaderSize+compressedSize > r.dirOffset {
		return nil, errors.Wrapf(ErrCorruptChunk, "payload of %d bytes overruns data region", compressedSize)
	}

	payload := make([]byte, compressedSize)
	if _, err := r.f.ReadAt(payload, int64(e.offset+chunkHeaderSize)); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, errors.Wrap(ErrCorruptChunk, "short payload")
		}
		return nil, errors.Wrap(err, "sstable: read chunk payload")
	}

	if compressedSize != uncompressedSize {
		if r.comp == CompressionNone {
			return nil, errors.Wrap(ErrCorruptChunk, "size mismatch in uncompressed table")
		}
		var err error
		payload, err = r.comp.decompress(payload, int(uncompressedSize))
		if err != nil {
			return nil, err
		}
	}

	entries := make([]entryKV, 0, count)
	rest := payload
	for i := uint32(0); i < count; i++ {
		var kv entryKV
		var err error
		kv.key, rest, err = codec.Bytes(rest, MaxKeyLen)
		if err == nil {
			kv.value, rest, err = codec.Bytes(rest, MaxValueLen)
		}
		if err != nil {
			return nil, errors.Wrapf(ErrCorruptChunk, "item %d: %v", i, err)
		}
		entries = append(entries, kv)
	}
	if len(rest) != 0 {
		return nil, errors.Wrapf(ErrCorruptChunk, "%d trailing payload bytes", len(rest))
	}

	return entries, nil
}

// Bounds returns the smallest and largest keys in the table, from the
// directory. Both are nil for an empty table.
func (r *Reader) Bounds() (min, max []byte) {
	if len(r.dir) == 0 {
		return nil, nil
	}
	return r.dir[0].min, r.dir[len(r.dir)-1].max
}

// NumChunks returns the number of data chunks.
func (r *Reader) NumChunks() int {
	return len(r.dir)
}

// PageSize returns the page size recorded in the header.
func (r *Reader) PageSize() int {
	return r.pageSize
}

// Path returns the file path the reader was opened with.
func (r *Reader) Path() string {
	return r.path
}

// Close releases the file handle.
func (r *Reader) Close() error {
	return r.f.Close()
}
