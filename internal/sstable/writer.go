package sstable

import (
	"bufio"
	"bytes"
	"os"

	"github.com/cockroachdb/errors"

	"github.com/quanta-kt/sanddb/internal/codec"
)

// Writer serializes a strictly ascending stream of key/value entries into an
// SSTable file. Entries accumulate in a page-sized chunk; when the next entry
// would push the encoded payload past the page size the chunk is flushed and
// a new one opens. A single entry larger than the page gets a chunk of its
// own: the page size is a target, not a hard cap.
type Writer struct {
	f    *os.File
	w    *bufio.Writer
	path string

	pageSize int
	comp     Compression

	offset uint64 // bytes emitted so far, including the header

	// Open chunk state.
	buf      []byte
	count    uint32
	chunkMin []byte

	firstKey []byte
	lastKey  []byte

	dir      []dirEntry
	entries  uint64
	finished bool
}

// Create opens path for writing and emits the file header. pageSize must fit
// the header's u16 field; zero selects DefaultPageSize.
func Create(path string, pageSize int, comp Compression) (*Writer, error) {
	if pageSize == 0 {
		pageSize = DefaultPageSize
	}
	if pageSize < 0 || pageSize > MaxPageSize {
		return nil, errors.Newf("sstable: page size %d out of range", pageSize)
	}
	version, err := comp.version()
	if err != nil {
		return nil, err
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrap(err, "sstable: create")
	}

	w := &Writer{
		f:        f,
		w:        bufio.NewWriter(f),
		path:     path,
		pageSize: pageSize,
		comp:     comp,
	}

	header := codec.AppendUint32(nil, Magic)
	header = append(header, byte(version>>8), byte(version))
	header = append(header, byte(pageSize>>8), byte(pageSize))
	if _, err := w.w.Write(header); err != nil {
		w.Abort()
		return nil, errors.Wrap(err, "sstable: write header")
	}
	w.offset = headerSize

	return w, nil
}

// Add appends one entry. Keys must arrive strictly ascending and unique.
func (w *Writer) Add(key, value []byte) error {
	if w.finished {
		return ErrFinished
	}
	if w.entries > 0 {
		switch cmp := bytes.Compare(key, w.lastKey); {
		case cmp < 0:
			return errors.Wrapf(ErrOutOfOrderKey, "%q after %q", key, w.lastKey)
		case cmp == 0:
			return errors.Wrapf(ErrDuplicateKey, "%q", key)
		}
	}

	enc := codec.AppendBytes(nil, key)
	enc = codec.AppendBytes(enc, value)

	if len(w.buf) > 0 && len(w.buf)+len(enc) > w.pageSize {
		if err := w.flushChunk(); err != nil {
			return err
		}
	}

	if len(w.buf) == 0 {
		w.chunkMin = append([]byte(nil), key...)
	}
	w.buf = append(w.buf, enc...)
	w.count++

	w.lastKey = append(w.lastKey[:0], key...)
	if w.entries == 0 {
		w.firstKey = append([]byte(nil), key...)
	}
	w.entries++

	return nil
}

// flushChunk compresses and writes the open chunk, recording its directory
// entry.
func (w *Writer) flushChunk() error {
	uncompressed := len(w.buf)
	payload := w.buf

	compressed, err := w.comp.compress(w.buf)
	if err != nil {
		return errors.Wrap(err, "sstable: compress chunk")
	}
	if compressed != nil {
		payload = compressed
	}

	header := codec.AppendUint32(nil, w.count)
	header = codec.AppendUint64(header, uint64(len(payload)))
	header = codec.AppendUint64(header, uint64(uncompressed))
	if _, err := w.w.Write(header); err != nil {
		return errors.Wrap(err, "sstable: write chunk header")
	}
	if _, err := w.w.Write(payload); err != nil {
		return errors.Wrap(err, "sstable: write chunk payload")
	}

	w.dir = append(w.dir, dirEntry{
		offset: w.offset,
		min:    w.chunkMin,
		max:    append([]byte(nil), w.lastKey...),
	})
	w.offset += chunkHeaderSize + uint64(len(payload))

	w.buf = w.buf[:0]
	w.count = 0
	w.chunkMin = nil

	return nil
}

// Finish flushes the last chunk, appends the chunk directory and footer, and
// syncs and closes the file. A table with no entries is legal: it carries
// zero chunks and an empty directory, but the footer is still present.
func (w *Writer) Finish() error {
	if w.finished {
		return ErrFinished
	}
	w.finished = true

	if w.count > 0 {
		if err := w.flushChunk(); err != nil {
			return err
		}
	}

	dirOffset := w.offset
	var dir []byte
	for _, e := range w.dir {
		dir = codec.AppendUint64(dir, e.offset)
		dir = codec.AppendBytes(dir, e.min)
		dir = codec.AppendBytes(dir, e.max)
	}
	if _, err := w.w.Write(dir); err != nil {
		return errors.Wrap(err, "sstable: write directory")
	}

	footer := codec.AppendUint64(nil, dirOffset)
	footer = codec.AppendUint32(footer, uint32(len(w.dir)))
	if _, err := w.w.Write(footer); err != nil {
		return errors.Wrap(err, "sstable: write footer")
	}

	if err := w.w.Flush(); err != nil {
		return errors.Wrap(err, "sstable: flush")
	}
	if err := w.f.Sync(); err != nil {
		return errors.Wrap(err, "sstable: sync")
	}
	if err := w.f.Close(); err != nil {
		return errors.Wrap(err, "sstable: close")
	}

	return nil
}

// Abort closes and removes the partially written file.
func (w *Writer) Abort() {
	w.finished = true
	if w.f != nil {
		_ = w.f.Close()
		_ = os.Remove(w.path)
	}
}

// EntryCount returns the number of entries added so far.
func (w *Writer) EntryCount() uint64 {
	return w.entries
}

// EstimatedSize returns the bytes emitted so far plus the open chunk.
func (w *Writer) EstimatedSize() uint64 {
	return w.offset + uint64(len(w.buf))
}

// Bounds returns the smallest and largest keys added so far.
func (w *Writer) Bounds() (min, max []byte) {
	return w.firstKey, w.lastKey
}

// Path returns the file path the writer was created with.
func (w *Writer) Path() string {
	return w.path
}
