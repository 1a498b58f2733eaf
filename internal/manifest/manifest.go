// Package manifest implements the append-only log of SSTable membership.
// Replaying the log reconstructs which tables compose each level; appending
// and syncing an event is the point at which a membership change becomes
// durable.
//
// File layout:
//
//	header  13 bytes  magic:u32  version:u8  next SST id:u64
//	events  repeated  crc32c:u32  length:u32  type:u8  payload
//
// The CRC covers the type byte and payload only. A torn or corrupt suffix is
// not fatal: replay stops at the first bad frame and the file is truncated
// back to the last valid boundary.
package manifest

import (
	"encoding/binary"
	"io"
	"os"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/quanta-kt/sanddb/internal/codec"
)

const (
	// Magic identifies a manifest file.
	Magic uint32 = 0xBEEFFE57

	// Version is the only supported manifest version.
	Version uint8 = 1

	headerSize      = 13
	frameHeaderSize = 8 // crc:u32 + length:u32

	// maxKeyLen caps key lengths accepted during replay.
	maxKeyLen = 1 << 20
)

// Event types.
const (
	eventAdd    uint8 = 1
	eventRemove uint8 = 2
)

var (
	// ErrBadMagic indicates the file does not start with Magic.
	ErrBadMagic = errors.New("manifest: bad magic")

	// ErrUnsupportedVersion indicates an unknown manifest version.
	ErrUnsupportedVersion = errors.New("manifest: unsupported version")

	// ErrShortHeader indicates the file cannot hold a full header.
	ErrShortHeader = errors.New("manifest: truncated header")
)

// Record describes one live SSTable: its level, key range, and id.
type Record struct {
	Level int
	Min   []byte
	Max   []byte
	ID    uint64
}

// Event is one membership change. Remove events carry only the id.
type Event struct {
	Type   uint8
	Record Record
}

// Add builds an add event for rec.
func Add(rec Record) Event {
	return Event{Type: eventAdd, Record: rec}
}

// Remove builds a remove event for id.
func Remove(id uint64) Event {
	return Event{Type: eventRemove, Record: Record{ID: id}}
}

// Log is an open manifest. All methods are safe for concurrent use.
type Log struct {
	mu     sync.Mutex
	f      *os.File
	path   string
	nextID uint64
	events int
}

// Open reads or creates the manifest at path and returns the replayed live
// set. Any torn or corrupt tail is truncated away before the log accepts new
// appends.
func Open(path string) (*Log, []Record, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, nil, errors.Wrap(err, "manifest: open")
	}

	l := &Log{f: f, path: path, nextID: 1}

	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, nil, errors.Wrap(err, "manifest: stat")
	}

	if st.Size() == 0 {
		if err := l.writeHeader(); err != nil {
			_ = f.Close()
			return nil, nil, err
		}
		if _, err := f.Seek(headerSize, io.SeekStart); err != nil {
			_ = f.Close()
			return nil, nil, errors.Wrap(err, "manifest: seek")
		}
		return l, nil, nil
	}

	live, err := l.replay(st.Size())
	if err != nil {
		_ = f.Close()
		return nil, nil, err
	}
	return l, live, nil
}

func (l *Log) writeHeader() error {
	header := codec.AppendUint32(nil, Magic)
	header = codec.AppendUint8(header, Version)
	header = codec.AppendUint64(header, l.nextID)
	if _, err := l.f.WriteAt(header, 0); err != nil {
		return errors.Wrap(err, "manifest: write header")
	}
	if err := l.f.Sync(); err != nil {
		return errors.Wrap(err, "manifest: sync header")
	}
	return nil
}

// replay reads the header, applies every valid event, and truncates the file
// back to the last valid frame boundary.
func (l *Log) replay(size int64) ([]Record, error) {
	if size < headerSize {
		return nil, ErrShortHeader
	}

	var header [headerSize]byte
	if _, err := l.f.ReadAt(header[:], 0); err != nil {
		return nil, errors.Wrap(err, "manifest: read header")
	}
	if binary.BigEndian.Uint32(header[0:4]) != Magic {
		return nil, ErrBadMagic
	}
	if header[4] != Version {
		return nil, errors.Wrapf(ErrUnsupportedVersion, "version %d", header[4])
	}
	l.nextID = binary.BigEndian.Uint64(header[5:13])

	// Apply events in order: adds append, removes cancel a prior add with the
	// same id. Order is preserved so level-0 recency survives replay.
	var added []Record
	removed := make(map[uint64]bool)
	maxID := uint64(0)

	offset := int64(headerSize)
	for {
		var fh [frameHeaderSize]byte
		if offset+frameHeaderSize > size {
			break
		}
		if _, err := l.f.ReadAt(fh[:], offset); err != nil {
			return nil, errors.Wrap(err, "manifest: read frame")
		}
		crc := binary.BigEndian.Uint32(fh[0:4])
		length := int64(binary.BigEndian.Uint32(fh[4:8]))

		if offset+frameHeaderSize+length > size {
			break // torn tail
		}

		body := make([]byte, length)
		if _, err := l.f.ReadAt(body, offset+frameHeaderSize); err != nil {
			return nil, errors.Wrap(err, "manifest: read frame body")
		}
		if codec.Checksum(body) != crc {
			break // corrupt tail
		}

		rec, typ, ok := decodeEvent(body)
		if !ok {
			break
		}
		switch typ {
		case eventAdd:
			added = append(added, rec)
			if rec.ID > maxID {
				maxID = rec.ID
			}
		case eventRemove:
			removed[rec.ID] = true
		}

		offset += frameHeaderSize + length
		l.events++
	}

	if offset < size {
		if err := l.f.Truncate(offset); err != nil {
			return nil, errors.Wrap(err, "manifest: truncate torn tail")
		}
	}
	if _, err := l.f.Seek(offset, io.SeekStart); err != nil {
		return nil, errors.Wrap(err, "manifest: seek")
	}

	if maxID >= l.nextID {
		l.nextID = maxID + 1
	}

	live := make([]Record, 0, len(added))
	for _, rec := range added {
		if !removed[rec.ID] {
			live = append(live, rec)
		}
	}
	return live, nil
}

func decodeEvent(body []byte) (Record, uint8, bool) {
	typ, rest, err := codec.Uint8(body)
	if err != nil {
		return Record{}, 0, false
	}
	switch typ {
	case eventAdd:
		level, rest, err := codec.Uint8(rest)
		if err != nil {
			return Record{}, 0, false
		}
		min, rest, err := codec.Bytes(rest, maxKeyLen)
		if err != nil {
			return Record{}, 0, false
		}
		max, rest, err := codec.Bytes(rest, maxKeyLen)
		if err != nil {
			return Record{}, 0, false
		}
		id, rest, err := codec.Uint64(rest)
		if err != nil || len(rest) != 0 {
			return Record{}, 0, false
		}
		return Record{
			Level: int(level),
			Min:   append([]byte(nil), min...),
			Max:   append([]byte(nil), max...),
			ID:    id,
		}, typ, true
	case eventRemove:
		id, rest, err := codec.Uint64(rest)
		if err != nil || len(rest) != 0 {
			return Record{}, 0, false
		}
		return Record{ID: id}, typ, true
	default:
		return Record{}, 0, false
	}
}

func encodeEvent(ev Event) []byte {
	body := codec.AppendUint8(nil, ev.Type)
	switch ev.Type {
	case eventAdd:
		body = codec.AppendUint8(body, uint8(ev.Record.Level))
		body = codec.AppendBytes(body, ev.Record.Min)
		body = codec.AppendBytes(body, ev.Record.Max)
		body = codec.AppendUint64(body, ev.Record.ID)
	case eventRemove:
		body = codec.AppendUint64(body, ev.Record.ID)
	}

	frame := codec.AppendUint32(nil, codec.Checksum(body))
	frame = codec.AppendUint32(frame, uint32(len(body)))
	return append(frame, body...)
}

// Append writes the given events as one batch and syncs the file. Only after
// Append returns is the membership change considered applied.
func (l *Log) Append(events ...Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var buf []byte
	for _, ev := range events {
		buf = append(buf, encodeEvent(ev)...)
	}
	if _, err := l.f.Write(buf); err != nil {
		return errors.Wrap(err, "manifest: append")
	}
	if err := l.f.Sync(); err != nil {
		return errors.Wrap(err, "manifest: sync")
	}
	l.events += len(events)
	return nil
}

// AllocateID hands out the next SSTable id.
func (l *Log) AllocateID() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.nextID
	l.nextID++
	return id
}

// NextID returns the next id without allocating it.
func (l *Log) NextID() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextID
}

// EventCount returns the number of events replayed plus appended since open.
// Rewrite resets it to the number of records the compact manifest holds.
func (l *Log) EventCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.events
}

// Rewrite replaces the manifest with a compact one holding a single add event
// per live record. The replacement is written to a temp file, synced, and
// renamed over the original, so a crash leaves one valid manifest or the
// other. The new header carries the current next SST id.
func (l *Log) Rewrite(live []Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	tmpPath := l.path + ".tmp"
	tmp, err := os.Create(tmpPath)
	if err != nil {
		return errors.Wrap(err, "manifest: create temp")
	}

	header := codec.AppendUint32(nil, Magic)
	header = codec.AppendUint8(header, Version)
	header = codec.AppendUint64(header, l.nextID)
	buf := header
	for _, rec := range live {
		buf = append(buf, encodeEvent(Add(rec))...)
	}

	if _, err := tmp.Write(buf); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return errors.Wrap(err, "manifest: write temp")
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return errors.Wrap(err, "manifest: sync temp")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrap(err, "manifest: close temp")
	}

	if err := os.Rename(tmpPath, l.path); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrap(err, "manifest: rename")
	}

	f, err := os.OpenFile(l.path, os.O_RDWR, 0644)
	if err != nil {
		return errors.Wrap(err, "manifest: reopen")
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		_ = f.Close()
		return errors.Wrap(err, "manifest: seek")
	}
	_ = l.f.Close()
	l.f = f
	l.events = len(live)

	return nil
}

// Close persists the next SST id into the header and releases the file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var id [8]byte
	binary.BigEndian.PutUint64(id[:], l.nextID)
	if _, err := l.f.WriteAt(id[:], 5); err != nil {
		_ = l.f.Close()
		return errors.Wrap(err, "manifest: persist next id")
	}
	if err := l.f.Sync(); err != nil {
		_ = l.f.Close()
		return errors.Wrap(err, "manifest: sync")
	}
	return l.f.Close()
}
