// Package memtable implements the in-memory sorted buffer of recent writes.
package memtable

import (
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
)

// ErrSealed indicates a mutation after Seal.
var ErrSealed = errors.New("memtable: sealed")

// entryOverhead approximates the per-entry bookkeeping cost counted by Bytes,
// on top of the raw key and value lengths.
const entryOverhead = 32

// Entry is one key's latest state: a value or a tombstone.
type Entry struct {
	Key       []byte
	Value     []byte
	Tombstone bool
}

// Memtable maps keys to their most recent put or delete. Writers take the
// exclusive lock; readers share. After Seal the table is immutable and only
// reads and iteration remain legal.
type Memtable struct {
	mu     sync.RWMutex
	data   map[string]Entry
	size   int64
	sealed bool
}

// New returns an empty memtable.
func New() *Memtable {
	return &Memtable{data: make(map[string]Entry)}
}

// Put records key -> value, replacing any prior state for key.
func (m *Memtable) Put(key, value []byte) error {
	return m.set(key, Entry{
		Key:   append([]byte(nil), key...),
		Value: append([]byte(nil), value...),
	})
}

// Delete records a tombstone for key, shadowing any prior value.
func (m *Memtable) Delete(key []byte) error {
	return m.set(key, Entry{
		Key:       append([]byte(nil), key...),
		Tombstone: true,
	})
}

func (m *Memtable) set(key []byte, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sealed {
		return ErrSealed
	}

	k := string(key)
	if old, ok := m.data[k]; ok {
		m.size -= entrySize(old)
	}
	m.data[k] = e
	m.size += entrySize(e)

	return nil
}

// Get returns the latest state recorded for key. ok is false when the
// memtable holds nothing for key; a true ok with a true tombstone means the
// key was deleted here.
func (m *Memtable) Get(key []byte) (value []byte, tombstone, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.data[string(key)]
	if !ok {
		return nil, false, false
	}
	return e.Value, e.Tombstone, true
}

// Bytes approximates the encoded footprint of the table's contents.
func (m *Memtable) Bytes() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.size
}

// Len returns the number of distinct keys.
func (m *Memtable) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// Seal makes the table immutable. Sealing twice is a no-op.
func (m *Memtable) Seal() {
	m.mu.Lock()
	m.sealed = true
	m.mu.Unlock()
}

// Sealed reports whether Seal has been called.
func (m *Memtable) Sealed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sealed
}

// Iter returns every entry, tombstones included, sorted ascending by key.
func (m *Memtable) Iter() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := make([]Entry, 0, len(m.data))
	for _, e := range m.data {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return string(entries[i].Key) < string(entries[j].Key)
	})
	return entries
}

func entrySize(e Entry) int64 {
	return entryOverhead + int64(len(e.Key)) + int64(len(e.Value))
}
