package sstable

import (
	"bytes"
	"sort"
)

// Iterator is a lazy, single-pass scan over the entries of one SSTable whose
// keys fall in [lo, hi]. At most one decompressed chunk is held at a time.
type Iterator struct {
	r  *Reader
	lo []byte // pending inclusive lower bound; nil once applied
	hi []byte // inclusive upper bound; nil means unbounded

	chunk   int // next directory index to load
	entries []entryKV
	pos     int
	done    bool
	err     error
}

// Scan returns an iterator over entries with lo <= key <= hi. A nil bound is
// open on that side.
func (r *Reader) Scan(lo, hi []byte) *Iterator {
	start := 0
	if lo != nil {
		start = sort.Search(len(r.dir), func(i int) bool {
			return bytes.Compare(r.dir[i].max, lo) >= 0
		})
	}
	return &Iterator{r: r, lo: lo, hi: hi, chunk: start}
}

// Next returns the next entry in key order. It returns false when the scan is
// exhausted or failed; check Err afterwards.
func (it *Iterator) Next() (key, value []byte, ok bool) {
	for {
		if it.done || it.err != nil {
			return nil, nil, false
		}

		if it.pos < len(it.entries) {
			e := it.entries[it.pos]
			it.pos++
			if it.hi != nil && bytes.Compare(e.key, it.hi) > 0 {
				it.done = true
				return nil, nil, false
			}
			return e.key, e.value, true
		}

		if it.chunk >= len(it.r.dir) {
			it.done = true
			return nil, nil, false
		}
		d := it.r.dir[it.chunk]
		if it.hi != nil && bytes.Compare(d.min, it.hi) > 0 {
			it.done = true
			return nil, nil, false
		}

		it.entries, it.err = it.r.readChunk(d)
		it.chunk++
		it.pos = 0
		if it.err != nil {
			return nil, nil, false
		}
		if it.lo != nil {
			lo := it.lo
			it.pos = sort.Search(len(it.entries), func(i int) bool {
				return bytes.Compare(it.entries[i].key, lo) >= 0
			})
			it.lo = nil
		}
	}
}

// Err reports the first failure encountered while scanning.
func (it *Iterator) Err() error {
	return it.err
}
