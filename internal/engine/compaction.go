package engine

import (
	"bytes"
	"container/heap"
	"log"
	"os"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/quanta-kt/sanddb/internal/manifest"
	"github.com/quanta-kt/sanddb/internal/sstable"
)

// compactionWorker runs merges in the background, nudged after each flush and
// by a periodic tick.
func (e *Engine) compactionWorker() {
	defer e.wg.Done()

	ticker := time.NewTicker(compactionCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.closeCh:
			return
		case <-e.compactCh:
			e.runCompactions()
		case <-ticker.C:
			e.runCompactions()
		}
	}
}

// runCompactions drains eligible levels one merge at a time. A conflict or
// failure backs off until the next trigger.
func (e *Engine) runCompactions() {
	for {
		select {
		case <-e.closeCh:
			return
		default:
		}

		did, err := e.compactOnce()
		if err != nil {
			if !errors.Is(err, ErrClosed) {
				log.Printf("engine: compaction failed: %v", err)
			}
			return
		}
		if !did {
			return
		}
	}
}

// pickCompaction returns the source level due for compaction, or -1. Level 0
// is count-triggered; deeper levels use a size threshold that grows by the
// configured multiplier per level.
func (e *Engine) pickCompaction(v *version) int {
	if len(v.levels[0]) >= e.cfg.L0TriggerCount {
		return 0
	}
	threshold := e.cfg.LevelBaseBytes
	for level := 1; level < NumLevels-1; level++ {
		if v.sizeOf(level) > threshold {
			return level
		}
		threshold *= int64(e.cfg.LevelSizeMultiplier)
	}
	return -1
}

// compactOnce selects, merges, and installs a single compaction. The input
// list is ordered newest source first so the merge can resolve duplicate
// keys by input position alone.
func (e *Engine) compactOnce() (bool, error) {
	v := e.acquireVersion()
	defer v.release()

	level := e.pickCompaction(v)
	if level < 0 {
		return false, nil
	}
	target := level + 1

	var inputs []*tableHandle
	if level == 0 {
		// All of level 0 (newest first), plus every level-1 table the union
		// of their ranges touches.
		l0 := v.levels[0]
		for i := len(l0) - 1; i >= 0; i-- {
			inputs = append(inputs, l0[i])
		}
		lo, hi := rangeUnion(l0)
		for _, t := range v.levels[1] {
			if t.overlaps(lo, hi) {
				inputs = append(inputs, t)
			}
		}
	} else {
		// One table from the source level — the oldest, by id, so writes
		// migrate down in arrival order — plus the overlapping targets.
		src := oldestTable(v.levels[level])
		inputs = append(inputs, src)
		for _, t := range v.levels[target] {
			if t.overlaps(src.min, src.max) {
				inputs = append(inputs, t)
			}
		}
	}

	if err := e.claim(inputs); err != nil {
		return false, err
	}
	defer e.unclaim(inputs)

	// Tombstones can be discarded once nothing deeper could hold an older
	// value for their keys.
	dropTombstones := true
	for l := target + 1; l < NumLevels; l++ {
		if len(v.levels[l]) > 0 {
			dropTombstones = false
			break
		}
	}

	outputs, err := e.mergeInputs(inputs, target, dropTombstones)
	if err != nil {
		return false, err
	}

	events := make([]manifest.Event, 0, len(outputs)+len(inputs))
	for _, t := range outputs {
		events = append(events, manifest.Add(manifest.Record{
			Level: target,
			Min:   t.min,
			Max:   t.max,
			ID:    t.id,
		}))
	}
	for _, t := range inputs {
		events = append(events, manifest.Remove(t.id))
	}
	// Adds precede removes inside one durable batch: a crash mid-install
	// leaves either the old set or a superset, never a gap.
	if err := e.man.Append(events...); err != nil {
		discardOutputs(outputs)
		return false, err
	}

	removed := make(map[uint64]bool, len(inputs))
	for _, t := range inputs {
		removed[t.id] = true
		t.obsolete.Store(true)
	}
	e.installVersion(outputs, removed)

	e.metrics.compactionDone(outputs)
	return true, nil
}

// claim reserves the inputs against a competing compaction.
func (e *Engine) claim(inputs []*tableHandle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range inputs {
		if e.claimed[t.id] {
			return errors.Wrapf(ErrCompactionConflict, "table %d", t.id)
		}
	}
	for _, t := range inputs {
		e.claimed[t.id] = true
	}
	return nil
}

func (e *Engine) unclaim(inputs []*tableHandle) {
	e.mu.Lock()
	for _, t := range inputs {
		delete(e.claimed, t.id)
	}
	e.mu.Unlock()
}

// mergeItem is one pending entry in the k-way merge. src is the input's
// position: lower positions are newer and win duplicate keys.
type mergeItem struct {
	key    []byte
	value  []byte
	src    int
	level  int
}

type mergeHeap []*mergeItem

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	if c := bytes.Compare(h[i].key, h[j].key); c != 0 {
		return c < 0
	}
	return h[i].src < h[j].src
}
func (h mergeHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x interface{}) { *h = append(*h, x.(*mergeItem)) }
func (h *mergeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// mergeInputs streams the inputs through a min-heap into one or more tables
// at the target level, splitting at the configured file size target. On any
// failure (including close-triggered cancellation) every partial output is
// deleted.
func (e *Engine) mergeInputs(inputs []*tableHandle, target int, dropTombstones bool) ([]*tableHandle, error) {
	iters := make([]*sstable.Iterator, len(inputs))
	for i, t := range inputs {
		iters[i] = t.r.Scan(nil, nil)
	}

	h := &mergeHeap{}
	heap.Init(h)
	advance := func(src int) error {
		key, value, ok := iters[src].Next()
		if !ok {
			return iters[src].Err()
		}
		heap.Push(h, &mergeItem{key: key, value: value, src: src, level: inputs[src].level})
		return nil
	}
	for i := range inputs {
		if err := advance(i); err != nil {
			return nil, err
		}
	}

	var (
		outputs []*tableHandle
		w       *sstable.Writer
		wID     uint64
		n       int
	)
	fail := func(err error) ([]*tableHandle, error) {
		if w != nil {
			w.Abort()
		}
		discardOutputs(outputs)
		return nil, err
	}
	finishOutput := func() error {
		if err := w.Finish(); err != nil {
			return err
		}
		t, err := e.openTable(wID, target)
		if err != nil {
			_ = os.Remove(e.tablePath(wID))
			return err
		}
		outputs = append(outputs, t)
		w = nil
		return nil
	}

	for h.Len() > 0 {
		// Cooperative cancellation: on close the partial output is discarded
		// and the inputs stay in place.
		if n%256 == 0 {
			select {
			case <-e.closeCh:
				return fail(ErrClosed)
			default:
			}
		}
		n++

		item := heap.Pop(h).(*mergeItem)
		if err := advance(item.src); err != nil {
			return fail(err)
		}

		// Shed older entries for the same key. Equal keys inside one level
		// below 0 mean the disjointness invariant is already broken. Inputs
		// are grouped by level, so same-level duplicates pop back to back.
		lastLevel := item.level
		for h.Len() > 0 && bytes.Equal((*h)[0].key, item.key) {
			dup := heap.Pop(h).(*mergeItem)
			if dup.level >= 1 && dup.level == lastLevel {
				return fail(errors.Wrapf(ErrCorruptLevel,
					"duplicate key %q at level %d", dup.key, dup.level))
			}
			lastLevel = dup.level
			if err := advance(dup.src); err != nil {
				return fail(err)
			}
		}

		kind, _, err := sstable.DecodeRecord(item.value)
		if err != nil {
			return fail(err)
		}
		if dropTombstones && kind == sstable.KindTombstone {
			continue
		}

		if w == nil {
			wID = e.man.AllocateID()
			w, err = sstable.Create(e.tablePath(wID), e.cfg.PageSize, e.cfg.Compression)
			if err != nil {
				return fail(err)
			}
		}
		if err := w.Add(item.key, item.value); err != nil {
			return fail(err)
		}
		if w.EstimatedSize() >= uint64(e.cfg.CompactionFileTargetBytes) {
			if err := finishOutput(); err != nil {
				return fail(err)
			}
		}
	}

	if w != nil {
		if err := finishOutput(); err != nil {
			return fail(err)
		}
	}

	return outputs, nil
}

// discardOutputs closes and deletes freshly written, not-yet-installed tables.
func discardOutputs(outputs []*tableHandle) {
	for _, t := range outputs {
		_ = t.r.Close()
		_ = os.Remove(t.path)
	}
}

// rangeUnion returns the smallest interval covering every table's range.
func rangeUnion(tables []*tableHandle) (lo, hi []byte) {
	for i, t := range tables {
		if i == 0 {
			lo, hi = t.min, t.max
			continue
		}
		if bytes.Compare(t.min, lo) < 0 {
			lo = t.min
		}
		if bytes.Compare(t.max, hi) > 0 {
			hi = t.max
		}
	}
	return lo, hi
}

// oldestTable returns the table with the lowest id; ids grow monotonically,
// so the lowest id is the oldest table at the level.
func oldestTable(tables []*tableHandle) *tableHandle {
	oldest := tables[0]
	for _, t := range tables[1:] {
		if t.id < oldest.id {
			oldest = t
		}
	}
	return oldest
}
