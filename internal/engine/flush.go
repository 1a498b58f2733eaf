package engine

import (
	"log"
	"os"

	"github.com/quanta-kt/sanddb/internal/manifest"
	"github.com/quanta-kt/sanddb/internal/memtable"
	"github.com/quanta-kt/sanddb/internal/sstable"
)

// flushWorker drains sealed memtables in FIFO order. A failed flush leaves
// the memtable in the sealed list, so reads keep serving it; Close retries
// the flush synchronously.
func (e *Engine) flushWorker() {
	defer e.wg.Done()

	for {
		select {
		case <-e.closeCh:
			return
		case mt := <-e.flushCh:
			if err := e.flushOne(mt); err != nil {
				log.Printf("engine: flush failed: %v", err)
			}
		}
	}
}

// flushOne writes one sealed memtable as a level-0 SSTable, records the
// addition in the manifest, publishes the new level set, and retires the
// memtable. The manifest append is the point at which the flush becomes
// visible and durable: a crash before it leaves an orphan file and the
// memtable's writes are simply absent, never half-applied.
func (e *Engine) flushOne(mt *memtable.Memtable) error {
	entries := mt.Iter()
	if len(entries) == 0 {
		e.dropSealed(mt)
		return nil
	}

	id := e.man.AllocateID()
	path := e.tablePath(id)

	w, err := sstable.Create(path, e.cfg.PageSize, e.cfg.Compression)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		kind := sstable.KindValue
		if entry.Tombstone {
			kind = sstable.KindTombstone
		}
		if err := w.Add(entry.Key, sstable.EncodeRecord(kind, entry.Value)); err != nil {
			w.Abort()
			return err
		}
	}
	if err := w.Finish(); err != nil {
		w.Abort()
		return err
	}

	t, err := e.openTable(id, 0)
	if err != nil {
		_ = os.Remove(path)
		return err
	}

	min := entries[0].Key
	max := entries[len(entries)-1].Key
	if err := e.man.Append(manifest.Add(manifest.Record{
		Level: 0,
		Min:   min,
		Max:   max,
		ID:    id,
	})); err != nil {
		_ = t.r.Close()
		_ = os.Remove(path)
		return err
	}

	e.installVersion([]*tableHandle{t}, nil)
	e.dropSealed(mt)

	e.metrics.flushDone(t.size)

	e.maybeScheduleCompaction()
	return nil
}

// dropSealed removes mt from the sealed list once its contents are durable
// (or empty).
func (e *Engine) dropSealed(mt *memtable.Memtable) {
	e.mu.Lock()
	for i, s := range e.sealed {
		if s == mt {
			e.sealed = append(e.sealed[:i], e.sealed[i+1:]...)
			break
		}
	}
	e.mu.Unlock()
}

// maybeScheduleCompaction nudges the compaction worker without blocking.
func (e *Engine) maybeScheduleCompaction() {
	select {
	case e.compactCh <- struct{}{}:
	default:
	}
}
