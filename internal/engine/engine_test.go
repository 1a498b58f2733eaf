package engine

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/quanta-kt/sanddb/internal/sstable"
)

// testConfig shrinks every threshold so a handful of writes exercises the
// whole flush and compaction machinery. The level-0 trigger is raised so
// compaction only runs when a test wants it.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PageSize = 512
	cfg.MemtableFlushBytes = 1024
	cfg.FlushQueueDepth = 2
	cfg.L0TriggerCount = 100
	cfg.LevelBaseBytes = 4096
	cfg.LevelSizeMultiplier = 2
	cfg.CompactionFileTargetBytes = 4096
	return cfg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func mustGet(t *testing.T, e *Engine, key string) (string, bool) {
	t.Helper()
	v, ok, err := e.Get([]byte(key))
	if err != nil {
		t.Fatalf("Get(%q) failed: %v", key, err)
	}
	return string(v), ok
}

func TestEmptyRoundTrip(t *testing.T) {
	dir := t.TempDir()

	e, err := Open(dir, testConfig())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, ok := mustGet(t, e, "a"); ok {
		t.Error("Expected absent key in fresh database")
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	e, err = Open(dir, testConfig())
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer e.Close()
	if _, ok := mustGet(t, e, "a"); ok {
		t.Error("Expected absent key after reopen")
	}
}

func TestBasicPersistence(t *testing.T) {
	dir := t.TempDir()

	e, err := Open(dir, testConfig())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := e.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	e, err = Open(dir, testConfig())
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer e.Close()

	if v, ok := mustGet(t, e, "k"); !ok || v != "v" {
		t.Errorf("Expected v, got %q ok=%v", v, ok)
	}
}

func TestFlushThreshold(t *testing.T) {
	dir := t.TempDir()

	e, err := Open(dir, testConfig())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer e.Close()

	value := bytes.Repeat([]byte("v"), 20)
	for i := 0; i < 100; i++ {
		if err := e.Put([]byte(fmt.Sprintf("key%02d", i)), value); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	waitFor(t, "level-0 flush", func() bool {
		return e.Stats().TablesPerLevel[0] >= 1
	})

	if v, ok := mustGet(t, e, "key42"); !ok || v != string(value) {
		t.Errorf("Get(key42) = %q ok=%v", v, ok)
	}

	// Every flushed table must pass the reader's directory validation.
	v := e.acquireVersion()
	defer v.release()
	for _, tbl := range v.levels[0] {
		if _, err := sstable.Open(tbl.r.Path()); err != nil {
			t.Errorf("Table %d failed validation: %v", tbl.id, err)
		}
	}
}

func TestReadsSeeAllLayers(t *testing.T) {
	dir := t.TempDir()

	cfg := testConfig()
	cfg.MemtableFlushBytes = 1 // rotate on every write
	e, err := Open(dir, cfg)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer e.Close()

	for i := 0; i < 10; i++ {
		key := fmt.Sprintf("k%d", i)
		if err := e.Put([]byte(key), []byte("v"+key)); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	// Values must be readable whether they sit in the active memtable, a
	// sealed memtable, or a flushed table.
	for i := 0; i < 10; i++ {
		key := fmt.Sprintf("k%d", i)
		if v, ok := mustGet(t, e, key); !ok || v != "v"+key {
			t.Errorf("Get(%q) = %q ok=%v", key, v, ok)
		}
	}
}

func TestDeleteHidesOlderValues(t *testing.T) {
	dir := t.TempDir()

	cfg := testConfig()
	e, err := Open(dir, cfg)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if err := e.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := e.Delete([]byte("k")); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, ok := mustGet(t, e, "k"); ok {
		t.Error("Expected deleted key to be absent")
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// The tombstone persists across restart.
	e, err = Open(dir, cfg)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer e.Close()
	if _, ok := mustGet(t, e, "k"); ok {
		t.Error("Expected deleted key to stay absent after reopen")
	}
}

func TestTombstoneShadowsFlushedValue(t *testing.T) {
	dir := t.TempDir()

	cfg := testConfig()
	cfg.MemtableFlushBytes = 1
	e, err := Open(dir, cfg)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer e.Close()

	if err := e.Put([]byte("k"), []byte("old")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	waitFor(t, "value flush", func() bool { return e.Stats().TablesPerLevel[0] >= 1 })

	if err := e.Delete([]byte("k")); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	waitFor(t, "tombstone flush", func() bool { return e.Stats().TablesPerLevel[0] >= 2 })

	// The newer level-0 table's tombstone wins over the older value.
	if _, ok := mustGet(t, e, "k"); ok {
		t.Error("Expected tombstone in newer table to hide older value")
	}
}

func TestOverwriteSurvivesCompaction(t *testing.T) {
	dir := t.TempDir()

	cfg := testConfig()
	cfg.MemtableFlushBytes = 1
	cfg.L0TriggerCount = 2
	e, err := Open(dir, cfg)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer e.Close()

	if err := e.Put([]byte("k"), []byte("v1")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	waitFor(t, "first flush", func() bool { return e.Stats().TablesPerLevel[0] >= 1 })
	if err := e.Put([]byte("k"), []byte("v2")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	// Level 0 may already have been compacted away by the time the test
	// looks, so the flush counter marks the second flush.
	waitFor(t, "second flush", func() bool { return e.Stats().Flushes >= 2 })

	// The second flush reaches the level-0 trigger; the background worker
	// compacts into level 1 and the newer write must win the merge.
	waitFor(t, "compaction", func() bool {
		stats := e.Stats()
		return stats.TablesPerLevel[0] == 0 && stats.TablesPerLevel[1] >= 1
	})

	if v, ok := mustGet(t, e, "k"); !ok || v != "v2" {
		t.Errorf("Expected v2 after compaction, got %q ok=%v", v, ok)
	}

	// Exactly one record for k remains at levels >= 1.
	v := e.acquireVersion()
	defer v.release()
	count := 0
	for level := 1; level < NumLevels; level++ {
		for _, tbl := range v.levels[level] {
			if _, ok, err := tbl.r.Get([]byte("k")); err != nil {
				t.Fatalf("Table read failed: %v", err)
			} else if ok {
				count++
			}
		}
	}
	if count != 1 {
		t.Errorf("Expected exactly 1 record for k at levels >= 1, found %d", count)
	}
}

func TestCompactionDropsBottomTombstones(t *testing.T) {
	dir := t.TempDir()

	cfg := testConfig()
	cfg.MemtableFlushBytes = 1
	cfg.L0TriggerCount = 2
	e, err := Open(dir, cfg)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer e.Close()

	if err := e.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	waitFor(t, "value flush", func() bool { return e.Stats().TablesPerLevel[0] >= 1 })
	if err := e.Delete([]byte("k")); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	waitFor(t, "compaction", func() bool {
		stats := e.Stats()
		return stats.TablesPerLevel[0] == 0 && stats.SealedMemtables == 0
	})

	if _, ok := mustGet(t, e, "k"); ok {
		t.Error("Expected key to stay absent after compaction")
	}

	// Nothing sits below level 1, so the tombstone itself is dropped.
	v := e.acquireVersion()
	defer v.release()
	for level := 1; level < NumLevels; level++ {
		for _, tbl := range v.levels[level] {
			if _, ok, err := tbl.r.Get([]byte("k")); err != nil {
				t.Fatalf("Table read failed: %v", err)
			} else if ok {
				t.Error("Expected tombstone to be discarded at the bottom level")
			}
		}
	}
}

func TestCrashBeforeManifestAppend(t *testing.T) {
	dir := t.TempDir()

	e, err := Open(dir, testConfig())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := e.Put([]byte("kept"), []byte("v")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Simulate a crash between SSTable write and manifest append: a fully
	// written table file whose id the manifest never recorded.
	orphan := filepath.Join(dir, "99.sst")
	w, err := sstable.Create(orphan, 512, sstable.CompressionNone)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := w.Add([]byte("ghost"), sstable.EncodeRecord(sstable.KindValue, []byte("boo"))); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := w.Finish(); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}

	e, err = Open(dir, testConfig())
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer e.Close()

	if _, ok := mustGet(t, e, "ghost"); ok {
		t.Error("Orphan table must not appear in the live set")
	}
	if v, ok := mustGet(t, e, "kept"); !ok || v != "v" {
		t.Errorf("Pre-crash state lost: %q ok=%v", v, ok)
	}
	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Error("Expected orphan file to be deleted on open")
	}
}

func TestCorruptManifestTailRecovered(t *testing.T) {
	dir := t.TempDir()

	cfg := testConfig()
	cfg.MemtableFlushBytes = 1
	e, err := Open(dir, cfg)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := e.Put([]byte(fmt.Sprintf("k%d", i)), []byte("v")); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}
	waitFor(t, "flushes", func() bool { return e.Stats().TablesPerLevel[0] >= 3 })
	if err := e.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	manifestPath := filepath.Join(dir, manifestName)
	st, err := os.Stat(manifestPath)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if err := os.Truncate(manifestPath, st.Size()-5); err != nil {
		t.Fatalf("Truncate failed: %v", err)
	}

	e, err = Open(dir, cfg)
	if err != nil {
		t.Fatalf("Reopen after torn tail failed: %v", err)
	}
	defer e.Close()

	// The table whose add event was torn is gone; the rest survive and the
	// engine accepts new writes.
	stats := e.Stats()
	if stats.TablesPerLevel[0] != 2 {
		t.Errorf("Expected 2 surviving tables, got %d", stats.TablesPerLevel[0])
	}
	if err := e.Put([]byte("after"), []byte("v")); err != nil {
		t.Errorf("Put after recovery failed: %v", err)
	}
	if v, ok := mustGet(t, e, "after"); !ok || v != "v" {
		t.Errorf("Get after recovery = %q ok=%v", v, ok)
	}
}

func TestReopenIsStable(t *testing.T) {
	dir := t.TempDir()

	cfg := testConfig()
	e, err := Open(dir, cfg)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	for i := 0; i < 50; i++ {
		if err := e.Put([]byte(fmt.Sprintf("key%02d", i)), bytes.Repeat([]byte("v"), 30)); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// open(close(open(dir))) yields the same live set twice in a row.
	e, err = Open(dir, cfg)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	first := e.Stats().TablesPerLevel
	if err := e.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	e, err = Open(dir, cfg)
	if err != nil {
		t.Fatalf("Second reopen failed: %v", err)
	}
	defer e.Close()
	second := e.Stats().TablesPerLevel

	for i := range first {
		if first[i] != second[i] {
			t.Errorf("Level %d: %d tables then %d tables across reopens", i, first[i], second[i])
		}
	}
	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("key%02d", i)
		if _, ok := mustGet(t, e, key); !ok {
			t.Errorf("Key %q lost across reopens", key)
		}
	}
}

func TestSequentialVisibility(t *testing.T) {
	dir := t.TempDir()

	cfg := testConfig()
	cfg.MemtableFlushBytes = 256
	e, err := Open(dir, cfg)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer e.Close()

	// The final visible state equals the puts applied in order, regardless
	// of how flushes interleave.
	final := make(map[string]string)
	for i := 0; i < 300; i++ {
		key := fmt.Sprintf("key%d", i%40)
		val := fmt.Sprintf("val%d", i)
		if err := e.Put([]byte(key), []byte(val)); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		final[key] = val

		if v, ok := mustGet(t, e, key); !ok || v != val {
			t.Fatalf("Write %d not visible to its own reader: got %q ok=%v", i, v, ok)
		}
	}

	for key, want := range final {
		if v, ok := mustGet(t, e, key); !ok || v != want {
			t.Errorf("Get(%q) = %q ok=%v, want %q", key, v, ok, want)
		}
	}
}

func TestCompactionConflictBacksOff(t *testing.T) {
	dir := t.TempDir()

	cfg := testConfig()
	cfg.MemtableFlushBytes = 1
	cfg.L0TriggerCount = 2
	e, err := Open(dir, cfg)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer e.Close()

	// Claim the first flushed table before the trigger count is reached, so
	// the background compactor hits the conflict and backs off.
	if err := e.Put([]byte("k0"), []byte("v")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	waitFor(t, "first flush", func() bool { return e.Stats().TablesPerLevel[0] >= 1 })

	v := e.acquireVersion()
	victim := v.levels[0][0]
	v.release()
	e.mu.Lock()
	e.claimed[victim.id] = true
	e.mu.Unlock()

	if err := e.Put([]byte("k1"), []byte("v")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	waitFor(t, "second flush", func() bool { return e.Stats().TablesPerLevel[0] >= 2 })

	if _, err := e.compactOnce(); !errors.Is(err, ErrCompactionConflict) {
		t.Errorf("Expected ErrCompactionConflict, got %v", err)
	}
	if got := e.Stats().TablesPerLevel[0]; got != 2 {
		t.Errorf("Conflicted compaction must leave level 0 untouched, got %d tables", got)
	}

	// Releasing the claim lets the compaction through.
	e.mu.Lock()
	delete(e.claimed, victim.id)
	e.mu.Unlock()
	if did, err := e.compactOnce(); err != nil || !did {
		t.Errorf("Expected compaction after claim release, did=%v err=%v", did, err)
	}
}

func TestClosedEngineRejectsOperations(t *testing.T) {
	dir := t.TempDir()

	e, err := Open(dir, testConfig())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if err := e.Put([]byte("k"), []byte("v")); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed from Put, got %v", err)
	}
	if err := e.Delete([]byte("k")); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed from Delete, got %v", err)
	}
	if _, _, err := e.Get([]byte("k")); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed from Get, got %v", err)
	}
	if err := e.Close(); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed from second Close, got %v", err)
	}
}

func TestEmptyKeyAndValue(t *testing.T) {
	dir := t.TempDir()

	e, err := Open(dir, testConfig())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer e.Close()

	if err := e.Put([]byte{}, []byte{}); err != nil {
		t.Fatalf("Put of empty key failed: %v", err)
	}
	v, ok, err := e.Get([]byte{})
	if err != nil || !ok {
		t.Fatalf("Get of empty key: ok=%v err=%v", ok, err)
	}
	if len(v) != 0 {
		t.Errorf("Expected empty value, got %q", v)
	}
}
