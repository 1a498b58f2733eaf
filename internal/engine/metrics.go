package engine

import (
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports engine activity through a per-engine prometheus registry
// and mirrors the counters in plain atomics for Stats snapshots.
type Metrics struct {
	registry *prometheus.Registry

	puts         prometheus.Counter
	gets         prometheus.Counter
	deletes      prometheus.Counter
	flushes      prometheus.Counter
	compactions  prometheus.Counter
	bytesFlushed prometheus.Counter
	tables       *prometheus.GaugeVec

	n struct {
		puts, gets, deletes   atomic.Uint64
		flushes, compactions  atomic.Uint64
		bytesFlushed          atomic.Uint64
	}
}

func newMetrics() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.puts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sanddb_puts_total",
		Help: "Number of put operations.",
	})
	m.gets = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sanddb_gets_total",
		Help: "Number of get operations.",
	})
	m.deletes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sanddb_deletes_total",
		Help: "Number of delete operations.",
	})
	m.flushes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sanddb_memtable_flushes_total",
		Help: "Number of memtables flushed to level 0.",
	})
	m.compactions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sanddb_compactions_total",
		Help: "Number of completed compactions.",
	})
	m.bytesFlushed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sanddb_flushed_bytes_total",
		Help: "Bytes written by memtable flushes.",
	})
	m.tables = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sanddb_tables",
		Help: "Live SSTables per level.",
	}, []string{"level"})

	m.registry.MustRegister(m.puts, m.gets, m.deletes, m.flushes,
		m.compactions, m.bytesFlushed, m.tables)
	return m
}

func (m *Metrics) incPut() {
	m.puts.Inc()
	m.n.puts.Add(1)
}

func (m *Metrics) incGet() {
	m.gets.Inc()
	m.n.gets.Add(1)
}

func (m *Metrics) incDelete() {
	m.deletes.Inc()
	m.n.deletes.Add(1)
}

func (m *Metrics) flushDone(bytes int64) {
	m.flushes.Inc()
	m.bytesFlushed.Add(float64(bytes))
	m.n.flushes.Add(1)
	m.n.bytesFlushed.Add(uint64(bytes))
}

func (m *Metrics) compactionDone(outputs []*tableHandle) {
	m.compactions.Inc()
	m.n.compactions.Add(1)
}

func (m *Metrics) setTableCounts(v *version) {
	for level := 0; level < NumLevels; level++ {
		m.tables.WithLabelValues(strconv.Itoa(level)).Set(float64(len(v.levels[level])))
	}
}

// Registry returns the engine's prometheus registry for export.
func (e *Engine) Registry() *prometheus.Registry {
	return e.metrics.registry
}

// Stats is a point-in-time snapshot of engine activity and shape.
type Stats struct {
	Puts        uint64 `json:"puts"`
	Gets        uint64 `json:"gets"`
	Deletes     uint64 `json:"deletes"`
	Flushes     uint64 `json:"flushes"`
	Compactions uint64 `json:"compactions"`

	FlushedBytes        uint64 `json:"flushed_bytes"`
	ActiveMemtableBytes int64  `json:"active_memtable_bytes"`
	SealedMemtables     int    `json:"sealed_memtables"`
	TablesPerLevel      []int  `json:"tables_per_level"`
	NextTableID         uint64 `json:"next_table_id"`
}

// Stats returns a consistent snapshot of the counters and the current shape
// of the tree.
func (e *Engine) Stats() Stats {
	m := e.metrics

	e.mu.RLock()
	activeBytes := e.active.Bytes()
	sealedCount := len(e.sealed)
	e.mu.RUnlock()

	v := e.acquireVersion()
	perLevel := make([]int, NumLevels)
	for level := range v.levels {
		perLevel[level] = len(v.levels[level])
	}
	v.release()

	return Stats{
		Puts:                m.n.puts.Load(),
		Gets:                m.n.gets.Load(),
		Deletes:             m.n.deletes.Load(),
		Flushes:             m.n.flushes.Load(),
		Compactions:         m.n.compactions.Load(),
		FlushedBytes:        m.n.bytesFlushed.Load(),
		ActiveMemtableBytes: activeBytes,
		SealedMemtables:     sealedCount,
		TablesPerLevel:      perLevel,
		NextTableID:         e.man.NextID(),
	}
}
