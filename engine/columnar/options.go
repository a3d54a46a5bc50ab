package columnar

import (
	"expvar"
	"log/slog"
	"time"

	"github.com/INLOpen/replaystore/core"
	"github.com/INLOpen/replaystore/hooks"
)

// Options configures a columnar Engine.
type Options struct {
	DataDir string
	// Compression applies to a new data directory only. An existing directory
	// keeps the compression recorded in its manifest.
	Compression       core.CompressionType
	WALSyncMode       core.WALSyncMode
	WALMaxSegmentSize int64
	WALPreallocate    bool
	// WALCompactSegments is the number of closed WAL segments that makes
	// Bootstrap rewrite the live rows into one segment. Zero uses the
	// default and a negative value disables compaction.
	WALCompactSegments int
	// MinFreeDiskBytes below which Bootstrap reports the storage as unavailable.
	MinFreeDiskBytes uint64
	LockTimeout      time.Duration
	Metrics          *Metrics
	HookManager      hooks.HookManager
	Logger           *slog.Logger
}

// Metrics holds the expvar variables updated by the engine.
type Metrics struct {
	WALBytesWrittenTotal       *expvar.Int
	WALEntriesWrittenTotal     *expvar.Int
	WALRecoveredEntriesTotal   *expvar.Int
	WALRecoveryDurationSeconds *expvar.Float
	CellsCompressedTotal       *expvar.Int
	CellsStoredRawTotal        *expvar.Int
	WALCompactionsTotal        *expvar.Int
}

// NewMetrics returns unpublished metrics, suitable for tests and for
// embedding in a caller's own expvar map.
func NewMetrics() *Metrics {
	return &Metrics{
		WALBytesWrittenTotal:       new(expvar.Int),
		WALEntriesWrittenTotal:     new(expvar.Int),
		WALRecoveredEntriesTotal:   new(expvar.Int),
		WALRecoveryDurationSeconds: new(expvar.Float),
		CellsCompressedTotal:       new(expvar.Int),
		CellsStoredRawTotal:        new(expvar.Int),
		WALCompactionsTotal:        new(expvar.Int),
	}
}

// Publish adds the metrics to m under their exported names.
func (mt *Metrics) Publish(m *expvar.Map) {
	m.Set("wal_bytes_written_total", mt.WALBytesWrittenTotal)
	m.Set("wal_entries_written_total", mt.WALEntriesWrittenTotal)
	m.Set("wal_recovered_entries_total", mt.WALRecoveredEntriesTotal)
	m.Set("wal_recovery_duration_seconds", mt.WALRecoveryDurationSeconds)
	m.Set("cells_compressed_total", mt.CellsCompressedTotal)
	m.Set("cells_stored_raw_total", mt.CellsStoredRawTotal)
	m.Set("wal_compactions_total", mt.WALCompactionsTotal)
	m.Set("cell_buffer_pool", expvar.Func(func() any {
		hits, misses, created := core.BufferPool.GetMetrics()
		return map[string]uint64{"hits": hits, "misses": misses, "created": created}
	}))
}
