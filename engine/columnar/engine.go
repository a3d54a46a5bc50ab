// Package columnar is the durable wide-column engine. Every row is a cell
// addressed by an ordered row key (replay id, kind, timestamp, seq). Cells
// are written to a segmented WAL and indexed in a skiplist memtable that is
// rebuilt from the WAL on Bootstrap.
package columnar

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RoaringBitmap/roaring/roaring64"

	"github.com/INLOpen/replaystore/compressors"
	"github.com/INLOpen/replaystore/core"
	"github.com/INLOpen/replaystore/hooks"
	"github.com/INLOpen/replaystore/manifest"
	"github.com/INLOpen/replaystore/memtable"
	"github.com/INLOpen/replaystore/sys"
	"github.com/INLOpen/replaystore/wal"
)

// Name is reported by Engine.Name and used as the backend name in config.
const Name = "columnar"

const (
	defaultLockTimeout        = 5 * time.Second
	defaultWALCompactSegments = 4
	// compactBatchBytes bounds one WAL record written by compaction.
	compactBatchBytes = 4 * 1024 * 1024
)

type engineState int

const (
	stateNew engineState = iota
	stateOpen
	stateClosed
)

type Engine struct {
	opts    Options
	logger  *slog.Logger
	metrics *Metrics

	// mu guards the lifecycle. Append and Scan hold it for reading so Close
	// waits for in-flight calls.
	mu          sync.RWMutex
	state       engineState
	releaseLock sys.ReleaseFunc
	wal         wal.Interface
	index       *memtable.Memtable
	compressor  core.Compressor
	manifest    manifest.Manifest

	sequence atomic.Uint64
}

// New validates opts and returns an engine. No file is touched until Bootstrap.
func New(opts Options) (*Engine, error) {
	if opts.DataDir == "" {
		return nil, fmt.Errorf("columnar engine requires a data directory")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = defaultLockTimeout
	}
	if opts.WALCompactSegments == 0 {
		opts.WALCompactSegments = defaultWALCompactSegments
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics()
	}
	if _, err := compressors.New(opts.Compression); err != nil {
		return nil, err
	}
	return &Engine{
		opts:    opts,
		logger:  opts.Logger.With("component", "ColumnarEngine", "data_dir", opts.DataDir),
		metrics: opts.Metrics,
	}, nil
}

func (e *Engine) Name() string { return Name }

// Bootstrap provisions the data directory and recovers the WAL. It is a
// no-op on an engine that is already open.
func (e *Engine) Bootstrap(ctx context.Context) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case stateOpen:
		return nil
	case stateClosed:
		return core.Unavailable("columnar bootstrap", core.ErrClosed)
	}

	if err := os.MkdirAll(e.opts.DataDir, 0755); err != nil {
		return core.Unavailable("columnar bootstrap", fmt.Errorf("failed to create data directory: %w", err))
	}
	release, err := sys.AcquireDirLock(e.opts.DataDir, core.LockFileName, e.opts.LockTimeout)
	if err != nil {
		return core.Unavailable("columnar bootstrap", err)
	}
	defer func() {
		if err != nil {
			if rerr := release(); rerr != nil {
				e.logger.Warn("Failed to release data directory lock", "error", rerr)
			}
		}
	}()

	if err := sys.CheckFreeSpace(e.opts.DataDir, e.opts.MinFreeDiskBytes); err != nil {
		var spaceErr *sys.InsufficientSpaceError
		if errors.As(err, &spaceErr) {
			e.logger.Error("Refusing to open data directory with low disk space", "free_bytes", spaceErr.Free, "required_bytes", spaceErr.Required)
		}
		return core.Unavailable("columnar bootstrap", err)
	}

	m, err := e.loadOrCreateManifest()
	if err != nil {
		return core.Unavailable("columnar bootstrap", err)
	}
	compressor, err := compressors.New(m.Compression)
	if err != nil {
		return core.Unavailable("columnar bootstrap", fmt.Errorf("manifest compression: %w", err))
	}

	index := memtable.New()
	w, err := e.recoverWAL(ctx, index)
	if err != nil {
		return core.Unavailable("columnar bootstrap", err)
	}

	if err := e.compactWAL(w, index); err != nil {
		// The older segments are still intact; the next Bootstrap retries.
		e.logger.Warn("WAL compaction failed", "error", err)
	}

	e.releaseLock = release
	e.manifest = m
	e.compressor = compressor
	e.index = index
	e.wal = w
	e.state = stateOpen
	e.logger.Info("Columnar engine ready", "rows", index.Len(), "index_bytes", index.Size(), "compression", compressor.Type().String(), "next_seq", e.sequence.Load()+1)
	return nil
}

// loadOrCreateManifest reads the manifest, writing it on first use. Column
// families missing from an older manifest are added in place.
func (e *Engine) loadOrCreateManifest() (manifest.Manifest, error) {
	m, exists, err := manifest.Read(e.opts.DataDir)
	if err != nil {
		return manifest.Manifest{}, err
	}
	if !exists {
		m = manifest.New(e.opts.Compression)
		if err := manifest.Write(e.opts.DataDir, m); err != nil {
			return manifest.Manifest{}, err
		}
		e.logger.Info("Created manifest", "compression", m.Compression.String())
		return m, nil
	}

	if m.Compression != e.opts.Compression {
		e.logger.Warn("Configured compression differs from the data directory, using the stored one",
			"configured", e.opts.Compression.String(), "stored", m.Compression.String())
	}
	if missing := m.MissingFamilies(); len(missing) > 0 {
		m.ColumnFamilies = append(m.ColumnFamilies, missing...)
		if err := manifest.Write(e.opts.DataDir, m); err != nil {
			return manifest.Manifest{}, err
		}
		e.logger.Info("Added missing column families to manifest", "count", len(missing))
	}
	return m, nil
}

// recoverWAL opens the WAL and replays it into index. A sequence number seen
// twice is applied once.
func (e *Engine) recoverWAL(ctx context.Context, index *memtable.Memtable) (wal.Interface, error) {
	start := time.Now()
	w, entries, stats, err := wal.OpenWithStats(wal.Options{
		Dir:            filepath.Join(e.opts.DataDir, core.WALDirName),
		SyncMode:       e.opts.WALSyncMode,
		MaxSegmentSize: e.opts.WALMaxSegmentSize,
		Preallocate:    e.opts.WALPreallocate,
		BytesWritten:   e.metrics.WALBytesWrittenTotal,
		EntriesWritten: e.metrics.WALEntriesWrittenTotal,
		Logger:         e.opts.Logger,
		HookManager:    e.opts.HookManager,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL: %w", err)
	}

	applied := roaring64.New()
	var maxSeq uint64
	duplicates := 0
	for _, entry := range entries {
		if entry.EntryType != core.EntryTypePutRow {
			w.Close()
			return nil, fmt.Errorf("unexpected WAL entry type %q at seq %d", entry.EntryType, entry.SeqNum)
		}
		if _, _, _, seq, err := core.DecodeRowKey(entry.Key); err != nil || seq != entry.SeqNum {
			w.Close()
			return nil, fmt.Errorf("WAL entry seq %d has an invalid row key: %v", entry.SeqNum, err)
		}
		if !applied.CheckedAdd(entry.SeqNum) {
			duplicates++
			continue
		}
		index.Put(entry.Key, entry.Value)
		if entry.SeqNum > maxSeq {
			maxSeq = entry.SeqNum
		}
	}
	e.sequence.Store(maxSeq)

	duration := time.Since(start)
	e.metrics.WALRecoveredEntriesTotal.Add(int64(len(entries) - duplicates))
	e.metrics.WALRecoveryDurationSeconds.Set(duration.Seconds())
	if len(entries) > 0 || stats.TruncatedBytes > 0 {
		e.logger.Info("Recovered rows from WAL", "dir", w.Path(), "entries", len(entries), "duplicates", duplicates,
			"segments", stats.Segments, "truncated_bytes", stats.TruncatedBytes, "duration", duration)
	}
	if e.opts.HookManager != nil {
		e.opts.HookManager.Trigger(ctx, hooks.NewPostWALRecoveryEvent(hooks.PostWALRecoveryPayload{
			RecoveredEntriesCount: len(entries) - duplicates,
			DuplicateEntriesCount: duplicates,
			Duration:              duration,
		}))
	}
	return w, nil
}

// compactWAL copies every live row into the active segment and purges the
// older segments once there are at least WALCompactSegments of them.
// Recovery applies a sequence number once, so a crash between the copy and
// the purge only leaves duplicates behind.
func (e *Engine) compactWAL(w wal.Interface, index *memtable.Memtable) error {
	if e.opts.WALCompactSegments < 0 {
		return nil
	}
	active := w.ActiveSegmentIndex()
	closed := 0
	for _, idx := range w.SegmentIndexes() {
		if idx < active {
			closed++
		}
	}
	if closed < e.opts.WALCompactSegments {
		return nil
	}

	start := time.Now()
	var (
		batch      []core.WALEntry
		batchBytes int
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := w.AppendBatch(batch)
		batch, batchBytes = batch[:0], 0
		return err
	}
	entries := index.ScanPrefix(nil)
	for _, entry := range entries {
		_, _, _, seq, err := core.DecodeRowKey(entry.Key)
		if err != nil {
			return err
		}
		walEntry := core.WALEntry{EntryType: core.EntryTypePutRow, Key: entry.Key, Value: entry.Value, SeqNum: seq}
		size := wal.EntrySize(walEntry)
		if len(batch) > 0 && batchBytes+size > compactBatchBytes {
			if err := flush(); err != nil {
				return fmt.Errorf("failed to copy rows: %w", err)
			}
		}
		batch = append(batch, walEntry)
		batchBytes += size
	}
	if err := flush(); err != nil {
		return fmt.Errorf("failed to copy rows: %w", err)
	}
	if err := w.Sync(); err != nil {
		return err
	}
	if err := w.Purge(active - 1); err != nil {
		return fmt.Errorf("failed to purge compacted segments: %w", err)
	}
	e.metrics.WALCompactionsTotal.Add(1)
	e.logger.Info("Compacted WAL", "rows", len(entries), "purged_segments", closed,
		"segments", len(w.SegmentIndexes()), "duration", time.Since(start))
	return nil
}

// Append assigns the next sequence number to row and makes it durable
// before indexing it.
func (e *Engine) Append(ctx context.Context, row core.Row) (core.Row, error) {
	if err := ctx.Err(); err != nil {
		return core.Row{}, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.checkOpenLocked("columnar append"); err != nil {
		return core.Row{}, err
	}

	cell, err := e.encodeCell(row.Data)
	if err != nil {
		return core.Row{}, err
	}
	key := core.EncodeRowKey(row.ReplayID, row.Kind, row.Timestamp, 0)
	entry := core.WALEntry{EntryType: core.EntryTypePutRow, Key: key, Value: cell}
	if size := wal.EntrySize(entry); size > wal.MaxRecordSize {
		return core.Row{}, &core.InvalidRecordError{Field: "value", Kind: row.Kind,
			Message: fmt.Sprintf("row of %d bytes exceeds the %d byte WAL record limit", size, wal.MaxRecordSize)}
	}
	row.Seq = e.sequence.Add(1)
	entry.Key = core.EncodeRowKey(row.ReplayID, row.Kind, row.Timestamp, row.Seq)
	entry.SeqNum = row.Seq
	if err := e.wal.Append(entry); err != nil {
		return core.Row{}, core.Unavailable("columnar append", err)
	}
	e.index.Put(entry.Key, cell)
	return row, nil
}

// Scan returns every row stored for replayID in key order.
func (e *Engine) Scan(ctx context.Context, replayID string) ([]core.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.checkOpenLocked("columnar scan"); err != nil {
		return nil, err
	}

	entries := e.index.ScanPrefix(core.EncodeReplayPrefix(replayID))
	rows := make([]core.Row, 0, len(entries))
	for _, entry := range entries {
		id, kind, ts, seq, err := core.DecodeRowKey(entry.Key)
		if err != nil {
			return nil, fmt.Errorf("replay %s: %w", replayID, err)
		}
		data, err := e.decodeCell(entry.Value)
		if err != nil {
			return nil, fmt.Errorf("replay %s seq %d: %w", replayID, seq, err)
		}
		rows = append(rows, core.Row{ReplayID: id, Kind: kind, Data: data, Timestamp: ts, Seq: seq})
	}
	return rows, nil
}

// Close flushes the WAL and releases the data directory. Closing twice is a no-op.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == stateClosed {
		return nil
	}
	wasOpen := e.state == stateOpen
	e.state = stateClosed
	if !wasOpen {
		return nil
	}

	var errs []error
	if err := e.wal.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close WAL: %w", err))
	}
	if err := e.releaseLock(); err != nil {
		errs = append(errs, fmt.Errorf("failed to release data directory lock: %w", err))
	}
	e.index = nil
	e.logger.Info("Columnar engine closed")
	return errors.Join(errs...)
}

// RowCount returns the number of indexed rows.
func (e *Engine) RowCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.state != stateOpen {
		return 0
	}
	return e.index.Len()
}

// Manifest returns the manifest loaded by Bootstrap.
func (e *Engine) Manifest() manifest.Manifest {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.manifest
}

func (e *Engine) checkOpenLocked(op string) error {
	switch e.state {
	case stateNew:
		return core.Unavailable(op, core.ErrNotBootstrapped)
	case stateClosed:
		return core.Unavailable(op, core.ErrClosed)
	}
	return nil
}
