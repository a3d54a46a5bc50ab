package wal

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/INLOpen/replaystore/core"
	"github.com/INLOpen/replaystore/hooks"
	"github.com/INLOpen/replaystore/sys"
)

// ErrClosed is returned by operations on a closed WAL.
var ErrClosed = errors.New("wal is closed")

// WAL (Write-Ahead Log) provides durability for appended rows.
// It manages a directory of segment files.
type WAL struct {
	dir  string
	mu   sync.Mutex
	opts Options

	activeSegment  *SegmentWriter
	segmentIndexes []uint64

	metricsBytesWritten   *expvar.Int
	metricsEntriesWritten *expvar.Int

	logger      *slog.Logger
	hookManager hooks.HookManager

	testingOnlyInjectCloseError  error
	testingOnlyInjectAppendError error
}

var _ Interface = (*WAL)(nil)

// Interface defines the public API for the Write-Ahead Log.
type Interface interface {
	// AppendBatch writes a slice of WAL entries as a single, atomic record.
	AppendBatch(entries []core.WALEntry) error
	// Append writes a single WALEntry to the log.
	Append(entry core.WALEntry) error
	// Sync flushes the WAL to stable storage.
	Sync() error
	// Purge deletes segment files with an index less than or equal to the given index.
	Purge(upToIndex uint64) error
	// ActiveSegmentIndex returns the index of the current active segment file.
	ActiveSegmentIndex() uint64
	// SegmentIndexes returns the indexes of all segments on disk, oldest first.
	SegmentIndexes() []uint64
	Path() string
	Close() error
}

// Options holds configuration for the WAL.
type Options struct {
	Dir            string
	SyncMode       core.WALSyncMode
	MaxSegmentSize int64
	// Preallocate reserves MaxSegmentSize on disk for every new segment.
	Preallocate    bool
	BytesWritten   *expvar.Int
	EntriesWritten *expvar.Int
	Logger         *slog.Logger
	HookManager    hooks.HookManager
}

// RecoveryStats describes what Open found on disk.
type RecoveryStats struct {
	Segments       int
	Entries        int
	TruncatedBytes int64 // torn tail dropped from the last segment
}

// Open creates or opens a WAL directory.
// It recovers entries from existing segments and prepares for appending.
// A torn record at the end of the newest segment is truncated away; damage
// anywhere else is returned as an error together with the entries read
// before it.
func Open(opts Options) (*WAL, []core.WALEntry, error) {
	w, entries, _, err := OpenWithStats(opts)
	return w, entries, err
}

// OpenWithStats is Open that also reports recovery statistics.
func OpenWithStats(opts Options) (*WAL, []core.WALEntry, RecoveryStats, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("component", "WAL_default")
	} else {
		opts.Logger = opts.Logger.With("component", "WAL")
	}
	if opts.MaxSegmentSize <= 0 {
		opts.MaxSegmentSize = core.WALMaxSegmentSize
	}
	if opts.SyncMode == "" {
		opts.SyncMode = core.WALSyncAlways
	}

	var stats RecoveryStats
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, nil, stats, fmt.Errorf("failed to create WAL directory %s: %w", opts.Dir, err)
	}

	w := &WAL{
		dir:                   opts.Dir,
		opts:                  opts,
		logger:                opts.Logger,
		metricsBytesWritten:   opts.BytesWritten,
		metricsEntriesWritten: opts.EntriesWritten,
		hookManager:           opts.HookManager,
	}

	if err := w.loadSegments(); err != nil {
		return nil, nil, stats, fmt.Errorf("failed to load WAL segments: %w", err)
	}

	entries, stats, err := w.recover()
	if err != nil {
		return nil, entries, stats, err
	}

	if err := w.openForAppend(); err != nil {
		w.Close()
		return nil, nil, stats, fmt.Errorf("failed to open WAL for appending: %w", err)
	}
	return w, entries, stats, nil
}

// loadSegments scans the WAL directory and populates the segmentIndexes slice.
func (w *WAL) loadSegments() error {
	files, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("failed to read WAL directory %s: %w", w.dir, err)
	}

	w.segmentIndexes = make([]uint64, 0, len(files))
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		index, err := parseSegmentFileName(file.Name())
		if err == nil {
			w.segmentIndexes = append(w.segmentIndexes, index)
		}
	}
	sort.Slice(w.segmentIndexes, func(i, j int) bool {
		return w.segmentIndexes[i] < w.segmentIndexes[j]
	})
	return nil
}

// SetTestingOnlyInjectCloseError sets an error that will be returned by the Close() method.
func (w *WAL) SetTestingOnlyInjectCloseError(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.testingOnlyInjectCloseError = err
}

// SetTestingOnlyInjectAppendError makes every following append fail with err.
func (w *WAL) SetTestingOnlyInjectAppendError(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.testingOnlyInjectAppendError = err
}

// Append writes a single WALEntry to the log. It's a convenience wrapper around AppendBatch.
func (w *WAL) Append(entry core.WALEntry) error {
	return w.AppendBatch([]core.WALEntry{entry})
}

// AppendBatch writes a slice of WAL entries as a single, atomic record.
func (w *WAL) AppendBatch(entries []core.WALEntry) error {
	if len(entries) == 0 {
		return nil
	}

	var payload bytes.Buffer
	if len(entries) == 1 {
		if err := encodeEntryData(&payload, &entries[0]); err != nil {
			return fmt.Errorf("failed to encode entry: %w", err)
		}
	} else {
		payload.WriteByte(byte(core.EntryTypePutBatch))
		var count [4]byte
		binary.LittleEndian.PutUint32(count[:], uint32(len(entries)))
		payload.Write(count[:])
		for i := range entries {
			if err := encodeEntryData(&payload, &entries[i]); err != nil {
				return fmt.Errorf("failed to encode entry %d for batch: %w", i, err)
			}
		}
	}
	data := payload.Bytes()
	if len(data) > MaxRecordSize {
		return fmt.Errorf("%w: %d bytes", ErrRecordTooLarge, len(data))
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.testingOnlyInjectAppendError != nil {
		return w.testingOnlyInjectAppendError
	}
	if w.activeSegment == nil {
		return ErrClosed
	}

	// Rotate only when the active segment already holds a record, so a single
	// record larger than MaxSegmentSize still gets written.
	recordSize := int64(len(data) + recordOverhead)
	currentSize := w.activeSegment.Size()
	if currentSize > headerSize && currentSize+recordSize > w.opts.MaxSegmentSize {
		w.logger.Debug("Rotating WAL segment due to size", "current_size", currentSize, "new_record_size", recordSize, "max_size", w.opts.MaxSegmentSize)
		if err := w.rotateLocked(); err != nil {
			return fmt.Errorf("failed to rotate WAL segment: %w", err)
		}
	}

	if err := w.activeSegment.WriteRecord(data); err != nil {
		return err
	}

	var err error
	if w.opts.SyncMode == core.WALSyncAlways {
		err = w.activeSegment.Sync()
	} else {
		err = w.activeSegment.Flush()
	}
	if err != nil {
		return fmt.Errorf("failed to persist WAL record: %w", err)
	}

	if w.metricsBytesWritten != nil {
		w.metricsBytesWritten.Add(recordSize)
	}
	if w.metricsEntriesWritten != nil {
		w.metricsEntriesWritten.Add(int64(len(entries)))
	}
	return nil
}

// Sync flushes data to the active segment file.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.activeSegment == nil {
		return ErrClosed
	}
	if err := w.activeSegment.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL file: %w", err)
	}
	return nil
}

// Close closes the WAL file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.testingOnlyInjectCloseError != nil {
		return w.testingOnlyInjectCloseError
	}
	if w.activeSegment == nil {
		return nil
	}

	closeErr := w.activeSegment.Close()
	w.activeSegment = nil

	if closeErr != nil {
		w.logger.Error("Error during WAL close.", "error", closeErr)
	} else {
		w.logger.Info("WAL closed.")
	}
	return closeErr
}

// Purge deletes segment files with index less than or equal to the given index.
// The active segment is never removed.
func (w *WAL) Purge(upToIndex uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var remaining []uint64
	var purged int
	var firstErr error
	for _, index := range w.segmentIndexes {
		if index > upToIndex || (w.activeSegment != nil && w.activeSegment.index == index) {
			remaining = append(remaining, index)
			continue
		}
		path := filepath.Join(w.dir, formatSegmentFileName(index))
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			w.logger.Error("Failed to purge WAL segment", "path", path, "error", err)
			remaining = append(remaining, index)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		purged++
	}
	w.segmentIndexes = remaining
	if purged > 0 {
		w.logger.Info("Purged WAL segments", "count", purged, "up_to_index", upToIndex)
	}
	return firstErr
}

// Path returns the directory path of the WAL.
func (w *WAL) Path() string {
	return w.dir
}

// ActiveSegmentIndex returns the index of the current active segment file.
// It returns 0 if there is no active segment.
func (w *WAL) ActiveSegmentIndex() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.activeSegment == nil {
		return 0
	}
	return w.activeSegment.index
}

// SegmentIndexes returns the indexes of all segments on disk, oldest first.
func (w *WAL) SegmentIndexes() []uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]uint64(nil), w.segmentIndexes...)
}

// rotateLocked creates a new segment file for writing. Must be called with lock held.
func (w *WAL) rotateLocked() error {
	var nextIndex uint64 = 1
	if len(w.segmentIndexes) > 0 {
		nextIndex = w.segmentIndexes[len(w.segmentIndexes)-1] + 1
	}

	newSegment, err := CreateSegment(w.dir, nextIndex)
	if err != nil {
		return err
	}
	if w.opts.Preallocate {
		if err := sys.Preallocate(newSegment.file, w.opts.MaxSegmentSize); err != nil && !errors.Is(err, sys.ErrPreallocNotSupported) {
			w.logger.Warn("WAL segment preallocation failed", "path", newSegment.path, "error", err)
		}
	}
	if err := sys.SyncDir(w.dir); err != nil {
		w.logger.Warn("Failed to sync WAL directory after segment create", "error", err)
	}

	var oldIndex uint64
	if w.activeSegment != nil {
		oldIndex = w.activeSegment.index
		if err := w.activeSegment.Close(); err != nil {
			w.logger.Error("failed to close active segment during rotation", "path", w.activeSegment.path, "error", err)
		}
	}

	w.activeSegment = newSegment
	w.segmentIndexes = append(w.segmentIndexes, nextIndex)
	w.logger.Info("Rotated to new WAL segment", "index", nextIndex, "path", newSegment.path)

	if w.hookManager != nil && oldIndex > 0 {
		payload := hooks.PostWALRotatePayload{
			OldSegmentIndex: oldIndex,
			NewSegmentIndex: newSegment.index,
			NewSegmentPath:  newSegment.path,
		}
		w.hookManager.Trigger(context.Background(), hooks.NewPostWALRotateEvent(payload))
	}
	return nil
}

// openForAppend starts a fresh segment after recovery. A trailing segment
// that holds nothing but its header is reused instead.
func (w *WAL) openForAppend() error {
	if len(w.segmentIndexes) == 0 {
		return w.rotateLocked()
	}

	lastIndex := w.segmentIndexes[len(w.segmentIndexes)-1]
	path := filepath.Join(w.dir, formatSegmentFileName(lastIndex))
	stat, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat last segment %s: %w", path, err)
	}
	if stat.Size() > headerSize {
		return w.rotateLocked()
	}

	seg, err := CreateSegment(w.dir, lastIndex)
	if err != nil {
		return fmt.Errorf("failed to reuse segment %d: %w", lastIndex, err)
	}
	w.activeSegment = seg
	return nil
}

// encodeEntryData serializes a single WALEntry's data part into a buffer.
// Format: type (1) | seq (8 LE) | uvarint key len | key | uvarint value len | value
func encodeEntryData(buf *bytes.Buffer, entry *core.WALEntry) error {
	if err := buf.WriteByte(byte(entry.EntryType)); err != nil {
		return err
	}
	var scratch [binary.MaxVarintLen64]byte
	binary.LittleEndian.PutUint64(scratch[:8], entry.SeqNum)
	buf.Write(scratch[:8])

	n := binary.PutUvarint(scratch[:], uint64(len(entry.Key)))
	buf.Write(scratch[:n])
	buf.Write(entry.Key)

	n = binary.PutUvarint(scratch[:], uint64(len(entry.Value)))
	buf.Write(scratch[:n])
	_, err := buf.Write(entry.Value)
	return err
}

// EntrySize returns the number of bytes entry occupies inside a record.
func EntrySize(entry core.WALEntry) int {
	var scratch [binary.MaxVarintLen64]byte
	keyLen := binary.PutUvarint(scratch[:], uint64(len(entry.Key)))
	valueLen := binary.PutUvarint(scratch[:], uint64(len(entry.Value)))
	return 1 + 8 + keyLen + len(entry.Key) + valueLen + len(entry.Value)
}

// decodeEntryData deserializes a single WALEntry's data part from a reader.
func decodeEntryData(r *bytes.Reader) (*core.WALEntry, error) {
	entry := &core.WALEntry{}
	typ, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("failed to read entry type: %w", err)
	}
	entry.EntryType = core.EntryType(typ)

	var seq [8]byte
	if _, err := io.ReadFull(r, seq[:]); err != nil {
		return nil, fmt.Errorf("failed to read sequence number: %w", err)
	}
	entry.SeqNum = binary.LittleEndian.Uint64(seq[:])

	keyLen, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read key length: %w", err)
	}
	if keyLen > uint64(r.Len()) {
		return nil, fmt.Errorf("key length %d exceeds record", keyLen)
	}
	entry.Key = make([]byte, keyLen)
	if _, err := io.ReadFull(r, entry.Key); err != nil {
		return nil, fmt.Errorf("failed to read key: %w", err)
	}

	valLen, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read value length: %w", err)
	}
	if valLen > uint64(r.Len()) {
		return nil, fmt.Errorf("value length %d exceeds record", valLen)
	}
	if valLen > 0 {
		entry.Value = make([]byte, valLen)
		if _, err := io.ReadFull(r, entry.Value); err != nil {
			return nil, fmt.Errorf("failed to read value: %w", err)
		}
	}
	return entry, nil
}

// decodeRecord expands one WAL record into its entries.
func decodeRecord(data []byte) ([]core.WALEntry, error) {
	if len(data) == 0 {
		return nil, errors.New("empty WAL record")
	}
	if core.EntryType(data[0]) != core.EntryTypePutBatch {
		entry, err := decodeEntryData(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("error decoding single WAL entry: %w", err)
		}
		return []core.WALEntry{*entry}, nil
	}

	r := bytes.NewReader(data[1:])
	var count [4]byte
	if _, err := io.ReadFull(r, count[:]); err != nil {
		return nil, fmt.Errorf("error reading batch entry count: %w", err)
	}
	n := binary.LittleEndian.Uint32(count[:])
	entries := make([]core.WALEntry, 0, n)
	for i := uint32(0); i < n; i++ {
		entry, err := decodeEntryData(r)
		if err != nil {
			return nil, fmt.Errorf("error decoding entry %d in batch: %w", i, err)
		}
		entries = append(entries, *entry)
	}
	return entries, nil
}

// recover reads all entries from all known segments.
func (w *WAL) recover() ([]core.WALEntry, RecoveryStats, error) {
	var all []core.WALEntry
	var stats RecoveryStats
	for i, index := range w.segmentIndexes {
		path := filepath.Join(w.dir, formatSegmentFileName(index))
		isLast := i == len(w.segmentIndexes)-1

		entries, goodOffset, err := recoverFromSegment(path)
		all = append(all, entries...)
		stats.Segments++
		stats.Entries += len(entries)
		if err == nil {
			continue
		}

		torn := errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, ErrChecksumMismatch)
		if !isLast || !torn {
			w.logger.Error("WAL recovery stopped on damaged segment", "index", index, "path", path, "error", err)
			return all, stats, fmt.Errorf("wal segment %s: %w", path, err)
		}

		dropped, terr := truncateSegment(path, goodOffset)
		if terr != nil {
			return all, stats, fmt.Errorf("failed to truncate torn WAL tail in %s: %w", path, terr)
		}
		stats.TruncatedBytes = dropped
		if goodOffset == 0 {
			w.segmentIndexes = w.segmentIndexes[:i]
		}
		w.logger.Warn("Truncated torn record at end of WAL", "index", index, "path", path, "offset", goodOffset, "dropped_bytes", dropped, "cause", err)
	}
	return all, stats, nil
}

// recoverFromSegment reads all valid entries from a single WAL segment file.
// It returns the entries read before any error and the offset just past the
// last good record.
func recoverFromSegment(path string) ([]core.WALEntry, int64, error) {
	reader, err := OpenSegmentForRead(path)
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			// Crashed while writing the header.
			return nil, 0, err
		}
		return nil, 0, fmt.Errorf("failed to open WAL segment for reading %s: %w", path, err)
	}
	defer reader.Close()

	var entries []core.WALEntry
	for {
		data, err := reader.ReadRecord()
		if err == io.EOF {
			return entries, reader.Offset(), nil
		}
		if err != nil {
			return entries, reader.Offset(), err
		}
		decoded, err := decodeRecord(data)
		if err != nil {
			return entries, reader.Offset(), err
		}
		entries = append(entries, decoded...)
	}
}

// truncateSegment cuts path back to offset and returns how many bytes were dropped.
// An offset of zero means the header itself is damaged and the file is removed.
func truncateSegment(path string, offset int64) (int64, error) {
	stat, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if offset == 0 {
		return stat.Size(), os.Remove(path)
	}
	if err := os.Truncate(path, offset); err != nil {
		return 0, err
	}
	return stat.Size() - offset, nil
}
