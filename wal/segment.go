package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/INLOpen/replaystore/core"
	"github.com/INLOpen/replaystore/sys"
)

const (
	// recordOverhead is the framing around each record: length and checksum.
	recordOverhead = 8
	// MaxRecordSize bounds a single record so a corrupt length cannot trigger
	// a huge allocation during recovery.
	MaxRecordSize = 256 * 1024 * 1024
)

var (
	// ErrChecksumMismatch is returned when a record fails its CRC check.
	ErrChecksumMismatch = errors.New("wal record checksum mismatch")
	// ErrRecordTooLarge is returned for records above MaxRecordSize.
	ErrRecordTooLarge = errors.New("wal record too large")
)

var headerSize = int64(binary.Size(core.FileHeader{}))

// Segment represents a single WAL segment file.
type Segment struct {
	file  sys.FileHandle
	path  string
	index uint64
}

// SegmentWriter handles writing records to a segment.
type SegmentWriter struct {
	*Segment
	writer *bufio.Writer
	size   int64 // bytes written including buffered ones
}

// SegmentReader handles reading records from a segment.
type SegmentReader struct {
	*Segment
	reader *bufio.Reader
	offset int64 // end of the last fully read record
}

// formatSegmentFileName creates a segment file name from its index.
func formatSegmentFileName(index uint64) string {
	return fmt.Sprintf("%08d%s", index, core.WALFileSuffix)
}

// parseSegmentFileName extracts the index from a segment file name.
func parseSegmentFileName(name string) (uint64, error) {
	if !strings.HasSuffix(name, core.WALFileSuffix) {
		return 0, fmt.Errorf("file %s is not a WAL segment file", name)
	}
	return strconv.ParseUint(strings.TrimSuffix(name, core.WALFileSuffix), 10, 64)
}

// CreateSegment creates a new segment file in the given directory.
func CreateSegment(dir string, index uint64) (*SegmentWriter, error) {
	path := filepath.Join(dir, formatSegmentFileName(index))
	file, err := sys.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create segment file %s: %w", path, err)
	}

	header := core.NewFileHeader(core.WALMagic, core.CompressionNone)
	if err := binary.Write(file, binary.LittleEndian, &header); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to write segment header to %s: %w", path, err)
	}

	return &SegmentWriter{
		Segment: &Segment{file: file, path: path, index: index},
		writer:  bufio.NewWriter(file),
		size:    headerSize,
	}, nil
}

// OpenSegmentForRead opens an existing segment file for reading.
func OpenSegmentForRead(path string) (*SegmentReader, error) {
	file, err := sys.OpenFile(path, os.O_RDONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment file for reading %s: %w", path, err)
	}

	var header core.FileHeader
	if err := binary.Read(file, binary.LittleEndian, &header); err != nil {
		file.Close()
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("segment file %s is empty or truncated at header: %w", path, io.ErrUnexpectedEOF)
		}
		return nil, fmt.Errorf("failed to read segment header from %s: %w", path, err)
	}
	if err := header.Check(core.WALMagic); err != nil {
		file.Close()
		return nil, fmt.Errorf("segment %s: %w", path, err)
	}

	index, err := parseSegmentFileName(filepath.Base(path))
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("could not parse segment index from path %s: %w", path, err)
	}

	return &SegmentReader{
		Segment: &Segment{file: file, path: path, index: index},
		reader:  bufio.NewReader(file),
		offset:  headerSize,
	}, nil
}

// WriteRecord writes a single record to the segment.
// Format: length (4 bytes) | data (variable) | checksum (4 bytes)
func (sw *SegmentWriter) WriteRecord(data []byte) error {
	if sw.file == nil {
		return os.ErrClosed
	}
	if len(data) > MaxRecordSize {
		return fmt.Errorf("%w: %d bytes", ErrRecordTooLarge, len(data))
	}

	var frame [4]byte
	binary.LittleEndian.PutUint32(frame[:], uint32(len(data)))
	if _, err := sw.writer.Write(frame[:]); err != nil {
		return fmt.Errorf("failed to write record length: %w", err)
	}
	if _, err := sw.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write record data: %w", err)
	}
	binary.LittleEndian.PutUint32(frame[:], crc32.ChecksumIEEE(data))
	if _, err := sw.writer.Write(frame[:]); err != nil {
		return fmt.Errorf("failed to write record checksum: %w", err)
	}

	sw.size += int64(len(data) + recordOverhead)
	return nil
}

// ReadRecord reads a single record from the segment. It returns io.EOF at a
// clean end of file and io.ErrUnexpectedEOF for a torn record.
func (sr *SegmentReader) ReadRecord() ([]byte, error) {
	data, err := readRecord(sr.reader)
	if err != nil {
		return nil, err
	}
	sr.offset += int64(len(data) + recordOverhead)
	return data, nil
}

// Offset returns the end of the last record read successfully.
func (sr *SegmentReader) Offset() int64 {
	return sr.offset
}

func readRecord(r *bufio.Reader) ([]byte, error) {
	var frame [4]byte
	n, err := io.ReadFull(r, frame[:])
	if err != nil {
		if err == io.EOF && n == 0 {
			return nil, io.EOF
		}
		return nil, io.ErrUnexpectedEOF
	}
	length := binary.LittleEndian.Uint32(frame[:])
	if length > MaxRecordSize {
		return nil, fmt.Errorf("%w: length field %d", ErrRecordTooLarge, length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, io.ErrUnexpectedEOF
	}
	if _, err := io.ReadFull(r, frame[:]); err != nil {
		return nil, io.ErrUnexpectedEOF
	}
	if want := binary.LittleEndian.Uint32(frame[:]); crc32.ChecksumIEEE(data) != want {
		return nil, ErrChecksumMismatch
	}
	return data, nil
}

// Sync flushes the buffered writer and syncs the file to disk.
func (sw *SegmentWriter) Sync() error {
	if err := sw.Flush(); err != nil {
		return err
	}
	return sw.file.Sync()
}

// Flush hands buffered records to the OS without an fsync.
func (sw *SegmentWriter) Flush() error {
	if sw.file == nil {
		return os.ErrClosed
	}
	return sw.writer.Flush()
}

// Size returns the segment size including records still buffered.
func (sw *SegmentWriter) Size() int64 {
	return sw.size
}

// Close flushes and closes the segment file.
func (sw *SegmentWriter) Close() error {
	if sw.file == nil {
		return nil
	}
	err := sw.Sync()
	closeErr := sw.file.Close()
	sw.file = nil
	if err != nil {
		return err
	}
	return closeErr
}

// Close closes the segment file.
func (sr *SegmentReader) Close() error {
	if sr.file == nil {
		return nil
	}
	err := sr.file.Close()
	sr.file = nil
	return err
}
