package wal

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/INLOpen/replaystore/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSegmentFileNameFormat(t *testing.T) {
	assert.Equal(t, "00000001.wal", formatSegmentFileName(1))
	assert.Equal(t, "00012345.wal", formatSegmentFileName(12345))

	index, err := parseSegmentFileName("00000042.wal")
	require.NoError(t, err)
	assert.Equal(t, uint64(42), index)

	_, err = parseSegmentFileName("00000042.log")
	assert.Error(t, err)
	_, err = parseSegmentFileName("abc.wal")
	assert.Error(t, err)
}

func TestCreateSegment(t *testing.T) {
	dir := t.TempDir()
	sw, err := CreateSegment(dir, 7)
	require.NoError(t, err)
	assert.Equal(t, headerSize, sw.Size())
	require.NoError(t, sw.Close())

	data, err := os.ReadFile(filepath.Join(dir, "00000007.wal"))
	require.NoError(t, err)
	require.Len(t, data, int(headerSize))

	var header core.FileHeader
	require.NoError(t, binary.Read(bytes.NewReader(data), binary.LittleEndian, &header))
	assert.NoError(t, header.Check(core.WALMagic))
}

func TestSegment_WriteAndReadRecord(t *testing.T) {
	dir := t.TempDir()
	sw, err := CreateSegment(dir, 1)
	require.NoError(t, err)

	records := [][]byte{[]byte("first"), {}, bytes.Repeat([]byte("x"), 10000)}
	for _, r := range records {
		require.NoError(t, sw.WriteRecord(r))
	}
	require.NoError(t, sw.Close())
	assert.ErrorIs(t, sw.WriteRecord([]byte("late")), os.ErrClosed)

	sr, err := OpenSegmentForRead(filepath.Join(dir, formatSegmentFileName(1)))
	require.NoError(t, err)
	defer sr.Close()

	for _, want := range records {
		got, err := sr.ReadRecord()
		require.NoError(t, err)
		assert.Equal(t, len(want), len(got))
		assert.True(t, bytes.Equal(want, got))
	}
	_, err = sr.ReadRecord()
	assert.Equal(t, io.EOF, err)
}

func TestReadRecord_Corruption(t *testing.T) {
	frame := func(data []byte) []byte {
		var buf bytes.Buffer
		sw := &SegmentWriter{Segment: &Segment{file: nopFile{}}, writer: bufio.NewWriter(&buf)}
		require.NoError(t, sw.WriteRecord(data))
		require.NoError(t, sw.writer.Flush())
		return buf.Bytes()
	}
	good := frame([]byte("payload"))

	testCases := []struct {
		name    string
		input   []byte
		wantErr error
	}{
		{name: "empty", input: nil, wantErr: io.EOF},
		{name: "partial length", input: good[:2], wantErr: io.ErrUnexpectedEOF},
		{name: "partial data", input: good[:6], wantErr: io.ErrUnexpectedEOF},
		{name: "missing checksum", input: good[:len(good)-2], wantErr: io.ErrUnexpectedEOF},
		{name: "bad checksum", input: append(append([]byte{}, good[:len(good)-1]...), good[len(good)-1]^0xFF), wantErr: ErrChecksumMismatch},
		{name: "absurd length", input: []byte{0xFF, 0xFF, 0xFF, 0xFF}, wantErr: ErrRecordTooLarge},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := readRecord(bufio.NewReader(bytes.NewReader(tc.input)))
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestOpenSegmentForRead_ErrorCases(t *testing.T) {
	dir := t.TempDir()

	_, err := OpenSegmentForRead(filepath.Join(dir, "00000001.wal"))
	assert.Error(t, err, "missing file")

	truncated := filepath.Join(dir, "00000002.wal")
	require.NoError(t, os.WriteFile(truncated, []byte{1, 2}, 0644))
	_, err = OpenSegmentForRead(truncated)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	badMagic := filepath.Join(dir, "00000003.wal")
	header := core.NewFileHeader(0xDEADBEEF, core.CompressionNone)
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, &header))
	require.NoError(t, os.WriteFile(badMagic, buf.Bytes(), 0644))
	_, err = OpenSegmentForRead(badMagic)
	assert.ErrorContains(t, err, "invalid magic number")
}

// nopFile satisfies sys.FileHandle for in-memory framing tests.
type nopFile struct{}

func (nopFile) Read([]byte) (int, error) { return 0, io.EOF }
func (nopFile) Write(p []byte) (int, error) { return len(p), nil }
func (nopFile) Close() error { return nil }
func (nopFile) Seek(int64, int) (int64, error) { return 0, nil }
func (nopFile) Stat() (os.FileInfo, error) { return nil, os.ErrInvalid }
func (nopFile) Sync() error { return nil }
func (nopFile) Truncate(int64) error { return nil }
func (nopFile) Name() string { return "nop" }
func (nopFile) Fd() uintptr { return 0 }
