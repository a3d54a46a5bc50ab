package columnar

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/INLOpen/replaystore/compressors"
	"github.com/INLOpen/replaystore/core"
	"github.com/INLOpen/replaystore/wal"
)

// A raw cell is one flag byte followed by the row data. A compressed cell
// carries the uncompressed length as a uvarint between the flag and the
// compressed bytes, so decoding never has to guess a buffer size. Data that
// does not shrink under the configured compressor is kept raw.
const (
	cellRaw        byte = 0
	cellCompressed byte = 1
)

func (e *Engine) encodeCell(data []byte) ([]byte, error) {
	if len(data) > wal.MaxRecordSize {
		return nil, &core.InvalidRecordError{Field: "value", Message: fmt.Sprintf("row of %d bytes exceeds the %d byte WAL record limit", len(data), wal.MaxRecordSize)}
	}
	if e.compressor.Type() != core.CompressionNone && len(data) > 0 {
		compressed, err := e.compressor.Compress(data)
		switch {
		case err == nil && len(compressed)+binary.MaxVarintLen64 < len(data):
			e.metrics.CellsCompressedTotal.Add(1)
			var hdr [1 + binary.MaxVarintLen64]byte
			hdr[0] = cellCompressed
			n := 1 + binary.PutUvarint(hdr[1:], uint64(len(data)))
			cell := make([]byte, n+len(compressed))
			copy(cell, hdr[:n])
			copy(cell[n:], compressed)
			return cell, nil
		case err != nil && !errors.Is(err, compressors.ErrIncompressible):
			return nil, fmt.Errorf("failed to compress cell with %s: %w", e.compressor.Type(), err)
		}
	}
	e.metrics.CellsStoredRawTotal.Add(1)
	cell := make([]byte, 1+len(data))
	cell[0] = cellRaw
	copy(cell[1:], data)
	return cell, nil
}

// decodeCell returns a copy of the row data held in cell.
func (e *Engine) decodeCell(cell []byte) ([]byte, error) {
	if len(cell) == 0 {
		return nil, fmt.Errorf("empty cell")
	}
	switch cell[0] {
	case cellRaw:
		return append([]byte(nil), cell[1:]...), nil
	case cellCompressed:
		size, n := binary.Uvarint(cell[1:])
		if n <= 0 {
			return nil, fmt.Errorf("corrupt compressed cell header")
		}
		if size > compressors.MaxCellSize {
			return nil, fmt.Errorf("compressed cell claims %d bytes, limit is %d", size, compressors.MaxCellSize)
		}
		data, err := compressors.DecompressExact(e.compressor, cell[1+n:], int(size))
		if err != nil {
			return nil, fmt.Errorf("failed to decompress cell with %s: %w", e.compressor.Type(), err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("unknown cell flag %d", cell[0])
	}
}
