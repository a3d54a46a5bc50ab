package core

import (
	"encoding/binary"
	"fmt"
)

// Row keys lay out a wide-column row so that byte order equals
// (replay id, kind, timestamp, seq) order:
//
//	<uvarint id length><id><kind:1><timestamp:8 BE, sign bit flipped><seq:8 BE>
const rowKeySuffixLen = 1 + 8 + 8

const signBit = uint64(1) << 63

// EncodeReplayPrefix returns the key prefix shared by every row of replayID.
func EncodeReplayPrefix(replayID string) []byte {
	buf := make([]byte, binary.MaxVarintLen64+len(replayID))
	n := binary.PutUvarint(buf, uint64(len(replayID)))
	n += copy(buf[n:], replayID)
	return buf[:n]
}

// EncodeRowKey creates the ordered key for a row.
func EncodeRowKey(replayID string, kind DataType, timestamp int64, seq uint64) []byte {
	prefix := EncodeReplayPrefix(replayID)
	key := make([]byte, len(prefix)+rowKeySuffixLen)
	n := copy(key, prefix)
	key[n] = byte(kind)
	binary.BigEndian.PutUint64(key[n+1:], uint64(timestamp)^signBit)
	binary.BigEndian.PutUint64(key[n+9:], seq)
	return key
}

// DecodeRowKey is the inverse of EncodeRowKey.
func DecodeRowKey(key []byte) (replayID string, kind DataType, timestamp int64, seq uint64, err error) {
	idLen, n := binary.Uvarint(key)
	if n <= 0 {
		return "", 0, 0, 0, fmt.Errorf("invalid row key: bad id length")
	}
	if uint64(len(key)-n) != idLen+rowKeySuffixLen {
		return "", 0, 0, 0, fmt.Errorf("invalid row key length: got %d, want %d", len(key), uint64(n)+idLen+rowKeySuffixLen)
	}
	replayID = string(key[n : n+int(idLen)])
	rest := key[n+int(idLen):]
	kind = DataType(rest[0])
	timestamp = int64(binary.BigEndian.Uint64(rest[1:9]) ^ signBit)
	seq = binary.BigEndian.Uint64(rest[9:17])
	return replayID, kind, timestamp, seq, nil
}
