package core

// WALEntry represents a single row recorded in the WAL.
// Key is an encoded row key (see EncodeRowKey) and Value the compressed cell.
type WALEntry struct {
	EntryType EntryType
	Key       []byte
	Value     []byte
	SeqNum    uint64
}
