package core

// EntryType defines the type of an entry in the WAL.
type EntryType byte

const (
	// EntryTypePutRow represents one appended replay row.
	EntryTypePutRow EntryType = 'P'
	// EntryTypePutBatch represents a batch of rows written atomically to the WAL.
	EntryTypePutBatch EntryType = 'B'
)
