package core

import (
	"fmt"
	"sort"
)

// lessRow orders rows by timestamp, then by insertion sequence.
// The pair is unique per engine instance, so the order is total.
func lessRow(a, b Row) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp < b.Timestamp
	}
	return a.Seq < b.Seq
}

// SortRows sorts rows in place by (timestamp, seq) ascending.
func SortRows(rows []Row) {
	sort.Slice(rows, func(i, j int) bool { return lessRow(rows[i], rows[j]) })
}

// PartitionRows splits rows for replayID by kind. Rows belonging to other ids
// or carrying an unknown kind are dropped. Each partition is sorted.
func PartitionRows(replayID string, rows []Row) map[DataType][]Row {
	parts := make(map[DataType][]Row, len(DataTypes))
	for _, row := range rows {
		if row.ReplayID != replayID || !row.Kind.Valid() {
			continue
		}
		parts[row.Kind] = append(parts[row.Kind], row)
	}
	for _, part := range parts {
		SortRows(part)
	}
	return parts
}

// FilterRetention drops rows whose timestamp is before cutoff (UnixNano).
// A cutoff of zero keeps everything.
func FilterRetention(rows []Row, cutoff int64) []Row {
	if cutoff == 0 {
		return rows
	}
	kept := rows[:0:0]
	for _, row := range rows {
		if row.Timestamp >= cutoff {
			kept = append(kept, row)
		}
	}
	return kept
}

// AggregateReplay merges the rows stored for replayID into one Replay.
//
// Rows may be given in any order. The INIT value is the earliest INIT row
// (ties go to the lowest sequence number); events and payloads are ordered by
// timestamp and then by sequence number. With no rows the result is an empty
// aggregate, not an error.
func AggregateReplay(replayID string, rows []Row) (*Replay, error) {
	replay := NewEmptyReplay(replayID)
	parts := PartitionRows(replayID, rows)

	if inits := parts[DataTypeInit]; len(inits) > 0 {
		init, err := DecodeStructured(inits[0].Data)
		if err != nil {
			return nil, fmt.Errorf("replay %s: init seq %d: %w", replayID, inits[0].Seq, err)
		}
		replay.Init = init
	}

	events := parts[DataTypeEvent]
	if len(events) > 0 {
		replay.Events = make([]map[string]any, 0, len(events))
	}
	for _, row := range events {
		value, err := DecodeStructured(row.Data)
		if err != nil {
			return nil, fmt.Errorf("replay %s: event seq %d: %w", replayID, row.Seq, err)
		}
		replay.Events = append(replay.Events, value)
	}

	payloads := parts[DataTypePayload]
	if len(payloads) > 0 {
		replay.Payloads = make([][]byte, 0, len(payloads))
	}
	for _, row := range payloads {
		replay.Payloads = append(replay.Payloads, row.Data)
	}

	return replay, nil
}
