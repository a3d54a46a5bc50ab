package core

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"time"
)

// Timestamps are stored as int64 nanoseconds since the Unix epoch, which
// covers roughly the years 1678 to 2262.
var (
	MinTimestamp = time.Unix(0, math.MinInt64)
	MaxTimestamp = time.Unix(0, math.MaxInt64)
)

// NewRecord checks that value fits kind and returns the record.
// INIT and EVENT take a map[string]any or a json.RawMessage holding a JSON
// object; PAYLOAD takes raw bytes ([]byte or json.RawMessage).
func NewRecord(replayID string, value any, kind DataType, timestamp time.Time) (Record, error) {
	if strings.TrimSpace(replayID) == "" {
		return Record{}, &InvalidRecordError{Field: "replay_id", Kind: kind, Message: "cannot be empty"}
	}
	if !kind.Valid() {
		return Record{}, &InvalidRecordError{Field: "kind", Kind: kind, Message: fmt.Sprintf("unknown kind %d", uint8(kind))}
	}
	if timestamp.IsZero() {
		return Record{}, &InvalidRecordError{Field: "timestamp", Kind: kind, Message: "cannot be zero"}
	}
	if timestamp.Before(MinTimestamp) || timestamp.After(MaxTimestamp) {
		return Record{}, &InvalidRecordError{Field: "timestamp", Kind: kind,
			Message: fmt.Sprintf("%s is outside the storable range %s to %s",
				timestamp.UTC().Format(time.RFC3339), MinTimestamp.UTC().Format(time.RFC3339), MaxTimestamp.UTC().Format(time.RFC3339))}
	}

	switch v := value.(type) {
	case map[string]any:
		if !kind.IsStructured() {
			return Record{}, mismatch(kind, value)
		}
		if v == nil {
			return Record{}, &InvalidRecordError{Field: "value", Kind: kind, Message: "mapping cannot be nil"}
		}
	case json.RawMessage:
		if kind.IsStructured() && !isJSONObject(v) {
			return Record{}, &InvalidRecordError{Field: "value", Kind: kind, Message: "raw JSON must be an object"}
		}
	case []byte:
		if kind != DataTypePayload {
			return Record{}, mismatch(kind, value)
		}
	default:
		return Record{}, mismatch(kind, value)
	}

	return Record{ReplayID: replayID, Kind: kind, Value: value, Timestamp: timestamp}, nil
}

func mismatch(kind DataType, value any) error {
	want := "[]byte"
	if kind.IsStructured() {
		want = "map[string]any"
	}
	return &InvalidRecordError{Field: "value", Kind: kind, Message: fmt.Sprintf("got %T, want %s", value, want)}
}

func isJSONObject(raw []byte) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{' && json.Valid(trimmed)
}

// EncodeRecord returns the stored form of the record value.
// Mappings are written as JSON (keys sorted); payloads are copied verbatim.
func EncodeRecord(rec Record) ([]byte, error) {
	switch v := rec.Value.(type) {
	case map[string]any:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, &InvalidRecordError{Field: "value", Kind: rec.Kind, Message: fmt.Sprintf("not JSON encodable: %v", err)}
		}
		return data, nil
	case json.RawMessage:
		if !rec.Kind.IsStructured() {
			return append([]byte(nil), v...), nil
		}
		var buf bytes.Buffer
		if err := json.Compact(&buf, v); err != nil {
			return nil, &InvalidRecordError{Field: "value", Kind: rec.Kind, Message: fmt.Sprintf("invalid JSON: %v", err)}
		}
		return buf.Bytes(), nil
	case []byte:
		return append([]byte(nil), v...), nil
	default:
		return nil, mismatch(rec.Kind, rec.Value)
	}
}

// ToRow encodes the record into a Row without a sequence number.
func ToRow(rec Record) (Row, error) {
	data, err := EncodeRecord(rec)
	if err != nil {
		return Row{}, err
	}
	return Row{
		ReplayID:  rec.ReplayID,
		Kind:      rec.Kind,
		Data:      data,
		Timestamp: rec.Timestamp.UnixNano(),
	}, nil
}

// DecodeStructured decodes an INIT or EVENT value. Numbers come back as
// json.Number so integers above 2^53 keep every digit.
func DecodeStructured(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode structured value: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode structured value: trailing data after object")
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}
