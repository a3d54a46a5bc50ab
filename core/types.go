package core

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"
)

// CompressionType identifies the compression algorithm used.
// This will be stored on disk to know how to decompress.
type CompressionType byte

const (
	CompressionNone   CompressionType = 0
	CompressionSnappy CompressionType = 1
	CompressionLZ4    CompressionType = 2
	CompressionZSTD   CompressionType = 3
)

// Compressor defines the interface for compression and decompression algorithms.
type Compressor interface {
	// Compress compresses the input data.
	Compress(data []byte) ([]byte, error)
	CompressTo(dst *bytes.Buffer, src []byte) error
	// Decompress decompresses the input data.
	Decompress(data []byte) (io.ReadCloser, error)
	// Type returns the CompressionType identifier for this compressor.
	Type() CompressionType
}

// String returns the string representation of the CompressionType.
func (ct CompressionType) String() string {
	switch ct {
	case CompressionNone:
		return "none"
	case CompressionSnappy:
		return "snappy"
	case CompressionLZ4:
		return "lz4"
	case CompressionZSTD:
		return "zstd"
	default:
		return "unknown"
	}
}

// ParseCompressionType maps a configuration string onto a CompressionType.
func ParseCompressionType(s string) (CompressionType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return CompressionNone, nil
	case "snappy":
		return CompressionSnappy, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZSTD, nil
	default:
		return CompressionNone, fmt.Errorf("unknown compression type %q", s)
	}
}

// DataType is the kind of a replay record.
type DataType uint8

const (
	DataTypeInit    DataType = 1
	DataTypeEvent   DataType = 2
	DataTypePayload DataType = 3
)

// DataTypes lists every kind in storage order.
var DataTypes = []DataType{DataTypeInit, DataTypeEvent, DataTypePayload}

func (t DataType) String() string {
	switch t {
	case DataTypeInit:
		return "init"
	case DataTypeEvent:
		return "event"
	case DataTypePayload:
		return "payload"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Valid reports whether t is one of the known kinds.
func (t DataType) Valid() bool {
	return t >= DataTypeInit && t <= DataTypePayload
}

// IsStructured reports whether values of this kind are key-value mappings.
func (t DataType) IsStructured() bool {
	return t == DataTypeInit || t == DataTypeEvent
}

// ParseDataType is the inverse of DataType.String.
func ParseDataType(s string) (DataType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "init":
		return DataTypeInit, nil
	case "event":
		return DataTypeEvent, nil
	case "payload":
		return DataTypePayload, nil
	default:
		return 0, &InvalidRecordError{Field: "kind", Message: fmt.Sprintf("unknown kind %q", s)}
	}
}

// Record is a single replay record as supplied by a caller.
// Value is a map[string]any for INIT and EVENT records and a []byte for PAYLOAD records.
type Record struct {
	ReplayID  string
	Kind      DataType
	Value     any
	Timestamp time.Time
}

// Row is the stored form of a Record. Data holds the encoded value and Seq is
// the insertion sequence assigned by the engine that stored it.
type Row struct {
	ReplayID  string
	Kind      DataType
	Data      []byte
	Timestamp int64 // UnixNano
	Seq       uint64
}

// Time returns the row timestamp as a time.Time in UTC.
func (r Row) Time() time.Time {
	return time.Unix(0, r.Timestamp).UTC()
}

// Replay is the aggregate view of every row stored under one replay id.
// It is computed at read time and never persisted. JSON numbers inside Init
// and Events are json.Number values.
type Replay struct {
	ID       string
	Init     map[string]any // nil when no INIT row exists
	Events   []map[string]any
	Payloads [][]byte
}

// NewEmptyReplay returns the aggregate for an id with no rows.
func NewEmptyReplay(id string) *Replay {
	return &Replay{
		ID:       id,
		Events:   []map[string]any{},
		Payloads: [][]byte{},
	}
}

// IsEmpty reports whether the replay holds no data at all.
func (r *Replay) IsEmpty() bool {
	return r.Init == nil && len(r.Events) == 0 && len(r.Payloads) == 0
}

// Clone returns a deep copy of r, so callers can modify the result freely.
func (r *Replay) Clone() *Replay {
	if r == nil {
		return nil
	}
	out := &Replay{
		ID:       r.ID,
		Events:   make([]map[string]any, len(r.Events)),
		Payloads: make([][]byte, len(r.Payloads)),
	}
	if r.Init != nil {
		out.Init = cloneMap(r.Init)
	}
	for i, ev := range r.Events {
		out.Events[i] = cloneMap(ev)
	}
	for i, p := range r.Payloads {
		out.Payloads[i] = append([]byte(nil), p...)
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

// cloneValue copies the container types produced by encoding/json.
func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
