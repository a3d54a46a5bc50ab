// Package replaystore is the public API of the replay store: a Backend that
// appends replay records and aggregates them back into a Replay, on top of a
// pluggable storage Engine.
package replaystore

import (
	"context"
	"time"

	"github.com/INLOpen/replaystore/core"
	"github.com/INLOpen/replaystore/engine/columnar"
	"github.com/INLOpen/replaystore/engine/inmem"
	"github.com/INLOpen/replaystore/engine/relational"
)

// Backend stores replay records and returns their aggregate.
//
// Set never overwrites: every call adds a row, even for an identical
// (id, kind, timestamp). GetReplay of an unknown id returns an empty
// aggregate. Failures of the underlying storage match
// core.ErrStorageUnavailable; a value that does not fit its kind is a
// *core.InvalidRecordError.
type Backend interface {
	Bootstrap(ctx context.Context) error
	Set(ctx context.Context, replayID string, value any, kind core.DataType, timestamp time.Time) error
	GetReplay(ctx context.Context, replayID string) (*core.Replay, error)
	Close() error
}

// Engine is the storage layer behind a Store.
type Engine interface {
	Name() string
	// Bootstrap provisions storage. It must be idempotent.
	Bootstrap(ctx context.Context) error
	// Append stores row durably and returns it with its sequence number set.
	Append(ctx context.Context, row core.Row) (core.Row, error)
	// Scan returns every row of replayID in any order.
	Scan(ctx context.Context, replayID string) ([]core.Row, error)
	Close() error
}

// Versioner is implemented by engines whose file other processes may write
// to. Version changes whenever a row is added under replayID; the store
// compares it before serving a cached aggregate.
type Versioner interface {
	Version(ctx context.Context, replayID string) (uint64, error)
}

var (
	_ Backend = (*Store)(nil)
	_ Engine  = (*columnar.Engine)(nil)
	_ Engine  = (*relational.Engine)(nil)
	_ Engine  = (*inmem.Engine)(nil)

	_ Versioner = (*relational.Engine)(nil)
)
