// Package inmem is a map backed engine used by tests and short lived tools.
// Rows live only as long as the engine; Close drops them.
package inmem

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/INLOpen/replaystore/core"
)

// Name is reported by Engine.Name and used as the backend name in config.
const Name = "memory"

type Engine struct {
	mu     sync.RWMutex
	rows   map[string][]core.Row
	seq    atomic.Uint64
	ready  bool
	closed bool
	logger *slog.Logger

	// testingOnlyUnavailable makes every call fail as if storage was unreachable.
	testingOnlyUnavailable atomic.Bool
}

// New returns an engine with no rows. Bootstrap must be called before use.
func New(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Engine{
		rows:   make(map[string][]core.Row),
		logger: logger.With("component", "InmemEngine"),
	}
}

func (e *Engine) Name() string { return Name }

func (e *Engine) Bootstrap(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.testingOnlyUnavailable.Load() {
		return core.Unavailable("inmem bootstrap", errSimulated)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return core.Unavailable("inmem bootstrap", core.ErrClosed)
	}
	if !e.ready {
		e.ready = true
		e.logger.Debug("In-memory engine ready")
	}
	return nil
}

func (e *Engine) Append(ctx context.Context, row core.Row) (core.Row, error) {
	if err := ctx.Err(); err != nil {
		return core.Row{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkUsableLocked("inmem append"); err != nil {
		return core.Row{}, err
	}
	row.Data = append([]byte(nil), row.Data...)
	row.Seq = e.seq.Add(1)
	e.rows[row.ReplayID] = append(e.rows[row.ReplayID], row)
	return row, nil
}

func (e *Engine) Scan(ctx context.Context, replayID string) ([]core.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.checkUsableLocked("inmem scan"); err != nil {
		return nil, err
	}
	stored := e.rows[replayID]
	out := make([]core.Row, len(stored))
	for i, row := range stored {
		row.Data = append([]byte(nil), row.Data...)
		out[i] = row
	}
	return out, nil
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.rows = nil
	return nil
}

// SetTestingOnlyUnavailable simulates an unreachable store.
func (e *Engine) SetTestingOnlyUnavailable(v bool) {
	e.testingOnlyUnavailable.Store(v)
}

func (e *Engine) checkUsableLocked(op string) error {
	switch {
	case e.testingOnlyUnavailable.Load():
		return core.Unavailable(op, errSimulated)
	case e.closed:
		return core.Unavailable(op, core.ErrClosed)
	case !e.ready:
		return core.Unavailable(op, core.ErrNotBootstrapped)
	}
	return nil
}
