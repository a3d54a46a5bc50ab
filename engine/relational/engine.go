// Package relational stores replay rows in a SQLite table, one row per
// record. The AUTOINCREMENT primary key is the insertion sequence.
package relational

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/INLOpen/replaystore/core"
	"github.com/INLOpen/replaystore/engine/relational/migrations"
)

// Name is reported by Engine.Name and used as the backend name in config.
const Name = "relational"

const defaultBusyTimeout = 5 * time.Second

// Options configures a relational Engine.
type Options struct {
	// Path of the SQLite database file. Its directory is created on Bootstrap.
	Path         string
	BusyTimeout  time.Duration
	MaxOpenConns int
	Logger       *slog.Logger
}

type Engine struct {
	opts   Options
	logger *slog.Logger

	mu     sync.RWMutex
	db     *sql.DB
	closed bool
}

// New validates opts and returns an engine. The database is opened by Bootstrap.
func New(opts Options) (*Engine, error) {
	if strings.TrimSpace(opts.Path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	opts.Path = filepath.Clean(opts.Path)
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = defaultBusyTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Engine{
		opts:   opts,
		logger: opts.Logger.With("component", "RelationalEngine", "path", opts.Path),
	}, nil
}

func (e *Engine) Name() string { return Name }

func (e *Engine) dsn() string {
	return fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)",
		e.opts.Path, e.opts.BusyTimeout.Milliseconds())
}

// Bootstrap opens the database and applies pending migrations. Calling it
// again on an open engine re-runs the idempotent migration check only.
func (e *Engine) Bootstrap(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return core.Unavailable("relational bootstrap", core.ErrClosed)
	}

	if e.db == nil {
		if err := os.MkdirAll(filepath.Dir(e.opts.Path), 0755); err != nil {
			return core.Unavailable("relational bootstrap", fmt.Errorf("create database directory: %w", err))
		}
		db, err := sql.Open("sqlite", e.dsn())
		if err != nil {
			return core.Unavailable("relational bootstrap", fmt.Errorf("open sqlite db: %w", err))
		}
		if e.opts.MaxOpenConns > 0 {
			db.SetMaxOpenConns(e.opts.MaxOpenConns)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return e.storageError("relational bootstrap", fmt.Errorf("ping sqlite db: %w", err))
		}
		e.db = db
	}

	applied, err := applyMigrations(ctx, e.db, migrations.FS, ".")
	if err != nil {
		return e.storageError("relational bootstrap", fmt.Errorf("run migrations: %w", err))
	}
	if len(applied) > 0 {
		e.logger.Info("Applied migrations", "files", applied)
	}
	return nil
}

// Append inserts row and returns it with the assigned sequence number.
func (e *Engine) Append(ctx context.Context, row core.Row) (core.Row, error) {
	if err := ctx.Err(); err != nil {
		return core.Row{}, err
	}
	db, err := e.handle("relational append")
	if err != nil {
		return core.Row{}, err
	}
	defer e.mu.RUnlock()

	res, err := db.ExecContext(ctx,
		`INSERT INTO replay_records (replay_id, kind, data, timestamp_ns) VALUES (?, ?, ?, ?)`,
		row.ReplayID, int64(row.Kind), row.Data, row.Timestamp,
	)
	if err != nil {
		return core.Row{}, e.storageError("relational append", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return core.Row{}, e.storageError("relational append", err)
	}
	row.Seq = uint64(seq)
	return row, nil
}

// Scan returns every row stored for replayID ordered by kind, timestamp and seq.
func (e *Engine) Scan(ctx context.Context, replayID string) ([]core.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	db, err := e.handle("relational scan")
	if err != nil {
		return nil, err
	}
	defer e.mu.RUnlock()

	rows, err := db.QueryContext(ctx,
		`SELECT seq, kind, data, timestamp_ns FROM replay_records
		 WHERE replay_id = ?
		 ORDER BY kind, timestamp_ns, seq`,
		replayID,
	)
	if err != nil {
		return nil, e.storageError("relational scan", err)
	}
	defer rows.Close()

	var out []core.Row
	for rows.Next() {
		var (
			seq  int64
			kind int64
			data []byte
			ts   int64
		)
		if err := rows.Scan(&seq, &kind, &data, &ts); err != nil {
			return nil, e.storageError("relational scan", err)
		}
		out = append(out, core.Row{
			ReplayID:  replayID,
			Kind:      core.DataType(kind),
			Data:      data,
			Timestamp: ts,
			Seq:       uint64(seq),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, e.storageError("relational scan", err)
	}
	return out, nil
}

// Version returns the highest sequence number stored for replayID, or zero.
// Rows are never updated or deleted, so any write by any process that
// shares the database file changes it.
func (e *Engine) Version(ctx context.Context, replayID string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	db, err := e.handle("relational version")
	if err != nil {
		return 0, err
	}
	defer e.mu.RUnlock()

	var seq int64
	err = db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM replay_records WHERE replay_id = ?`,
		replayID,
	).Scan(&seq)
	if err != nil {
		return 0, e.storageError("relational version", err)
	}
	return uint64(seq), nil
}

// Close closes the SQLite handle. Closing twice is a no-op.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	if e.db == nil {
		return nil
	}
	err := e.db.Close()
	e.db = nil
	return err
}

// handle returns the open database with the read lock held. The caller
// must release it unless an error is returned.
func (e *Engine) handle(op string) (*sql.DB, error) {
	e.mu.RLock()
	switch {
	case e.closed:
		e.mu.RUnlock()
		return nil, core.Unavailable(op, core.ErrClosed)
	case e.db == nil:
		e.mu.RUnlock()
		return nil, core.Unavailable(op, core.ErrNotBootstrapped)
	}
	return e.db, nil
}

// storageError maps a database failure onto ErrStorageUnavailable. Context
// errors are returned as they are.
func (e *Engine) storageError(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if isBusyError(err) {
		e.logger.Warn("Database is busy", "op", op, "error", err)
	}
	return core.Unavailable(op, err)
}

func isBusyError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	// Extended result codes keep the primary code in the low byte.
	code := sqliteErr.Code() & 0xff
	return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
}
