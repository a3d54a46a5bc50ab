package replaystore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/INLOpen/replaystore/config"
	"github.com/INLOpen/replaystore/core"
	"github.com/INLOpen/replaystore/engine/columnar"
	"github.com/INLOpen/replaystore/engine/inmem"
	"github.com/INLOpen/replaystore/engine/relational"
	"github.com/INLOpen/replaystore/hooks"
	"github.com/INLOpen/replaystore/hooks/listeners"
)

// RelationalFileName is the database file used when no path is configured.
const RelationalFileName = "replays.db"

// Open builds the Store selected by cfg.Store.Backend. The store is not
// bootstrapped. Options override the values taken from cfg.
func Open(cfg *config.Config, opts ...Option) (*Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger

	if o.metrics == nil {
		o.metrics = NewStoreMetrics(false, "")
	}
	engine, err := newEngine(cfg, o, logger)
	if err != nil {
		return nil, err
	}

	ownsHooks := false
	if o.hookManager == nil {
		o.hookManager = newHookManager(cfg.Hooks, logger)
		ownsHooks = true
	}

	storeOpts := []Option{
		WithCacheCapacity(cfg.Store.CacheCapacity),
		WithRetention(config.ParseDuration(cfg.Store.RetentionPeriod, 0, logger)),
	}
	// Explicit options come last so they win over cfg.
	storeOpts = append(storeOpts, opts...)
	storeOpts = append(storeOpts, WithMetrics(o.metrics), WithHookManager(o.hookManager))

	s := NewStore(engine, storeOpts...)
	s.ownsHooks = ownsHooks
	return s, nil
}

// OpenAndBootstrap is Open followed by Bootstrap bounded by
// cfg.Store.BootstrapTimeout.
func OpenAndBootstrap(ctx context.Context, cfg *config.Config, opts ...Option) (*Store, error) {
	s, err := Open(cfg, opts...)
	if err != nil {
		return nil, err
	}
	timeout := config.ParseDuration(cfg.Store.BootstrapTimeout, 30*time.Second, s.logger)
	bctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := s.Bootstrap(bctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func newEngine(cfg *config.Config, o options, logger *slog.Logger) (Engine, error) {
	switch cfg.Store.Backend {
	case config.BackendColumnar:
		compression, err := core.ParseCompressionType(cfg.Columnar.Compression)
		if err != nil {
			return nil, err
		}
		syncMode, err := core.ParseWALSyncMode(cfg.Columnar.WAL.SyncMode)
		if err != nil {
			return nil, err
		}
		metrics := columnar.NewMetrics()
		metrics.Publish(o.metrics.Engine)
		return columnar.New(columnar.Options{
			DataDir:            cfg.Store.DataDir,
			Compression:        compression,
			WALSyncMode:        syncMode,
			WALMaxSegmentSize:  cfg.Columnar.WAL.MaxSegmentSizeBytes,
			WALPreallocate:     cfg.Columnar.WAL.Preallocate,
			WALCompactSegments: cfg.Columnar.WAL.CompactSegments,
			MinFreeDiskBytes:   cfg.Columnar.MinFreeDiskBytes,
			LockTimeout:        config.ParseDuration(cfg.Columnar.LockTimeout, 5*time.Second, logger),
			Metrics:            metrics,
			HookManager:        o.hookManager,
			Logger:             logger,
		})
	case config.BackendRelational:
		path := cfg.Relational.Path
		if path == "" {
			path = filepath.Join(cfg.Store.DataDir, RelationalFileName)
		}
		return relational.New(relational.Options{
			Path:         path,
			BusyTimeout:  config.ParseDuration(cfg.Relational.BusyTimeout, 5*time.Second, logger),
			MaxOpenConns: cfg.Relational.MaxOpenConns,
			Logger:       logger,
		})
	case config.BackendMemory:
		return inmem.New(logger), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Store.Backend)
	}
}

// newHookManager registers the listeners enabled in cfg.
func newHookManager(cfg config.HooksConfig, logger *slog.Logger) hooks.HookManager {
	hm := hooks.NewHookManager(logger.With("component", "HookManager"))
	if cfg.ClockSkew.Enabled {
		rule := listeners.ClockSkewRule{
			MaxPast:   config.ParseDuration(cfg.ClockSkew.MaxPast, 0, logger),
			MaxFuture: config.ParseDuration(cfg.ClockSkew.MaxFuture, 0, logger),
			Reject:    cfg.ClockSkew.Reject,
		}
		hm.Register(hooks.EventPreSetRecord, listeners.NewClockSkewListener(logger, rule))
	}
	if cfg.ReplayAlerter {
		hm.Register(hooks.EventPostSetRecord, listeners.NewReplayAlerterListener(logger, cfg.TrackedReplays))
	}
	if cfg.IngestMetrics {
		hm.Register(hooks.EventPostSetRecord, listeners.NewIngestBytesListener(logger))
	}
	return hm
}

// Temporary is an isolated, bootstrapped Store whose storage is removed on Close.
type Temporary struct {
	*Store
	ID  string
	Dir string // empty for the memory backend
}

// OpenTemporary provisions a fresh store of the given backend under the
// system temp directory.
func OpenTemporary(backend string, opts ...Option) (*Temporary, error) {
	cfg := config.Default()
	cfg.Store.Backend = backend
	cfg.Store.CacheCapacity = 0
	cfg.Columnar.WAL.SyncMode = string(core.WALSyncDisabled)
	cfg.Columnar.MinFreeDiskBytes = 0
	cfg.Hooks.IngestMetrics = false

	tmp := &Temporary{ID: uuid.NewString()}
	if backend != config.BackendMemory {
		tmp.Dir = filepath.Join(os.TempDir(), "replaystore-"+tmp.ID)
		if err := os.MkdirAll(tmp.Dir, 0755); err != nil {
			return nil, core.Unavailable("open temporary", err)
		}
		cfg.Store.DataDir = tmp.Dir
	}

	s, err := OpenAndBootstrap(context.Background(), cfg, opts...)
	if err != nil {
		tmp.removeDir()
		return nil, err
	}
	tmp.Store = s
	return tmp, nil
}

// Close closes the store and deletes its storage.
func (t *Temporary) Close() error {
	err := t.Store.Close()
	if rmErr := t.removeDir(); rmErr != nil && err == nil {
		err = rmErr
	}
	return err
}

func (t *Temporary) removeDir() error {
	if t.Dir == "" {
		return nil
	}
	if err := os.RemoveAll(t.Dir); err != nil {
		return fmt.Errorf("remove temporary store %s: %w", t.Dir, err)
	}
	return nil
}
