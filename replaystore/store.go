package replaystore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/INLOpen/replaystore/cache"
	"github.com/INLOpen/replaystore/core"
	"github.com/INLOpen/replaystore/hooks"
)

const tracerName = "github.com/INLOpen/replaystore"

type storeState int

const (
	stateUninitialized storeState = iota
	stateReady
	stateClosed
)

func (s storeState) String() string {
	switch s {
	case stateUninitialized:
		return "uninitialized"
	case stateReady:
		return "ready"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// cachedReplay is an aggregate together with the oldest row it was built
// from, so retention can expire it, and the engine version it was read at.
type cachedReplay struct {
	replay  *core.Replay
	oldest  int64
	rows    int
	version uint64
}

// Store implements Backend on top of an Engine. It is safe for concurrent use.
type Store struct {
	engine  Engine
	opts    options
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *StoreMetrics
	hooks   hooks.HookManager
	// ownsHooks is set when the store created its hook manager and must stop it.
	ownsHooks bool

	// mu guards state. Set and GetReplay hold it for reading so Close waits
	// for them to finish.
	mu        sync.RWMutex
	state     storeState
	bootstrap singleflight.Group

	// cacheMu orders cache fills against invalidations; writeGen changes on
	// every successful Set so a read that raced with a write is not cached.
	cacheMu  sync.Mutex
	cache    cache.Interface[cachedReplay]
	writeGen atomic.Uint64
}

// NewStore wraps engine. The store must be bootstrapped before use.
func NewStore(engine Engine, opts ...Option) *Store {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics = NewStoreMetrics(false, "")
	}

	s := &Store{
		engine:  engine,
		opts:    o,
		logger:  o.logger.With("component", "ReplayStore", "backend", engine.Name()),
		tracer:  o.tracerProvider.Tracer(tracerName),
		metrics: o.metrics,
		hooks:   o.hookManager,
	}
	s.cache = cache.NewLRUCache[cachedReplay](o.cacheCapacity, s.onCacheEvicted, s.onCacheHit, s.onCacheMiss)
	s.cache.SetMetrics(o.metrics.CacheHits, o.metrics.CacheMisses)
	return s
}

// BackendName returns the name of the underlying engine.
func (s *Store) BackendName() string { return s.engine.Name() }

// Metrics returns the expvar metrics of the store.
func (s *Store) Metrics() *StoreMetrics { return s.metrics }

// Bootstrap provisions the engine. Calling it again once the store is ready
// is a no-op, and concurrent callers share a single engine bootstrap.
func (s *Store) Bootstrap(ctx context.Context) (err error) {
	ctx, span := s.tracer.Start(ctx, "ReplayStore.Bootstrap")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", s.engine.Name()))
	defer func() { s.finishSpan(span, err) }()

	s.mu.RLock()
	state := s.state
	s.mu.RUnlock()
	switch state {
	case stateReady:
		return nil
	case stateClosed:
		return core.Unavailable("bootstrap", core.ErrClosed)
	}

	for {
		var shared bool
		ran := false
		_, err, shared = s.bootstrap.Do("bootstrap", func() (interface{}, error) {
			ran = true
			return nil, s.doBootstrap(ctx)
		})
		span.SetAttributes(attribute.Bool("replaystore.bootstrap_shared", shared))
		// A joined call that died with the leader's context says nothing
		// about ours; go again, leading this time if nobody else is.
		if !ran && isContextError(err) && ctx.Err() == nil {
			s.logger.Debug("Shared bootstrap was cancelled by another caller, retrying", "error", err)
			continue
		}
		return err
	}
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (s *Store) doBootstrap(ctx context.Context) error {
	// A caller that saw the old state may arrive after another one finished.
	s.mu.RLock()
	ready := s.state == stateReady
	s.mu.RUnlock()
	if ready {
		return nil
	}

	start := time.Now()
	payload := hooks.BootstrapPayload{Backend: s.engine.Name()}
	if s.hooks != nil {
		if err := s.hooks.Trigger(ctx, hooks.NewPreBootstrapEvent(payload)); err != nil {
			return fmt.Errorf("bootstrap cancelled by hook: %w", err)
		}
	}

	if err := s.engine.Bootstrap(ctx); err != nil {
		s.logger.Error("Bootstrap failed", "error", err)
		return s.engineError("bootstrap", err)
	}

	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		return core.Unavailable("bootstrap", core.ErrClosed)
	}
	s.state = stateReady
	s.mu.Unlock()

	s.metrics.BootstrapTotal.Add(1)
	payload.Duration = time.Since(start)
	s.logger.Info("Replay store ready", "duration", payload.Duration)
	if s.hooks != nil {
		s.hooks.Trigger(ctx, hooks.NewPostBootstrapEvent(payload))
	}
	return nil
}

// Set appends one record. The value must fit kind: a map[string]any (or a
// JSON object as json.RawMessage) for INIT and EVENT, bytes for PAYLOAD.
func (s *Store) Set(ctx context.Context, replayID string, value any, kind core.DataType, timestamp time.Time) (err error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "ReplayStore.Set")
	defer span.End()
	s.metrics.SetTotal.Add(1)
	defer func() {
		observeLatency(s.metrics.SetLatencyHist, time.Since(start))
		if err != nil {
			s.metrics.SetErrorsTotal.Add(1)
		}
		s.finishSpan(span, err)
	}()

	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkReadyLocked("set"); err != nil {
		return err
	}

	if s.hooks != nil {
		pre := hooks.PreSetRecordPayload{ReplayID: &replayID, Kind: &kind, Value: &value, Timestamp: &timestamp}
		if err := s.hooks.Trigger(ctx, hooks.NewPreSetRecordEvent(pre)); err != nil {
			return s.vetoError(kind, err)
		}
	}
	span.SetAttributes(
		attribute.String("replay.id", replayID),
		attribute.String("replay.kind", kind.String()),
	)

	rec, err := core.NewRecord(replayID, value, kind, timestamp)
	if err != nil {
		s.metrics.InvalidRecordsTotal.Add(1)
		return err
	}
	row, err := core.ToRow(rec)
	if err != nil {
		s.metrics.InvalidRecordsTotal.Add(1)
		return err
	}

	stored, err := s.engine.Append(ctx, row)
	if err != nil {
		err = s.engineError("set", err)
	} else {
		s.invalidate(replayID)
		span.SetAttributes(attribute.Int64("replay.seq", int64(stored.Seq)), attribute.Int("replay.size_bytes", len(row.Data)))
	}

	if s.hooks != nil {
		s.hooks.Trigger(ctx, hooks.NewPostSetRecordEvent(hooks.PostSetRecordPayload{
			ReplayID:  replayID,
			Kind:      kind,
			Timestamp: timestamp,
			Seq:       stored.Seq,
			Size:      len(row.Data),
			Error:     err,
		}))
	}
	return err
}

// GetReplay returns the aggregate of every row stored under replayID. An id
// with no rows yields an empty aggregate, not an error. The result is owned
// by the caller.
func (s *Store) GetReplay(ctx context.Context, replayID string) (replay *core.Replay, err error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "ReplayStore.GetReplay")
	defer span.End()
	span.SetAttributes(attribute.String("replay.id", replayID))
	s.metrics.GetReplayTotal.Add(1)

	fromCache := false
	defer func() {
		duration := time.Since(start)
		observeLatency(s.metrics.GetReplayLatencyHist, duration)
		if err != nil {
			s.metrics.GetReplayErrorsTotal.Add(1)
		}
		s.finishSpan(span, err)
		if s.hooks != nil {
			payload := hooks.PostGetReplayPayload{ReplayID: replayID, FromCache: fromCache, Duration: duration, Error: err}
			if replay != nil {
				payload.HasInit = replay.Init != nil
				payload.EventCount = len(replay.Events)
				payload.PayloadCount = len(replay.Payloads)
			}
			s.hooks.Trigger(ctx, hooks.NewPostGetReplayEvent(payload))
		}
	}()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkReadyLocked("get replay"); err != nil {
		return nil, err
	}

	cutoff := s.retentionCutoff()
	version, err := s.version(ctx, replayID)
	if err != nil {
		return nil, err
	}
	if cached, ok := s.cacheGet(replayID, cutoff, version); ok {
		fromCache = true
		span.SetAttributes(attribute.Bool("replay.cache_hit", true), attribute.Int("replay.rows", cached.rows))
		return cached.replay.Clone(), nil
	}

	gen := s.writeGen.Load()
	rows, err := s.scan(ctx, replayID, cutoff)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Bool("replay.cache_hit", false), attribute.Int("replay.rows", len(rows)))

	aggregate, err := core.AggregateReplay(replayID, rows)
	if err != nil {
		return nil, s.engineError("get replay", err)
	}
	s.cachePut(replayID, gen, cachedReplay{replay: aggregate, oldest: oldestTimestamp(rows), rows: len(rows), version: version})
	return aggregate.Clone(), nil
}

// GetReplayStats summarises the rows stored under replayID. It always reads
// through to the engine.
func (s *Store) GetReplayStats(ctx context.Context, replayID string) (stats *core.ReplayStats, err error) {
	ctx, span := s.tracer.Start(ctx, "ReplayStore.GetReplayStats")
	defer span.End()
	span.SetAttributes(attribute.String("replay.id", replayID))
	defer func() { s.finishSpan(span, err) }()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkReadyLocked("get replay stats"); err != nil {
		return nil, err
	}

	rows, err := s.scan(ctx, replayID, s.retentionCutoff())
	if err != nil {
		return nil, err
	}
	return core.ComputeStats(replayID, rows)
}

// Close closes the engine. The store cannot be bootstrapped again.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateClosed {
		return nil
	}
	if s.hooks != nil {
		if err := s.hooks.Trigger(context.Background(), hooks.NewPreCloseStoreEvent(hooks.CloseStorePayload{Backend: s.engine.Name()})); err != nil {
			s.logger.Warn("PreCloseStore hook returned an error, closing anyway", "error", err)
		}
	}
	s.state = stateClosed

	err := s.engine.Close()
	s.cacheMu.Lock()
	if s.opts.cacheCapacity > 0 {
		s.logger.Info("Replay cache statistics", "hit_rate", s.cache.GetHitRate(), "entries", s.cache.Len())
	}
	s.cache.Clear()
	s.cacheMu.Unlock()
	if s.ownsHooks && s.hooks != nil {
		s.hooks.Stop()
	}
	if err != nil {
		s.logger.Error("Failed to close engine", "error", err)
		return fmt.Errorf("close %s engine: %w", s.engine.Name(), err)
	}
	s.logger.Info("Replay store closed")
	return nil
}

func (s *Store) scan(ctx context.Context, replayID string, cutoff int64) ([]core.Row, error) {
	rows, err := s.engine.Scan(ctx, replayID)
	if err != nil {
		return nil, s.engineError("scan", err)
	}
	return core.FilterRetention(rows, cutoff), nil
}

func (s *Store) checkReadyLocked(op string) error {
	switch s.state {
	case stateUninitialized:
		s.metrics.UnavailableTotal.Add(1)
		return core.Unavailable(op, core.ErrNotBootstrapped)
	case stateClosed:
		s.metrics.UnavailableTotal.Add(1)
		return core.Unavailable(op, core.ErrClosed)
	}
	return nil
}

// vetoError reports a pre-set hook rejection as an invalid record, keeping
// the hook error in the chain.
func (s *Store) vetoError(kind core.DataType, err error) error {
	if isContextError(err) {
		return err
	}
	s.metrics.InvalidRecordsTotal.Add(1)
	if core.IsInvalidRecord(err) {
		return err
	}
	return &core.InvalidRecordError{Field: "record", Kind: kind, Message: "rejected by pre-set hook", Err: err}
}

// engineError makes every engine failure match ErrStorageUnavailable.
// Context errors and invalid records pass through unchanged.
func (s *Store) engineError(op string, err error) error {
	if isContextError(err) || core.IsInvalidRecord(err) {
		return err
	}
	s.metrics.UnavailableTotal.Add(1)
	return core.Unavailable(op, err)
}

func (s *Store) finishSpan(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// retentionCutoff returns the oldest timestamp still visible, or zero.
func (s *Store) retentionCutoff() int64 {
	if s.opts.retention <= 0 {
		return 0
	}
	return s.opts.now().Add(-s.opts.retention).UnixNano()
}

func (s *Store) invalidate(replayID string) {
	s.cacheMu.Lock()
	s.writeGen.Add(1)
	s.cache.Delete(replayID)
	s.cacheMu.Unlock()
}

// version asks a Versioner engine for the current version of replayID. It
// is only consulted while the cache is enabled.
func (s *Store) version(ctx context.Context, replayID string) (uint64, error) {
	v, ok := s.engine.(Versioner)
	if !ok || s.opts.cacheCapacity <= 0 {
		return 0, nil
	}
	version, err := v.Version(ctx, replayID)
	if err != nil {
		return 0, s.engineError("get replay", err)
	}
	return version, nil
}

func (s *Store) cacheGet(replayID string, cutoff int64, version uint64) (cachedReplay, bool) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	cached, ok := s.cache.Get(replayID)
	if !ok {
		return cachedReplay{}, false
	}
	if cutoff != 0 && cached.rows > 0 && cached.oldest < cutoff {
		// Some rows expired since the aggregate was built.
		s.cache.Delete(replayID)
		return cachedReplay{}, false
	}
	if cached.version != version {
		// Another process wrote to the replay.
		s.metrics.CacheStaleTotal.Add(1)
		s.cache.Delete(replayID)
		return cachedReplay{}, false
	}
	return cached, true
}

func (s *Store) cachePut(replayID string, gen uint64, entry cachedReplay) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if s.writeGen.Load() != gen {
		return
	}
	s.cache.Put(replayID, entry)
}

func (s *Store) onCacheHit(key string) {
	if s.hooks != nil {
		s.hooks.Trigger(context.Background(), hooks.NewOnCacheHitEvent(hooks.CachePayload{Key: key}))
	}
}

func (s *Store) onCacheMiss(key string) {
	if s.hooks != nil {
		s.hooks.Trigger(context.Background(), hooks.NewOnCacheMissEvent(hooks.CachePayload{Key: key}))
	}
}

func (s *Store) onCacheEvicted(key string, _ cachedReplay) {
	if s.hooks != nil {
		s.hooks.Trigger(context.Background(), hooks.NewOnCacheEvictionEvent(hooks.CachePayload{Key: key}))
	}
}

func oldestTimestamp(rows []core.Row) int64 {
	var oldest int64
	for i, row := range rows {
		if i == 0 || row.Timestamp < oldest {
			oldest = row.Timestamp
		}
	}
	return oldest
}
