package replaystore

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/INLOpen/replaystore/core"
	"github.com/INLOpen/replaystore/engine/inmem"
	"github.com/INLOpen/replaystore/hooks"
)

// mockEngine is a testify mock of Engine.
type mockEngine struct {
	mock.Mock
}

func (m *mockEngine) Name() string { return "mock" }

func (m *mockEngine) Bootstrap(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *mockEngine) Append(ctx context.Context, row core.Row) (core.Row, error) {
	args := m.Called(ctx, row)
	return args.Get(0).(core.Row), args.Error(1)
}

func (m *mockEngine) Scan(ctx context.Context, replayID string) ([]core.Row, error) {
	args := m.Called(ctx, replayID)
	rows, _ := args.Get(0).([]core.Row)
	return rows, args.Error(1)
}

func (m *mockEngine) Close() error {
	args := m.Called()
	return args.Error(0)
}

// eventRecorder collects every event it is registered for.
type eventRecorder struct {
	mu     sync.Mutex
	events []hooks.HookEvent
	err    error
}

func (r *eventRecorder) OnEvent(_ context.Context, event hooks.HookEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return r.err
}
func (r *eventRecorder) Priority() int { return 10 }
func (r *eventRecorder) IsAsync() bool { return false }

func (r *eventRecorder) types() []hooks.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]hooks.EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type()
	}
	return out
}

func newTestStore(t *testing.T, opts ...Option) (*Store, *inmem.Engine) {
	t.Helper()
	engine := inmem.New(nil)
	s := NewStore(engine, opts...)
	require.NoError(t, s.Bootstrap(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s, engine
}

func TestStore_StateMachine(t *testing.T) {
	ctx := context.Background()
	s := NewStore(inmem.New(nil))

	err := s.Set(ctx, "r1", []byte("x"), core.DataTypePayload, time.Now())
	assert.ErrorIs(t, err, core.ErrStorageUnavailable)
	assert.ErrorIs(t, err, core.ErrNotBootstrapped)
	_, err = s.GetReplay(ctx, "r1")
	assert.ErrorIs(t, err, core.ErrNotBootstrapped)
	_, err = s.GetReplayStats(ctx, "r1")
	assert.ErrorIs(t, err, core.ErrNotBootstrapped)

	require.NoError(t, s.Bootstrap(ctx))
	assert.Equal(t, stateReady, s.state)
	require.NoError(t, s.Set(ctx, "r1", []byte("x"), core.DataTypePayload, time.Now()))

	require.NoError(t, s.Close())
	assert.Equal(t, stateClosed, s.state)
	assert.Equal(t, "closed", s.state.String())
	assert.ErrorIs(t, s.Bootstrap(ctx), core.ErrClosed)
	assert.Equal(t, int64(1), s.Metrics().BootstrapTotal.Value())
	assert.Equal(t, int64(3), s.Metrics().UnavailableTotal.Value())
}

func TestStore_ConcurrentBootstrapRunsEngineOnce(t *testing.T) {
	engine := &mockEngine{}
	release := make(chan struct{})
	engine.On("Bootstrap", mock.Anything).Run(func(mock.Arguments) { <-release }).Return(nil).Once()
	engine.On("Close").Return(nil)
	s := NewStore(engine)

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = s.Bootstrap(context.Background())
		}()
	}
	// Let the callers pile up behind the first one.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	require.NoError(t, s.Bootstrap(context.Background()), "ready store does not call the engine again")
	engine.AssertNumberOfCalls(t, "Bootstrap", 1)
	require.NoError(t, s.Close())
}

func TestStore_BootstrapFailureIsRetryable(t *testing.T) {
	engine := &mockEngine{}
	engine.On("Bootstrap", mock.Anything).Return(errors.New("disk on fire")).Once()
	engine.On("Bootstrap", mock.Anything).Return(nil).Once()
	s := NewStore(engine)

	err := s.Bootstrap(context.Background())
	assert.ErrorIs(t, err, core.ErrStorageUnavailable)
	assert.Equal(t, stateUninitialized, s.state)

	require.NoError(t, s.Bootstrap(context.Background()))
	assert.Equal(t, stateReady, s.state)
}

func TestStore_BootstrapOutlivesCancelledLeader(t *testing.T) {
	engine := &mockEngine{}
	entered := make(chan struct{})
	engine.On("Bootstrap", mock.Anything).Run(func(args mock.Arguments) {
		close(entered)
		<-args.Get(0).(context.Context).Done()
	}).Return(context.Canceled).Once()
	engine.On("Bootstrap", mock.Anything).Return(nil).Once()
	engine.On("Close").Return(nil)
	s := NewStore(engine)

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() { leaderErr <- s.Bootstrap(leaderCtx) }()
	<-entered

	followerErr := make(chan error, 1)
	go func() { followerErr <- s.Bootstrap(context.Background()) }()
	// Let the follower join the in-flight call before the leader gives up.
	time.Sleep(50 * time.Millisecond)
	cancel()

	assert.ErrorIs(t, <-leaderErr, context.Canceled)
	require.NoError(t, <-followerErr, "the follower's own context was never cancelled")
	assert.Equal(t, stateReady, s.state)
	engine.AssertNumberOfCalls(t, "Bootstrap", 2)
	require.NoError(t, s.Close())
}

// versionedEngine is an in-memory engine whose rows another writer can add
// behind the store's back.
type versionedEngine struct {
	*inmem.Engine
	version atomic.Uint64
}

func (e *versionedEngine) Version(context.Context, string) (uint64, error) {
	return e.version.Load(), nil
}

func TestStore_CacheRechecksEngineVersion(t *testing.T) {
	ctx := context.Background()
	engine := &versionedEngine{Engine: inmem.New(nil)}
	s := NewStore(engine, WithCacheCapacity(8))
	require.NoError(t, s.Bootstrap(ctx))
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.Set(ctx, "r1", []byte("a"), core.DataTypePayload, time.Now()))
	engine.version.Store(1)
	_, err := s.GetReplay(ctx, "r1")
	require.NoError(t, err)
	cached, err := s.GetReplay(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, cached.Payloads, 1)
	assert.Equal(t, int64(1), s.Metrics().CacheHits.Value())

	// Another writer appends straight to the shared storage.
	_, err = engine.Append(ctx, core.Row{ReplayID: "r1", Kind: core.DataTypePayload, Data: []byte("b"), Timestamp: time.Now().UnixNano()})
	require.NoError(t, err)
	engine.version.Store(2)

	fresh, err := s.GetReplay(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, fresh.Payloads, 2)
	assert.Equal(t, int64(1), s.Metrics().CacheStaleTotal.Value())
}

func TestStore_EngineErrorsBecomeUnavailable(t *testing.T) {
	ctx := context.Background()
	engine := &mockEngine{}
	engine.On("Bootstrap", mock.Anything).Return(nil)
	engine.On("Append", mock.Anything, mock.Anything).Return(core.Row{}, errors.New("connection reset"))
	engine.On("Scan", mock.Anything, "r1").Return(nil, errors.New("connection reset"))
	engine.On("Scan", mock.Anything, "bad").Return([]core.Row{{ReplayID: "bad", Kind: core.DataTypeInit, Data: []byte("{not json"), Timestamp: 1, Seq: 1}}, nil)
	engine.On("Scan", mock.Anything, "slow").Return(nil, context.DeadlineExceeded)
	engine.On("Close").Return(errors.New("close failed"))

	s := NewStore(engine)
	require.NoError(t, s.Bootstrap(ctx))

	err := s.Set(ctx, "r1", []byte("x"), core.DataTypePayload, time.Now())
	assert.True(t, core.IsStorageUnavailable(err))

	_, err = s.GetReplay(ctx, "r1")
	assert.True(t, core.IsStorageUnavailable(err))

	_, err = s.GetReplay(ctx, "bad")
	assert.True(t, core.IsStorageUnavailable(err), "undecodable rows are a storage failure")

	_, err = s.GetReplay(ctx, "slow")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, core.IsStorageUnavailable(err), "context errors pass through")

	assert.ErrorContains(t, s.Close(), "close failed")
	assert.Equal(t, int64(1), s.Metrics().SetErrorsTotal.Value())
	assert.Equal(t, int64(3), s.Metrics().GetReplayErrorsTotal.Value())
}

func TestStore_SimulatedOutage(t *testing.T) {
	ctx := context.Background()
	s, engine := newTestStore(t)

	engine.SetTestingOnlyUnavailable(true)
	err := s.Set(ctx, "r1", []byte("x"), core.DataTypePayload, time.Now())
	assert.True(t, core.IsStorageUnavailable(err))

	engine.SetTestingOnlyUnavailable(false)
	require.NoError(t, s.Set(ctx, "r1", []byte("x"), core.DataTypePayload, time.Now()))
}

func TestStore_CanceledContext(t *testing.T) {
	s, _ := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, s.Set(ctx, "r1", []byte("x"), core.DataTypePayload, time.Now()), context.Canceled)
	_, err := s.GetReplay(ctx, "r1")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStore_CacheServesAndInvalidates(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, WithCacheCapacity(8))
	now := time.Now()

	require.NoError(t, s.Set(ctx, "r1", map[string]any{"n": "1"}, core.DataTypeEvent, now))
	first, err := s.GetReplay(ctx, "r1")
	require.NoError(t, err)
	second, err := s.GetReplay(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), s.Metrics().CacheHits.Value())
	assert.Equal(t, int64(1), s.Metrics().CacheMisses.Value())

	// Callers own their copy.
	second.Events[0]["n"] = "mutated"
	third, err := s.GetReplay(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "1", third.Events[0]["n"])

	require.NoError(t, s.Set(ctx, "r1", map[string]any{"n": "2"}, core.DataTypeEvent, now.Add(time.Second)))
	fourth, err := s.GetReplay(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, fourth.Events, 2, "a write must invalidate the cached aggregate")
}

func TestStore_RacingReadIsNotCached(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, WithCacheCapacity(8))

	gen := s.writeGen.Load()
	stale := cachedReplay{replay: core.NewEmptyReplay("r1")}
	require.NoError(t, s.Set(ctx, "r1", []byte("x"), core.DataTypePayload, time.Now()))
	s.cachePut("r1", gen, stale)

	replay, err := s.GetReplay(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, replay.Payloads, 1, "an aggregate computed before a write must not be cached")
}

func TestStore_Retention(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := now
	s, _ := newTestStore(t,
		WithRetention(time.Hour),
		WithCacheCapacity(8),
		WithClock(func() time.Time { return clock }),
	)

	require.NoError(t, s.Set(ctx, "r1", map[string]any{"v": "old"}, core.DataTypeInit, now.Add(-2*time.Hour)))
	require.NoError(t, s.Set(ctx, "r1", map[string]any{"v": "new"}, core.DataTypeInit, now.Add(-30*time.Minute)))
	require.NoError(t, s.Set(ctx, "r1", []byte("p"), core.DataTypePayload, now.Add(-10*time.Minute)))

	replay, err := s.GetReplay(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"v": "new"}, replay.Init, "expired rows are hidden")
	assert.Len(t, replay.Payloads, 1)

	// Advance the clock so the cached INIT expires too.
	clock = now.Add(45 * time.Minute)
	replay, err = s.GetReplay(ctx, "r1")
	require.NoError(t, err)
	assert.Nil(t, replay.Init)
	assert.Len(t, replay.Payloads, 1)

	stats, err := s.GetReplayStats(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, stats.HasInit)
	assert.Equal(t, 1, stats.PayloadCount)
}

func TestStore_GetReplayStats(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Set(ctx, "r1", map[string]any{"a": "b"}, core.DataTypeInit, base))
	require.NoError(t, s.Set(ctx, "r1", map[string]any{"e": "1"}, core.DataTypeEvent, base.Add(time.Second)))
	require.NoError(t, s.Set(ctx, "r1", make([]byte, 100), core.DataTypePayload, base.Add(2*time.Second)))
	require.NoError(t, s.Set(ctx, "r1", make([]byte, 300), core.DataTypePayload, base.Add(4*time.Second)))

	stats, err := s.GetReplayStats(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "r1", stats.ID)
	assert.True(t, stats.HasInit)
	assert.Equal(t, 1, stats.EventCount)
	assert.Equal(t, 2, stats.PayloadCount)
	assert.Equal(t, int64(400), stats.PayloadBytes)
	assert.Equal(t, base, stats.FirstTimestamp)
	assert.Equal(t, 4*time.Second, stats.Duration)

	empty, err := s.GetReplayStats(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, empty.HasInit)
	assert.Zero(t, empty.PayloadCount)
}

func TestStore_Hooks(t *testing.T) {
	ctx := context.Background()
	hm := hooks.NewHookManager(nil)
	recorder := &eventRecorder{}
	for _, et := range []hooks.EventType{
		hooks.EventPreBootstrap, hooks.EventPostBootstrap, hooks.EventPreSetRecord, hooks.EventPostSetRecord,
		hooks.EventPostGetReplay, hooks.EventOnCacheMiss, hooks.EventOnCacheHit, hooks.EventPreCloseStore,
	} {
		hm.Register(et, recorder)
	}

	s := NewStore(inmem.New(nil), WithHookManager(hm), WithCacheCapacity(4))
	require.NoError(t, s.Bootstrap(ctx))
	require.NoError(t, s.Set(ctx, "r1", []byte("abc"), core.DataTypePayload, time.Now()))
	_, err := s.GetReplay(ctx, "r1")
	require.NoError(t, err)
	_, err = s.GetReplay(ctx, "r1")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	assert.Equal(t, []hooks.EventType{
		hooks.EventPreBootstrap, hooks.EventPostBootstrap,
		hooks.EventPreSetRecord, hooks.EventPostSetRecord,
		hooks.EventOnCacheMiss, hooks.EventPostGetReplay,
		hooks.EventOnCacheHit, hooks.EventPostGetReplay,
		hooks.EventPreCloseStore,
	}, recorder.types())

	post := recorder.events[3].Payload().(hooks.PostSetRecordPayload)
	assert.Equal(t, "r1", post.ReplayID)
	assert.Equal(t, 3, post.Size)
	assert.NotZero(t, post.Seq)
	assert.NoError(t, post.Error)

	get := recorder.events[7].Payload().(hooks.PostGetReplayPayload)
	assert.True(t, get.FromCache)
	assert.Equal(t, 1, get.PayloadCount)
}

// rewriteListener moves every record to another replay id.
type rewriteListener struct{ target string }

func (l *rewriteListener) OnEvent(_ context.Context, event hooks.HookEvent) error {
	p := event.Payload().(hooks.PreSetRecordPayload)
	*p.ReplayID = l.target
	return nil
}
func (l *rewriteListener) Priority() int { return 1 }
func (l *rewriteListener) IsAsync() bool { return false }

func TestStore_PreSetHookCanRewriteAndVeto(t *testing.T) {
	ctx := context.Background()

	hm := hooks.NewHookManager(nil)
	hm.Register(hooks.EventPreSetRecord, &rewriteListener{target: "rewritten"})
	s, _ := newTestStore(t, WithHookManager(hm))
	require.NoError(t, s.Set(ctx, "original", []byte("x"), core.DataTypePayload, time.Now()))
	moved, err := s.GetReplay(ctx, "rewritten")
	require.NoError(t, err)
	assert.Len(t, moved.Payloads, 1)

	vetoHM := hooks.NewHookManager(nil)
	vetoErr := errors.New("not today")
	vetoHM.Register(hooks.EventPreSetRecord, &eventRecorder{err: vetoErr})
	vetoed, _ := newTestStore(t, WithHookManager(vetoHM))
	err = vetoed.Set(ctx, "r1", []byte("x"), core.DataTypePayload, time.Now())
	assert.ErrorIs(t, err, vetoErr)
	assert.False(t, core.IsStorageUnavailable(err))
	var invalid *core.InvalidRecordError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "record", invalid.Field)
	assert.Equal(t, core.DataTypePayload, invalid.Kind)
	assert.Equal(t, int64(1), vetoed.Metrics().InvalidRecordsTotal.Value())
	replay, err := vetoed.GetReplay(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, replay.IsEmpty())
}

func TestStore_Spans(t *testing.T) {
	ctx := context.Background()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { tp.Shutdown(context.Background()) })

	s, _ := newTestStore(t, WithTracerProvider(tp))
	require.NoError(t, s.Set(ctx, "r1", map[string]any{"a": "b"}, core.DataTypeInit, time.Now()))
	_, err := s.GetReplay(ctx, "r1")
	require.NoError(t, err)
	err = s.Set(ctx, "r1", "bad", core.DataTypeInit, time.Now())
	require.Error(t, err)

	var names []string
	for _, span := range sr.Ended() {
		names = append(names, span.Name())
	}
	assert.Equal(t, []string{"ReplayStore.Bootstrap", "ReplayStore.Set", "ReplayStore.GetReplay", "ReplayStore.Set"}, names)
	failed := sr.Ended()[3]
	assert.Equal(t, "Error", failed.Status().Code.String())
}
