package hooks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/INLOpen/replaystore/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockListener is a mock implementation of HookListener for testing.
type mockListener struct {
	priority int
	// A channel to signal when OnEvent is called, for async tests.
	callSignal chan string
	// A slice to record the order of calls, for sync tests.
	callOrder *[]string
	name      string
	returnErr error
	isAsync   bool
	// Executed inside OnEvent, for payload modification tests.
	onEventFunc func(event HookEvent)
	workDelay   time.Duration
}

func (m *mockListener) OnEvent(ctx context.Context, event HookEvent) error {
	if m.workDelay > 0 {
		time.Sleep(m.workDelay)
	}
	if m.onEventFunc != nil {
		m.onEventFunc(event)
	}
	if m.callOrder != nil {
		*m.callOrder = append(*m.callOrder, m.name)
	}
	if m.callSignal != nil {
		m.callSignal <- m.name
	}
	return m.returnErr
}

func (m *mockListener) Priority() int { return m.priority }
func (m *mockListener) IsAsync() bool { return m.isAsync }

func TestNewHookManager(t *testing.T) {
	manager := NewHookManager(nil)
	require.NotNil(t, manager)
	defaultManager, ok := manager.(*DefaultHookManager)
	require.True(t, ok, "NewHookManager did not return a *DefaultHookManager")
	assert.NotNil(t, defaultManager.listeners)
	assert.NotNil(t, defaultManager.logger)
}

func TestDefaultHookManager_Register(t *testing.T) {
	manager := NewHookManager(nil).(*DefaultHookManager)

	manager.Register(EventPreSetRecord, &mockListener{name: "p10", priority: 10})
	manager.Register(EventPreSetRecord, &mockListener{name: "p1", priority: 1})
	manager.Register(EventPreSetRecord, &mockListener{name: "p5", priority: 5})
	manager.Register(EventPreSetRecord, &mockListener{name: "p5-second", priority: 5})

	listeners := manager.listeners[EventPreSetRecord]
	require.Len(t, listeners, 4)
	var names []string
	for _, l := range listeners {
		names = append(names, l.listener.(*mockListener).name)
	}
	assert.Equal(t, []string{"p1", "p5", "p5-second", "p10"}, names)
}

func TestDefaultHookManager_Trigger(t *testing.T) {
	t.Run("pre-hooks run in priority order", func(t *testing.T) {
		manager := NewHookManager(nil)
		callOrder := make([]string, 0)
		manager.Register(EventPreSetRecord, &mockListener{name: "listener1", priority: 10, callOrder: &callOrder})
		manager.Register(EventPreSetRecord, &mockListener{name: "listener2", priority: 1, callOrder: &callOrder})
		manager.Register(EventPreSetRecord, &mockListener{name: "listener3", priority: 5, callOrder: &callOrder})

		err := manager.Trigger(context.Background(), NewPreSetRecordEvent(PreSetRecordPayload{}))
		require.NoError(t, err)
		assert.Equal(t, []string{"listener2", "listener3", "listener1"}, callOrder)
	})

	t.Run("pre-hook error stops execution", func(t *testing.T) {
		manager := NewHookManager(nil)
		callOrder := make([]string, 0)
		simulatedErr := errors.New("simulated error")
		manager.Register(EventPreSetRecord, &mockListener{name: "p10", priority: 10, callOrder: &callOrder})
		manager.Register(EventPreSetRecord, &mockListener{name: "p1", priority: 1, callOrder: &callOrder})
		manager.Register(EventPreSetRecord, &mockListener{name: "p5_err", priority: 5, callOrder: &callOrder, returnErr: simulatedErr})

		err := manager.Trigger(context.Background(), NewPreSetRecordEvent(PreSetRecordPayload{}))
		require.Error(t, err)
		assert.ErrorIs(t, err, simulatedErr)
		assert.Equal(t, []string{"p1", "p5_err"}, callOrder)
	})

	t.Run("pre-hook can rewrite the record", func(t *testing.T) {
		manager := NewHookManager(nil)
		manager.Register(EventPreSetRecord, &mockListener{
			priority: 1,
			onEventFunc: func(event HookEvent) {
				if p, ok := event.Payload().(PreSetRecordPayload); ok {
					*p.ReplayID = "rewritten"
					*p.Kind = core.DataTypeEvent
				}
			},
		})

		id := "original"
		kind := core.DataTypeInit
		require.NoError(t, manager.Trigger(context.Background(), NewPreSetRecordEvent(PreSetRecordPayload{ReplayID: &id, Kind: &kind})))
		assert.Equal(t, "rewritten", id)
		assert.Equal(t, core.DataTypeEvent, kind)
	})

	t.Run("pre-hooks ignore the async flag", func(t *testing.T) {
		manager := NewHookManager(nil)
		var called atomic.Bool
		manager.Register(EventPreBootstrap, &mockListener{
			isAsync:     true,
			workDelay:   10 * time.Millisecond,
			onEventFunc: func(HookEvent) { called.Store(true) },
		})
		require.NoError(t, manager.Trigger(context.Background(), NewPreBootstrapEvent(BootstrapPayload{Backend: "memory"})))
		assert.True(t, called.Load(), "pre-hook should have completed before Trigger returned")
	})

	t.Run("post-hook errors are logged not returned", func(t *testing.T) {
		manager := NewHookManager(nil)
		callOrder := make([]string, 0)
		manager.Register(EventPostSetRecord, &mockListener{name: "failing", priority: 1, callOrder: &callOrder, returnErr: errors.New("boom")})
		manager.Register(EventPostSetRecord, &mockListener{name: "after", priority: 2, callOrder: &callOrder})

		err := manager.Trigger(context.Background(), NewPostSetRecordEvent(PostSetRecordPayload{ReplayID: "r1"}))
		require.NoError(t, err)
		assert.Equal(t, []string{"failing", "after"}, callOrder)
	})

	t.Run("async post-hooks run in the background", func(t *testing.T) {
		manager := NewHookManager(nil)
		signal := make(chan string, 1)
		manager.Register(EventPostGetReplay, &mockListener{name: "async", isAsync: true, callSignal: signal})

		require.NoError(t, manager.Trigger(context.Background(), NewPostGetReplayEvent(PostGetReplayPayload{ReplayID: "r1"})))
		select {
		case name := <-signal:
			assert.Equal(t, "async", name)
		case <-time.After(time.Second):
			t.Fatal("async listener was not called")
		}
	})

	t.Run("no listeners", func(t *testing.T) {
		manager := NewHookManager(nil)
		assert.NoError(t, manager.Trigger(context.Background(), NewOnCacheHitEvent(CachePayload{Key: "r1"})))
	})
}

func TestDefaultHookManager_Stop(t *testing.T) {
	manager := NewHookManager(nil)
	var completed atomic.Int32
	var mu sync.Mutex
	for i := 0; i < 3; i++ {
		manager.Register(EventPostWALRotate, &mockListener{
			priority:  i,
			isAsync:   true,
			workDelay: 20 * time.Millisecond,
			onEventFunc: func(HookEvent) {
				mu.Lock()
				defer mu.Unlock()
				completed.Add(1)
			},
		})
	}

	require.NoError(t, manager.Trigger(context.Background(), NewPostWALRotateEvent(PostWALRotatePayload{OldSegmentIndex: 1, NewSegmentIndex: 2})))
	manager.Stop()
	assert.Equal(t, int32(3), completed.Load())
}
