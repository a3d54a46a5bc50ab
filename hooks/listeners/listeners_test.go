package listeners

import (
	"bytes"
	"context"
	"errors"
	"expvar"
	"log/slog"
	"testing"
	"time"

	"github.com/INLOpen/replaystore/core"
	"github.com/INLOpen/replaystore/hooks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplayAlerterListener_OnEvent(t *testing.T) {
	var logBuf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logBuf, nil))

	listener := NewReplayAlerterListener(logger, 8)
	require.NotNil(t, listener)

	initEvent := func(id string) hooks.HookEvent {
		return hooks.NewPostSetRecordEvent(hooks.PostSetRecordPayload{
			ReplayID:  id,
			Kind:      core.DataTypeInit,
			Timestamp: time.Unix(10, 0),
			Seq:       1,
		})
	}

	t.Run("first INIT starts a session", func(t *testing.T) {
		logBuf.Reset()
		require.NoError(t, listener.OnEvent(context.Background(), initEvent("r1")))
		assert.Contains(t, logBuf.String(), "Replay session started")
		assert.Contains(t, logBuf.String(), `"replay_id":"r1"`)
	})

	t.Run("second INIT is flagged", func(t *testing.T) {
		logBuf.Reset()
		require.NoError(t, listener.OnEvent(context.Background(), initEvent("r1")))
		assert.Contains(t, logBuf.String(), "another INIT record")
		assert.Contains(t, logBuf.String(), `"init_count":2`)
	})

	t.Run("failed write is logged", func(t *testing.T) {
		logBuf.Reset()
		event := hooks.NewPostSetRecordEvent(hooks.PostSetRecordPayload{
			ReplayID: "r2",
			Kind:     core.DataTypeEvent,
			Error:    errors.New("disk full"),
		})
		require.NoError(t, listener.OnEvent(context.Background(), event))
		assert.Contains(t, logBuf.String(), "Replay record write failed")
		assert.Contains(t, logBuf.String(), "disk full")
	})

	t.Run("ignores other kinds and events", func(t *testing.T) {
		logBuf.Reset()
		event := hooks.NewPostSetRecordEvent(hooks.PostSetRecordPayload{ReplayID: "r3", Kind: core.DataTypeEvent})
		require.NoError(t, listener.OnEvent(context.Background(), event))
		require.NoError(t, listener.OnEvent(context.Background(), hooks.NewOnCacheHitEvent(hooks.CachePayload{Key: "r3"})))
		assert.Empty(t, logBuf.String())
	})
}

func TestClockSkewListener_OnEvent(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	event := func(ts time.Time) hooks.HookEvent {
		id := "r1"
		kind := core.DataTypeEvent
		return hooks.NewPreSetRecordEvent(hooks.PreSetRecordPayload{ReplayID: &id, Kind: &kind, Timestamp: &ts})
	}

	testCases := []struct {
		name    string
		rule    ClockSkewRule
		ts      time.Time
		wantErr bool
		wantLog bool
	}{
		{name: "within bounds", rule: ClockSkewRule{MaxPast: time.Hour, MaxFuture: time.Minute}, ts: now.Add(-30 * time.Minute)},
		{name: "too far in the future logs", rule: ClockSkewRule{MaxFuture: time.Minute}, ts: now.Add(time.Hour), wantLog: true},
		{name: "too far in the past rejects", rule: ClockSkewRule{MaxPast: time.Hour, Reject: true}, ts: now.Add(-48 * time.Hour), wantErr: true, wantLog: true},
		{name: "disabled checks", rule: ClockSkewRule{}, ts: now.Add(-48 * time.Hour)},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var logBuf bytes.Buffer
			listener := NewClockSkewListener(slog.New(slog.NewJSONHandler(&logBuf, nil)), tc.rule)
			listener.now = func() time.Time { return now }

			err := listener.OnEvent(context.Background(), event(tc.ts))
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrClockSkew)
			} else {
				assert.NoError(t, err)
			}
			if tc.wantLog {
				assert.Contains(t, logBuf.String(), "Clock skew detected")
			} else {
				assert.Empty(t, logBuf.String())
			}
		})
	}
}

func TestClockSkewListener_RejectThroughManager(t *testing.T) {
	manager := hooks.NewHookManager(nil)
	listener := NewClockSkewListener(nil, ClockSkewRule{MaxFuture: time.Second, Reject: true})
	manager.Register(hooks.EventPreSetRecord, listener)

	ts := time.Now().Add(time.Hour)
	id := "r1"
	kind := core.DataTypeEvent
	err := manager.Trigger(context.Background(), hooks.NewPreSetRecordEvent(hooks.PreSetRecordPayload{ReplayID: &id, Kind: &kind, Timestamp: &ts}))
	assert.ErrorIs(t, err, ErrClockSkew)
	var invalid *core.InvalidRecordError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "timestamp", invalid.Field)
	assert.Equal(t, core.DataTypeEvent, invalid.Kind)
}

func TestIngestBytesListener_OnEvent(t *testing.T) {
	listener := NewIngestBytesListener(nil)
	// A second construction must not panic on duplicate expvar registration.
	NewIngestBytesListener(nil)

	kindValue := func(m *expvar.Map, kind core.DataType) int64 {
		if v, ok := m.Get(kind.String()).(*expvar.Int); ok {
			return v.Value()
		}
		return 0
	}
	beforeBytes := kindValue(listener.bytesByKind, core.DataTypePayload)
	beforeRecords := kindValue(listener.recordsByKind, core.DataTypePayload)
	beforeFailures := listener.failures.Value()

	ctx := context.Background()
	require.NoError(t, listener.OnEvent(ctx, hooks.NewPostSetRecordEvent(hooks.PostSetRecordPayload{ReplayID: "r1", Kind: core.DataTypePayload, Size: 100})))
	require.NoError(t, listener.OnEvent(ctx, hooks.NewPostSetRecordEvent(hooks.PostSetRecordPayload{ReplayID: "r1", Kind: core.DataTypePayload, Size: 50})))
	require.NoError(t, listener.OnEvent(ctx, hooks.NewPostSetRecordEvent(hooks.PostSetRecordPayload{ReplayID: "r1", Kind: core.DataTypePayload, Error: errors.New("boom")})))
	require.NoError(t, listener.OnEvent(ctx, hooks.NewPostGetReplayEvent(hooks.PostGetReplayPayload{ReplayID: "r1"})))

	assert.Equal(t, beforeBytes+150, kindValue(listener.bytesByKind, core.DataTypePayload))
	assert.Equal(t, beforeRecords+2, kindValue(listener.recordsByKind, core.DataTypePayload))
	assert.Equal(t, beforeFailures+1, listener.failures.Value())
	assert.Greater(t, averagePayloadBytes(), 0.0)
}
