package inmem

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/replaystore/core"
)

func TestEngine_Lifecycle(t *testing.T) {
	ctx := context.Background()
	e := New(nil)
	assert.Equal(t, Name, e.Name())

	_, err := e.Append(ctx, core.Row{ReplayID: "r1", Kind: core.DataTypeEvent, Data: []byte(`{}`), Timestamp: 1})
	assert.ErrorIs(t, err, core.ErrStorageUnavailable, "append before bootstrap")
	assert.ErrorIs(t, err, core.ErrNotBootstrapped)

	require.NoError(t, e.Bootstrap(ctx))
	require.NoError(t, e.Bootstrap(ctx), "bootstrap is idempotent")

	require.NoError(t, e.Close())
	require.NoError(t, e.Close(), "close is idempotent")

	_, err = e.Scan(ctx, "r1")
	assert.ErrorIs(t, err, core.ErrStorageUnavailable)
	assert.ErrorIs(t, err, core.ErrClosed)
	assert.ErrorIs(t, e.Bootstrap(ctx), core.ErrStorageUnavailable)
}

func TestEngine_AppendAssignsSequence(t *testing.T) {
	ctx := context.Background()
	e := New(nil)
	require.NoError(t, e.Bootstrap(ctx))

	data := []byte("abc")
	first, err := e.Append(ctx, core.Row{ReplayID: "r1", Kind: core.DataTypePayload, Data: data, Timestamp: 5})
	require.NoError(t, err)
	second, err := e.Append(ctx, core.Row{ReplayID: "r2", Kind: core.DataTypePayload, Data: data, Timestamp: 5})
	require.NoError(t, err)
	assert.Greater(t, second.Seq, first.Seq)

	data[0] = 'X'
	rows, err := e.Scan(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, []byte("abc"), rows[0].Data, "stored data must not alias the caller's slice")

	rows[0].Data[0] = 'Y'
	again, err := e.Scan(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), again[0].Data, "scan must return copies")

	empty, err := e.Scan(ctx, "unknown")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestEngine_SimulatedOutage(t *testing.T) {
	ctx := context.Background()
	e := New(nil)
	require.NoError(t, e.Bootstrap(ctx))
	e.SetTestingOnlyUnavailable(true)

	_, err := e.Append(ctx, core.Row{ReplayID: "r1", Kind: core.DataTypeEvent, Data: []byte(`{}`), Timestamp: 1})
	assert.True(t, core.IsStorageUnavailable(err))

	e.SetTestingOnlyUnavailable(false)
	_, err = e.Append(ctx, core.Row{ReplayID: "r1", Kind: core.DataTypeEvent, Data: []byte(`{}`), Timestamp: 1})
	assert.NoError(t, err)
}

func TestEngine_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e := New(nil)
	assert.ErrorIs(t, e.Bootstrap(ctx), context.Canceled)
}
