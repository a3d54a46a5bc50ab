package memtable

import (
	"fmt"
	"sync"
	"testing"

	"github.com/INLOpen/replaystore/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemtable_PutReplace(t *testing.T) {
	m := New()
	key := core.EncodeRowKey("r1", core.DataTypeInit, 10, 1)

	assert.False(t, m.Put(key, []byte("v1")))
	assert.True(t, m.Put(key, []byte("v2")), "same key again is a replacement")

	got := m.ScanPrefix(key)
	require.Len(t, got, 1)
	assert.Equal(t, []byte("v2"), got[0].Value)
	assert.Equal(t, 1, m.Len())
	assert.Equal(t, int64(len(key)+2), m.Size())

	assert.Empty(t, m.ScanPrefix(core.EncodeRowKey("r1", core.DataTypeInit, 10, 2)))
}

func TestMemtable_ScanPrefix(t *testing.T) {
	m := New()
	// Inserted out of order; the scan must come back in key order.
	m.Put(core.EncodeRowKey("r1", core.DataTypeEvent, 30, 3), []byte("e3"))
	m.Put(core.EncodeRowKey("r1", core.DataTypeEvent, -5, 4), []byte("e-neg"))
	m.Put(core.EncodeRowKey("r1", core.DataTypeInit, 50, 1), []byte("init"))
	m.Put(core.EncodeRowKey("r10", core.DataTypeEvent, 1, 5), []byte("other"))
	m.Put(core.EncodeRowKey("r", core.DataTypeEvent, 1, 6), []byte("short"))
	m.Put(core.EncodeRowKey("r1", core.DataTypePayload, 1, 2), []byte("p"))

	entries := m.ScanPrefix(core.EncodeReplayPrefix("r1"))
	var values []string
	for _, e := range entries {
		values = append(values, string(e.Value))
	}
	assert.Equal(t, []string{"init", "e-neg", "e3", "p"}, values)

	assert.Empty(t, m.ScanPrefix(core.EncodeReplayPrefix("missing")))
}

func TestMemtable_ConcurrentPut(t *testing.T) {
	m := New()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				seq := uint64(w*100 + i + 1)
				m.Put(core.EncodeRowKey(fmt.Sprintf("r%d", w%2), core.DataTypeEvent, int64(i), seq), []byte("x"))
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, 800, m.Len())
	assert.Len(t, m.ScanPrefix(core.EncodeReplayPrefix("r0")), 400)
	assert.Len(t, m.ScanPrefix(core.EncodeReplayPrefix("r1")), 400)
}
