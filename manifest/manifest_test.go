package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/INLOpen/replaystore/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManifest_WriteRead(t *testing.T) {
	dir := t.TempDir()

	_, exists, err := Read(dir)
	require.NoError(t, err)
	assert.False(t, exists)

	m := New(core.CompressionZSTD)
	require.NoError(t, Write(dir, m))

	got, exists, err := Read(dir)
	require.NoError(t, err)
	require.True(t, exists)
	assert.Equal(t, core.FormatVersion, got.Version)
	assert.Equal(t, core.CompressionZSTD, got.Compression)
	assert.Equal(t, DefaultColumnFamilies(), got.ColumnFamilies)
	assert.Equal(t, m.CreatedAt.UnixNano(), got.CreatedAt.UnixNano())
	assert.Empty(t, got.MissingFamilies())
}

func TestManifest_MissingFamilies(t *testing.T) {
	m := New(core.CompressionNone)
	m.ColumnFamilies = m.ColumnFamilies[:1]

	missing := m.MissingFamilies()
	require.Len(t, missing, 2)
	assert.Equal(t, core.DataTypeEvent, missing[0].Kind)
	assert.Equal(t, core.DataTypePayload, missing[1].Kind)
	assert.True(t, m.HasFamily(core.DataTypeInit))
}

func TestManifest_Corruption(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Write(dir, New(core.CompressionSnappy)))
	path := filepath.Join(dir, core.ManifestFileName)
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	testCases := map[string][]byte{
		"flipped byte": func() []byte {
			d := append([]byte(nil), data...)
			d[len(d)/2] ^= 0xFF
			return d
		}(),
		"truncated": data[:len(data)-5],
		"tiny":      {1, 2},
	}
	for name, content := range testCases {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, os.WriteFile(path, content, 0644))
			_, exists, err := Read(dir)
			assert.True(t, exists)
			assert.ErrorIs(t, err, ErrCorrupt)
		})
	}
}
