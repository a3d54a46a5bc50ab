package testutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/INLOpen/replaystore/core"
)

// ListWALFiles returns the segment files under dataDir/wal.
// Returns an error if the wal directory does not exist or cannot be read.
func ListWALFiles(dataDir string) ([]string, error) {
	walDir := filepath.Join(dataDir, core.WALDirName)
	entries, err := os.ReadDir(walDir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), core.WALFileSuffix) {
			files = append(files, filepath.Join(walDir, e.Name()))
		}
	}
	return files, nil
}

// RequireWALPresent asserts that dataDir/wal holds at least one segment.
func RequireWALPresent(t *testing.T, dataDir string) {
	t.Helper()
	files, err := ListWALFiles(dataDir)
	if err != nil {
		t.Fatalf("expected wal directory in %s: %v", dataDir, err)
	}
	if len(files) == 0 {
		t.Fatalf("expected wal segments in %s, none found", filepath.Join(dataDir, core.WALDirName))
	}
}

// RequireColumnarLayout asserts that dataDir looks like a bootstrapped
// columnar store: a manifest, a lock file and a wal directory.
func RequireColumnarLayout(t *testing.T, dataDir string) {
	t.Helper()
	for _, name := range []string{core.ManifestFileName, core.LockFileName} {
		if _, err := os.Stat(filepath.Join(dataDir, name)); err != nil {
			t.Fatalf("expected %s in %s: %v", name, dataDir, err)
		}
	}
	RequireWALPresent(t, dataDir)
}

// SegmentBytes sums the size of every WAL segment under dataDir.
func SegmentBytes(t *testing.T, dataDir string) int64 {
	t.Helper()
	files, err := ListWALFiles(dataDir)
	if err != nil {
		t.Fatalf("list wal files: %v", err)
	}
	var total int64
	for _, f := range files {
		info, err := os.Stat(f)
		if err != nil {
			t.Fatalf("stat %s: %v", f, err)
		}
		total += info.Size()
	}
	return total
}
