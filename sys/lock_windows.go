//go:build windows

package sys

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// AcquireDirLock creates dir/name exclusively. It retries until timeout
// elapses and returns ErrLocked if the file keeps existing.
func AcquireDirLock(dir, name string, timeout time.Duration) (ReleaseFunc, error) {
	lockPath := filepath.Join(dir, name)
	deadline := time.Now().Add(timeout)
	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			_ = f.Close()
			released := false
			return func() error {
				if released {
					return nil
				}
				released = true
				return os.Remove(lockPath)
			}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to create lock file %s: %w", lockPath, err)
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, lockPath)
		}
		time.Sleep(25 * time.Millisecond)
	}
}

func isSyncDirUnsupported(err error) bool {
	// Directories cannot be fsynced on Windows.
	return true
}
