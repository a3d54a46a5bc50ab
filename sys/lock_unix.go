//go:build !windows

package sys

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/sys/unix"
)

// AcquireDirLock takes an exclusive advisory lock on dir/name. It retries
// until timeout elapses and returns ErrLocked if the lock stays taken.
// The lock file is left in place on release; only the flock matters.
func AcquireDirLock(dir, name string, timeout time.Duration) (ReleaseFunc, error) {
	lockPath := filepath.Join(dir, name)
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}

	fd := int(f.Fd())
	deadline := time.Now().Add(timeout)
	for {
		err = unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			break
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EINTR) {
			_ = f.Close()
			return nil, fmt.Errorf("failed to lock %s: %w", lockPath, err)
		}
		if time.Now().After(deadline) {
			_ = f.Close()
			return nil, fmt.Errorf("%w: %s", ErrLocked, lockPath)
		}
		time.Sleep(25 * time.Millisecond)
	}

	// The pid is for operators inspecting a stuck data dir.
	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	}

	released := false
	return func() error {
		if released {
			return nil
		}
		released = true
		unlockErr := unix.Flock(fd, unix.LOCK_UN)
		closeErr := f.Close()
		if unlockErr != nil {
			return fmt.Errorf("failed to unlock %s: %w", lockPath, unlockErr)
		}
		return closeErr
	}, nil
}

func isSyncDirUnsupported(err error) bool {
	return errors.Is(err, unix.EINVAL) || errors.Is(err, unix.ENOTSUP)
}
