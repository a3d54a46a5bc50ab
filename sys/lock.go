package sys

import "errors"

// ErrLocked is returned when another process holds the directory lock.
var ErrLocked = errors.New("directory is locked by another process")

// ReleaseFunc releases a lock acquired by AcquireDirLock.
type ReleaseFunc func() error
