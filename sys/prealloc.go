package sys

import "errors"

// ErrPreallocNotSupported is returned when the platform or filesystem cannot preallocate.
var ErrPreallocNotSupported = errors.New("preallocation not supported")
