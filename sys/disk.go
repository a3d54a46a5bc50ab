package sys

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/disk"
)

// FreeBytes returns the free space of the filesystem holding path.
var FreeBytes = func(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, fmt.Errorf("failed to stat filesystem of %s: %w", path, err)
	}
	return usage.Free, nil
}

// InsufficientSpaceError reports a filesystem below the configured free space.
type InsufficientSpaceError struct {
	Path     string
	Free     uint64
	Required uint64
}

func (e *InsufficientSpaceError) Error() string {
	return fmt.Sprintf("insufficient disk space at %s: %d bytes free, %d required", e.Path, e.Free, e.Required)
}

// CheckFreeSpace fails when the filesystem holding path has less than
// required bytes free. A zero requirement disables the check.
func CheckFreeSpace(path string, required uint64) error {
	if required == 0 {
		return nil
	}
	free, err := FreeBytes(path)
	if err != nil {
		return err
	}
	if free < required {
		return &InsufficientSpaceError{Path: path, Free: free, Required: required}
	}
	return nil
}
