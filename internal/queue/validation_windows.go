//go:build windows

package queue

import (
	"fmt"

	"golang.org/x/sys/windows"
)

// checkDiskSpace fails with ErrInsufficientSpace when the volume holding dir
// has less than minFreeSpace bytes available to the caller.
func checkDiskSpace(dir string, minFreeSpace int64) error {
	if minFreeSpace == 0 {
		return nil
	}

	path, err := windows.UTF16PtrFromString(dir)
	if err != nil {
		return fmt.Errorf("failed to convert path: %w", err)
	}
	var available, total, free uint64
	if err := windows.GetDiskFreeSpaceEx(path, &available, &total, &free); err != nil {
		return fmt.Errorf("failed to check disk space: %w", err)
	}

	if int64(available) < minFreeSpace { //nolint:gosec // G115: fits in int64
		return fmt.Errorf("%w: %d bytes available in %s, %d required",
			ErrInsufficientSpace, available, dir, minFreeSpace)
	}
	return nil
}
