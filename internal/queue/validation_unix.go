//go:build unix

package queue

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// checkDiskSpace fails with ErrInsufficientSpace when the file system holding
// dir has less than minFreeSpace bytes available to unprivileged users.
func checkDiskSpace(dir string, minFreeSpace int64) error {
	if minFreeSpace == 0 {
		return nil
	}

	var stat unix.Statfs_t
	if err := unix.Statfs(dir, &stat); err != nil {
		return fmt.Errorf("failed to check disk space: %w", err)
	}

	available := int64(stat.Bavail * uint64(stat.Bsize)) //nolint:gosec // G115: block counts fit in int64
	if available < minFreeSpace {
		return fmt.Errorf("%w: %d bytes available in %s, %d required",
			ErrInsufficientSpace, available, dir, minFreeSpace)
	}
	return nil
}
