package queue

import "fmt"

// validateItemSize rejects items above maxSize bytes. 0 disables the check.
func validateItemSize(item []byte, maxSize int64) error {
	if maxSize == 0 {
		return nil
	}
	if int64(len(item)) > maxSize {
		return fmt.Errorf("%w: %d bytes exceeds maximum %d bytes", ErrItemTooLarge, len(item), maxSize)
	}
	return nil
}
