package lockfile

import (
	"errors"
)

// ErrLocked is returned when a lock cannot be acquired because it is held by another process.
var ErrLocked = errors.New("lock held by another process")

// ErrLockBusy is returned when a non-blocking lock cannot be acquired
// because another process holds a conflicting lock.
var ErrLockBusy = errors.New("lock busy: held by another process")

// ErrLockTimeout is returned when a blocking lock acquisition does not
// succeed within its deadline.
var ErrLockTimeout = errors.New("lock timeout: deadline exceeded waiting for write lock")

// IsLocked returns true if the error indicates a lock is held by another process.
func IsLocked(err error) bool {
	return errors.Is(err, ErrLocked)
}
