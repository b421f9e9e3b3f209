// Package lock serialises access to a disk image between builders.
package lock

import (
	"context"
	"errors"
)

// ErrLocked is returned when another process holds the lock.
var ErrLocked = errors.New("resource is locked by another process")

// Locker grants exclusive access to a path. It never blocks: a held lock
// fails fast with ErrLocked.
type Locker interface {
	AcquireLock(ctx context.Context, path string) (Lock, error)
}

// Lock represents an acquired lock that must be released
type Lock interface {
	Release() error
}
