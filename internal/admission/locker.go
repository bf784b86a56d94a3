// Package admission provides the per-key mutual exclusion and caches that
// gate concurrent submissions.
package admission

import (
	"context"
	"errors"
)

var (
	// ErrLockHeld is returned by TryLock when another holder owns the key.
	ErrLockHeld = errors.New("lock held")
	// ErrLockTimeout is returned by Lock when the key was not acquired in time.
	ErrLockTimeout = errors.New("lock wait timed out")
)

// Unlock releases a held key. It is safe to call more than once.
type Unlock func()

// Locker serializes work per key.
type Locker interface {
	// TryLock acquires key without waiting.
	TryLock(ctx context.Context, key string) (Unlock, error)
	// Lock waits until key is acquired or ctx is done.
	Lock(ctx context.Context, key string) (Unlock, error)
}
