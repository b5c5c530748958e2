package orchestrator

import (
	"fmt"

	"github.com/gofrs/flock"
)

// MigrationLock is the global process-level lock spec.md §4.7 requires
// to prevent two orchestrators running against the same target
// concurrently.
type MigrationLock struct {
	flock *flock.Flock
}

// AcquireLock attempts a non-blocking exclusive lock on path. An error
// wrapping ErrLocked means another orchestrator already holds it.
func AcquireLock(path string) (*MigrationLock, error) {
	fl := flock.New(path)

	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("orchestrator: acquire migration lock %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("orchestrator: migration lock %s: %w", path, ErrLocked)
	}

	return &MigrationLock{flock: fl}, nil
}

// ErrLocked is returned (wrapped) when another process already holds
// the migration lock.
var ErrLocked = fmt.Errorf("another migration is already in progress")

// Release unlocks and removes the lock's file descriptor.
func (l *MigrationLock) Release() error {
	return l.flock.Unlock()
}
