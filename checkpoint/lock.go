package checkpoint

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"
)

// LockFileName is created inside a checkpoint directory while a process
// owns it.
const LockFileName = ".lock"

// ErrLocked is returned when another process holds the directory.
var ErrLocked = errors.New("checkpoint directory is locked by another process")

// LockDir takes an exclusive OS-level lock on dir, retrying until timeout.
// Two processes sharing a checkpoint directory would overwrite each other's
// tokens.
func LockDir(dir string, timeout time.Duration) (release func() error, err error) {
	path := filepath.Join(dir, LockFileName)
	release, err = acquireFileLock(path, timeout)
	if err != nil {
		if errors.Is(err, errLockBusy) {
			return nil, fmt.Errorf("%s: %w", dir, ErrLocked)
		}
		return nil, fmt.Errorf("failed to lock checkpoint directory %s: %w", dir, err)
	}
	return release, nil
}
