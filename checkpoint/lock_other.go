//go:build !unix && !windows

package checkpoint

import (
	"errors"
	"time"
)

var errLockBusy = errors.New("lock busy")

// ErrLockNotSupported is returned on platforms without advisory locks.
var ErrLockNotSupported = errors.New("checkpoint locking not supported on this platform")

func acquireFileLock(path string, timeout time.Duration) (func() error, error) {
	return nil, ErrLockNotSupported
}
