//go:build windows

package checkpoint

import (
	"errors"
	"os"
	"time"

	"golang.org/x/sys/windows"
)

var errLockBusy = windows.ERROR_LOCK_VIOLATION

// acquireFileLock locks one byte of path with LockFileEx until release is
// called.
func acquireFileLock(path string, timeout time.Duration) (func() error, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}

	h := windows.Handle(f.Fd())
	var ov windows.Overlapped
	deadline := time.Now().Add(timeout)
	for {
		err = windows.LockFileEx(h, windows.LOCKFILE_EXCLUSIVE_LOCK|windows.LOCKFILE_FAIL_IMMEDIATELY, 0, 1, 0, &ov)
		if err == nil {
			return func() error {
				_ = windows.UnlockFileEx(h, 0, 1, 0, &ov)
				err := f.Close()
				_ = os.Remove(path)
				return err
			}, nil
		}
		if !errors.Is(err, windows.ERROR_LOCK_VIOLATION) || time.Now().After(deadline) {
			_ = f.Close()
			return nil, err
		}
		time.Sleep(25 * time.Millisecond)
	}
}
