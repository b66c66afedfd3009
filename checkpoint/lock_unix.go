//go:build unix

package checkpoint

import (
	"errors"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

var errLockBusy = unix.EWOULDBLOCK

// acquireFileLock holds a flock on path until release is called.
func acquireFileLock(path string, timeout time.Duration) (func() error, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}

	fd := int(f.Fd())
	deadline := time.Now().Add(timeout)
	for {
		err = unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return func() error {
				_ = unix.Flock(fd, unix.LOCK_UN)
				_ = os.Remove(path)
				return f.Close()
			}, nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) || time.Now().After(deadline) {
			_ = f.Close()
			return nil, err
		}
		time.Sleep(25 * time.Millisecond)
	}
}
