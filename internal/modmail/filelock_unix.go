//go:build darwin || linux

package modmail

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// withFileLock runs fn while holding an exclusive flock on lockPath. The lock
// lives on a side file so the data file can still be replaced by rename.
func withFileLock(lockPath string, fn func() error) error {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	defer func() { _ = f.Close() }()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	defer func() { _ = unix.Flock(int(f.Fd()), unix.LOCK_UN) }()

	return fn()
}
