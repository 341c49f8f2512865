// Package lock provides the cross-process exclusive lock used to guard the
// queue's recovery pass, built on the same golang.org/x/sys/unix dependency
// the segment mappings already pull in (flock(2) instead of mmap/msync).
package lock

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// FileLock is an advisory, cross-process exclusive lock backed by a file.
// Only one process may hold the lock at a time; a second Acquire on the
// same path blocks until the first Release.
type FileLock struct {
	file *os.File
}

// Acquire opens (creating if necessary) the file at path and blocks until
// an exclusive flock is obtained.
func Acquire(path string) (*FileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o666)
	if err != nil {
		return nil, fmt.Errorf("lock: open %s: %w", path, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("lock: flock %s: %w", path, err)
	}

	return &FileLock{file: f}, nil
}

// Release unlocks and closes the lock file. Safe to call once; calling it
// twice returns an error from unlocking the already closed file.
func (l *FileLock) Release() error {
	unlockErr := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	closeErr := l.file.Close()
	if unlockErr != nil {
		return fmt.Errorf("lock: unlock: %w", unlockErr)
	}
	return closeErr
}
