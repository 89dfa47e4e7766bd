package shmpool

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// segmentLocker serializes pool operations across processes. Exactly one
// implementation guards a pool handle: the in-segment spinLock (default) or
// the flock-based fileLock below.
type segmentLocker interface {
	acquire() error
	release()
}

// fileLock is the advisory OS-level alternative to the in-segment spin lock.
//
// It holds an exclusive flock on a sidecar file next to the segment. Unlike
// the spin lock, the kernel drops the lock when the holder exits, so a
// crashed process cannot wedge the pool. The cost is a second file and a
// syscall per operation.
type fileLock struct {
	file *os.File
}

// lockFilePath returns the sidecar path for a segment.
func lockFilePath(segmentPath string) string {
	return segmentPath + ".lock"
}

// openFileLock opens or creates the sidecar lock file. No lock is taken yet.
func openFileLock(segmentPath string) (*fileLock, error) {
	file, openErr := os.OpenFile(lockFilePath(segmentPath), os.O_CREATE|os.O_RDWR, 0o600) //nolint:gosec // sidecar of caller-supplied path
	if openErr != nil {
		return nil, fmt.Errorf("open lock file: %w", openErr)
	}

	return &fileLock{file: file}, nil
}

// acquire takes the exclusive flock, retrying on EINTR.
func (l *fileLock) acquire() error {
	for {
		flockErr := unix.Flock(int(l.file.Fd()), unix.LOCK_EX)
		if flockErr == nil {
			return nil
		}

		if !errors.Is(flockErr, unix.EINTR) {
			return fmt.Errorf("flock: %w", flockErr)
		}
	}
}

// release drops the flock. The file stays open for the next acquire.
func (l *fileLock) release() {
	_ = unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
}

// close closes the lock file. The sidecar itself is never deleted; other
// processes may be holding or waiting on it.
func (l *fileLock) close() error {
	return l.file.Close()
}
