package shmpool

import (
	"sync/atomic"
	"unsafe"
)

// spinLock is a mutual-exclusion word living inside the shared mapping.
//
// Because the word sits in memory shared by every process mapping the
// segment, acquiring it excludes pool operations host-wide, not just within
// this process. Acquisition is a pure busy wait: pool operations are short
// linear scans of the slot table, so contention windows are tiny.
//
// There is no fairness and no reentrance. If a holder dies, the segment
// stays locked; see Options.FileLock for the recoverable alternative.
type spinLock struct {
	word *uint32
}

// newSpinLock overlays a lock on a 4-byte word of the mapping.
// buf[0] must be 32-bit aligned; the segment layout guarantees this for the
// header lock word (mappings are page aligned).
func newSpinLock(buf []byte) *spinLock {
	return &spinLock{
		//nolint:gosec // intentional overlay on shared memory
		word: (*uint32)(unsafe.Pointer(&buf[0])),
	}
}

// acquire spins until the lock word transitions false->true.
// It always returns nil; the error return matches the segmentLocker
// interface shared with the flock-based locker.
func (l *spinLock) acquire() error {
	for !atomic.CompareAndSwapUint32(l.word, 0, 1) { //nolint:revive // busy wait
	}

	return nil
}

// release stores false with release semantics.
func (l *spinLock) release() {
	atomic.StoreUint32(l.word, 0)
}

// isLocked is an advisory observer; the answer can be stale by the time the
// caller looks at it.
func (l *spinLock) isLocked() bool {
	return atomic.LoadUint32(l.word) != 0
}
