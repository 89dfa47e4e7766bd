// Package shmpool provides a cross-process shared-memory object pool.
//
// A pool is a single memory-mapped segment backed by a file. Cooperating
// processes on the same host map the segment and exchange binary blobs
// without copying: one process allocates a blob under a caller-chosen
// 64-bit external ID, other processes attach to it by ID and receive a
// byte view over the exact same memory.
//
// # Basic Usage
//
//	pool, err := shmpool.Create(shmpool.Options{
//	    Path:      "/dev/shm/myapp.seg",
//	    SlotCount: 1000,
//	    DataSize:  64 << 20,
//	})
//	if err != nil {
//	    // handle error
//	}
//	defer pool.Close()
//
//	// Allocate a blob and fill it.
//	buf, err := pool.AddObject(42, 4096)
//
//	// In another process:
//	pool, err := shmpool.Open(shmpool.Options{Path: "/dev/shm/myapp.seg"})
//	buf, err := pool.AttachObject(42)
//
// # Lifecycle
//
// Every blob carries a reference count and a "transferred" flag. The creator
// holds one reference from AddObject; AttachObject adds one per call. A blob
// is reclaimed when its reference count reaches zero AND it has either been
// attached from a process other than its creator or explicitly marked
// releasable with MarkReleasable. A blob only ever touched by its creator is
// never reclaimed implicitly.
//
// # Concurrency
//
// All pool operations - including reads like SliceOf and Dump - are
// serialized across processes by a spin lock stored inside the segment
// header. The byte views returned to callers are NOT synchronized: two
// processes attached to the same blob may read and write it concurrently,
// and payload coordination is the caller's responsibility.
//
// If a process dies while holding the in-segment lock, the segment stays
// locked forever. Options.FileLock selects an advisory flock on a sidecar
// file instead, which the OS releases when the holder exits.
package shmpool
