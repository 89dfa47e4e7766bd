package shmpool

import (
	"errors"
	"fmt"
	"os"
	"sync"
)

// Default pool geometry, applied by Options.withDefaults.
const (
	// DefaultSlotCount is the default number of slots in the slot table.
	DefaultSlotCount = uint64(10_000)

	// DefaultDataSize is the default data region size (512 MiB).
	DefaultDataSize = uint64(512 * 1024 * 1024)

	// DefaultSegmentPath is the default segment location. /dev/shm keeps
	// the backing pages in memory on Linux hosts.
	DefaultSegmentPath = "/dev/shm/pyarraypool.seg"
)

// Options configure creating or opening a pool segment.
type Options struct {
	// Path is the filesystem path of the segment file.
	//
	// Defaults to [DefaultSegmentPath]. Must live somewhere suitable for
	// shared memory (tmpfs on Linux).
	Path string

	// SlotCount is the number of slots in the slot table.
	//
	// Fixed at creation time; ignored by [Open]. Defaults to
	// [DefaultSlotCount]. It bounds how many blobs (plus free holes) the
	// pool can track at once.
	SlotCount uint64

	// DataSize is the data region size in bytes.
	//
	// Fixed at creation time; ignored by [Open]. Defaults to
	// [DefaultDataSize].
	DataSize uint64

	// FileLock selects the advisory flock sidecar (Path+".lock") instead
	// of the in-segment spin lock.
	//
	// The flock survives holder crashes but costs a syscall per
	// operation. Every process sharing the segment must pick the same
	// mode; mixing modes removes mutual exclusion.
	FileLock bool
}

// withDefaults fills zero-valued fields.
func (o Options) withDefaults() Options {
	if o.Path == "" {
		o.Path = DefaultSegmentPath
	}

	if o.SlotCount == 0 {
		o.SlotCount = DefaultSlotCount
	}

	if o.DataSize == 0 {
		o.DataSize = DefaultDataSize
	}

	return o
}

// ObjectPool is a handle to a shared-memory object pool.
//
// Every operation acquires the pool's cross-process lock, so operations from
// any number of processes are linearizable. The byte views returned by
// AddObject/AttachObject/SliceOf alias the shared data region and stay valid
// until Close; the pool makes no concurrency guarantee about their contents.
//
// There is no reclamation for blobs whose holders died: their references
// are never dropped and their slots stay occupied.
//
// An ObjectPool must be obtained via [Create], [Open] or [OpenOrCreate];
// the zero value is not usable.
type ObjectPool struct {
	_ [0]func() // prevent external construction

	// mu protects closed. Operations take the read side; Close takes the
	// write side.
	mu sync.RWMutex

	seg    *segment
	locker segmentLocker
	flock  *fileLock // nil unless Options.FileLock
	pid    uint32

	closed bool
}

// Create builds a fresh segment at opts.Path and returns a handle to it.
//
// Possible errors: ErrInvalidInput, filesystem/mmap failures.
func Create(opts Options) (*ObjectPool, error) {
	opts = opts.withDefaults()

	seg, err := createSegment(opts.Path, opts.SlotCount, opts.DataSize)
	if err != nil {
		return nil, err
	}

	return newObjectPool(seg, opts)
}

// Open maps an existing segment at opts.Path. SlotCount and DataSize are
// read from the segment itself.
//
// Possible errors: ErrInvalidMagic, ErrInvalidVersion, filesystem/mmap
// failures.
func Open(opts Options) (*ObjectPool, error) {
	opts = opts.withDefaults()

	seg, err := openSegment(opts.Path)
	if err != nil {
		return nil, err
	}

	return newObjectPool(seg, opts)
}

// OpenOrCreate opens the segment at opts.Path if it exists and creates it
// otherwise.
func OpenOrCreate(opts Options) (*ObjectPool, error) {
	opts = opts.withDefaults()

	_, statErr := os.Stat(opts.Path)
	if statErr == nil {
		return Open(opts)
	}

	if !os.IsNotExist(statErr) {
		return nil, fmt.Errorf("stat segment: %w", statErr)
	}

	return Create(opts)
}

// newObjectPool wires the locker and pid onto a mapped segment.
func newObjectPool(seg *segment, opts Options) (*ObjectPool, error) {
	p := &ObjectPool{
		seg: seg,
		pid: uint32(os.Getpid()), //nolint:gosec // pids fit in 32 bits on supported hosts
	}

	if opts.FileLock {
		fl, err := openFileLock(opts.Path)
		if err != nil {
			_ = seg.close()

			return nil, err
		}

		p.flock = fl
		p.locker = fl
	} else {
		p.locker = newSpinLock(seg.lockWord())
	}

	return p, nil
}

// pool derives a fresh allocator view over the mapped slot table.
// The view is rebuilt per operation; nothing retains it across the lock.
func (p *ObjectPool) pool() pool {
	return pool{
		table:    slotTable{data: p.seg.table(), count: int(p.seg.slotCount)},
		dataSize: p.seg.dataSize,
		pid:      p.pid,
	}
}

// withLock runs fn with the cross-process lock held, releasing it on every
// exit path.
func (p *ObjectPool) withLock(fn func(pl pool) error) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrClosed
	}

	if err := p.locker.acquire(); err != nil {
		return err
	}
	defer p.locker.release()

	return fn(p.pool())
}

// view returns the byte range [offset, offset+size) of the data region.
func (p *ObjectPool) view(offset, size uint64) []byte {
	data := p.seg.dataRegion()

	return data[offset : offset+size : offset+size]
}

// AddObject allocates a blob of size bytes under id and returns a writable
// view over it. The creator holds one reference.
//
// Possible errors: ErrClosed, ErrInvalidExternalID, ErrAlreadyExists,
// ErrNoSpaceLeft, ErrNoFreeBlockLeft.
func (p *ObjectPool) AddObject(id uint64, size uint64) ([]byte, error) {
	var out []byte

	err := p.withLock(func(pl pool) error {
		offset, addErr := pl.add(id, size)
		if addErr != nil {
			return addErr
		}

		out = p.view(offset, size)

		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

// AttachObject adds a reference to the blob carrying id and returns a
// writable view over it. Attaching from a process other than the creator
// marks the blob transferred.
//
// Possible errors: ErrClosed, ErrInvalidExternalID, ErrNotFound.
func (p *ObjectPool) AttachObject(id uint64) ([]byte, error) {
	var out []byte

	err := p.withLock(func(pl pool) error {
		offset, size, attachErr := pl.attach(id)
		if attachErr != nil {
			return attachErr
		}

		out = p.view(offset, size)

		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

// DetachObject drops one reference to the blob. When the blob is
// transferred (or was marked releasable) and the count reaches zero, its
// block is reclaimed and coalesced with free neighbors.
//
// Possible errors: ErrClosed, ErrInvalidExternalID, ErrNotFound.
func (p *ObjectPool) DetachObject(id uint64) error {
	return p.withLock(func(pl pool) error {
		return pl.detach(id)
	})
}

// MarkReleasable arms reclamation for a blob without touching its refcount.
// A creator uses this to release a blob no other process ever attached.
//
// Possible errors: ErrClosed, ErrInvalidExternalID, ErrNotFound.
func (p *ObjectPool) MarkReleasable(id uint64) error {
	return p.withLock(func(pl pool) error {
		return pl.markReleasable(id)
	})
}

// SliceOf returns a view over the blob carrying id, or nil if there is no
// such blob (including id == 0 and a closed pool). It never fails and does
// not touch the refcount.
func (p *ObjectPool) SliceOf(id uint64) []byte {
	var out []byte

	_ = p.withLock(func(pl pool) error {
		offset, size, ok := pl.infoOf(id)
		if ok {
			out = p.view(offset, size)
		}

		return nil
	})

	return out
}

// Dump renders a stable textual snapshot of the occupied slots.
// Returns "" on a closed pool.
func (p *ObjectPool) Dump() string {
	var out string

	_ = p.withLock(func(pl pool) error {
		out = pl.dump()

		return nil
	})

	return out
}

// Close unmaps the segment and releases the handle's resources. The backing
// file (and lock sidecar, if any) stay on disk for other processes.
//
// After Close, all operations return [ErrClosed] and previously returned
// views must not be touched. Close is idempotent.
func (p *ObjectPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}

	p.closed = true

	var errs []error

	if p.flock != nil {
		if err := p.flock.close(); err != nil {
			errs = append(errs, fmt.Errorf("close lock file: %w", err))
		}
	}

	if err := p.seg.close(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}
