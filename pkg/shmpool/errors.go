package shmpool

import "errors"

// Error classification codes.
//
// Operations MAY wrap these errors with additional context (offending ID,
// failing syscall). Callers MUST classify errors using errors.Is.
var (
	// ErrInvalidMagic indicates the segment header sentinel is wrong: the
	// file is not a pool segment, or its header was never written.
	ErrInvalidMagic = errors.New("shmpool: invalid segment magic")
	// ErrInvalidVersion indicates the segment format version is unknown.
	ErrInvalidVersion = errors.New("shmpool: invalid segment version")

	// ErrInvalidExternalID indicates the caller passed external ID 0,
	// which is reserved for free slots.
	ErrInvalidExternalID = errors.New("shmpool: invalid external id")
	// ErrAlreadyExists indicates AddObject found a live blob with that ID.
	ErrAlreadyExists = errors.New("shmpool: object already exists")
	// ErrNotFound indicates no live blob carries the requested ID.
	ErrNotFound = errors.New("shmpool: object not found")
	// ErrNoSpaceLeft indicates no free block is large enough.
	ErrNoSpaceLeft = errors.New("shmpool: no space left")
	// ErrNoFreeBlockLeft indicates an allocation needed to split a free
	// block but the slot table has no trailing empty slot.
	ErrNoFreeBlockLeft = errors.New("shmpool: no free block left")

	// ErrInvalidInput indicates invalid Options (operational).
	ErrInvalidInput = errors.New("shmpool: invalid input")
	// ErrClosed indicates the pool handle was closed.
	ErrClosed = errors.New("shmpool: closed")
)
