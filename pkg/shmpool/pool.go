package shmpool

import (
	"fmt"
	"strings"
)

// slotTable is a view over the slot-table section of the mapping.
//
// Records are manipulated by whole-record decode/encode at computed offsets;
// nothing here retains pointers into the mapping across calls.
type slotTable struct {
	data  []byte
	count int
}

// slot decodes record i.
func (t slotTable) slot(i int) memSlot {
	return decodeSlot(t.data[i*slotSize:])
}

// setSlot encodes record i in place.
func (t slotTable) setSlot(i int, s memSlot) {
	encodeSlot(t.data[i*slotSize:(i+1)*slotSize], s)
}

// rotateRight rotates records [from, count) right by one: the trailing
// record moves to index from, everything else shifts one slot toward the
// tail.
func (t slotTable) rotateRight(from int) {
	if from >= t.count-1 {
		return
	}

	var tmp [slotSize]byte

	copy(tmp[:], t.data[(t.count-1)*slotSize:t.count*slotSize])
	copy(t.data[(from+1)*slotSize:t.count*slotSize], t.data[from*slotSize:(t.count-1)*slotSize])
	copy(t.data[from*slotSize:(from+1)*slotSize], tmp[:])
}

// rotateLeft rotates records [from, count) left by one: record from moves to
// the tail, everything else shifts one slot toward the head.
func (t slotTable) rotateLeft(from int) {
	if from >= t.count-1 {
		return
	}

	var tmp [slotSize]byte

	copy(tmp[:], t.data[from*slotSize:(from+1)*slotSize])
	copy(t.data[from*slotSize:(t.count-1)*slotSize], t.data[(from+1)*slotSize:t.count*slotSize])
	copy(t.data[(t.count-1)*slotSize:t.count*slotSize], tmp[:])
}

// pool is the slot-table allocator.
//
// It owns a borrowed view of the table plus the data-region size, and
// assumes the caller holds the segment lock for the duration of every call.
// Operations never perform I/O and never block.
type pool struct {
	table    slotTable
	dataSize uint64
	pid      uint32
}

// findByID returns the index of the live slot carrying id, or -1.
func (p *pool) findByID(id uint64) int {
	for i := range p.table.count {
		if p.table.slot(i).ExternalID == id {
			return i
		}
	}

	return -1
}

// offsetOf returns the data-region offset of slot i: the sum of the sizes of
// every earlier slot. Offsets are never stored; they are recomputed so that
// rotations cannot leave stale values behind.
func (p *pool) offsetOf(i int) uint64 {
	var off uint64

	for j := range i {
		off += p.table.slot(j).Size
	}

	return off
}

// add allocates a block of requestSize bytes under id and returns its
// data-region offset.
//
// First-fit: the lowest-index free block that fits wins. A strictly larger
// block is split into an occupied prefix and a free suffix, which costs one
// trailing empty slot.
//
// Possible errors: ErrInvalidExternalID, ErrAlreadyExists, ErrNoSpaceLeft,
// ErrNoFreeBlockLeft.
func (p *pool) add(id uint64, requestSize uint64) (uint64, error) {
	if id == 0 {
		return 0, ErrInvalidExternalID
	}

	if p.findByID(id) >= 0 {
		return 0, fmt.Errorf("id %d: %w", id, ErrAlreadyExists)
	}

	// Find first free block that fits.
	target := -1

	for i := range p.table.count {
		s := p.table.slot(i)
		if s.isFree() && requestSize <= s.Size {
			target = i

			break
		}
	}

	if target < 0 {
		return 0, ErrNoSpaceLeft
	}

	if requestSize < p.table.slot(target).Size {
		// Splitting consumes one slot; it must come from the empty tail.
		if !p.table.slot(p.table.count - 1).isEmpty() {
			return 0, ErrNoFreeBlockLeft
		}

		p.table.rotateRight(target + 1)
		p.table.setSlot(target+1, freeSlot(p.table.slot(target).Size-requestSize))
	}

	p.table.setSlot(target, memSlot{
		ExternalID: id,
		Size:       requestSize,
		Refcount:   1,
		CreatorPID: p.pid,
	})

	return p.offsetOf(target), nil
}

// attach adds a reference to the blob and returns its current offset and
// size. An attach from a pid other than the creator marks the blob
// transferred, arming reclamation.
//
// Possible errors: ErrInvalidExternalID, ErrNotFound.
func (p *pool) attach(id uint64) (offset, size uint64, err error) {
	if id == 0 {
		return 0, 0, ErrInvalidExternalID
	}

	i := p.findByID(id)
	if i < 0 {
		return 0, 0, fmt.Errorf("id %d: %w", id, ErrNotFound)
	}

	s := p.table.slot(i)
	s.Refcount++

	if s.CreatorPID != p.pid {
		s.Flags |= flagTransferred
	}

	p.table.setSlot(i, s)

	return p.offsetOf(i), s.Size, nil
}

// detach drops one reference. The refcount saturates at zero. The slot is
// freed only once it is releasable: transferred (or marked) and unreferenced.
// A creator that never transferred its blob keeps the slot occupied even at
// refcount zero.
//
// Possible errors: ErrInvalidExternalID, ErrNotFound.
func (p *pool) detach(id uint64) error {
	if id == 0 {
		return ErrInvalidExternalID
	}

	i := p.findByID(id)
	if i < 0 {
		return fmt.Errorf("id %d: %w", id, ErrNotFound)
	}

	s := p.table.slot(i)
	if s.Refcount > 0 {
		s.Refcount--
	}

	p.table.setSlot(i, s)

	if s.isReleasable() {
		p.free(i)
	}

	return nil
}

// markReleasable sets the transferred flag without touching the refcount,
// letting a creator hand a blob over for reclamation explicitly. If the blob
// is already unreferenced it is freed on the spot.
//
// Possible errors: ErrInvalidExternalID, ErrNotFound.
func (p *pool) markReleasable(id uint64) error {
	if id == 0 {
		return ErrInvalidExternalID
	}

	i := p.findByID(id)
	if i < 0 {
		return fmt.Errorf("id %d: %w", id, ErrNotFound)
	}

	s := p.table.slot(i)
	s.Flags |= flagTransferred
	p.table.setSlot(i, s)

	if s.isReleasable() {
		p.free(i)
	}

	return nil
}

// infoOf returns the data-region offset and size of the live blob carrying
// id. It never fails; an unknown or zero id yields ok == false.
func (p *pool) infoOf(id uint64) (offset, size uint64, ok bool) {
	if id == 0 {
		return 0, 0, false
	}

	i := p.findByID(id)
	if i < 0 {
		return 0, 0, false
	}

	return p.offsetOf(i), p.table.slot(i).Size, true
}

// free reclaims the block at slot i and merges it with free neighbors.
//
// The merge order matters: next first, then previous, each followed by a
// left rotation of the tail so that free blocks never sit adjacent and
// empty slots stay a suffix of the table.
func (p *pool) free(i int) {
	p.table.setSlot(i, freeSlot(p.table.slot(i).Size))

	// Merge with next block if free.
	if i+1 < p.table.count && p.table.slot(i+1).isFree() {
		merged := p.table.slot(i)
		merged.Size += p.table.slot(i + 1).Size
		p.table.setSlot(i, merged)
		p.table.setSlot(i+1, memSlot{})
		p.table.rotateLeft(i + 1)
	}

	// Merge with previous block if free.
	if i > 0 && p.table.slot(i-1).isFree() {
		merged := p.table.slot(i - 1)
		merged.Size += p.table.slot(i).Size
		p.table.setSlot(i-1, merged)
		p.table.setSlot(i, memSlot{})
		p.table.rotateLeft(i)
	}
}

// dump renders the occupied slots, one line per slot in index order.
//
// The line format is preserved bit-for-bit from the historical
// implementation (including the "pid" label for the external ID and the
// "recount" spelling); downstream tooling parses it.
func (p *pool) dump() string {
	var lines []string

	for i := range p.table.count {
		s := p.table.slot(i)
		if s.ExternalID == 0 {
			continue
		}

		lines = append(lines, fmt.Sprintf(
			"SLOT ID: %d: pid: %d, recount: %d, flag: %d",
			i, s.ExternalID, s.Refcount, s.Flags,
		))
	}

	return strings.Join(lines, "\n")
}
