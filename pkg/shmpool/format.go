package shmpool

import (
	"encoding/binary"
)

// Segment format constants.
//
// The segment is a single file laid out as:
//
//	offset 0                 header      (headerSize bytes)
//	offset headerSize        slot table  (slotCount * slotSize bytes)
//	offset headerSize+N*S    data region (dataSize bytes)
//
// All integers are little-endian. The layout is fixed so that every process
// on the host derives identical views from the same mapping.
const (
	// Magic bytes at the start of every pool segment.
	segmentMagic = uint64(0xFF45_9831_ABAB_0001)

	// Segment format version.
	segmentVersion = uint8(1)

	// Fixed header size in bytes.
	headerSize = 32

	// Fixed slot record size in bytes.
	slotSize = 32
)

// Header field offsets (bytes from segment start).
const (
	offMagic     = 0x00 // uint64
	offVersion   = 0x08 // uint8
	offSlotCount = 0x10 // uint64
	offLock      = 0x18 // uint32, the in-segment spin lock word
)

// Slot record field offsets (bytes from record start).
const (
	slotOffExternalID = 0x00 // uint64, 0 = free
	slotOffSize       = 0x08 // uint64, block size in bytes
	slotOffRefcount   = 0x10 // uint64, live references across all processes
	slotOffCreatorPID = 0x18 // uint32, OS pid of the allocating process
	slotOffFlags      = 0x1C // uint8, bitfield
)

// Slot flag bits.
const (
	// flagTransferred marks a blob observed by a pid other than its
	// creator, or explicitly marked releasable.
	flagTransferred = uint8(0x01)
)

// segHeader represents the fixed segment header.
type segHeader struct {
	Magic     uint64
	Version   uint8
	SlotCount uint64
}

// newSegHeader creates a header for a fresh segment.
func newSegHeader(slotCount uint64) segHeader {
	return segHeader{
		Magic:     segmentMagic,
		Version:   segmentVersion,
		SlotCount: slotCount,
	}
}

// validate checks the header sentinels.
//
// The lock word is deliberately not inspected: a freshly mapped segment may
// legitimately be locked by another process.
func (h segHeader) validate() error {
	if h.Magic != segmentMagic {
		return ErrInvalidMagic
	}

	if h.Version != segmentVersion {
		return ErrInvalidVersion
	}

	return nil
}

// encodeHeader serializes the header into a headerSize-byte slice.
// The lock word is left zeroed (unlocked).
func encodeHeader(h segHeader) []byte {
	buf := make([]byte, headerSize)

	binary.LittleEndian.PutUint64(buf[offMagic:], h.Magic)
	buf[offVersion] = h.Version
	binary.LittleEndian.PutUint64(buf[offSlotCount:], h.SlotCount)

	return buf
}

// decodeHeader deserializes a header from the start of buf.
// Returns the header without validating (caller should validate separately).
func decodeHeader(buf []byte) segHeader {
	return segHeader{
		Magic:     binary.LittleEndian.Uint64(buf[offMagic:]),
		Version:   buf[offVersion],
		SlotCount: binary.LittleEndian.Uint64(buf[offSlotCount:]),
	}
}

// memSlot is the decoded form of one slot record.
//
// A slot with ExternalID == 0 and Size > 0 is a free block participating in
// the data-region partition. A slot with every field zero is empty and only
// appears as a suffix of the table.
type memSlot struct {
	ExternalID uint64
	Size       uint64
	Refcount   uint64
	CreatorPID uint32
	Flags      uint8
}

// freeSlot returns a free block record of the given size.
func freeSlot(size uint64) memSlot {
	return memSlot{Size: size}
}

// isFree reports whether the slot holds no object (empty or free block).
func (s memSlot) isFree() bool {
	return s.ExternalID == 0
}

// isEmpty reports whether every field is zero.
func (s memSlot) isEmpty() bool {
	return s == memSlot{}
}

// isReleasable reports whether the slot can be reclaimed: transferred (or
// explicitly marked) and no references left.
func (s memSlot) isReleasable() bool {
	return s.Flags&flagTransferred != 0 && s.Refcount == 0
}

// encodeSlot serializes the record into buf (at least slotSize bytes).
// Bytes past the flags field stay zero; they are reserved padding.
func encodeSlot(buf []byte, s memSlot) {
	binary.LittleEndian.PutUint64(buf[slotOffExternalID:], s.ExternalID)
	binary.LittleEndian.PutUint64(buf[slotOffSize:], s.Size)
	binary.LittleEndian.PutUint64(buf[slotOffRefcount:], s.Refcount)
	binary.LittleEndian.PutUint32(buf[slotOffCreatorPID:], s.CreatorPID)
	buf[slotOffFlags] = s.Flags
}

// decodeSlot deserializes one record from the start of buf.
func decodeSlot(buf []byte) memSlot {
	return memSlot{
		ExternalID: binary.LittleEndian.Uint64(buf[slotOffExternalID:]),
		Size:       binary.LittleEndian.Uint64(buf[slotOffSize:]),
		Refcount:   binary.LittleEndian.Uint64(buf[slotOffRefcount:]),
		CreatorPID: binary.LittleEndian.Uint32(buf[slotOffCreatorPID:]),
		Flags:      buf[slotOffFlags],
	}
}

// segmentSize returns the total byte length of a segment with the given
// geometry.
func segmentSize(slotCount, dataSize uint64) uint64 {
	return headerSize + slotCount*slotSize + dataSize
}
