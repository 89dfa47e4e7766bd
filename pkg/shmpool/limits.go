package shmpool

// Hardcoded implementation limits.
//
// These limits are intentionally generous; they exist primarily to:
//   - keep arithmetic safely away from overflow boundaries
//   - avoid unsafe uint64/int conversions (mmap length is an int)
//
// Limit violations in the geometry passed to create are treated as
// configuration errors and return ErrInvalidInput. A segment whose header
// slot count exceeds maxSlotCount is rejected on open with ErrInvalidMagic.
const (
	// Maximum allowed slot count (number of records in the slot table).
	maxSlotCount = uint64(100_000_000)

	// Maximum allowed data region size (bytes).
	maxDataSize = uint64(1) << 40 // 1 TiB

	// Maximum allowed total segment size (bytes). Keeps the mmap length
	// representable as int64 and as a Go slice length on 64-bit hosts.
	maxSegmentSize = uint64(1) << 41 // 2 TiB
)
