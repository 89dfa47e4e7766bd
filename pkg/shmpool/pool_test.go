package shmpool

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// Test geometry shared by most allocator tests: a 4-slot table over a
// 10 KiB data region, small enough to spell out expected tables by hand.
const (
	testSlotCount = 4
	testDataSize  = uint64(10 * 1024)
	testPID       = uint32(100)
	otherPID      = uint32(200)
)

// newTestPool builds an allocator over plain heap memory: the pool layer
// never cares whether its table lives in an mmap or a byte slice.
func newTestPool(t *testing.T) pool {
	t.Helper()

	table := slotTable{
		data:  make([]byte, testSlotCount*slotSize),
		count: testSlotCount,
	}
	table.setSlot(0, freeSlot(testDataSize))

	return pool{table: table, dataSize: testDataSize, pid: testPID}
}

// withPID returns a view of the same table acting as a different process.
func withPID(p pool, pid uint32) pool {
	return pool{table: p.table, dataSize: p.dataSize, pid: pid}
}

// slots snapshots the table for go-cmp comparisons.
func slots(p pool) []memSlot {
	out := make([]memSlot, 0, p.table.count)
	for i := range p.table.count {
		out = append(out, p.table.slot(i))
	}

	return out
}

// occupied is shorthand for an expected live slot record.
func occupied(id, size uint64, refcount uint64, pid uint32, flags uint8) memSlot {
	return memSlot{ExternalID: id, Size: size, Refcount: refcount, CreatorPID: pid, Flags: flags}
}

// checkInvariants asserts the structural invariants that must hold between
// operations: the sized slots partition the data region and precede all
// empty slots, IDs are unique, and no two free sized blocks are adjacent.
func checkInvariants(t *testing.T, p pool) {
	t.Helper()

	var (
		total    uint64
		seenEnd  bool
		seen     = map[uint64]bool{}
		prevFree = false
	)

	for i := range p.table.count {
		s := p.table.slot(i)

		if s.isEmpty() {
			seenEnd = true

			continue
		}

		if seenEnd {
			t.Fatalf("slot %d is non-empty after the empty suffix began: %+v", i, s)
		}

		total += s.Size

		if s.ExternalID != 0 {
			if seen[s.ExternalID] {
				t.Fatalf("duplicate external id %d at slot %d", s.ExternalID, i)
			}

			seen[s.ExternalID] = true
			prevFree = false

			continue
		}

		if prevFree {
			t.Fatalf("adjacent free blocks at slots %d and %d", i-1, i)
		}

		prevFree = true
	}

	if total != p.dataSize {
		t.Fatalf("partition sums to %d, want %d", total, p.dataSize)
	}
}

func Test_Pool_Starts_With_Single_Free_Block_When_Initialized(t *testing.T) {
	t.Parallel()

	p := newTestPool(t)

	want := []memSlot{freeSlot(testDataSize), {}, {}, {}}
	if diff := cmp.Diff(want, slots(p)); diff != "" {
		t.Fatalf("slot table mismatch (-want +got):\n%s", diff)
	}

	checkInvariants(t, p)
}

func Test_Add_Returns_InvalidExternalID_When_ID_Is_Zero(t *testing.T) {
	t.Parallel()

	p := newTestPool(t)

	_, err := p.add(0, 10)
	if !errors.Is(err, ErrInvalidExternalID) {
		t.Fatalf("got %v, want ErrInvalidExternalID", err)
	}
}

func Test_Add_Returns_AlreadyExists_When_ID_Is_Taken(t *testing.T) {
	t.Parallel()

	p := newTestPool(t)

	_, err := p.add(40, 10)
	if err != nil {
		t.Fatalf("first add: %v", err)
	}

	_, err = p.add(40, 10)
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("got %v, want ErrAlreadyExists", err)
	}
}

func Test_Add_Returns_NoSpaceLeft_When_Request_Exceeds_Data_Region(t *testing.T) {
	t.Parallel()

	p := newTestPool(t)

	_, err := p.add(40, testDataSize+1)
	if !errors.Is(err, ErrNoSpaceLeft) {
		t.Fatalf("got %v, want ErrNoSpaceLeft", err)
	}
}

func Test_Add_Packs_Blocks_Left_To_Right_When_Space_Is_Free(t *testing.T) {
	t.Parallel()

	p := newTestPool(t)

	tests := []struct {
		id         uint64
		size       uint64
		wantOffset uint64
	}{
		{40, 150, 0},
		{41, 50, 150},
		{42, 5 * 1024, 200},
	}

	for _, tt := range tests {
		offset, err := p.add(tt.id, tt.size)
		if err != nil {
			t.Fatalf("add(%d, %d): %v", tt.id, tt.size, err)
		}

		if offset != tt.wantOffset {
			t.Fatalf("add(%d, %d) = offset %d, want %d", tt.id, tt.size, offset, tt.wantOffset)
		}
	}

	want := []memSlot{
		occupied(40, 150, 1, testPID, 0),
		occupied(41, 50, 1, testPID, 0),
		occupied(42, 5*1024, 1, testPID, 0),
		freeSlot(testDataSize - 150 - 50 - 5*1024),
	}
	if diff := cmp.Diff(want, slots(p)); diff != "" {
		t.Fatalf("slot table mismatch (-want +got):\n%s", diff)
	}

	checkInvariants(t, p)
}

func Test_Add_Consumes_Whole_Block_Without_Split_When_Request_Matches_Size(t *testing.T) {
	t.Parallel()

	p := newTestPool(t)

	offset, err := p.add(42, testDataSize)
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	if offset != 0 {
		t.Fatalf("offset = %d, want 0", offset)
	}

	_, err = p.add(43, 1)
	if !errors.Is(err, ErrNoSpaceLeft) {
		t.Fatalf("got %v, want ErrNoSpaceLeft", err)
	}

	want := []memSlot{occupied(42, testDataSize, 1, testPID, 0), {}, {}, {}}
	if diff := cmp.Diff(want, slots(p)); diff != "" {
		t.Fatalf("slot table mismatch (-want +got):\n%s", diff)
	}

	checkInvariants(t, p)
}

func Test_Add_Returns_NoFreeBlockLeft_When_Split_Has_No_Trailing_Slot(t *testing.T) {
	t.Parallel()

	p := newTestPool(t)

	// Zero-size blobs occupy a slot without consuming data bytes; three of
	// them exhaust the table while the data region stays fully free.
	for _, id := range []uint64{40, 41, 42} {
		offset, err := p.add(id, 0)
		if err != nil {
			t.Fatalf("add(%d, 0): %v", id, err)
		}

		if offset != 0 {
			t.Fatalf("add(%d, 0) = offset %d, want 0", id, offset)
		}
	}

	want := []memSlot{
		occupied(40, 0, 1, testPID, 0),
		occupied(41, 0, 1, testPID, 0),
		occupied(42, 0, 1, testPID, 0),
		freeSlot(testDataSize),
	}
	if diff := cmp.Diff(want, slots(p)); diff != "" {
		t.Fatalf("slot table mismatch (-want +got):\n%s", diff)
	}

	// A fourth zero-size add would need to split the free block and has no
	// empty slot left to split into.
	_, err := p.add(43, 0)
	if !errors.Is(err, ErrNoFreeBlockLeft) {
		t.Fatalf("got %v, want ErrNoFreeBlockLeft", err)
	}

	// Consuming the free block exactly needs no split and still succeeds.
	offset, err := p.add(44, testDataSize)
	if err != nil {
		t.Fatalf("add(44): %v", err)
	}

	if offset != 0 {
		t.Fatalf("add(44) = offset %d, want 0", offset)
	}

	_, err = p.add(43, 0)
	if !errors.Is(err, ErrNoSpaceLeft) {
		t.Fatalf("got %v, want ErrNoSpaceLeft", err)
	}

	checkInvariants(t, p)
}

// release is the shorthand free path for self-allocated blobs: drop the
// creator reference, then mark releasable.
func release(t *testing.T, p pool, id uint64) {
	t.Helper()

	if err := p.detach(id); err != nil {
		t.Fatalf("detach(%d): %v", id, err)
	}

	if err := p.markReleasable(id); err != nil {
		t.Fatalf("markReleasable(%d): %v", id, err)
	}
}

func Test_Release_Restores_Single_Free_Block_When_Last_Blob_Freed(t *testing.T) {
	t.Parallel()

	p := newTestPool(t)

	_, err := p.add(40, 10)
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	want := []memSlot{occupied(40, 10, 1, testPID, 0), freeSlot(testDataSize - 10), {}, {}}
	if diff := cmp.Diff(want, slots(p)); diff != "" {
		t.Fatalf("slot table mismatch (-want +got):\n%s", diff)
	}

	release(t, p, 40)

	want = []memSlot{freeSlot(testDataSize), {}, {}, {}}
	if diff := cmp.Diff(want, slots(p)); diff != "" {
		t.Fatalf("slot table mismatch (-want +got):\n%s", diff)
	}

	checkInvariants(t, p)
}

func Test_Free_Coalesces_Both_Neighbors_When_Middle_Blobs_Released(t *testing.T) {
	t.Parallel()

	p := newTestPool(t)

	for _, id := range []uint64{40, 41, 42} {
		if _, err := p.add(id, 10); err != nil {
			t.Fatalf("add(%d): %v", id, err)
		}
	}

	// Free the middle blob: hole between two live blocks, no merge.
	release(t, p, 41)

	if offset, _, ok := p.infoOf(40); !ok || offset != 0 {
		t.Fatalf("infoOf(40) = (%d, %v), want (0, true)", offset, ok)
	}

	if offset, _, ok := p.infoOf(42); !ok || offset != 20 {
		t.Fatalf("infoOf(42) = (%d, %v), want (20, true)", offset, ok)
	}

	want := []memSlot{
		occupied(40, 10, 1, testPID, 0),
		freeSlot(10),
		occupied(42, 10, 1, testPID, 0),
		freeSlot(testDataSize - 30),
	}
	if diff := cmp.Diff(want, slots(p)); diff != "" {
		t.Fatalf("after release(41) (-want +got):\n%s", diff)
	}

	checkInvariants(t, p)

	// Free the first blob: merges with the hole on its right.
	release(t, p, 40)

	if offset, _, ok := p.infoOf(42); !ok || offset != 20 {
		t.Fatalf("infoOf(42) = (%d, %v), want (20, true)", offset, ok)
	}

	want = []memSlot{
		freeSlot(20),
		occupied(42, 10, 1, testPID, 0),
		freeSlot(testDataSize - 30),
		{},
	}
	if diff := cmp.Diff(want, slots(p)); diff != "" {
		t.Fatalf("after release(40) (-want +got):\n%s", diff)
	}

	checkInvariants(t, p)

	// Free the last blob: merges right then left, back to one block.
	release(t, p, 42)

	want = []memSlot{freeSlot(testDataSize), {}, {}, {}}
	if diff := cmp.Diff(want, slots(p)); diff != "" {
		t.Fatalf("after release(42) (-want +got):\n%s", diff)
	}

	checkInvariants(t, p)
}

func Test_Add_Splits_Hole_When_Smaller_Blob_Fills_It(t *testing.T) {
	t.Parallel()

	p := newTestPool(t)

	for _, id := range []uint64{40, 41, 42} {
		if _, err := p.add(id, 10); err != nil {
			t.Fatalf("add(%d): %v", id, err)
		}
	}

	release(t, p, 40)
	release(t, p, 41)

	want := []memSlot{
		freeSlot(20),
		occupied(42, 10, 1, testPID, 0),
		freeSlot(testDataSize - 30),
		{},
	}
	if diff := cmp.Diff(want, slots(p)); diff != "" {
		t.Fatalf("precondition (-want +got):\n%s", diff)
	}

	// First-fit lands in the 20-byte hole and splits it.
	offset, err := p.add(43, 15)
	if err != nil {
		t.Fatalf("add(43): %v", err)
	}

	if offset != 0 {
		t.Fatalf("add(43) = offset %d, want 0", offset)
	}

	want = []memSlot{
		occupied(43, 15, 1, testPID, 0),
		freeSlot(5),
		occupied(42, 10, 1, testPID, 0),
		freeSlot(testDataSize - 30),
	}
	if diff := cmp.Diff(want, slots(p)); diff != "" {
		t.Fatalf("after add(43) (-want +got):\n%s", diff)
	}

	// The 5-byte remainder fits the next request exactly.
	offset, err = p.add(44, 5)
	if err != nil {
		t.Fatalf("add(44): %v", err)
	}

	if offset != 15 {
		t.Fatalf("add(44) = offset %d, want 15", offset)
	}

	want = []memSlot{
		occupied(43, 15, 1, testPID, 0),
		occupied(44, 5, 1, testPID, 0),
		occupied(42, 10, 1, testPID, 0),
		freeSlot(testDataSize - 30),
	}
	if diff := cmp.Diff(want, slots(p)); diff != "" {
		t.Fatalf("after add(44) (-want +got):\n%s", diff)
	}

	checkInvariants(t, p)
}

func Test_Detach_Returns_Errors_When_ID_Is_Invalid_Or_Unknown(t *testing.T) {
	t.Parallel()

	p := newTestPool(t)

	if err := p.detach(0); !errors.Is(err, ErrInvalidExternalID) {
		t.Fatalf("detach(0) = %v, want ErrInvalidExternalID", err)
	}

	if err := p.detach(42); !errors.Is(err, ErrNotFound) {
		t.Fatalf("detach(42) = %v, want ErrNotFound", err)
	}

	if err := p.markReleasable(0); !errors.Is(err, ErrInvalidExternalID) {
		t.Fatalf("markReleasable(0) = %v, want ErrInvalidExternalID", err)
	}

	if err := p.markReleasable(42); !errors.Is(err, ErrNotFound) {
		t.Fatalf("markReleasable(42) = %v, want ErrNotFound", err)
	}
}

func Test_Detach_Keeps_Slot_Occupied_When_Blob_Never_Transferred(t *testing.T) {
	t.Parallel()

	p := newTestPool(t)

	if _, err := p.add(40, 10); err != nil {
		t.Fatalf("add: %v", err)
	}

	// Creator drops its reference without ever transferring: the slot
	// stays occupied at refcount zero.
	if err := p.detach(40); err != nil {
		t.Fatalf("detach: %v", err)
	}

	want := []memSlot{occupied(40, 10, 0, testPID, 0), freeSlot(testDataSize - 10), {}, {}}
	if diff := cmp.Diff(want, slots(p)); diff != "" {
		t.Fatalf("slot table mismatch (-want +got):\n%s", diff)
	}

	// Further detaches saturate at zero instead of underflowing.
	if err := p.detach(40); err != nil {
		t.Fatalf("second detach: %v", err)
	}

	if diff := cmp.Diff(want, slots(p)); diff != "" {
		t.Fatalf("after saturating detach (-want +got):\n%s", diff)
	}

	// Marking releasable at refcount zero frees immediately.
	if err := p.markReleasable(40); err != nil {
		t.Fatalf("markReleasable: %v", err)
	}

	wantFree := []memSlot{freeSlot(testDataSize), {}, {}, {}}
	if diff := cmp.Diff(wantFree, slots(p)); diff != "" {
		t.Fatalf("after markReleasable (-want +got):\n%s", diff)
	}
}

func Test_Attach_Sets_Transferred_Flag_When_PID_Differs(t *testing.T) {
	t.Parallel()

	p := newTestPool(t)

	if _, err := p.add(40, 10); err != nil {
		t.Fatalf("add: %v", err)
	}

	// Same-pid attach bumps the refcount but does not transfer.
	offset, size, err := p.attach(40)
	if err != nil {
		t.Fatalf("self attach: %v", err)
	}

	if offset != 0 || size != 10 {
		t.Fatalf("self attach = (%d, %d), want (0, 10)", offset, size)
	}

	want := []memSlot{occupied(40, 10, 2, testPID, 0), freeSlot(testDataSize - 10), {}, {}}
	if diff := cmp.Diff(want, slots(p)); diff != "" {
		t.Fatalf("after self attach (-want +got):\n%s", diff)
	}

	// Attach from another process transfers the blob.
	other := withPID(p, otherPID)

	if _, _, err := other.attach(40); err != nil {
		t.Fatalf("cross attach: %v", err)
	}

	want = []memSlot{occupied(40, 10, 3, testPID, flagTransferred), freeSlot(testDataSize - 10), {}, {}}
	if diff := cmp.Diff(want, slots(p)); diff != "" {
		t.Fatalf("after cross attach (-want +got):\n%s", diff)
	}

	// Draining the references frees the slot exactly at zero.
	if err := other.detach(40); err != nil {
		t.Fatalf("detach: %v", err)
	}

	if err := p.detach(40); err != nil {
		t.Fatalf("detach: %v", err)
	}

	if _, _, ok := p.infoOf(40); !ok {
		t.Fatal("blob should survive until the last reference drops")
	}

	if err := p.detach(40); err != nil {
		t.Fatalf("final detach: %v", err)
	}

	wantFree := []memSlot{freeSlot(testDataSize), {}, {}, {}}
	if diff := cmp.Diff(wantFree, slots(p)); diff != "" {
		t.Fatalf("after final detach (-want +got):\n%s", diff)
	}
}

func Test_Attach_Returns_Errors_When_ID_Is_Invalid_Or_Unknown(t *testing.T) {
	t.Parallel()

	p := newTestPool(t)

	if _, _, err := p.attach(0); !errors.Is(err, ErrInvalidExternalID) {
		t.Fatalf("attach(0) = %v, want ErrInvalidExternalID", err)
	}

	if _, _, err := p.attach(42); !errors.Is(err, ErrNotFound) {
		t.Fatalf("attach(42) = %v, want ErrNotFound", err)
	}
}

func Test_InfoOf_Reports_Offset_And_Size_When_Blob_Is_Live(t *testing.T) {
	t.Parallel()

	p := newTestPool(t)

	if _, _, ok := p.infoOf(0); ok {
		t.Fatal("infoOf(0) should yield nothing")
	}

	if _, _, ok := p.infoOf(42); ok {
		t.Fatal("infoOf on empty pool should yield nothing")
	}

	if _, err := p.add(42, 10); err != nil {
		t.Fatalf("add: %v", err)
	}

	offset, size, ok := p.infoOf(42)
	if !ok || offset != 0 || size != 10 {
		t.Fatalf("infoOf(42) = (%d, %d, %v), want (0, 10, true)", offset, size, ok)
	}

	release(t, p, 42)

	if _, _, ok := p.infoOf(42); ok {
		t.Fatal("infoOf after release should yield nothing")
	}
}

func Test_Dump_Formats_Occupied_Slots_When_Pool_Has_Mixed_State(t *testing.T) {
	t.Parallel()

	p := newTestPool(t)

	if _, err := p.add(40, 10); err != nil {
		t.Fatalf("add(40): %v", err)
	}

	if _, err := p.add(41, 10); err != nil {
		t.Fatalf("add(41): %v", err)
	}

	// Referenced blob: the mark arms reclamation but cannot free yet.
	if err := p.markReleasable(41); err != nil {
		t.Fatalf("markReleasable: %v", err)
	}

	if _, err := p.add(42, 10); err != nil {
		t.Fatalf("add(42): %v", err)
	}

	want := "SLOT ID: 0: pid: 40, recount: 1, flag: 0\n" +
		"SLOT ID: 1: pid: 41, recount: 1, flag: 1\n" +
		"SLOT ID: 2: pid: 42, recount: 1, flag: 0"
	if got := p.dump(); got != want {
		t.Fatalf("dump mismatch:\ngot:\n%s\nwant:\n%s", got, want)
	}
}

func Test_Dump_Returns_Empty_String_When_Pool_Is_Empty(t *testing.T) {
	t.Parallel()

	p := newTestPool(t)

	if got := p.dump(); got != "" {
		t.Fatalf("dump = %q, want empty", got)
	}
}
