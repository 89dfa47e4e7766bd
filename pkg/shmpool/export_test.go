package shmpool

// Export internal state for testing.
// This file is only compiled during tests.

// SlotForTesting is an exported mirror of one decoded slot record.
type SlotForTesting struct {
	ExternalID uint64
	Size       uint64
	Refcount   uint64
	CreatorPID uint32
	Flags      uint8
}

// SetPIDForTesting overrides the pid the handle stamps on allocations and
// compares on attach, letting a single process act as several.
func (p *ObjectPool) SetPIDForTesting(pid uint32) {
	p.pid = pid
}

// PIDForTesting returns the pid the handle currently acts as.
func (p *ObjectPool) PIDForTesting() uint32 {
	return p.pid
}

// SlotsForTesting decodes the whole slot table.
func (p *ObjectPool) SlotsForTesting() []SlotForTesting {
	pl := p.pool()

	out := make([]SlotForTesting, 0, pl.table.count)
	for i := range pl.table.count {
		s := pl.table.slot(i)
		out = append(out, SlotForTesting{
			ExternalID: s.ExternalID,
			Size:       s.Size,
			Refcount:   s.Refcount,
			CreatorPID: s.CreatorPID,
			Flags:      s.Flags,
		})
	}

	return out
}

// SpinLockedForTesting reports the advisory state of the in-segment lock
// word. Only meaningful when the handle uses the spin lock.
func (p *ObjectPool) SpinLockedForTesting() bool {
	return newSpinLock(p.seg.lockWord()).isLocked()
}
