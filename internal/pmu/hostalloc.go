package pmu

import (
	"sync"

	"wperf-engine/internal/pmuerr"
)

// SimHostAllocator arbitrates the physical counter namespace the way
// the host kernel's counter allocator does: single-slot probes, bulk
// reservation that fails if any slot is held elsewhere, and an
// idempotent thread-profiling publication. Slots can be pre-held to
// model another kernel client owning part of the PMU.
type SimHostAllocator struct {
	mu            sync.Mutex
	held          map[uint8]bool // slots owned by someone else
	reserved      map[uint8]bool // slots bulk-reserved through us
	threadProfile bool
}

func NewSimHostAllocator() *SimHostAllocator {
	return &SimHostAllocator{
		held:     make(map[uint8]bool),
		reserved: make(map[uint8]bool),
	}
}

// HoldSlot marks a slot as owned by another client, so probes skip it
// and bulk reservation including it fails.
func (a *SimHostAllocator) HoldSlot(slot uint8) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.held[slot] = true
}

func (a *SimHostAllocator) TryReserveSingle(slot uint8) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.held[slot] || a.reserved[slot] {
		return false, nil
	}
	a.reserved[slot] = true
	return true, nil
}

func (a *SimHostAllocator) ReleaseSingle(slot uint8) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.reserved, slot)
	return nil
}

func (a *SimHostAllocator) ReserveBulk(slots []uint8) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range slots {
		if a.held[s] || a.reserved[s] {
			return pmuerr.New(pmuerr.InsufficientResources, "slot held by another client")
		}
	}
	for _, s := range slots {
		a.reserved[s] = true
	}
	return nil
}

func (a *SimHostAllocator) ReleaseBulk(slots []uint8) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range slots {
		delete(a.reserved, s)
	}
	return nil
}

func (a *SimHostAllocator) ConfigureThreadProfiling(slots []uint8) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	// Already enabled is tolerated, matching the host API's behaviour.
	a.threadProfile = true
	return nil
}

var _ HostCounterAllocator = (*SimHostAllocator)(nil)
