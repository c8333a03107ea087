package pmu

import (
	"fmt"

	"wperf-engine/internal/pmuerr"
)

// HostCounterAllocator is the host's arbitration API for physical PMU
// counters (HalAllocateHardwareCounters/HalFreeHardwareCounters and
// KeSetHardwareCounterConfiguration on Windows). CounterPool never
// touches a counter it has not been granted by this allocator.
type HostCounterAllocator interface {
	// TryReserveSingle attempts to reserve exactly one physical slot;
	// ok is false if another kernel client already holds it.
	TryReserveSingle(slot uint8) (ok bool, err error)

	// ReleaseSingle releases a slot reserved by TryReserveSingle.
	ReleaseSingle(slot uint8) error

	// ReserveBulk reserves the full given slot set atomically, failing
	// if any slot in it is held elsewhere.
	ReserveBulk(slots []uint8) error

	// ReleaseBulk releases a previously bulk-reserved set. Idempotent.
	ReleaseBulk(slots []uint8) error

	// ConfigureThreadProfiling publishes slots to the host's per-thread
	// counter API (KeSetHardwareCounterConfiguration). ALREADY_ENABLED
	// is tolerated, not an error.
	ConfigureThreadProfiling(slots []uint8) error
}

// CounterPool enumerates hardware counters, probes which are free, and
// reserves them from the host's counter allocator. The cycle counter
// is always implicitly reserved as slot 31 and never goes through the
// host allocator.
type CounterPool struct {
	alloc      HostCounterAllocator
	numGPC     uint8
	freeSlots  []uint8 // physical indices this driver is allowed to use.
	reserved   bool
	counterMap []uint8 // logical index -> physical index, built by reserve().
}

// NewCounterPool constructs a pool over numGPC hardware general-purpose
// counters (as reported by PMCR.N), arbitrated through alloc.
func NewCounterPool(alloc HostCounterAllocator, numGPC uint8) *CounterPool {
	return &CounterPool{alloc: alloc, numGPC: numGPC}
}

// Probe requests single-slot reservation for every physical slot in
// turn, releasing it immediately on success. It yields the set of
// indices the driver is allowed to use; the grant itself happens in a
// second pass via Reserve so a partial probe never holds anything.
func (p *CounterPool) Probe() ([]uint8, error) {
	var free []uint8
	for i := uint8(0); i < p.numGPC; i++ {
		ok, err := p.alloc.TryReserveSingle(i)
		if err != nil {
			return nil, fmt.Errorf("probe slot %d: %w", i, err)
		}
		if !ok {
			continue
		}
		if err := p.alloc.ReleaseSingle(i); err != nil {
			return nil, fmt.Errorf("release probed slot %d: %w", i, err)
		}
		free = append(free, i)
	}
	if len(free) == 0 {
		return nil, pmuerr.New(pmuerr.InsufficientResources, "no free general-purpose counters")
	}
	p.freeSlots = free
	return free, nil
}

// Reserve bulk-reserves the slots Probe discovered and builds the
// logical->physical counter map. Logical index i maps to counterMap[i];
// the cycle counter occupies logical and physical slot CycleCounterSlot
// implicitly and is not part of counterMap.
func (p *CounterPool) Reserve(freeSlots []uint8) error {
	if len(freeSlots) == 0 {
		return pmuerr.New(pmuerr.InsufficientResources, "reserve called with no free slots")
	}
	if err := p.alloc.ReserveBulk(freeSlots); err != nil {
		return pmuerr.Wrap(pmuerr.InsufficientResources, "bulk reserve failed", err)
	}
	p.counterMap = append([]uint8(nil), freeSlots...)
	p.reserved = true
	return nil
}

// Release idempotently releases the bulk reservation. Safe to call on
// any exit path, including when Reserve never succeeded.
func (p *CounterPool) Release() error {
	if !p.reserved {
		return nil
	}
	err := p.alloc.ReleaseBulk(p.counterMap)
	p.reserved = false
	p.counterMap = nil
	if err != nil {
		return fmt.Errorf("release bulk: %w", err)
	}
	return nil
}

// ConfigureThreadProfiling publishes the reserved slots to the host's
// thread-profiling counter API. ALREADY_ENABLED is not surfaced as an
// error; a previous client may legitimately have enabled the same set.
func (p *CounterPool) ConfigureThreadProfiling() error {
	if !p.reserved {
		return pmuerr.New(pmuerr.Internal, "configure thread profiling before reserve")
	}
	return p.alloc.ConfigureThreadProfiling(p.counterMap)
}

// NumFreeGPC returns how many general-purpose counters this driver
// holds.
func (p *CounterPool) NumFreeGPC() uint8 {
	return uint8(len(p.counterMap))
}

// Physical maps a logical slot (0..NumFreeGPC-1, or CycleCounterSlot)
// to its physical counter index.
func (p *CounterPool) Physical(logical uint8) (uint8, error) {
	if logical == CycleCounterSlot {
		return CycleCounterSlot, nil
	}
	if int(logical) >= len(p.counterMap) {
		return 0, pmuerr.New(pmuerr.InvalidParameter, "logical slot out of range")
	}
	return p.counterMap[logical], nil
}

// CounterIdxMap returns a copy of the logical->physical map plus the
// cycle counter slot, for QUERY_HW_CFG's counter_idx_map[] field.
func (p *CounterPool) CounterIdxMap() []uint8 {
	m := append([]uint8(nil), p.counterMap...)
	return append(m, CycleCounterSlot)
}
