package pmu

import "fmt"

// EventID identifies an architectural or microarchitectural PMU event.
// The cycle event is distinguished: it only ever binds to the dedicated
// cycle counter (CycleCounterSlot).
type EventID uint16

// Architectural event identifiers, as defined by the Armv8-A PMUv3
// specification. Values mirror arch/arm64/include/asm/perf_event.h.
const (
	EventSWIncr           EventID = 0x00
	EventL1ICacheRefill   EventID = 0x01
	EventL1ITLBRefill     EventID = 0x02
	EventL1DCacheRefill   EventID = 0x03
	EventL1DCache         EventID = 0x04
	EventL1DTLBRefill     EventID = 0x05
	EventLDRetired        EventID = 0x06
	EventSTRetired        EventID = 0x07
	EventInstRetired      EventID = 0x08
	EventExcTaken         EventID = 0x09
	EventExcReturn        EventID = 0x0A
	EventCIDWriteRetired  EventID = 0x0B
	EventBRImmedRetired   EventID = 0x0D
	EventBRReturnRetired  EventID = 0x0E
	EventUnalignedLdStRet EventID = 0x0F
	EventBRMisPred        EventID = 0x10
	EventCycle            EventID = 0x11 // the distinguished cycle event.
	EventBRPred           EventID = 0x12
	EventMemAccess        EventID = 0x13
	EventL1ICache         EventID = 0x14
	EventL2DCache         EventID = 0x16
	EventL2DCacheRefill   EventID = 0x17
	EventBusAccess        EventID = 0x19
	EventInstSpec         EventID = 0x1B
	EventBusCycles        EventID = 0x1D
	EventBRRetired        EventID = 0x21
	EventBRMisPredRetired EventID = 0x22
	EventStallFrontend    EventID = 0x23
	EventStallBackend     EventID = 0x24
	EventL1DTLB           EventID = 0x25
	EventL1ITLB           EventID = 0x26
	EventL2ICache         EventID = 0x27
	EventL2ICacheRefill   EventID = 0x28
	EventL2ITLBRefill     EventID = 0x2E
	EventL2ITLB           EventID = 0x30
	EventASESpec          EventID = 0x74
	EventVFPSpec          EventID = 0x75
	EventCryptoSpec       EventID = 0x77
	EventLdStSpec         EventID = 0x72
	EventDPSpec           EventID = 0x73
	EventStrexFailSpec    EventID = 0x7D
	EventBRImmedSpec      EventID = 0x78
	EventBRReturnSpec     EventID = 0x79
	EventBRIndirectSpec   EventID = 0x7A
)

// CycleCounterSlot is the slot index of the dedicated cycle counter.
// It is never part of the general-purpose counter allocation.
const CycleCounterSlot = 31

// MaxHardwareCounters bounds the general-purpose counter namespace
// (0..MaxHardwareCounters-1); slot 31 is reserved for the cycle counter.
const MaxHardwareCounters = 31

// EventDescriptor is a static, compile-time entry describing one
// architectural event: its identifier, a human name, and a hint used
// to build the default event set.
type EventDescriptor struct {
	ID          EventID
	Name        string
	DefaultSlot int // insertion order within the default event set, -1 if not default
}

// DefaultEvents is the event set assigned to logical slots by insertion
// order when a client has not issued EVENTS_ASSIGN. The cycle event
// always comes first; the rest are ordered so the most commonly wanted
// events survive truncation when they exceed free_gpc (see
// config.Engine.DefaultEventTruncation).
var DefaultEvents = []EventDescriptor{
	{EventCycle, "CYCLE", 0},
	{EventInstRetired, "INST_RETIRED", 1},
	{EventStallFrontend, "STALL_FRONTEND", 2},
	{EventStallBackend, "STALL_BACKEND", 3},
	{EventL1ICacheRefill, "L1I_CACHE_REFILL", 4},
	{EventL1ICache, "L1I_CACHE", 5},
	{EventL1DCacheRefill, "L1D_CACHE_REFILL", 6},
	{EventL1DCache, "L1D_CACHE", 7},
	{EventBRRetired, "BR_RETIRED", 8},
	{EventBRMisPredRetired, "BR_MIS_PRED_RETIRED", 9},
	{EventInstSpec, "INST_SPEC", 10},
	{EventASESpec, "ASE_SPEC", 11},
	{EventVFPSpec, "VFP_SPEC", 12},
	{EventBusAccess, "BUS_ACCESS", 13},
	{EventBusCycles, "BUS_CYCLES", 14},
	{EventLdStSpec, "LDST_SPEC", 15},
	{EventDPSpec, "DP_SPEC", 16},
	{EventCryptoSpec, "CRYPTO_SPEC", 17},
	{EventStrexFailSpec, "STREX_FAIL_SPEC", 18},
	{EventBRImmedSpec, "BR_IMMED_SPEC", 19},
	{EventBRReturnSpec, "BR_RETURN_SPEC", 20},
	{EventBRIndirectSpec, "BR_INDIRECT_SPEC", 21},
	{EventL2ICache, "L2I_CACHE", 22},
	{EventL2ICacheRefill, "L2I_CACHE_REFILL", 23},
	{EventL2DCache, "L2D_CACHE", 24},
	{EventL2DCacheRefill, "L2D_CACHE_REFILL", 25},
	{EventL1ITLB, "L1I_TLB", 26},
	{EventL1ITLBRefill, "L1I_TLB_REFILL", 27},
	{EventL1DTLB, "L1D_TLB", 28},
	{EventL1DTLBRefill, "L1D_TLB_REFILL", 29},
	{EventL2ITLB, "L2I_TLB", 30},
	{EventL2ITLBRefill, "L2I_TLB_REFILL", 31},
}

// byName indexes DefaultEvents for lookup by symbolic name.
var byName = func() map[string]EventID {
	m := make(map[string]EventID, len(DefaultEvents))
	for _, d := range DefaultEvents {
		m[d.Name] = d.ID
	}
	return m
}()

// LookupEventByName returns the event id for a symbolic name, used by
// clients that issue EVENTS_ASSIGN with names rather than raw ids.
func LookupEventByName(name string) (EventID, bool) {
	id, ok := byName[name]
	return id, ok
}

var byID = func() map[EventID]string {
	m := make(map[EventID]string, len(DefaultEvents))
	for _, d := range DefaultEvents {
		m[d.ID] = d.Name
	}
	return m
}()

// EventName returns the symbolic name for an event id, or a hex string
// for events outside the static table.
func EventName(id EventID) string {
	if n, ok := byID[id]; ok {
		return n
	}
	return fmt.Sprintf("0x%04x", uint16(id))
}

// FilterFlags is the per-event filter word: which exception levels a
// counter observes. Only FilterExclEL1 is recognised by default
// assignments; others are accepted but left to the caller's discretion.
type FilterFlags uint32

const (
	FilterExclEL1 FilterFlags = 1 << 0
	FilterExclEL0 FilterFlags = 1 << 1
	FilterExclEL2 FilterFlags = 1 << 2
	FilterExclEL3 FilterFlags = 1 << 3
)

// EventAssignment is one (event, filter) pair a client wants counted,
// as received on the EVENTS_ASSIGN command.
type EventAssignment struct {
	Event  EventID
	Filter FilterFlags
}
