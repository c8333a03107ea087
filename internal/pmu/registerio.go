package pmu

// RegisterIO abstracts reads and writes of the Armv8 Performance Monitor
// Unit's system registers. Every write that must be observed before
// subsequent state is followed by an instruction-synchronisation barrier
// by the concrete implementation (see regio_arm64_windows.go); the
// simulated backend used by tests has no barrier to model.
//
// Reads are side-effect-free except for PMOVSCLR, which is modelled as
// "atomic take-and-clear": ReadClearOverflow both returns and clears it.
type RegisterIO interface {
	// PMCR reads/writes the control register.
	ReadPMCR() PMCR
	WritePMCR(PMCR)

	// EnableCounters/DisableCounters toggle bits in PMCNTENSET/PMCNTENCLR. The
	// bitmask uses raw physical slot numbers (bit 31 = cycle counter).
	EnableCounters(mask uint64)
	DisableCounters(mask uint64)

	// EnableInterrupts/DisableInterrupts toggle bits in PMINTENSET/PMINTENCLR.
	EnableInterrupts(mask uint64)
	DisableInterrupts(mask uint64)

	// ReadClearOverflow reads PMOVSCLR and clears it (write-to-clear).
	ReadClearOverflow() uint64

	// SelectCounter writes PMSELR, then WriteEventType writes
	// PMXEVTYPER for the counter selected by the most recent
	// SelectCounter call. Always called in that order by EventScheduler.
	SelectCounter(slot uint8)
	WriteEventType(typer EventTyper)

	// ReadCounter/WriteCounter access a general-purpose counter's raw
	// 32-bit value via PMXEVCNTR, addressed by physical slot (0..30).
	ReadCounter(slot uint8) uint32
	WriteCounter(slot uint8, value uint32)

	// ReadCycleCounter/WriteCycleCounter access PMCCNTR (slot 31), a
	// native 64-bit register; reload writes only touch the low 32 bits.
	ReadCycleCounter() uint64
	WriteCycleCounter(value uint64)

	// ReadIDRegisters returns the CPU feature registers probed at init.
	ReadIDRegisters() IDRegisters
}

// PMCR models the Performance Monitors Control Register bitfields this
// engine touches.
type PMCR struct {
	Enable            bool  // E bit: global enable for all counters.
	EventCounterReset bool  // P bit: reset all event counters to 0.
	CycleCounterReset bool  // C bit: reset the cycle counter to 0.
	LongCycleCount    bool  // LC bit: enable 64-bit cycle counter overflow.
	NumGPC            uint8 // N field: number of general-purpose counters implemented.
}

const (
	pmcrEBit   = 1 << 0
	pmcrPBit   = 1 << 1
	pmcrCBit   = 1 << 2
	pmcrLCBit  = 1 << 6
	pmcrNShift = 11
	pmcrNMask  = 0x1f
)

// Marshal packs the fields this engine is allowed to write back into
// the raw 32-bit register encoding. N is read-only hardware state and
// is never written back.
func (p PMCR) Marshal() uint32 {
	var v uint32
	if p.Enable {
		v |= pmcrEBit
	}
	if p.EventCounterReset {
		v |= pmcrPBit
	}
	if p.CycleCounterReset {
		v |= pmcrCBit
	}
	if p.LongCycleCount {
		v |= pmcrLCBit
	}
	return v
}

// UnmarshalPMCR decodes a raw PMCR value, including the read-only N field.
func UnmarshalPMCR(raw uint32) PMCR {
	return PMCR{
		Enable:            raw&pmcrEBit != 0,
		EventCounterReset: raw&pmcrPBit != 0,
		CycleCounterReset: raw&pmcrCBit != 0,
		LongCycleCount:    raw&pmcrLCBit != 0,
		NumGPC:            uint8((raw >> pmcrNShift) & pmcrNMask),
	}
}

// EventTyper models PMXEVTYPER / PMCCFILTR's event-select and filter
// bitfields.
type EventTyper struct {
	Event  EventID
	Filter FilterFlags
}

const (
	typerExclEL1Bit = 1 << 30
	typerExclEL0Bit = 1 << 31
	typerEvtMask    = 0xffff
)

// Marshal packs the event id and filter bits into the raw register
// encoding used by PMXEVTYPER_EL0.
func (t EventTyper) Marshal() uint32 {
	v := uint32(t.Event) & typerEvtMask
	if t.Filter&FilterExclEL1 != 0 {
		v |= typerExclEL1Bit
	}
	if t.Filter&FilterExclEL0 != 0 {
		v |= typerExclEL0Bit
	}
	return v
}

// IDRegisters holds the CPU identification/feature values probed once
// at engine init.
type IDRegisters struct {
	DFR0EL1     uint64 // ID_DFR0_EL1: legacy PMU version field.
	MIDREL1     uint64 // MIDR_EL1: implementer/variant/arch/part/revision.
	AA64DFR0EL1 uint64 // ID_AA64DFR0_EL1: PMUVer/PMSVer fields.
	PMBIDREL1   uint64 // PMBIDR_EL1: SPE buffer ID (only valid if SPE present).
	PMSIDREL1   uint64 // PMSIDR_EL1: SPE sampling ID (only valid if SPE present).
}

// PMUVersion decodes the legacy PMU version nibble from ID_DFR0_EL1.
func (r IDRegisters) PMUVersion() uint8 {
	return uint8((r.DFR0EL1 >> 8) & 0xf)
}

// AA64PMUVersion decodes the PMUVer field from ID_AA64DFR0_EL1.
func (r IDRegisters) AA64PMUVersion() uint8 {
	return uint8((r.AA64DFR0EL1 >> 8) & 0xf)
}

// AA64PMSVersion decodes the PMSVer (SPE) field from ID_AA64DFR0_EL1.
func (r IDRegisters) AA64PMSVersion() uint8 {
	return uint8((r.AA64DFR0EL1 >> 32) & 0xf)
}

// SupportsLongCounters reports whether PMUv3.5+ native 64-bit counting
// is available.
func (r IDRegisters) SupportsLongCounters() bool {
	v := r.AA64PMUVersion()
	return v == 0x6 || v == 0x7 || v == 0x8
}

// SupportsSPE reports whether the Statistical Profiling Extension is
// implemented at all.
func (r IDRegisters) SupportsSPE() bool {
	return r.AA64PMSVersion() >= 1
}

// MIDRFields decomposes MIDR_EL1 for diagnostics / QUERY_HW_CFG.
type MIDRFields struct {
	Implementer  uint8
	Variant      uint8
	Architecture uint8
	PartNum      uint16
	Revision     uint8
}

func (r IDRegisters) MIDR() MIDRFields {
	m := r.MIDREL1
	return MIDRFields{
		Implementer:  uint8((m >> 24) & 0xff),
		Variant:      uint8((m >> 20) & 0xf),
		Architecture: uint8((m >> 16) & 0xf),
		PartNum:      uint16((m >> 4) & 0xfff),
		Revision:     uint8(m & 0xf),
	}
}
