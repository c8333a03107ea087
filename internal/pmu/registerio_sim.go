package pmu

import "sync"

// SimRegisterIO is a software model of the PMU system registers. It
// backs unit tests and any host build where direct MRS/MSR access to
// the Armv8 system registers is unavailable (every build except
// arm64+windows). Reads and writes round-trip exactly like hardware for
// the bitfields this engine touches; there is no barrier to model.
type SimRegisterIO struct {
	mu sync.Mutex

	pmcr      uint32
	cntenset  uint64
	intenset  uint64
	ovsclr    uint64
	selected  uint8
	typers    [CycleCounterSlot + 1]EventTyper
	counters  [MaxHardwareCounters]uint32
	cycleCntr uint64
	ids       IDRegisters

	// CountersTick, when non-zero, advances the counter being read (the
	// slot passed to ReadCounter, or the cycle counter for
	// ReadCycleCounter) by this amount on every read while that counter is
	// enabled, letting tests simulate elapsed events without a real clock.
	CountersTick uint32
}

// NewSimRegisterIO constructs a simulated backend with the given
// advertised number of general-purpose counters and ID register values.
func NewSimRegisterIO(numGPC uint8, ids IDRegisters) *SimRegisterIO {
	s := &SimRegisterIO{ids: ids}
	s.pmcr = uint32(numGPC&pmcrNMask) << pmcrNShift
	return s
}

// DefaultSimIDRegisters models a PMUv3.1 CPU without SPE: recent
// enough to be realistic, old enough to exercise the 32-bit overflow
// extension.
func DefaultSimIDRegisters() IDRegisters {
	return IDRegisters{
		DFR0EL1:     0x4 << 8,   // PMUv3
		MIDREL1:     0x410FD4C0, // Arm implementer, Cortex-ish part
		AA64DFR0EL1: 0x4 << 8,   // PMUVer = 3.1, PMSVer = 0
	}
}

// NewSimRegisterIOFactory yields one independent simulated register
// file per core, each ticking its enabled counters on every read.
func NewSimRegisterIOFactory(numGPC uint8) func(core int) RegisterIO {
	regs := make(map[int]*SimRegisterIO)
	var mu sync.Mutex
	return func(core int) RegisterIO {
		mu.Lock()
		defer mu.Unlock()
		if r, ok := regs[core]; ok {
			return r
		}
		r := NewSimRegisterIO(numGPC, DefaultSimIDRegisters())
		r.CountersTick = 997
		regs[core] = r
		return r
	}
}

func (s *SimRegisterIO) ReadPMCR() PMCR {
	s.mu.Lock()
	defer s.mu.Unlock()
	return UnmarshalPMCR(s.pmcr)
}

func (s *SimRegisterIO) WritePMCR(p PMCR) {
	s.mu.Lock()
	defer s.mu.Unlock()
	numGPC := (s.pmcr >> pmcrNShift) & pmcrNMask
	s.pmcr = p.Marshal() | (numGPC << pmcrNShift)
	if p.EventCounterReset {
		for i := range s.counters {
			s.counters[i] = 0
		}
	}
	if p.CycleCounterReset {
		s.cycleCntr = 0
	}
}

func (s *SimRegisterIO) EnableCounters(mask uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cntenset |= mask
}

func (s *SimRegisterIO) DisableCounters(mask uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cntenset &^= mask
}

func (s *SimRegisterIO) EnableInterrupts(mask uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intenset |= mask
}

func (s *SimRegisterIO) DisableInterrupts(mask uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intenset &^= mask
}

func (s *SimRegisterIO) ReadClearOverflow() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.ovsclr
	s.ovsclr = 0
	return v
}

// SetOverflow is a test hook simulating a hardware overflow event on
// the given physical slot bitmap.
func (s *SimRegisterIO) SetOverflow(mask uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ovsclr |= mask
}

func (s *SimRegisterIO) SelectCounter(slot uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selected = slot
}

func (s *SimRegisterIO) WriteEventType(t EventTyper) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.typers[s.selected] = t
}

// EventTypeOf is a test accessor for the typer last written to a slot.
func (s *SimRegisterIO) EventTypeOf(slot uint8) EventTyper {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.typers[slot]
}

func (s *SimRegisterIO) ReadCounter(slot uint8) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cntenset&(1<<slot) != 0 {
		s.counters[slot] += s.CountersTick
	}
	return s.counters[slot]
}

func (s *SimRegisterIO) WriteCounter(slot uint8, value uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[slot] = value
}

func (s *SimRegisterIO) ReadCycleCounter() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cntenset&(1<<CycleCounterSlot) != 0 {
		s.cycleCntr += uint64(s.CountersTick)
	}
	return s.cycleCntr
}

func (s *SimRegisterIO) WriteCycleCounter(value uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Hardware reload only ever touches the low 32 bits; the high half
	// of PMCCNTR is left untouched, which is what the sampler's
	// 0xFFFFFFFF-interval reload relies on.
	s.cycleCntr = (s.cycleCntr &^ 0xffffffff) | (value & 0xffffffff)
}

func (s *SimRegisterIO) ReadIDRegisters() IDRegisters {
	return s.ids
}

var _ RegisterIO = (*SimRegisterIO)(nil)
