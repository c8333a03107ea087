package pmu

import "testing"

// TestPMCRRoundTrip asserts the control-register wrapper against
// canonical bit patterns from the architecture manual.
func TestPMCRRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		raw  uint32
		want PMCR
	}{
		{
			name: "enable only",
			raw:  0x1,
			want: PMCR{Enable: true},
		},
		{
			name: "enable with resets",
			raw:  0x7,
			want: PMCR{Enable: true, EventCounterReset: true, CycleCounterReset: true},
		},
		{
			name: "long cycle count",
			raw:  0x41,
			want: PMCR{Enable: true, LongCycleCount: true},
		},
		{
			name: "six counters implemented",
			raw:  6 << 11,
			want: PMCR{NumGPC: 6},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := UnmarshalPMCR(tt.raw)
			if got != tt.want {
				t.Errorf("UnmarshalPMCR(%#x) = %+v, want %+v", tt.raw, got, tt.want)
			}
			// N is read-only and must not be written back.
			if m := got.Marshal(); m != tt.raw&^(pmcrNMask<<pmcrNShift) {
				t.Errorf("Marshal() = %#x, want %#x", m, tt.raw&^(uint32(pmcrNMask)<<pmcrNShift))
			}
		})
	}
}

func TestEventTyperMarshal(t *testing.T) {
	tests := []struct {
		name  string
		typer EventTyper
		want  uint32
	}{
		{
			name:  "plain event",
			typer: EventTyper{Event: EventInstRetired},
			want:  0x08,
		},
		{
			name:  "exclude EL1",
			typer: EventTyper{Event: EventBRMisPredRetired, Filter: FilterExclEL1},
			want:  1<<30 | 0x22,
		},
		{
			name:  "exclude EL0 and EL1",
			typer: EventTyper{Event: EventCycle, Filter: FilterExclEL0 | FilterExclEL1},
			want:  1<<31 | 1<<30 | 0x11,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.typer.Marshal(); got != tt.want {
				t.Errorf("Marshal() = %#x, want %#x", got, tt.want)
			}
		})
	}
}

func TestIDRegisterDecode(t *testing.T) {
	ids := IDRegisters{
		DFR0EL1:     0x4 << 8,
		MIDREL1:     0x410FD4C0,
		AA64DFR0EL1: 0x6<<8 | 0x1<<32,
	}
	if got := ids.PMUVersion(); got != 4 {
		t.Errorf("PMUVersion() = %d, want 4", got)
	}
	if got := ids.AA64PMUVersion(); got != 6 {
		t.Errorf("AA64PMUVersion() = %d, want 6", got)
	}
	if got := ids.AA64PMSVersion(); got != 1 {
		t.Errorf("AA64PMSVersion() = %d, want 1", got)
	}
	if !ids.SupportsLongCounters() {
		t.Error("PMUVer 6 should support long counters")
	}
	if !ids.SupportsSPE() {
		t.Error("PMSVer 1 should report SPE")
	}

	m := ids.MIDR()
	if m.Implementer != 0x41 {
		t.Errorf("Implementer = %#x, want 0x41", m.Implementer)
	}
	if m.PartNum != 0xD4C {
		t.Errorf("PartNum = %#x, want 0xd4c", m.PartNum)
	}
	if m.Revision != 0 {
		t.Errorf("Revision = %d, want 0", m.Revision)
	}
}

func TestSimCycleCounterReloadKeepsHighHalf(t *testing.T) {
	regs := NewSimRegisterIO(6, IDRegisters{})
	regs.cycleCntr = 0x5_FFFF_FF00
	regs.WriteCycleCounter(0xFFFF_FF9B) // reload for interval 100
	if got := regs.cycleCntr; got != 0x5_FFFF_FF9B {
		t.Errorf("cycle counter = %#x, want high half preserved", got)
	}
}
