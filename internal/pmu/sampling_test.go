package pmu

import (
	"testing"

	"wperf-engine/internal/pmuerr"
)

func newSamplingRig(t *testing.T, numGPC uint8) (*SamplingEngine, *CoreState, *SimRegisterIO) {
	t.Helper()
	pool := NewCounterPool(NewSimHostAllocator(), numGPC)
	free, err := pool.Probe()
	if err != nil {
		t.Fatalf("Probe() error: %v", err)
	}
	if err := pool.Reserve(free); err != nil {
		t.Fatalf("Reserve() error: %v", err)
	}
	regs := NewSimRegisterIO(numGPC, DefaultSimIDRegisters())
	core := newCoreState(0, regs)
	return NewSamplingEngine(NewEventScheduler(pool)), core, regs
}

func TestSampleSetSourcesValidation(t *testing.T) {
	eng, core, _ := newSamplingRig(t, 2)

	tests := []struct {
		name string
		srcs []SampleSource
		code pmuerr.Code
	}{
		{
			name: "zero interval",
			srcs: []SampleSource{{Event: EventInstRetired, Interval: 0}},
			code: pmuerr.InvalidParameter,
		},
		{
			name: "more sources than counters",
			srcs: []SampleSource{
				{Event: EventInstRetired, Interval: 100},
				{Event: EventL1DCache, Interval: 100},
				{Event: EventBRRetired, Interval: 100},
			},
			code: pmuerr.InvalidParameter,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := eng.SetSources(core, tt.srcs)
			if pmuerr.CodeOf(err) != tt.code {
				t.Errorf("SetSources() error = %v, want %v", err, tt.code)
			}
		})
	}

	// Cycle does not occupy a general counter, so two general events
	// plus cycle fit on two counters.
	ok := []SampleSource{
		{Event: EventCycle, Interval: 100000},
		{Event: EventInstRetired, Interval: 100},
		{Event: EventL1DCache, Interval: 100},
	}
	if err := eng.SetSources(core, ok); err != nil {
		t.Errorf("SetSources() error: %v", err)
	}
}

func TestSampleStartProgramsReloadValues(t *testing.T) {
	eng, core, regs := newSamplingRig(t, 4)
	srcs := []SampleSource{
		{Event: EventBRMisPredRetired, Interval: 100, Filter: FilterExclEL1},
		{Event: EventCycle, Interval: 100000},
	}
	if err := eng.SetSources(core, srcs); err != nil {
		t.Fatalf("SetSources() error: %v", err)
	}
	if err := eng.Start(core); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	// Counter 0 reloads so the next overflow fires after 100 events.
	if got := regs.counters[0]; got != 0xFFFFFFFF-100 {
		t.Errorf("counter 0 = %#x, want %#x", got, uint32(0xFFFFFFFF-100))
	}
	// The cycle counter writes only the low 32 bits.
	if got := regs.cycleCntr; got != uint64(0xFFFFFFFF-100000) {
		t.Errorf("cycle counter = %#x, want %#x", got, uint64(0xFFFFFFFF-100000))
	}
	wantMask := uint64(1) | 1<<CycleCounterSlot
	if core.overflowMask != wantMask {
		t.Errorf("overflowMask = %#x, want %#x", core.overflowMask, wantMask)
	}
	if regs.intenset != wantMask {
		t.Errorf("PMINTENSET = %#x, want %#x", regs.intenset, wantMask)
	}
	// Sampling keeps LC clear so the cycle overflow fires on the
	// 32-bit wrap.
	if regs.ReadPMCR().LongCycleCount {
		t.Error("PMCR.LC set while sampling")
	}
}

func TestSampleStartWithoutSources(t *testing.T) {
	eng, core, _ := newSamplingRig(t, 4)
	err := eng.Start(core)
	if pmuerr.CodeOf(err) != pmuerr.InvalidDeviceState {
		t.Errorf("Start() error = %v, want InvalidDeviceState", err)
	}
}

func TestHandleOverflowCapturesAndReloads(t *testing.T) {
	eng, core, regs := newSamplingRig(t, 4)
	srcs := []SampleSource{{Event: EventInstRetired, Interval: 100}}
	if err := eng.SetSources(core, srcs); err != nil {
		t.Fatalf("SetSources() error: %v", err)
	}
	if err := eng.Start(core); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	// Counter wrapped; the PMI path captures PC/LR and reloads.
	regs.WriteCounter(0, 5)
	eng.HandleOverflow(core, TrapFrame{PC: 0x1000, LR: 0x2000}, 1)

	generated, dropped := core.SampleStats()
	if generated != 1 || dropped != 0 {
		t.Fatalf("stats = %d/%d, want 1/0", generated, dropped)
	}
	samples := core.drainSamples()
	if len(samples) != 1 {
		t.Fatalf("got %d samples, want 1", len(samples))
	}
	if samples[0].PC != 0x1000 || samples[0].LR != 0x2000 || samples[0].OverflowMask != 1 {
		t.Errorf("sample = %+v", samples[0])
	}
	if got := regs.counters[0]; got != 0xFFFFFFFF-100 {
		t.Errorf("counter not reloaded: %#x", got)
	}
	// Counters are running again after the capture.
	if regs.cntenset&1 == 0 {
		t.Error("counter 0 not re-enabled after capture")
	}
}

func TestHandleOverflowDropsOnFullRing(t *testing.T) {
	eng, core, _ := newSamplingRig(t, 4)
	srcs := []SampleSource{{Event: EventInstRetired, Interval: 100}}
	if err := eng.SetSources(core, srcs); err != nil {
		t.Fatalf("SetSources() error: %v", err)
	}
	if err := eng.Start(core); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	for i := 0; i < SampleChainBufferSize+10; i++ {
		eng.HandleOverflow(core, TrapFrame{PC: uint64(i)}, 1)
	}

	generated, dropped := core.SampleStats()
	if generated != SampleChainBufferSize+10 {
		t.Errorf("generated = %d, want %d", generated, SampleChainBufferSize+10)
	}
	if dropped != 10 {
		t.Errorf("dropped = %d, want 10", dropped)
	}
	if core.sampleIdx != SampleChainBufferSize {
		t.Errorf("sampleIdx = %d, exceeds capacity", core.sampleIdx)
	}

	// Samples appear in observation order.
	samples := core.drainSamples()
	for i, s := range samples {
		if s.PC != uint64(i) {
			t.Fatalf("sample %d out of order: pc=%d", i, s.PC)
		}
	}
	if core.sampleIdx != 0 {
		t.Errorf("drain did not reset ring head")
	}
}

func TestHandleOverflowDropsOnContention(t *testing.T) {
	eng, core, _ := newSamplingRig(t, 4)
	srcs := []SampleSource{{Event: EventInstRetired, Interval: 100}}
	if err := eng.SetSources(core, srcs); err != nil {
		t.Fatalf("SetSources() error: %v", err)
	}
	if err := eng.Start(core); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	// A drain in progress holds the ring lock; the ISR must drop, not
	// block.
	core.sampleLock.Lock()
	eng.HandleOverflow(core, TrapFrame{PC: 0x1000}, 1)
	core.sampleLock.Unlock()

	generated, dropped := core.SampleStats()
	if generated != 1 || dropped != 1 {
		t.Errorf("stats = %d/%d, want 1/1", generated, dropped)
	}
}

func TestSamplingStopKeepsRing(t *testing.T) {
	eng, core, regs := newSamplingRig(t, 4)
	srcs := []SampleSource{{Event: EventInstRetired, Interval: 100}}
	if err := eng.SetSources(core, srcs); err != nil {
		t.Fatalf("SetSources() error: %v", err)
	}
	if err := eng.Start(core); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	eng.HandleOverflow(core, TrapFrame{PC: 0xAB}, 1)

	eng.Stop(core)
	if regs.intenset != 0 {
		t.Errorf("interrupts still enabled after Stop: %#x", regs.intenset)
	}
	// The ring survives stop for a final drain.
	if got := core.drainSamples(); len(got) != 1 || got[0].PC != 0xAB {
		t.Errorf("post-stop drain = %+v, want the captured sample", got)
	}
}
