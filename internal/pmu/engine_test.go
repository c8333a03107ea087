package pmu

import (
	"testing"
	"time"

	"wperf-engine/internal/pmuerr"
)

// newTestEngine builds an engine over per-core simulated register
// files and returns them for overflow injection.
func newTestEngine(t *testing.T, cores int, numGPC uint8, tick uint32) (*Engine, []*SimRegisterIO) {
	t.Helper()
	regs := make([]*SimRegisterIO, cores)
	for i := range regs {
		regs[i] = NewSimRegisterIO(numGPC, DefaultSimIDRegisters())
		regs[i].CountersTick = tick
	}
	e, err := NewEngine(Options{
		NumCores:          cores,
		RegisterIOFactory: func(core int) RegisterIO { return regs[core] },
		Allocator:         NewSimHostAllocator(),
		MultiplexInterval: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewEngine() error: %v", err)
	}
	t.Cleanup(e.Close)
	return e, regs
}

func TestEngineInitAndHWConfig(t *testing.T) {
	e, _ := newTestEngine(t, 2, 6, 0)
	cfg := e.HWConfig()
	if cfg.NumGPC != 6 || cfg.FreeGPC != 6 {
		t.Errorf("HWConfig = %+v, want 6 free of 6", cfg)
	}
	if !cfg.CycleCounterSupported {
		t.Error("cycle counter not reported")
	}
	if len(cfg.CounterIdxMap) != 7 {
		t.Errorf("CounterIdxMap has %d entries, want 7", len(cfg.CounterIdxMap))
	}
	if e.NumCores() != 2 {
		t.Errorf("NumCores() = %d, want 2", e.NumCores())
	}
}

func TestEngineInitFailsWithoutFreeCounters(t *testing.T) {
	alloc := NewSimHostAllocator()
	for i := uint8(0); i < 6; i++ {
		alloc.HoldSlot(i)
	}
	_, err := NewEngine(Options{
		NumCores:          1,
		RegisterIOFactory: func(int) RegisterIO { return NewSimRegisterIO(6, DefaultSimIDRegisters()) },
		Allocator:         alloc,
	})
	if pmuerr.CodeOf(err) != pmuerr.InsufficientResources {
		t.Errorf("NewEngine() error = %v, want InsufficientResources", err)
	}
}

func TestEngineSingleEventCount(t *testing.T) {
	e, _ := newTestEngine(t, 1, 6, 997)

	if err := e.AssignEvents(1, assigns(EventInstRetired), false); err != nil {
		t.Fatalf("AssignEvents() error: %v", err)
	}
	if err := e.ResetCounting(1); err != nil {
		t.Fatalf("ResetCounting() error: %v", err)
	}
	if err := e.StartCounting(1); err != nil {
		t.Fatalf("StartCounting() error: %v", err)
	}

	counts, err := e.ReadCounting(1)
	if err != nil {
		t.Fatalf("ReadCounting() error: %v", err)
	}
	if len(counts) != 1 || len(counts[0].Counters) != 1 {
		t.Fatalf("counts = %+v, want one core, one counter", counts)
	}
	first := counts[0].Counters[0]
	if first.Value == 0 {
		t.Error("counter value is zero after counting")
	}
	// Single group: the event runs every round.
	if first.ScheduledTicks != first.TotalTicks {
		t.Errorf("scheduled %d != total %d for a single group", first.ScheduledTicks, first.TotalTicks)
	}

	if err := e.StopCounting(1); err != nil {
		t.Fatalf("StopCounting() error: %v", err)
	}
	after, err := e.ReadCounting(1)
	if err != nil {
		t.Fatalf("ReadCounting() after stop error: %v", err)
	}
	if after[0].Counters[0].Value < first.Value {
		t.Error("totals decreased across reads in one session")
	}
}

func TestEngineCycleCounterMonotonic(t *testing.T) {
	e, _ := newTestEngine(t, 1, 6, 997)
	if err := e.AssignEvents(1, assigns(EventCycle), false); err != nil {
		t.Fatalf("AssignEvents() error: %v", err)
	}
	if err := e.StartCounting(1); err != nil {
		t.Fatalf("StartCounting() error: %v", err)
	}

	first, err := e.ReadCounting(1)
	if err != nil {
		t.Fatalf("ReadCounting() error: %v", err)
	}
	second, err := e.ReadCounting(1)
	if err != nil {
		t.Fatalf("second ReadCounting() error: %v", err)
	}
	v1 := first[0].Counters[0].Value
	v2 := second[0].Counters[0].Value
	if v2 <= v1 {
		t.Errorf("cycle count not growing across reads without STOP: %d then %d", v1, v2)
	}
}

func TestEngineMultiplexSchedulesAllGroups(t *testing.T) {
	e, _ := newTestEngine(t, 1, 4, 997)
	ev := assigns(
		EventInstRetired, EventStallFrontend, EventStallBackend, EventL1ICacheRefill,
		EventL1ICache, EventL1DCacheRefill, EventL1DCache, EventBRRetired,
		EventBRMisPredRetired, EventInstSpec,
	)
	if err := e.AssignEvents(1, ev, false); err != nil {
		t.Fatalf("AssignEvents() error: %v", err)
	}
	if err := e.StartCounting(1); err != nil {
		t.Fatalf("StartCounting() error: %v", err)
	}

	// Let the 1ms rotation timer cover every group a few times over.
	time.Sleep(50 * time.Millisecond)
	if err := e.StopCounting(1); err != nil {
		t.Fatalf("StopCounting() error: %v", err)
	}

	counts, err := e.ReadCounting(1)
	if err != nil {
		t.Fatalf("ReadCounting() error: %v", err)
	}
	cs := counts[0].Counters
	if len(cs) != 10 {
		t.Fatalf("got %d counters, want 10", len(cs))
	}
	for i, ct := range cs {
		if ct.TotalTicks == 0 {
			t.Fatalf("no multiplex rounds recorded")
		}
		if ct.ScheduledTicks == 0 {
			t.Errorf("event %d never scheduled across %d rounds", i, ct.TotalTicks)
		}
		if ct.ScheduledTicks > ct.TotalTicks {
			t.Errorf("event %d scheduled %d of %d rounds", i, ct.ScheduledTicks, ct.TotalTicks)
		}
	}
}

func TestEngineAssignRejectsUnknownCores(t *testing.T) {
	e, _ := newTestEngine(t, 2, 4, 0)
	// Core bitmap names a core beyond the managed set.
	err := e.AssignEvents(0b101, assigns(EventInstRetired), false)
	if pmuerr.CodeOf(err) != pmuerr.InvalidParameter {
		t.Fatalf("AssignEvents() error = %v, want InvalidParameter", err)
	}
}

func TestEngineSamplingEndToEnd(t *testing.T) {
	e, regs := newTestEngine(t, 2, 6, 0)

	srcs := []SampleSource{{Event: EventBRMisPredRetired, Interval: 100}}
	if err := e.SetSampleSources(srcs); err != nil {
		t.Fatalf("SetSampleSources() error: %v", err)
	}
	if err := e.StartSampling(); err != nil {
		t.Fatalf("StartSampling() error: %v", err)
	}

	// Overflow on core 1 only.
	regs[1].SetOverflow(1)
	e.HandlePMI(1, TrapFrame{PC: 0xCAFE, LR: 0xBEEF})

	// Spurious interrupt on core 0: no overflow bit we own.
	e.HandlePMI(0, TrapFrame{PC: 0xDEAD})

	generated, dropped, err := e.SampleStats(1)
	if err != nil {
		t.Fatalf("SampleStats() error: %v", err)
	}
	if generated != 1 || dropped != 0 {
		t.Errorf("core 1 stats = %d/%d, want 1/0", generated, dropped)
	}
	if g0, _, _ := e.SampleStats(0); g0 != 0 {
		t.Errorf("spurious PMI generated a sample on core 0")
	}

	samples, err := e.DrainSamples(1)
	if err != nil {
		t.Fatalf("DrainSamples() error: %v", err)
	}
	if len(samples) != 1 || samples[0].PC != 0xCAFE || samples[0].LR != 0xBEEF {
		t.Errorf("samples = %+v", samples)
	}

	e.StopSampling()
}

func TestEngineDefaultAssignmentsTruncate(t *testing.T) {
	e, _ := newTestEngine(t, 1, 4, 0)
	defaults := e.DefaultAssignments(0)
	// Cycle plus free_gpc general events.
	if len(defaults) != 5 {
		t.Fatalf("got %d default events, want 5", len(defaults))
	}
	if defaults[0].Event != EventCycle {
		t.Errorf("first default = %#x, want the cycle event", defaults[0].Event)
	}
	for _, a := range defaults {
		if a.Filter&FilterExclEL1 == 0 {
			t.Errorf("default event %#x missing the EL1 exclusion", a.Event)
		}
	}
}

func TestEngineCloseCancelsCommands(t *testing.T) {
	e, _ := newTestEngine(t, 1, 6, 0)
	e.Close()
	err := e.AssignEvents(1, assigns(EventInstRetired), false)
	if pmuerr.CodeOf(err) != pmuerr.Cancelled {
		t.Errorf("AssignEvents() after Close = %v, want Cancelled", err)
	}
	// Close is safe to call again.
	e.Close()
}
