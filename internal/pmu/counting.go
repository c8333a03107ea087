package pmu

// CountingEngine drives timed counting on a core: reset, start, stop,
// and reading accumulated totals. Hardware counters are 32-bit unless
// the CPU implements PMUv3.5 long counters; the engine widens them to
// 64 bits by crediting 2³² per overflow interrupt (see Engine.HandlePMI
// and extendOverflow).
//
// All methods run on the owning core's worker.
type CountingEngine struct {
	sched        *EventScheduler
	longCounters bool
}

func NewCountingEngine(sched *EventScheduler, ids IDRegisters) *CountingEngine {
	return &CountingEngine{
		sched:        sched,
		longCounters: ids.SupportsLongCounters(),
	}
}

// Reset zeros the accumulated totals, the hardware counters, the
// overflow flags and the multiplex round, returning the core to a known
// state before Start.
func (e *CountingEngine) Reset(c *CoreState) {
	c.regs.DisableCounters(^uint64(0))
	c.regs.WritePMCR(PMCR{
		EventCounterReset: true,
		CycleCounterReset: true,
		LongCycleCount:    true,
	})
	c.regs.ReadClearOverflow()
	for i := range c.accum {
		c.accum[i] = 0
		c.scheduledTicks[i] = 0
	}
	c.cycleAccum = 0
	c.timerRound = 0
	c.groupIdx = 0
}

// Start programs the current group, unmasks overflow interrupts for the
// 64-bit extension when the hardware lacks long counters, and enables
// the counters. The caller starts the multiplex timer when
// sched.Multiplexed(c) holds.
func (e *CountingEngine) Start(c *CoreState) error {
	if err := e.sched.ProgramCurrentGroup(c); err != nil {
		return err
	}
	mask := e.sched.EnabledMask(c)
	if e.longCounters {
		c.countOverflowMask = 0
	} else {
		// The cycle counter runs with PMCR.LC set and only wraps at 64
		// bits, so it never needs the extension.
		c.countOverflowMask = mask &^ (1 << CycleCounterSlot)
		c.regs.EnableInterrupts(c.countOverflowMask)
	}
	c.regs.WritePMCR(PMCR{Enable: true, LongCycleCount: true})
	c.regs.EnableCounters(mask)
	return nil
}

// Stop disables the counters and folds the live group and the cycle
// counter into the accumulated totals. Idempotent: a second Stop finds
// zeroed registers and accumulates nothing.
func (e *CountingEngine) Stop(c *CoreState) {
	mask := e.sched.EnabledMask(c)
	c.regs.DisableCounters(mask)
	if c.countOverflowMask != 0 {
		c.regs.DisableInterrupts(c.countOverflowMask)
		c.countOverflowMask = 0
	}
	e.sched.AccumulateCurrentGroup(c, false)
	if c.hasCycle {
		c.cycleAccum += c.regs.ReadCycleCounter()
		c.regs.WritePMCR(PMCR{CycleCounterReset: true, LongCycleCount: true})
	}
}

// ReadCore returns the running 64-bit totals: accum[i] plus the live
// register value for events in the currently scheduled group. The cycle
// total, when assigned, is first. Totals for unscheduled groups are
// unchanged since their last multiplex snapshot; ScheduledTicks and
// TotalTicks let consumers scale.
func (e *CountingEngine) ReadCore(c *CoreState, running bool) []CounterTotal {
	var out []CounterTotal
	if c.hasCycle {
		v := c.cycleAccum
		if running {
			v += c.regs.ReadCycleCounter()
		}
		out = append(out, CounterTotal{
			Event:          EventCycle,
			Value:          v,
			ScheduledTicks: c.timerRound,
			TotalTicks:     c.timerRound,
		})
	}
	live := make(map[int]uint8) // event index -> physical slot
	if running && len(c.groups) > 0 {
		for pos, idx := range c.groups[c.groupIdx] {
			phys, _ := e.sched.pool.Physical(uint8(pos))
			live[idx] = phys
		}
	}
	for i, ev := range c.events {
		v := c.accum[i]
		sched := c.scheduledTicks[i]
		if phys, ok := live[i]; ok {
			v += uint64(c.regs.ReadCounter(phys))
			if len(c.groups) < 2 {
				// Single group: the event is live every round.
				sched = c.timerRound
			}
		}
		out = append(out, CounterTotal{
			Event:          ev.Event,
			Value:          v,
			ScheduledTicks: sched,
			TotalTicks:     c.timerRound,
		})
	}
	return out
}

// extendOverflow credits 2³² to the accumulated total of the event
// occupying the given physical slot in the current group. Runs on the
// core worker, posted from the PMI handler for non-sampling overflows.
func (e *CountingEngine) extendOverflow(c *CoreState, phys uint8) {
	if len(c.groups) == 0 {
		return
	}
	for pos, idx := range c.groups[c.groupIdx] {
		p, _ := e.sched.pool.Physical(uint8(pos))
		if p == phys {
			c.accum[idx] += 1 << 32
			return
		}
	}
}
