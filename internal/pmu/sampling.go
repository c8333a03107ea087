package pmu

import (
	"wperf-engine/internal/pmuerr"
)

// SampleSource is one (event, interval) pair from SAMPLE_SET_SRC. A
// zero interval disables sampling for that event.
type SampleSource struct {
	Event    EventID
	Interval uint32
	Filter   FilterFlags
}

// SamplingEngine programs counters so that they overflow every
// Interval events, and captures {PC, LR, overflow bitmap} records from
// the PMI path into the core's ring buffer.
//
// SetSources, Start and Stop run on the core worker; HandleOverflow is
// the interrupt path and runs wherever the host delivers the PMI.
type SamplingEngine struct {
	sched *EventScheduler
}

func NewSamplingEngine(sched *EventScheduler) *SamplingEngine {
	return &SamplingEngine{sched: sched}
}

// SetSources validates and installs the sampling plan for a core. The
// cycle event binds to the dedicated cycle counter; general events must
// all fit simultaneously — sampling never multiplexes, so more sources
// than reserved counters is an error, not a grouping problem.
func (e *SamplingEngine) SetSources(c *CoreState, srcs []SampleSource) error {
	general := 0
	for _, s := range srcs {
		if s.Interval == 0 {
			return pmuerr.New(pmuerr.InvalidParameter, "zero sample interval")
		}
		if s.Event != EventCycle {
			general++
		}
	}
	if general > int(e.sched.pool.NumFreeGPC()) {
		return pmuerr.New(pmuerr.InvalidParameter, "more sample sources than counters")
	}
	c.resetSampling()
	c.sampleSrcs = append(c.sampleSrcs[:0], srcs...)
	return nil
}

// Start programs every source with an initial value of
// 0xFFFFFFFF−interval so the first overflow fires after exactly one
// interval, unmasks the overflow interrupts and enables the counters.
// The cycle counter keeps PMCR.LC clear while sampling so its overflow
// fires when the low 32 bits wrap.
func (e *SamplingEngine) Start(c *CoreState) error {
	if len(c.sampleSrcs) == 0 {
		return pmuerr.New(pmuerr.InvalidDeviceState, "no sample sources set")
	}
	var mask uint64
	pos := uint8(0)
	for _, s := range c.sampleSrcs {
		var phys uint8
		if s.Event == EventCycle {
			phys = CycleCounterSlot
		} else {
			p, err := e.sched.pool.Physical(pos)
			if err != nil {
				return err
			}
			phys = p
			pos++
		}
		c.regs.SelectCounter(phys)
		c.regs.WriteEventType(EventTyper{Event: s.Event, Filter: s.Filter})
		reload := uint32(0xFFFFFFFF) - s.Interval
		if phys == CycleCounterSlot {
			c.regs.WriteCycleCounter(uint64(reload))
		} else {
			c.regs.WriteCounter(phys, reload)
		}
		c.sampleInterval[phys] = s.Interval
		mask |= 1 << phys
	}
	c.overflowMask = mask
	c.regs.ReadClearOverflow()
	c.regs.EnableInterrupts(mask)
	c.regs.WritePMCR(PMCR{Enable: true})
	c.regs.EnableCounters(mask)
	return nil
}

// Stop disables the sampling counters and masks their interrupts. The
// ring and the generated/dropped statistics survive until the next
// SetSources, so Engine.DrainSamples and Engine.SampleStats still return
// them after stop. The broker itself refuses SAMPLE_GET and SAMPLE_STATS
// once SAMPLE_STOP has returned it to IDLE.
func (e *SamplingEngine) Stop(c *CoreState) {
	c.regs.DisableCounters(c.overflowMask)
	c.regs.DisableInterrupts(c.overflowMask)
	c.regs.ReadClearOverflow()
	c.overflowMask = 0
}

// HandleOverflow is the sampling half of the PMI path. ovFlags is the
// already-cleared overflow bitmap masked to this core's sampling
// counters; the caller guarantees it is non-empty. Samples land in ring
// order per core; a contended lock or full ring increments the drop
// counter and loses the sample, never blocks.
func (e *SamplingEngine) HandleOverflow(c *CoreState, frame TrapFrame, ovFlags uint64) {
	c.sampleGenerated.Add(1)

	if !c.sampleLock.TryLock() {
		c.sampleDropped.Add(1)
		return
	}
	if c.sampleIdx == SampleChainBufferSize {
		c.sampleLock.Unlock()
		c.sampleDropped.Add(1)
		return
	}

	c.regs.DisableCounters(c.overflowMask)

	c.samples[c.sampleIdx] = Sample{PC: frame.PC, LR: frame.LR, OverflowMask: ovFlags}
	c.sampleIdx++

	// Raw physical indexes here; no counter-map translation needed.
	for bit := uint8(0); bit <= CycleCounterSlot; bit++ {
		if ovFlags&(1<<bit) == 0 {
			continue
		}
		reload := uint32(0xFFFFFFFF) - c.sampleInterval[bit]
		if bit == CycleCounterSlot {
			c.regs.WriteCycleCounter(uint64(reload))
		} else {
			c.regs.WriteCounter(bit, reload)
		}
	}

	c.sampleLock.Unlock()
	c.regs.EnableCounters(c.overflowMask)
}
