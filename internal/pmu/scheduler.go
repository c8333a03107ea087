package pmu

import (
	"wperf-engine/internal/pmuerr"
)

// MaxAssignedEvents bounds how many events a single EVENTS_ASSIGN may
// place on one core across all multiplex groups.
const MaxAssignedEvents = 64

// EventScheduler decides which events occupy which physical counters
// on a core, and partitions them into multiplex groups when the
// assignment exceeds the number of reserved general-purpose counters.
//
// All methods that touch a CoreState run on that core's worker (or at
// init before the workers start); the scheduler itself holds no
// per-core state.
type EventScheduler struct {
	pool *CounterPool
}

func NewEventScheduler(pool *CounterPool) *EventScheduler {
	return &EventScheduler{pool: pool}
}

// Assign installs the given assignments on a core. The cycle event is
// separated out and bound to the dedicated cycle counter; general
// events are partitioned contiguously, in input order, into groups of
// at most free_gpc. The last group may simply be smaller.
//
// Assign only updates the core's plan; programming the hardware happens
// via ProgramCurrentGroup from the core worker.
func (s *EventScheduler) Assign(c *CoreState, assignments []EventAssignment) error {
	freeGPC := int(s.pool.NumFreeGPC())
	if freeGPC == 0 {
		return pmuerr.New(pmuerr.InsufficientResources, "no reserved counters")
	}
	if len(assignments) > MaxAssignedEvents {
		return pmuerr.New(pmuerr.InvalidParameter, "too many events")
	}

	var general []EventAssignment
	hasCycle := false
	var cycleFilter FilterFlags
	for _, a := range assignments {
		if a.Event == EventCycle {
			hasCycle = true
			cycleFilter = a.Filter
			continue
		}
		general = append(general, a)
	}

	var groups [][]int
	for start := 0; start < len(general); start += freeGPC {
		end := start + freeGPC
		if end > len(general) {
			end = len(general)
		}
		group := make([]int, 0, end-start)
		for i := start; i < end; i++ {
			group = append(group, i)
		}
		groups = append(groups, group)
	}

	c.events = general
	c.hasCycle = hasCycle
	c.cycleFilter = cycleFilter
	c.groups = groups
	c.groupIdx = 0
	c.accum = make([]uint64, len(general))
	c.scheduledTicks = make([]uint64, len(general))
	c.cycleAccum = 0
	c.timerRound = 0
	return nil
}

// Multiplexed reports whether the core's assignment needs the rotation
// timer.
func (s *EventScheduler) Multiplexed(c *CoreState) bool {
	return len(c.groups) > 1
}

// ProgramCurrentGroup writes each live event's type register and zeros
// its counter. The filter bits land before the counter is ever enabled;
// EnabledMask is what the counting engine feeds to PMCNTENSET
// afterwards.
func (s *EventScheduler) ProgramCurrentGroup(c *CoreState) error {
	if len(c.groups) > 0 {
		for pos, idx := range c.groups[c.groupIdx] {
			phys, err := s.pool.Physical(uint8(pos))
			if err != nil {
				return err
			}
			ev := c.events[idx]
			c.regs.SelectCounter(phys)
			c.regs.WriteEventType(EventTyper{Event: ev.Event, Filter: ev.Filter})
			c.regs.WriteCounter(phys, 0)
		}
	}
	if c.hasCycle {
		c.regs.SelectCounter(CycleCounterSlot)
		c.regs.WriteEventType(EventTyper{Event: EventCycle, Filter: c.cycleFilter})
	}
	return nil
}

// EnabledMask returns the physical-counter bitmap for the core's
// current group, plus the cycle bit when the cycle event is assigned.
func (s *EventScheduler) EnabledMask(c *CoreState) uint64 {
	var mask uint64
	if len(c.groups) > 0 {
		for pos := range c.groups[c.groupIdx] {
			phys, _ := s.pool.Physical(uint8(pos))
			mask |= 1 << phys
		}
	}
	if c.hasCycle {
		mask |= 1 << CycleCounterSlot
	}
	return mask
}

// AccumulateCurrentGroup folds the live counters of the current group
// into accum[] and zeros the registers. When credit is set, each event
// in the group is credited one scheduled tick; a stop-path drain passes
// false so a partial round never outnumbers the total rounds. The cycle
// counter is left running; its accumulation happens only on stop.
func (s *EventScheduler) AccumulateCurrentGroup(c *CoreState, credit bool) {
	if len(c.groups) == 0 {
		return
	}
	for pos, idx := range c.groups[c.groupIdx] {
		phys, _ := s.pool.Physical(uint8(pos))
		c.accum[idx] += uint64(c.regs.ReadCounter(phys))
		c.regs.WriteCounter(phys, 0)
		if credit {
			c.scheduledTicks[idx]++
		}
	}
}

// Rotate advances to the next group: stops the live counters, drains
// them into accum[], programs the next group and restarts. Runs on the
// core worker on every multiplex tick.
func (s *EventScheduler) Rotate(c *CoreState) error {
	if len(c.groups) < 2 {
		c.timerRound++
		return nil
	}
	oldMask := s.EnabledMask(c)
	c.regs.DisableCounters(oldMask)
	s.AccumulateCurrentGroup(c, true)
	c.groupIdx = (c.groupIdx + 1) % len(c.groups)
	c.timerRound++
	if err := s.ProgramCurrentGroup(c); err != nil {
		return err
	}
	c.regs.EnableCounters(s.EnabledMask(c))
	return nil
}
