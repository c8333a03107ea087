package pmu

import (
	"sync"
	"sync/atomic"
)

// SampleChainBufferSize is the fixed capacity of each core's sample ring.
const SampleChainBufferSize = 128

// Sample is one record captured by the PMI handler: the interrupted
// program counter and link register plus the bitmap of physical
// counters that had overflowed when the interrupt was taken.
type Sample struct {
	PC           uint64
	LR           uint64
	OverflowMask uint64
}

// TrapFrame carries the interrupted context the host hands to the PMI
// handler. Only PC and LR are captured into samples.
type TrapFrame struct {
	PC uint64
	LR uint64
}

// CounterTotal is one logical slot's running total as returned by
// ReadCore. ScheduledTicks counts the multiplex rounds during which the
// slot's group was live; TotalTicks counts all rounds, so consumers can
// scale totals by ScheduledTicks/TotalTicks.
type CounterTotal struct {
	Event          EventID
	Value          uint64
	ScheduledTicks uint64
	TotalTicks     uint64
}

// CoreState is the per-CPU record: assigned events, multiplex groups,
// accumulated totals, the sample ring and its lock, and the core's
// deferred-work queue. All fields except the ring and the atomic
// counters are written only by the core's worker goroutine or by a
// passive-level handler while the core is quiesced.
type CoreState struct {
	index int
	regs  RegisterIO

	// Counting configuration, owned by the core worker.
	events      []EventAssignment // general events, logical order
	hasCycle    bool
	cycleFilter FilterFlags
	groups      [][]int // indices into events, each group ≤ free_gpc
	groupIdx    int

	accum          []uint64 // per logical event index
	scheduledTicks []uint64 // per logical event index
	cycleAccum     uint64
	timerRound     uint64 // monotonic multiplex round counter

	// Sampling configuration. sampleInterval is indexed by raw physical
	// slot so the PMI handler never needs the counter map.
	sampleInterval [CycleCounterSlot + 1]uint32
	overflowMask   uint64

	// countOverflowMask marks counters whose overflow interrupts feed
	// the 64-bit counting extension rather than the sampler.
	countOverflowMask uint64

	sampleSrcs []SampleSource

	// The sample ring. The PMI handler acquires sampleLock with TryLock
	// only; the drain path blocks on it.
	sampleLock sync.Mutex
	samples    [SampleChainBufferSize]Sample
	sampleIdx  int

	sampleGenerated atomic.Uint64
	sampleDropped   atomic.Uint64

	// Deferred-work queue, FIFO within the core.
	work chan workItem
	done chan struct{}
}

type workItem struct {
	fn       func()
	complete chan struct{}
}

func newCoreState(index int, regs RegisterIO) *CoreState {
	return &CoreState{
		index: index,
		regs:  regs,
		work:  make(chan workItem, 64),
		done:  make(chan struct{}),
	}
}

// run is the core's worker loop, the analogue of a per-core DPC
// context: items execute one at a time, in submission order, and never
// block on each other.
func (c *CoreState) run() {
	defer close(c.done)
	for item := range c.work {
		item.fn()
		if item.complete != nil {
			close(item.complete)
		}
	}
}

// submit queues fn on the core's worker and returns a channel closed
// when it has run. Callers at passive level wait on it; timer ticks
// submit with a nil completion via submitAsync.
func (c *CoreState) submit(fn func()) <-chan struct{} {
	complete := make(chan struct{})
	c.work <- workItem{fn: fn, complete: complete}
	return complete
}

// submitWait runs fn on the core's worker and blocks until it finishes.
func (c *CoreState) submitWait(fn func()) {
	<-c.submit(fn)
}

// submitAsync queues fn without a completion signal. Used by the
// multiplex timer and the overflow extension, which never have a waiter.
func (c *CoreState) submitAsync(fn func()) {
	select {
	case c.work <- workItem{fn: fn}:
	default:
		// Queue full means the worker is wedged; dropping a tick is
		// preferable to blocking the timer goroutine.
	}
}

// stop closes the work queue and waits for the worker to drain.
func (c *CoreState) stop() {
	close(c.work)
	<-c.done
}

// SampleStats returns the monotonic generated/dropped counters.
func (c *CoreState) SampleStats() (generated, dropped uint64) {
	return c.sampleGenerated.Load(), c.sampleDropped.Load()
}

// drainSamples copies out every captured sample and resets the ring
// head. Runs at passive level; blocks on the ring lock (the PMI side
// never does).
func (c *CoreState) drainSamples() []Sample {
	c.sampleLock.Lock()
	defer c.sampleLock.Unlock()
	out := make([]Sample, c.sampleIdx)
	copy(out, c.samples[:c.sampleIdx])
	c.sampleIdx = 0
	return out
}

// resetSampling clears the ring, the per-slot intervals and the
// overflow mask. Caller must have quiesced the core.
func (c *CoreState) resetSampling() {
	c.sampleLock.Lock()
	c.sampleIdx = 0
	c.sampleLock.Unlock()
	for i := range c.sampleInterval {
		c.sampleInterval[i] = 0
	}
	c.overflowMask = 0
	c.sampleGenerated.Store(0)
	c.sampleDropped.Store(0)
}
