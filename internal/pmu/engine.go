package pmu

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"wperf-engine/internal/pmuerr"
	"wperf-engine/internal/wplog"

	"github.com/phuslu/log"
)

// Options configures Engine construction. RegisterIOFactory yields the
// register backend for each core: the hardware backend is shared (the
// per-core worker provides the affinity), the simulated backend gets
// one register file per core.
type Options struct {
	NumCores          int
	RegisterIOFactory func(core int) RegisterIO
	Allocator         HostCounterAllocator
	MultiplexInterval time.Duration

	// KernelMode, when false, forces the EL1-exclusion filter onto every
	// assignment so counters only observe user-level execution.
	KernelMode bool
}

// DefaultMultiplexInterval is the group-rotation period when the
// configuration does not override it.
const DefaultMultiplexInterval = 10 * time.Millisecond

// HWConfig is the QUERY_HW_CFG payload: what the probe discovered about
// this machine's PMU.
type HWConfig struct {
	NumGPC                uint8
	FreeGPC               uint8
	CycleCounterSupported bool
	PMUVer                uint8
	AA64PMUVer            uint8
	AA64PMSVer            uint8
	MIDR                  uint64
	CounterIdxMap         []uint8
}

// CoreCounts is one core's READ_COUNTING result.
type CoreCounts struct {
	Core     uint32
	Counters []CounterTotal
}

// Engine owns every per-core record and the counter reservation; it is
// created once at init, handed to the command broker, and destroyed at
// teardown. There are no package-level globals: everything lives on
// this one owned object.
type Engine struct {
	log log.Logger

	ids      IDRegisters
	numGPC   uint8
	pool     *CounterPool
	sched    *EventScheduler
	counting *CountingEngine
	sampling *SamplingEngine
	cores    []*CoreState

	muxInterval time.Duration
	kernelMode  bool

	running atomic.Bool

	timerMu   sync.Mutex
	timerStop chan struct{}
	timerDone chan struct{}
}

// NewEngine runs the init sequence: probe CPU features, allocate the
// per-core records, probe and reserve hardware counters, publish them
// to the host's thread-profiling API, start the per-core workers and
// run a one-shot reset on every core. Any failure rolls back the
// earlier steps in reverse order.
func NewEngine(opts Options) (*Engine, error) {
	if opts.NumCores <= 0 {
		return nil, pmuerr.New(pmuerr.InvalidParameter, "need at least one core")
	}
	if opts.RegisterIOFactory == nil || opts.Allocator == nil {
		return nil, pmuerr.New(pmuerr.InvalidParameter, "register backend and allocator required")
	}
	muxInterval := opts.MultiplexInterval
	if muxInterval <= 0 {
		muxInterval = DefaultMultiplexInterval
	}

	e := &Engine{
		log:         wplog.GetEngineLogger(),
		muxInterval: muxInterval,
		kernelMode:  opts.KernelMode,
	}

	probe := opts.RegisterIOFactory(0)
	e.ids = probe.ReadIDRegisters()
	e.numGPC = probe.ReadPMCR().NumGPC
	if e.numGPC == 0 {
		return nil, pmuerr.New(pmuerr.Unsupported, "PMU reports no general-purpose counters")
	}

	e.pool = NewCounterPool(opts.Allocator, e.numGPC)
	free, err := e.pool.Probe()
	if err != nil {
		return nil, fmt.Errorf("counter probe: %w", err)
	}
	if err := e.pool.Reserve(free); err != nil {
		return nil, fmt.Errorf("counter reserve: %w", err)
	}
	if err := e.pool.ConfigureThreadProfiling(); err != nil {
		e.pool.Release()
		return nil, fmt.Errorf("thread profiling config: %w", err)
	}

	e.sched = NewEventScheduler(e.pool)
	e.counting = NewCountingEngine(e.sched, e.ids)
	e.sampling = NewSamplingEngine(e.sched)

	e.cores = make([]*CoreState, opts.NumCores)
	for i := range e.cores {
		e.cores[i] = newCoreState(i, opts.RegisterIOFactory(i))
		go e.cores[i].run()
	}

	for _, c := range e.cores {
		c.submitWait(func() { e.counting.Reset(c) })
	}

	e.running.Store(true)
	e.log.Info().
		Int("cores", opts.NumCores).
		Uint8("num_gpc", e.numGPC).
		Uint8("free_gpc", e.pool.NumFreeGPC()).
		Uint8("aa64_pmu_ver", e.ids.AA64PMUVersion()).
		Bool("long_counters", e.ids.SupportsLongCounters()).
		Msg("PMU engine initialised")
	return e, nil
}

// Close tears the engine down: stops the multiplex timer, drains and
// stops every core worker, and releases the counter reservation.
// Teardown never fails; it is safe to call more than once.
func (e *Engine) Close() {
	if !e.running.CompareAndSwap(true, false) {
		return
	}
	e.stopMuxTimer()
	for _, c := range e.cores {
		c.submitWait(func() {
			e.counting.Stop(c)
			e.sampling.Stop(c)
		})
		c.stop()
	}
	if err := e.pool.Release(); err != nil {
		e.log.Warn().Err(err).Msg("counter release failed during teardown")
	}
	e.log.Info().Msg("PMU engine torn down")
}

// Running reports whether teardown has begun; the broker refuses new
// commands with Cancelled once it is false.
func (e *Engine) Running() bool { return e.running.Load() }

// NumCores returns the number of per-core records.
func (e *Engine) NumCores() int { return len(e.cores) }

// IDRegisters returns the feature registers probed at init, for the
// peripheral units that gate on them.
func (e *Engine) IDRegisters() IDRegisters { return e.ids }

// HWConfig answers QUERY_HW_CFG.
func (e *Engine) HWConfig() HWConfig {
	return HWConfig{
		NumGPC:                e.numGPC,
		FreeGPC:               e.pool.NumFreeGPC(),
		CycleCounterSupported: true,
		PMUVer:                e.ids.PMUVersion(),
		AA64PMUVer:            e.ids.AA64PMUVersion(),
		AA64PMSVer:            e.ids.AA64PMSVersion(),
		MIDR:                  e.ids.MIDREL1,
		CounterIdxMap:         e.pool.CounterIdxMap(),
	}
}

func (e *Engine) coresFromMask(mask uint64) ([]*CoreState, error) {
	if mask == 0 {
		return nil, pmuerr.New(pmuerr.InvalidParameter, "empty core bitmap")
	}
	var out []*CoreState
	for i, c := range e.cores {
		if mask&(1<<uint(i)) != 0 {
			out = append(out, c)
		}
	}
	if mask>>uint(len(e.cores)) != 0 {
		return nil, pmuerr.New(pmuerr.InvalidParameter, "core bitmap names unknown cores")
	}
	return out, nil
}

// AssignEvents installs the assignment list on every core in the
// bitmap. Unless kernelMode is set, the EL1-exclusion filter is forced
// onto every event. Failure on any core rolls back the cores already
// programmed in this call, so a failed assign leaves no partial
// programming.
func (e *Engine) AssignEvents(coreMask uint64, assignments []EventAssignment, kernelMode bool) error {
	if !e.running.Load() {
		return pmuerr.New(pmuerr.Cancelled, "engine shutting down")
	}
	if len(assignments) == 0 {
		return pmuerr.New(pmuerr.InvalidParameter, "no events to assign")
	}
	if !kernelMode {
		for i := range assignments {
			assignments[i].Filter |= FilterExclEL1
		}
	}
	cores, err := e.coresFromMask(coreMask)
	if err != nil {
		return err
	}
	var donecores []*CoreState
	for _, c := range cores {
		var aerr error
		c.submitWait(func() { aerr = e.sched.Assign(c, assignments) })
		if aerr != nil {
			for _, d := range donecores {
				d := d
				d.submitWait(func() { e.sched.Assign(d, nil) })
			}
			return aerr
		}
		donecores = append(donecores, c)
	}
	return nil
}

// DefaultAssignments builds the default event set (the cycle counter
// plus general events in table order), used when a client starts
// counting without an explicit EVENTS_ASSIGN. maxEvents caps the
// general events taken from the table; zero means free_gpc. A cap above
// free_gpc is honoured as given, and the extra events are multiplexed.
func (e *Engine) DefaultAssignments(maxEvents int) []EventAssignment {
	if maxEvents <= 0 {
		maxEvents = int(e.pool.NumFreeGPC())
	}
	out := make([]EventAssignment, 0, maxEvents+1)
	general := 0
	for _, d := range DefaultEvents {
		if d.ID != EventCycle {
			if general == maxEvents {
				break
			}
			general++
		}
		out = append(out, EventAssignment{Event: d.ID, Filter: FilterExclEL1})
	}
	return out
}

// ResetCounting zeros totals and hardware state on the masked cores.
func (e *Engine) ResetCounting(coreMask uint64) error {
	if !e.running.Load() {
		return pmuerr.New(pmuerr.Cancelled, "engine shutting down")
	}
	cores, err := e.coresFromMask(coreMask)
	if err != nil {
		return err
	}
	for _, c := range cores {
		c := c
		c.submitWait(func() { e.counting.Reset(c) })
	}
	return nil
}

// StartCounting enables the masked cores' counters and starts the
// group-rotation timer when any of them multiplexes.
func (e *Engine) StartCounting(coreMask uint64) error {
	if !e.running.Load() {
		return pmuerr.New(pmuerr.Cancelled, "engine shutting down")
	}
	cores, err := e.coresFromMask(coreMask)
	if err != nil {
		return err
	}
	needTimer := false
	for _, c := range cores {
		c := c
		var serr error
		c.submitWait(func() { serr = e.counting.Start(c) })
		if serr != nil {
			return serr
		}
		if e.sched.Multiplexed(c) {
			needTimer = true
		}
	}
	if needTimer {
		e.startMuxTimer(cores)
	}
	return nil
}

// StopCounting disables the masked cores' counters and folds the live
// group into the totals. Stop after stop is a no-op.
func (e *Engine) StopCounting(coreMask uint64) error {
	if !e.running.Load() {
		return pmuerr.New(pmuerr.Cancelled, "engine shutting down")
	}
	cores, err := e.coresFromMask(coreMask)
	if err != nil {
		return err
	}
	e.stopMuxTimer()
	for _, c := range cores {
		c := c
		c.submitWait(func() { e.counting.Stop(c) })
	}
	return nil
}

// ReadCounting returns the running totals for every core in the mask.
func (e *Engine) ReadCounting(coreMask uint64) ([]CoreCounts, error) {
	if !e.running.Load() {
		return nil, pmuerr.New(pmuerr.Cancelled, "engine shutting down")
	}
	cores, err := e.coresFromMask(coreMask)
	if err != nil {
		return nil, err
	}
	out := make([]CoreCounts, 0, len(cores))
	for _, c := range cores {
		c := c
		var totals []CounterTotal
		c.submitWait(func() { totals = e.counting.ReadCore(c, true) })
		out = append(out, CoreCounts{Core: uint32(c.index), Counters: totals})
	}
	return out, nil
}

// SetSampleSources installs the sampling plan on every core.
func (e *Engine) SetSampleSources(srcs []SampleSource) error {
	if !e.running.Load() {
		return pmuerr.New(pmuerr.Cancelled, "engine shutting down")
	}
	if !e.kernelMode {
		for i := range srcs {
			srcs[i].Filter |= FilterExclEL1
		}
	}
	for _, c := range e.cores {
		c := c
		var serr error
		c.submitWait(func() { serr = e.sampling.SetSources(c, srcs) })
		if serr != nil {
			return serr
		}
	}
	return nil
}

// StartSampling arms the sampling counters on every core.
func (e *Engine) StartSampling() error {
	if !e.running.Load() {
		return pmuerr.New(pmuerr.Cancelled, "engine shutting down")
	}
	for _, c := range e.cores {
		c := c
		var serr error
		c.submitWait(func() { serr = e.sampling.Start(c) })
		if serr != nil {
			return serr
		}
	}
	return nil
}

// StopSampling disarms sampling everywhere; the rings keep their
// contents for a final DrainSamples.
func (e *Engine) StopSampling() {
	if !e.running.Load() {
		return
	}
	for _, c := range e.cores {
		c := c
		c.submitWait(func() { e.sampling.Stop(c) })
	}
}

// DrainSamples empties one core's ring.
func (e *Engine) DrainSamples(core int) ([]Sample, error) {
	if core < 0 || core >= len(e.cores) {
		return nil, pmuerr.New(pmuerr.InvalidParameter, "core out of range")
	}
	return e.cores[core].drainSamples(), nil
}

// SampleStats returns one core's generated/dropped counters.
func (e *Engine) SampleStats(core int) (generated, dropped uint64, err error) {
	if core < 0 || core >= len(e.cores) {
		return 0, 0, pmuerr.New(pmuerr.InvalidParameter, "core out of range")
	}
	g, d := e.cores[core].SampleStats()
	return g, d, nil
}

// HandlePMI is the performance-monitor interrupt entry point for one
// core. It takes-and-clears the overflow flags, routes sampling bits to
// the sampler inline, and posts counting-extension bits to the core
// worker as deferred work. Spurious interrupts (no bit we own) return
// without touching anything else.
func (e *Engine) HandlePMI(core int, frame TrapFrame) {
	if core < 0 || core >= len(e.cores) || !e.running.Load() {
		return
	}
	c := e.cores[core]
	ov := c.regs.ReadClearOverflow()

	if sampleBits := ov & c.overflowMask; sampleBits != 0 {
		e.sampling.HandleOverflow(c, frame, sampleBits)
	}
	if countBits := ov & c.countOverflowMask; countBits != 0 {
		for bit := uint8(0); bit < CycleCounterSlot; bit++ {
			if countBits&(1<<bit) == 0 {
				continue
			}
			phys := bit
			c.submitAsync(func() { e.counting.extendOverflow(c, phys) })
		}
	}
}

func (e *Engine) startMuxTimer(cores []*CoreState) {
	e.timerMu.Lock()
	defer e.timerMu.Unlock()
	if e.timerStop != nil {
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	e.timerStop = stop
	e.timerDone = done
	go func() {
		defer close(done)
		ticker := time.NewTicker(e.muxInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				for _, c := range cores {
					c := c
					c.submitAsync(func() { e.sched.Rotate(c) })
				}
			}
		}
	}()
}

func (e *Engine) stopMuxTimer() {
	e.timerMu.Lock()
	defer e.timerMu.Unlock()
	if e.timerStop == nil {
		return
	}
	close(e.timerStop)
	<-e.timerDone
	e.timerStop = nil
	e.timerDone = nil
}
