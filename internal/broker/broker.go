// Package broker is the single command-ingress point for the engine:
// it validates each command against the process-wide state machine,
// dispatches to the counting/sampling engines or a peripheral unit,
// and maps typed errors to wire status codes.
package broker

import (
	"sync"
	"sync/atomic"

	"wperf-engine/internal/dmc"
	"wperf-engine/internal/dsu"
	"wperf-engine/internal/pmu"
	"wperf-engine/internal/pmuerr"
	"wperf-engine/internal/spe"
	"wperf-engine/internal/wplog"

	"github.com/phuslu/log"
)

// Broker serialises ingress commands onto the engine. It is safe for
// concurrent use by any number of client connections; the state
// machine guarantees at most one of them drives a non-idle mode.
type Broker struct {
	log log.Logger

	engine *pmu.Engine
	dsu    *dsu.Unit
	dmc    *dmc.Unit
	spe    *spe.Unit

	status   LockStatus
	assigned atomic.Bool

	inflight sync.WaitGroup
	closed   atomic.Bool
}

// New wires a broker over the engine and the peripheral units. Units
// may be nil-sourced; their commands then fail with Unsupported.
func New(engine *pmu.Engine, dsuUnit *dsu.Unit, dmcUnit *dmc.Unit, speUnit *spe.Unit) *Broker {
	return &Broker{
		log:    wplog.GetBrokerLogger(),
		engine: engine,
		dsu:    dsuUnit,
		dmc:    dmcUnit,
		spe:    speUnit,
	}
}

// MarkAssigned records that an init-time default assignment was
// installed, so START is legal without a client EVENTS_ASSIGN.
func (b *Broker) MarkAssigned() { b.assigned.Store(true) }

// State exposes the state machine for diagnostics and metrics.
func (b *Broker) State() State { return b.status.State() }

// Close refuses new commands and waits until every in-flight command
// has completed, satisfying the teardown contract: any command either
// completes or observes Cancelled.
func (b *Broker) Close() {
	b.closed.Store(true)
	b.inflight.Wait()
}

// ClientGone releases the state machine when a client disconnects
// while owning a non-idle mode, stopping whatever it left running.
func (b *Broker) ClientGone(client uint64) {
	if !b.status.ReleaseClient(client) {
		return
	}
	b.log.Warn().Uint64("client", client).Msg("client vanished while active; stopping")
	b.engine.StopCounting(^uint64(0) >> (64 - uint(b.engine.NumCores())))
	b.engine.StopSampling()
}

// StatusOf maps a typed engine error to its wire status.
func StatusOf(err error) uint32 {
	if err == nil {
		return StatusOK
	}
	switch pmuerr.CodeOf(err) {
	case pmuerr.InsufficientResources:
		return StatusInsufficientResources
	case pmuerr.InvalidDeviceState:
		return StatusInvalidDeviceState
	case pmuerr.InvalidParameter:
		return StatusInvalidParameter
	case pmuerr.Unsupported:
		return StatusUnsupported
	case pmuerr.Cancelled:
		return StatusCancelled
	default:
		return StatusInternal
	}
}

// Handle processes one command from a client and returns the wire
// status plus the response payload.
func (b *Broker) Handle(client uint64, code uint32, in []byte) (uint32, []byte) {
	if b.closed.Load() || !b.engine.Running() {
		return StatusCancelled, nil
	}
	b.inflight.Add(1)
	defer b.inflight.Done()

	status, out, err := b.dispatch(client, code, in)
	if err != nil {
		b.log.Debug().
			Str("cmd", CmdName(code)).
			Uint64("client", client).
			Err(err).
			Msg("command failed")
		return StatusOf(err), nil
	}
	return status, out
}

func (b *Broker) dispatch(client uint64, code uint32, in []byte) (uint32, []byte, error) {
	// START is only meaningful once events exist on the cores.
	if code == CmdStart && !b.assigned.Load() {
		return 0, nil, pmuerr.New(pmuerr.InvalidDeviceState, "START before EVENTS_ASSIGN")
	}

	if err := b.status.begin(client, code); err != nil {
		return 0, nil, err
	}

	switch code {
	case CmdVersion:
		return StatusOK, EncodeVersion(VersionMajor, VersionMinor, VersionPatch), nil

	case CmdNumCores:
		return StatusOK, EncodeU32(uint32(b.engine.NumCores())), nil

	case CmdQueryHWCfg:
		return StatusOK, EncodeHWConfig(b.engine.HWConfig()), nil

	case CmdAssign:
		mask, kernelMode, events, err := DecodeAssign(in)
		if err != nil {
			return 0, nil, err
		}
		if err := b.engine.AssignEvents(mask, events, kernelMode); err != nil {
			return 0, nil, err
		}
		b.assigned.Store(true)
		return StatusOK, nil, nil

	case CmdReset:
		mask, err := DecodeCoreMask(in)
		if err != nil {
			return 0, nil, err
		}
		if err := b.engine.ResetCounting(mask); err != nil {
			return 0, nil, err
		}
		return StatusOK, nil, nil

	case CmdStart:
		mask, err := DecodeCoreMask(in)
		if err != nil {
			b.status.rollback(code)
			return 0, nil, err
		}
		if err := b.engine.StartCounting(mask); err != nil {
			b.status.rollback(code)
			return 0, nil, err
		}
		return StatusOK, nil, nil

	case CmdStop:
		mask, err := DecodeCoreMask(in)
		if err != nil {
			return 0, nil, err
		}
		if err := b.engine.StopCounting(mask); err != nil {
			return 0, nil, err
		}
		return StatusOK, nil, nil

	case CmdReadCount:
		mask, err := DecodeCoreMask(in)
		if err != nil {
			return 0, nil, err
		}
		counts, err := b.engine.ReadCounting(mask)
		if err != nil {
			return 0, nil, err
		}
		return StatusOK, EncodeCounts(counts), nil

	case CmdSampleSet:
		srcs, err := DecodeSampleSources(in)
		if err != nil {
			return 0, nil, err
		}
		if err := b.engine.SetSampleSources(srcs); err != nil {
			return 0, nil, err
		}
		return StatusOK, nil, nil

	case CmdSampleStart:
		if err := b.engine.StartSampling(); err != nil {
			b.status.rollback(code)
			return 0, nil, err
		}
		return StatusOK, nil, nil

	case CmdSampleStop:
		b.engine.StopSampling()
		return StatusOK, nil, nil

	case CmdSampleGet:
		core, err := DecodeCore(in)
		if err != nil {
			return 0, nil, err
		}
		samples, err := b.engine.DrainSamples(int(core))
		if err != nil {
			return 0, nil, err
		}
		return StatusOK, EncodeSamples(samples), nil

	case CmdSampleStats:
		core, err := DecodeCore(in)
		if err != nil {
			return 0, nil, err
		}
		generated, dropped, err := b.engine.SampleStats(int(core))
		if err != nil {
			return 0, nil, err
		}
		return StatusOK, EncodeSampleStats(generated, dropped), nil

	case CmdDSUQuery:
		n, err := b.dsu.NumCounters()
		if err != nil {
			return 0, nil, err
		}
		return StatusOK, EncodeU32(uint32(n)), nil
	case CmdDSUReset:
		return StatusOK, nil, b.dsu.Reset()
	case CmdDSUStart:
		return StatusOK, nil, b.dsu.Start()
	case CmdDSUStop:
		return StatusOK, nil, b.dsu.Stop()
	case CmdDSURead:
		vals, err := b.dsu.Read()
		if err != nil {
			return 0, nil, err
		}
		return StatusOK, EncodeU64Slice(vals), nil

	case CmdDMCQuery:
		n, err := b.dmc.NumChannels()
		if err != nil {
			return 0, nil, err
		}
		return StatusOK, EncodeU32(uint32(n)), nil
	case CmdDMCReset:
		return StatusOK, nil, b.dmc.Reset()
	case CmdDMCStart:
		return StatusOK, nil, b.dmc.Start()
	case CmdDMCStop:
		return StatusOK, nil, b.dmc.Stop()
	case CmdDMCRead:
		vals, err := b.dmc.Read()
		if err != nil {
			return 0, nil, err
		}
		return StatusOK, EncodeU64Slice(vals), nil

	case CmdSPEQuery:
		v, err := b.spe.Version()
		if err != nil {
			return 0, nil, err
		}
		return StatusOK, EncodeU32(uint32(v)), nil
	case CmdSPEStart:
		return StatusOK, nil, b.spe.Start()
	case CmdSPEStop:
		return StatusOK, nil, b.spe.Stop()
	case CmdSPEDrain:
		blob, err := b.spe.Drain()
		if err != nil {
			return 0, nil, err
		}
		return StatusOK, EncodeBlob(blob), nil

	default:
		return 0, nil, pmuerr.New(pmuerr.InvalidParameter, "unknown command code")
	}
}
