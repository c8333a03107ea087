package broker

import (
	"testing"

	"wperf-engine/internal/dmc"
	"wperf-engine/internal/dsu"
	"wperf-engine/internal/pmu"
	"wperf-engine/internal/spe"
)

func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	engine, err := pmu.NewEngine(pmu.Options{
		NumCores: 2,
		RegisterIOFactory: func(core int) pmu.RegisterIO {
			r := pmu.NewSimRegisterIO(6, pmu.DefaultSimIDRegisters())
			r.CountersTick = 997
			return r
		},
		Allocator: pmu.NewSimHostAllocator(),
	})
	if err != nil {
		t.Fatalf("NewEngine() error: %v", err)
	}
	t.Cleanup(engine.Close)
	return New(engine,
		dsu.NewUnit(dsu.NewSimSource(4)),
		dmc.NewUnit(nil),
		spe.NewUnit(nil, pmu.DefaultSimIDRegisters()))
}

func handle(t *testing.T, b *Broker, client uint64, code uint32, in []byte, want uint32) []byte {
	t.Helper()
	status, out := b.Handle(client, code, in)
	if status != want {
		t.Fatalf("%s: status = %d, want %d", CmdName(code), status, want)
	}
	return out
}

func TestBrokerQueries(t *testing.T) {
	b := newTestBroker(t)

	out := handle(t, b, 1, CmdVersion, nil, StatusOK)
	major, minor, patch, err := DecodeVersion(out)
	if err != nil {
		t.Fatalf("DecodeVersion() error: %v", err)
	}
	if major != VersionMajor || minor != VersionMinor || patch != VersionPatch {
		t.Errorf("version = %d.%d.%d", major, minor, patch)
	}

	out = handle(t, b, 1, CmdNumCores, nil, StatusOK)
	if n, _ := DecodeU32(out); n != 2 {
		t.Errorf("NUM_CORES = %d, want 2", n)
	}

	out = handle(t, b, 1, CmdQueryHWCfg, nil, StatusOK)
	cfg, err := DecodeHWConfig(out)
	if err != nil {
		t.Fatalf("DecodeHWConfig() error: %v", err)
	}
	if cfg.NumGPC != 6 || cfg.FreeGPC != 6 || !cfg.CycleCounterSupported {
		t.Errorf("HW config = %+v", cfg)
	}
}

func TestBrokerStartWithoutAssign(t *testing.T) {
	b := newTestBroker(t)
	handle(t, b, 1, CmdStart, EncodeCoreMask(1), StatusInvalidDeviceState)
	if b.State() != StateIdle {
		t.Errorf("state = %v after failed START, want IDLE", b.State())
	}
}

func TestBrokerCountingLifecycle(t *testing.T) {
	b := newTestBroker(t)

	events := []pmu.EventAssignment{
		{Event: pmu.EventCycle},
		{Event: pmu.EventInstRetired},
	}
	handle(t, b, 1, CmdAssign, EncodeAssign(0b11, false, events), StatusOK)
	handle(t, b, 1, CmdReset, EncodeCoreMask(0b11), StatusOK)

	// READ_COUNTING is only valid while counting.
	handle(t, b, 1, CmdReadCount, EncodeCoreMask(1), StatusInvalidDeviceState)

	handle(t, b, 1, CmdStart, EncodeCoreMask(0b11), StatusOK)
	if b.State() != StateCounting {
		t.Fatalf("state = %v, want COUNTING", b.State())
	}

	// ASSIGN requires IDLE.
	handle(t, b, 1, CmdAssign, EncodeAssign(1, false, events), StatusInvalidDeviceState)

	out := handle(t, b, 1, CmdReadCount, EncodeCoreMask(0b11), StatusOK)
	counts, err := DecodeCounts(out)
	if err != nil {
		t.Fatalf("DecodeCounts() error: %v", err)
	}
	if len(counts) != 2 {
		t.Fatalf("got %d cores, want 2", len(counts))
	}
	for _, cc := range counts {
		if len(cc.Counters) != 2 {
			t.Errorf("core %d has %d counters, want 2", cc.Core, len(cc.Counters))
		}
	}

	// A second client cannot stop the owner's session.
	handle(t, b, 2, CmdStop, EncodeCoreMask(0b11), StatusInvalidDeviceState)

	handle(t, b, 1, CmdStop, EncodeCoreMask(0b11), StatusOK)
	if b.State() != StateIdle {
		t.Fatalf("state = %v after STOP, want IDLE", b.State())
	}

	// STOP after STOP is a no-op and returns success.
	handle(t, b, 1, CmdStop, EncodeCoreMask(0b11), StatusOK)
}

func TestBrokerSamplingLifecycle(t *testing.T) {
	b := newTestBroker(t)

	// Sampling queries require the sampling state.
	handle(t, b, 1, CmdSampleGet, EncodeCore(0), StatusInvalidDeviceState)
	handle(t, b, 1, CmdSampleStats, EncodeCore(0), StatusInvalidDeviceState)

	srcs := []pmu.SampleSource{{Event: pmu.EventBRMisPredRetired, Interval: 100}}
	handle(t, b, 1, CmdSampleSet, EncodeSampleSources(srcs), StatusOK)
	handle(t, b, 1, CmdSampleStart, nil, StatusOK)
	if b.State() != StateSampling {
		t.Fatalf("state = %v, want SAMPLING", b.State())
	}

	// Counting START while sampling is an invalid transition.
	handle(t, b, 1, CmdStart, EncodeCoreMask(1), StatusInvalidDeviceState)

	out := handle(t, b, 1, CmdSampleStats, EncodeCore(0), StatusOK)
	if _, _, err := DecodeSampleStats(out); err != nil {
		t.Fatalf("DecodeSampleStats() error: %v", err)
	}

	out = handle(t, b, 1, CmdSampleGet, EncodeCore(0), StatusOK)
	if samples, _ := DecodeSamples(out); len(samples) != 0 {
		t.Errorf("unexpected samples: %+v", samples)
	}

	handle(t, b, 1, CmdSampleStop, nil, StatusOK)
	if b.State() != StateIdle {
		t.Fatalf("state = %v after SAMPLE_STOP, want IDLE", b.State())
	}
	handle(t, b, 1, CmdSampleStop, nil, StatusOK)
}

func TestBrokerInvalidPayloads(t *testing.T) {
	b := newTestBroker(t)
	handle(t, b, 1, CmdAssign, []byte{1, 2}, StatusInvalidParameter)
	handle(t, b, 1, CmdReset, nil, StatusInvalidParameter)
	handle(t, b, 1, 0xFFFF, nil, StatusInvalidParameter)
}

func TestBrokerPeripheralUnits(t *testing.T) {
	b := newTestBroker(t)

	// DSU has a simulated source.
	out := handle(t, b, 1, CmdDSUQuery, nil, StatusOK)
	if n, _ := DecodeU32(out); n != 4 {
		t.Errorf("DSU counters = %d, want 4", n)
	}
	handle(t, b, 1, CmdDSURead, nil, StatusInvalidDeviceState)
	handle(t, b, 1, CmdDSUStart, nil, StatusOK)
	out = handle(t, b, 1, CmdDSURead, nil, StatusOK)
	if vals, _ := DecodeU64Slice(out); len(vals) != 4 {
		t.Errorf("DSU read returned %d values, want 4", len(vals))
	}
	handle(t, b, 1, CmdDSUStop, nil, StatusOK)

	// DMC and SPE were built without hardware.
	handle(t, b, 1, CmdDMCQuery, nil, StatusUnsupported)
	handle(t, b, 1, CmdSPEQuery, nil, StatusUnsupported)
	handle(t, b, 1, CmdSPEStart, nil, StatusUnsupported)
}

func TestBrokerClientGoneReleasesState(t *testing.T) {
	b := newTestBroker(t)
	events := []pmu.EventAssignment{{Event: pmu.EventInstRetired}}
	handle(t, b, 7, CmdAssign, EncodeAssign(1, false, events), StatusOK)
	handle(t, b, 7, CmdStart, EncodeCoreMask(1), StatusOK)

	b.ClientGone(7)
	if b.State() != StateIdle {
		t.Errorf("state = %v after owner vanished, want IDLE", b.State())
	}
	// Another client can take over immediately.
	handle(t, b, 8, CmdStart, EncodeCoreMask(1), StatusOK)
	handle(t, b, 8, CmdStop, EncodeCoreMask(1), StatusOK)
}

func TestBrokerCloseCancels(t *testing.T) {
	b := newTestBroker(t)
	b.Close()
	status, _ := b.Handle(1, CmdVersion, nil)
	if status != StatusCancelled {
		t.Errorf("Handle() after Close = %d, want cancelled", status)
	}
}

func TestWireCodecRejectsTruncation(t *testing.T) {
	full := EncodeAssign(1, true, []pmu.EventAssignment{{Event: pmu.EventCycle}})
	if _, _, _, err := DecodeAssign(full[:len(full)-2]); err == nil {
		t.Error("DecodeAssign accepted a truncated payload")
	}
	if _, err := DecodeCoreMask([]byte{1, 2, 3}); err == nil {
		t.Error("DecodeCoreMask accepted a short payload")
	}
}
