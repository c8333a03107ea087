package ioctlserver

import (
	"testing"

	"wperf-engine/internal/broker"
	"wperf-engine/internal/dmc"
	"wperf-engine/internal/dsu"
	"wperf-engine/internal/ioctlclient"
	"wperf-engine/internal/pmu"
	"wperf-engine/internal/spe"
)

// startTestServer brings up a full engine + broker behind a loopback
// listener and returns a typed client session against it.
func startTestServer(t *testing.T) *ioctlclient.Session {
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

	brk := broker.New(engine,
		dsu.NewUnit(nil),
		dmc.NewUnit(nil),
		spe.NewUnit(nil, pmu.DefaultSimIDRegisters()))
	t.Cleanup(brk.Close)

	srv, err := Listen("tcp", "127.0.0.1:0", brk)
	if err != nil {
		t.Fatalf("Listen() error: %v", err)
	}
	go srv.Serve()
	t.Cleanup(srv.Close)

	cli, err := ioctlclient.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	sess := ioctlclient.NewSession(cli)
	t.Cleanup(func() { sess.Close() })
	return sess
}

func TestServerRoundTrip(t *testing.T) {
	sess := startTestServer(t)

	major, minor, patch, err := sess.Version()
	if err != nil {
		t.Fatalf("Version() error: %v", err)
	}
	if major != broker.VersionMajor || minor != broker.VersionMinor || patch != broker.VersionPatch {
		t.Errorf("version = %d.%d.%d", major, minor, patch)
	}

	n, err := sess.NumCores()
	if err != nil {
		t.Fatalf("NumCores() error: %v", err)
	}
	if n != 2 {
		t.Errorf("NumCores() = %d, want 2", n)
	}

	cfg, err := sess.HWConfig()
	if err != nil {
		t.Fatalf("HWConfig() error: %v", err)
	}
	if cfg.FreeGPC != 6 {
		t.Errorf("FreeGPC = %d, want 6", cfg.FreeGPC)
	}
}

func TestServerCountingSession(t *testing.T) {
	sess := startTestServer(t)

	events := []pmu.EventAssignment{
		{Event: pmu.EventCycle},
		{Event: pmu.EventInstRetired},
	}
	if err := sess.Assign(0b11, false, events); err != nil {
		t.Fatalf("Assign() error: %v", err)
	}
	if err := sess.Start(0b11); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	counts, err := sess.ReadCounting(0b11)
	if err != nil {
		t.Fatalf("ReadCounting() error: %v", err)
	}
	if len(counts) != 2 || len(counts[0].Counters) != 2 {
		t.Fatalf("counts = %+v", counts)
	}
	if counts[0].Counters[1].Value == 0 {
		t.Error("instruction count is zero")
	}
	if err := sess.Stop(0b11); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}

	// Command-level failures arrive as status, not transport errors.
	if _, err := sess.ReadCounting(0b11); err == nil {
		t.Error("ReadCounting() succeeded in IDLE")
	}
}

func TestServerSamplingSession(t *testing.T) {
	sess := startTestServer(t)

	srcs := []pmu.SampleSource{{Event: pmu.EventBRMisPredRetired, Interval: 100}}
	if err := sess.SampleSetSources(srcs); err != nil {
		t.Fatalf("SampleSetSources() error: %v", err)
	}
	if err := sess.SampleStart(); err != nil {
		t.Fatalf("SampleStart() error: %v", err)
	}
	generated, dropped, err := sess.SampleStats(0)
	if err != nil {
		t.Fatalf("SampleStats() error: %v", err)
	}
	if generated != 0 || dropped != 0 {
		t.Errorf("stats = %d/%d before any PMI", generated, dropped)
	}
	samples, err := sess.SampleGet(0)
	if err != nil {
		t.Fatalf("SampleGet() error: %v", err)
	}
	if len(samples) != 0 {
		t.Errorf("samples = %+v, want none", samples)
	}
	if err := sess.SampleStop(); err != nil {
		t.Fatalf("SampleStop() error: %v", err)
	}
}
