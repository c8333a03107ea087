// wpmu-agentd hosts the PMU engine: it probes the hardware, reserves
// counters, binds the command-ingress listener and serves engine
// health over Prometheus until asked to stop.
package main

import (
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"wperf-engine/internal/broker"
	"wperf-engine/internal/config"
	"wperf-engine/internal/dmc"
	"wperf-engine/internal/dsu"
	"wperf-engine/internal/ioctlserver"
	"wperf-engine/internal/metrics"
	"wperf-engine/internal/pmu"
	"wperf-engine/internal/spe"
	"wperf-engine/internal/wplog"

	"github.com/phuslu/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var version = "1.0.0"

func main() {
	cfg, err := config.NewConfig()
	if err != nil {
		if errors.Is(err, config.ErrConfigGenerated) {
			fmt.Println("Example configuration generated.")
			return
		}
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if err := wplog.ConfigureLogging(cfg.Logging); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to configure loggers: %v\n", err)
		os.Exit(1)
	}

	log.Info().Str("version", version).Msg("Starting wpmu-agentd")

	numCores := cfg.Engine.NumCores
	if numCores == 0 {
		numCores = runtime.NumCPU()
	}

	const simNumGPC = 6
	engine, err := pmu.NewEngine(pmu.Options{
		NumCores:          numCores,
		RegisterIOFactory: pmu.NewPlatformRegisterIOFactory(cfg.Engine.Simulate, simNumGPC),
		Allocator:         pmu.NewSimHostAllocator(),
		MultiplexInterval: time.Duration(cfg.Engine.MultiplexIntervalMS) * time.Millisecond,
		KernelMode:        cfg.Engine.KernelMode,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Engine init failed")
	}
	defer engine.Close()

	// Peripheral units: simulated sources when enabled, Unsupported
	// otherwise. Real register-map decode is out of scope.
	var dsuSrc dsu.Source
	if cfg.Peripherals.DSU.Enabled {
		dsuSrc = dsu.NewSimSource(4)
	}
	var dmcSrc dmc.Source
	if cfg.Peripherals.DMC.Enabled {
		dmcSrc = dmc.NewSimSource(2)
	}
	var speSrc spe.Source
	if cfg.Peripherals.SPE.Enabled {
		speSrc = spe.NewSimSource()
	}

	brk := broker.New(engine,
		dsu.NewUnit(dsuSrc),
		dmc.NewUnit(dmcSrc),
		spe.NewUnit(speSrc, engine.IDRegisters()))
	defer brk.Close()

	// Install the default event set so a client can START without its
	// own EVENTS_ASSIGN, matching how the driver loads.
	if cfg.Engine.DefaultEventTruncation == config.TruncationReject &&
		len(pmu.DefaultEvents)-1 > int(engine.HWConfig().FreeGPC) &&
		cfg.Engine.MaxDefaultEvents == 0 {
		log.Fatal().Msg("Default event set exceeds free counters and truncation is rejected")
	}
	defaults := engine.DefaultAssignments(cfg.Engine.MaxDefaultEvents)
	allCores := uint64(1)<<uint(numCores) - 1
	if err := engine.AssignEvents(allCores, defaults, cfg.Engine.KernelMode); err != nil {
		log.Fatal().Err(err).Msg("Default event assignment failed")
	}
	brk.MarkAssigned()

	srv, err := ioctlserver.Listen(cfg.Transport.Network, cfg.Transport.Endpoint, brk)
	if err != nil {
		log.Fatal().Err(err).Str("endpoint", cfg.Transport.Endpoint).Msg("Ingress listen failed")
	}
	go func() {
		if err := srv.Serve(); err != nil {
			log.Error().Err(err).Msg("Ingress serve failed")
		}
	}()
	log.Info().
		Str("network", cfg.Transport.Network).
		Str("endpoint", cfg.Transport.Endpoint).
		Msg("Command ingress listening")

	registry := prometheus.NewRegistry()
	registry.MustRegister(metrics.NewEngineCollector(engine, brk))

	mux := http.NewServeMux()
	mux.Handle(cfg.Server.MetricsPath, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	httpSrv := &http.Server{Addr: cfg.Server.ListenAddress, Handler: mux}
	go func() {
		log.Info().Str("address", cfg.Server.ListenAddress).Msg("Metrics server listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Metrics server failed")
		}
	}()

	if cfg.Server.PprofEnabled {
		go func() {
			log.Info().Msg("Starting pprof HTTP server on localhost:6060")
			http.ListenAndServe("localhost:6060", nil)
		}()
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Shutting down")

	srv.Close()
	brk.Close()
	httpSrv.Close()
	engine.Close()
}
