// wpmu-exporter drives a remote engine host over the command ingress
// and republishes its counters and sampling statistics as Prometheus
// metrics, for hosts where the agent's own metrics endpoint is not
// reachable.
package main

import (
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"wperf-engine/internal/ioctlclient"
	"wperf-engine/internal/pmu"
	"wperf-engine/internal/wplog"

	"github.com/phuslu/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type remoteCollector struct {
	sess *ioctlclient.Session
	log  log.Logger

	mu       sync.Mutex
	numCores uint32

	counterDesc   *prometheus.Desc
	generatedDesc *prometheus.Desc
	droppedDesc   *prometheus.Desc
}

func newRemoteCollector(sess *ioctlclient.Session, numCores uint32) *remoteCollector {
	return &remoteCollector{
		sess:     sess,
		log:      wplog.NewLoggerWithContext("remote-collector"),
		numCores: numCores,
		counterDesc: prometheus.NewDesc(
			"wperf_remote_counter_value_total",
			"Accumulated event count per core from the remote engine",
			[]string{"core", "event"}, nil),
		generatedDesc: prometheus.NewDesc(
			"wperf_remote_samples_generated_total",
			"PMI interrupts observed per core on the remote engine",
			[]string{"core"}, nil),
		droppedDesc: prometheus.NewDesc(
			"wperf_remote_samples_dropped_total",
			"Samples lost per core on the remote engine",
			[]string{"core"}, nil),
	}
}

func (c *remoteCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.counterDesc
	ch <- c.generatedDesc
	ch <- c.droppedDesc
}

func (c *remoteCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	mask := uint64(1)<<uint(c.numCores) - 1
	if counts, err := c.sess.ReadCounting(mask); err == nil {
		for _, cc := range counts {
			coreLabel := strconv.FormatUint(uint64(cc.Core), 10)
			for _, ct := range cc.Counters {
				ch <- prometheus.MustNewConstMetric(c.counterDesc,
					prometheus.CounterValue, float64(ct.Value),
					coreLabel, pmu.EventName(ct.Event))
			}
		}
	}

	for core := uint32(0); core < c.numCores; core++ {
		generated, dropped, err := c.sess.SampleStats(core)
		if err != nil {
			// Stats are only available while sampling; skip quietly.
			continue
		}
		label := strconv.FormatUint(uint64(core), 10)
		ch <- prometheus.MustNewConstMetric(c.generatedDesc,
			prometheus.CounterValue, float64(generated), label)
		ch <- prometheus.MustNewConstMetric(c.droppedDesc,
			prometheus.CounterValue, float64(dropped), label)
	}
}

func main() {
	var (
		listenAddress = flag.String("web.listen-address", "localhost:9359", "Address to listen on for telemetry.")
		metricsPath   = flag.String("web.telemetry-path", "/metrics", "Path under which to expose metrics.")
		network       = flag.String("network", "tcp", "Ingress network of the engine host.")
		endpoint      = flag.String("endpoint", "localhost:9358", "Ingress endpoint of the engine host.")
		dialRetry     = flag.Duration("dial-retry", 5*time.Second, "Retry period while the engine host is down.")
	)
	flag.Parse()

	log.Info().Str("endpoint", *endpoint).Msg("Starting wpmu-exporter")

	var sess *ioctlclient.Session
	for {
		cli, err := ioctlclient.Dial(*network, *endpoint)
		if err == nil {
			sess = ioctlclient.NewSession(cli)
			break
		}
		log.Warn().Err(err).Dur("retry", *dialRetry).Msg("Engine host unreachable")
		time.Sleep(*dialRetry)
	}
	defer sess.Close()

	numCores, err := sess.NumCores()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to query engine: %v\n", err)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(newRemoteCollector(sess, numCores))

	mux := http.NewServeMux()
	mux.Handle(*metricsPath, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: *listenAddress, Handler: mux}
	go func() {
		log.Info().Str("address", *listenAddress).Msg("Metrics server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Metrics server failed")
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	srv.Close()
}
