// Package metrics republishes engine health as Prometheus metrics: the
// broker's state machine, per-core sample generation and drop counts,
// and live counter totals while a counting session runs.
package metrics

import (
	"strconv"

	"wperf-engine/internal/broker"
	"wperf-engine/internal/pmu"
	"wperf-engine/internal/wplog"

	"github.com/phuslu/log"
	"github.com/prometheus/client_golang/prometheus"
)

// EngineCollector implements prometheus.Collector over a live engine.
// Sample statistics come from lock-free atomic counters and are always
// safe to scrape; counter totals are only read while the broker is in
// the counting state, so a scrape never perturbs an idle engine.
type EngineCollector struct {
	engine *pmu.Engine
	brk    *broker.Broker
	log    log.Logger

	sampleGeneratedDesc *prometheus.Desc
	sampleDroppedDesc   *prometheus.Desc
	brokerStateDesc     *prometheus.Desc
	freeGPCDesc         *prometheus.Desc
	counterValueDesc    *prometheus.Desc
	scheduledRatioDesc  *prometheus.Desc
}

func NewEngineCollector(engine *pmu.Engine, brk *broker.Broker) *EngineCollector {
	return &EngineCollector{
		engine: engine,
		brk:    brk,
		log:    wplog.NewLoggerWithContext("metrics"),
		sampleGeneratedDesc: prometheus.NewDesc(
			"wperf_samples_generated_total",
			"PMI interrupts observed per core (including dropped samples)",
			[]string{"core"}, nil),
		sampleDroppedDesc: prometheus.NewDesc(
			"wperf_samples_dropped_total",
			"Samples lost to ring overrun or lock contention per core",
			[]string{"core"}, nil),
		brokerStateDesc: prometheus.NewDesc(
			"wperf_broker_state",
			"Command broker state (0=idle, 1=counting, 2=sampling)",
			nil, nil),
		freeGPCDesc: prometheus.NewDesc(
			"wperf_free_gpc",
			"General-purpose counters reserved from the host allocator",
			nil, nil),
		counterValueDesc: prometheus.NewDesc(
			"wperf_counter_value_total",
			"Accumulated event count per core while counting",
			[]string{"core", "event"}, nil),
		scheduledRatioDesc: prometheus.NewDesc(
			"wperf_counter_scheduled_ratio",
			"Fraction of multiplex rounds the event's group was live",
			[]string{"core", "event"}, nil),
	}
}

func (c *EngineCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.sampleGeneratedDesc
	ch <- c.sampleDroppedDesc
	ch <- c.brokerStateDesc
	ch <- c.freeGPCDesc
	ch <- c.counterValueDesc
	ch <- c.scheduledRatioDesc
}

func (c *EngineCollector) Collect(ch chan<- prometheus.Metric) {
	state := c.brk.State()
	ch <- prometheus.MustNewConstMetric(c.brokerStateDesc,
		prometheus.GaugeValue, float64(state))
	ch <- prometheus.MustNewConstMetric(c.freeGPCDesc,
		prometheus.GaugeValue, float64(c.engine.HWConfig().FreeGPC))

	for core := 0; core < c.engine.NumCores(); core++ {
		generated, dropped, err := c.engine.SampleStats(core)
		if err != nil {
			continue
		}
		label := strconv.Itoa(core)
		ch <- prometheus.MustNewConstMetric(c.sampleGeneratedDesc,
			prometheus.CounterValue, float64(generated), label)
		ch <- prometheus.MustNewConstMetric(c.sampleDroppedDesc,
			prometheus.CounterValue, float64(dropped), label)
	}

	if state != broker.StateCounting {
		return
	}
	mask := uint64(1)<<uint(c.engine.NumCores()) - 1
	counts, err := c.engine.ReadCounting(mask)
	if err != nil {
		c.log.Debug().Err(err).Msg("counter scrape failed")
		return
	}
	for _, cc := range counts {
		coreLabel := strconv.FormatUint(uint64(cc.Core), 10)
		for _, ct := range cc.Counters {
			name := pmu.EventName(ct.Event)
			ch <- prometheus.MustNewConstMetric(c.counterValueDesc,
				prometheus.CounterValue, float64(ct.Value), coreLabel, name)
			if ct.TotalTicks > 0 {
				ch <- prometheus.MustNewConstMetric(c.scheduledRatioDesc,
					prometheus.GaugeValue,
					float64(ct.ScheduledTicks)/float64(ct.TotalTicks),
					coreLabel, name)
			}
		}
	}
}

var _ prometheus.Collector = (*EngineCollector)(nil)
