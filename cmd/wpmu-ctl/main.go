// wpmu-ctl is a thin command client for the engine host: it dials the
// ingress endpoint and issues one command per invocation.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"wperf-engine/internal/ioctlclient"
	"wperf-engine/internal/pmu"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: wpmu-ctl [flags] <command>

Commands (each with the flags it reads; flags go before the command):
  version                       engine version
  cores                         number of managed cores
  hwcfg                         hardware configuration
  assign -events E1,E2 [-cores MASK] [-kernel]
  reset|start|stop [-cores MASK]
  read [-cores MASK]
  sample-set -events E1:I1,E2:I2
  sample-start | sample-stop
  sample-get -core N
  sample-stats -core N
`)
	os.Exit(2)
}

func main() {
	var (
		network  = flag.String("network", "tcp", "Ingress network (tcp or unix).")
		endpoint = flag.String("endpoint", "localhost:9358", "Ingress endpoint to dial.")
		cores    = flag.Uint64("cores", 1, "Core bitmap for counting commands.")
		core     = flag.Uint("core", 0, "Core index for sampling queries.")
		events   = flag.String("events", "", "Comma-separated event list.")
		kernel   = flag.Bool("kernel", false, "Include kernel-level execution.")
	)
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() != 1 {
		usage()
	}

	cli, err := ioctlclient.Dial(*network, *endpoint)
	if err != nil {
		fatal(err)
	}
	defer cli.Close()
	sess := ioctlclient.NewSession(cli)

	switch flag.Arg(0) {
	case "version":
		major, minor, patch, err := sess.Version()
		if err != nil {
			fatal(err)
		}
		fmt.Printf("%d.%d.%d\n", major, minor, patch)

	case "cores":
		n, err := sess.NumCores()
		if err != nil {
			fatal(err)
		}
		fmt.Println(n)

	case "hwcfg":
		cfg, err := sess.HWConfig()
		if err != nil {
			fatal(err)
		}
		fmt.Printf("num_gpc=%d free_gpc=%d pmu_ver=%d aa64_pmu_ver=%d aa64_pms_ver=%d midr=%#x map=%v\n",
			cfg.NumGPC, cfg.FreeGPC, cfg.PMUVer, cfg.AA64PMUVer, cfg.AA64PMSVer, cfg.MIDR, cfg.CounterIdxMap)

	case "assign":
		assignments, err := parseEvents(*events)
		if err != nil {
			fatal(err)
		}
		if err := sess.Assign(*cores, *kernel, assignments); err != nil {
			fatal(err)
		}

	case "reset":
		if err := sess.Reset(*cores); err != nil {
			fatal(err)
		}

	case "start":
		if err := sess.Start(*cores); err != nil {
			fatal(err)
		}

	case "stop":
		if err := sess.Stop(*cores); err != nil {
			fatal(err)
		}

	case "read":
		counts, err := sess.ReadCounting(*cores)
		if err != nil {
			fatal(err)
		}
		for _, cc := range counts {
			for _, ct := range cc.Counters {
				fmt.Printf("core=%d event=%s value=%d scheduled=%d total=%d\n",
					cc.Core, pmu.EventName(ct.Event), ct.Value, ct.ScheduledTicks, ct.TotalTicks)
			}
		}

	case "sample-set":
		srcs, err := parseSampleSources(*events)
		if err != nil {
			fatal(err)
		}
		if err := sess.SampleSetSources(srcs); err != nil {
			fatal(err)
		}

	case "sample-start":
		if err := sess.SampleStart(); err != nil {
			fatal(err)
		}

	case "sample-stop":
		if err := sess.SampleStop(); err != nil {
			fatal(err)
		}

	case "sample-get":
		samples, err := sess.SampleGet(uint32(*core))
		if err != nil {
			fatal(err)
		}
		for _, s := range samples {
			fmt.Printf("pc=%#x lr=%#x ov=%#x\n", s.PC, s.LR, s.OverflowMask)
		}

	case "sample-stats":
		generated, dropped, err := sess.SampleStats(uint32(*core))
		if err != nil {
			fatal(err)
		}
		fmt.Printf("generated=%d dropped=%d\n", generated, dropped)

	default:
		usage()
	}
}

// parseEvents turns "CYCLE,INST_RETIRED,0x24" into assignments.
func parseEvents(list string) ([]pmu.EventAssignment, error) {
	if list == "" {
		return nil, fmt.Errorf("no events given")
	}
	var out []pmu.EventAssignment
	for _, name := range strings.Split(list, ",") {
		id, err := lookupEvent(strings.TrimSpace(name))
		if err != nil {
			return nil, err
		}
		out = append(out, pmu.EventAssignment{Event: id})
	}
	return out, nil
}

// parseSampleSources turns "BR_MIS_PRED_RETIRED:100,CYCLE:100000" into
// sampling sources.
func parseSampleSources(list string) ([]pmu.SampleSource, error) {
	if list == "" {
		return nil, fmt.Errorf("no sample sources given")
	}
	var out []pmu.SampleSource
	for _, part := range strings.Split(list, ",") {
		name, intervalStr, ok := strings.Cut(strings.TrimSpace(part), ":")
		if !ok {
			return nil, fmt.Errorf("sample source %q missing :interval", part)
		}
		id, err := lookupEvent(name)
		if err != nil {
			return nil, err
		}
		interval, err := strconv.ParseUint(intervalStr, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("bad interval in %q: %w", part, err)
		}
		out = append(out, pmu.SampleSource{Event: id, Interval: uint32(interval)})
	}
	return out, nil
}

func lookupEvent(name string) (pmu.EventID, error) {
	if id, ok := pmu.LookupEventByName(name); ok {
		return id, nil
	}
	if raw, err := strconv.ParseUint(name, 0, 16); err == nil {
		return pmu.EventID(raw), nil
	}
	return 0, fmt.Errorf("unknown event %q", name)
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "wpmu-ctl:", err)
	os.Exit(1)
}
