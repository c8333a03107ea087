package broker

import (
	"encoding/binary"

	"wperf-engine/internal/pmu"
	"wperf-engine/internal/pmuerr"
)

// Payload encoding is little-endian with no padding; each command's
// layout is fixed by the encode/decode pair below. The codec is shared
// by the broker and the client so a mismatch cannot survive a test run.

type wireWriter struct{ buf []byte }

func (w *wireWriter) u16(v uint16) { w.buf = binary.LittleEndian.AppendUint16(w.buf, v) }
func (w *wireWriter) u32(v uint32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }
func (w *wireWriter) u64(v uint64) { w.buf = binary.LittleEndian.AppendUint64(w.buf, v) }
func (w *wireWriter) bytes(b []byte) {
	w.u32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

type wireReader struct {
	buf []byte
	off int
	bad bool
}

func (r *wireReader) u16() uint16 {
	if r.off+2 > len(r.buf) {
		r.bad = true
		return 0
	}
	v := binary.LittleEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v
}

func (r *wireReader) u32() uint32 {
	if r.off+4 > len(r.buf) {
		r.bad = true
		return 0
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

func (r *wireReader) u64() uint64 {
	if r.off+8 > len(r.buf) {
		r.bad = true
		return 0
	}
	v := binary.LittleEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v
}

func (r *wireReader) bytes() []byte {
	n := int(r.u32())
	if r.bad || r.off+n > len(r.buf) {
		r.bad = true
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *wireReader) err() error {
	if r.bad {
		return pmuerr.New(pmuerr.InvalidParameter, "truncated command payload")
	}
	return nil
}

// EncodeVersion builds the VERSION response payload.
func EncodeVersion(major, minor, patch uint32) []byte {
	var w wireWriter
	w.u32(major)
	w.u32(minor)
	w.u32(patch)
	return w.buf
}

// DecodeVersion parses a VERSION response payload.
func DecodeVersion(b []byte) (major, minor, patch uint32, err error) {
	r := wireReader{buf: b}
	major, minor, patch = r.u32(), r.u32(), r.u32()
	return major, minor, patch, r.err()
}

// EncodeHWConfig builds the QUERY_HW_CFG response payload.
func EncodeHWConfig(cfg pmu.HWConfig) []byte {
	var w wireWriter
	w.u32(uint32(cfg.NumGPC))
	w.u32(uint32(cfg.FreeGPC))
	if cfg.CycleCounterSupported {
		w.u32(1)
	} else {
		w.u32(0)
	}
	w.u32(uint32(cfg.PMUVer))
	w.u32(uint32(cfg.AA64PMUVer))
	w.u32(uint32(cfg.AA64PMSVer))
	w.u64(cfg.MIDR)
	w.bytes(cfg.CounterIdxMap)
	return w.buf
}

// DecodeHWConfig parses a QUERY_HW_CFG response payload.
func DecodeHWConfig(b []byte) (pmu.HWConfig, error) {
	r := wireReader{buf: b}
	cfg := pmu.HWConfig{
		NumGPC:                uint8(r.u32()),
		FreeGPC:               uint8(r.u32()),
		CycleCounterSupported: r.u32() != 0,
		PMUVer:                uint8(r.u32()),
		AA64PMUVer:            uint8(r.u32()),
		AA64PMSVer:            uint8(r.u32()),
		MIDR:                  r.u64(),
	}
	cfg.CounterIdxMap = append([]uint8(nil), r.bytes()...)
	return cfg, r.err()
}

// EncodeAssign builds the EVENTS_ASSIGN request payload.
func EncodeAssign(coreMask uint64, kernelMode bool, events []pmu.EventAssignment) []byte {
	var w wireWriter
	w.u64(coreMask)
	if kernelMode {
		w.u32(1)
	} else {
		w.u32(0)
	}
	w.u32(uint32(len(events)))
	for _, e := range events {
		w.u16(uint16(e.Event))
		w.u32(uint32(e.Filter))
	}
	return w.buf
}

// DecodeAssign parses an EVENTS_ASSIGN request payload.
func DecodeAssign(b []byte) (coreMask uint64, kernelMode bool, events []pmu.EventAssignment, err error) {
	r := wireReader{buf: b}
	coreMask = r.u64()
	kernelMode = r.u32() != 0
	n := int(r.u32())
	if n > pmu.MaxAssignedEvents {
		return 0, false, nil, pmuerr.New(pmuerr.InvalidParameter, "too many events")
	}
	for i := 0; i < n && !r.bad; i++ {
		events = append(events, pmu.EventAssignment{
			Event:  pmu.EventID(r.u16()),
			Filter: pmu.FilterFlags(r.u32()),
		})
	}
	return coreMask, kernelMode, events, r.err()
}

// EncodeCoreMask builds the RESET/START/STOP/READ_COUNTING request payload.
func EncodeCoreMask(mask uint64) []byte {
	var w wireWriter
	w.u64(mask)
	return w.buf
}

// DecodeCoreMask parses a core-bitmap request payload.
func DecodeCoreMask(b []byte) (uint64, error) {
	r := wireReader{buf: b}
	mask := r.u64()
	return mask, r.err()
}

// EncodeCounts builds the READ_COUNTING response payload.
func EncodeCounts(counts []pmu.CoreCounts) []byte {
	var w wireWriter
	w.u32(uint32(len(counts)))
	for _, cc := range counts {
		w.u32(cc.Core)
		w.u32(uint32(len(cc.Counters)))
		for _, ct := range cc.Counters {
			w.u16(uint16(ct.Event))
			w.u64(ct.Value)
			w.u64(ct.ScheduledTicks)
			w.u64(ct.TotalTicks)
		}
	}
	return w.buf
}

// DecodeCounts parses a READ_COUNTING response payload.
func DecodeCounts(b []byte) ([]pmu.CoreCounts, error) {
	r := wireReader{buf: b}
	n := int(r.u32())
	var out []pmu.CoreCounts
	for i := 0; i < n && !r.bad; i++ {
		cc := pmu.CoreCounts{Core: r.u32()}
		m := int(r.u32())
		for j := 0; j < m && !r.bad; j++ {
			cc.Counters = append(cc.Counters, pmu.CounterTotal{
				Event:          pmu.EventID(r.u16()),
				Value:          r.u64(),
				ScheduledTicks: r.u64(),
				TotalTicks:     r.u64(),
			})
		}
		out = append(out, cc)
	}
	return out, r.err()
}

// EncodeSampleSources builds the SAMPLE_SET_SRC request payload.
func EncodeSampleSources(srcs []pmu.SampleSource) []byte {
	var w wireWriter
	w.u32(uint32(len(srcs)))
	for _, s := range srcs {
		w.u16(uint16(s.Event))
		w.u32(s.Interval)
		w.u32(uint32(s.Filter))
	}
	return w.buf
}

// DecodeSampleSources parses a SAMPLE_SET_SRC request payload.
func DecodeSampleSources(b []byte) ([]pmu.SampleSource, error) {
	r := wireReader{buf: b}
	n := int(r.u32())
	if n > pmu.MaxAssignedEvents {
		return nil, pmuerr.New(pmuerr.InvalidParameter, "too many sample sources")
	}
	var out []pmu.SampleSource
	for i := 0; i < n && !r.bad; i++ {
		out = append(out, pmu.SampleSource{
			Event:    pmu.EventID(r.u16()),
			Interval: r.u32(),
			Filter:   pmu.FilterFlags(r.u32()),
		})
	}
	return out, r.err()
}

// EncodeCore builds the SAMPLE_GET/SAMPLE_STATS request payload.
func EncodeCore(core uint32) []byte {
	var w wireWriter
	w.u32(core)
	return w.buf
}

// DecodeCore parses a single-core request payload.
func DecodeCore(b []byte) (uint32, error) {
	r := wireReader{buf: b}
	core := r.u32()
	return core, r.err()
}

// EncodeSamples builds the SAMPLE_GET response payload.
func EncodeSamples(samples []pmu.Sample) []byte {
	var w wireWriter
	w.u32(uint32(len(samples)))
	for _, s := range samples {
		w.u64(s.PC)
		w.u64(s.LR)
		w.u64(s.OverflowMask)
	}
	return w.buf
}

// DecodeSamples parses a SAMPLE_GET response payload.
func DecodeSamples(b []byte) ([]pmu.Sample, error) {
	r := wireReader{buf: b}
	n := int(r.u32())
	var out []pmu.Sample
	for i := 0; i < n && !r.bad; i++ {
		out = append(out, pmu.Sample{PC: r.u64(), LR: r.u64(), OverflowMask: r.u64()})
	}
	return out, r.err()
}

// EncodeSampleStats builds the SAMPLE_STATS response payload.
func EncodeSampleStats(generated, dropped uint64) []byte {
	var w wireWriter
	w.u64(generated)
	w.u64(dropped)
	return w.buf
}

// DecodeSampleStats parses a SAMPLE_STATS response payload.
func DecodeSampleStats(b []byte) (generated, dropped uint64, err error) {
	r := wireReader{buf: b}
	generated = r.u64()
	dropped = r.u64()
	return generated, dropped, r.err()
}

// EncodeU32 / DecodeU32 cover the single-integer payloads (NUM_CORES,
// peripheral queries).
func EncodeU32(v uint32) []byte {
	var w wireWriter
	w.u32(v)
	return w.buf
}

func DecodeU32(b []byte) (uint32, error) {
	r := wireReader{buf: b}
	v := r.u32()
	return v, r.err()
}

// EncodeU64Slice / DecodeU64Slice cover the peripheral READ payloads.
func EncodeU64Slice(vs []uint64) []byte {
	var w wireWriter
	w.u32(uint32(len(vs)))
	for _, v := range vs {
		w.u64(v)
	}
	return w.buf
}

func DecodeU64Slice(b []byte) ([]uint64, error) {
	r := wireReader{buf: b}
	n := int(r.u32())
	var out []uint64
	for i := 0; i < n && !r.bad; i++ {
		out = append(out, r.u64())
	}
	return out, r.err()
}

// EncodeBlob / DecodeBlob cover the SPE drain payload.
func EncodeBlob(b []byte) []byte {
	var w wireWriter
	w.bytes(b)
	return w.buf
}

func DecodeBlob(b []byte) ([]byte, error) {
	r := wireReader{buf: b}
	blob := append([]byte(nil), r.bytes()...)
	return blob, r.err()
}
