//go:build arm64 && windows

package pmu

// HardwareRegisterIO is the production RegisterIO backend: it talks
// directly to the Armv8 PMU system registers via MRS/MSR, implemented
// in regio_arm64_windows.s. There is exactly one of these per process.
// Core affinity is the caller's job: EventScheduler only ever invokes
// these from the owning core's worker (see corestate.go), the
// user-level stand-in for running at raised IRQL on that core.
//
// This type cannot be exercised by unit tests without real Armv8
// hardware; SimRegisterIO carries the bit-pattern round-trip coverage
// instead.
type HardwareRegisterIO struct{}

func NewHardwareRegisterIO() *HardwareRegisterIO { return &HardwareRegisterIO{} }

func (h *HardwareRegisterIO) ReadPMCR() PMCR { return UnmarshalPMCR(readPMCR()) }

func (h *HardwareRegisterIO) WritePMCR(p PMCR) {
	writePMCR(p.Marshal() | uint32(readPMCR()&(pmcrNMask<<pmcrNShift)))
	isb()
}

func (h *HardwareRegisterIO) EnableCounters(mask uint64) {
	writePMCNTENSET(mask)
	isb()
}

func (h *HardwareRegisterIO) DisableCounters(mask uint64) {
	writePMCNTENCLR(mask)
	isb()
}

func (h *HardwareRegisterIO) EnableInterrupts(mask uint64) {
	writePMINTENSET(mask)
	isb()
}

func (h *HardwareRegisterIO) DisableInterrupts(mask uint64) {
	writePMINTENCLR(mask)
	isb()
}

func (h *HardwareRegisterIO) ReadClearOverflow() uint64 {
	v := readPMOVSCLR() & 0xffffffff
	writePMOVSCLR(v)
	isb()
	return v
}

func (h *HardwareRegisterIO) SelectCounter(slot uint8) {
	writePMSELR(uint32(slot))
	isb()
}

func (h *HardwareRegisterIO) WriteEventType(t EventTyper) {
	writePMXEVTYPER(t.Marshal())
	isb()
}

func (h *HardwareRegisterIO) ReadCounter(slot uint8) uint32 {
	writePMSELR(uint32(slot))
	isb()
	return readPMXEVCNTR()
}

func (h *HardwareRegisterIO) WriteCounter(slot uint8, value uint32) {
	writePMSELR(uint32(slot))
	isb()
	writePMXEVCNTR(value)
	isb()
}

func (h *HardwareRegisterIO) ReadCycleCounter() uint64 { return readPMCCNTR() }

func (h *HardwareRegisterIO) WriteCycleCounter(value uint64) {
	writePMCCNTR(value)
	isb()
}

func (h *HardwareRegisterIO) ReadIDRegisters() IDRegisters {
	return IDRegisters{
		DFR0EL1:     readIDDFR0(),
		MIDREL1:     readMIDR(),
		AA64DFR0EL1: readIDAA64DFR0(),
		PMBIDREL1:   readPMBIDR(),
		PMSIDREL1:   readPMSIDR(),
	}
}

var _ RegisterIO = (*HardwareRegisterIO)(nil)

// Declared in regio_arm64_windows.s.
func isb()

func readPMCR() uint32
func writePMCR(uint32)
func writePMCNTENSET(uint64)
func writePMCNTENCLR(uint64)
func writePMINTENSET(uint64)
func writePMINTENCLR(uint64)
func readPMOVSCLR() uint64
func writePMOVSCLR(uint64)
func writePMSELR(uint32)
func writePMXEVTYPER(uint32)
func readPMXEVCNTR() uint32
func writePMXEVCNTR(uint32)
func readPMCCNTR() uint64
func writePMCCNTR(uint64)
func readIDDFR0() uint64
func readMIDR() uint64
func readIDAA64DFR0() uint64
func readPMBIDR() uint64
func readPMSIDR() uint64
