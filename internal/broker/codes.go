package broker

// Command codes accepted on the ingress point. The numbering is part of
// the wire contract between the engine host and its clients.
const (
	CmdVersion     uint32 = 0x01
	CmdNumCores    uint32 = 0x02
	CmdQueryHWCfg  uint32 = 0x03
	CmdAssign      uint32 = 0x10
	CmdReset       uint32 = 0x11
	CmdStart       uint32 = 0x12
	CmdStop        uint32 = 0x13
	CmdReadCount   uint32 = 0x14
	CmdSampleSet   uint32 = 0x20
	CmdSampleStart uint32 = 0x21
	CmdSampleStop  uint32 = 0x22
	CmdSampleGet   uint32 = 0x23
	CmdSampleStats uint32 = 0x24

	CmdDSUQuery uint32 = 0x30
	CmdDSUReset uint32 = 0x31
	CmdDSUStart uint32 = 0x32
	CmdDSUStop  uint32 = 0x33
	CmdDSURead  uint32 = 0x34

	CmdDMCQuery uint32 = 0x40
	CmdDMCReset uint32 = 0x41
	CmdDMCStart uint32 = 0x42
	CmdDMCStop  uint32 = 0x43
	CmdDMCRead  uint32 = 0x44

	CmdSPEQuery uint32 = 0x50
	CmdSPEStart uint32 = 0x51
	CmdSPEStop  uint32 = 0x52
	CmdSPEDrain uint32 = 0x53
)

// Wire status values returned in every response header.
const (
	StatusOK                    uint32 = 0
	StatusInternal              uint32 = 1
	StatusInsufficientResources uint32 = 2
	StatusInvalidDeviceState    uint32 = 3
	StatusInvalidParameter      uint32 = 4
	StatusUnsupported           uint32 = 5
	StatusCancelled             uint32 = 6
)

// Engine version reported by CmdVersion.
const (
	VersionMajor uint32 = 1
	VersionMinor uint32 = 0
	VersionPatch uint32 = 0
)

// CmdName returns a human-readable name for logging.
func CmdName(code uint32) string {
	switch code {
	case CmdVersion:
		return "VERSION"
	case CmdNumCores:
		return "NUM_CORES"
	case CmdQueryHWCfg:
		return "QUERY_HW_CFG"
	case CmdAssign:
		return "EVENTS_ASSIGN"
	case CmdReset:
		return "RESET"
	case CmdStart:
		return "START"
	case CmdStop:
		return "STOP"
	case CmdReadCount:
		return "READ_COUNTING"
	case CmdSampleSet:
		return "SAMPLE_SET_SRC"
	case CmdSampleStart:
		return "SAMPLE_START"
	case CmdSampleStop:
		return "SAMPLE_STOP"
	case CmdSampleGet:
		return "SAMPLE_GET"
	case CmdSampleStats:
		return "SAMPLE_STATS"
	case CmdDSUQuery:
		return "DSU_QUERY"
	case CmdDSUReset:
		return "DSU_RESET"
	case CmdDSUStart:
		return "DSU_START"
	case CmdDSUStop:
		return "DSU_STOP"
	case CmdDSURead:
		return "DSU_READ"
	case CmdDMCQuery:
		return "DMC_QUERY"
	case CmdDMCReset:
		return "DMC_RESET"
	case CmdDMCStart:
		return "DMC_START"
	case CmdDMCStop:
		return "DMC_STOP"
	case CmdDMCRead:
		return "DMC_READ"
	case CmdSPEQuery:
		return "SPE_QUERY"
	case CmdSPEStart:
		return "SPE_START"
	case CmdSPEStop:
		return "SPE_STOP"
	case CmdSPEDrain:
		return "SPE_DRAIN"
	default:
		return "UNKNOWN"
	}
}
