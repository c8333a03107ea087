// Package ioctlclient is the user-space side of the command-ingress
// contract: it frames {code, payload} requests, reads {status, payload}
// responses, and offers typed wrappers over the wire codec. On Windows
// the same Commander interface is also satisfied by a direct
// DeviceIoControl transport (see device_windows.go).
package ioctlclient

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"wperf-engine/internal/broker"
	"wperf-engine/internal/pmu"
)

// Commander issues one command round-trip.
type Commander interface {
	Command(code uint32, in []byte) (status uint32, out []byte, err error)
	Close() error
}

// Client talks to the engine host over a stream connection. Commands
// are serialised; a Client is safe for concurrent use.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
}

// Dial connects to the ingress endpoint.
func Dial(network, endpoint string) (*Client, error) {
	conn, err := net.Dial(network, endpoint)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error { return c.conn.Close() }

// Command sends one frame and reads the response. A transport error is
// returned as err; a command-level failure comes back in status.
func (c *Client) Command(code uint32, in []byte) (uint32, []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:4], code)
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(in)))
	if _, err := c.conn.Write(hdr[:]); err != nil {
		return 0, nil, err
	}
	if len(in) > 0 {
		if _, err := c.conn.Write(in); err != nil {
			return 0, nil, err
		}
	}

	if _, err := io.ReadFull(c.conn, hdr[:]); err != nil {
		return 0, nil, err
	}
	status := binary.LittleEndian.Uint32(hdr[0:4])
	n := binary.LittleEndian.Uint32(hdr[4:8])
	var out []byte
	if n > 0 {
		out = make([]byte, n)
		if _, err := io.ReadFull(c.conn, out); err != nil {
			return 0, nil, err
		}
	}
	return status, out, nil
}

// statusErr converts a non-OK wire status into an error.
func statusErr(cmd string, status uint32) error {
	if status == broker.StatusOK {
		return nil
	}
	var name string
	switch status {
	case broker.StatusInsufficientResources:
		name = "insufficient resources"
	case broker.StatusInvalidDeviceState:
		name = "invalid device state"
	case broker.StatusInvalidParameter:
		name = "invalid parameter"
	case broker.StatusUnsupported:
		name = "unsupported"
	case broker.StatusCancelled:
		name = "cancelled"
	default:
		name = "internal error"
	}
	return fmt.Errorf("%s: %s", cmd, name)
}

// Session wraps a Commander with typed command helpers.
type Session struct {
	c Commander
}

func NewSession(c Commander) *Session { return &Session{c: c} }

func (s *Session) Close() error { return s.c.Close() }

func (s *Session) Version() (major, minor, patch uint32, err error) {
	status, out, err := s.c.Command(broker.CmdVersion, nil)
	if err != nil {
		return 0, 0, 0, err
	}
	if err := statusErr("VERSION", status); err != nil {
		return 0, 0, 0, err
	}
	return broker.DecodeVersion(out)
}

func (s *Session) NumCores() (uint32, error) {
	status, out, err := s.c.Command(broker.CmdNumCores, nil)
	if err != nil {
		return 0, err
	}
	if err := statusErr("NUM_CORES", status); err != nil {
		return 0, err
	}
	return broker.DecodeU32(out)
}

func (s *Session) HWConfig() (pmu.HWConfig, error) {
	status, out, err := s.c.Command(broker.CmdQueryHWCfg, nil)
	if err != nil {
		return pmu.HWConfig{}, err
	}
	if err := statusErr("QUERY_HW_CFG", status); err != nil {
		return pmu.HWConfig{}, err
	}
	return broker.DecodeHWConfig(out)
}

func (s *Session) Assign(coreMask uint64, kernelMode bool, events []pmu.EventAssignment) error {
	status, _, err := s.c.Command(broker.CmdAssign, broker.EncodeAssign(coreMask, kernelMode, events))
	if err != nil {
		return err
	}
	return statusErr("EVENTS_ASSIGN", status)
}

func (s *Session) Reset(coreMask uint64) error {
	status, _, err := s.c.Command(broker.CmdReset, broker.EncodeCoreMask(coreMask))
	if err != nil {
		return err
	}
	return statusErr("RESET", status)
}

func (s *Session) Start(coreMask uint64) error {
	status, _, err := s.c.Command(broker.CmdStart, broker.EncodeCoreMask(coreMask))
	if err != nil {
		return err
	}
	return statusErr("START", status)
}

func (s *Session) Stop(coreMask uint64) error {
	status, _, err := s.c.Command(broker.CmdStop, broker.EncodeCoreMask(coreMask))
	if err != nil {
		return err
	}
	return statusErr("STOP", status)
}

func (s *Session) ReadCounting(coreMask uint64) ([]pmu.CoreCounts, error) {
	status, out, err := s.c.Command(broker.CmdReadCount, broker.EncodeCoreMask(coreMask))
	if err != nil {
		return nil, err
	}
	if err := statusErr("READ_COUNTING", status); err != nil {
		return nil, err
	}
	return broker.DecodeCounts(out)
}

func (s *Session) SampleSetSources(srcs []pmu.SampleSource) error {
	status, _, err := s.c.Command(broker.CmdSampleSet, broker.EncodeSampleSources(srcs))
	if err != nil {
		return err
	}
	return statusErr("SAMPLE_SET_SRC", status)
}

func (s *Session) SampleStart() error {
	status, _, err := s.c.Command(broker.CmdSampleStart, nil)
	if err != nil {
		return err
	}
	return statusErr("SAMPLE_START", status)
}

func (s *Session) SampleStop() error {
	status, _, err := s.c.Command(broker.CmdSampleStop, nil)
	if err != nil {
		return err
	}
	return statusErr("SAMPLE_STOP", status)
}

func (s *Session) SampleGet(core uint32) ([]pmu.Sample, error) {
	status, out, err := s.c.Command(broker.CmdSampleGet, broker.EncodeCore(core))
	if err != nil {
		return nil, err
	}
	if err := statusErr("SAMPLE_GET", status); err != nil {
		return nil, err
	}
	return broker.DecodeSamples(out)
}

func (s *Session) SampleStats(core uint32) (generated, dropped uint64, err error) {
	status, out, err := s.c.Command(broker.CmdSampleStats, broker.EncodeCore(core))
	if err != nil {
		return 0, 0, err
	}
	if err := statusErr("SAMPLE_STATS", status); err != nil {
		return 0, 0, err
	}
	return broker.DecodeSampleStats(out)
}
